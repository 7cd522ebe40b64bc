// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package keystore implements a per-family durable key index of
// path-addressable entries, combined with the hash-tree builder to give
// each file entry a content hash.
package keystore

import (
	"context"
	"database/sql"
	"fmt"

	"go.chromium.org/luci/common/errors"

	_ "modernc.org/sqlite"

	"infra/backup/cmd/backupctl/process"
)

// Kind distinguishes a directory entry from a file entry.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Entry is one family key-entry row. Perms/UID/GID/Hash/Height are nil
// when not applicable (directories have no Hash/Height; abstract trees
// may have no perms/uid/gid).
type Entry struct {
	ID       []byte
	ParentID []byte
	Name     []byte
	Kind     Kind
	Size     int64
	Mtime    int64
	Ctime    int64
	Atime    int64
	Perms    *uint32
	UID      *uint32
	GID      *uint32
	Hash     []byte
	Height   *int
}

type opKind int

const (
	opUpsert opKind = iota
	opLookup
	opListDir
	opFlush
	opShutdown
)

type request struct {
	kind     opKind
	entry    Entry
	id       []byte
	parentID []byte
}

type reply struct {
	entry Entry
	found bool
	list  []Entry
	err   error
}

// Index is a handle to the running key-index actor for one family. Safe
// to share across goroutines.
type Index struct {
	actor *process.Actor[request, reply]
}

type state struct {
	db *sql.DB
	tx *sql.Tx
}

// OpenIndex opens (creating if necessary) the key-entry table at path and
// starts its owning actor goroutine. One Index exists per family.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Annotate(err, "keyindex: opening %q", path).Err()
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS key_entries (
		id BLOB PRIMARY KEY,
		parent_id BLOB,
		name BLOB,
		kind INT,
		size INT,
		mtime INT,
		ctime INT,
		atime INT,
		perms INT,
		uid INT,
		gid INT,
		hash BLOB,
		height INT
	)`); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "keyindex: creating schema").Err()
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS key_entries_parent ON key_entries(parent_id)`); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "keyindex: creating parent index").Err()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		return nil, errors.Annotate(err, "keyindex: opening initial transaction").Err()
	}

	st := &state{db: db, tx: tx}
	a := process.Start(func(ctx context.Context, req request) reply {
		return st.handle(ctx, req)
	})
	return &Index{actor: a}, nil
}

// Upsert inserts or replaces the row for entry.ID.
func (x *Index) Upsert(ctx context.Context, entry Entry) error {
	r := x.actor.Handle().Call(ctx, request{kind: opUpsert, entry: entry})
	return r.err
}

// Lookup returns the entry for id, if any.
func (x *Index) Lookup(ctx context.Context, id []byte) (Entry, bool, error) {
	r := x.actor.Handle().Call(ctx, request{kind: opLookup, id: id})
	return r.entry, r.found, r.err
}

// ListDir returns every entry whose ParentID equals parentID.
func (x *Index) ListDir(ctx context.Context, parentID []byte) ([]Entry, error) {
	r := x.actor.Handle().Call(ctx, request{kind: opListDir, parentID: parentID})
	return r.list, r.err
}

// Flush commits the currently open transaction and opens a fresh one,
// without closing the database.
func (x *Index) Flush(ctx context.Context) error {
	r := x.actor.Handle().Call(ctx, request{kind: opFlush})
	return r.err
}

// Close commits the final open transaction and closes the database.
func (x *Index) Close(ctx context.Context) error {
	r := x.actor.Handle().Call(ctx, request{kind: opShutdown})
	x.actor.Close()
	return r.err
}

func (s *state) handle(ctx context.Context, req request) reply {
	switch req.kind {
	case opUpsert:
		return reply{err: s.upsert(ctx, req.entry)}
	case opLookup:
		entry, found, err := s.lookup(ctx, req.id)
		return reply{entry: entry, found: found, err: err}
	case opListDir:
		list, err := s.listDir(ctx, req.parentID)
		return reply{list: list, err: err}
	case opFlush:
		return reply{err: s.commitAndReopen(ctx)}
	case opShutdown:
		return reply{err: s.shutdown()}
	default:
		panic(fmt.Sprintf("keyindex: unknown op %v", req.kind))
	}
}

func (s *state) upsert(ctx context.Context, e Entry) error {
	_, err := s.tx.ExecContext(ctx, `INSERT INTO key_entries
		(id, parent_id, name, kind, size, mtime, ctime, atime, perms, uid, gid, hash, height)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		parent_id=excluded.parent_id, name=excluded.name, kind=excluded.kind,
		size=excluded.size, mtime=excluded.mtime, ctime=excluded.ctime, atime=excluded.atime,
		perms=excluded.perms, uid=excluded.uid, gid=excluded.gid,
		hash=excluded.hash, height=excluded.height`,
		e.ID, nullBytes(e.ParentID), e.Name, int(e.Kind), e.Size, e.Mtime, e.Ctime, e.Atime,
		nullUint32(e.Perms), nullUint32(e.UID), nullUint32(e.GID), nullBytes(e.Hash), nullInt(e.Height))
	if err != nil {
		return errors.Annotate(err, "keyindex: upserting %x", e.ID).Err()
	}
	return s.commitAndReopen(ctx)
}

func (s *state) lookup(ctx context.Context, id []byte) (Entry, bool, error) {
	row := s.tx.QueryRowContext(ctx, `SELECT id, parent_id, name, kind, size, mtime, ctime, atime, perms, uid, gid, hash, height
		FROM key_entries WHERE id=?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Annotate(err, "keyindex: looking up %x", id).Err()
	}
	return e, true, nil
}

func (s *state) listDir(ctx context.Context, parentID []byte) ([]Entry, error) {
	const cols = `id, parent_id, name, kind, size, mtime, ctime, atime, perms, uid, gid, hash, height`
	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = s.tx.QueryContext(ctx, `SELECT `+cols+` FROM key_entries WHERE parent_id IS NULL`)
	} else {
		rows, err = s.tx.QueryContext(ctx, `SELECT `+cols+` FROM key_entries WHERE parent_id=?`, parentID)
	}
	if err != nil {
		return nil, errors.Annotate(err, "keyindex: listing children of %x", parentID).Err()
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Annotate(err, "keyindex: scanning row").Err()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var parentID, hash []byte
	var kind int
	var perms, uid, gid, height sql.NullInt64
	if err := row.Scan(&e.ID, &parentID, &e.Name, &kind, &e.Size, &e.Mtime, &e.Ctime, &e.Atime,
		&perms, &uid, &gid, &hash, &height); err != nil {
		return Entry{}, err
	}
	e.ParentID = parentID
	e.Kind = Kind(kind)
	e.Hash = hash
	if perms.Valid {
		v := uint32(perms.Int64)
		e.Perms = &v
	}
	if uid.Valid {
		v := uint32(uid.Int64)
		e.UID = &v
	}
	if gid.Valid {
		v := uint32(gid.Int64)
		e.GID = &v
	}
	if height.Valid {
		v := int(height.Int64)
		e.Height = &v
	}
	return e, nil
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func nullUint32(v *uint32) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func (s *state) commitAndReopen(ctx context.Context) error {
	if err := s.tx.Commit(); err != nil {
		return errors.Annotate(err, "keyindex: committing transaction").Err()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		panic(errors.Annotate(err, "keyindex: reopening transaction").Err())
	}
	s.tx = tx
	return nil
}

func (s *state) shutdown() error {
	if err := s.tx.Commit(); err != nil {
		return errors.Annotate(err, "keyindex: final commit").Err()
	}
	return s.db.Close()
}
