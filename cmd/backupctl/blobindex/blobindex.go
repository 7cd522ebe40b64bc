// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package blobindex implements the durable ledger of blob identities and
// commit state: a single-owner actor fronting blob_index.sqlite3,
// bracketing every state-changing reply with a COMMIT;BEGIN so the
// durability window of unacknowledged work is always exactly one
// operation.
package blobindex

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	_ "modernc.org/sqlite"

	"infra/backup/cmd/backupctl/process"
)

// BlobDesc identifies one blob: a 24-byte random token, the externally
// visible name used in the object store, plus the internal monotonic id.
type BlobDesc struct {
	Name [24]byte
	ID   int64
}

func (d BlobDesc) String() string {
	return fmt.Sprintf("blob#%d/%x", d.ID, d.Name)
}

// Stats is a read-only snapshot of ledger counts, used by the flush CLI
// subcommand's summary line.
type Stats struct {
	Committed int
	InAir     int
	Reserved  int
}

type opKind int

const (
	opReserve opKind = iota
	opInAir
	opCommitDone
	opListInAir
	opStats
	opDrop
	opShutdown
)

type request struct {
	kind opKind
	desc BlobDesc
}

type reply struct {
	desc  BlobDesc
	err   error
	list  []BlobDesc
	stats Stats
}

// Index is a handle to the running blob-index actor. It is safe to share
// across goroutines.
type Index struct {
	actor *process.Actor[request, reply]
}

type state struct {
	db     *sql.DB
	tx     *sql.Tx
	nextID int64

	// reserved tracks blob names that have been Reserve()d in this process
	// lifetime but not yet proven CommitDone; InAir/CommitDone both assert
	// membership here.
	reserved map[[24]byte]BlobDesc

	rng io.Reader
}

// Open opens (creating if necessary) the blob ledger at path and starts
// its owning actor goroutine. rand, if nil, defaults to
// crypto/rand.Reader; it's exposed as a parameter so tests can supply a
// deterministic source instead.
func Open(ctx context.Context, path string, rand io.Reader) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Annotate(err, "blobindex: opening %q", path).Err()
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS blob_index (
		id INTEGER PRIMARY KEY,
		name BLOB UNIQUE,
		tag INT,
		created_unix INT
	)`); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "blobindex: creating schema").Err()
	}

	var maxID sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(id) FROM blob_index`).Scan(&maxID); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "blobindex: reading next id").Err()
	}
	nextID := int64(0)
	if maxID.Valid {
		nextID = maxID.Int64 + 1
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		return nil, errors.Annotate(err, "blobindex: opening initial transaction").Err()
	}

	st := &state{
		db:       db,
		tx:       tx,
		nextID:   nextID,
		reserved: make(map[[24]byte]BlobDesc),
		rng:      randSource(rand),
	}

	a := process.Start(func(ctx context.Context, req request) reply {
		return st.handle(ctx, req)
	})
	return &Index{actor: a}, nil
}

func randSource(r io.Reader) io.Reader {
	if r == nil {
		return rand.Reader
	}
	return r
}

// Reserve allocates a fresh BlobDesc: the next monotonic id and a new
// 24-byte random name, recorded only in memory until InAir is called.
func (x *Index) Reserve(ctx context.Context) (BlobDesc, error) {
	r := x.actor.Handle().Call(ctx, request{kind: opReserve})
	return r.desc, r.err
}

// InAir records that a backend write for desc has been issued. desc must
// have come from Reserve on this same Index; violating that is a
// programmer error and panics rather than returning an error.
func (x *Index) InAir(ctx context.Context, desc BlobDesc) error {
	r := x.actor.Handle().Call(ctx, request{kind: opInAir, desc: desc})
	return r.err
}

// CommitDone records that desc's backend write is durable and the blob may
// now be referenced by hashes.
func (x *Index) CommitDone(ctx context.Context, desc BlobDesc) error {
	r := x.actor.Handle().Call(ctx, request{kind: opCommitDone, desc: desc})
	return r.err
}

// ListInAir returns every blob currently recorded with tag=1: the set a
// recovery tool should consider possibly-present-but-unreferenced and
// safe to delete.
func (x *Index) ListInAir(ctx context.Context) ([]BlobDesc, error) {
	r := x.actor.Handle().Call(ctx, request{kind: opListInAir})
	return r.list, r.err
}

// Stats returns supplemental, read-only counters for observability.
func (x *Index) Stats(ctx context.Context) (Stats, error) {
	r := x.actor.Handle().Call(ctx, request{kind: opStats})
	return r.stats, r.err
}

// Drop removes desc's row from the ledger entirely. Used by the recovery
// tool after it has purged (or confirmed the absence of) the backend
// object for an orphaned InAir blob.
func (x *Index) Drop(ctx context.Context, desc BlobDesc) error {
	r := x.actor.Handle().Call(ctx, request{kind: opDrop, desc: desc})
	return r.err
}

// Close commits the final open transaction and closes the database. Call
// only after every other Handle derived from this Index has stopped using
// it.
func (x *Index) Close(ctx context.Context) error {
	r := x.actor.Handle().Call(ctx, request{kind: opShutdown})
	x.actor.Close()
	return r.err
}

func (s *state) handle(ctx context.Context, req request) reply {
	switch req.kind {
	case opReserve:
		desc, err := s.reserve(ctx)
		return reply{desc: desc, err: err}
	case opInAir:
		return reply{err: s.inAir(ctx, req.desc)}
	case opCommitDone:
		return reply{err: s.commitDone(ctx, req.desc)}
	case opListInAir:
		list, err := s.listInAir(ctx)
		return reply{list: list, err: err}
	case opStats:
		stats, err := s.stats(ctx)
		return reply{stats: stats, err: err}
	case opDrop:
		return reply{err: s.drop(ctx, req.desc)}
	case opShutdown:
		return reply{err: s.shutdown()}
	default:
		panic(fmt.Sprintf("blobindex: unknown op %v", req.kind))
	}
}

func (s *state) reserve(ctx context.Context) (BlobDesc, error) {
	var name [24]byte
	if _, err := io.ReadFull(s.rng, name[:]); err != nil {
		// The random-bytes source failing is not a recoverable condition:
		// nothing downstream can safely proceed without unique names.
		panic(errors.Annotate(err, "blobindex: random source failed").Err())
	}
	desc := BlobDesc{Name: name, ID: s.nextID}
	s.nextID++
	s.reserved[name] = desc
	return desc, nil
}

func (s *state) inAir(ctx context.Context, desc BlobDesc) error {
	if _, ok := s.reserved[desc.Name]; !ok {
		panic(fmt.Sprintf("blobindex: InAir(%s): blob was not reserved", desc))
	}
	if _, err := s.tx.ExecContext(ctx,
		`INSERT INTO blob_index (id, name, tag, created_unix) VALUES (?, ?, 1, ?)`,
		desc.ID, desc.Name[:], clock.Now(ctx).Unix()); err != nil {
		return errors.Annotate(err, "blobindex: recording InAir for %s", desc).Err()
	}
	logging.Debugf(ctx, "blobindex: %s is in air", desc)
	return s.commitAndReopen(ctx)
}

func (s *state) commitDone(ctx context.Context, desc BlobDesc) error {
	if _, ok := s.reserved[desc.Name]; !ok {
		panic(fmt.Sprintf("blobindex: CommitDone(%s): blob was not reserved", desc))
	}
	if _, err := s.tx.ExecContext(ctx, `UPDATE blob_index SET tag=0 WHERE id=?`, desc.ID); err != nil {
		return errors.Annotate(err, "blobindex: recording CommitDone for %s", desc).Err()
	}
	logging.Debugf(ctx, "blobindex: %s committed", desc)
	if err := s.commitAndReopen(ctx); err != nil {
		return err
	}
	delete(s.reserved, desc.Name)
	return nil
}

// commitAndReopen is the Go analogue of the original's `COMMIT; BEGIN`: it
// bounds the durability window of uncommitted work to the single operation
// that just finished.
func (s *state) commitAndReopen(ctx context.Context) error {
	if err := s.tx.Commit(); err != nil {
		return errors.Annotate(err, "blobindex: committing transaction").Err()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		// We cannot safely continue without an open transaction to bound
		// the next operation's durability window.
		panic(errors.Annotate(err, "blobindex: reopening transaction").Err())
	}
	s.tx = tx
	return nil
}

func (s *state) shutdown() error {
	if err := s.tx.Commit(); err != nil {
		return errors.Annotate(err, "blobindex: final commit").Err()
	}
	return s.db.Close()
}

func (s *state) listInAir(ctx context.Context) ([]BlobDesc, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT id, name FROM blob_index WHERE tag=1`)
	if err != nil {
		return nil, errors.Annotate(err, "blobindex: listing in-air blobs").Err()
	}
	defer rows.Close()

	var out []BlobDesc
	for rows.Next() {
		var id int64
		var name []byte
		if err := rows.Scan(&id, &name); err != nil {
			return nil, errors.Annotate(err, "blobindex: scanning in-air row").Err()
		}
		var desc BlobDesc
		desc.ID = id
		copy(desc.Name[:], name)
		out = append(out, desc)
	}
	return out, rows.Err()
}

// drop removes desc's row unconditionally; it does not require desc to
// be in s.reserved, since the recovery tool typically runs in a fresh
// process that never itself called Reserve for these rows.
func (s *state) drop(ctx context.Context, desc BlobDesc) error {
	if _, err := s.tx.ExecContext(ctx, `DELETE FROM blob_index WHERE id=?`, desc.ID); err != nil {
		return errors.Annotate(err, "blobindex: dropping %s", desc).Err()
	}
	delete(s.reserved, desc.Name)
	logging.Debugf(ctx, "blobindex: %s dropped", desc)
	return s.commitAndReopen(ctx)
}

func (s *state) stats(ctx context.Context) (Stats, error) {
	var st Stats
	st.Reserved = len(s.reserved)
	if err := s.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM blob_index WHERE tag=0`).Scan(&st.Committed); err != nil {
		return st, errors.Annotate(err, "blobindex: counting committed blobs").Err()
	}
	if err := s.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM blob_index WHERE tag=1`).Scan(&st.InAir); err != nil {
		return st, errors.Annotate(err, "blobindex: counting in-air blobs").Err()
	}
	return st, nil
}
