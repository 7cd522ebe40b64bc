// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package hashindex implements the durable `hash → (blob_name, offset,
// length, height)` table, plus (in hashtree.go) the recursive Merkle
// tree builder layered on top of it and the blob store.
package hashindex

import (
	"context"
	"database/sql"
	"fmt"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	_ "modernc.org/sqlite"

	"infra/backup/cmd/backupctl/blobstore"
	"infra/backup/cmd/backupctl/process"
)

// Hash is a chunk or tree-node content digest.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// Entry is what the hash index knows about a committed hash.
type Entry struct {
	Ref    blobstore.Ref
	Height int
}

// ReserveResult is the outcome of Reserve. Exactly one of Fresh, Entry, or
// Wait is meaningful, per which field is set.
type ReserveResult struct {
	// Fresh is true if the caller is now the sole owner of this
	// reservation and must follow up with Commit or Rollback.
	Fresh bool

	// Entry is populated if the hash was already committed.
	Entry Entry

	// Wait is populated if another caller currently holds the
	// reservation. Receiving from Wait (outside the actor, in the
	// caller's own goroutine — never block the actor on this) yields the
	// Entry once the original reservation commits, or a closed channel
	// with the zero Entry if it was rolled back, in which case the
	// caller should retry Reserve.
	Wait <-chan Entry
}

type opKind int

const (
	opReserve opKind = iota
	opCommit
	opRollback
	opLookup
	opShutdown
)

type request struct {
	kind  opKind
	hash  Hash
	entry Entry
}

type reply struct {
	reserve ReserveResult
	entry   Entry
	found   bool
	err     error
}

// Index is a handle to the running hash-index actor. Safe to share across
// goroutines.
type Index struct {
	actor *process.Actor[request, reply]
}

type pendingEntry struct {
	waiters []chan Entry
}

type state struct {
	db      *sql.DB
	tx      *sql.Tx
	pending map[Hash]*pendingEntry
}

// Open opens (creating if necessary) the hash index at path and starts its
// owning actor goroutine.
func Open(ctx context.Context, path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Annotate(err, "hashindex: opening %q", path).Err()
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS hash_index (
		hash BLOB PRIMARY KEY,
		blob_name BLOB,
		offset INT,
		length INT,
		height INT,
		committed INT
	)`); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "hashindex: creating schema").Err()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		return nil, errors.Annotate(err, "hashindex: opening initial transaction").Err()
	}

	st := &state{
		db:      db,
		tx:      tx,
		pending: make(map[Hash]*pendingEntry),
	}

	a := process.Start(func(ctx context.Context, req request) reply {
		return st.handle(ctx, req)
	})
	return &Index{actor: a}, nil
}

// Reserve atomically checks whether hash is known and, if not, claims a
// pending reservation for the caller. See ReserveResult's doc for how to
// interpret the result.
func (x *Index) Reserve(ctx context.Context, hash Hash) (ReserveResult, error) {
	r := x.actor.Handle().Call(ctx, request{kind: opReserve, hash: hash})
	return r.reserve, r.err
}

// Commit finalizes a hash this caller previously got Fresh=true for from
// Reserve. Calling Commit on a hash that was not reserved by this
// process is a precondition violation and panics.
func (x *Index) Commit(ctx context.Context, hash Hash, entry Entry) error {
	r := x.actor.Handle().Call(ctx, request{kind: opCommit, hash: hash, entry: entry})
	return r.err
}

// Rollback releases a Fresh reservation without publishing a value,
// signaling any waiters to retry as if Reserve had never been called.
func (x *Index) Rollback(ctx context.Context, hash Hash) error {
	r := x.actor.Handle().Call(ctx, request{kind: opRollback, hash: hash})
	return r.err
}

// Lookup returns the committed entry for hash, if any.
func (x *Index) Lookup(ctx context.Context, hash Hash) (Entry, bool, error) {
	r := x.actor.Handle().Call(ctx, request{kind: opLookup, hash: hash})
	return r.entry, r.found, r.err
}

// Close commits the final open transaction and closes the database.
func (x *Index) Close(ctx context.Context) error {
	r := x.actor.Handle().Call(ctx, request{kind: opShutdown})
	x.actor.Close()
	return r.err
}

func (s *state) handle(ctx context.Context, req request) reply {
	switch req.kind {
	case opReserve:
		res, err := s.reserve(ctx, req.hash)
		return reply{reserve: res, err: err}
	case opCommit:
		return reply{err: s.commit(ctx, req.hash, req.entry)}
	case opRollback:
		return reply{err: s.rollback(ctx, req.hash)}
	case opLookup:
		entry, found, err := s.lookup(ctx, req.hash)
		return reply{entry: entry, found: found, err: err}
	case opShutdown:
		return reply{err: s.shutdown()}
	default:
		panic(fmt.Sprintf("hashindex: unknown op %v", req.kind))
	}
}

func (s *state) reserve(ctx context.Context, hash Hash) (ReserveResult, error) {
	if p, ok := s.pending[hash]; ok {
		w := make(chan Entry, 1)
		p.waiters = append(p.waiters, w)
		return ReserveResult{Wait: w}, nil
	}

	entry, found, err := s.lookup(ctx, hash)
	if err != nil {
		return ReserveResult{}, err
	}
	if found {
		return ReserveResult{Entry: entry}, nil
	}

	if _, err := s.tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO hash_index (hash, blob_name, offset, length, height, committed) VALUES (?, NULL, 0, 0, 0, 0)`,
		hash[:]); err != nil {
		return ReserveResult{}, errors.Annotate(err, "hashindex: recording reservation for %s", hash).Err()
	}
	s.pending[hash] = &pendingEntry{}
	return ReserveResult{Fresh: true}, s.commitAndReopen(ctx)
}

func (s *state) commit(ctx context.Context, hash Hash, entry Entry) error {
	p, ok := s.pending[hash]
	if !ok {
		panic(fmt.Sprintf("hashindex: Commit(%s): hash was not reserved", hash))
	}

	if _, err := s.tx.ExecContext(ctx,
		`UPDATE hash_index SET blob_name=?, offset=?, length=?, height=?, committed=1 WHERE hash=?`,
		entry.Ref.BlobName[:], entry.Ref.Offset, entry.Ref.Length, entry.Height, hash[:]); err != nil {
		return errors.Annotate(err, "hashindex: committing %s", hash).Err()
	}
	if err := s.commitAndReopen(ctx); err != nil {
		return err
	}

	delete(s.pending, hash)
	for _, w := range p.waiters {
		w <- entry
		close(w)
	}
	logging.Debugf(ctx, "hashindex: %s committed at height %d", hash, entry.Height)
	return nil
}

func (s *state) rollback(ctx context.Context, hash Hash) error {
	p, ok := s.pending[hash]
	if !ok {
		panic(fmt.Sprintf("hashindex: Rollback(%s): hash was not reserved", hash))
	}
	if _, err := s.tx.ExecContext(ctx, `DELETE FROM hash_index WHERE hash=?`, hash[:]); err != nil {
		return errors.Annotate(err, "hashindex: rolling back %s", hash).Err()
	}
	if err := s.commitAndReopen(ctx); err != nil {
		return err
	}

	delete(s.pending, hash)
	for _, w := range p.waiters {
		close(w)
	}
	return nil
}

func (s *state) lookup(ctx context.Context, hash Hash) (Entry, bool, error) {
	var blobName []byte
	var offset, length int64
	var height int
	var committed int
	err := s.tx.QueryRowContext(ctx,
		`SELECT blob_name, offset, length, height, committed FROM hash_index WHERE hash=?`,
		hash[:]).Scan(&blobName, &offset, &length, &height, &committed)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Annotate(err, "hashindex: looking up %s", hash).Err()
	}
	if committed == 0 {
		// A pending row surviving a crash: nobody in this process is
		// waiting on it, so it's abandoned. Treat as not-found.
		return Entry{}, false, nil
	}
	var ref blobstore.Ref
	copy(ref.BlobName[:], blobName)
	ref.Offset, ref.Length = offset, length
	return Entry{Ref: ref, Height: height}, true, nil
}

func (s *state) commitAndReopen(ctx context.Context) error {
	if err := s.tx.Commit(); err != nil {
		return errors.Annotate(err, "hashindex: committing transaction").Err()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		panic(errors.Annotate(err, "hashindex: reopening transaction").Err())
	}
	s.tx = tx
	return nil
}

func (s *state) shutdown() error {
	if err := s.tx.Commit(); err != nil {
		return errors.Annotate(err, "hashindex: final commit").Err()
	}
	return s.db.Close()
}
