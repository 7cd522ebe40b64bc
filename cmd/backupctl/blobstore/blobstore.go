// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package blobstore aggregates many small chunks into blobs of bounded
// size before handing them to a backend, bracketing every backend write
// with blobindex.InAir/CommitDone so a crash mid-write leaves the
// ledger, not the object store, as the single source of truth about
// what's safe to keep.
package blobstore

import (
	"context"
	"fmt"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry"

	"infra/backup/cmd/backupctl/backend"
	"infra/backup/cmd/backupctl/blobindex"
	"infra/backup/cmd/backupctl/process"
)

// Ref locates one chunk's bytes inside a committed blob.
type Ref struct {
	BlobName [24]byte
	Offset   int64
	Length   int64
}

func (r Ref) String() string {
	return fmt.Sprintf("%x[%d:%d]", r.BlobName, r.Offset, r.Offset+r.Length)
}

type opKind int

const (
	opStore opKind = iota
	opFlush
	opRetrieve
	opShutdown
)

type request struct {
	kind  opKind
	chunk []byte
	ref   Ref
}

type reply struct {
	ref  Ref
	data []byte
	err  error
}

// Store is a handle to the running blob-store actor. Safe to share across
// goroutines.
type Store struct {
	actor *process.Actor[request, reply]
}

// outputBlob is the current open blob being filled.
type outputBlob struct {
	desc   blobindex.BlobDesc
	buffer []byte
	index  []indexEntry
}

type indexEntry struct {
	offset, length int64
}

type state struct {
	index        *blobindex.Index
	backend      backend.Store
	maxBlobSize  int
	retryFactory retry.Factory

	out outputBlob
}

// Option configures Open.
type Option func(*state)

// WithRetryFactory overrides the backend retry policy. Default is
// retry.Limited{Retries: 4, Delay: 0}: a handful of immediate retries,
// no backoff.
func WithRetryFactory(f retry.Factory) Option {
	return func(s *state) { s.retryFactory = f }
}

func defaultRetryFactory() retry.Iterator {
	return &retry.Limited{Retries: 4, Delay: 0}
}

// Open starts the blob-store actor, reserving its first output blob from
// idx immediately so Store has somewhere to write from the first call.
func Open(ctx context.Context, idx *blobindex.Index, be backend.Store, maxBlobSize int, opts ...Option) (*Store, error) {
	desc, err := idx.Reserve(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "blobstore: reserving initial blob").Err()
	}

	st := &state{
		index:        idx,
		backend:      be,
		maxBlobSize:  maxBlobSize,
		retryFactory: defaultRetryFactory,
		out:          outputBlob{desc: desc},
	}
	for _, o := range opts {
		o(st)
	}

	a := process.Start(func(ctx context.Context, req request) reply {
		return st.handle(ctx, req)
	})
	return &Store{actor: a}, nil
}

// Store appends chunk to the current output blob, flushing first if it
// would overflow maxBlobSize. The returned Ref is valid once the blob
// containing it is later Flushed (or implicitly flushed by a later Store).
func (s *Store) Store(ctx context.Context, chunk []byte) (Ref, error) {
	r := s.actor.Handle().Call(ctx, request{kind: opStore, chunk: chunk})
	return r.ref, r.err
}

// Flush writes the current output blob to the backend (InAir, write,
// CommitDone) and opens a fresh one. If no chunk has been stored since the
// last flush, it writes nothing and keeps the current reservation.
func (s *Store) Flush(ctx context.Context) error {
	r := s.actor.Handle().Call(ctx, request{kind: opFlush})
	return r.err
}

// Retrieve reads the bytes identified by ref, serving from the in-memory
// write-back cache if ref refers to the currently open blob.
func (s *Store) Retrieve(ctx context.Context, ref Ref) ([]byte, error) {
	r := s.actor.Handle().Call(ctx, request{kind: opRetrieve, ref: ref})
	return r.data, r.err
}

// Close flushes any remaining buffered bytes and stops the actor. It does
// not close the underlying blobindex.Index, which the caller owns.
func (s *Store) Close(ctx context.Context) error {
	r := s.actor.Handle().Call(ctx, request{kind: opShutdown})
	s.actor.Close()
	return r.err
}

func (s *state) handle(ctx context.Context, req request) reply {
	switch req.kind {
	case opStore:
		ref, err := s.store(ctx, req.chunk)
		return reply{ref: ref, err: err}
	case opFlush, opShutdown:
		err := s.flush(ctx)
		return reply{err: err}
	case opRetrieve:
		data, err := s.retrieve(ctx, req.ref)
		return reply{data: data, err: err}
	default:
		panic(fmt.Sprintf("blobstore: unknown op %v", req.kind))
	}
}

func (s *state) store(ctx context.Context, chunk []byte) (Ref, error) {
	if len(s.out.buffer)+len(chunk) > s.maxBlobSize && len(s.out.buffer) > 0 {
		if err := s.flush(ctx); err != nil {
			return Ref{}, err
		}
	}
	offset := int64(len(s.out.buffer))
	s.out.buffer = append(s.out.buffer, chunk...)
	s.out.index = append(s.out.index, indexEntry{offset: offset, length: int64(len(chunk))})
	return Ref{BlobName: s.out.desc.Name, Offset: offset, Length: int64(len(chunk))}, nil
}

// flush marks the current blob in-air before the backend write and
// commits it only after the write durably succeeds. A backend write
// failure is retried per s.retryFactory; exhaustion is fatal, since the
// blob ledger would otherwise disagree with what's actually stored.
func (s *state) flush(ctx context.Context) error {
	if len(s.out.index) == 0 {
		return nil
	}
	desc := s.out.desc
	buf := s.out.buffer

	if err := s.index.InAir(ctx, desc); err != nil {
		return errors.Annotate(err, "blobstore: marking %s in-air", desc).Err()
	}

	name := fmt.Sprintf("%x", desc.Name)
	err := retry.Retry(ctx, s.retryFactory, func() error {
		return s.backend.Store(ctx, name, buf)
	}, nil)
	if err != nil {
		// Transient I/O exhausted its retries. This is fatal: the ledger
		// now has an in-air blob that will never become committed and
		// must be reconciled by the recovery tool on restart.
		panic(errors.Annotate(err, "blobstore: flushing blob %s: retries exhausted", desc).Err())
	}

	if err := s.index.CommitDone(ctx, desc); err != nil {
		return errors.Annotate(err, "blobstore: marking %s committed", desc).Err()
	}

	next, err := s.index.Reserve(ctx)
	if err != nil {
		return errors.Annotate(err, "blobstore: reserving next blob").Err()
	}
	s.out = outputBlob{desc: next}
	return nil
}

func (s *state) retrieve(ctx context.Context, ref Ref) ([]byte, error) {
	if ref.BlobName == s.out.desc.Name {
		if ref.Offset+ref.Length > int64(len(s.out.buffer)) {
			return nil, errors.Reason("blobstore: ref %s out of range of open blob (len=%d)", ref, len(s.out.buffer)).Err()
		}
		data := make([]byte, ref.Length)
		copy(data, s.out.buffer[ref.Offset:ref.Offset+ref.Length])
		return data, nil
	}

	name := fmt.Sprintf("%x", ref.BlobName)
	var data []byte
	var rangeErr error
	err := retry.Retry(ctx, s.retryFactory, func() error {
		blob, err := s.backend.Retrieve(ctx, name)
		if err != nil {
			return err
		}
		if ref.Offset+ref.Length > int64(len(blob)) {
			// Not a transient condition; the index lied. Don't retry.
			rangeErr = errors.Reason("blobstore: ref %s out of range of stored blob (len=%d)", ref, len(blob)).Err()
			return nil
		}
		data = make([]byte, ref.Length)
		copy(data, blob[ref.Offset:ref.Offset+ref.Length])
		return nil
	}, nil)
	if err == nil {
		err = rangeErr
	}
	if err != nil {
		return nil, errors.Annotate(err, "blobstore: retrieving %s", ref).Err()
	}
	return data, nil
}
