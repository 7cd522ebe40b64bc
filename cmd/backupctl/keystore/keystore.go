// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package keystore

import (
	"context"
	"os"
	"path/filepath"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/backup/cmd/backupctl/hashindex"
)

// ChunkSource lazily produces the content of one file as a sequence of
// chunks. A nil ChunkSource means "insert metadata only, without
// content" — used for directories, and for a file the caller chooses
// not to (re)read.
type ChunkSource func(ctx context.Context) (<-chan []byte, error)

// Store combines a family's key index with the hash-tree builder so
// callers get one entry point for recording a file tree. Safe to share
// across goroutines — Insert/Flush/ListDir all ultimately serialize
// through the key index's single-owner actor.
type Store struct {
	index   *Index
	builder *hashindex.Builder
}

// Open starts a key store for one family backed by the key index at
// path, using builder (already wired to its own hash index and blob
// store) to turn file content into a root hash and height.
func Open(ctx context.Context, path string, builder *hashindex.Builder) (*Store, error) {
	idx, err := OpenIndex(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Store{index: idx, builder: builder}, nil
}

// Insert checks entry's ID against any existing row: if one exists with
// the same Size and Mtime, its ID is returned unchanged and content is
// not re-read. Otherwise the row is (re)persisted: directories get no
// Hash/Height; files are fed through the hash-tree builder via chunks,
// if non-nil.
func (s *Store) Insert(ctx context.Context, entry Entry, chunks ChunkSource) ([]byte, error) {
	existing, found, err := s.index.Lookup(ctx, entry.ID)
	if err != nil {
		return nil, errors.Annotate(err, "keystore: checking existing entry %x", entry.ID).Err()
	}
	if found && existing.Size == entry.Size && existing.Mtime == entry.Mtime {
		logging.Debugf(ctx, "keystore: %x unchanged since last insert, skipping content", entry.ID)
		return existing.ID, nil
	}

	if entry.Kind == KindFile && chunks != nil {
		ch, err := chunks(ctx)
		if err != nil {
			return nil, errors.Annotate(err, "keystore: opening content for %x", entry.ID).Err()
		}
		root, height, err := s.builder.Build(ctx, ch)
		if err != nil {
			return nil, errors.Annotate(err, "keystore: building hash tree for %x", entry.ID).Err()
		}
		entry.Hash = root[:]
		entry.Height = &height
	} else {
		entry.Hash = nil
		entry.Height = nil
	}

	if err := s.index.Upsert(ctx, entry); err != nil {
		return nil, errors.Annotate(err, "keystore: persisting %x", entry.ID).Err()
	}
	return entry.ID, nil
}

// Flush drains any in-flight trees (none remain once Insert has
// returned, since Insert is synchronous end-to-end per entry), flushes
// the blob store, and commits the key index.
func (s *Store) Flush(ctx context.Context, flushBlobs func(context.Context) error) error {
	if err := flushBlobs(ctx); err != nil {
		return errors.Annotate(err, "keystore: flushing blob store").Err()
	}
	if err := s.index.Flush(ctx); err != nil {
		return errors.Annotate(err, "keystore: flushing key index").Err()
	}
	return nil
}

// DirListing pairs a key entry with a materializer for its file content.
type DirListing struct {
	Entry Entry

	// Materialize reproduces the file's content by walking its hash
	// tree. Nil for directories.
	Materialize func(ctx context.Context) ([]byte, error)
}

// ListDir returns every entry whose ParentID equals parentID, each
// paired with a content materializer.
func (s *Store) ListDir(ctx context.Context, parentID []byte) ([]DirListing, error) {
	entries, err := s.index.ListDir(ctx, parentID)
	if err != nil {
		return nil, errors.Annotate(err, "keystore: listing children of %x", parentID).Err()
	}

	out := make([]DirListing, len(entries))
	for i, e := range entries {
		e := e
		dl := DirListing{Entry: e}
		if e.Kind == KindFile && e.Hash != nil && e.Height != nil {
			var root hashindex.Hash
			copy(root[:], e.Hash)
			height := *e.Height
			dl.Materialize = func(ctx context.Context) ([]byte, error) {
				return s.builder.Read(ctx, root, height)
			}
		}
		out[i] = dl
	}
	return out, nil
}

// Close shuts down the key index. The caller owns and separately closes
// the hash index and blob store the builder was constructed with.
func (s *Store) Close(ctx context.Context) error {
	return s.index.Close(ctx)
}

// Checkout recursively restores every entry under parentID into destDir.
// Directories are created with mode 0o755 regardless of a stored Perms;
// files are written with their stored Perms if set, else 0o644.
func (s *Store) Checkout(ctx context.Context, parentID []byte, destDir string) error {
	listing, err := s.ListDir(ctx, parentID)
	if err != nil {
		return errors.Annotate(err, "keystore: checkout: listing %x", parentID).Err()
	}

	for _, dl := range listing {
		target := filepath.Join(destDir, string(dl.Entry.Name))
		switch dl.Entry.Kind {
		case KindDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Annotate(err, "keystore: checkout: creating %q", target).Err()
			}
			if err := s.Checkout(ctx, dl.Entry.ID, target); err != nil {
				return err
			}
		case KindFile:
			perms := os.FileMode(0o644)
			if dl.Entry.Perms != nil {
				perms = os.FileMode(*dl.Entry.Perms)
			}
			if dl.Materialize == nil {
				logging.Warningf(ctx, "keystore: checkout: %q has no content, writing empty file", target)
				if err := os.WriteFile(target, nil, perms); err != nil {
					return errors.Annotate(err, "keystore: checkout: writing %q", target).Err()
				}
				continue
			}
			data, err := dl.Materialize(ctx)
			if err != nil {
				return errors.Annotate(err, "keystore: checkout: materializing %q", target).Err()
			}
			if err := os.WriteFile(target, data, perms); err != nil {
				return errors.Annotate(err, "keystore: checkout: writing %q", target).Err()
			}
		}
	}
	return nil
}
