// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"path/filepath"

	"cloud.google.com/go/storage"

	"go.chromium.org/luci/common/errors"

	"infra/backup/cmd/backupctl/backend"
	"infra/backup/cmd/backupctl/backend/gcsbackend"
	"infra/backup/cmd/backupctl/backend/localfs"
	"infra/backup/cmd/backupctl/blobindex"
	"infra/backup/cmd/backupctl/blobstore"
	"infra/backup/cmd/backupctl/hashindex"
	"infra/backup/cmd/backupctl/keystore"
)

// defaultMaxBlobSize bounds how much chunk data blobstore.Store
// aggregates into one backend object before rolling over. 64 MiB keeps
// a single retry-on-failure unit small enough to be cheap to re-upload
// without fragmenting dedup across too many objects.
const defaultMaxBlobSize = 64 << 20

// repo is the opened, wired actor graph for one family: blob index,
// blob store, hash index, hash-tree builder, and key store, opened in
// dependency order since each later store needs the earlier ones ready.
type repo struct {
	blobIndex *blobindex.Index
	blobStore *blobstore.Store
	hashIndex *hashindex.Index
	keyStore  *keystore.Store
}

// openRepo opens every durable store a family needs, rooted at dir:
// dir/blob_index.sqlite3 and dir/hash_index.sqlite3 are shared across
// every family backed up into dir, while dir/<family>.sqlite3 is that
// family's own key-entry table.
func openRepo(ctx context.Context, dir, family string, be backend.Store) (*repo, error) {
	bidx, err := blobindex.Open(ctx, filepath.Join(dir, "blob_index.sqlite3"), nil)
	if err != nil {
		return nil, errors.Annotate(err, "opening blob index").Err()
	}
	bs, err := blobstore.Open(ctx, bidx, be, defaultMaxBlobSize)
	if err != nil {
		bidx.Close(ctx)
		return nil, errors.Annotate(err, "opening blob store").Err()
	}
	hidx, err := hashindex.Open(ctx, filepath.Join(dir, "hash_index.sqlite3"))
	if err != nil {
		bs.Close(ctx)
		bidx.Close(ctx)
		return nil, errors.Annotate(err, "opening hash index").Err()
	}
	builder := hashindex.NewBuilder(hidx, bs, hashindex.DefaultFanOut)

	ks, err := keystore.Open(ctx, filepath.Join(dir, family+".sqlite3"), builder)
	if err != nil {
		hidx.Close(ctx)
		bs.Close(ctx)
		bidx.Close(ctx)
		return nil, errors.Annotate(err, "opening key store for family %q", family).Err()
	}

	return &repo{blobIndex: bidx, blobStore: bs, hashIndex: hidx, keyStore: ks}, nil
}

// flush drains the blob store and commits the key index. The hash
// index needs no separate flush: every Commit/Rollback already bounds
// its own durability window via commit-then-reopen, the same way the
// blob index does.
func (r *repo) flush(ctx context.Context) error {
	return r.keyStore.Flush(ctx, r.blobStore.Flush)
}

// close shuts down every store in dependency order (reverse of open).
func (r *repo) close(ctx context.Context) {
	r.keyStore.Close(ctx)
	r.hashIndex.Close(ctx)
	r.blobStore.Close(ctx)
	r.blobIndex.Close(ctx)
}

// openBackend picks the object-store backend named by kind, rooted/
// configured per the remaining arguments. dir is used by the "local"
// backend; gcsBucket/gcsPrefix are used by the "gcs" backend.
func openBackend(ctx context.Context, kind, dir, gcsBucket, gcsPrefix string) (backend.Store, error) {
	switch kind {
	case "", "local":
		return localfs.New(filepath.Join(dir, "blobs"))
	case "gcs":
		if gcsBucket == "" {
			return nil, errors.Reason("-gcs-bucket is required when -backend=gcs").Err()
		}
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, errors.Annotate(err, "opening GCS client").Err()
		}
		return gcsbackend.New(client, gcsBucket, gcsPrefix), nil
	default:
		return nil, errors.Reason("unknown -backend %q (want \"local\" or \"gcs\")", kind).Err()
	}
}
