// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package recovery cleans up after a process that died between marking
// a blob in-air and confirming it committed, leaving a ledger row for a
// backend object that may or may not actually exist. No hash entry is
// ever committed against a blob until after it's confirmed committed,
// so every in-air row this package finds is safe to purge: a crash can
// orphan a blob, but it can never strand a reference to one.
package recovery

import (
	"context"
	"fmt"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/backup/cmd/backupctl/backend"
	"infra/backup/cmd/backupctl/blobindex"
)

// FindOrphans returns every blob the ledger still records as InAir: a
// backend write was issued but never confirmed durable before the
// process that issued it stopped running.
func FindOrphans(ctx context.Context, idx *blobindex.Index) ([]blobindex.BlobDesc, error) {
	orphans, err := idx.ListInAir(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "recovery: listing in-air blobs").Err()
	}
	return orphans, nil
}

// Purge deletes desc's object from be, then drops its row from idx
// regardless of whether the object was actually present — an in-air row
// for an object the backend write never actually reached is just as
// orphaned as one that did land. A backend error is returned before the
// row is touched; otherwise the result of idx.Drop is returned.
func Purge(ctx context.Context, be backend.Store, idx *blobindex.Index, desc blobindex.BlobDesc) error {
	name := fmt.Sprintf("%x", desc.Name)
	if err := be.Delete(ctx, name); err != nil {
		return errors.Annotate(err, "recovery: deleting object for %s", desc).Err()
	}
	logging.Infof(ctx, "recovery: purged orphaned blob %s", desc)
	return idx.Drop(ctx, desc)
}
