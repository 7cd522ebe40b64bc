// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"path/filepath"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/backup/cmd/backupctl/blobindex"
	"infra/backup/cmd/backupctl/recovery"
)

var cmdRecover = &subcommands.Command{
	UsageLine: "recover -repo <dir>",
	ShortDesc: "Purges blobs orphaned by a crash between InAir and CommitDone.",
	LongDesc: `Finds every blob the ledger still records as InAir (a backend
write was issued but never confirmed durable) and deletes both the
backend object and the ledger row. No hash index entry ever references
an InAir blob, so nothing is stranded by removing it.`,
	CommandRun: func() subcommands.CommandRun {
		c := &recoverRun{}
		c.init(c.exec, nil)
		return c
	},
}

type recoverRun struct {
	commandBase
}

func (c *recoverRun) exec(ctx context.Context) error {
	be, err := openBackend(ctx, c.backend, c.repo, c.gcsBucket, c.gcsPrefix)
	if err != nil {
		return err
	}
	idx, err := blobindex.Open(ctx, filepath.Join(c.repo, "blob_index.sqlite3"), nil)
	if err != nil {
		return errors.Annotate(err, "recover: opening blob index").Err()
	}
	defer idx.Close(ctx)

	orphans, err := recovery.FindOrphans(ctx, idx)
	if err != nil {
		return errors.Annotate(err, "recover: finding orphans").Err()
	}
	logging.Infof(ctx, "recover: found %d orphaned blob(s)", len(orphans))

	for _, desc := range orphans {
		if err := recovery.Purge(ctx, be, idx, desc); err != nil {
			return errors.Annotate(err, "recover: purging %s", desc).Err()
		}
	}
	logging.Infof(ctx, "recover: purged %d orphaned blob(s)", len(orphans))
	return nil
}
