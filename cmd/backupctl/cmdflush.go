// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

var cmdFlush = &subcommands.Command{
	UsageLine: "flush -repo <dir> <family>",
	ShortDesc: "Drains the blob store and commits family's key and hash indexes.",
	LongDesc: `Flushes any buffered blob-store data and commits the key
index for family. Useful after a snapshot run that didn't reach a clean
exit, or to force durability without starting a new snapshot.`,
	CommandRun: func() subcommands.CommandRun {
		c := &flushRun{}
		c.init(c.exec, []*string{&c.family})
		return c
	},
}

type flushRun struct {
	commandBase
	family string
}

func (c *flushRun) exec(ctx context.Context) error {
	be, err := openBackend(ctx, c.backend, c.repo, c.gcsBucket, c.gcsPrefix)
	if err != nil {
		return err
	}
	r, err := openRepo(ctx, c.repo, c.family, be)
	if err != nil {
		return err
	}
	defer r.close(ctx)

	if err := r.flush(ctx); err != nil {
		return errors.Annotate(err, "flush: family %q", c.family).Err()
	}

	stats, err := r.blobIndex.Stats(ctx)
	if err != nil {
		return errors.Annotate(err, "flush: reading stats").Err()
	}
	logging.Infof(ctx, "flush: family %q done, %d blobs committed, %d reserved, %d in air",
		c.family, stats.Committed, stats.Reserved, stats.InAir)
	return nil
}
