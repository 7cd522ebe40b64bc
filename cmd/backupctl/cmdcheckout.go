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

var cmdCheckout = &subcommands.Command{
	UsageLine: "checkout -repo <dir> <family> <dest-dir>",
	ShortDesc: "Restores family's latest recorded tree into dest-dir.",
	LongDesc: `Recursively restores every entry recorded under family into
dest-dir, materializing file content from the shared blob and hash
indexes.`,
	CommandRun: func() subcommands.CommandRun {
		c := &checkoutRun{}
		c.init(c.exec, []*string{&c.family, &c.destDir})
		return c
	},
}

type checkoutRun struct {
	commandBase
	family  string
	destDir string
}

func (c *checkoutRun) exec(ctx context.Context) error {
	be, err := openBackend(ctx, c.backend, c.repo, c.gcsBucket, c.gcsPrefix)
	if err != nil {
		return err
	}
	r, err := openRepo(ctx, c.repo, c.family, be)
	if err != nil {
		return err
	}
	defer r.close(ctx)

	if err := r.keyStore.Checkout(ctx, nil, c.destDir); err != nil {
		return errors.Annotate(err, "checkout: restoring family %q", c.family).Err()
	}
	logging.Infof(ctx, "checkout: restored family %q into %q", c.family, c.destDir)
	return nil
}
