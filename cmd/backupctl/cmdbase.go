// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// execCb runs a subcommand's actual logic against a parsed commandBase.
type execCb func(ctx context.Context) error

// commandBase defines flags shared by every backupctl subcommand,
// structured the way cmd/cloudbuildhelper/cmdbase.go's commandBase does:
// one embeddable struct registering the common -repo/-backend/-verbose
// flags, plus a uniform Run that wires up logging level and dispatches
// to the subcommand's own exec closure.
type commandBase struct {
	subcommands.CommandRunBase

	exec    execCb
	posArgs []*string

	repo      string // -repo flag
	backend   string // -backend flag
	gcsBucket string // -gcs-bucket flag
	gcsPrefix string // -gcs-prefix flag
	verbose   bool   // -verbose flag
}

// init registers the flags common to all subcommands. Must be called
// from each subcommand's CommandRun factory.
func (c *commandBase) init(exec execCb, posArgs []*string) {
	c.exec = exec
	c.posArgs = posArgs

	c.Flags.StringVar(&c.repo, "repo", "", "Path to the backup repository directory (required).")
	c.Flags.StringVar(&c.backend, "backend", "local", "Object-store backend: \"local\" or \"gcs\".")
	c.Flags.StringVar(&c.gcsBucket, "gcs-bucket", "", "GCS bucket name, required when -backend=gcs.")
	c.Flags.StringVar(&c.gcsPrefix, "gcs-prefix", "", "Object name prefix within the GCS bucket.")
	c.Flags.BoolVar(&c.verbose, "verbose", false, "Log more.")
}

// ModifyContext implements cli.ContextModificator, used by cli.Application.
func (c *commandBase) ModifyContext(ctx context.Context) context.Context {
	if c.verbose {
		ctx = logging.SetLevel(ctx, logging.Debug)
	}
	return ctx
}

// Run implements subcommands.CommandRun.
func (c *commandBase) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)

	if c.repo == "" {
		return handleErr(ctx, errBadFlag("-repo", "a value is required"))
	}
	if len(args) != len(c.posArgs) {
		return handleErr(ctx, errors.Reason(
			"expected %d positional argument(s), got %d", len(c.posArgs), len(args)).Tag(isCLIError).Err())
	}
	for i, arg := range args {
		*c.posArgs[i] = arg
	}

	if err := c.exec(ctx); err != nil {
		return handleErr(ctx, err)
	}
	return 0
}

// isCLIError is tagged into errors caused by bad CLI flags or arguments.
var isCLIError = errors.BoolTag{Key: errors.NewTagKey("bad CLI invocation")}

func errBadFlag(flag, msg string) error {
	return errors.Reason("bad %q: %s", flag, msg).Tag(isCLIError).Err()
}

// handleErr prints the error and returns the process exit code.
func handleErr(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return 0
	case isCLIError.In(err):
		logging.Errorf(ctx, "%s", err)
		return 2
	default:
		errors.Log(ctx, err)
		return 1
	}
}
