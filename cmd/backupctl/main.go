// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command backupctl is the content-addressed, deduplicating backup
// engine's CLI surface: snapshot, checkout, flush, and recover.
package main

import (
	"context"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
)

func main() {
	application := &cli.Application{
		Name:  "backupctl",
		Title: "Content-addressed, deduplicating backup engine",
		Context: func(ctx context.Context) context.Context {
			goLoggerCfg := gologger.LoggerConfig{Out: os.Stderr}
			goLoggerCfg.Format = "[%{level:.1s} %{time:2006-01-02 15:04:05}] %{message}"
			ctx = goLoggerCfg.Use(ctx)
			return logging.SetLevel(ctx, logging.Info)
		},
		Commands: []*subcommands.Command{
			subcommands.CmdHelp,
			cmdSnapshot,
			cmdCheckout,
			cmdFlush,
			cmdRecover,
		},
	}
	os.Exit(subcommands.Run(application, nil))
}
