// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"infra/backup/cmd/backupctl/chunker"
	"infra/backup/cmd/backupctl/keystore"
	"infra/backup/cmd/backupctl/walker"
)

var cmdSnapshot = &subcommands.Command{
	UsageLine: "snapshot -repo <dir> <family> <source-dir>",
	ShortDesc: "Walks source-dir and records it under family in the backup repository.",
	LongDesc: `Walks source-dir, inserting every file and directory into the
named family's key index, deduplicating chunk content across the whole
repository via the shared blob and hash indexes.`,
	CommandRun: func() subcommands.CommandRun {
		c := &snapshotRun{}
		c.init(c.exec, []*string{&c.family, &c.sourceDir})
		return c
	},
}

type snapshotRun struct {
	commandBase
	family    string
	sourceDir string
}

func (c *snapshotRun) exec(ctx context.Context) error {
	be, err := openBackend(ctx, c.backend, c.repo, c.gcsBucket, c.gcsPrefix)
	if err != nil {
		return err
	}
	r, err := openRepo(ctx, c.repo, c.family, be)
	if err != nil {
		return err
	}
	defer r.close(ctx)

	progress := &walker.Progress{}
	var bytesRead int64

	handler := walker.Handler[[]byte](func(ctx context.Context, parentID []byte, path string) ([]byte, bool, error) {
		info, err := os.Lstat(path)
		if err != nil {
			return nil, false, errors.Annotate(err, "snapshot: stat %q", path).Err()
		}
		if info.Mode()&os.ModeSymlink != 0 {
			logging.Debugf(ctx, "snapshot: skipping symlink %q", path)
			return nil, false, nil
		}

		id, err := stableID(info)
		if err != nil {
			return nil, false, err
		}
		entry := keystore.Entry{
			ID:       id,
			ParentID: parentID,
			Name:     []byte(filepath.Base(path)),
			Size:     info.Size(),
			Mtime:    info.ModTime().Unix(),
		}
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			perms := uint32(st.Mode)
			uid, gid := st.Uid, st.Gid
			entry.Perms, entry.UID, entry.GID = &perms, &uid, &gid
			entry.Ctime = st.Ctim.Sec
			entry.Atime = st.Atim.Sec
		}

		var chunks keystore.ChunkSource
		if info.IsDir() {
			entry.Kind = keystore.KindDir
		} else {
			entry.Kind = keystore.KindFile
			bytesRead += info.Size()
			chunks = func(ctx context.Context) (<-chan []byte, error) {
				f, err := os.Open(path)
				if err != nil {
					return nil, errors.Annotate(err, "snapshot: opening %q", path).Err()
				}
				ch, errc := chunker.Chunks(ctx, f, chunker.DefaultSize)
				go func() {
					if err := <-errc; err != nil {
						logging.Errorf(ctx, "snapshot: reading %q: %s", path, err)
					}
					f.Close()
				}()
				return ch, nil
			}
		}

		if _, err := r.keyStore.Insert(ctx, entry, chunks); err != nil {
			return nil, false, errors.Annotate(err, "snapshot: inserting %q", path).Err()
		}
		progress.Observe(ctx, path)
		return id, entry.Kind == keystore.KindDir, nil
	})

	if err := walker.Walk(ctx, c.sourceDir, nil, walker.DefaultParallelism, handler); err != nil {
		return errors.Annotate(err, "snapshot: walking %q", c.sourceDir).Err()
	}

	if err := r.flush(ctx); err != nil {
		return errors.Annotate(err, "snapshot: flushing").Err()
	}

	stats, err := r.blobIndex.Stats(ctx)
	if err != nil {
		return errors.Annotate(err, "snapshot: reading stats").Err()
	}
	logging.Infof(ctx, "snapshot: %s scanned, %d blobs committed, %d in air",
		humanize.Bytes(uint64(bytesRead)), stats.Committed, stats.InAir)
	return nil
}
