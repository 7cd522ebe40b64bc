// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package walker recursively enumerates a directory tree with a
// bounded-concurrency pool of goroutines, calling a user-supplied
// handler for every entry and descending into whatever the handler
// tells it to. It's built on golang.org/x/sync/errgroup: the group's
// own WaitGroup tracks outstanding directory tasks, and
// errgroup.WithContext gives first-error propagation and cancellation
// for free, so no separate bookkeeping is needed to know when the walk
// is done.
package walker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism is the worker pool size used when the caller
// doesn't override it.
const DefaultParallelism = 5

// Handler is called once per directory entry. If descend is true, child
// is used as the payload for that entry's own directory listing (only
// meaningful if the entry is itself a directory; a handler that returns
// descend=true for a non-directory entry will have its descent skipped,
// with an error logged, when the listing fails). A non-nil err aborts the whole walk
// with that error. A failure to read a directory is instead treated as
// a logged skip (see walkOne), since that's an environmental I/O
// problem rather than the caller's own business logic failing.
//
// Handler values are plain Go funcs, so they're already safe to call
// from many goroutines at once.
type Handler[P any] func(ctx context.Context, parent P, path string) (child P, descend bool, err error)

// Walk recursively enumerates root, starting the handler with initial as
// the payload for root's own listing. Sibling and cross-directory
// ordering is unspecified.
func Walk[P any](ctx context.Context, root string, initial P, parallelism int, handler Handler[P]) error {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, parallelism)

	var spawn func(path string, payload P)
	spawn = func(path string, payload P) {
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			defer func() { <-sem }()
			return walkOne(ctx, path, payload, handler, spawn)
		})
	}
	spawn(root, initial)

	return g.Wait()
}

func walkOne[P any](ctx context.Context, path string, payload P, handler Handler[P], spawn func(string, P)) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		// A directory we can't open (permissions, races with deletion,
		// etc.) is logged and skipped rather than aborting the whole walk.
		logging.Errorf(ctx, "walker: skipping %s: %s", path, err)
		return nil
	}

	for _, entry := range entries {
		childPath := filepath.Join(path, entry.Name())
		child, descend, err := handler(ctx, payload, childPath)
		if err != nil {
			return errors.Annotate(err, "walker: handling %s", childPath).Err()
		}
		if descend {
			spawn(childPath, child)
		}
	}
	return nil
}

// Progress rate-limits progress reporting to at most one log line per
// second, using a shared, mutex-guarded timestamp. The clock comes from
// ctx (go.chromium.org/luci/common/clock), so tests can drive it with
// testclock instead of wall-clock time.
type Progress struct {
	mu    sync.Mutex
	last  time.Time
	count int64
}

// Observe records one more path having been processed and, at most once
// per second, logs a running count.
func (p *Progress) Observe(ctx context.Context, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	now := clock.Now(ctx)
	if !p.last.IsZero() && now.Sub(p.last) < time.Second {
		return
	}
	p.last = now
	logging.Infof(ctx, "walker: %d paths scanned, at %s", p.count, path)
}

// Count returns the number of paths observed so far.
func (p *Progress) Count() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
