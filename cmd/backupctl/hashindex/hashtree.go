// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package hashindex

import (
	"context"
	"crypto/sha256"
	"sync"

	"go.chromium.org/luci/common/errors"

	"infra/backup/cmd/backupctl/blobstore"
	"infra/backup/cmd/backupctl/upq"
)

// DefaultFanOut is the number of child hashes packed into one internal
// tree node before it is itself serialized and stored. 256 hashes of 32
// bytes each plus a 1-byte height tag gives a node of roughly 8 KiB,
// comfortably within one blob-store write.
const DefaultFanOut = 256

// Builder assembles a balanced Merkle tree over one file's chunk
// sequence, deduplicating against hashIndex and writing new content
// through blobs.
type Builder struct {
	hashIndex   *Index
	blobs       *blobstore.Store
	fanOut      int
	parallelism int
}

// NewBuilder returns a Builder. fanOut <= 0 uses DefaultFanOut.
func NewBuilder(hashIndex *Index, blobs *blobstore.Store, fanOut int) *Builder {
	if fanOut <= 0 {
		fanOut = DefaultFanOut
	}
	return &Builder{hashIndex: hashIndex, blobs: blobs, fanOut: fanOut, parallelism: 8}
}

// Build consumes chunks — a finite, non-restartable sequence of chunk
// byte slices — and returns the file's root hash and tree height. Chunk
// resolution (hash, dedup check, store, commit) runs concurrently up to
// the Builder's parallelism; the unique priority queue restores arrival
// order before chunks are folded into level-1 nodes. Internal node
// construction above the leaf level is sequential: once a level's full,
// ordered hash list is known there's no further out-of-order completion
// to reconcile.
func (b *Builder) Build(ctx context.Context, chunks <-chan []byte) (Hash, int, error) {
	leaves, err := b.resolveLeaves(ctx, chunks)
	if err != nil {
		return Hash{}, 0, err
	}
	if len(leaves) == 0 {
		h := sha256.Sum256(nil)
		if err := b.resolveOne(ctx, Hash(h), nil, 0); err != nil {
			return Hash{}, 0, err
		}
		leaves = []Hash{Hash(h)}
	}
	return b.fold(ctx, leaves, 0)
}

func (b *Builder) resolveLeaves(ctx context.Context, chunks <-chan []byte) ([]Hash, error) {
	q := upq.New[int64, Hash, struct{}]()

	var mu sync.Mutex
	busy := make(map[Hash]chan struct{})
	var results []Hash
	var nextPriority int64

	var wg sync.WaitGroup
	sem := make(chan struct{}, b.parallelism)

	var errOnce sync.Once
	var firstErr error
	fail := func(err error) { errOnce.Do(func() { firstErr = err }) }

	drain := func() {
		mu.Lock()
		defer mu.Unlock()
		for {
			_, k, _, ok := q.PopMinIfComplete()
			if !ok {
				break
			}
			results = append(results, k)
			if ch, has := busy[k]; has {
				close(ch)
				delete(busy, k)
			}
		}
	}

	// reserveSlot blocks the caller (the chunk-consuming loop below, never
	// a worker goroutine) until it can claim a UPQ slot for hash h. Two
	// chunks with identical content would otherwise collide on the UPQ's
	// key-uniqueness precondition; instead the later one waits for the
	// earlier one's slot to be popped, then reserves its own — by then
	// hashIndex already has the first occurrence committed, so its own
	// resolution is a fast dedup hit.
	reserveSlot := func(p int64, h Hash) {
		for {
			mu.Lock()
			if _, taken := q.FindKey(h); !taken {
				if err := q.Reserve(p, h); err != nil {
					// p is always fresh (monotonic counter); a
					// collision here would be a bug in this loop.
					mu.Unlock()
					panic(err)
				}
				mu.Unlock()
				return
			}
			wait, ok := busy[h]
			if !ok {
				wait = make(chan struct{})
				busy[h] = wait
			}
			mu.Unlock()
			<-wait
		}
	}

	for chunk := range chunks {
		chunk := chunk
		p := nextPriority
		nextPriority++
		h := Hash(sha256.Sum256(chunk))
		reserveSlot(p, h)

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := b.resolveOne(ctx, h, chunk, 0); err != nil {
				fail(err)
			}
			mu.Lock()
			q.PutValue(h, struct{}{})
			q.SetReady(p)
			mu.Unlock()
			drain()
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// fold groups hashes (all known to have tree height childHeight) into
// nodes of up to fanOut children, stores each node, and recurses on the
// resulting parent hashes until exactly one — the root — remains.
func (b *Builder) fold(ctx context.Context, hashes []Hash, childHeight int) (Hash, int, error) {
	if len(hashes) == 1 {
		return hashes[0], childHeight, nil
	}

	parentHeight := childHeight + 1
	parents := make([]Hash, 0, (len(hashes)+b.fanOut-1)/b.fanOut)
	for i := 0; i < len(hashes); i += b.fanOut {
		end := i + b.fanOut
		if end > len(hashes) {
			end = len(hashes)
		}
		node := serializeNode(hashes[i:end], parentHeight)
		h := Hash(sha256.Sum256(node))
		if err := b.resolveOne(ctx, h, node, parentHeight); err != nil {
			return Hash{}, 0, err
		}
		parents = append(parents, h)
	}
	return b.fold(ctx, parents, parentHeight)
}

// resolveOne resolves a single hash: reserve, and either accept an
// existing entry (including waiting out a concurrent in-flight
// reservation for the same hash) or store+commit a new one.
func (b *Builder) resolveOne(ctx context.Context, hash Hash, data []byte, height int) error {
	for {
		res, err := b.hashIndex.Reserve(ctx, hash)
		if err != nil {
			return errors.Annotate(err, "hashtree: reserving %s", hash).Err()
		}
		if !res.Fresh {
			if res.Wait != nil {
				if _, ok := <-res.Wait; !ok {
					continue // rolled back upstream; retry as fresh.
				}
			}
			return nil
		}

		ref, err := b.blobs.Store(ctx, data)
		if err != nil {
			if rerr := b.hashIndex.Rollback(ctx, hash); rerr != nil {
				return errors.Annotate(rerr, "hashtree: rolling back %s after store failure: %s", hash, err).Err()
			}
			return errors.Annotate(err, "hashtree: storing chunk for %s", hash).Err()
		}
		if err := b.hashIndex.Commit(ctx, hash, Entry{Ref: ref, Height: height}); err != nil {
			return errors.Annotate(err, "hashtree: committing %s", hash).Err()
		}
		return nil
	}
}

// Read reproduces the original byte sequence for the file rooted at
// (root, height), recursively expanding internal nodes.
func (b *Builder) Read(ctx context.Context, root Hash, height int) ([]byte, error) {
	entry, found, err := b.hashIndex.Lookup(ctx, root)
	if err != nil {
		return nil, errors.Annotate(err, "hashtree: looking up %s", root).Err()
	}
	if !found {
		return nil, errors.Reason("hashtree: hash %s not found in index", root).Err()
	}
	data, err := b.blobs.Retrieve(ctx, entry.Ref)
	if err != nil {
		return nil, errors.Annotate(err, "hashtree: retrieving %s", root).Err()
	}
	if height == 0 {
		return data, nil
	}

	if len(data) < 1 {
		return nil, errors.Reason("hashtree: node %s is missing its height tag", root).Err()
	}
	if tag := int(data[0]); tag != height {
		return nil, errors.Reason("hashtree: node %s has height tag %d, expected %d", root, tag, height).Err()
	}
	children := data[1:]
	if len(children)%32 != 0 {
		return nil, errors.Reason("hashtree: node %s has a truncated child list", root).Err()
	}

	var out []byte
	for i := 0; i < len(children); i += 32 {
		var child Hash
		copy(child[:], children[i:i+32])
		childData, err := b.Read(ctx, child, height-1)
		if err != nil {
			return nil, err
		}
		out = append(out, childData...)
	}
	return out, nil
}

// serializeNode is an internal node's on-disk form: a 1-byte height tag
// (safe up to height 255, far beyond any realistic tree depth) followed
// by the concatenated child hashes.
func serializeNode(children []Hash, height int) []byte {
	buf := make([]byte, 1, 1+len(children)*32)
	buf[0] = byte(height)
	for _, h := range children {
		buf = append(buf, h[:]...)
	}
	return buf
}
