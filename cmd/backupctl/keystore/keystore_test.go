// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package keystore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"

	. "github.com/smartystreets/goconvey/convey"

	"infra/backup/cmd/backupctl/blobindex"
	"infra/backup/cmd/backupctl/blobstore"
	"infra/backup/cmd/backupctl/hashindex"
)

type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{objects: make(map[string][]byte)} }

func (b *memBackend) Store(ctx context.Context, name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.objects[name] = cp
	return nil
}

func (b *memBackend) Retrieve(ctx context.Context, name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[name]
	if !ok {
		return nil, errors.Reason("memBackend: %q not found", name).Err()
	}
	return data, nil
}

func (b *memBackend) Delete(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, name)
	return nil
}

type counter struct{ n byte }

func (c *counter) Read(p []byte) (int, error) {
	for i := range p {
		c.n++
		p[i] = c.n
	}
	return len(p), nil
}

type fixture struct {
	store *Store
	bidx  *blobindex.Index
	hidx  *hashindex.Index
	bs    *blobstore.Store
}

func (f *fixture) Close(ctx context.Context) {
	f.store.Close(ctx)
	f.bs.Close(ctx)
	f.hidx.Close(ctx)
	f.bidx.Close(ctx)
}

func newFixture(t *testing.T) (*fixture, context.Context) {
	ctx, _ := testclock.UseTime(context.Background(), testclock.TestTimeUTC)

	bidx, err := blobindex.Open(ctx, ":memory:", &counter{})
	So(err, ShouldBeNil)
	bs, err := blobstore.Open(ctx, bidx, newMemBackend(), 1<<20)
	So(err, ShouldBeNil)
	hidx, err := hashindex.Open(ctx, ":memory:")
	So(err, ShouldBeNil)
	builder := hashindex.NewBuilder(hidx, bs, 4)

	store, err := Open(ctx, ":memory:", builder)
	So(err, ShouldBeNil)

	return &fixture{store: store, bidx: bidx, hidx: hidx, bs: bs}, ctx
}

func chunkSource(parts ...string) ChunkSource {
	return func(ctx context.Context) (<-chan []byte, error) {
		ch := make(chan []byte, len(parts))
		for _, p := range parts {
			ch <- []byte(p)
		}
		close(ch)
		return ch, nil
	}
}

func TestInsertFileAndRead(t *testing.T) {
	t.Parallel()

	Convey("a file entry is persisted with its content hash and reads back byte-identical", t, func() {
		f, ctx := newFixture(t)
		defer f.Close(ctx)

		entry := Entry{ID: []byte("file1"), Name: []byte("a.txt"), Kind: KindFile, Size: 6, Mtime: 1}
		id, err := f.store.Insert(ctx, entry, chunkSource("hello\n"))
		So(err, ShouldBeNil)
		So(id, ShouldResemble, entry.ID)

		listing, err := f.store.ListDir(ctx, nil)
		So(err, ShouldBeNil)
		So(listing, ShouldHaveLength, 1)
		So(listing[0].Materialize, ShouldNotBeNil)

		data, err := listing[0].Materialize(ctx)
		So(err, ShouldBeNil)
		So(string(data), ShouldEqual, "hello\n")
	})
}

func TestInsertDirectory(t *testing.T) {
	t.Parallel()

	Convey("a directory entry has no hash and no materializer", t, func() {
		f, ctx := newFixture(t)
		defer f.Close(ctx)

		dir := Entry{ID: []byte("dir1"), Name: []byte("sub"), Kind: KindDir}
		_, err := f.store.Insert(ctx, dir, nil)
		So(err, ShouldBeNil)

		listing, err := f.store.ListDir(ctx, nil)
		So(err, ShouldBeNil)
		So(listing, ShouldHaveLength, 1)
		So(listing[0].Entry.Hash, ShouldBeNil)
		So(listing[0].Materialize, ShouldBeNil)
	})
}

func TestInsertSkipsUnchangedContent(t *testing.T) {
	t.Parallel()

	Convey("re-inserting the same id with unchanged size+mtime does not re-read content", t, func() {
		f, ctx := newFixture(t)
		defer f.Close(ctx)

		entry := Entry{ID: []byte("file2"), Name: []byte("b.txt"), Kind: KindFile, Size: 3, Mtime: 42}
		_, err := f.store.Insert(ctx, entry, chunkSource("abc"))
		So(err, ShouldBeNil)

		readCount := 0
		source := func(ctx context.Context) (<-chan []byte, error) {
			readCount++
			ch := make(chan []byte, 1)
			ch <- []byte("abc")
			close(ch)
			return ch, nil
		}
		_, err = f.store.Insert(ctx, entry, source)
		So(err, ShouldBeNil)
		So(readCount, ShouldEqual, 0)
	})

	Convey("a changed mtime forces re-reading content", t, func() {
		f, ctx := newFixture(t)
		defer f.Close(ctx)

		entry := Entry{ID: []byte("file3"), Name: []byte("c.txt"), Kind: KindFile, Size: 3, Mtime: 1}
		_, err := f.store.Insert(ctx, entry, chunkSource("xyz"))
		So(err, ShouldBeNil)

		entry.Mtime = 2
		_, err = f.store.Insert(ctx, entry, chunkSource("zzz"))
		So(err, ShouldBeNil)

		listing, err := f.store.ListDir(ctx, nil)
		So(err, ShouldBeNil)
		data, err := listing[0].Materialize(ctx)
		So(err, ShouldBeNil)
		So(string(data), ShouldEqual, "zzz")
	})
}

func TestCheckout(t *testing.T) {
	t.Parallel()

	Convey("Checkout recreates a directory tree with byte-identical file content", t, func() {
		f, ctx := newFixture(t)
		defer f.Close(ctx)

		root := Entry{ID: []byte("root"), Name: []byte("root"), Kind: KindDir}
		_, err := f.store.Insert(ctx, root, nil)
		So(err, ShouldBeNil)

		sub := Entry{ID: []byte("sub"), ParentID: root.ID, Name: []byte("sub"), Kind: KindDir}
		_, err = f.store.Insert(ctx, sub, nil)
		So(err, ShouldBeNil)

		file := Entry{ID: []byte("leaf"), ParentID: sub.ID, Name: []byte("leaf.txt"), Kind: KindFile, Size: 3, Mtime: 1}
		_, err = f.store.Insert(ctx, file, chunkSource("abc"))
		So(err, ShouldBeNil)

		dest := t.TempDir()
		So(f.store.Checkout(ctx, root.ID, dest), ShouldBeNil)

		data, err := os.ReadFile(filepath.Join(dest, "sub", "leaf.txt"))
		So(err, ShouldBeNil)
		So(string(data), ShouldEqual, "abc")
	})
}

func TestFlush(t *testing.T) {
	t.Parallel()

	Convey("Flush drains the blob store and commits the key index", t, func() {
		f, ctx := newFixture(t)
		defer f.Close(ctx)

		entry := Entry{ID: []byte("file4"), Name: []byte("d.txt"), Kind: KindFile, Size: 3, Mtime: 1}
		_, err := f.store.Insert(ctx, entry, chunkSource("abc"))
		So(err, ShouldBeNil)

		So(f.store.Flush(ctx, f.bs.Flush), ShouldBeNil)

		stats, err := f.bidx.Stats(ctx)
		So(err, ShouldBeNil)
		So(stats.Committed, ShouldBeGreaterThan, 0)
		So(stats.InAir, ShouldEqual, 0)
	})
}
