// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package keystore

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	. "github.com/smartystreets/goconvey/convey"
)

func openTestKeyIndex(t *testing.T) (*Index, context.Context) {
	ctx := context.Background()
	idx, err := OpenIndex(ctx, ":memory:")
	So(err, ShouldBeNil)
	return idx, ctx
}

func TestUpsertAndLookup(t *testing.T) {
	t.Parallel()

	Convey("an upserted entry round-trips through Lookup", t, func() {
		idx, ctx := openTestKeyIndex(t)
		defer idx.Close(ctx)

		perms := uint32(0644)
		e := Entry{
			ID: []byte("d1i2"), Name: []byte("a.txt"), Kind: KindFile,
			Size: 6, Mtime: 100, Ctime: 100, Atime: 100, Perms: &perms,
		}
		So(idx.Upsert(ctx, e), ShouldBeNil)

		got, found, err := idx.Lookup(ctx, e.ID)
		So(err, ShouldBeNil)
		So(found, ShouldBeTrue)
		if diff := cmp.Diff(e.Name, got.Name); diff != "" {
			t.Errorf("Name mismatch (-want +got):\n%s", diff)
		}
		So(got.Size, ShouldEqual, 6)
		So(*got.Perms, ShouldEqual, uint32(0644))
		So(got.Hash, ShouldBeNil)
	})

	Convey("a second Upsert for the same id replaces the row", t, func() {
		idx, ctx := openTestKeyIndex(t)
		defer idx.Close(ctx)

		id := []byte("d1i3")
		So(idx.Upsert(ctx, Entry{ID: id, Name: []byte("old"), Size: 1}), ShouldBeNil)
		So(idx.Upsert(ctx, Entry{ID: id, Name: []byte("new"), Size: 2}), ShouldBeNil)

		got, found, err := idx.Lookup(ctx, id)
		So(err, ShouldBeNil)
		So(found, ShouldBeTrue)
		So(string(got.Name), ShouldEqual, "new")
		So(got.Size, ShouldEqual, 2)
	})

	Convey("looking up a missing id returns found=false", t, func() {
		idx, ctx := openTestKeyIndex(t)
		defer idx.Close(ctx)
		_, found, err := idx.Lookup(ctx, []byte("nope"))
		So(err, ShouldBeNil)
		So(found, ShouldBeFalse)
	})
}

func TestListDir(t *testing.T) {
	t.Parallel()

	Convey("ListDir returns only direct children, including root-level entries", t, func() {
		idx, ctx := openTestKeyIndex(t)
		defer idx.Close(ctx)

		root := Entry{ID: []byte("root"), Name: []byte("/"), Kind: KindDir}
		So(idx.Upsert(ctx, root), ShouldBeNil)

		for i := 0; i < 3; i++ {
			child := Entry{
				ID:       []byte{byte('a' + i)},
				ParentID: root.ID,
				Name:     []byte{byte('a' + i)},
				Kind:     KindFile,
			}
			So(idx.Upsert(ctx, child), ShouldBeNil)
		}

		children, err := idx.ListDir(ctx, root.ID)
		So(err, ShouldBeNil)
		So(children, ShouldHaveLength, 3)

		top, err := idx.ListDir(ctx, nil)
		So(err, ShouldBeNil)
		So(top, ShouldHaveLength, 1)
		if diff := cmp.Diff(root.ID, top[0].ID); diff != "" {
			t.Errorf("ID mismatch (-want +got):\n%s", diff)
		}
	})
}
