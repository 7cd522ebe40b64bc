// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package localfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestStoreRetrieveDelete(t *testing.T) {
	t.Parallel()

	Convey("a stored blob round-trips through Retrieve", t, func() {
		s, err := New(t.TempDir())
		So(err, ShouldBeNil)
		ctx := context.Background()

		So(s.Store(ctx, "abc123", []byte("hello world")), ShouldBeNil)

		data, err := s.Retrieve(ctx, "abc123")
		So(err, ShouldBeNil)
		So(string(data), ShouldEqual, "hello world")
	})

	Convey("Retrieve on a missing name fails", t, func() {
		s, err := New(t.TempDir())
		So(err, ShouldBeNil)
		ctx := context.Background()

		_, err = s.Retrieve(ctx, "nope")
		So(err, ShouldNotBeNil)
	})

	Convey("Store leaves no temp file behind on success", t, func() {
		dir := t.TempDir()
		s, err := New(dir)
		So(err, ShouldBeNil)
		ctx := context.Background()

		So(s.Store(ctx, "name", []byte("data")), ShouldBeNil)

		entries, err := os.ReadDir(dir)
		So(err, ShouldBeNil)
		So(entries, ShouldHaveLength, 1)
		So(entries[0].Name(), ShouldEqual, "name")
	})

	Convey("Delete removes an object and is idempotent when it's already absent", t, func() {
		dir := t.TempDir()
		s, err := New(dir)
		So(err, ShouldBeNil)
		ctx := context.Background()

		So(s.Store(ctx, "gone", []byte("x")), ShouldBeNil)
		So(s.Delete(ctx, "gone"), ShouldBeNil)

		_, err = os.Stat(filepath.Join(dir, "gone"))
		So(os.IsNotExist(err), ShouldBeTrue)

		So(s.Delete(ctx, "gone"), ShouldBeNil)
	})
}
