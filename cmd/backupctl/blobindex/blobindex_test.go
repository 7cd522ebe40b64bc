// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package blobindex

import (
	"bytes"
	"context"
	"testing"

	"go.chromium.org/luci/common/clock/testclock"

	. "github.com/smartystreets/goconvey/convey"
)

// counter is a deterministic stand-in for the random-bytes source so tests
// get distinct, predictable names without depending on crypto/rand.
type counter struct{ n byte }

func (c *counter) Read(p []byte) (int, error) {
	for i := range p {
		c.n++
		p[i] = c.n
	}
	return len(p), nil
}

func openTestIndex(t *testing.T) (*Index, context.Context) {
	ctx, _ := testclock.UseTime(context.Background(), testclock.TestTimeUTC)
	idx, err := Open(ctx, ":memory:", &counter{})
	So(err, ShouldBeNil)
	return idx, ctx
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	Convey("Reserve, InAir, CommitDone takes a blob to tag=0", t, func() {
		idx, ctx := openTestIndex(t)
		defer idx.Close(ctx)

		desc, err := idx.Reserve(ctx)
		So(err, ShouldBeNil)
		So(desc.ID, ShouldEqual, 0)

		So(idx.InAir(ctx, desc), ShouldBeNil)
		stats, err := idx.Stats(ctx)
		So(err, ShouldBeNil)
		So(stats.InAir, ShouldEqual, 1)
		So(stats.Committed, ShouldEqual, 0)

		So(idx.CommitDone(ctx, desc), ShouldBeNil)
		stats, err = idx.Stats(ctx)
		So(err, ShouldBeNil)
		So(stats.InAir, ShouldEqual, 0)
		So(stats.Committed, ShouldEqual, 1)
	})

	Convey("a crash between InAir and CommitDone leaves the row at tag=1", t, func() {
		idx, ctx := openTestIndex(t)
		desc, err := idx.Reserve(ctx)
		So(err, ShouldBeNil)
		So(idx.InAir(ctx, desc), ShouldBeNil)

		orphans, err := idx.ListInAir(ctx)
		So(err, ShouldBeNil)
		So(orphans, ShouldHaveLength, 1)
		So(orphans[0].ID, ShouldEqual, desc.ID)
		idx.Close(ctx)
	})

	Convey("ids are strictly increasing and names are unique across Reserves", t, func() {
		idx, ctx := openTestIndex(t)
		defer idx.Close(ctx)

		d1, _ := idx.Reserve(ctx)
		d2, _ := idx.Reserve(ctx)
		So(d2.ID, ShouldEqual, d1.ID+1)
		So(bytes.Equal(d1.Name[:], d2.Name[:]), ShouldBeFalse)
	})
}

func TestPreconditionViolations(t *testing.T) {
	t.Parallel()

	Convey("InAir on an unreserved desc panics", t, func() {
		idx, ctx := openTestIndex(t)
		defer idx.Close(ctx)
		So(func() { idx.InAir(ctx, BlobDesc{ID: 999}) }, ShouldPanic)
	})

	Convey("CommitDone on an unreserved desc panics", t, func() {
		idx, ctx := openTestIndex(t)
		defer idx.Close(ctx)
		So(func() { idx.CommitDone(ctx, BlobDesc{ID: 999}) }, ShouldPanic)
	})
}
