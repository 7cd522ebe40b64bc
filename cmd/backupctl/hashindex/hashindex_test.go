// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package hashindex

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"infra/backup/cmd/backupctl/blobstore"
)

func openTestIndex(t *testing.T) (*Index, context.Context) {
	ctx := context.Background()
	idx, err := Open(ctx, ":memory:")
	So(err, ShouldBeNil)
	return idx, ctx
}

func testEntry() Entry {
	return Entry{Ref: blobstore.Ref{BlobName: [24]byte{1, 2, 3}, Offset: 0, Length: 4}, Height: 0}
}

func TestReserveCommitLookup(t *testing.T) {
	t.Parallel()

	Convey("a fresh reservation commits and becomes visible to Lookup", t, func() {
		idx, ctx := openTestIndex(t)
		defer idx.Close(ctx)

		var hash Hash
		hash[0] = 7

		res, err := idx.Reserve(ctx, hash)
		So(err, ShouldBeNil)
		So(res.Fresh, ShouldBeTrue)

		entry := testEntry()
		So(idx.Commit(ctx, hash, entry), ShouldBeNil)

		got, found, err := idx.Lookup(ctx, hash)
		So(err, ShouldBeNil)
		So(found, ShouldBeTrue)
		So(got, ShouldResemble, entry)
	})

	Convey("reserving an already-committed hash returns it without marking Fresh", t, func() {
		idx, ctx := openTestIndex(t)
		defer idx.Close(ctx)

		var hash Hash
		hash[0] = 9
		res, _ := idx.Reserve(ctx, hash)
		entry := testEntry()
		So(idx.Commit(ctx, hash, entry), ShouldBeNil)
		So(res.Fresh, ShouldBeTrue)

		res2, err := idx.Reserve(ctx, hash)
		So(err, ShouldBeNil)
		So(res2.Fresh, ShouldBeFalse)
		So(res2.Entry, ShouldResemble, entry)
	})
}

func TestPendingReservationFansOutToWaiters(t *testing.T) {
	t.Parallel()

	Convey("a second Reserve while the first is pending gets a Wait channel that resolves on Commit", t, func() {
		idx, ctx := openTestIndex(t)
		defer idx.Close(ctx)

		var hash Hash
		hash[0] = 3

		res1, err := idx.Reserve(ctx, hash)
		So(err, ShouldBeNil)
		So(res1.Fresh, ShouldBeTrue)

		res2, err := idx.Reserve(ctx, hash)
		So(err, ShouldBeNil)
		So(res2.Fresh, ShouldBeFalse)
		So(res2.Wait, ShouldNotBeNil)

		entry := testEntry()
		done := make(chan Entry, 1)
		go func() {
			got, ok := <-res2.Wait
			if ok {
				done <- got
			}
			close(done)
		}()

		So(idx.Commit(ctx, hash, entry), ShouldBeNil)
		got := <-done
		So(got, ShouldResemble, entry)
	})

	Convey("a second Reserve while the first is pending sees a closed channel on Rollback", t, func() {
		idx, ctx := openTestIndex(t)
		defer idx.Close(ctx)

		var hash Hash
		hash[0] = 4

		res1, _ := idx.Reserve(ctx, hash)
		So(res1.Fresh, ShouldBeTrue)
		res2, _ := idx.Reserve(ctx, hash)
		So(res2.Wait, ShouldNotBeNil)

		So(idx.Rollback(ctx, hash), ShouldBeNil)
		_, ok := <-res2.Wait
		So(ok, ShouldBeFalse)

		// And the hash is free to be reserved fresh again.
		res3, err := idx.Reserve(ctx, hash)
		So(err, ShouldBeNil)
		So(res3.Fresh, ShouldBeTrue)
	})
}

func TestPreconditionViolations(t *testing.T) {
	t.Parallel()

	Convey("Commit on an unreserved hash panics", t, func() {
		idx, ctx := openTestIndex(t)
		defer idx.Close(ctx)
		var hash Hash
		So(func() { idx.Commit(ctx, hash, testEntry()) }, ShouldPanic)
	})

	Convey("Rollback on an unreserved hash panics", t, func() {
		idx, ctx := openTestIndex(t)
		defer idx.Close(ctx)
		var hash Hash
		So(func() { idx.Rollback(ctx, hash) }, ShouldPanic)
	})
}
