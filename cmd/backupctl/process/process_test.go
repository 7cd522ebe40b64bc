// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package process

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestCallServesSerially(t *testing.T) {
	t.Parallel()

	Convey("requests are handled one at a time, in arrival order", t, func() {
		var seen []int
		a := Start(func(ctx context.Context, req int) int {
			seen = append(seen, req)
			return req * 2
		})
		defer a.Close()

		h := a.Handle()
		for i := 0; i < 5; i++ {
			got := h.Call(context.Background(), i)
			So(got, ShouldEqual, i*2)
		}
		So(seen, ShouldResemble, []int{0, 1, 2, 3, 4})
	})
}

func TestPanicPropagatesToCaller(t *testing.T) {
	t.Parallel()

	Convey("a precondition violation inside handle panics the caller, not the test binary", t, func() {
		a := Start(func(ctx context.Context, req string) string {
			if req == "bad" {
				panic("precondition violated")
			}
			return "ok"
		})
		defer a.Close()

		h := a.Handle()
		So(h.Call(context.Background(), "good"), ShouldEqual, "ok")
		So(func() { h.Call(context.Background(), "bad") }, ShouldPanic)

		// The actor goroutine itself survives a recovered panic and keeps
		// serving later requests.
		So(h.Call(context.Background(), "good"), ShouldEqual, "ok")
	})
}

func TestHandleIsShareable(t *testing.T) {
	t.Parallel()

	Convey("copying a Handle only duplicates the send side", t, func() {
		a := Start(func(ctx context.Context, req int) int { return req })
		defer a.Close()

		h1 := a.Handle()
		h2 := h1 // copy
		So(h1.Call(context.Background(), 1), ShouldEqual, 1)
		So(h2.Call(context.Background(), 2), ShouldEqual, 2)
	})
}
