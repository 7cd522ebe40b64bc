// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package process implements the single-owner actor abstraction used by
// every stage of the backup pipeline (blob index, blob store, hash index,
// key index, key store).
//
// Each actor owns its state exclusively and runs on one dedicated
// goroutine, processing inbound requests serially in arrival order. Peers
// talk to it only through typed request/reply messages sent over a
// channel; cloning a Handle clones only the sender side, never the
// goroutine or its state.
package process

import "context"

// Handle is the caller-visible reference to a running actor. It is safe to
// copy and share across goroutines: copying only duplicates the channel
// send side.
type Handle[Req, Reply any] struct {
	inbox chan<- envelope[Req, Reply]
}

type envelope[Req, Reply any] struct {
	ctx   context.Context
	req   Req
	reply chan<- result[Reply]
}

// result carries either a normal reply or a recovered panic value. A
// precondition violation panics inside handle; we recover it on the
// actor goroutine and re-panic it on the caller's goroutine in Call, so
// the abort happens at the call site that made the programming error,
// which is both truer to the synchronous-looking actor API and the only
// way such a panic can be observed by a test.
type result[Reply any] struct {
	reply Reply
	panic any
}

// Start spawns the actor goroutine. handle is called once per inbound
// request, strictly serially, and its return value is sent back to the
// caller that's waiting in Call. handle must never block on anything other
// than the work itself: suspension happens only inside handle's own
// synchronous I/O, never the plumbing around it.
//
// The actor runs until the returned Actor's Close method is called, which
// closes the inbox and lets the goroutine drain remaining messages, then
// return.
func Start[Req, Reply any](handle func(context.Context, Req) Reply) *Actor[Req, Reply] {
	inbox := make(chan envelope[Req, Reply])
	a := &Actor[Req, Reply]{
		inbox: inbox,
		done:  make(chan struct{}),
	}
	go func() {
		defer close(a.done)
		for e := range inbox {
			e.reply <- callHandle(handle, e.ctx, e.req)
		}
	}()
	return a
}

func callHandle[Req, Reply any](handle func(context.Context, Req) Reply, ctx context.Context, req Req) (r result[Reply]) {
	defer func() {
		if p := recover(); p != nil {
			r = result[Reply]{panic: p}
		}
	}()
	r = result[Reply]{reply: handle(ctx, req)}
	return r
}

// Actor owns the running goroutine; only the owner (the package that called
// Start) should hold an *Actor. Everyone else gets a Handle via
// Actor.Handle(), which only exposes Call.
type Actor[Req, Reply any] struct {
	inbox chan envelope[Req, Reply]
	done  chan struct{}
}

// Handle returns a shareable, copy-safe reference to this actor.
func (a *Actor[Req, Reply]) Handle() Handle[Req, Reply] {
	return Handle[Req, Reply]{inbox: a.inbox}
}

// Call sends req to the actor and blocks for its reply. If ctx is canceled
// before the actor picks up the message, Call still blocks until the actor
// replies or the process is torn down elsewhere: a send on an unbuffered
// channel is a suspension point, not a cancellation point, and it's up to
// handle itself to decide whether to honor ctx.
func (h Handle[Req, Reply]) Call(ctx context.Context, req Req) Reply {
	reply := make(chan result[Reply], 1)
	h.inbox <- envelope[Req, Reply]{ctx: ctx, req: req, reply: reply}
	r := <-reply
	if r.panic != nil {
		panic(r.panic)
	}
	return r.reply
}

// Close stops accepting new requests and waits for the actor goroutine to
// drain whatever is already queued. Call after the last Handle.Call: a
// clean shutdown flushes downstream actors first, then closes each one
// in turn as its queue drains.
func (a *Actor[Req, Reply]) Close() {
	close(a.inbox)
	<-a.done
}
