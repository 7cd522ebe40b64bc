// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package upq implements the unique priority queue: the ordering primitive
// used wherever a pipeline stage may complete work out of input order but
// must still hand results to the next stage in the order they arrived.
//
// An entry becomes poppable only once it has been marked Ready and given a
// value; pop_min_if_complete only ever looks at the current minimum, so a
// slow entry at the front of the queue holds up everything behind it, by
// design.
package upq

import (
	"cmp"
	"container/heap"
	"fmt"
)

type status int

const (
	pending status = iota
	ready
)

type entry[K comparable, V any] struct {
	key    K
	status status
	value  *V
}

// Queue is a unique priority queue over priorities P and keys K, both of
// which must be unique across all live entries, holding values V that may
// arrive after the entry itself is reserved.
type Queue[P cmp.Ordered, K comparable, V any] struct {
	byPriority map[P]*entry[K, V]
	byKey      map[K]P
	order      minHeap[P]
}

// New returns an empty queue.
func New[P cmp.Ordered, K comparable, V any]() *Queue[P, K, V] {
	return &Queue[P, K, V]{
		byPriority: make(map[P]*entry[K, V]),
		byKey:      make(map[K]P),
	}
}

// Len returns the number of live entries (reserved but not yet popped).
func (q *Queue[P, K, V]) Len() int {
	return len(q.byPriority)
}

// Reserve inserts a new Pending, valueless entry at priority p for key k.
// It returns an error, leaving the queue unchanged, if p or k is already in
// use.
func (q *Queue[P, K, V]) Reserve(p P, k K) error {
	if _, ok := q.byPriority[p]; ok {
		return fmt.Errorf("upq: priority %v is already reserved", p)
	}
	if _, ok := q.byKey[k]; ok {
		return fmt.Errorf("upq: key %v is already reserved", k)
	}
	q.byPriority[p] = &entry[K, V]{key: k, status: pending}
	q.byKey[k] = p
	heap.Push(&q.order, p)
	return nil
}

// PutValue attaches v to the entry reserved for k. k must be reserved and
// must not already have a value; violating either is a programmer error
// and panics.
func (q *Queue[P, K, V]) PutValue(k K, v V) {
	e := q.mustEntryForKey(k, "put_value")
	if e.value != nil {
		panic(fmt.Sprintf("upq: put_value: key %v already has a value", k))
	}
	e.value = &v
}

// UpdateValue replaces the value of the entry reserved for k with f(v). k
// must be reserved and must already have a value.
func (q *Queue[P, K, V]) UpdateValue(k K, f func(V) V) {
	e := q.mustEntryForKey(k, "update_value")
	if e.value == nil {
		panic(fmt.Sprintf("upq: update_value: key %v has no value yet", k))
	}
	nv := f(*e.value)
	e.value = &nv
}

// SetReady transitions the entry at priority p from Pending to Ready,
// leaving its value untouched. p must be reserved and currently Pending.
func (q *Queue[P, K, V]) SetReady(p P) {
	e, ok := q.byPriority[p]
	if !ok {
		panic(fmt.Sprintf("upq: set_ready: priority %v is not reserved", p))
	}
	if e.status != pending {
		panic(fmt.Sprintf("upq: set_ready: priority %v is not pending", p))
	}
	e.status = ready
}

// PopMinIfComplete removes and returns the minimum-priority entry if, and
// only if, it is Ready and holds a value. Otherwise it returns ok=false
// without modifying the queue, even if some later entry would qualify: the
// queue only ever looks at its minimum.
func (q *Queue[P, K, V]) PopMinIfComplete() (p P, k K, v V, ok bool) {
	if q.order.Len() == 0 {
		return p, k, v, false
	}
	minP := q.order[0]
	e := q.byPriority[minP]
	if e.status != ready || e.value == nil {
		return p, k, v, false
	}
	heap.Pop(&q.order)
	delete(q.byPriority, minP)
	delete(q.byKey, e.key)
	return minP, e.key, *e.value, true
}

// FindKey returns the priority reserved for k, if any.
func (q *Queue[P, K, V]) FindKey(k K) (P, bool) {
	p, ok := q.byKey[k]
	return p, ok
}

// FindValue returns the current value for k, if k is reserved and has one.
func (q *Queue[P, K, V]) FindValue(k K) (V, bool) {
	p, ok := q.byKey[k]
	if !ok {
		var zero V
		return zero, false
	}
	e := q.byPriority[p]
	if e.value == nil {
		var zero V
		return zero, false
	}
	return *e.value, true
}

func (q *Queue[P, K, V]) mustEntryForKey(k K, op string) *entry[K, V] {
	p, ok := q.byKey[k]
	if !ok {
		panic(fmt.Sprintf("upq: %s: key %v is not reserved", op, k))
	}
	return q.byPriority[p]
}

// minHeap is a container/heap of priorities, used only to find and remove
// the current minimum; entries themselves live in Queue.byPriority.
type minHeap[P cmp.Ordered] []P

func (h minHeap[P]) Len() int            { return len(h) }
func (h minHeap[P]) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap[P]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap[P]) Push(x interface{}) { *h = append(*h, x.(P)) }
func (h *minHeap[P]) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
