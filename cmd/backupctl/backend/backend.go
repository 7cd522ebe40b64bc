// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package backend declares the narrow capability set the blob store needs
// from whatever object store actually holds blob bytes.
package backend

import "context"

// Store is the pluggable object-store capability the blob store consumes.
// Implementations must be safe to share across the blob store's actor
// goroutine and any retrieval callers; name is the blob's hex-encoded
// 24-byte random token.
type Store interface {
	// Store atomically puts data under name. A partial write must never be
	// observable: on error, no object (or an object distinguishably absent
	// to Retrieve) should exist under name.
	Store(ctx context.Context, name string, data []byte) error

	// Retrieve fetches the full object named name.
	Retrieve(ctx context.Context, name string) ([]byte, error)

	// Delete removes the object named name. It must not return an error
	// when the object is already absent: the recovery tool calls Delete
	// on InAir blobs whose backend write may never have landed at all.
	Delete(ctx context.Context, name string) error
}
