// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package chunker splits a file into a finite, non-restartable sequence
// of fixed-size byte chunks for the hash-tree builder to consume.
package chunker

import (
	"context"
	"io"

	"go.chromium.org/luci/common/errors"
)

// DefaultSize is the chunk size used when the caller doesn't override it:
// 128 KiB.
const DefaultSize = 128 * 1024

// Chunks reads r in Size-byte pieces (the last piece may be shorter) and
// sends each one on the returned channel, closing it at EOF. If r returns
// an error before EOF, that error is sent to errc and the channel is
// closed without a final short chunk.
//
// The caller owns r and is responsible for closing it once the returned
// channel is drained; ctx cancellation stops reading between chunks, not
// mid-Read.
func Chunks(ctx context.Context, r io.Reader, size int) (<-chan []byte, <-chan error) {
	if size <= 0 {
		size = DefaultSize
	}
	out := make(chan []byte)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			default:
			}

			buf := make([]byte, size)
			n, err := io.ReadFull(r, buf)
			if n > 0 && (err == nil || err == io.ErrUnexpectedEOF) {
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			switch err {
			case nil:
				continue
			case io.EOF, io.ErrUnexpectedEOF:
				return
			default:
				errc <- errors.Annotate(err, "chunker: reading").Err()
				return
			}
		}
	}()

	return out, errc
}
