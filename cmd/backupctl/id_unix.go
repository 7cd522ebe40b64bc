// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build linux

package main

import (
	"fmt"
	"os"
	"syscall"

	"go.chromium.org/luci/common/errors"
)

// stableID synthesizes a key entry's id from its device and inode
// numbers, so hardlinked files collapse to the same identity across a
// snapshot instead of being recorded as unrelated entries.
func stableID(info os.FileInfo) ([]byte, error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, errors.Reason("stableID: no syscall.Stat_t for %q", info.Name()).Err()
	}
	return []byte(fmt.Sprintf("d%di%d", st.Dev, st.Ino)), nil
}
