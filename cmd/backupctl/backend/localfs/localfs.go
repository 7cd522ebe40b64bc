// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package localfs implements backend.Store over a directory on the local
// filesystem. It is the zero-dependency default backend, and the one used
// by the scenario tests in cmd/backupctl.
package localfs

import (
	"context"
	"os"
	"path/filepath"

	"go.chromium.org/luci/common/errors"
)

// Store stores each blob as a single file named by its hex token under
// root. There is no third-party object-store library in the pack that
// fits "plain files in a directory" better than os/ioutil: this component
// is the local-disk instance of the Store interface, not a wrapper around
// one, so stdlib is the right tool.
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Annotate(err, "localfs: creating root %q", dir).Err()
	}
	return &Store{root: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, name)
}

// Store writes data to a temp file in root and renames it into place, so a
// concurrent Retrieve never observes a partially written blob.
func (s *Store) Store(ctx context.Context, name string, data []byte) error {
	tmp, err := os.CreateTemp(s.root, "."+name+"-*.tmp")
	if err != nil {
		return errors.Annotate(err, "localfs: creating temp file for %q", name).Err()
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Annotate(err, "localfs: writing %q", name).Err()
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Annotate(err, "localfs: fsyncing %q", name).Err()
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Annotate(err, "localfs: closing %q", name).Err()
	}
	if err := os.Rename(tmpName, s.path(name)); err != nil {
		os.Remove(tmpName)
		return errors.Annotate(err, "localfs: renaming into place %q", name).Err()
	}
	return nil
}

// Retrieve reads the full blob named name.
func (s *Store) Retrieve(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Annotate(err, "localfs: blob %q not found", name).Err()
		}
		return nil, errors.Annotate(err, "localfs: reading %q", name).Err()
	}
	return data, nil
}

// Delete removes the file named name, treating an already-absent file
// as success.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Annotate(err, "localfs: deleting %q", name).Err()
	}
	return nil
}
