// Copyright 2019 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package gcsbackend implements backend.Store on top of Google Cloud
// Storage, the way infra/cmd/cloudbuildhelper's "upload" subcommand names
// objects by the SHA256 digest of the tarball it uploads: here every blob
// is already named by its random token, so that token is reused verbatim
// as the object name.
package gcsbackend

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"go.chromium.org/luci/common/errors"
	"google.golang.org/api/googleapi"
)

// Store stores blobs as objects in a single GCS bucket, optionally under a
// key prefix (mirroring the "bucket and prefix... picked from the infra
// section in the manifest" convention cmdupload.go documents).
type Store struct {
	bucket *storage.BucketHandle
	prefix string
}

// New returns a Store for the named bucket using client, which the caller
// owns and must Close.
func New(client *storage.Client, bucket, prefix string) *Store {
	return &Store{bucket: client.Bucket(bucket), prefix: prefix}
}

func (s *Store) objectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Store uploads data under name, skipping the upload if an object with
// that name already exists (blobs are content-addressed by token, so any
// existing object with the same name is already the right bytes).
func (s *Store) Store(ctx context.Context, name string, data []byte) error {
	obj := s.bucket.Object(s.objectName(name))
	if _, err := obj.Attrs(ctx); err == nil {
		return nil
	} else if err != storage.ErrObjectNotExist {
		return errors.Annotate(err, "gcsbackend: checking existing object %q", name).Err()
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return errors.Annotate(err, "gcsbackend: writing object %q", name).Err()
	}
	if err := w.Close(); err != nil {
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 412 {
			// Precondition failed: someone else already wrote this
			// content-addressed object concurrently. That's fine.
			return nil
		}
		return errors.Annotate(err, "gcsbackend: finalizing object %q", name).Err()
	}
	return nil
}

// Retrieve downloads the full object named name.
func (s *Store) Retrieve(ctx context.Context, name string) ([]byte, error) {
	r, err := s.bucket.Object(s.objectName(name)).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, errors.Annotate(err, "gcsbackend: blob %q not found", name).Err()
		}
		return nil, errors.Annotate(err, "gcsbackend: opening %q", name).Err()
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Annotate(err, "gcsbackend: reading %q", name).Err()
	}
	return data, nil
}

// Delete removes the object named name, treating an already-absent
// object as success.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.bucket.Object(s.objectName(name)).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
		return errors.Annotate(err, "gcsbackend: deleting %q", name).Err()
	}
	return nil
}
