// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Uploader publishes exported checkpoints outside the stage's host.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) error
}

// GCSUploader writes checkpoints to a Google Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSUploader creates an uploader for bucket. Objects are written
// under prefix. An empty keyPath uses application default credentials.
func NewGCSUploader(ctx context.Context, bucket, prefix, keyPath string) (*GCSUploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var opts []option.ClientOption
	if keyPath != "" {
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", keyPath)
		}
		opts = append(opts, option.WithCredentialsFile(keyPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSUploader{client: client, bucket: bucket, prefix: prefix}, nil
}

// Upload implements Uploader.
func (u *GCSUploader) Upload(ctx context.Context, name string, r io.Reader) error {
	object := path.Join(u.prefix, name)
	w := u.client.Bucket(u.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write GCS object gs://%s/%s: %w", u.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for gs://%s/%s: %w", u.bucket, object, err)
	}
	return nil
}

// Close releases the storage client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}
