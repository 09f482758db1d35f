// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reportstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/google/dynamicanalysis/pkg/purl"
	"github.com/google/dynamicanalysis/pkg/report"
	"github.com/pkg/errors"
	"google.golang.org/api/option"
)

// GCSStore persists reports in a Cloud Storage bucket, using
// report.RelativePath to derive object names so that download URLs are
// predictable without a metadata lookup.
type GCSStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSStore creates a GCSStore rooted at gs://bucket/prefix.
func NewGCSStore(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCS client")
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) objectName(eco purl.Ecosystem, name, version string) string {
	rel := report.RelativePath(eco, name, version)
	if s.prefix == "" {
		return rel
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + rel
}

// Reader returns a reader for the report at the given coordinates.
func (s *GCSStore) Reader(ctx context.Context, eco purl.Ecosystem, name, version string) (io.ReadCloser, string, error) {
	objName := s.objectName(eco, name, version)
	obj := s.client.Bucket(s.bucket).Object(objName)
	r, err := obj.NewReader(ctx)
	if err != nil {
		if err == gcs.ErrObjectNotExist {
			err = stderrors.Join(err, ErrNotFound)
		}
		return nil, "", errors.Wrapf(err, "creating GCS reader for %s", objName)
	}
	return r, fmt.Sprintf("gs://%s/%s", s.bucket, objName), nil
}

// Writer returns a writer that persists the report at the given
// coordinates.
func (s *GCSStore) Writer(ctx context.Context, eco purl.Ecosystem, name, version string) (io.WriteCloser, string, error) {
	objName := s.objectName(eco, name, version)
	obj := s.client.Bucket(s.bucket).Object(objName)
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	return w, fmt.Sprintf("gs://%s/%s", s.bucket, objName), nil
}

// PublicURL returns the predictable, precomputed download URL for the
// report at the given coordinates, without requiring any call to GCS.
func (s *GCSStore) PublicURL(eco purl.Ecosystem, name, version string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, s.objectName(eco, name, version))
}

var _ Store = (*GCSStore)(nil)
