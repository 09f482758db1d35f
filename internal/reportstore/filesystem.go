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
	"io"
	"io/fs"
	"path/filepath"

	billy "github.com/go-git/go-billy/v5"
	"github.com/google/dynamicanalysis/pkg/purl"
	"github.com/google/dynamicanalysis/pkg/report"
	"github.com/pkg/errors"
)

// FilesystemStore persists reports on a billy.Filesystem, for local
// development and for operators who don't run a GCS bucket.
type FilesystemStore struct {
	fs billy.Filesystem
}

// NewFilesystemStore wraps the given filesystem root.
func NewFilesystemStore(fs billy.Filesystem) *FilesystemStore {
	return &FilesystemStore{fs: fs}
}

func (s *FilesystemStore) path(eco purl.Ecosystem, name, version string) string {
	return report.RelativePath(eco, name, version)
}

// Reader returns a reader for the report at the given coordinates.
func (s *FilesystemStore) Reader(ctx context.Context, eco purl.Ecosystem, name, version string) (io.ReadCloser, string, error) {
	path := s.path(eco, name, version)
	f, err := s.fs.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = stderrors.Join(err, ErrNotFound)
		}
		return nil, "", errors.Wrapf(err, "opening report %s", path)
	}
	return f, filepath.Join(s.fs.Root(), path), nil
}

// Writer returns a writer that persists the report at the given
// coordinates, creating parent directories as needed.
func (s *FilesystemStore) Writer(ctx context.Context, eco purl.Ecosystem, name, version string) (io.WriteCloser, string, error) {
	path := s.path(eco, name, version)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", errors.Wrapf(err, "creating directories for %s", path)
	}
	f, err := s.fs.Create(path)
	if err != nil {
		return nil, "", errors.Wrapf(err, "creating report %s", path)
	}
	return f, filepath.Join(s.fs.Root(), path), nil
}

var _ Store = (*FilesystemStore)(nil)
