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
	"errors"
	"io"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/google/dynamicanalysis/pkg/purl"
	"github.com/google/dynamicanalysis/pkg/report"
)

func TestFilesystemStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewFilesystemStore(memfs.New())
	env := report.Envelope{
		Metadata: report.Metadata{
			Package: report.PackageMetadata{Name: "django", Version: "1.11.1", Ecosystem: purl.PyPI, PURL: "pkg:pypi/django@1.11.1"},
		},
	}
	uri, err := WriteEnvelope(ctx, s, env)
	if err != nil {
		t.Fatalf("WriteEnvelope() = %v, want nil", err)
	}
	if uri == "" {
		t.Fatal("WriteEnvelope() returned empty URI")
	}
	got, err := ReadEnvelope(ctx, s, purl.PyPI, "django", "1.11.1")
	if err != nil {
		t.Fatalf("ReadEnvelope() = %v, want nil", err)
	}
	if got.Metadata.Package.PURL != env.Metadata.Package.PURL {
		t.Fatalf("ReadEnvelope().Metadata.Package.PURL = %q, want %q", got.Metadata.Package.PURL, env.Metadata.Package.PURL)
	}
}

func TestFilesystemStoreNotFound(t *testing.T) {
	s := NewFilesystemStore(memfs.New())
	_, _, err := s.Reader(context.Background(), purl.NPM, "leftpad", "1.0.0")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Reader() = %v, want ErrNotFound", err)
	}
}

func TestFilesystemStoreSanitizesScopedNames(t *testing.T) {
	ctx := context.Background()
	s := NewFilesystemStore(memfs.New())
	w, _, err := s.Writer(ctx, purl.NPM, "@angular/animation", "12.3.1")
	if err != nil {
		t.Fatalf("Writer() = %v, want nil", err)
	}
	if _, err := io.WriteString(w, "{}"); err != nil {
		t.Fatalf("WriteString() = %v, want nil", err)
	}
	w.Close()
	r, _, err := s.Reader(ctx, purl.NPM, "@angular/animation", "12.3.1")
	if err != nil {
		t.Fatalf("Reader() = %v, want nil", err)
	}
	r.Close()
}
