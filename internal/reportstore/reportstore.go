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

// Package reportstore persists and retrieves addressable analysis report
// documents keyed by (ecosystem, package name, version), per spec.md §6.
package reportstore

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/dynamicanalysis/pkg/purl"
	"github.com/google/dynamicanalysis/pkg/report"
	"github.com/pkg/errors"
)

// ErrNotFound indicates the report requested could not be found.
var ErrNotFound = errors.New("report not found")

// Store is a storage mechanism for persisted analysis reports.
type Store interface {
	// Reader returns a reader for the report at the given coordinates and
	// the canonical URI it was read from.
	Reader(ctx context.Context, eco purl.Ecosystem, name, version string) (r io.ReadCloser, uri string, err error)

	// Writer returns a writer that will persist the report at the given
	// coordinates and the canonical URI it will be readable at.
	Writer(ctx context.Context, eco purl.Ecosystem, name, version string) (w io.WriteCloser, uri string, err error)
}

// WriteEnvelope encodes env as JSON and persists it to s, returning the
// URI it is readable at.
func WriteEnvelope(ctx context.Context, s Store, env report.Envelope) (string, error) {
	eco := env.Metadata.Package.Ecosystem
	name := env.Metadata.Package.Name
	version := env.Metadata.Package.Version
	w, uri, err := s.Writer(ctx, eco, name, version)
	if err != nil {
		return "", errors.Wrap(err, "opening report writer")
	}
	defer w.Close()
	if err := json.NewEncoder(w).Encode(env); err != nil {
		return "", errors.Wrap(err, "encoding report")
	}
	return uri, nil
}

// ReadEnvelope fetches and decodes the report at the given coordinates.
func ReadEnvelope(ctx context.Context, s Store, eco purl.Ecosystem, name, version string) (report.Envelope, error) {
	r, _, err := s.Reader(ctx, eco, name, version)
	if err != nil {
		return report.Envelope{}, err
	}
	defer r.Close()
	var env report.Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return report.Envelope{}, errors.Wrap(err, "decoding report")
	}
	return env, nil
}
