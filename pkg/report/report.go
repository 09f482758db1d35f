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

// Package report defines the persisted JSON shape of a dynamic analysis
// report, per spec.md §6.
package report

import (
	"path"
	"strings"
	"time"

	"github.com/google/dynamicanalysis/pkg/purl"
)

// Phase is one of the two operational phases the sandbox reports on.
type Phase struct {
	FileCount              int      `json:"file_count"`
	CommandCount           int      `json:"command_count"`
	NetworkConnectionCount int      `json:"network_connection_count"`
	SyscallCount           int      `json:"syscall_count"`
	FilesRead              []string `json:"files_read,omitempty"`
	FilesWritten           []string `json:"files_written,omitempty"`
	FilesDeleted           []string `json:"files_deleted,omitempty"`
	DNSQueries             []string `json:"dns_queries,omitempty"`
	Sockets                []Socket `json:"sockets,omitempty"`
	Commands               []string `json:"commands,omitempty"`
	Syscalls               []string `json:"syscalls,omitempty"`
}

// Socket is a single observed address/port/hostname triple.
type Socket struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Hostname string `json:"hostname,omitempty"`
}

// AnalysisResults is the derived, per-phase behavior summary described in
// spec.md §4.7.5.
type AnalysisResults struct {
	Install *Phase `json:"install,omitempty"`
	Execute *Phase `json:"execute,omitempty"`
	// YARA is an opaque extension point for post-processing findings; the
	// core never interprets it.
	YARA any `json:"yara_findings,omitempty"`
}

// PackageMetadata identifies the analyzed triple plus the originating PURL.
type PackageMetadata struct {
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Ecosystem purl.Ecosystem `json:"ecosystem"`
	PURL      string         `json:"purl"`
}

// AnalysisMetadata records the lifecycle timestamps of the run that
// produced this report.
type AnalysisMetadata struct {
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// APIVersion is the wire version stamped into every report's
// metadata.api.version field, per spec.md §6's envelope shape.
const APIVersion = "v1"

// APIMetadata records which instance of the service generated the report.
type APIMetadata struct {
	Version     string `json:"version"`
	Endpoint    string `json:"endpoint"`
	GeneratedBy string `json:"generated_by"`
}

// Metadata is the envelope metadata wrapping every persisted report.
type Metadata struct {
	CreatedAt time.Time        `json:"created_at"`
	Package   PackageMetadata  `json:"package"`
	Analysis  AnalysisMetadata `json:"analysis"`
	API       APIMetadata      `json:"api"`
}

// Envelope is the full on-disk/on-wire report document.
type Envelope struct {
	Metadata        Metadata        `json:"metadata"`
	AnalysisResults AnalysisResults `json:"analysis_results"`
}

// sanitize replaces path separators so a package name is safe to use as a
// single path component.
func sanitize(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_")
	return r.Replace(name)
}

// RelativePath returns the canonical on-disk/URL path for a report
// identified by the given triple, relative to the reports root.
func RelativePath(eco purl.Ecosystem, name, version string) string {
	return path.Join("reports", string(eco), sanitize(name), version+".json")
}
