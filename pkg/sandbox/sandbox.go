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

// Package sandbox invokes the external, untrusted package analyzer
// program per spec.md §6 and reads back its JSON result file.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/dynamicanalysis/internal/container"
	"github.com/google/dynamicanalysis/pkg/purl"
	"github.com/pkg/errors"
)

// Request identifies what the sandbox should analyze.
type Request struct {
	Ecosystem   purl.Ecosystem
	PackageName string
	Version     string
	// ArchivePath, if set, points at a local archive to analyze instead of
	// resolving the package from its registry.
	ArchivePath string
}

// Result is the raw outcome of one sandbox invocation.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	ResultPath string
	// ContainerID, if the analyzer printed one, as extracted by the
	// container manager from the combined output.
	ContainerID string
}

// Runner invokes the external analyzer binary. The zero value uses "pacman"
// as the binary name, matching the original implementation's CLI entrypoint.
type Runner struct {
	// BinaryPath is the path to the analyzer executable.
	BinaryPath string
	// OutputDir is the directory the analyzer is told to write its JSON
	// result file into.
	OutputDir string
}

func (r Runner) binary() string {
	if r.BinaryPath != "" {
		return r.BinaryPath
	}
	return "pacman"
}

// Run executes the analyzer in dynamic, non-interactive mode and returns
// the raw process result. It does not interpret the result file; see
// ReadResultFile for that. The caller is responsible for imposing a deadline
// via ctx (the worker derives one from Task.TimeoutMinutes).
func (r Runner) Run(ctx context.Context, req Request) (Result, error) {
	target := req.ArchivePath
	if target == "" {
		target = req.PackageName
	}
	outPath := filepath.Join(r.outputDir(), resultFileName(req.PackageName))
	args := []string{
		"-ecosystem", string(req.Ecosystem),
		"-package", target,
		"-version", req.Version,
		"-mode", "dynamic",
		"-noninteractive",
		"-local-image",
		"-output", outPath,
	}
	cmd := exec.CommandContext(ctx, r.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	res := Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ResultPath: outPath,
	}
	// The analyzer's launch command (echoed to its own stdout/stderr by
	// the original implementation) carries the container ID it started;
	// recover it with the container manager's ExtractIDFromCommand, per
	// spec.md §4.8's extract_id_from_command.
	res.ContainerID = container.ExtractIDFromCommand(res.Stdout + res.Stderr)
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else if runErr == nil {
		res.ExitCode = 0
	} else {
		// LookPath failures and similar: no exit code, surface the error as-is.
		return res, errors.Wrap(runErr, "invoking analyzer")
	}
	return res, nil
}

func (r Runner) outputDir() string {
	if r.OutputDir != "" {
		return r.OutputDir
	}
	return os.TempDir()
}

// resultFileName keys the output file by the lower-cased package name, per
// spec.md §6 ("a JSON file at a well-known location keyed by lower-cased
// package name").
func resultFileName(packageName string) string {
	safe := strings.ReplaceAll(strings.ToLower(packageName), "/", "_")
	return safe + ".json"
}

// RawReport is the shape the analyzer writes to its result file, prior to
// derivation into report.AnalysisResults.
type RawReport struct {
	Install RawPhase `json:"install"`
	Execute RawPhase `json:"execute"`
	Import  RawPhase `json:"import"` // synonym for Execute, per spec.md §4.7.5
	YARA    any      `json:"yara_findings,omitempty"`
}

// RawPhase is the unprocessed per-phase trace the analyzer emits.
type RawPhase struct {
	Files    []RawFileAccess `json:"files,omitempty"`
	Sockets  []RawSocket     `json:"sockets,omitempty"`
	DNS      []string        `json:"dns,omitempty"`
	Commands []string        `json:"commands,omitempty"`
	// Syscalls is the raw strace-style log; entries are matched against
	// `^Enter:\s*(.*)` to recover the syscall name.
	Syscalls []string `json:"syscalls,omitempty"`
}

// RawFileAccess is one observed file operation.
type RawFileAccess struct {
	Path string `json:"path"`
	Op   string `json:"op"` // "read", "write", or "delete"
}

// RawSocket is one observed network connection.
type RawSocket struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Hostname string `json:"hostname,omitempty"`
}

// ReadResultFile reads and parses the analyzer's result file.
func ReadResultFile(path string) (RawReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RawReport{}, err
	}
	var raw RawReport
	if err := json.Unmarshal(data, &raw); err != nil {
		return RawReport{}, errors.Wrap(err, "parsing analyzer result file")
	}
	return raw, nil
}
