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

package worker

import (
	"strings"

	"github.com/google/dynamicanalysis/pkg/sandbox"
)

// Error categories, the wire representation of spec.md §7's taxonomy.
const (
	CategoryDockerImage     = "docker_image_error"
	CategoryDockerError     = "docker_error"
	CategoryCommandNotFound = "command_not_found"
	CategoryTimeout         = "timeout_error"
	CategoryPermission      = "permission_error"
	CategoryAnalysis        = "analysis_error"
	CategoryResultParsing   = "result_parsing_error"
	CategoryResultFile      = "result_file_error"
	CategoryUnknown         = "unknown_error"
)

// AnalysisError carries a classified sandbox failure through to the
// persisted Task, per spec.md §7. It is the canonical propagation form
// the worker builds from a raw sandbox.Result and/or Go error, in place
// of ad-hoc string matching scattered through the caller.
type AnalysisError struct {
	Category string
	ExitCode *int
	Stderr   string
	Stdout   string
	Command  string
	inner    error
}

func (e *AnalysisError) Error() string {
	if e.inner != nil {
		return e.Category + ": " + e.inner.Error()
	}
	return e.Category
}

func (e *AnalysisError) Unwrap() error { return e.inner }

// classifyInvocation maps a sandbox.Result and the error Run() returned
// onto the taxonomy in spec.md §7 by inspecting the exit code and
// stderr text, the way the original implementation's exception handlers
// did, expressed here as a single decision table instead of scattered
// string matches.
func classifyInvocation(res sandbox.Result, runErr error) *AnalysisError {
	exit := res.ExitCode
	base := &AnalysisError{ExitCode: &exit, Stderr: res.Stderr, Stdout: res.Stdout, inner: runErr}
	stderrLower := strings.ToLower(res.Stderr)
	switch {
	case runErr != nil && strings.Contains(runErr.Error(), "context deadline exceeded"):
		base.Category = CategoryTimeout
	case exit == 125:
		base.Category = CategoryDockerError
	case exit == 127:
		base.Category = CategoryCommandNotFound
	case strings.Contains(stderrLower, "no such image") || strings.Contains(stderrLower, "pull access denied") ||
		strings.Contains(stderrLower, "manifest unknown"):
		base.Category = CategoryDockerImage
	case strings.Contains(stderrLower, "permission denied") || strings.Contains(stderrLower, "access denied"):
		base.Category = CategoryPermission
	case exit != 0:
		base.Category = CategoryAnalysis
	default:
		base.Category = CategoryUnknown
	}
	return base
}

// classifyResultFileMissing builds the result_file_error category for
// when the analyzer exits 0 but never wrote its output file.
func classifyResultFileMissing(res sandbox.Result, err error) *AnalysisError {
	return &AnalysisError{Category: CategoryResultFile, Stdout: res.Stdout, Stderr: res.Stderr, inner: err}
}

// classifyResultParsing builds the result_parsing_error category for
// when the output file exists but isn't valid JSON.
func classifyResultParsing(res sandbox.Result, err error) *AnalysisError {
	return &AnalysisError{Category: CategoryResultParsing, Stdout: res.Stdout, Stderr: res.Stderr, inner: err}
}
