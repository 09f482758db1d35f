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
	"regexp"

	"github.com/google/dynamicanalysis/pkg/report"
	"github.com/google/dynamicanalysis/pkg/sandbox"
)

// syscallEntryPattern recovers the syscall name from a raw strace-style
// log line, per spec.md §4.7 step 5.
var syscallEntryPattern = regexp.MustCompile(`^Enter:\s*(.*)`)

// deriveResults converts the analyzer's raw result file into the
// persisted, per-phase behavior summary described in spec.md §4.7.5.
func deriveResults(raw sandbox.RawReport) report.AnalysisResults {
	execute := raw.Execute
	if isEmptyPhase(execute) && !isEmptyPhase(raw.Import) {
		execute = raw.Import // import is a synonym for execute
	}
	return report.AnalysisResults{
		Install: derivePhase(raw.Install),
		Execute: derivePhase(execute),
		YARA:    raw.YARA,
	}
}

func isEmptyPhase(p sandbox.RawPhase) bool {
	return len(p.Files) == 0 && len(p.Sockets) == 0 && len(p.DNS) == 0 &&
		len(p.Commands) == 0 && len(p.Syscalls) == 0
}

func derivePhase(raw sandbox.RawPhase) *report.Phase {
	p := &report.Phase{
		CommandCount:           len(raw.Commands),
		NetworkConnectionCount: len(raw.Sockets),
		DNSQueries:             raw.DNS,
		Commands:               raw.Commands,
	}
	for _, f := range raw.Files {
		switch f.Op {
		case "read":
			p.FilesRead = append(p.FilesRead, f.Path)
		case "write":
			p.FilesWritten = append(p.FilesWritten, f.Path)
		case "delete":
			p.FilesDeleted = append(p.FilesDeleted, f.Path)
		}
	}
	p.FileCount = len(p.FilesRead) + len(p.FilesWritten) + len(p.FilesDeleted)
	for _, s := range raw.Sockets {
		p.Sockets = append(p.Sockets, report.Socket{Address: s.Address, Port: s.Port, Hostname: s.Hostname})
	}
	for _, line := range raw.Syscalls {
		if m := syscallEntryPattern.FindStringSubmatch(line); m != nil {
			p.Syscalls = append(p.Syscalls, m[1])
		}
	}
	p.SyscallCount = len(p.Syscalls)
	return p
}
