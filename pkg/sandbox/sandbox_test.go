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

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/dynamicanalysis/pkg/purl"
)

// writeFakeAnalyzer writes a shell script standing in for the real
// analyzer binary: it echoes a docker-style launch line (carrying a
// 12-hex-char container id) to stdout, per spec.md §4.8's
// extract_id_from_command contract, then writes an empty result file
// at the path given after "-output".
func writeFakeAnalyzer(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-analyzer.sh")
	script := `#!/bin/sh
echo "docker run -d --name sandbox abcdef012345 pacman:latest"
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-output" ]; then
    shift
    out="$1"
  fi
  shift
done
echo '{}' > "$out"
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake analyzer: %v", err)
	}
	return path
}

func TestRunExtractsContainerIDFromOutput(t *testing.T) {
	r := Runner{BinaryPath: writeFakeAnalyzer(t), OutputDir: t.TempDir()}
	res, err := r.Run(context.Background(), Request{Ecosystem: purl.NPM, PackageName: "left-pad", Version: "1.3.0"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.ContainerID != "abcdef012345" {
		t.Fatalf("ContainerID = %q, want %q", res.ContainerID, "abcdef012345")
	}
}
