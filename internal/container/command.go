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

package container

import (
	"bytes"
	"context"
	"log"
	"os/exec"
)

// realCommandExecutor runs docker via os/exec, mirroring
// pkg/build/local.realCommandExecutor.
type realCommandExecutor struct{}

// NewRealCommandExecutor returns a CommandExecutor backed by os/exec. It
// checks for "docker" on PATH up front, the same preflight
// pkg/build/local.NewDockerRunExecutor does, but only warns: the binary
// may appear on PATH later, and failing every Manager method call gives
// a clearer signal than refusing to construct one.
func NewRealCommandExecutor() CommandExecutor {
	r := &realCommandExecutor{}
	if _, err := r.LookPath("docker"); err != nil {
		log.Printf("warning: docker not found on PATH: %v", err)
	}
	return r
}

func (r *realCommandExecutor) Execute(ctx context.Context, opts CommandOptions, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (r *realCommandExecutor) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}
