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

// Package container implements the sandbox container manager described
// in spec.md §4.8: observe/stop the external analyzer container and
// recover its logs on timeout. It has no start operation; the analyzer
// binary launches its own container. It shells out to the docker CLI
// through the same CommandExecutor abstraction the teacher uses for its
// local Docker build executor, so tests substitute a fake executor
// rather than requiring a live daemon.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// CommandOptions configures one command execution.
type CommandOptions struct {
	Dir string
}

// CommandExecutor abstracts docker CLI invocation for testability,
// grounded on pkg/build/local.CommandExecutor.
type CommandExecutor interface {
	// Execute runs a command and returns its stdout and stderr separately.
	Execute(ctx context.Context, opts CommandOptions, name string, args ...string) (stdout, stderr string, err error)
	LookPath(file string) (string, error)
}

// Info is the subset of `docker inspect` state C7/C9/C10 need.
type Info struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Image      string    `json:"image"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ExitCode   int       `json:"exit_code"`
	Running    bool      `json:"running"`
	Paused     bool      `json:"paused"`
	Restarting bool      `json:"restarting"`
}

// Manager drives the lifecycle of sandbox containers. It is the sole
// owner of the "docker" binary invocation; C7 and C9 both hold a
// reference to the same Manager.
type Manager struct {
	exec CommandExecutor
}

// New wraps the given CommandExecutor. A nil executor uses the real
// docker CLI via os/exec.
func New(exec CommandExecutor) *Manager {
	if exec == nil {
		exec = NewRealCommandExecutor()
	}
	return &Manager{exec: exec}
}

// dockerInspectRaw is the subset of `docker inspect` JSON this package
// decodes.
type dockerInspectRaw struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Config struct {
		Image string `json:"Image"`
	} `json:"Config"`
	State struct {
		Status     string `json:"Status"`
		Running    bool   `json:"Running"`
		Paused     bool   `json:"Paused"`
		Restarting bool   `json:"Restarting"`
		StartedAt  string `json:"StartedAt"`
		FinishedAt string `json:"FinishedAt"`
		ExitCode   int    `json:"ExitCode"`
	} `json:"State"`
}

// Inspect returns the current state of container id, or nil if docker
// reports it as unknown.
func (m *Manager) Inspect(ctx context.Context, id string) (*Info, error) {
	stdout, _, err := m.exec.Execute(ctx, CommandOptions{}, "docker", "inspect", id)
	if err != nil {
		// docker inspect exits non-zero for an unknown container; treat that
		// as "not found" rather than an error, per spec.md §4.8.
		return nil, nil
	}
	var raws []dockerInspectRaw
	if err := json.Unmarshal([]byte(stdout), &raws); err != nil {
		return nil, errors.Wrap(err, "parsing docker inspect output")
	}
	if len(raws) == 0 {
		return nil, nil
	}
	raw := raws[0]
	info := &Info{
		ID:         raw.ID,
		Name:       raw.Name,
		Image:      raw.Config.Image,
		Status:     raw.State.Status,
		ExitCode:   raw.State.ExitCode,
		Running:    raw.State.Running,
		Paused:     raw.State.Paused,
		Restarting: raw.State.Restarting,
	}
	info.StartedAt, _ = time.Parse(time.RFC3339Nano, raw.State.StartedAt)
	info.FinishedAt, _ = time.Parse(time.RFC3339Nano, raw.State.FinishedAt)
	return info, nil
}

// IsRunning reports whether id is currently running, via Inspect.
func (m *Manager) IsRunning(ctx context.Context, id string) (bool, error) {
	info, err := m.Inspect(ctx, id)
	if err != nil {
		return false, err
	}
	return info != nil && info.Running, nil
}

// Running is one entry of ListRunning's result.
type Running struct {
	ID     string
	Image  string
	Status string
	Name   string
}

// ListRunning returns every currently running sandbox container.
func (m *Manager) ListRunning(ctx context.Context) ([]Running, error) {
	stdout, _, err := m.exec.Execute(ctx, CommandOptions{}, "docker", "ps",
		"--format", "{{.ID}}\t{{.Image}}\t{{.Status}}\t{{.Names}}")
	if err != nil {
		return nil, errors.Wrap(err, "listing running containers")
	}
	var out []Running
	for _, line := range splitLines(stdout) {
		fields := splitTab(line)
		if len(fields) != 4 {
			continue
		}
		out = append(out, Running{ID: fields[0], Image: fields[1], Status: fields[2], Name: fields[3]})
	}
	return out, nil
}

// Stop attempts a graceful stop with the given grace period, falling
// back to a force-kill if the stop itself fails. Returns whether the
// container ended up stopped.
func (m *Manager) Stop(ctx context.Context, id string, timeout time.Duration) bool {
	secs := int(timeout.Seconds())
	if secs <= 0 {
		secs = 1
	}
	_, _, err := m.exec.Execute(ctx, CommandOptions{}, "docker", "stop", "-t", fmt.Sprint(secs), id)
	if err == nil {
		return true
	}
	_, _, err = m.exec.Execute(ctx, CommandOptions{}, "docker", "kill", id)
	return err == nil
}

// Remove deletes the container record. If force is true, a running
// container is killed first.
func (m *Manager) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, id)
	_, _, err := m.exec.Execute(ctx, CommandOptions{}, "docker", args...)
	return errors.Wrap(err, "removing container")
}

// GetLogs returns the last tailN lines of combined stdout+stderr. On
// error it returns a human-readable message rather than propagating the
// error, per spec.md §4.8.
func (m *Manager) GetLogs(ctx context.Context, id string, tailN int) string {
	if tailN <= 0 {
		tailN = 50
	}
	stdout, stderr, err := m.exec.Execute(ctx, CommandOptions{}, "docker", "logs", "--tail", fmt.Sprint(tailN), id)
	if err != nil {
		return fmt.Sprintf("could not retrieve logs for container %s: %v", id, err)
	}
	return stdout + stderr
}

// CleanupStopped prunes stopped containers and returns the count
// removed.
func (m *Manager) CleanupStopped(ctx context.Context) (int, error) {
	stdout, _, err := m.exec.Execute(ctx, CommandOptions{}, "docker", "container", "prune", "-f")
	if err != nil {
		return 0, errors.Wrap(err, "pruning stopped containers")
	}
	return countPrunedIDs(stdout), nil
}

// idPattern matches a 12- or 64-char hex container ID token.
var idPattern = regexp.MustCompile(`\b[0-9a-f]{12}(?:[0-9a-f]{52})?\b`)

// namedPattern matches a `--name <token>` flag.
var namedPattern = regexp.MustCompile(`--name[= ]([\w.-]+)`)

// ExtractIDFromCommand returns the first 12- or 64-char hex token, or
// named --name token, found in s, or "" if none is present. Ported in
// semantics (not code) from the original implementation's
// extract_container_id_from_command regex cascade.
func ExtractIDFromCommand(s string) string {
	if m := idPattern.FindString(s); m != "" {
		return m
	}
	if m := namedPattern.FindStringSubmatch(s); len(m) == 2 {
		return m[1]
	}
	return ""
}

func countPrunedIDs(pruneOutput string) int {
	count := 0
	inBlock := false
	for _, line := range splitLines(pruneOutput) {
		if line == "Deleted Containers:" {
			inBlock = true
			continue
		}
		if inBlock {
			if line == "" || bytes.HasPrefix([]byte(line), []byte("Total reclaimed")) {
				break
			}
			count++
		}
	}
	return count
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, trimCR(s[start:i]))
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, trimCR(s[start:]))
	}
	return out
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

func splitTab(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\t' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
