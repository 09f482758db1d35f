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
	"context"
	"strings"
	"testing"
)

type fakeExecutor struct {
	fn func(ctx context.Context, opts CommandOptions, name string, args ...string) (string, string, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, opts CommandOptions, name string, args ...string) (string, string, error) {
	return f.fn(ctx, opts, name, args...)
}

func (f *fakeExecutor) LookPath(file string) (string, error) { return "/usr/bin/" + file, nil }

func TestInspectRunning(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, opts CommandOptions, name string, args ...string) (string, string, error) {
		if name != "docker" || args[0] != "inspect" {
			t.Fatalf("unexpected command: %s %v", name, args)
		}
		return `[{"Id":"abc123","Name":"/sandbox-abc","Config":{"Image":"pacman:latest"},"State":{"Status":"running","Running":true,"StartedAt":"2026-01-01T00:00:00Z","ExitCode":0}}]`, "", nil
	}}
	m := New(exec)
	info, err := m.Inspect(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if info == nil || !info.Running || info.Image != "pacman:latest" {
		t.Fatalf("Inspect() = %+v, want running pacman container", info)
	}
}

func TestInspectUnknown(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, opts CommandOptions, name string, args ...string) (string, string, error) {
		return "", "Error: No such object", errUnknown
	}}
	m := New(exec)
	info, err := m.Inspect(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Inspect() error = %v, want nil", err)
	}
	if info != nil {
		t.Fatalf("Inspect() = %+v, want nil", info)
	}
}

var errUnknown = &execError{"exit status 1"}

type execError struct{ msg string }

func (e *execError) Error() string { return e.msg }

func TestStopFallsBackToKill(t *testing.T) {
	var calls []string
	exec := &fakeExecutor{fn: func(ctx context.Context, opts CommandOptions, name string, args ...string) (string, string, error) {
		calls = append(calls, strings.Join(args, " "))
		if args[0] == "stop" {
			return "", "", errUnknown
		}
		return "", "", nil
	}}
	m := New(exec)
	if !m.Stop(context.Background(), "abc123", 0) {
		t.Fatal("Stop() = false, want true (fallback to kill)")
	}
	if len(calls) != 2 || calls[1] != "kill abc123" {
		t.Fatalf("calls = %v, want stop then kill", calls)
	}
}

func TestGetLogsFailureIsHumanReadable(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, opts CommandOptions, name string, args ...string) (string, string, error) {
		return "", "", errUnknown
	}}
	m := New(exec)
	msg := m.GetLogs(context.Background(), "abc123", 50)
	if !strings.Contains(msg, "abc123") {
		t.Fatalf("GetLogs() = %q, want it to mention the container id", msg)
	}
}

func TestExtractIDFromCommand(t *testing.T) {
	full64 := strings.Repeat("0123456789abcdef", 4)
	cases := map[string]string{
		"docker run --rm abcdef123456 pacman":   "abcdef123456",
		"docker run --name sandbox-7f3a pacman": "sandbox-7f3a",
		"container " + full64 + " started":      full64,
		"nothing to see here":                   "",
	}
	for cmd, want := range cases {
		if got := ExtractIDFromCommand(cmd); got != want {
			t.Errorf("ExtractIDFromCommand(%q) = %q, want %q", cmd, got, want)
		}
	}
}
