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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/google/dynamicanalysis/internal/container"
	"github.com/google/dynamicanalysis/internal/queue"
	"github.com/google/dynamicanalysis/internal/reportstore"
	"github.com/google/dynamicanalysis/internal/taskstore"
	"github.com/google/dynamicanalysis/pkg/purl"
	"github.com/google/dynamicanalysis/pkg/sandbox"
)

type fakeContainerExecutor struct {
	stopped []string
}

func (f *fakeContainerExecutor) Execute(ctx context.Context, opts container.CommandOptions, name string, args ...string) (string, string, error) {
	if len(args) > 0 && args[0] == "stop" {
		f.stopped = append(f.stopped, args[len(args)-1])
	}
	return "", "", nil
}

func (f *fakeContainerExecutor) LookPath(file string) (string, error) { return "/usr/bin/" + file, nil }

type fakeSandbox struct {
	run func(ctx context.Context, req sandbox.Request) (sandbox.Result, error)
}

func (f *fakeSandbox) Run(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	return f.run(ctx, req)
}

func newTestWorker(t *testing.T, run func(ctx context.Context, req sandbox.Request) (sandbox.Result, error)) (*Worker, *taskstore.MemoryStore) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	q := queue.New(store)
	return &Worker{
		Tasks:   store,
		Queue:   q,
		Sandbox: &fakeSandbox{run: run},
		Reports: reportstore.NewFilesystemStore(memfs.New()),
	}, store
}

func writeResultFile(t *testing.T, raw sandbox.RawReport) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "result.json")
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshaling raw report: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing result file: %v", err)
	}
	return path
}

func insertQueuedTask(t *testing.T, store *taskstore.MemoryStore, p purl.Package, rawPURL string) *taskstore.Task {
	t.Helper()
	task := &taskstore.Task{
		PURL: rawPURL, PackageName: p.Name, PackageVersion: p.Version, Ecosystem: p.Ecosystem,
		TimeoutMinutes: 30,
	}
	if err := store.Insert(context.Background(), task); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := store.Enqueue(context.Background(), task.ID); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return task
}

func TestRunIterationSuccess(t *testing.T) {
	raw := sandbox.RawReport{
		Install: sandbox.RawPhase{Commands: []string{"pip install requests"}},
		Execute: sandbox.RawPhase{
			Files:    []sandbox.RawFileAccess{{Path: "/tmp/x", Op: "write"}},
			Syscalls: []string{"Enter: open", "Exit: 0"},
		},
	}
	resultPath := writeResultFile(t, raw)
	w, store := newTestWorker(t, func(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{ExitCode: 0, ResultPath: resultPath}, nil
	})

	task := insertQueuedTask(t, store, purl.Package{Ecosystem: purl.PyPI, Name: "requests", Version: "2.28.1"}, "pkg:pypi/requests@2.28.1")

	advanced, err := w.runIteration(context.Background())
	if err != nil {
		t.Fatalf("runIteration() error = %v", err)
	}
	if !advanced {
		t.Fatal("runIteration() advanced = false, want true")
	}
	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != taskstore.Completed {
		t.Fatalf("Status = %q, want completed", got.Status)
	}
	if got.DownloadURL == "" || got.ReportID == "" {
		t.Fatalf("task = %+v, want download_url and report_id set", got)
	}
}

func TestRunIterationFailureClassification(t *testing.T) {
	w, store := newTestWorker(t, func(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{ExitCode: 127, Stderr: "exec: \"pacman\": executable file not found in $PATH"}, nil
	})
	task := insertQueuedTask(t, store, purl.Package{Ecosystem: purl.NPM, Name: "left-pad", Version: "1.3.0"}, "pkg:npm/left-pad@1.3.0")

	if _, err := w.runIteration(context.Background()); err != nil {
		t.Fatalf("runIteration() error = %v", err)
	}
	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != taskstore.Failed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
	if got.ErrorCategory != CategoryCommandNotFound {
		t.Fatalf("ErrorCategory = %q, want %q", got.ErrorCategory, CategoryCommandNotFound)
	}
}

func TestRunIterationFailureStopsContainer(t *testing.T) {
	exec := &fakeContainerExecutor{}
	w, store := newTestWorker(t, func(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{
			ExitCode: 1, ContainerID: "abcdef012345",
			Stderr: "analysis failed",
		}, nil
	})
	w.Containers = container.New(exec)
	task := insertQueuedTask(t, store, purl.Package{Ecosystem: purl.NPM, Name: "left-pad", Version: "1.3.0"}, "pkg:npm/left-pad@1.3.0")

	if _, err := w.runIteration(context.Background()); err != nil {
		t.Fatalf("runIteration() error = %v", err)
	}
	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != taskstore.Failed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
	if got.ContainerID != "abcdef012345" {
		t.Fatalf("ContainerID = %q, want abcdef012345", got.ContainerID)
	}
	if len(exec.stopped) != 1 || exec.stopped[0] != "abcdef012345" {
		t.Fatalf("stopped containers = %v, want [abcdef012345]", exec.stopped)
	}
}

func TestRunIterationSkipsWhenRunning(t *testing.T) {
	w, store := newTestWorker(t, func(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
		t.Fatal("sandbox should not run while another task is running")
		return sandbox.Result{}, nil
	})
	running := &taskstore.Task{PURL: "pkg:pypi/a@1.0.0", Ecosystem: purl.PyPI, TimeoutMinutes: 30}
	if err := store.Insert(context.Background(), running); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := store.Update(context.Background(), running.ID, func(t *taskstore.Task) {
		t.Status = taskstore.Running
		t.StartedAt = time.Now().UTC()
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	insertQueuedTask(t, store, purl.Package{Ecosystem: purl.PyPI, Name: "b", Version: "1.0.0"}, "pkg:pypi/b@1.0.0")

	advanced, err := w.runIteration(context.Background())
	if err != nil {
		t.Fatalf("runIteration() error = %v", err)
	}
	if advanced {
		t.Fatal("runIteration() advanced = true, want false (another task running)")
	}
}

func TestRunIterationLateCacheHit(t *testing.T) {
	w, store := newTestWorker(t, func(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
		t.Fatal("sandbox should not run on a late cache hit")
		return sandbox.Result{}, nil
	})
	done := &taskstore.Task{
		PURL: "pkg:pypi/django@1.11.1", Ecosystem: purl.PyPI, PackageName: "django", PackageVersion: "1.11.1",
		TimeoutMinutes: 30,
	}
	if err := store.Insert(context.Background(), done); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := store.Update(context.Background(), done.ID, func(t *taskstore.Task) {
		t.Status = taskstore.Completed
		t.ReportID = "pypi/django/1.11.1"
		t.DownloadURL = "https://example.com/reports/pypi/django/1.11.1.json"
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	dup := insertQueuedTask(t, store, purl.Package{Ecosystem: purl.PyPI, Name: "django", Version: "1.11.1"}, "pkg:pypi/django@1.11.1")

	advanced, err := w.runIteration(context.Background())
	if err != nil {
		t.Fatalf("runIteration() error = %v", err)
	}
	if !advanced {
		t.Fatal("runIteration() advanced = false, want true")
	}
	got, err := store.Get(context.Background(), dup.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != taskstore.Completed || got.DownloadURL != "https://example.com/reports/pypi/django/1.11.1.json" {
		t.Fatalf("task = %+v, want folded into the existing completed report", got)
	}
}
