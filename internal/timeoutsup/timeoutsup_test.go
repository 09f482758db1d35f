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

package timeoutsup

import (
	"context"
	"testing"
	"time"

	"github.com/google/dynamicanalysis/internal/container"
	"github.com/google/dynamicanalysis/internal/queue"
	"github.com/google/dynamicanalysis/internal/taskstore"
	"github.com/google/dynamicanalysis/pkg/purl"
)

type fakeExecutor struct {
	stopped []string
}

func (f *fakeExecutor) Execute(ctx context.Context, opts container.CommandOptions, name string, args ...string) (string, string, error) {
	if len(args) > 0 && args[0] == "stop" {
		f.stopped = append(f.stopped, args[len(args)-1])
	}
	return "", "", nil
}

func (f *fakeExecutor) LookPath(file string) (string, error) { return "/usr/bin/" + file, nil }

func TestSweepTimesOutRunningTask(t *testing.T) {
	store := taskstore.NewMemoryStore()
	q := queue.New(store)
	exec := &fakeExecutor{}
	sup := &Supervisor{Tasks: store, Queue: q, Containers: container.New(exec)}

	task := &taskstore.Task{PURL: "pkg:npm/left-pad@1.3.0", Ecosystem: purl.NPM, TimeoutMinutes: 1}
	if err := store.Insert(context.Background(), task); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := store.Update(context.Background(), task.ID, func(tk *taskstore.Task) {
		tk.Status = taskstore.Running
		tk.StartedAt = time.Now().UTC().Add(-2 * time.Minute)
		tk.ContainerID = "abc123"
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	n, err := sup.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != taskstore.Failed || got.ErrorCategory != timeoutErrorCategory {
		t.Fatalf("task = %+v, want failed/timeout_error", got)
	}
	if got.ErrorDetails == nil || got.ErrorDetails.ContainerStopped == nil || !*got.ErrorDetails.ContainerStopped {
		t.Fatalf("ErrorDetails = %+v, want container_stopped=true", got.ErrorDetails)
	}
	if len(exec.stopped) != 1 || exec.stopped[0] != "abc123" {
		t.Fatalf("stopped containers = %v, want [abc123]", exec.stopped)
	}
}

func TestSweepIgnoresTaskWithinDeadline(t *testing.T) {
	store := taskstore.NewMemoryStore()
	q := queue.New(store)
	sup := &Supervisor{Tasks: store, Queue: q, Containers: container.New(&fakeExecutor{})}

	task := &taskstore.Task{PURL: "pkg:npm/left-pad@1.3.0", Ecosystem: purl.NPM, TimeoutMinutes: 30}
	if err := store.Insert(context.Background(), task); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := store.Update(context.Background(), task.ID, func(tk *taskstore.Task) {
		tk.Status = taskstore.Running
		tk.StartedAt = time.Now().UTC()
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	n, err := sup.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("Sweep() = %d, want 0", n)
	}
}
