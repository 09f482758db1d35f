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

package admission

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/google/dynamicanalysis/internal/queue"
	"github.com/google/dynamicanalysis/internal/reportstore"
	"github.com/google/dynamicanalysis/internal/taskstore"
	"github.com/google/dynamicanalysis/pkg/purl"
)

func newTestController(t *testing.T) (*Controller, *taskstore.MemoryStore) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	q := queue.New(store)
	reports := reportstore.NewFilesystemStore(memfs.New())
	return New(store, q, reports, "https://example.com"), store
}

func mustSubmission(t *testing.T, raw string) Submission {
	t.Helper()
	p, err := purl.Parse(raw)
	if err != nil {
		t.Fatalf("purl.Parse(%q) error = %v", raw, err)
	}
	return Submission{PURL: p, RawPURL: raw, CredentialID: "cred-1", Source: taskstore.SourceAPI}
}

func TestSubmitCreatesAndEnqueues(t *testing.T) {
	c, store := newTestController(t)
	sub := mustSubmission(t, "pkg:pypi/requests@2.28.1")

	res, err := c.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Status != taskstore.Queued || res.QueuePosition != 1 {
		t.Fatalf("Result = %+v, want status=queued position=1", res)
	}
	task, err := store.Get(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.Status != taskstore.Queued || task.PackageName != "requests" {
		t.Fatalf("task = %+v", task)
	}
}

func TestSubmitActiveDuplicateReturnsExisting(t *testing.T) {
	c, _ := newTestController(t)
	sub := mustSubmission(t, "pkg:npm/left-pad@1.3.0")

	first, err := c.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	second, err := c.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if second.TaskID != first.TaskID {
		t.Fatalf("second Submit() created a new task %q, want reuse of %q", second.TaskID, first.TaskID)
	}
	if second.Status != taskstore.Queued {
		t.Fatalf("second Submit() status = %q, want queued", second.Status)
	}
}

func TestSubmitIdempotencyKeyReplays(t *testing.T) {
	c, _ := newTestController(t)
	sub := mustSubmission(t, "pkg:pypi/django@1.11.1")
	sub.IdempotencyKey = "req-42"

	first, err := c.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	other := mustSubmission(t, "pkg:pypi/django@1.11.1")
	other.IdempotencyKey = "req-42"
	second, err := c.Submit(context.Background(), other)
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if second.TaskID != first.TaskID {
		t.Fatalf("idempotent resubmission created a new task %q, want %q", second.TaskID, first.TaskID)
	}
}

func TestSubmitCacheHitOnCompletedTask(t *testing.T) {
	c, store := newTestController(t)
	p, err := purl.Parse("pkg:pypi/flask@2.0.0")
	if err != nil {
		t.Fatalf("purl.Parse() error = %v", err)
	}

	existing := &taskstore.Task{
		PURL: "pkg:pypi/flask@2.0.0", PackageName: p.Name, PackageVersion: p.Version, Ecosystem: p.Ecosystem,
		TimeoutMinutes: 30,
	}
	if err := store.Insert(context.Background(), existing); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := store.Update(context.Background(), existing.ID, func(tk *taskstore.Task) {
		tk.Status = taskstore.Completed
		tk.ReportID = "pypi/flask/2.0.0"
		tk.DownloadURL = "https://example.com/reports/pypi/flask/2.0.0.json"
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	res, err := c.Submit(context.Background(), mustSubmission(t, "pkg:pypi/flask@2.0.0"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Status != taskstore.Completed || res.TaskID != existing.ID {
		t.Fatalf("Result = %+v, want cache hit on %q", res, existing.ID)
	}
	if res.DownloadURL != existing.DownloadURL {
		t.Fatalf("DownloadURL = %q, want %q", res.DownloadURL, existing.DownloadURL)
	}
}

func TestSubmitDistinctPURLsDoNotCollide(t *testing.T) {
	c, _ := newTestController(t)
	a, err := c.Submit(context.Background(), mustSubmission(t, "pkg:npm/left-pad@1.3.0"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	b, err := c.Submit(context.Background(), mustSubmission(t, "pkg:npm/left-pad@1.3.1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if a.TaskID == b.TaskID {
		t.Fatalf("distinct versions shared a task: %q", a.TaskID)
	}
}
