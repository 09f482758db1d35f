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

// Package admission implements the admission controller described in
// spec.md §4.5: short-circuit on a cache hit, dedupe against an active
// task for the same PURL, replay idempotent resubmissions, and otherwise
// enqueue a new Task, in that exact order.
package admission

import (
	"context"
	"time"

	"github.com/google/dynamicanalysis/internal/cache"
	"github.com/google/dynamicanalysis/internal/queue"
	"github.com/google/dynamicanalysis/internal/reportstore"
	"github.com/google/dynamicanalysis/internal/taskstore"
	"github.com/google/dynamicanalysis/pkg/purl"
	"github.com/google/dynamicanalysis/pkg/report"
	"github.com/pkg/errors"
)

// Controller wires C5 to the task store, queue, and report store.
type Controller struct {
	Tasks   taskstore.Store
	Queue   *queue.Queue
	Reports reportstore.Store

	// MediaBaseURL is the public base URL predicted download URLs are
	// built from, per spec.md §4.4.
	MediaBaseURL string

	// DedupeWindow bounds how far back an "active duplicate" (spec.md
	// §4.5 step 2) is honored. Defaults to 24h.
	DedupeWindow time.Duration

	// burstCache coalesces concurrent admissions for the same PURL
	// (spec.md §9 notes a "burst of identical submissions queued before
	// the first result lands"), so a stampede of simultaneous requests
	// for one package costs one round trip to the task store instead of
	// one per request. It is deliberately NOT consulted by the race
	// window guard (step 3), which must read fresh data to serve as an
	// optimistic fence against the coalescing window itself.
	burstCache cache.Cache
}

// New constructs a Controller with a fresh burst-coalescing cache.
func New(tasks taskstore.Store, q *queue.Queue, reports reportstore.Store, mediaBaseURL string) *Controller {
	return &Controller{
		Tasks: tasks, Queue: q, Reports: reports, MediaBaseURL: mediaBaseURL,
		DedupeWindow: 24 * time.Hour,
		burstCache:   &cache.CoalescingMemoryCache{},
	}
}

func (c *Controller) dedupeWindow() time.Duration {
	if c.DedupeWindow > 0 {
		return c.DedupeWindow
	}
	return 24 * time.Hour
}

// Status mirrors taskstore.Status for the admission response, keeping
// this package's public surface independent of the store's internal
// representation.
type Status = taskstore.Status

// Result is what Submit returns; exactly one of the status-specific
// fields is meaningful depending on Status.
type Result struct {
	Status        Status
	TaskID        string
	QueuePosition int // >0 only when Status==Queued
	ResultURL     string
	DownloadURL   string // set only when Status==Completed
	ReportMeta    *ReportMetadata
}

// ReportMetadata is the filename/created_at summary returned alongside
// a cache-hit completed Task. It carries no report size.
type ReportMetadata struct {
	Filename  string
	CreatedAt time.Time
}

// Submission is the parsed request Submit acts on.
type Submission struct {
	PURL           purl.Package
	RawPURL        string
	CredentialID   string
	Priority       int
	IdempotencyKey string
	TimeoutMinutes int
	Source         taskstore.Source
}

func predictedURL(mediaBase string, p purl.Package) string {
	if mediaBase == "" {
		return "/" + report.RelativePath(p.Ecosystem, p.Name, p.Version)
	}
	return mediaBase + "/" + report.RelativePath(p.Ecosystem, p.Name, p.Version)
}

// Submit runs the six-step admission algorithm of spec.md §4.5.
func (c *Controller) Submit(ctx context.Context, sub Submission) (Result, error) {
	predicted := predictedURL(c.MediaBaseURL, sub.PURL)

	// Steps 1-2, coalesced across concurrent identical submissions.
	lk, err := c.lookup(ctx, sub.RawPURL)
	if err != nil {
		return Result{}, errors.Wrap(err, "looking up prior tasks")
	}
	if lk.completed != nil {
		meta, err := c.rematerialize(ctx, lk.completed, sub.PURL)
		if err != nil {
			return Result{}, errors.Wrap(err, "re-materializing cached report")
		}
		return Result{Status: taskstore.Completed, TaskID: lk.completed.ID, DownloadURL: lk.completed.DownloadURL, ReportMeta: meta}, nil
	}
	if lk.active != nil {
		return activeResult(lk.active, predicted), nil
	}

	// Step 3: race window guard, deliberately bypassing burstCache.
	since := time.Now().UTC().Add(-time.Minute)
	raceGuard, err := c.findActive(ctx, sub.RawPURL, since)
	if err != nil {
		return Result{}, errors.Wrap(err, "race window guard")
	}
	if raceGuard != nil {
		return activeResult(raceGuard, predicted), nil
	}

	// Step 4: idempotency replay.
	if sub.IdempotencyKey != "" {
		existing, err := c.Tasks.FindByIdempotencyKey(ctx, sub.CredentialID, sub.IdempotencyKey)
		if err != nil && !errors.Is(err, taskstore.ErrNotFound) {
			return Result{}, errors.Wrap(err, "idempotency lookup")
		}
		if err == nil {
			return replayResult(existing, predicted), nil
		}
	}

	// Step 5: create.
	timeout := sub.TimeoutMinutes
	if timeout <= 0 {
		timeout = 30
	}
	task := &taskstore.Task{
		CredentialID: sub.CredentialID, Source: sub.Source,
		PURL: sub.RawPURL, PackageName: sub.PURL.Name, PackageVersion: sub.PURL.Version, Ecosystem: sub.PURL.Ecosystem,
		Qualifiers: sub.PURL.Qualifiers, IdempotencyKey: sub.IdempotencyKey,
		Priority: sub.Priority, TimeoutMinutes: timeout,
	}
	if err := c.Tasks.Insert(ctx, task); err != nil {
		if errors.Is(err, taskstore.ErrDuplicateIdempotencyKey) {
			existing, ferr := c.Tasks.FindByIdempotencyKey(ctx, sub.CredentialID, sub.IdempotencyKey)
			if ferr != nil {
				return Result{}, errors.Wrap(ferr, "resolving idempotency race")
			}
			return replayResult(existing, predicted), nil
		}
		return Result{}, errors.Wrap(err, "inserting task")
	}

	// Step 6: enqueue. Status and queue position are assigned together
	// by this single Enqueue call, so a task is never queued without a
	// position; on error the task stays pending, visible to the next
	// admission's duplicate check, and the error is returned.
	position, err := c.Queue.Enqueue(ctx, task.ID)
	if err != nil {
		return Result{}, errors.Wrap(err, "enqueuing task")
	}
	return Result{Status: taskstore.Queued, TaskID: task.ID, QueuePosition: position, ResultURL: predicted}, nil
}

func activeResult(t *taskstore.Task, predicted string) Result {
	r := Result{Status: t.Status, TaskID: t.ID, ResultURL: predicted}
	if t.Status == taskstore.Queued {
		r.QueuePosition = t.QueuePosition
	}
	return r
}

func replayResult(t *taskstore.Task, predicted string) Result {
	r := activeResult(t, predicted)
	if t.Status == taskstore.Completed {
		r.DownloadURL = t.DownloadURL
	}
	return r
}

type lookupResult struct {
	completed *taskstore.Task
	active    *taskstore.Task
}

// lookup performs spec.md §4.5 steps 1-2 as a single coalesced unit:
// concurrent Submit calls for the same PURL share one round trip to the
// task store rather than each issuing their own FindByPURL queries.
func (c *Controller) lookup(ctx context.Context, rawPURL string) (lookupResult, error) {
	v, err := c.burstCache.GetOrSet(rawPURL, func() (any, error) {
		completed, err := c.findLatestCompleted(ctx, rawPURL)
		if err != nil {
			return nil, err
		}
		var active *taskstore.Task
		if completed == nil {
			active, err = c.findActive(ctx, rawPURL, time.Now().UTC().Add(-c.dedupeWindow()))
			if err != nil {
				return nil, err
			}
		}
		return lookupResult{completed: completed, active: active}, nil
	})
	// One-shot: don't let a later, distinct burst observe this result.
	c.burstCache.Del(rawPURL)
	if err != nil {
		return lookupResult{}, err
	}
	return v.(lookupResult), nil
}

func (c *Controller) findLatestCompleted(ctx context.Context, rawPURL string) (*taskstore.Task, error) {
	tasks, err := c.Tasks.FindByPURL(ctx, rawPURL, []taskstore.Status{taskstore.Completed}, time.Time{}, 1)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 || tasks[0].ReportID == "" {
		return nil, nil
	}
	return tasks[0], nil
}

func (c *Controller) findActive(ctx context.Context, rawPURL string, since time.Time) (*taskstore.Task, error) {
	tasks, err := c.Tasks.FindByPURL(ctx, rawPURL, []taskstore.Status{taskstore.Pending, taskstore.Queued, taskstore.Running}, since, 1)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// rematerialize ensures the completed task's report is readable at its
// canonical path and returns its metadata for the cache-hit response,
// per spec.md §4.5 step 1.
func (c *Controller) rematerialize(ctx context.Context, t *taskstore.Task, p purl.Package) (*ReportMetadata, error) {
	env, err := reportstore.ReadEnvelope(ctx, c.Reports, p.Ecosystem, p.Name, p.Version)
	if err != nil {
		if errors.Is(err, reportstore.ErrNotFound) {
			// The report record exists in the task but its file is gone;
			// nothing to re-materialize from. The caller still has a
			// stable (if currently 404ing) download_url.
			return nil, nil
		}
		return nil, err
	}
	if _, err := reportstore.WriteEnvelope(ctx, c.Reports, env); err != nil {
		return nil, err
	}
	return &ReportMetadata{Filename: report.RelativePath(p.Ecosystem, p.Name, p.Version), CreatedAt: env.Metadata.CreatedAt}, nil
}
