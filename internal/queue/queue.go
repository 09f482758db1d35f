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

// Package queue implements the single-consumer, many-producer task
// queue described in spec.md §4.6, layered on taskstore.Store's
// transactional Enqueue/Renumber primitives.
package queue

import (
	"context"

	"github.com/google/dynamicanalysis/internal/taskstore"
	"github.com/pkg/errors"
)

// Queue hands tasks from many admission-controller producers to the
// single worker consumer.
type Queue struct {
	store taskstore.Store
}

// New wraps the given task store.
func New(store taskstore.Store) *Queue {
	return &Queue{store: store}
}

// Enqueue transitions id from pending to queued, assigning it the
// position one past the current maximum queued position.
func (q *Queue) Enqueue(ctx context.Context, id string) (int, error) {
	pos, err := q.store.Enqueue(ctx, id)
	if err != nil {
		return 0, errors.Wrap(err, "enqueuing task")
	}
	return pos, nil
}

// Head returns the task at the front of the queue (priority descending,
// queued_at ascending), or nil if the queue is empty.
func (q *Queue) Head(ctx context.Context) (*taskstore.Task, error) {
	queued, err := q.store.FindQueued(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing queued tasks")
	}
	if len(queued) == 0 {
		return nil, nil
	}
	return queued[0], nil
}

// Renumber reassigns dense positions (1..N) to all queued tasks. Called
// after any task leaves the queue (completion, timeout) so reported
// positions never develop gaps.
func (q *Queue) Renumber(ctx context.Context) error {
	if err := q.store.Renumber(ctx); err != nil {
		return errors.Wrap(err, "renumbering queue")
	}
	return nil
}

// Status summarizes the queue for the queue_status operation.
type Status struct {
	Queued  []QueuedEntry
	Running *RunningEntry
}

// QueuedEntry is one queued task's external-facing summary.
type QueuedEntry struct {
	TaskID        string
	PURL          string
	QueuePosition int
	Priority      int
	QueuedAt      string
}

// RunningEntry is the running task's external-facing summary, if any.
type RunningEntry struct {
	TaskID    string
	PURL      string
	StartedAt string
}

// Snapshot builds a Status from the current store state.
func (q *Queue) Snapshot(ctx context.Context) (Status, error) {
	queued, err := q.store.FindQueued(ctx)
	if err != nil {
		return Status{}, errors.Wrap(err, "listing queued tasks")
	}
	var st Status
	for _, t := range queued {
		st.Queued = append(st.Queued, QueuedEntry{
			TaskID:        t.ID,
			PURL:          t.PURL,
			QueuePosition: t.QueuePosition,
			Priority:      t.Priority,
			QueuedAt:      t.QueuedAt.Format(rfc3339),
		})
	}
	running, err := q.store.FindRunning(ctx)
	if err != nil {
		return Status{}, errors.Wrap(err, "finding running task")
	}
	if running != nil {
		st.Running = &RunningEntry{TaskID: running.ID, PURL: running.PURL, StartedAt: running.StartedAt.Format(rfc3339)}
	}
	return st, nil
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"
