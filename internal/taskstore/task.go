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

// Package taskstore provides the durable Task record store described in
// spec.md §3 and §4.3: identity, lifecycle, execution, and result fields,
// plus the indexes and uniqueness constraints the rest of the pipeline
// relies on.
package taskstore

import (
	"context"
	"time"

	"github.com/google/dynamicanalysis/pkg/purl"
	"github.com/pkg/errors"
)

// Status is a Task's position in the lifecycle DAG described in spec.md §4.9.
type Status string

const (
	Pending   Status = "pending"
	Queued    Status = "queued"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Source records how a Task was admitted. It has no bearing on
// scheduling; it exists purely for operator observability, grounded on
// the original implementation's distinction between API-key submissions
// and management-command submissions.
type Source string

const (
	SourceAPI Source = "api"
	SourceCLI Source = "cli"
)

// ErrorDetails is the structured failure payload stored alongside a
// failed Task, per spec.md §7.
type ErrorDetails struct {
	ErrorType        string    `json:"error_type,omitempty" firestore:"error_type,omitempty"`
	ExitCode         *int      `json:"exit_code,omitempty" firestore:"exit_code,omitempty"`
	Stderr           string    `json:"stderr,omitempty" firestore:"stderr,omitempty"`
	Stdout           string    `json:"stdout,omitempty" firestore:"stdout,omitempty"`
	Command          string    `json:"command,omitempty" firestore:"command,omitempty"`
	TimeoutMinutes   int       `json:"timeout_minutes,omitempty" firestore:"timeout_minutes,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty" firestore:"started_at,omitempty"`
	TimedOutAt       time.Time `json:"timed_out_at,omitempty" firestore:"timed_out_at,omitempty"`
	ContainerID      string    `json:"container_id,omitempty" firestore:"container_id,omitempty"`
	ContainerStopped *bool     `json:"container_stopped,omitempty" firestore:"container_stopped,omitempty"`
}

// Task is one submission, tracked end-to-end per spec.md §3. Firestore
// struct tags give the document fields the query methods below filter
// and order on; json tags name the fields when a Task is encoded as
// JSON (the Query API handlers build their own wire types from it).
type Task struct {
	ID           string `firestore:"-" json:"id"`
	CredentialID string `firestore:"credential_id" json:"-"`
	Source       Source `firestore:"source" json:"source"`

	PURL           string            `firestore:"purl" json:"purl"`
	PackageName    string            `firestore:"package_name" json:"package_name"`
	PackageVersion string            `firestore:"package_version" json:"package_version"`
	Ecosystem      purl.Ecosystem    `firestore:"ecosystem" json:"ecosystem"`
	IdempotencyKey string            `firestore:"idempotency_key,omitempty" json:"-"` // empty means "not set"
	Qualifiers     map[string]string `firestore:"qualifiers,omitempty" json:"qualifiers,omitempty"`

	Status        Status    `firestore:"status" json:"status"`
	CreatedAt     time.Time `firestore:"created_at" json:"created_at"`
	QueuedAt      time.Time `firestore:"queued_at,omitempty" json:"queued_at,omitempty"`
	StartedAt     time.Time `firestore:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt   time.Time `firestore:"completed_at,omitempty" json:"completed_at,omitempty"`
	QueuePosition int       `firestore:"queue_position,omitempty" json:"queue_position,omitempty"` // 0 means "not queued"; positions are 1-based
	Priority      int       `firestore:"priority" json:"priority"`

	TimeoutMinutes int       `firestore:"timeout_minutes" json:"timeout_minutes"`
	ContainerID    string    `firestore:"container_id,omitempty" json:"-"`
	LastHeartbeat  time.Time `firestore:"last_heartbeat,omitempty" json:"-"`

	ReportID    string `firestore:"report_id,omitempty" json:"report_id,omitempty"`
	DownloadURL string `firestore:"download_url,omitempty" json:"download_url,omitempty"`

	ErrorCategory string        `firestore:"error_category,omitempty" json:"error_category,omitempty"`
	ErrorMessage  string        `firestore:"error_message,omitempty" json:"error_message,omitempty"`
	ErrorDetails  *ErrorDetails `firestore:"error_details,omitempty" json:"error_details,omitempty"`
}

// ErrNotFound is returned when a lookup finds no matching Task.
var ErrNotFound = errors.New("task not found")

// ErrDuplicateIdempotencyKey is returned when an insert would violate the
// (credential_id, idempotency_key) uniqueness constraint.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already used for this credential")

// Mutate is applied to a Task within a single atomic transaction. Stores
// must guarantee that either all of a Mutate's field changes land or none
// do.
type Mutate func(*Task)

// Store is the durable task record store. All multi-field updates happen
// within a single transaction, per spec.md §4.3.
type Store interface {
	// Insert creates a new Task with status=pending. It returns
	// ErrDuplicateIdempotencyKey if the (credential, key) pair is already
	// in use.
	Insert(ctx context.Context, t *Task) error

	// Get returns a single Task by ID.
	Get(ctx context.Context, id string) (*Task, error)

	// Update applies mutate to the Task atomically and returns the
	// resulting Task.
	Update(ctx context.Context, id string, mutate Mutate) (*Task, error)

	// FindByPURL returns tasks matching purl, most-recently-created first,
	// optionally restricted to the given statuses. limit<=0 means
	// unlimited.
	FindByPURL(ctx context.Context, purl string, statuses []Status, since time.Time, limit int) ([]*Task, error)

	// FindByIdempotencyKey looks up the unique (credential, key) task.
	FindByIdempotencyKey(ctx context.Context, credentialID, key string) (*Task, error)

	// FindQueued returns all queued tasks ordered by priority desc, then
	// queued_at asc (i.e. dequeue order).
	FindQueued(ctx context.Context) ([]*Task, error)

	// FindRunning returns the task with status=running, if any.
	FindRunning(ctx context.Context) (*Task, error)

	// ListByCredential returns a page of tasks scoped to credentialID,
	// ordered by created_at descending.
	ListByCredential(ctx context.Context, credentialID string, status Status, page, pageSize int) ([]*Task, int, error)

	// Enqueue transitions task id from pending to queued, assigning it the
	// position one past the current maximum queued position, all within a
	// single transaction. See spec.md §4.6.
	Enqueue(ctx context.Context, id string) (position int, err error)

	// Renumber renumbers all queued tasks densely (1..N) in priority desc,
	// queued_at asc order, within a single transaction. See spec.md §4.6.
	Renumber(ctx context.Context) error
}
