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

// Package timeoutsup implements the timeout supervisor described in
// spec.md §4.9: it finds the running Task past its deadline and forces
// cleanup. It has no timer of its own: the worker calls Sweep at the
// start of each loop iteration, and the timeout-check endpoint calls it
// on demand.
package timeoutsup

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/dynamicanalysis/internal/container"
	"github.com/google/dynamicanalysis/internal/queue"
	"github.com/google/dynamicanalysis/internal/taskstore"
	"github.com/pkg/errors"
)

// timeoutErrorCategory matches worker.CategoryTimeout's wire value; it
// is declared here so that this package does not import internal/worker.
const timeoutErrorCategory = "timeout_error"

// Supervisor runs the timeout sweep described in spec.md §4.9.
type Supervisor struct {
	Tasks      taskstore.Store
	Queue      *queue.Queue
	Containers *container.Manager
	LogTailN   int
}

func (s *Supervisor) logTailN() int {
	if s.LogTailN > 0 {
		return s.LogTailN
	}
	return 50
}

// Sweep selects every running Task past its deadline, force-stops its
// container if any, and marks it failed with error_category=timeout_error.
// It returns the number of tasks timed out.
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	running, err := s.Tasks.FindRunning(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "finding running task")
	}
	if running == nil {
		return 0, nil
	}
	deadline := running.StartedAt.Add(time.Duration(running.TimeoutMinutes) * time.Minute)
	now := time.Now().UTC()
	if !now.After(deadline) {
		return 0, nil
	}

	var containerStopped *bool
	var logs string
	if running.ContainerID != "" && s.Containers != nil {
		stopped := s.Containers.Stop(ctx, running.ContainerID, 0)
		containerStopped = &stopped
		logs = s.Containers.GetLogs(ctx, running.ContainerID, s.logTailN())
	}

	details := &taskstore.ErrorDetails{
		ErrorType:        timeoutErrorCategory,
		TimeoutMinutes:   running.TimeoutMinutes,
		StartedAt:        running.StartedAt,
		TimedOutAt:       now,
		ContainerID:      running.ContainerID,
		ContainerStopped: containerStopped,
		Stdout:           logs,
	}
	if _, err := s.Tasks.Update(ctx, running.ID, func(t *taskstore.Task) {
		t.Status = taskstore.Failed
		t.ErrorCategory = timeoutErrorCategory
		t.ErrorMessage = fmt.Sprintf("Task timed out after %d minutes", running.TimeoutMinutes)
		t.ErrorDetails = details
		t.CompletedAt = now
		t.QueuePosition = 0
	}); err != nil {
		return 0, errors.Wrap(err, "marking task timed out")
	}

	if err := s.Queue.Renumber(ctx); err != nil {
		return 0, errors.Wrap(err, "renumbering after timeout")
	}

	// Best-effort: reclaim the container the stop above just left behind,
	// the same C8 operation a cron-style prune would otherwise need.
	if s.Containers != nil {
		if _, err := s.Containers.CleanupStopped(ctx); err != nil {
			log.Println(errors.Wrap(err, "pruning stopped containers after timeout"))
		}
	}
	return 1, nil
}

// Status summarizes the current running task's deadline state for the
// timeout_status query, per spec.md §4.10.
type Status struct {
	TaskID               string
	IsTimedOut           bool
	RemainingTimeMinutes float64
}

// Snapshot reports the running task's deadline state without mutating
// anything, for GET /api/v1/timeout/status/.
func (s *Supervisor) Snapshot(ctx context.Context) (*Status, error) {
	running, err := s.Tasks.FindRunning(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "finding running task")
	}
	if running == nil {
		return nil, nil
	}
	deadline := running.StartedAt.Add(time.Duration(running.TimeoutMinutes) * time.Minute)
	remaining := time.Until(deadline).Minutes()
	return &Status{TaskID: running.ID, IsTimedOut: remaining <= 0, RemainingTimeMinutes: remaining}, nil
}
