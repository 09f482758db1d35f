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

// Package worker implements the exclusive analysis worker described in
// spec.md §4.7: a single long-lived cooperative loop that drives each
// queued Task through invocation of the external sandbox while
// enforcing heartbeats and exactly-one-running. Grounded on
// pkg/build/local.DockerBuildExecutor's semaphore-gated single-build
// pattern and localHandle bookkeeping, generalized from "N parallel
// builds" to "exactly one sandbox invocation at a time."
package worker

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/dynamicanalysis/internal/container"
	"github.com/google/dynamicanalysis/internal/queue"
	"github.com/google/dynamicanalysis/internal/reportstore"
	"github.com/google/dynamicanalysis/internal/taskstore"
	"github.com/google/dynamicanalysis/pkg/report"
	"github.com/google/dynamicanalysis/pkg/sandbox"
	"github.com/pkg/errors"
)

// Supervisor is the subset of the timeout supervisor (C9) the worker
// invokes at the start of each iteration. Defined here so that this
// package does not import internal/timeoutsup; *timeoutsup.Supervisor
// satisfies it.
type Supervisor interface {
	Sweep(ctx context.Context) (int, error)
}

// SandboxRunner abstracts sandbox invocation so tests can substitute a
// fake analyzer without shelling out, the same role
// pkg/build/local.CommandExecutor plays for Docker builds.
type SandboxRunner interface {
	Run(ctx context.Context, req sandbox.Request) (sandbox.Result, error)
}

// Worker is the single exclusive sandbox consumer. Exactly one should
// run per deployment process, per spec.md's "one worker per
// deployment" non-goal.
type Worker struct {
	Tasks      taskstore.Store
	Queue      *queue.Queue
	Containers *container.Manager
	Sandbox    SandboxRunner
	Reports    reportstore.Store
	Supervisor Supervisor

	MediaBaseURL string

	IdlePollInterval    time.Duration
	ErrorBackoff        time.Duration
	HeartbeatInterval   time.Duration
	GracefulStopTimeout time.Duration

	started atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func (w *Worker) idlePoll() time.Duration {
	if w.IdlePollInterval > 0 {
		return w.IdlePollInterval
	}
	return 5 * time.Second
}

func (w *Worker) errorBackoff() time.Duration {
	if w.ErrorBackoff > 0 {
		return w.ErrorBackoff
	}
	return 10 * time.Second
}

func (w *Worker) heartbeat() time.Duration {
	if w.HeartbeatInterval > 0 {
		return w.HeartbeatInterval
	}
	return 30 * time.Second // spec.md §4.7 requires at least every 60s
}

func (w *Worker) gracefulStop() time.Duration {
	if w.GracefulStopTimeout > 0 {
		return w.GracefulStopTimeout
	}
	return 10 * time.Second
}

// Start launches the drain loop once per process lifetime. Further
// calls are no-ops, per spec.md §4.7's idempotent start-up contract.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop(ctx)
}

// Stop signals the loop to finish its current iteration and exit, then
// blocks until it has.
func (w *Worker) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}
		if w.Supervisor != nil {
			if _, err := w.Supervisor.Sweep(ctx); err != nil {
				log.Println(errors.Wrap(err, "timeout supervisor sweep"))
			}
		}
		advanced, err := w.runIteration(ctx)
		if err != nil {
			log.Println(errors.Wrap(err, "worker iteration"))
			sleep(ctx, w.stopCh, w.errorBackoff())
			continue
		}
		if !advanced {
			sleep(ctx, w.stopCh, w.idlePoll())
		}
	}
}

func sleep(ctx context.Context, stop chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-stop:
	case <-t.C:
	}
}

// runIteration performs one pass of the drain loop described in
// spec.md §4.7's numbered steps (2)-(7), returning whether it advanced
// any task's state (so the caller can skip its idle back-off).
func (w *Worker) runIteration(ctx context.Context) (bool, error) {
	running, err := w.Tasks.FindRunning(ctx)
	if err != nil {
		return false, errors.Wrap(err, "checking for a running task")
	}
	if running != nil {
		return false, nil
	}

	head, err := w.Queue.Head(ctx)
	if err != nil {
		return false, errors.Wrap(err, "reading queue head")
	}
	if head == nil {
		return false, nil
	}

	// Late cache hit: a completed Task for the same PURL may have landed
	// after head was enqueued but before it was dequeued. Folding it in
	// here, rather than running the sandbox again, is required per
	// spec.md §9 ("Late cache hit in the worker. Do not skip this step").
	if hit, err := w.lateCacheHit(ctx, head); err != nil {
		return false, errors.Wrap(err, "checking for a late cache hit")
	} else if hit {
		if err := w.Queue.Renumber(ctx); err != nil {
			return false, errors.Wrap(err, "renumbering after late cache hit")
		}
		return true, nil
	}

	task, err := w.Tasks.Update(ctx, head.ID, func(t *taskstore.Task) {
		t.Status = taskstore.Running
		t.StartedAt = time.Now().UTC()
		t.LastHeartbeat = t.StartedAt
		t.QueuePosition = 0
	})
	if err != nil {
		return false, errors.Wrap(err, "transitioning task to running")
	}

	w.execute(ctx, task)

	if err := w.Queue.Renumber(ctx); err != nil {
		return false, errors.Wrap(err, "renumbering after completion")
	}
	return true, nil
}

// lateCacheHit checks whether a completed Task with a linked Report
// already exists for head's PURL and, if so, folds head into it instead
// of running the sandbox.
func (w *Worker) lateCacheHit(ctx context.Context, head *taskstore.Task) (bool, error) {
	completed, err := w.Tasks.FindByPURL(ctx, head.PURL, []taskstore.Status{taskstore.Completed}, time.Time{}, 1)
	if err != nil {
		return false, err
	}
	if len(completed) == 0 || completed[0].ReportID == "" {
		return false, nil
	}
	match := completed[0]
	_, err = w.Tasks.Update(ctx, head.ID, func(t *taskstore.Task) {
		t.Status = taskstore.Completed
		t.ReportID = match.ReportID
		t.DownloadURL = match.DownloadURL
		t.CompletedAt = time.Now().UTC()
		t.QueuePosition = 0
	})
	return true, err
}

// execute drives task through sandbox invocation to completion or
// failure, per spec.md §4.7 steps 4-6. It never returns an error;
// failures are recorded on the task itself.
func (w *Worker) execute(ctx context.Context, task *taskstore.Task) {
	deadline := task.StartedAt.Add(time.Duration(task.TimeoutMinutes) * time.Minute)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go w.heartbeatLoop(task.ID, hbStop, hbDone)
	defer func() {
		close(hbStop)
		<-hbDone
	}()

	req := sandbox.Request{Ecosystem: task.Ecosystem, PackageName: task.PackageName, Version: task.PackageVersion}
	res, runErr := w.Sandbox.Run(runCtx, req)
	if res.ContainerID != "" {
		task.ContainerID = res.ContainerID
		if _, err := w.Tasks.Update(ctx, task.ID, func(t *taskstore.Task) { t.ContainerID = res.ContainerID }); err != nil {
			log.Println(errors.Wrap(err, "recording container id"))
		}
	}

	if runErr != nil || res.ExitCode != 0 {
		w.fail(ctx, task, classifyInvocation(res, runErr))
		return
	}

	raw, err := sandbox.ReadResultFile(res.ResultPath)
	if err != nil {
		if os.IsNotExist(err) {
			w.fail(ctx, task, classifyResultFileMissing(res, err))
			return
		}
		w.fail(ctx, task, classifyResultParsing(res, err))
		return
	}

	w.succeed(ctx, task, raw)
}

func (w *Worker) succeed(ctx context.Context, task *taskstore.Task, raw sandbox.RawReport) {
	results := deriveResults(raw)
	completedAt := time.Now().UTC()
	duration := completedAt.Sub(task.StartedAt).Seconds()

	env := report.Envelope{
		Metadata: report.Metadata{
			CreatedAt: completedAt,
			Package: report.PackageMetadata{
				Name: task.PackageName, Version: task.PackageVersion, Ecosystem: task.Ecosystem, PURL: task.PURL,
			},
			Analysis: report.AnalysisMetadata{
				Status: string(taskstore.Completed), StartedAt: task.StartedAt, CompletedAt: completedAt, DurationSeconds: duration,
			},
			API: report.APIMetadata{Version: report.APIVersion, Endpoint: "/api/v1/analyze/", GeneratedBy: "dynamicanalysis-worker"},
		},
		AnalysisResults: results,
	}
	uri, err := reportstore.WriteEnvelope(ctx, w.Reports, env)
	if err != nil {
		w.fail(ctx, task, &AnalysisError{Category: CategoryUnknown, inner: errors.Wrap(err, "persisting report")})
		return
	}
	reportID := string(task.Ecosystem) + "/" + task.PackageName + "/" + task.PackageVersion
	downloadURL := uri
	if w.MediaBaseURL != "" {
		downloadURL = w.MediaBaseURL + "/" + report.RelativePath(task.Ecosystem, task.PackageName, task.PackageVersion)
	}
	if _, err := w.Tasks.Update(ctx, task.ID, func(t *taskstore.Task) {
		t.Status = taskstore.Completed
		t.ReportID = reportID
		t.DownloadURL = downloadURL
		t.CompletedAt = completedAt
		t.ContainerID = ""
	}); err != nil {
		log.Println(errors.Wrap(err, "recording completed task"))
	}
}

func (w *Worker) fail(ctx context.Context, task *taskstore.Task, ae *AnalysisError) {
	if task.ContainerID != "" && w.Containers != nil {
		w.Containers.Stop(ctx, task.ContainerID, w.gracefulStop())
	}
	exitCode := -1
	if ae.ExitCode != nil {
		exitCode = *ae.ExitCode
	}
	if _, err := w.Tasks.Update(ctx, task.ID, func(t *taskstore.Task) {
		t.Status = taskstore.Failed
		t.CompletedAt = time.Now().UTC()
		t.ErrorCategory = ae.Category
		t.ErrorMessage = ae.Error()
		t.ErrorDetails = &taskstore.ErrorDetails{
			ErrorType: ae.Category, Stderr: ae.Stderr, Stdout: ae.Stdout, Command: ae.Command,
		}
		if ae.ExitCode != nil {
			t.ErrorDetails.ExitCode = &exitCode
		}
	}); err != nil {
		log.Println(errors.Wrap(err, "recording failed task"))
	}
}

func (w *Worker) heartbeatLoop(taskID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(w.heartbeat())
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if _, err := w.Tasks.Update(context.Background(), taskID, func(task *taskstore.Task) {
				task.LastHeartbeat = time.Now().UTC()
			}); err != nil {
				log.Println(errors.Wrap(err, "refreshing heartbeat"))
			}
		}
	}
}
