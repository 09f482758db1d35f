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

// Package service implements the Query API (C10) described in spec.md
// §4.10 and §6: the HTTP handlers clients call to submit analyses and
// poll their status, built on internal/api.Handler the same way the
// teacher builds cmd/api's endpoints on top of its own RPC plumbing.
package service

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/dynamicanalysis/internal/admission"
	"github.com/google/dynamicanalysis/internal/api"
	"github.com/google/dynamicanalysis/internal/auth"
	"github.com/google/dynamicanalysis/internal/queue"
	"github.com/google/dynamicanalysis/internal/taskstore"
	"github.com/google/dynamicanalysis/internal/timeoutsup"
	"github.com/google/dynamicanalysis/pkg/purl"
	"github.com/google/dynamicanalysis/pkg/report"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

// Deps bundles the collaborators every handler in this package needs.
// One Deps is constructed per process and closed over by InitDeps.
type Deps struct {
	Tasks      taskstore.Store
	Queue      *queue.Queue
	Admission  *admission.Controller
	Supervisor *timeoutsup.Supervisor
}

// InitDeps returns an api.InitT[*Deps] that always yields d, the way a
// real deployment's dependencies are fixed for the process lifetime
// rather than rebuilt per request.
func InitDeps(d *Deps) api.InitT[*Deps] {
	return func(context.Context) (*Deps, error) { return d, nil }
}

const timeFormat = time.RFC3339

// pathIDKey is the context key withPathID stashes the URL's {id}
// segment under, so handlers that take their identity from the path
// (not the JSON body) can still fit api.HandlerT's (ctx, req, deps)
// shape.
type pathIDKey struct{}

func withPathID(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), pathIDKey{}, r.PathValue("id"))
		h(rw, r.WithContext(ctx))
	}
}

func pathID(ctx context.Context) string {
	id, _ := ctx.Value(pathIDKey{}).(string)
	return id
}

// queryKey is the context key withQuery stashes the request's parsed URL
// query under, for the same reason pathIDKey exists: GET endpoints take
// their parameters from the URL, not a JSON body, but still need to fit
// api.HandlerT's (ctx, req, deps) shape.
type queryKey struct{}

func withQuery(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), queryKey{}, r.URL.Query())
		h(rw, r.WithContext(ctx))
	}
}

func query(ctx context.Context) url.Values {
	v, _ := ctx.Value(queryKey{}).(url.Values)
	return v
}

// idempotencyKeyKey is the context key withIdempotencyKey stashes the
// X-Idempotency-Key header under, per spec.md §6 ("An optional
// X-Idempotency-Key header is honored by submit").
type idempotencyKeyKey struct{}

func withIdempotencyKey(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), idempotencyKeyKey{}, r.Header.Get("X-Idempotency-Key"))
		h(rw, r.WithContext(ctx))
	}
}

func idempotencyKey(ctx context.Context) string {
	k, _ := ctx.Value(idempotencyKeyKey{}).(string)
	return k
}

func credentialID(ctx context.Context) (string, error) {
	cred, ok := auth.FromContext(ctx)
	if !ok {
		return "", api.AsStatus(codes.Unauthenticated, errors.New("missing credential"))
	}
	return cred.ID, nil
}

// --- submit -----------------------------------------------------------

// SubmitRequest is the body of POST /api/v1/analyze/.
type SubmitRequest struct {
	PURL     string `json:"purl"`
	Priority int    `json:"priority"`
}

// Validate satisfies api.Message.
func (r SubmitRequest) Validate() error {
	if r.PURL == "" {
		return errors.New("purl is required")
	}
	return nil
}

// SubmitResponse is the body of a successful submit, shaped to cover
// every field spec.md §4.5 step 6 and its cache-hit/active-duplicate
// counterparts populate.
type SubmitResponse struct {
	Status        string          `json:"status"`
	TaskID        string          `json:"task_id"`
	QueuePosition int             `json:"queue_position,omitempty"`
	ResultURL     string          `json:"result_url,omitempty"`
	DownloadURL   string          `json:"download_url,omitempty"`
	StatusURL     string          `json:"status_url"`
	ReportMeta    *ReportMetaWire `json:"report_metadata,omitempty"`
}

// ReportMetaWire is the filename/created_at summary on a completed
// task_status/submit response. It carries no report size.
type ReportMetaWire struct {
	Filename  string `json:"filename"`
	CreatedAt string `json:"created_at"`
}

func statusURL(taskID string) string { return "/api/v1/task/" + taskID + "/" }

// HTTPStatus implements api.StatusCoder: any reply whose task is queued
// (a new enqueue, or an active duplicate or idempotent replay that is
// still queued) is accepted-for-processing (202); every other reply,
// such as a cache hit or a running duplicate, keeps the default 200.
func (r *SubmitResponse) HTTPStatus() int {
	if r.Status == string(taskstore.Queued) {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// Submit handles POST /api/v1/analyze/: parse the PURL, run the
// admission algorithm, and translate its Result into the wire shape.
// Admission errors (unsupported ecosystem, malformed PURL) are surfaced
// as codes.InvalidArgument without ever touching the task store, per
// spec.md §4.5's failure-mode contract.
func Submit(ctx context.Context, req SubmitRequest, d *Deps) (*SubmitResponse, error) {
	credID, err := credentialID(ctx)
	if err != nil {
		return nil, err
	}
	p, err := purl.Parse(req.PURL)
	if err != nil {
		return nil, api.AsStatus(codes.InvalidArgument, err)
	}
	sub := admission.Submission{
		PURL: p, RawPURL: req.PURL, CredentialID: credID,
		Priority: req.Priority, IdempotencyKey: idempotencyKey(ctx),
		Source: taskstore.SourceAPI,
	}
	res, err := d.Admission.Submit(ctx, sub)
	if err != nil {
		return nil, api.AsStatus(codes.Internal, err)
	}
	resp := &SubmitResponse{
		Status: string(res.Status), TaskID: res.TaskID,
		QueuePosition: res.QueuePosition, ResultURL: res.ResultURL,
		DownloadURL: res.DownloadURL, StatusURL: statusURL(res.TaskID),
	}
	if res.ReportMeta != nil {
		resp.ReportMeta = &ReportMetaWire{Filename: res.ReportMeta.Filename, CreatedAt: res.ReportMeta.CreatedAt.Format(timeFormat)}
	}
	return resp, nil
}

// --- task status --------------------------------------------------------

// TaskStatusResponse is the body of GET /api/v1/task/<id>/.
type TaskStatusResponse struct {
	TaskID               string            `json:"task_id"`
	Status               string            `json:"status"`
	PURL                 string            `json:"purl"`
	ExpectedDownloadURL  string            `json:"expected_download_url"`
	QueuePosition        int               `json:"queue_position,omitempty"`
	RemainingTimeMinutes *float64          `json:"remaining_time_minutes,omitempty"`
	IsTimedOut           *bool             `json:"is_timed_out,omitempty"`
	DownloadURL          string            `json:"download_url,omitempty"`
	ReportMeta           *ReportMetaWire   `json:"report_metadata,omitempty"`
	ErrorCategory        string            `json:"error_category,omitempty"`
	ErrorMessage         string            `json:"error_message,omitempty"`
	ErrorDetails         *ErrorDetailsWire `json:"error_details,omitempty"`
	Qualifiers           map[string]string `json:"qualifiers,omitempty"`
}

// ErrorDetailsWire is the subset of taskstore.ErrorDetails sent on the
// wire. The stored stderr, stdout and timestamps are not included.
type ErrorDetailsWire struct {
	ErrorType        string `json:"error_type,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Command          string `json:"command,omitempty"`
	TimeoutMinutes   int    `json:"timeout_minutes,omitempty"`
	ContainerID      string `json:"container_id,omitempty"`
	ContainerStopped *bool  `json:"container_stopped,omitempty"`
}

// TaskStatus handles GET /api/v1/task/<id>/, per spec.md §4.10.
func TaskStatus(ctx context.Context, _ api.NoBody, d *Deps) (*TaskStatusResponse, error) {
	credID, err := credentialID(ctx)
	if err != nil {
		return nil, err
	}
	t, err := d.Tasks.Get(ctx, pathID(ctx))
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			return nil, api.AsStatus(codes.NotFound, errors.New("task not found"))
		}
		return nil, api.AsStatus(codes.Internal, err)
	}
	if t.CredentialID != credID {
		return nil, api.AsStatus(codes.NotFound, errors.New("task not found"))
	}
	resp := &TaskStatusResponse{
		TaskID: t.ID, Status: string(t.Status), PURL: t.PURL,
		ExpectedDownloadURL: "/" + report.RelativePath(t.Ecosystem, t.PackageName, t.PackageVersion),
		Qualifiers:          t.Qualifiers,
	}
	switch t.Status {
	case taskstore.Queued:
		resp.QueuePosition = t.QueuePosition
	case taskstore.Running:
		remaining := time.Until(t.StartedAt.Add(time.Duration(t.TimeoutMinutes) * time.Minute)).Minutes()
		timedOut := remaining <= 0
		resp.RemainingTimeMinutes = &remaining
		resp.IsTimedOut = &timedOut
	case taskstore.Completed:
		resp.DownloadURL = t.DownloadURL
		resp.ReportMeta = &ReportMetaWire{Filename: report.RelativePath(t.Ecosystem, t.PackageName, t.PackageVersion), CreatedAt: t.CompletedAt.Format(timeFormat)}
	case taskstore.Failed:
		resp.ErrorCategory = t.ErrorCategory
		resp.ErrorMessage = t.ErrorMessage
		if t.ErrorDetails != nil {
			resp.ErrorDetails = &ErrorDetailsWire{
				ErrorType: t.ErrorDetails.ErrorType, ExitCode: t.ErrorDetails.ExitCode, Command: t.ErrorDetails.Command,
				TimeoutMinutes: t.ErrorDetails.TimeoutMinutes, ContainerID: t.ErrorDetails.ContainerID, ContainerStopped: t.ErrorDetails.ContainerStopped,
			}
		}
	}
	return resp, nil
}

// --- queue status --------------------------------------------------------

// QueueStatusResponse is the body of GET /api/v1/queue/status/.
type QueueStatusResponse struct {
	QueuedCount  int               `json:"queued_count"`
	RunningCount int               `json:"running_count"`
	Queued       []QueueEntryWire  `json:"queued"`
	Running      *RunningEntryWire `json:"running,omitempty"`
}

// QueueEntryWire is one queued task's public summary.
type QueueEntryWire struct {
	TaskID        string `json:"task_id"`
	PURL          string `json:"purl"`
	QueuePosition int    `json:"queue_position"`
	Priority      int    `json:"priority"`
	QueuedAt      string `json:"queued_at"`
}

// RunningEntryWire is the running task's public summary, if any.
type RunningEntryWire struct {
	TaskID    string `json:"task_id"`
	PURL      string `json:"purl"`
	StartedAt string `json:"started_at"`
}

// QueueStatus handles GET /api/v1/queue/status/, per spec.md §4.10.
// It never echoes stderr/error details, deliberately: this endpoint is
// visible to every credential, not just the task owner.
func QueueStatus(ctx context.Context, _ api.NoBody, d *Deps) (*QueueStatusResponse, error) {
	snap, err := d.Queue.Snapshot(ctx)
	if err != nil {
		return nil, api.AsStatus(codes.Internal, err)
	}
	resp := &QueueStatusResponse{QueuedCount: len(snap.Queued)}
	for _, q := range snap.Queued {
		resp.Queued = append(resp.Queued, QueueEntryWire{
			TaskID: q.TaskID, PURL: q.PURL, QueuePosition: q.QueuePosition, Priority: q.Priority, QueuedAt: q.QueuedAt,
		})
	}
	if snap.Running != nil {
		resp.RunningCount = 1
		resp.Running = &RunningEntryWire{TaskID: snap.Running.TaskID, PURL: snap.Running.PURL, StartedAt: snap.Running.StartedAt}
	}
	return resp, nil
}

// --- list tasks ------------------------------------------------------------

// TaskSummaryWire is one row of a ListTasksResponse.
type TaskSummaryWire struct {
	TaskID      string `json:"task_id"`
	PURL        string `json:"purl"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	DownloadURL string `json:"download_url,omitempty"`
}

// ListTasksResponse is the body of GET /api/v1/reports/.
type ListTasksResponse struct {
	Tasks      []TaskSummaryWire `json:"tasks"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalCount int               `json:"total_count"`
}

// ListTasks handles GET /api/v1/reports/, per spec.md §4.10: scoped to
// the caller's credential, ordered by created_at descending.
func ListTasks(ctx context.Context, _ api.NoBody, d *Deps) (*ListTasksResponse, error) {
	credID, err := credentialID(ctx)
	if err != nil {
		return nil, err
	}
	q := query(ctx)
	page, _ := strconv.Atoi(q.Get("page"))
	if page <= 0 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	tasks, total, err := d.Tasks.ListByCredential(ctx, credID, taskstore.Status(q.Get("status")), page, pageSize)
	if err != nil {
		return nil, api.AsStatus(codes.Internal, err)
	}
	resp := &ListTasksResponse{Page: page, PageSize: pageSize, TotalCount: total}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, TaskSummaryWire{
			TaskID: t.ID, PURL: t.PURL, Status: string(t.Status), CreatedAt: t.CreatedAt.Format(timeFormat), DownloadURL: t.DownloadURL,
		})
	}
	return resp, nil
}

// --- queue position ---------------------------------------------------------

// TaskQueuePositionResponse is the body of GET /api/v1/task/<id>/queue/.
type TaskQueuePositionResponse struct {
	QueuePosition *int `json:"queue_position"`
}

// TaskQueuePosition handles GET /api/v1/task/<id>/queue/, per spec.md
// §4.10: 0 if running, positive if queued, null otherwise, scoped to
// the caller's credential.
func TaskQueuePosition(ctx context.Context, _ api.NoBody, d *Deps) (*TaskQueuePositionResponse, error) {
	credID, err := credentialID(ctx)
	if err != nil {
		return nil, err
	}
	t, err := d.Tasks.Get(ctx, pathID(ctx))
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			return nil, api.AsStatus(codes.NotFound, errors.New("task not found"))
		}
		return nil, api.AsStatus(codes.Internal, err)
	}
	if t.CredentialID != credID {
		return nil, api.AsStatus(codes.NotFound, errors.New("task not found"))
	}
	var pos *int
	switch t.Status {
	case taskstore.Running:
		zero := 0
		pos = &zero
	case taskstore.Queued:
		p := t.QueuePosition
		pos = &p
	}
	return &TaskQueuePositionResponse{QueuePosition: pos}, nil
}

// --- timeout supervisor endpoints -------------------------------------------

// TimeoutStatusResponse is the body of GET /api/v1/timeout/status/.
type TimeoutStatusResponse struct {
	TaskID               string  `json:"task_id,omitempty"`
	IsTimedOut           bool    `json:"is_timed_out"`
	RemainingTimeMinutes float64 `json:"remaining_time_minutes,omitempty"`
}

// TimeoutStatus handles GET /api/v1/timeout/status/, per spec.md §4.9 —
// observes without mutating.
func TimeoutStatus(ctx context.Context, _ api.NoBody, d *Deps) (*TimeoutStatusResponse, error) {
	snap, err := d.Supervisor.Snapshot(ctx)
	if err != nil {
		return nil, api.AsStatus(codes.Internal, err)
	}
	if snap == nil {
		return &TimeoutStatusResponse{}, nil
	}
	return &TimeoutStatusResponse{TaskID: snap.TaskID, IsTimedOut: snap.IsTimedOut, RemainingTimeMinutes: snap.RemainingTimeMinutes}, nil
}

// CheckTimeoutsResponse is the body of POST /api/v1/timeout/check/.
type CheckTimeoutsResponse struct {
	TimedOutCount int `json:"timed_out_count"`
}

// CheckTimeouts handles POST /api/v1/timeout/check/, per spec.md §4.9 —
// forces an immediate supervisor pass instead of waiting for the next
// worker iteration.
func CheckTimeouts(ctx context.Context, _ api.NoBody, d *Deps) (*CheckTimeoutsResponse, error) {
	n, err := d.Supervisor.Sweep(ctx)
	if err != nil {
		return nil, api.AsStatus(codes.Internal, err)
	}
	return &CheckTimeoutsResponse{TimedOutCount: n}, nil
}
