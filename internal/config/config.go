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

// Package config holds the operator-tunable options enumerated in
// spec.md §6, registered as flags the way cmd/rebuilder registers its
// own package-level flag.String/flag.Int vars.
package config

import (
	"flag"
	"time"
)

// Config collects every tunable named in spec.md §6.
type Config struct {
	RateLimitPerHour           int
	DefaultTimeoutMinutes      int
	WorkerIdlePollSeconds      int
	WorkerErrorBackoffSeconds  int
	GracefulContainerStopSecs  int
	MediaRoot                  string
	MediaBaseURL               string
	DedupeActiveWindowHours    int
	SandboxBinaryPath          string
	FirestoreProject           string
	GCSBucket                  string
}

// RegisterFlags registers c's fields on fs, mirroring
// httpegress.Config.RegisterFlags's pattern of a struct whose fields are
// filled in by flag.Var-style registration rather than a config file.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.RateLimitPerHour, "rate-limit-per-hour", 100, "default per-credential admissions allowed per hour (not read: each credential's own rate_limit_per_hour is applied)")
	fs.IntVar(&c.DefaultTimeoutMinutes, "default-timeout-minutes", 30, "timeout for new tasks that don't specify one (not read: admission always uses 30)")
	fs.IntVar(&c.WorkerIdlePollSeconds, "worker-idle-poll-seconds", 5, "worker loop back-off when the queue is empty")
	fs.IntVar(&c.WorkerErrorBackoffSeconds, "worker-error-backoff-seconds", 10, "worker loop back-off after an internal error")
	fs.IntVar(&c.GracefulContainerStopSecs, "graceful-container-stop-seconds", 10, "grace period before force-killing a container")
	fs.StringVar(&c.MediaRoot, "media-root", "assets", "filesystem root for the local report store")
	fs.StringVar(&c.MediaBaseURL, "media-base-url", "http://localhost:8080", "public base URL reports are served from")
	fs.IntVar(&c.DedupeActiveWindowHours, "dedupe-active-window-hours", 24, "window within which an in-flight task for a PURL blocks resubmission")
	fs.StringVar(&c.SandboxBinaryPath, "sandbox-binary", "pacman", "path to the external analyzer binary")
	fs.StringVar(&c.FirestoreProject, "firestore-project", "", "GCP project hosting the Firestore task/credential store (empty uses the in-memory store)")
	fs.StringVar(&c.GCSBucket, "gcs-bucket", "", "GCS bucket backing the report store (empty uses the local filesystem)")
}

// IdlePoll returns WorkerIdlePollSeconds as a Duration.
func (c *Config) IdlePoll() time.Duration {
	return time.Duration(c.WorkerIdlePollSeconds) * time.Second
}

// ErrorBackoff returns WorkerErrorBackoffSeconds as a Duration.
func (c *Config) ErrorBackoff() time.Duration {
	return time.Duration(c.WorkerErrorBackoffSeconds) * time.Second
}

// GracefulStop returns GracefulContainerStopSecs as a Duration.
func (c *Config) GracefulStop() time.Duration {
	return time.Duration(c.GracefulContainerStopSecs) * time.Second
}

// DedupeWindow returns DedupeActiveWindowHours as a Duration.
func (c *Config) DedupeWindow() time.Duration {
	return time.Duration(c.DedupeActiveWindowHours) * time.Hour
}
