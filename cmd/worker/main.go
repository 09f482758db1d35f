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

// main runs the exclusive analysis worker (C7) alongside the timeout
// supervisor (C9). Exactly one instance of this binary should run per
// deployment, per spec.md's "one worker per deployment" non-goal; it
// shares its task and report stores with cmd/api but is the only
// process that invokes the sandbox.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/dynamicanalysis/internal/config"
	"github.com/google/dynamicanalysis/internal/container"
	"github.com/google/dynamicanalysis/internal/queue"
	"github.com/google/dynamicanalysis/internal/reportstore"
	"github.com/google/dynamicanalysis/internal/taskstore"
	"github.com/google/dynamicanalysis/internal/timeoutsup"
	"github.com/google/dynamicanalysis/internal/worker"
	"github.com/google/dynamicanalysis/pkg/sandbox"
	"github.com/pkg/errors"
)

var cfg = config.Config{}

func newTaskStore(ctx context.Context) (taskstore.Store, error) {
	if cfg.FirestoreProject == "" {
		log.Println("no -firestore-project given; using an in-memory task store (not durable across restarts)")
		return taskstore.NewMemoryStore(), nil
	}
	client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
	if err != nil {
		return nil, errors.Wrap(err, "creating firestore client")
	}
	return taskstore.NewFirestoreStore(client), nil
}

func newReportStore(ctx context.Context) (reportstore.Store, error) {
	if cfg.GCSBucket == "" {
		log.Printf("no -gcs-bucket given; persisting reports under %s\n", cfg.MediaRoot)
		return reportstore.NewFilesystemStore(osfs.New(cfg.MediaRoot)), nil
	}
	return reportstore.NewGCSStore(ctx, cfg.GCSBucket, "")
}

func main() {
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	ctx := context.Background()

	tasks, err := newTaskStore(ctx)
	if err != nil {
		log.Fatalln(errors.Wrap(err, "initializing task store"))
	}
	reports, err := newReportStore(ctx)
	if err != nil {
		log.Fatalln(errors.Wrap(err, "initializing report store"))
	}

	q := queue.New(tasks)
	containers := container.New(nil)
	supervisor := &timeoutsup.Supervisor{Tasks: tasks, Queue: q, Containers: containers}
	sandboxRunner := sandbox.Runner{BinaryPath: cfg.SandboxBinaryPath}

	w := &worker.Worker{
		Tasks: tasks, Queue: q, Containers: containers, Sandbox: sandboxRunner, Reports: reports, Supervisor: supervisor,
		MediaBaseURL:        cfg.MediaBaseURL,
		IdlePollInterval:    cfg.IdlePoll(),
		ErrorBackoff:        cfg.ErrorBackoff(),
		GracefulStopTimeout: cfg.GracefulStop(),
	}
	w.Start(ctx)
	log.Println("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down worker")
	w.Stop()
}
