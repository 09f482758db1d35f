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

// main serves the Query API (C10): the HTTP surface clients use to
// submit PURLs for analysis and poll their status. It shares its task
// store and report store with cmd/worker, which is the only process
// that actually drives the sandbox.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"cloud.google.com/go/firestore"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/dynamicanalysis/internal/admission"
	"github.com/google/dynamicanalysis/internal/auth"
	"github.com/google/dynamicanalysis/internal/config"
	"github.com/google/dynamicanalysis/internal/container"
	"github.com/google/dynamicanalysis/internal/queue"
	"github.com/google/dynamicanalysis/internal/reportstore"
	"github.com/google/dynamicanalysis/internal/service"
	"github.com/google/dynamicanalysis/internal/taskstore"
	"github.com/google/dynamicanalysis/internal/timeoutsup"
	"github.com/pkg/errors"
)

var (
	addr = flag.String("addr", ":8080", "address the API server listens on")
	cfg  = config.Config{}
)

func newTaskStore(ctx context.Context) (taskstore.Store, taskstore.CredentialStore, error) {
	if cfg.FirestoreProject == "" {
		log.Println("no -firestore-project given; using an in-memory task store (not durable across restarts)")
		return taskstore.NewMemoryStore(), taskstore.NewMemoryCredentialStore(), nil
	}
	client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating firestore client")
	}
	return taskstore.NewFirestoreStore(client), taskstore.NewFirestoreCredentialStore(client), nil
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

	tasks, creds, err := newTaskStore(ctx)
	if err != nil {
		log.Fatalln(errors.Wrap(err, "initializing task store"))
	}
	reports, err := newReportStore(ctx)
	if err != nil {
		log.Fatalln(errors.Wrap(err, "initializing report store"))
	}

	q := queue.New(tasks)
	admissionCtl := admission.New(tasks, q, reports, cfg.MediaBaseURL)
	admissionCtl.DedupeWindow = cfg.DedupeWindow()
	containers := container.New(nil)
	supervisor := &timeoutsup.Supervisor{Tasks: tasks, Queue: q, Containers: containers}

	gate := auth.NewGate(creds)
	mux := http.NewServeMux()
	service.Routes(mux, gate, &service.Deps{Tasks: tasks, Queue: q, Admission: admissionCtl, Supervisor: supervisor})

	log.Printf("serving on %s\n", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalln(err)
	}
}
