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

package service

import (
	"net/http"

	"github.com/google/dynamicanalysis/internal/api"
	"github.com/google/dynamicanalysis/internal/auth"
)

// Routes registers every endpoint named in spec.md §6 on mux, gating
// each one behind gate.Middleware the way the teacher's cmd/api wires a
// fixed set of paths onto http.HandleFunc in its main().
func Routes(mux *http.ServeMux, gate *auth.Gate, deps *Deps) {
	init := InitDeps(deps)
	mux.HandleFunc("POST /api/v1/analyze/", gate.Middleware(withIdempotencyKey(api.Handler(init, Submit))))
	mux.HandleFunc("GET /api/v1/task/{id}/", gate.Middleware(withPathID(api.Handler(init, TaskStatus))))
	mux.HandleFunc("GET /api/v1/reports/", gate.Middleware(withQuery(api.Handler(init, ListTasks))))
	mux.HandleFunc("GET /api/v1/queue/status/", gate.Middleware(api.Handler(init, QueueStatus)))
	mux.HandleFunc("GET /api/v1/task/{id}/queue/", gate.Middleware(withPathID(api.Handler(init, TaskQueuePosition))))
	mux.HandleFunc("GET /api/v1/timeout/status/", gate.Middleware(api.Handler(init, TimeoutStatus)))
	mux.HandleFunc("POST /api/v1/timeout/check/", gate.Middleware(api.Handler(init, CheckTimeouts)))
}
