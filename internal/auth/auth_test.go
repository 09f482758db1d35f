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

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/dynamicanalysis/internal/taskstore"
)

func TestAuthenticateMissingCredential(t *testing.T) {
	g := NewGate(taskstore.NewMemoryCredentialStore())
	r := httptest.NewRequest(http.MethodPost, "/api/v1/analyze/", nil)
	if _, err := g.Authenticate(r.Context(), r); err == nil {
		t.Fatal("Authenticate() = nil, want error for missing credential")
	}
}

func TestAuthenticateUnknownCredential(t *testing.T) {
	g := NewGate(taskstore.NewMemoryCredentialStore())
	r := httptest.NewRequest(http.MethodPost, "/api/v1/analyze/", nil)
	r.Header.Set("X-API-Key", "nope")
	if _, err := g.Authenticate(r.Context(), r); err == nil {
		t.Fatal("Authenticate() = nil, want error for unknown credential")
	}
}

func TestAuthenticateInactiveCredential(t *testing.T) {
	store := taskstore.NewMemoryCredentialStore(&taskstore.Credential{ID: "c1", Key: "k1", IsActive: false})
	g := NewGate(store)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/analyze/", nil)
	r.Header.Set("X-API-Key", "k1")
	if _, err := g.Authenticate(r.Context(), r); err == nil {
		t.Fatal("Authenticate() = nil, want error for inactive credential")
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	store := taskstore.NewMemoryCredentialStore(&taskstore.Credential{ID: "c1", Key: "k1", IsActive: true, RateLimitPerHour: 10})
	g := NewGate(store)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/analyze/", nil)
	r.Header.Set("Authorization", "Bearer k1")
	ctx, err := g.Authenticate(r.Context(), r)
	if err != nil {
		t.Fatalf("Authenticate() = %v, want nil", err)
	}
	cred, ok := FromContext(ctx)
	if !ok || cred.ID != "c1" {
		t.Fatalf("FromContext() = %v, %v, want credential c1", cred, ok)
	}
}

func TestAuthenticateRateLimited(t *testing.T) {
	store := taskstore.NewMemoryCredentialStore(&taskstore.Credential{ID: "c1", Key: "k1", IsActive: true, RateLimitPerHour: 1})
	g := NewGate(store)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/analyze/", nil)
	r.Header.Set("X-API-Key", "k1")
	if _, err := g.Authenticate(r.Context(), r); err != nil {
		t.Fatalf("first Authenticate() = %v, want nil", err)
	}
	if _, err := g.Authenticate(r.Context(), r); err == nil {
		t.Fatal("second Authenticate() = nil, want rate limit error")
	}
}

func TestMiddlewareRejectsUnauthenticated(t *testing.T) {
	g := NewGate(taskstore.NewMemoryCredentialStore())
	called := false
	h := g.Middleware(func(rw http.ResponseWriter, r *http.Request) { called = true })
	rw := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/analyze/", nil)
	h(rw, r)
	if called {
		t.Fatal("Middleware invoked wrapped handler despite missing credential")
	}
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rw.Code, http.StatusUnauthorized)
	}
}
