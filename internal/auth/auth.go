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

// Package auth implements the credential gate described in spec.md §4.1:
// it authenticates a request, enforces the per-credential hourly quota,
// and attaches the resolved credential to the request context.
package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/dynamicanalysis/internal/api"
	"github.com/google/dynamicanalysis/internal/ratelimit"
	"github.com/google/dynamicanalysis/internal/taskstore"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

type credentialKey struct{}

// FromContext returns the Credential attached by Gate.Authenticate, if
// any.
func FromContext(ctx context.Context) (*taskstore.Credential, bool) {
	c, ok := ctx.Value(credentialKey{}).(*taskstore.Credential)
	return c, ok
}

// Gate authenticates requests and enforces the fixed-window quota.
type Gate struct {
	Credentials taskstore.CredentialStore
	Limiter     *ratelimit.Limiter
}

// NewGate constructs a Gate with a fresh Limiter.
func NewGate(store taskstore.CredentialStore) *Gate {
	return &Gate{Credentials: store, Limiter: ratelimit.NewLimiter()}
}

// tokenFromRequest extracts the bearer token or dedicated key header, per
// spec.md §6.
func tokenFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return ""
}

// Authenticate validates the request's credential, enforces its quota,
// and returns a context carrying the resolved Credential. It returns an
// AsStatus(codes.Unauthenticated, ...) error ("AuthError") on a missing or
// inactive key, and AsStatus(codes.ResourceExhausted, ...) ("RateLimit")
// once the hourly quota is exhausted.
func (g *Gate) Authenticate(ctx context.Context, r *http.Request) (context.Context, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return ctx, api.AsStatus(codes.Unauthenticated, errors.New("missing credential"))
	}
	cred, err := g.Credentials.FindByKey(ctx, token)
	if errors.Is(err, taskstore.ErrNotFound) {
		return ctx, api.AsStatus(codes.Unauthenticated, errors.New("unknown credential"))
	}
	if err != nil {
		return ctx, errors.Wrap(err, "looking up credential")
	}
	if !cred.IsActive {
		return ctx, api.AsStatus(codes.Unauthenticated, errors.New("inactive credential"))
	}
	if !g.Limiter.Allow(cred.ID, cred.RateLimitPerHour) {
		return ctx, api.AsStatus(codes.ResourceExhausted, errors.New("rate limit exceeded"))
	}
	if err := g.Credentials.Touch(ctx, cred.ID, time.Now().UTC()); err != nil {
		return ctx, errors.Wrap(err, "refreshing credential")
	}
	return context.WithValue(ctx, credentialKey{}, cred), nil
}

// Middleware wraps h, authenticating every request before it runs and
// writing the envelope-shaped failure response itself if authentication
// fails, so individual handlers never need to repeat this logic. On
// success it stamps X-RateLimit-Remaining so callers can see their
// quota without a dedicated endpoint.
func (g *Gate) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx, err := g.Authenticate(r.Context(), r)
		if err != nil {
			api.WriteError(rw, err)
			return
		}
		if cred, ok := FromContext(ctx); ok {
			rw.Header().Set("X-RateLimit-Remaining", strconv.Itoa(g.Limiter.Remaining(cred.ID, cred.RateLimitPerHour)))
		}
		h(rw, r.WithContext(ctx))
	}
}
