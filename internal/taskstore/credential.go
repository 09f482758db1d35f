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

package taskstore

import (
	"context"
	"time"
)

// Credential is an API credential, per spec.md §3.
type Credential struct {
	ID               string    `firestore:"-"`
	Key              string    `firestore:"key"`
	RateLimitPerHour int       `firestore:"rate_limit_per_hour"`
	IsActive         bool      `firestore:"is_active"`
	LastUsed         time.Time `firestore:"last_used,omitempty"`
}

// CredentialStore looks up and refreshes credentials.
type CredentialStore interface {
	// FindByKey returns the Credential for the given bearer token/API key.
	// It returns ErrNotFound if no credential matches.
	FindByKey(ctx context.Context, key string) (*Credential, error)

	// Touch refreshes LastUsed for the given credential.
	Touch(ctx context.Context, id string, at time.Time) error
}
