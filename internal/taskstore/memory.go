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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store implementation that enforces the same
// indexes and uniqueness constraints as the Firestore-backed store,
// without requiring a live Firestore emulator. Grounded on the teacher's
// pattern (tools/ctl/rundex) of providing a non-Firestore implementation
// of the same store interface for local/dev/test use.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func clone(t *Task) *Task {
	c := *t
	if t.Qualifiers != nil {
		c.Qualifiers = make(map[string]string, len(t.Qualifiers))
		for k, v := range t.Qualifiers {
			c.Qualifiers[k] = v
		}
	}
	if t.ErrorDetails != nil {
		ed := *t.ErrorDetails
		c.ErrorDetails = &ed
	}
	return &c
}

func (s *MemoryStore) Insert(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.IdempotencyKey != "" {
		for _, existing := range s.tasks {
			if existing.CredentialID == t.CredentialID && existing.IdempotencyKey == t.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = Pending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.tasks[t.ID] = clone(t)
	*t = *clone(s.tasks[t.ID])
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, mutate Mutate) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := clone(t)
	mutate(working)
	s.tasks[id] = clone(working)
	return clone(working), nil
}

func (s *MemoryStore) FindByPURL(ctx context.Context, purl string, statuses []Status, since time.Time, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}
	var matches []*Task
	for _, t := range s.tasks {
		if t.PURL != purl {
			continue
		}
		if len(statuses) > 0 && !allowed[t.Status] {
			continue
		}
		if !since.IsZero() && t.CreatedAt.Before(since) {
			continue
		}
		matches = append(matches, clone(t))
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, credentialID, key string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.CredentialID == credentialID && t.IdempotencyKey == key {
			return clone(t), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindQueued(ctx context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queued []*Task
	for _, t := range s.tasks {
		if t.Status == Queued {
			queued = append(queued, clone(t))
		}
	}
	sortQueueOrder(queued)
	return queued, nil
}

func (s *MemoryStore) FindRunning(ctx context.Context) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Status == Running {
			return clone(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListByCredential(ctx context.Context, credentialID string, status Status, page, pageSize int) ([]*Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []*Task
	for _, t := range s.tasks {
		if t.CredentialID != credentialID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		matches = append(matches, clone(t))
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	total := len(matches)
	start := (page - 1) * pageSize
	if start < 0 || start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, ErrNotFound
	}
	maxPos := 0
	for _, other := range s.tasks {
		if other.Status == Queued && other.QueuePosition > maxPos {
			maxPos = other.QueuePosition
		}
	}
	next := maxPos + 1
	t.Status = Queued
	t.QueuedAt = time.Now().UTC()
	t.QueuePosition = next
	return next, nil
}

func (s *MemoryStore) Renumber(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queued []*Task
	for _, t := range s.tasks {
		if t.Status == Queued {
			queued = append(queued, t)
		}
	}
	sortQueueOrder(queued)
	for i, t := range queued {
		t.QueuePosition = i + 1
	}
	return nil
}

// sortQueueOrder sorts tasks by priority descending, then queued_at
// ascending, matching the dequeue order in spec.md §4.6.
func sortQueueOrder(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].QueuedAt.Before(tasks[j].QueuedAt)
	})
}

var _ Store = (*MemoryStore)(nil)

// MemoryCredentialStore is an in-process CredentialStore, used alongside
// MemoryStore in tests.
type MemoryCredentialStore struct {
	mu          sync.Mutex
	credentials map[string]*Credential // keyed by Key
}

// NewMemoryCredentialStore creates a store seeded with the given
// credentials.
func NewMemoryCredentialStore(creds ...*Credential) *MemoryCredentialStore {
	m := &MemoryCredentialStore{credentials: make(map[string]*Credential)}
	for _, c := range creds {
		m.credentials[c.Key] = c
	}
	return m
}

func (s *MemoryCredentialStore) FindByKey(ctx context.Context, key string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryCredentialStore) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.credentials {
		if c.ID == id {
			c.LastUsed = at
			return nil
		}
	}
	return ErrNotFound
}

var _ CredentialStore = (*MemoryCredentialStore)(nil)
