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

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// tasksCollection is the top-level Firestore collection holding Task
// documents. A composite index on (status ASC, priority DESC, queued_at
// ASC) is required for FindQueued; one on (credential_id ASC,
// idempotency_key ASC) is required for FindByIdempotencyKey; one on
// (purl ASC, created_at DESC) is required for FindByPURL. These must be
// declared out-of-band (firestore.indexes.json or the console), since the
// client library has no facility for declaring them.
const tasksCollection = "tasks"

// credentialsCollection holds Credential documents, found by their "key"
// field; the document ID is the credential ID.
const credentialsCollection = "credentials"

// FirestoreStore is the production Store, backed by Cloud Firestore. All
// multi-field updates run inside firestore.Client.RunTransaction so that
// readers never observe a partially applied mutation.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps an existing Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (f *FirestoreStore) doc(id string) *firestore.DocumentRef {
	return f.client.Collection(tasksCollection).Doc(id)
}

// taskFromSnapshot decodes a Task document, filling in ID from the
// document reference since Task.ID is not itself a stored field.
func taskFromSnapshot(snap *firestore.DocumentSnapshot) (*Task, error) {
	var t Task
	if err := snap.DataTo(&t); err != nil {
		return nil, errors.Wrap(err, "decoding task")
	}
	t.ID = snap.Ref.ID
	return &t, nil
}

func (f *FirestoreStore) Insert(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = Pending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if t.IdempotencyKey != "" {
			q := f.client.Collection(tasksCollection).
				Where("credential_id", "==", t.CredentialID).
				Where("idempotency_key", "==", t.IdempotencyKey).
				Limit(1)
			docs, err := tx.Documents(q).GetAll()
			if err != nil {
				return errors.Wrap(err, "checking idempotency key")
			}
			if len(docs) > 0 {
				return ErrDuplicateIdempotencyKey
			}
		}
		return tx.Create(f.doc(t.ID), t)
	})
	return err
}

func (f *FirestoreStore) Get(ctx context.Context, id string) (*Task, error) {
	snap, err := f.doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching task")
	}
	return taskFromSnapshot(snap)
}

func (f *FirestoreStore) Update(ctx context.Context, id string, mutate Mutate) (*Task, error) {
	var result Task
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(f.doc(id))
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "fetching task")
		}
		t, err := taskFromSnapshot(snap)
		if err != nil {
			return err
		}
		mutate(t)
		result = *t
		return tx.Set(f.doc(id), t)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (f *FirestoreStore) FindByPURL(ctx context.Context, purl string, statuses []Status, since time.Time, limit int) ([]*Task, error) {
	q := f.client.Collection(tasksCollection).Where("purl", "==", purl).OrderBy("created_at", firestore.Desc)
	if !since.IsZero() {
		q = q.Where("created_at", ">=", since)
	}
	// The status filter runs client-side, so the limit can only be pushed
	// into the query when there is no status filter.
	if limit > 0 && len(statuses) == 0 {
		q = q.Limit(limit)
	}
	allowed := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}
	var out []*Task
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "query error")
		}
		t, err := taskFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		if len(statuses) > 0 && !allowed[t.Status] {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *FirestoreStore) FindByIdempotencyKey(ctx context.Context, credentialID, key string) (*Task, error) {
	q := f.client.Collection(tasksCollection).
		Where("credential_id", "==", credentialID).
		Where("idempotency_key", "==", key).
		Limit(1)
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, errors.Wrap(err, "query error")
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return taskFromSnapshot(docs[0])
}

func (f *FirestoreStore) FindQueued(ctx context.Context) ([]*Task, error) {
	q := f.client.Collection(tasksCollection).
		Where("status", "==", string(Queued)).
		OrderBy("priority", firestore.Desc).
		OrderBy("queued_at", firestore.Asc)
	var out []*Task
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "query error")
		}
		t, err := taskFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *FirestoreStore) FindRunning(ctx context.Context) (*Task, error) {
	q := f.client.Collection(tasksCollection).Where("status", "==", string(Running)).Limit(1)
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, errors.Wrap(err, "query error")
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return taskFromSnapshot(docs[0])
}

func (f *FirestoreStore) ListByCredential(ctx context.Context, credentialID string, status Status, page, pageSize int) ([]*Task, int, error) {
	q := f.client.Collection(tasksCollection).
		Where("credential_id", "==", credentialID).
		OrderBy("created_at", firestore.Desc)
	if status != "" {
		q = q.Where("status", "==", string(status))
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, 0, errors.Wrap(err, "query error")
	}
	total := len(docs)
	start := (page - 1) * pageSize
	if start < 0 || start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]*Task, 0, end-start)
	for _, snap := range docs[start:end] {
		t, err := taskFromSnapshot(snap)
		if err != nil {
			return nil, total, err
		}
		out = append(out, t)
	}
	return out, total, nil
}

// Enqueue transitions a pending task to queued within a transaction,
// assigning it one past the current maximum queued position. The
// position read and the write happen inside the same transaction so two
// concurrent Enqueue calls can never observe the same max.
func (f *FirestoreStore) Enqueue(ctx context.Context, id string) (int, error) {
	var position int
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(f.doc(id))
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "fetching task")
		}
		t, err := taskFromSnapshot(snap)
		if err != nil {
			return err
		}
		maxQ := f.client.Collection(tasksCollection).
			Where("status", "==", string(Queued)).
			OrderBy("queue_position", firestore.Desc).
			Limit(1)
		maxDocs, err := tx.Documents(maxQ).GetAll()
		if err != nil {
			return errors.Wrap(err, "querying max queue position")
		}
		maxPos := 0
		if len(maxDocs) > 0 {
			maxTask, err := taskFromSnapshot(maxDocs[0])
			if err != nil {
				return err
			}
			maxPos = maxTask.QueuePosition
		}
		position = maxPos + 1
		t.Status = Queued
		t.QueuedAt = time.Now().UTC()
		t.QueuePosition = position
		return tx.Set(f.doc(id), t)
	})
	return position, err
}

// Renumber reassigns dense, gap-free positions (1..N) to all queued
// tasks, in the same priority/queued_at order FindQueued returns, in a
// single transaction. Called after any task leaves the queue so
// positions never develop holes.
func (f *FirestoreStore) Renumber(ctx context.Context) error {
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		q := f.client.Collection(tasksCollection).
			Where("status", "==", string(Queued)).
			OrderBy("priority", firestore.Desc).
			OrderBy("queued_at", firestore.Asc)
		docs, err := tx.Documents(q).GetAll()
		if err != nil {
			return errors.Wrap(err, "query error")
		}
		for i, snap := range docs {
			if err := tx.Update(snap.Ref, []firestore.Update{{Path: "queue_position", Value: i + 1}}); err != nil {
				return errors.Wrap(err, "renumbering task")
			}
		}
		return nil
	})
}

var _ Store = (*FirestoreStore)(nil)

// FirestoreCredentialStore is the production CredentialStore.
type FirestoreCredentialStore struct {
	client *firestore.Client
}

// NewFirestoreCredentialStore wraps an existing Firestore client.
func NewFirestoreCredentialStore(client *firestore.Client) *FirestoreCredentialStore {
	return &FirestoreCredentialStore{client: client}
}

func (f *FirestoreCredentialStore) FindByKey(ctx context.Context, key string) (*Credential, error) {
	q := f.client.Collection(credentialsCollection).Where("key", "==", key).Limit(1)
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, errors.Wrap(err, "query error")
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	var c Credential
	if err := docs[0].DataTo(&c); err != nil {
		return nil, errors.Wrap(err, "decoding credential")
	}
	c.ID = docs[0].Ref.ID
	return &c, nil
}

func (f *FirestoreCredentialStore) Touch(ctx context.Context, id string, at time.Time) error {
	ref := f.client.Collection(credentialsCollection).Doc(id)
	_, err := ref.Update(ctx, []firestore.Update{{Path: "last_used", Value: at}})
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	return err
}

var _ CredentialStore = (*FirestoreCredentialStore)(nil)
