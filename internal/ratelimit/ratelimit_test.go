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

package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllowsUpToLimit(t *testing.T) {
	l := NewLimiter()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if !l.allowAt("cred-1", 3, base) {
			t.Fatalf("allowAt() request %d = false, want true", i)
		}
	}
	if l.allowAt("cred-1", 3, base) {
		t.Fatal("allowAt() 4th request = true, want false")
	}
}

func TestLimiterResetsAfterWindow(t *testing.T) {
	l := NewLimiter()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !l.allowAt("cred-1", 1, base) {
		t.Fatal("allowAt() first request = false, want true")
	}
	if l.allowAt("cred-1", 1, base.Add(30*time.Minute)) {
		t.Fatal("allowAt() within window = true, want false")
	}
	if !l.allowAt("cred-1", 1, base.Add(61*time.Minute)) {
		t.Fatal("allowAt() after window = false, want true")
	}
}

func TestLimiterZeroDisablesLimiting(t *testing.T) {
	l := NewLimiter()
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !l.allowAt("cred-1", 0, now) {
			t.Fatalf("allowAt() with limit=0, request %d = false, want true", i)
		}
	}
}

func TestLimiterIsolatesKeys(t *testing.T) {
	l := NewLimiter()
	now := time.Now()
	if !l.allowAt("cred-1", 1, now) {
		t.Fatal("allowAt() cred-1 first request = false, want true")
	}
	if !l.allowAt("cred-2", 1, now) {
		t.Fatal("allowAt() cred-2 first request = false, want true")
	}
	if l.allowAt("cred-1", 1, now) {
		t.Fatal("allowAt() cred-1 second request = true, want false")
	}
}

func TestLimiterRemaining(t *testing.T) {
	l := NewLimiter()
	if got := l.Remaining("cred-1", 5); got != 5 {
		t.Fatalf("Remaining() on unseen key = %d, want 5", got)
	}
	l.Allow("cred-1", 5)
	if got := l.Remaining("cred-1", 5); got != 4 {
		t.Fatalf("Remaining() after one request = %d, want 4", got)
	}
}
