// Copyright 2024 The registry-engine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mlartifacts/registry-engine/pkg/model"
)

// recordingRegistrar collects the URLs it was asked to ingest.
type recordingRegistrar struct {
	mtx     sync.Mutex
	urls    []string
	started chan struct{}
	block   chan struct{}
}

func (r *recordingRegistrar) Register(_ context.Context, _ model.Kind, data model.ArtifactData) (model.Status, *model.Artifact) {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	r.mtx.Lock()
	r.urls = append(r.urls, data.URL)
	r.mtx.Unlock()
	return model.StatusSuccess, nil
}

func (r *recordingRegistrar) seen() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]string(nil), r.urls...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubmitRunsJobs(t *testing.T) {
	r := &recordingRegistrar{}
	m := NewManager(nil, nil, r, 16, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	for _, u := range []string{"u1", "u2", "u3"} {
		if !m.Submit(Job{Kind: model.KindModel, Data: model.ArtifactData{URL: u}}) {
			t.Fatalf("submit of %s rejected", u)
		}
	}
	waitFor(t, func() bool { return len(r.seen()) == 3 })

	cancel()
	<-done
}

func TestSubmitBackpressure(t *testing.T) {
	r := &recordingRegistrar{block: make(chan struct{})}
	m := NewManager(nil, nil, r, 2, 1)

	// Not running: everything stays queued.
	if !m.Submit(Job{Data: model.ArtifactData{URL: "u1"}}) {
		t.Fatal("first submit rejected")
	}
	if !m.Submit(Job{Data: model.ArtifactData{URL: "u2"}}) {
		t.Fatal("second submit rejected")
	}
	if m.Submit(Job{Data: model.ArtifactData{URL: "u3"}}) {
		t.Fatal("submit beyond capacity accepted")
	}
}

func TestShutdownJoinsWorkers(t *testing.T) {
	r := &recordingRegistrar{
		started: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	m := NewManager(nil, nil, r, 16, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	m.Submit(Job{Data: model.ArtifactData{URL: "u1"}})

	// Wait until the worker holds the job, then cancel. The in-flight
	// job must still complete.
	<-r.started
	cancel()
	close(r.block)
	<-done

	if got := r.seen(); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("in-flight job result = %v, want [u1]", got)
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	q := newQueue(3)
	for _, u := range []string{"a", "b", "c"} {
		if !q.add(Job{Data: model.ArtifactData{URL: u}}) {
			t.Fatalf("add %s failed", u)
		}
	}
	if q.add(Job{}) {
		t.Fatal("add beyond capacity succeeded")
	}
	for _, want := range []string{"a", "b", "c"} {
		j, ok := q.pop()
		if !ok || j.Data.URL != want {
			t.Fatalf("pop = %v, %v; want %s", j.Data.URL, ok, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("queue not empty after draining")
	}

	// Wrap-around reuses freed slots.
	q.add(Job{Data: model.ArtifactData{URL: "d"}})
	j, ok := q.pop()
	if !ok || j.Data.URL != "d" {
		t.Fatalf("pop after wrap = %v, %v", j.Data.URL, ok)
	}
}
