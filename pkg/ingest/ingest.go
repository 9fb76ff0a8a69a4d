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

// Package ingest runs artifact registrations out of band from the
// request that submitted them. Submissions land on a bounded queue
// drained by a single dispatcher into a fixed worker pool; a full
// queue pushes back on the submitter.
package ingest

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mlartifacts/registry-engine/pkg/model"
)

var (
	jobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registry_ingest_jobs_submitted_total",
		Help: "Number of ingest jobs accepted onto the deferred queue.",
	})
	jobsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registry_ingest_jobs_rejected_total",
		Help: "Number of ingest submissions rejected because the queue was full.",
	})
	jobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_ingest_jobs_completed_total",
		Help: "Number of ingest jobs run to completion, by resulting status.",
	}, []string{"status"})
)

// Registrar runs one full synchronous ingest. Satisfied by the
// accessor's Register.
type Registrar interface {
	Register(ctx context.Context, kind model.Kind, data model.ArtifactData) (model.Status, *model.Artifact)
}

// Job is one queued registration request.
type Job struct {
	Kind model.Kind
	Data model.ArtifactData
}

// Manager owns the deferred queue and worker pool.
type Manager struct {
	logger    log.Logger
	registrar Registrar
	workers   int

	mtx   sync.Mutex
	queue *queue
	// nextc wakes the dispatcher after a submission. Capacity one:
	// the dispatcher drains the whole queue per wakeup, so collapsed
	// triggers are fine.
	nextc chan struct{}

	jobc chan Job
}

// NewManager sizes the queue and worker pool. Run must be called
// before submissions are accepted.
func NewManager(logger log.Logger, reg prometheus.Registerer, registrar Registrar, capacity, workers int) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if capacity <= 0 {
		capacity = 64
	}
	if workers <= 0 {
		workers = 4
	}
	m := &Manager{
		logger:    logger,
		registrar: registrar,
		workers:   workers,
		queue:     newQueue(capacity),
		nextc:     make(chan struct{}, 1),
		jobc:      make(chan Job),
	}
	if reg != nil {
		reg.MustRegister(jobsSubmitted, jobsRejected, jobsCompleted,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "registry_ingest_queue_length",
				Help: "Current number of jobs waiting on the deferred queue.",
			}, func() float64 {
				m.mtx.Lock()
				defer m.mtx.Unlock()
				return float64(m.queue.length())
			}))
	}
	return m
}

// Submit enqueues a job. It returns false when the queue is full;
// the caller surfaces that as backpressure.
func (m *Manager) Submit(job Job) bool {
	m.mtx.Lock()
	ok := m.queue.add(job)
	m.mtx.Unlock()

	if !ok {
		jobsRejected.Inc()
		return false
	}
	jobsSubmitted.Inc()
	m.triggerNext()
	return true
}

func (m *Manager) triggerNext() {
	select {
	case m.nextc <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled, then joins the worker
// pool. In-flight jobs run to completion; queued jobs not yet handed
// to a worker are dropped (the queue is not persisted).
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range m.jobc {
				// Workers outlive ctx so in-flight jobs finish.
				st, _ := m.registrar.Register(context.Background(), job.Kind, job.Data)
				jobsCompleted.WithLabelValues(st.String()).Inc()
				if st != model.StatusSuccess {
					level.Warn(m.logger).Log("msg", "deferred ingest did not succeed", "url", job.Data.URL, "status", st)
				}
			}
		}()
	}

	level.Info(m.logger).Log("msg", "ingest manager running", "workers", m.workers)
	for {
		select {
		case <-ctx.Done():
			close(m.jobc)
			wg.Wait()
			m.mtx.Lock()
			dropped := m.queue.length()
			m.mtx.Unlock()
			if dropped > 0 {
				level.Warn(m.logger).Log("msg", "ingest manager stopped with queued jobs dropped", "dropped", dropped)
			}
			return nil
		case <-m.nextc:
		}

	drain:
		for {
			m.mtx.Lock()
			job, ok := m.queue.pop()
			m.mtx.Unlock()
			if !ok {
				break
			}
			select {
			case m.jobc <- job:
			case <-ctx.Done():
				// Shutdown raced a hand-off; the job is dropped with
				// the rest of the queue.
				break drain
			}
		}
	}
}

// queue is a fixed-capacity ring buffer preserving submit order.
type queue struct {
	buf        []Job
	head, tail int
	len        int
}

func newQueue(size int) *queue {
	return &queue{buf: make([]Job, size)}
}

func (q *queue) length() int {
	return q.len
}

func (q *queue) add(j Job) bool {
	if q.len == len(q.buf) {
		return false
	}
	q.buf[q.tail] = j
	q.tail = (q.tail + 1) % len(q.buf)
	q.len++

	return true
}

// pop removes and returns the oldest job. The vacated slot is zeroed
// so a job's payload does not outlive its dequeue.
func (q *queue) pop() (Job, bool) {
	if q.len == 0 {
		return Job{}, false
	}
	j := q.buf[q.head]
	q.buf[q.head] = Job{}
	q.head = (q.head + 1) % len(q.buf)
	q.len--

	return j, true
}
