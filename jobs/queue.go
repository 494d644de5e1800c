// Package jobs runs upload processing on a bounded worker pool with job
// state persisted in the store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/kopgen/store"
)

var (
	// ErrQueueClosed is returned by Enqueue after Shutdown.
	ErrQueueClosed = errors.New("jobs: queue is shutting down")
	// ErrQueueFull is returned when no worker slot or buffer space is free.
	ErrQueueFull = errors.New("jobs: queue is full")
)

// Processor runs the pipeline for one upload.
type Processor interface {
	Process(ctx context.Context, uploadID int64) error
}

// Store is the job persistence the queue needs.
type Store interface {
	CreateJobIfIdle(ctx context.Context, id string, uploadID int64, kind string) (*store.Job, bool, error)
	GetJob(ctx context.Context, id string) (*store.Job, error)
	LatestJob(ctx context.Context, uploadID int64) (*store.Job, error)
	MarkJobRunning(ctx context.Context, id string) error
	FinishJob(ctx context.Context, id string, status, errMsg string) error
	PendingJobs(ctx context.Context) ([]store.Job, error)
	RequeueJob(ctx context.Context, id string) error
}

// Queue dispatches jobs to workers. With zero workers jobs run inline
// inside Enqueue.
type Queue struct {
	proc    Processor
	store   Store
	logger  *slog.Logger
	metrics *Metrics
	workers int
	timeout time.Duration
	size    int

	ch   chan store.Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*Queue)

// WithWorkers sets the pool size. Zero selects inline mode.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.size = n
		}
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(q *Queue) {
		if m != nil {
			q.metrics = m
		}
	}
}

// NewQueue creates a queue and starts its workers.
func NewQueue(proc Processor, st Store, opts ...Option) *Queue {
	q := &Queue{
		proc:    proc,
		store:   st,
		logger:  slog.Default(),
		workers: 2,
		timeout: 10 * time.Minute,
		size:    64,
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = NewMetrics(nil)
	}
	q.ch = make(chan store.Job, q.size)
	q.start()
	return q
}

// Inline reports whether jobs run synchronously inside Enqueue.
func (q *Queue) Inline() bool {
	return q.workers == 0
}

func (q *Queue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)

				for job := range q.ch {
					q.metrics.depth.Dec()
					q.run(job, workerID)
				}

				q.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Enqueue persists a job for the upload and schedules it. When the upload
// already has a queued or running job, that job is returned unchanged.
func (q *Queue) Enqueue(ctx context.Context, uploadID int64, kind string) (*store.Job, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("cannot enqueue: queue is shutting down", "upload_id", uploadID)
		return nil, ErrQueueClosed
	}

	job, created, err := q.store.CreateJobIfIdle(ctx, uuid.NewString(), uploadID, kind)
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("creating job: %w", err)
	}
	if !created {
		q.mu.Unlock()
		q.logger.Info("job already active", "upload_id", uploadID, "job_id", job.ID, "status", job.Status)
		return job, nil
	}

	if q.Inline() {
		q.mu.Unlock()
		q.run(*job, 0)
		return q.store.GetJob(ctx, job.ID)
	}

	err = q.dispatch(*job)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return job, nil
}

// dispatch hands a job to the workers. Callers hold q.mu.
func (q *Queue) dispatch(job store.Job) error {
	select {
	case q.ch <- job:
		q.metrics.depth.Inc()
		q.logger.Info("queued upload for processing", "upload_id", job.UploadID, "job_id", job.ID, "kind", job.Kind)
		return nil
	default:
		q.logger.Warn("queue full, rejecting job", "upload_id", job.UploadID, "job_id", job.ID)
		if err := q.store.FinishJob(context.Background(), job.ID, store.JobFailed, ErrQueueFull.Error()); err != nil {
			q.logger.Error("recording rejected job", "job_id", job.ID, "error", err)
		}
		q.metrics.jobs.WithLabelValues(job.Kind, "rejected").Inc()
		return ErrQueueFull
	}
}

// Status returns the most recent job for an upload.
func (q *Queue) Status(ctx context.Context, uploadID int64) (*store.Job, error) {
	return q.store.LatestJob(ctx, uploadID)
}

// Resume schedules jobs a previous process left queued or running. It
// returns the number of jobs scheduled.
func (q *Queue) Resume(ctx context.Context) (int, error) {
	pending, err := q.store.PendingJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending jobs: %w", err)
	}

	n := 0
	for _, job := range pending {
		if job.Status == store.JobRunning {
			if err := q.store.RequeueJob(ctx, job.ID); err != nil {
				return n, fmt.Errorf("requeueing job %s: %w", job.ID, err)
			}
			job.Status = store.JobQueued
		}

		if q.Inline() {
			q.run(job, 0)
			n++
			continue
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return n, ErrQueueClosed
		}
		err := q.dispatch(job)
		q.mu.Unlock()
		if err != nil {
			return n, err
		}
		n++
	}

	if n > 0 {
		q.logger.Info("resumed pending jobs", "count", n)
	}
	return n, nil
}

// run executes one job with the per-job timeout and records the outcome.
func (q *Queue) run(job store.Job, workerID int) {
	start := time.Now()
	log := q.logger.With("worker_id", workerID, "job_id", job.ID, "upload_id", job.UploadID, "kind", job.Kind)

	if err := q.store.MarkJobRunning(context.Background(), job.ID); err != nil {
		log.Error("marking job running", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	err := q.process(ctx, job.UploadID, log)
	cancel()

	elapsed := time.Since(start)
	q.metrics.duration.WithLabelValues(job.Kind).Observe(elapsed.Seconds())

	status, outcome, msg := store.JobSucceeded, "succeeded", ""
	if err != nil {
		status, outcome, msg = store.JobFailed, "failed", err.Error()
		log.Error("processing failed", "error", err, "elapsed", elapsed.Round(time.Millisecond))
	} else {
		log.Info("processed upload successfully", "elapsed", elapsed.Round(time.Millisecond))
	}
	q.metrics.jobs.WithLabelValues(job.Kind, outcome).Inc()

	if err := q.store.FinishJob(context.Background(), job.ID, status, msg); err != nil {
		log.Error("recording job outcome", "error", err)
	}
}

// process runs the processor, turning a panic into a job failure so one
// bad upload cannot take the server down.
func (q *Queue) process(ctx context.Context, uploadID int64, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("processor panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.proc.Process(ctx, uploadID)
}

// Shutdown stops intake and waits for workers to drain or ctx to end.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}
