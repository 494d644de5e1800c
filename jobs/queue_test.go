package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/kopgen/store"
)

// memStore is an in-memory Store with the same dedupe rule as SQLite.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*store.Job
	order []string
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*store.Job{}}
}

func (m *memStore) CreateJobIfIdle(_ context.Context, id string, uploadID int64, kind string) (*store.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, jid := range m.order {
		j := m.jobs[jid]
		if j.UploadID == uploadID && !j.Done() {
			cp := *j
			return &cp, false, nil
		}
	}
	j := &store.Job{ID: id, UploadID: uploadID, Kind: kind, Status: store.JobQueued}
	m.jobs[id] = j
	m.order = append(m.order, id)
	cp := *j
	return &cp, true, nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) LatestJob(_ context.Context, uploadID int64) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		if j := m.jobs[m.order[i]]; j.UploadID == uploadID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) MarkJobRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = store.JobRunning
	j.Attempts++
	return nil
}

func (m *memStore) FinishJob(_ context.Context, id string, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = status
	j.Error = ""
	if status == store.JobFailed {
		j.Error = errMsg
	}
	return nil
}

func (m *memStore) PendingJobs(_ context.Context) ([]store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Job
	for _, id := range m.order {
		if j := m.jobs[id]; !j.Done() {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memStore) RequeueJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = store.JobQueued
	return nil
}

func (m *memStore) seed(j store.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = &j
	m.order = append(m.order, j.ID)
}

type fakeProcessor struct {
	mu      sync.Mutex
	calls   []int64
	fail    map[int64]error
	release chan struct{}
}

func (f *fakeProcessor) Process(ctx context.Context, uploadID int64) error {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, uploadID)
	return f.fail[uploadID]
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// panicProcessor panics for the uploads in panics, like a decoder hitting
// a malformed PDF.
type panicProcessor struct {
	fakeProcessor
	panics map[int64]bool
}

func (p *panicProcessor) Process(ctx context.Context, uploadID int64) error {
	if p.panics[uploadID] {
		panic("malformed PDF: unexpected EOF in content stream")
	}
	return p.fakeProcessor.Process(ctx, uploadID)
}

func waitDone(t *testing.T, st *memStore, id string) *store.Job {
	t.Helper()
	var job *store.Job
	require.Eventually(t, func() bool {
		j, err := st.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Done()
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestInlineModeRunsSynchronously(t *testing.T) {
	st := newMemStore()
	proc := &fakeProcessor{fail: map[int64]error{2: errors.New("llm down")}}
	q := NewQueue(proc, st, WithWorkers(0))
	defer q.Shutdown(context.Background())

	require.True(t, q.Inline())

	job, err := q.Enqueue(context.Background(), 1, store.JobProcess)
	require.NoError(t, err)
	assert.Equal(t, store.JobSucceeded, job.Status)
	assert.Equal(t, 1, job.Attempts)

	failed, err := q.Enqueue(context.Background(), 2, store.JobProcess)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, failed.Status)
	assert.Equal(t, "llm down", failed.Error)
}

func TestWorkersProcessJobs(t *testing.T) {
	st := newMemStore()
	proc := &fakeProcessor{}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	q := NewQueue(proc, st, WithWorkers(2), WithMetrics(m))

	var ids []string
	for uid := int64(1); uid <= 3; uid++ {
		job, err := q.Enqueue(context.Background(), uid, store.JobProcess)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		assert.Equal(t, store.JobSucceeded, waitDone(t, st, id).Status)
	}

	q.Shutdown(context.Background())
	assert.Equal(t, 3, proc.callCount())
	assert.Equal(t, float64(3), testutil.ToFloat64(m.jobs.WithLabelValues(store.JobProcess, "succeeded")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.depth))
}

func TestPanickingProcessorFailsJob(t *testing.T) {
	tests := []struct {
		name    string
		workers int
	}{
		{name: "inline", workers: 0},
		{name: "worker pool", workers: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			proc := &panicProcessor{panics: map[int64]bool{1: true}}
			m := NewMetrics(prometheus.NewRegistry())
			q := NewQueue(proc, st, WithWorkers(tt.workers), WithMetrics(m))

			var bad *store.Job
			require.NotPanics(t, func() {
				var err error
				bad, err = q.Enqueue(context.Background(), 1, store.JobProcess)
				require.NoError(t, err)
			})
			failed := waitDone(t, st, bad.ID)
			assert.Equal(t, store.JobFailed, failed.Status)
			assert.Contains(t, failed.Error, "malformed PDF")

			// The queue keeps serving after the panic.
			good, err := q.Enqueue(context.Background(), 2, store.JobProcess)
			require.NoError(t, err)
			assert.Equal(t, store.JobSucceeded, waitDone(t, st, good.ID).Status)

			q.Shutdown(context.Background())
			assert.Equal(t, float64(1), testutil.ToFloat64(m.jobs.WithLabelValues(store.JobProcess, "failed")))
			assert.Equal(t, float64(1), testutil.ToFloat64(m.jobs.WithLabelValues(store.JobProcess, "succeeded")))
		})
	}
}

func TestEnqueueDedupesActiveJob(t *testing.T) {
	st := newMemStore()
	proc := &fakeProcessor{release: make(chan struct{})}
	q := NewQueue(proc, st, WithWorkers(1))

	first, err := q.Enqueue(context.Background(), 7, store.JobProcess)
	require.NoError(t, err)
	second, err := q.Enqueue(context.Background(), 7, store.JobRegenerate)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	close(proc.release)
	waitDone(t, st, first.ID)
	q.Shutdown(context.Background())
	assert.Equal(t, 1, proc.callCount())
}

func TestEnqueueAfterShutdown(t *testing.T) {
	q := NewQueue(&fakeProcessor{}, newMemStore(), WithWorkers(1))
	q.Shutdown(context.Background())
	q.Shutdown(context.Background()) // idempotent

	_, err := q.Enqueue(context.Background(), 1, store.JobProcess)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestEnqueueQueueFull(t *testing.T) {
	st := newMemStore()
	proc := &fakeProcessor{release: make(chan struct{})}
	q := NewQueue(proc, st, WithWorkers(1), WithQueueSize(1))
	defer func() {
		close(proc.release)
		q.Shutdown(context.Background())
	}()

	// One job occupies the worker, one fills the buffer.
	_, err := q.Enqueue(context.Background(), 1, store.JobProcess)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := st.LatestJob(context.Background(), 1)
		return j != nil && j.Status == store.JobRunning
	}, 2*time.Second, 5*time.Millisecond)
	_, err = q.Enqueue(context.Background(), 2, store.JobProcess)
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), 3, store.JobProcess)
	assert.ErrorIs(t, err, ErrQueueFull)

	rejected, err := q.Status(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, rejected.Status)
}

func TestJobTimeout(t *testing.T) {
	st := newMemStore()
	proc := &fakeProcessor{release: make(chan struct{})}
	q := NewQueue(proc, st, WithWorkers(0), WithJobTimeout(20*time.Millisecond))

	job, err := q.Enqueue(context.Background(), 1, store.JobProcess)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.Contains(t, job.Error, context.DeadlineExceeded.Error())
}

func TestResume(t *testing.T) {
	st := newMemStore()
	st.seed(store.Job{ID: "left-running", UploadID: 1, Kind: store.JobProcess, Status: store.JobRunning, Attempts: 1})
	st.seed(store.Job{ID: "left-queued", UploadID: 2, Kind: store.JobRegenerate, Status: store.JobQueued})
	st.seed(store.Job{ID: "finished", UploadID: 3, Kind: store.JobProcess, Status: store.JobSucceeded})

	proc := &fakeProcessor{}
	q := NewQueue(proc, st, WithWorkers(1))

	n, err := q.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	running := waitDone(t, st, "left-running")
	assert.Equal(t, store.JobSucceeded, running.Status)
	assert.Equal(t, 2, running.Attempts)
	assert.Equal(t, store.JobSucceeded, waitDone(t, st, "left-queued").Status)

	q.Shutdown(context.Background())
	assert.Equal(t, 2, proc.callCount())
}

func TestShutdownInterruptedByContext(t *testing.T) {
	st := newMemStore()
	proc := &fakeProcessor{release: make(chan struct{})}
	q := NewQueue(proc, st, WithWorkers(1), WithJobTimeout(time.Minute))

	_, err := q.Enqueue(context.Background(), 1, store.JobProcess)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	q.Shutdown(ctx)
	assert.Less(t, time.Since(start), time.Second)

	close(proc.release)
}
