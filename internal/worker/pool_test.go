package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"MailTrace/internal/models"
	"MailTrace/internal/queue"
	"MailTrace/internal/tracking"
)

type fakeQueue struct {
	mu    sync.Mutex
	jobs  chan *queue.Job
	acked []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(chan *queue.Job, 16)}
}

func (f *fakeQueue) Dequeue(ctx context.Context, _ time.Duration) (*queue.Job, error) {
	select {
	case job := <-f.jobs:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeQueue) Ack(_ context.Context, job *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, job.TrackingID)
	return nil
}

// Retry mirrors the real queue's attempt accounting but requeues without
// delay so tests run fast.
func (f *fakeQueue) Retry(_ context.Context, job *queue.Job) (bool, error) {
	job.Attempts++
	if job.Attempts >= job.MaxAttempts {
		return false, nil
	}
	f.jobs <- job
	return true, nil
}

type fakeStore struct {
	mu       sync.Mutex
	statuses map[string][]models.EmailStatus
	msgIDs   map[string]string
	errs     map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses: make(map[string][]models.EmailStatus),
		msgIDs:   make(map[string]string),
		errs:     make(map[string]string),
	}
}

func (f *fakeStore) UpdateStatus(_ context.Context, id string, status models.EmailStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = append(f.statuses[id], status)
	return nil
}

func (f *fakeStore) MarkSent(_ context.Context, id, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = append(f.statuses[id], models.StatusSent)
	f.msgIDs[id] = messageID
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id, errorMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = append(f.statuses[id], models.StatusFailed)
	f.errs[id] = errorMsg
	return nil
}

func (f *fakeStore) finalStatus(id string) models.EmailStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	history := f.statuses[id]
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1]
}

type fakeTransport struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	lastHTML  string
}

func (f *fakeTransport) Send(_ context.Context, _ *queue.Job, html string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastHTML = html
	if f.calls <= f.failFirst {
		return "", errors.New("smtp: connection refused")
	}
	return "<msg-1@test>", nil
}

type countingCounters struct {
	mu     sync.Mutex
	fields map[string]int64
}

func (c *countingCounters) Incr(_ context.Context, field string, delta int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fields == nil {
		c.fields = make(map[string]int64)
	}
	c.fields[field] += delta
	return nil
}

func (c *countingCounters) get(field string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields[field]
}

func testJob() *queue.Job {
	return &queue.Job{
		ID:          "job-1",
		TrackingID:  "track-1",
		To:          "a@x.com",
		Subject:     "Hi",
		HTML:        "<p>hi</p>",
		MaxAttempts: 3,
	}
}

func startTestPool(t *testing.T, q JobQueue, sender Transport, store Store, cnt Counters) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	injector := &tracking.Injector{
		ServerURL:   "http://mail.test",
		TrackOpens:  true,
		TrackClicks: true,
	}
	limiter := rate.NewLimiter(rate.Inf, 0)

	StartPool(ctx, &wg, 2, q, sender, injector, limiter, store, cnt, zap.NewNop())

	return func() {
		cancel()
		wg.Wait()
	}
}

func TestPoolDeliversAndMarksSent(t *testing.T) {
	q := newFakeQueue()
	store := newFakeStore()
	transport := &fakeTransport{}
	cnt := &countingCounters{}

	stop := startTestPool(t, q, transport, store, cnt)
	defer stop()

	q.jobs <- testJob()

	require.Eventually(t, func() bool {
		return store.finalStatus("track-1") == models.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	assert.Equal(t, []models.EmailStatus{models.StatusSending, models.StatusSent}, store.statuses["track-1"])
	assert.Equal(t, "<msg-1@test>", store.msgIDs["track-1"])
	store.mu.Unlock()

	assert.Equal(t, int64(1), cnt.get("sent"))

	q.mu.Lock()
	assert.Equal(t, []string{"track-1"}, q.acked)
	q.mu.Unlock()
}

func TestPoolInjectsTrackingBeforeTransport(t *testing.T) {
	q := newFakeQueue()
	store := newFakeStore()
	transport := &fakeTransport{}

	stop := startTestPool(t, q, transport, store, &countingCounters{})
	defer stop()

	q.jobs <- testJob()

	require.Eventually(t, func() bool {
		return store.finalStatus("track-1") == models.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Contains(t, transport.lastHTML, "/api/email/tracking/open/track-1")
	assert.True(t, strings.Contains(transport.lastHTML, "<p>hi</p>"))
}

func TestPoolDeadLettersAfterExhaustedRetries(t *testing.T) {
	q := newFakeQueue()
	store := newFakeStore()
	transport := &fakeTransport{failFirst: 100}
	cnt := &countingCounters{}

	stop := startTestPool(t, q, transport, store, cnt)
	defer stop()

	q.jobs <- testJob()

	require.Eventually(t, func() bool {
		return store.finalStatus("track-1") == models.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	transport.mu.Lock()
	assert.Equal(t, 3, transport.calls)
	transport.mu.Unlock()

	store.mu.Lock()
	assert.Contains(t, store.errs["track-1"], "connection refused")
	store.mu.Unlock()

	assert.Equal(t, int64(1), cnt.get("failed"))
	assert.Zero(t, cnt.get("sent"))
}

func TestPoolRecoversAfterTransientFailure(t *testing.T) {
	q := newFakeQueue()
	store := newFakeStore()
	transport := &fakeTransport{failFirst: 1}
	cnt := &countingCounters{}

	stop := startTestPool(t, q, transport, store, cnt)
	defer stop()

	q.jobs <- testJob()

	require.Eventually(t, func() bool {
		return store.finalStatus("track-1") == models.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	transport.mu.Lock()
	assert.Equal(t, 2, transport.calls)
	transport.mu.Unlock()

	assert.Equal(t, int64(1), cnt.get("sent"))
	assert.Zero(t, cnt.get("failed"))
}
