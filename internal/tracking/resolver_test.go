package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"MailTrace/internal/db"
	"MailTrace/internal/enrich"
	"MailTrace/internal/models"
)

type fakeLogStore struct {
	mu       sync.Mutex
	logs     map[string]*models.EmailLog
	clickErr error
}

func (f *fakeLogStore) GetLog(_ context.Context, id string) (*models.EmailLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.logs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return entry, nil
}

func (f *fakeLogStore) RecordOpen(_ context.Context, id string, ip string, geo enrich.Geo, dev enrich.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := f.logs[id]
	entry.OpenCount++
	entry.IPAddress = ip
	entry.Country = geo.Country
	entry.DeviceType = dev.Type
	return nil
}

func (f *fakeLogStore) RecordClick(_ context.Context, id string, event models.ClickEvent, geo enrich.Geo, dev enrich.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clickErr != nil {
		return f.clickErr
	}
	entry := f.logs[id]
	entry.Status = models.StatusClicked
	entry.ClickCount++
	entry.ClickURLs = append(entry.ClickURLs, event)
	if geo.Country != "" {
		entry.Country = geo.Country
	}
	return nil
}

type fakeCounters struct {
	mu        sync.Mutex
	metrics   map[string]int64
	countries map[string]int64
	urls      map[string]int64
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{
		metrics:   make(map[string]int64),
		countries: make(map[string]int64),
		urls:      make(map[string]int64),
	}
}

func (f *fakeCounters) Incr(_ context.Context, field string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[field] += delta
	return nil
}

func (f *fakeCounters) IncrCountry(_ context.Context, country string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countries[country]++
	return nil
}

func (f *fakeCounters) IncrURL(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls[hash]++
	return nil
}

func (f *fakeCounters) get(field string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics[field]
}

type staticEnricher struct{}

func (staticEnricher) Geo(string) enrich.Geo {
	return enrich.Geo{Country: "DE", Region: "BE", City: "Berlin"}
}

func (staticEnricher) Device(string) enrich.Device {
	return enrich.Device{Type: "mobile", Browser: "Firefox", OS: "Android"}
}

func newTestResolver(logs map[string]*models.EmailLog) (*Resolver, *fakeLogStore, *fakeCounters) {
	store := &fakeLogStore{logs: logs}
	cnt := newFakeCounters()
	r := NewResolver(store, cnt, staticEnricher{}, zap.NewNop())
	return r, store, cnt
}

func TestHandleOpenUnknownIDIsSilent(t *testing.T) {
	r, _, cnt := newTestResolver(map[string]*models.EmailLog{})

	r.HandleOpen(context.Background(), "ghost", RequestContext{IP: "1.2.3.4"})

	assert.Zero(t, cnt.get("opened"))
}

func TestHandleOpenIncrementsAndEnriches(t *testing.T) {
	entry := &models.EmailLog{ID: "t1", Status: models.StatusSent}
	r, store, cnt := newTestResolver(map[string]*models.EmailLog{"t1": entry})

	r.HandleOpen(context.Background(), "t1", RequestContext{IP: "1.2.3.4", UserAgent: "ua"})

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, entry.OpenCount)
	assert.Equal(t, "DE", entry.Country)
	assert.Equal(t, "mobile", entry.DeviceType)
	assert.Equal(t, int64(1), cnt.get("opened"))
}

func TestHandleOpenIsMonotonicUnderConcurrency(t *testing.T) {
	const n = 50

	entry := &models.EmailLog{ID: "t1", Status: models.StatusSent}
	r, store, cnt := newTestResolver(map[string]*models.EmailLog{"t1": entry})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.HandleOpen(context.Background(), "t1", RequestContext{IP: "1.2.3.4"})
		}()
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, n, entry.OpenCount)
	assert.Equal(t, int64(n), cnt.get("opened"))
}

func TestHandleClickRequiresURL(t *testing.T) {
	entry := &models.EmailLog{ID: "t1", Status: models.StatusSent}
	r, store, cnt := newTestResolver(map[string]*models.EmailLog{"t1": entry})

	_, err := r.HandleClick(context.Background(), "t1", "", RequestContext{})

	require.ErrorIs(t, err, ErrMissingURL)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Zero(t, entry.ClickCount)
	assert.Zero(t, cnt.get("clicked"))
}

func TestHandleClickUnknownIDStillRedirects(t *testing.T) {
	r, _, cnt := newTestResolver(map[string]*models.EmailLog{})

	target, err := r.HandleClick(context.Background(), "ghost",
		"https%3A%2F%2Fexample.org%2Fx", RequestContext{})

	require.NoError(t, err)
	assert.Equal(t, "https://example.org/x", target)
	assert.Zero(t, cnt.get("clicked"))
}

func TestHandleClickRecordsEverything(t *testing.T) {
	entry := &models.EmailLog{ID: "t1", Status: models.StatusSent}
	r, store, cnt := newTestResolver(map[string]*models.EmailLog{"t1": entry})

	target, err := r.HandleClick(context.Background(), "t1",
		"https%3A%2F%2Fexample.org%2Fbuy", RequestContext{IP: "1.2.3.4", UserAgent: "ua"})

	require.NoError(t, err)
	assert.Equal(t, "https://example.org/buy", target)

	store.mu.Lock()
	assert.Equal(t, models.StatusClicked, entry.Status)
	assert.Equal(t, 1, entry.ClickCount)
	require.Len(t, entry.ClickURLs, 1)
	assert.Equal(t, "https://example.org/buy", entry.ClickURLs[0].URL)
	store.mu.Unlock()

	assert.Equal(t, int64(1), cnt.get("clicked"))
	cnt.mu.Lock()
	assert.Equal(t, int64(1), cnt.countries["DE"])
	assert.Len(t, cnt.urls, 1)
	cnt.mu.Unlock()
}

func TestHandleClickOverwritesTerminalStatus(t *testing.T) {
	entry := &models.EmailLog{ID: "t1", Status: models.StatusBounced}
	r, store, _ := newTestResolver(map[string]*models.EmailLog{"t1": entry})

	_, err := r.HandleClick(context.Background(), "t1", "http%3A%2F%2Fe.org", RequestContext{})

	require.NoError(t, err)
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, models.StatusClicked, entry.Status)
}

func TestHandleClickSwallowsPersistenceErrors(t *testing.T) {
	entry := &models.EmailLog{ID: "t1", Status: models.StatusSent}
	r, store, cnt := newTestResolver(map[string]*models.EmailLog{"t1": entry})
	store.clickErr = errors.New("db down")

	target, err := r.HandleClick(context.Background(), "t1", "http%3A%2F%2Fe.org", RequestContext{})

	require.NoError(t, err)
	assert.Equal(t, "http://e.org", target)
	assert.Zero(t, cnt.get("clicked"))
}
