// Package stats composes record-store aggregates, queue depths and the
// counter set into the read-only reporting endpoints. It holds no state of
// its own.
package stats

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"MailTrace/internal/counters"
)

// ErrBatchNotFound is returned when a batch id matches no log entries.
var ErrBatchNotFound = errors.New("batch not found")

const breakdownLimit = 10

// Store is the aggregate-query side of the record store.
type Store interface {
	CountAll(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	CountByBatch(ctx context.Context, batchID string) (int64, map[string]int64, error)
	Breakdown(ctx context.Context, field string, limit int) (map[string]int64, error)
}

// QueueInspector reports queue depth by state.
type QueueInspector interface {
	Counts(ctx context.Context) (map[string]int64, error)
}

// CounterSet reports the global counter snapshot.
type CounterSet interface {
	Snapshot(ctx context.Context) (map[string]int64, error)
}

// Overview is the full stats projection.
type Overview struct {
	TotalEmails  int64            `json:"total_emails"`
	StatusCounts map[string]int64 `json:"status_counts"`
	DeviceStats  map[string]int64 `json:"device_stats"`
	CountryStats map[string]int64 `json:"country_stats"`
	BrowserStats map[string]int64 `json:"browser_stats"`
	OSStats      map[string]int64 `json:"os_stats"`
	QueueStatus  map[string]int64 `json:"queue_status"`
	Metrics      map[string]int64 `json:"metrics"`

	DeliveryRate float64 `json:"delivery_rate"`
	BounceRate   float64 `json:"bounce_rate"`
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
}

// BatchStatus is the aggregate projection for one bulk submission.
type BatchStatus struct {
	BatchID      string           `json:"batch_id"`
	Total        int64            `json:"total"`
	StatusCounts map[string]int64 `json:"status_counts"`
}

type Aggregator struct {
	store    Store
	queue    QueueInspector
	counters CounterSet
}

func New(store Store, queue QueueInspector, cnt CounterSet) *Aggregator {
	return &Aggregator{
		store:    store,
		queue:    queue,
		counters: cnt,
	}
}

// Overview gathers every aggregate concurrently and derives the engagement
// rates. Rates are zero when no emails exist.
func (a *Aggregator) Overview(ctx context.Context) (*Overview, error) {
	var overview Overview

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		overview.TotalEmails, err = a.store.CountAll(gctx)
		return err
	})
	g.Go(func() (err error) {
		overview.StatusCounts, err = a.store.CountByStatus(gctx)
		return err
	})
	g.Go(func() (err error) {
		overview.DeviceStats, err = a.store.Breakdown(gctx, "device", breakdownLimit)
		return err
	})
	g.Go(func() (err error) {
		overview.CountryStats, err = a.store.Breakdown(gctx, "country", breakdownLimit)
		return err
	})
	g.Go(func() (err error) {
		overview.BrowserStats, err = a.store.Breakdown(gctx, "browser", breakdownLimit)
		return err
	})
	g.Go(func() (err error) {
		overview.OSStats, err = a.store.Breakdown(gctx, "os", breakdownLimit)
		return err
	})
	g.Go(func() (err error) {
		overview.QueueStatus, err = a.queue.Counts(gctx)
		return err
	})
	g.Go(func() (err error) {
		overview.Metrics, err = a.counters.Snapshot(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if overview.TotalEmails > 0 {
		total := float64(overview.TotalEmails)
		overview.DeliveryRate = float64(overview.Metrics[counters.Delivered]) / total * 100
		overview.BounceRate = float64(overview.StatusCounts["bounced"]) / total * 100
		overview.OpenRate = float64(overview.Metrics[counters.Opened]) / total * 100
		overview.ClickRate = float64(overview.Metrics[counters.Clicked]) / total * 100
	}

	return &overview, nil
}

// QueueStatus returns the queue depth snapshot together with the counter
// set.
func (a *Aggregator) QueueStatus(ctx context.Context) (map[string]int64, map[string]int64, error) {
	queue, err := a.queue.Counts(ctx)
	if err != nil {
		return nil, nil, err
	}

	metrics, err := a.counters.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}

	return queue, metrics, nil
}

// BatchStatus returns the per-status counts for one batch id.
func (a *Aggregator) BatchStatus(ctx context.Context, batchID string) (*BatchStatus, error) {
	total, byStatus, err := a.store.CountByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, ErrBatchNotFound
	}

	return &BatchStatus{
		BatchID:      batchID,
		Total:        total,
		StatusCounts: byStatus,
	}, nil
}
