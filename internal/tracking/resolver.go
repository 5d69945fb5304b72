package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"MailTrace/internal/counters"
	"MailTrace/internal/db"
	"MailTrace/internal/enrich"
	"MailTrace/internal/metrics"
	"MailTrace/internal/models"
)

// ErrMissingURL is returned by HandleClick when the url query parameter is
// absent.
var ErrMissingURL = errors.New("missing url parameter")

// Store is the slice of the record store the resolver mutates: lookups plus
// the engagement-field partial updates. Dispatch-side fields (status on the
// send path, sent_at, error) are never touched from here, except for the
// deliberate status overwrite inside RecordClick.
type Store interface {
	GetLog(ctx context.Context, id string) (*models.EmailLog, error)
	RecordOpen(ctx context.Context, id string, ip string, geo enrich.Geo, dev enrich.Device) error
	RecordClick(ctx context.Context, id string, event models.ClickEvent, geo enrich.Geo, dev enrich.Device) error
}

// Counters is the atomic counter set.
type Counters interface {
	Incr(ctx context.Context, field string, delta int64) error
	IncrCountry(ctx context.Context, country string) error
	IncrURL(ctx context.Context, urlHash string) error
}

// RequestContext carries the caller attributes used for enrichment.
type RequestContext struct {
	IP        string
	UserAgent string
}

// Resolver handles inbound, unauthenticated open and click callbacks. Both
// handlers swallow internal errors after logging: the caller is an email
// client or browser with no error-handling path, so the pixel and the
// redirect must always be served.
type Resolver struct {
	store    Store
	counters Counters
	enricher enrich.Resolver
	log      *zap.Logger
}

func NewResolver(store Store, counters Counters, enricher enrich.Resolver, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:    store,
		counters: counters,
		enricher: enricher,
		log:      logger,
	}
}

// HandleOpen records an open event. An unknown tracking id is a silent
// no-op. The method never reports failure; the HTTP layer serves the fixed
// pixel regardless.
func (r *Resolver) HandleOpen(ctx context.Context, trackingID string, rc RequestContext) {
	if _, err := r.store.GetLog(ctx, trackingID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			r.log.Debug("open for unknown tracking id", zap.String("tracking_id", trackingID))
		} else {
			r.log.Error("open tracking lookup failed",
				zap.String("tracking_id", trackingID),
				zap.Error(err),
			)
		}
		return
	}

	geo := r.enricher.Geo(rc.IP)
	if geo.Country == "" {
		geo.Country = "Unknown"
	}
	if geo.Region == "" {
		geo.Region = "Unknown"
	}
	if geo.City == "" {
		geo.City = "Unknown"
	}
	dev := r.enricher.Device(rc.UserAgent)

	if err := r.store.RecordOpen(ctx, trackingID, rc.IP, geo, dev); err != nil {
		r.log.Error("failed to record open",
			zap.String("tracking_id", trackingID),
			zap.Error(err),
		)
		return
	}

	if err := r.counters.Incr(ctx, counters.Opened, 1); err != nil {
		r.log.Error("failed to increment opened counter", zap.Error(err))
	}
	metrics.EmailOpens.Inc()

	r.log.Info("email opened",
		zap.String("tracking_id", trackingID),
		zap.String("ip", rc.IP),
	)
}

// HandleClick records a click event and returns the redirect target. The
// url parameter is required; once it decodes, the decoded url is always
// returned even when the tracking id is unknown or persistence fails. The
// status overwrite to clicked is unconditional regardless of prior state.
func (r *Resolver) HandleClick(ctx context.Context, trackingID, rawURL string, rc RequestContext) (string, error) {
	if rawURL == "" {
		return "", ErrMissingURL
	}

	decoded, err := url.QueryUnescape(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url parameter: %w", err)
	}

	if _, err := r.store.GetLog(ctx, trackingID); err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			r.log.Error("click tracking lookup failed",
				zap.String("tracking_id", trackingID),
				zap.Error(err),
			)
		}
		return decoded, nil
	}

	geo := r.enricher.Geo(rc.IP)
	dev := r.enricher.Device(rc.UserAgent)

	event := models.ClickEvent{
		Timestamp: time.Now().UTC(),
		URL:       decoded,
		IPAddress: rc.IP,
		UserAgent: rc.UserAgent,
	}

	if err := r.store.RecordClick(ctx, trackingID, event, geo, dev); err != nil {
		r.log.Error("failed to record click",
			zap.String("tracking_id", trackingID),
			zap.Error(err),
		)
		return decoded, nil
	}

	if err := r.counters.Incr(ctx, counters.Clicked, 1); err != nil {
		r.log.Error("failed to increment clicked counter", zap.Error(err))
	}
	if geo.Country != "" {
		if err := r.counters.IncrCountry(ctx, geo.Country); err != nil {
			r.log.Error("failed to increment country counter", zap.Error(err))
		}
	}
	if err := r.counters.IncrURL(ctx, counters.URLHash(decoded)); err != nil {
		r.log.Error("failed to increment url counter", zap.Error(err))
	}
	metrics.EmailClicks.Inc()

	r.log.Info("email link clicked",
		zap.String("tracking_id", trackingID),
		zap.String("url", decoded),
	)

	return decoded, nil
}
