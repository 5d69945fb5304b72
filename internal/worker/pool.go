package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"MailTrace/internal/counters"
	"MailTrace/internal/metrics"
	"MailTrace/internal/models"
	"MailTrace/internal/queue"
	"MailTrace/internal/tracking"
)

const dequeueTimeout = 5 * time.Second

// JobQueue is the consumer side of the dispatch queue.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Retry(ctx context.Context, job *queue.Job) (requeued bool, err error)
}

// Store is the slice of the record store the dispatch side mutates. It never
// touches engagement fields; those belong to the tracking resolver.
type Store interface {
	UpdateStatus(ctx context.Context, id string, status models.EmailStatus) error
	MarkSent(ctx context.Context, id, messageID string) error
	MarkFailed(ctx context.Context, id, errorMsg string) error
}

// Transport sends one rendered job and reports the message id.
type Transport interface {
	Send(ctx context.Context, job *queue.Job, html string) (string, error)
}

// Counters is the shared counter set.
type Counters interface {
	Incr(ctx context.Context, field string, delta int64) error
}

// StartPool launches a fixed number of workers, each pulling one job at a
// time. A job runs render-injection, the transport call and the status
// update sequentially; cross-job ordering is not guaranteed.
func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	q JobQueue,
	sender Transport,
	injector *tracking.Injector,
	limiter *rate.Limiter,
	store Store,
	cnt Counters,
	logger *zap.Logger,
) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			logger.Info("worker started", zap.Int("worker_id", id))

			for {
				if ctx.Err() != nil {
					logger.Info("worker shutting down", zap.Int("worker_id", id))
					return
				}

				job, err := q.Dequeue(ctx, dequeueTimeout)
				if err != nil {
					if ctx.Err() != nil {
						logger.Info("worker shutting down", zap.Int("worker_id", id))
						return
					}
					logger.Error("dequeue failed",
						zap.Int("worker_id", id),
						zap.Error(err),
					)
					time.Sleep(time.Second)
					continue
				}
				if job == nil {
					continue
				}

				process(ctx, id, job, q, sender, injector, limiter, store, cnt, logger)
			}
		}(i)
	}
}

func process(
	ctx context.Context,
	workerID int,
	job *queue.Job,
	q JobQueue,
	sender Transport,
	injector *tracking.Injector,
	limiter *rate.Limiter,
	store Store,
	cnt Counters,
	logger *zap.Logger,
) {

	// ----------------------------
	// Rate Limit
	// ----------------------------
	if err := limiter.Wait(ctx); err != nil {
		// Job stays in the active list; startup recovery requeues it.
		logger.Warn("rate limiter stopped by context",
			zap.Int("worker_id", workerID),
			zap.Error(err),
		)
		return
	}

	// ----------------------------
	// Mark as Sending
	// ----------------------------
	if err := store.UpdateStatus(ctx, job.TrackingID, models.StatusSending); err != nil {
		logger.Error("failed to update status to sending",
			zap.String("tracking_id", job.TrackingID),
			zap.Error(err),
		)
	}

	// ----------------------------
	// Inject Tracking + Send
	// ----------------------------
	html := injector.Inject(job.HTML, job.TrackingID)

	messageID, err := sender.Send(ctx, job, html)
	if err != nil {
		logger.Error("email send failed",
			zap.Int("worker_id", workerID),
			zap.String("to", job.To),
			zap.Int("attempt", job.Attempts+1),
			zap.Error(err),
		)

		requeued, rerr := q.Retry(ctx, job)
		if rerr != nil {
			logger.Error("failed to requeue job",
				zap.String("tracking_id", job.TrackingID),
				zap.Error(rerr),
			)
		}

		if requeued {
			metrics.EmailRetries.Inc()
			logger.Warn("job requeued with backoff",
				zap.String("tracking_id", job.TrackingID),
				zap.Int("attempts", job.Attempts),
				zap.Int("max_attempts", job.MaxAttempts),
			)
			return
		}

		// ----------------------------
		// Dead-letter
		// ----------------------------
		if dbErr := store.MarkFailed(ctx, job.TrackingID, err.Error()); dbErr != nil {
			logger.Error("failed to update failure status",
				zap.String("tracking_id", job.TrackingID),
				zap.Error(dbErr),
			)
		}
		if cerr := cnt.Incr(ctx, counters.Failed, 1); cerr != nil {
			logger.Error("failed to increment failed counter", zap.Error(cerr))
		}
		metrics.EmailFailures.Inc()
		return
	}

	// ----------------------------
	// Mark as Sent
	// ----------------------------
	if err := store.MarkSent(ctx, job.TrackingID, messageID); err != nil {
		logger.Error("failed to update sent status",
			zap.String("tracking_id", job.TrackingID),
			zap.Error(err),
		)
	}

	if err := q.Ack(ctx, job); err != nil {
		logger.Error("failed to ack job",
			zap.String("tracking_id", job.TrackingID),
			zap.Error(err),
		)
	}

	if err := cnt.Incr(ctx, counters.Sent, 1); err != nil {
		logger.Error("failed to increment sent counter", zap.Error(err))
	}
	metrics.EmailsSent.Inc()

	logger.Info("email sent successfully",
		zap.Int("worker_id", workerID),
		zap.String("to", job.To),
		zap.String("message_id", messageID),
	)
}
