// Package dispatch is the submission side of the pipeline: it validates a
// request, renders its template, creates the log entry in queued state and
// admits the job. The tracking id is minted here, before the job ever
// reaches the queue, so a worker can always locate its own record.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"MailTrace/internal/models"
	"MailTrace/internal/queue"
	"MailTrace/internal/render"
)

// ErrValidation marks a request rejected before admission. Validation
// failures are never retried.
var ErrValidation = errors.New("invalid send request")

// Store is the creation side of the record store. DeleteLog backs out
// entries whose job never reached the queue.
type Store interface {
	InsertLog(ctx context.Context, entry *models.EmailLog) error
	DeleteLog(ctx context.Context, id string) error
}

// JobQueue is the admission side of the dispatch queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	EnqueueBulk(ctx context.Context, jobs []*queue.Job) error
}

// Receipt identifies an admitted submission.
type Receipt struct {
	JobID      string `json:"job_id"`
	TrackingID string `json:"tracking_id"`
}

type Dispatcher struct {
	store     Store
	queue     JobQueue
	templates *render.Service
	log       *zap.Logger
}

func New(store Store, q JobQueue, templates *render.Service, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		queue:     q,
		templates: templates,
		log:       logger,
	}
}

// NewBatchID mints the grouping key for a bulk submission.
func NewBatchID() string {
	return "batch-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// Send validates and admits a single submission. It returns once the job is
// durably queued; delivery is asynchronous.
func (d *Dispatcher) Send(ctx context.Context, req *models.SendRequest) (*Receipt, error) {
	job, entry, err := d.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := d.store.InsertLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to create email log: %w", err)
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		d.rollback(ctx, []*models.EmailLog{entry})
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	d.log.Info("email queued",
		zap.String("to", req.To),
		zap.String("job_id", job.ID),
		zap.String("tracking_id", entry.ID),
	)

	return &Receipt{JobID: job.ID, TrackingID: entry.ID}, nil
}

// SendBulk admits a batch all-or-nothing: every item is validated and
// rendered before any job is enqueued, and the first bad item aborts the
// whole batch with zero jobs admitted.
func (d *Dispatcher) SendBulk(ctx context.Context, reqs []*models.SendRequest) (string, int, error) {
	if len(reqs) == 0 {
		return "", 0, fmt.Errorf("%w: emails array is empty", ErrValidation)
	}

	batchID := NewBatchID()

	jobs := make([]*queue.Job, 0, len(reqs))
	entries := make([]*models.EmailLog, 0, len(reqs))
	for i, req := range reqs {
		stamped := *req
		meta := make(map[string]any, len(req.Metadata)+1)
		for k, v := range req.Metadata {
			meta[k] = v
		}
		meta["batchId"] = batchID
		stamped.Metadata = meta

		job, entry, err := d.prepare(ctx, &stamped)
		if err != nil {
			return "", 0, fmt.Errorf("email at index %d: %w", i, err)
		}
		jobs = append(jobs, job)
		entries = append(entries, entry)
	}

	for i, entry := range entries {
		if err := d.store.InsertLog(ctx, entry); err != nil {
			d.rollback(ctx, entries[:i])
			return "", 0, fmt.Errorf("failed to create email log: %w", err)
		}
	}
	if err := d.queue.EnqueueBulk(ctx, jobs); err != nil {
		d.rollback(ctx, entries)
		return "", 0, fmt.Errorf("failed to enqueue batch: %w", err)
	}

	d.log.Info("bulk batch queued",
		zap.String("batch_id", batchID),
		zap.Int("count", len(jobs)),
	)

	return batchID, len(jobs), nil
}

// rollback deletes log entries whose job never made it into the queue, so a
// failed admission leaves no permanently queued rows behind. Best effort;
// deletion failures are logged and the admission error stands.
func (d *Dispatcher) rollback(ctx context.Context, entries []*models.EmailLog) {
	for _, entry := range entries {
		if err := d.store.DeleteLog(ctx, entry.ID); err != nil {
			d.log.Error("failed to delete stranded email log",
				zap.String("tracking_id", entry.ID),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) prepare(ctx context.Context, req *models.SendRequest) (*queue.Job, *models.EmailLog, error) {
	if req.To == "" {
		return nil, nil, fmt.Errorf("%w: recipient email is required", ErrValidation)
	}
	if _, err := mail.ParseAddress(req.To); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid recipient address %q", ErrValidation, req.To)
	}

	final := *req
	if req.TemplateID != "" {
		tpl, err := d.templates.Resolve(ctx, req.TemplateID)
		if err != nil {
			return nil, nil, err
		}
		rendered := render.Render(tpl, req.TemplateData)
		final.Subject = rendered.Subject
		final.HTML = rendered.HTML
		final.Text = rendered.Text
	} else {
		if req.Subject == "" {
			return nil, nil, fmt.Errorf("%w: subject is required", ErrValidation)
		}
		if req.Text == "" && req.HTML == "" {
			return nil, nil, fmt.Errorf("%w: email content or template id is required", ErrValidation)
		}
	}

	trackingID := uuid.NewString()
	job := queue.NewJob(trackingID, &final)

	entry := &models.EmailLog{
		ID:       trackingID,
		To:       final.To,
		Subject:  final.Subject,
		Status:   models.StatusQueued,
		JobID:    job.ID,
		Metadata: final.Metadata,
	}

	return job, entry, nil
}
