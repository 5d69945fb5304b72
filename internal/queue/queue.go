// Package queue implements the durable dispatch queue on Redis. Jobs wait in
// a pending list, move to an active list while a worker holds them, and sit
// in a delayed sorted set between retry attempts. A process crash leaves the
// job in the active list, from where RequeueActive recovers it on the next
// start, giving at-least-once execution.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"MailTrace/internal/models"
)

const (
	pendingKey     = "email:queue:pending"
	activeKey      = "email:queue:active"
	delayedKey     = "email:queue:delayed"
	failedTotalKey = "email:queue:failed_total"

	promoteBatch = 100
)

// Job is the ephemeral queue entry. TrackingID is the business key linking
// the job to its EmailLog row; it is minted before the first enqueue and
// survives every retry.
type Job struct {
	ID         string `json:"id"`
	TrackingID string `json:"tracking_id"`

	To      string   `json:"to"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
	From    string   `json:"from,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Subject string   `json:"subject"`
	Text    string   `json:"text,omitempty"`
	HTML    string   `json:"html,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`

	// raw is the exact serialized form sitting in the active list, needed to
	// remove the entry by value. Set on dequeue only.
	raw string
}

// NewJob builds a queue job from a fully rendered send request.
func NewJob(trackingID string, req *models.SendRequest) *Job {
	return &Job{
		ID:         uuid.NewString(),
		TrackingID: trackingID,
		To:         req.To,
		CC:         req.CC,
		BCC:        req.BCC,
		From:       req.From,
		ReplyTo:    req.ReplyTo,
		Subject:    req.Subject,
		Text:       req.Text,
		HTML:       req.HTML,
		Metadata:   req.Metadata,
	}
}

type Queue struct {
	rdb redis.UniversalClient
	log *zap.Logger

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func New(rdb redis.UniversalClient, logger *zap.Logger, maxAttempts int, backoffBase, backoffCap time.Duration) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	if backoffCap < backoffBase {
		backoffCap = backoffBase
	}

	return &Queue{
		rdb:         rdb,
		log:         logger,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// Enqueue admits one job. It returns once the job is durably in Redis;
// delivery happens asynchronously.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	payload, err := q.prepare(job)
	if err != nil {
		return err
	}

	return q.rdb.LPush(ctx, pendingKey, payload).Err()
}

// EnqueueBulk admits all jobs in one pipeline. Callers validate the whole
// batch beforehand; by the time this runs, admission is all-or-nothing in
// intent and the pipeline keeps it close to that in practice.
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []*Job) error {
	payloads := make([]any, 0, len(jobs))
	for _, job := range jobs {
		payload, err := q.prepare(job)
		if err != nil {
			return err
		}
		payloads = append(payloads, payload)
	}

	return q.rdb.LPush(ctx, pendingKey, payloads...).Err()
}

func (q *Queue) prepare(job *Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	return string(payload), nil
}

// Dequeue promotes due delayed jobs, then blocks up to timeout for the next
// pending job, moving it to the active list. Returns (nil, nil) when nothing
// arrived within the timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
		q.log.Warn("failed to promote delayed jobs", zap.Error(err))
	}

	raw, err := q.rdb.BLMove(ctx, pendingKey, activeKey, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Poison entry: drop it from active so it cannot wedge the queue.
		q.rdb.LRem(ctx, activeKey, 1, raw)
		return nil, err
	}
	job.raw = raw

	return &job, nil
}

// Ack removes a completed job. Terminal success destroys the queue entry.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	return q.rdb.LRem(ctx, activeKey, 1, job.raw).Err()
}

// Retry consumes one attempt. While the budget lasts, the job moves to the
// delayed set with an exponential backoff delay and requeued is true. Once
// attempts are exhausted the entry is destroyed, the failed total bumped,
// and requeued is false; the caller dead-letters the log entry.
func (q *Queue) Retry(ctx context.Context, job *Job) (requeued bool, err error) {
	job.Attempts++

	if job.Attempts >= job.MaxAttempts {
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, activeKey, 1, job.raw)
		pipe.Incr(ctx, failedTotalKey)
		_, err := pipe.Exec(ctx)
		return false, err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, err
	}

	readyAt := time.Now().Add(q.Backoff(job.Attempts))

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, activeKey, 1, job.raw)
	pipe.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(payload),
	})
	_, err = pipe.Exec(ctx)

	return true, err
}

// Backoff returns the delay before retry number attempt (1-based): the base
// delay doubling per attempt, capped.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := q.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.backoffCap {
			return q.backoffCap
		}
	}
	if delay > q.backoffCap {
		return q.backoffCap
	}

	return delay
}

// promoteScript moves due members from the delayed set to the pending list
// in one atomic step. Every worker calls promoteDue on each dequeue
// iteration; without the script two workers could read the same due member
// and push it to pending twice.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	return promoteScript.Run(ctx, q.rdb, []string{delayedKey, pendingKey}, now, promoteBatch).Err()
}

// RequeueActive moves every job parked in the active list back to pending.
// Called once at startup to recover jobs a previous process died holding.
func (q *Queue) RequeueActive(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.rdb.LMove(ctx, activeKey, pendingKey, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

// Counts returns the queue depth by state plus the dead-letter total.
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	pipe := q.rdb.TxPipeline()
	pending := pipe.LLen(ctx, pendingKey)
	active := pipe.LLen(ctx, activeKey)
	delayed := pipe.ZCard(ctx, delayedKey)
	failed := pipe.Get(ctx, failedTotalKey)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	failedTotal, _ := strconv.ParseInt(failed.Val(), 10, 64)

	return map[string]int64{
		"pending": pending.Val(),
		"active":  active.Val(),
		"delayed": delayed.Val(),
		"failed":  failedTotal,
	}, nil
}
