package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"MailTrace/internal/enrich"
	"MailTrace/internal/models"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("record not found")

type Store struct {
	Pool *pgxpool.Pool
}

// New opens the pool and waits for the database to answer a ping, retrying
// with exponential backoff so the service survives a slow-starting database.
func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	err = backoff.Retry(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// InsertLog creates the log row in its initial state. The caller has already
// minted the tracking id.
func (s *Store) InsertLog(ctx context.Context, entry *models.EmailLog) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO email_logs
		 (id, to_email, subject, status, job_id, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())`,
		entry.ID,
		entry.To,
		entry.Subject,
		entry.Status,
		entry.JobID,
		metaJSON,
	)

	return err
}

// DeleteLog removes a log entry. Used to back out admissions that never
// reached the queue.
func (s *Store) DeleteLog(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx,
		`DELETE FROM email_logs WHERE id=$1`,
		id,
	)

	return err
}

func (s *Store) GetLog(ctx context.Context, id string) (*models.EmailLog, error) {
	var (
		entry     models.EmailLog
		clicksRaw []byte
		metaRaw   []byte
	)

	err := s.Pool.QueryRow(ctx,
		`SELECT id, to_email, subject, status, job_id, message_id,
		        sent_at, delivered_at, opened_at, clicked_at, bounced_at,
		        open_count, click_count,
		        ip_address, country, region, city,
		        device_type, browser, browser_version, operating_system, os_version,
		        click_urls, error, metadata, created_at, updated_at
		 FROM email_logs WHERE id=$1`,
		id,
	).Scan(
		&entry.ID, &entry.To, &entry.Subject, &entry.Status, &entry.JobID, &entry.MessageID,
		&entry.SentAt, &entry.DeliveredAt, &entry.OpenedAt, &entry.ClickedAt, &entry.BouncedAt,
		&entry.OpenCount, &entry.ClickCount,
		&entry.IPAddress, &entry.Country, &entry.Region, &entry.City,
		&entry.DeviceType, &entry.Browser, &entry.BrowserVersion, &entry.OperatingSystem, &entry.OSVersion,
		&clicksRaw, &entry.ErrorMsg, &metaRaw, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(clicksRaw) > 0 {
		if err := json.Unmarshal(clicksRaw, &entry.ClickURLs); err != nil {
			return nil, err
		}
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &entry.Metadata); err != nil {
			return nil, err
		}
	}

	return &entry, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status models.EmailStatus) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE email_logs
		 SET status=$1,
		     updated_at=NOW()
		 WHERE id=$2`,
		status,
		id,
	)

	return err
}

// MarkSent records a successful transport call: terminal for the dispatch
// side, though tracking callbacks may still move the entry forward.
func (s *Store) MarkSent(ctx context.Context, id, messageID string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE email_logs
		 SET status=$1,
		     message_id=$2,
		     sent_at=NOW(),
		     updated_at=NOW()
		 WHERE id=$3`,
		models.StatusSent,
		messageID,
		id,
	)

	return err
}

// MarkFailed records a dead-lettered job. Only the final attempt's error is
// kept.
func (s *Store) MarkFailed(ctx context.Context, id, errorMsg string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE email_logs
		 SET status=$1,
		     error=$2,
		     updated_at=NOW()
		 WHERE id=$3`,
		models.StatusFailed,
		errorMsg,
		id,
	)

	return err
}

// RecordOpen bumps the open counter and overwrites the last-known network,
// geo and device attributes. The increment happens in SQL, so concurrent
// opens never lose a count.
func (s *Store) RecordOpen(ctx context.Context, id string, ip string, geo enrich.Geo, dev enrich.Device) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE email_logs
		 SET open_count = open_count + 1,
		     opened_at=NOW(),
		     ip_address=$1,
		     country=$2,
		     region=$3,
		     city=$4,
		     device_type=$5,
		     browser=$6,
		     browser_version=$7,
		     operating_system=$8,
		     os_version=$9,
		     updated_at=NOW()
		 WHERE id=$10`,
		ip,
		geo.Country, geo.Region, geo.City,
		dev.Type, dev.Browser, dev.BrowserVersion, dev.OS, dev.OSVersion,
		id,
	)

	return err
}

// RecordClick sets the status to clicked unconditionally, appends the event
// to the click history and bumps the click counter. Geo fields keep their
// previous value when the lookup came back empty.
func (s *Store) RecordClick(ctx context.Context, id string, event models.ClickEvent, geo enrich.Geo, dev enrich.Device) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx,
		`UPDATE email_logs
		 SET status=$1,
		     clicked_at=NOW(),
		     click_count = click_count + 1,
		     click_urls = click_urls || $2::jsonb,
		     ip_address=$3,
		     country=COALESCE(NULLIF($4,''), country),
		     region=COALESCE(NULLIF($5,''), region),
		     city=COALESCE(NULLIF($6,''), city),
		     device_type=$7,
		     browser=$8,
		     operating_system=$9,
		     updated_at=NOW()
		 WHERE id=$10`,
		models.StatusClicked,
		eventJSON,
		event.IPAddress,
		geo.Country, geo.Region, geo.City,
		dev.Type, dev.Browser, dev.OS,
		id,
	)

	return err
}
