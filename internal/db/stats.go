package db

import (
	"context"
	"fmt"
)

// Aggregate queries backing the stats and batch endpoints. All of them are
// plain grouped counts; breakdowns are capped so high-cardinality columns
// stay cheap to serve.

var breakdownColumns = map[string]string{
	"device":  "device_type",
	"country": "country",
	"browser": "browser",
	"os":      "operating_system",
}

func (s *Store) CountAll(ctx context.Context) (int64, error) {
	var total int64
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM email_logs`).Scan(&total)
	return total, err
}

func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM email_logs GROUP BY status`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}

	return counts, rows.Err()
}

// CountByBatch returns the total and the per-status counts of all entries
// stamped with the given batch id.
func (s *Store) CountByBatch(ctx context.Context, batchID string) (int64, map[string]int64, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM email_logs
		 WHERE metadata->>'batchId' = $1
		 GROUP BY status`,
		batchID,
	)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var total int64
	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return 0, nil, err
		}
		counts[status] = n
		total += n
	}

	return total, counts, rows.Err()
}

// Breakdown returns the top-N value counts for one of the enrichment
// columns (device, country, browser, os). The column name is resolved
// through a fixed allowlist, never interpolated from caller input.
func (s *Store) Breakdown(ctx context.Context, field string, limit int) (map[string]int64, error) {
	column, ok := breakdownColumns[field]
	if !ok {
		return nil, fmt.Errorf("unknown breakdown field %q", field)
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.Pool.Query(ctx,
		fmt.Sprintf(
			`SELECT %s, COUNT(*) AS count FROM email_logs
			 WHERE %s IS NOT NULL AND %s <> ''
			 GROUP BY %s
			 ORDER BY count DESC
			 LIMIT $1`,
			column, column, column, column,
		),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			value string
			n     int64
		)
		if err := rows.Scan(&value, &n); err != nil {
			return nil, err
		}
		counts[value] = n
	}

	return counts, rows.Err()
}
