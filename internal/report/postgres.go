package report

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the PostgreSQL-backed report store used by the scand
// collector. Ingestion uses a single pgx.Batch round-trip per call and is
// idempotent: rows that conflict on report_id are silently ignored, so a
// forwarder retrying after a lost ACK cannot duplicate reports.
type PGStore struct {
	pool *pgxpool.Pool
}

// Schema is the report-store DDL, applied by Init. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS scan_reports (
    report_id    UUID PRIMARY KEY,
    path         TEXT        NOT NULL,
    object_index INTEGER     NOT NULL,
    flavour      TEXT        NOT NULL,
    verdict      TEXT        NOT NULL,
    signature    TEXT        NOT NULL DEFAULT '',
    object_size  BIGINT      NOT NULL DEFAULT 0,
    scanned_at   TIMESTAMPTZ NOT NULL,
    received_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_scan_reports_verdict
    ON scan_reports (verdict, received_at DESC);
CREATE INDEX IF NOT EXISTS idx_scan_reports_signature
    ON scan_reports (signature)
    WHERE signature <> '';
`

// NewPGStore opens a pgxpool connection to connStr and pings the database.
func NewPGStore(ctx context.Context, connStr string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("report: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("report: pool.Ping: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Init applies the schema. Safe to call on every startup.
func (s *PGStore) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("report: apply schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// InsertReports persists reports in one batched round-trip. Conflicting
// report IDs are ignored (idempotent replay support).
func (s *PGStore) InsertReports(ctx context.Context, reports []Report) error {
	if len(reports) == 0 {
		return nil
	}

	const query = `
		INSERT INTO scan_reports
			(report_id, path, object_index, flavour, verdict, signature, object_size, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range reports {
		r := &reports[i]
		b.Queue(query,
			r.ID, r.Path, r.ObjectIndex, r.Flavour,
			r.Verdict, r.Signature, r.ObjectSize, r.ScannedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range reports {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("report: batch insert: %w", err)
		}
	}
	return nil
}

// QueryReports returns stored reports ordered by received_at descending.
// Optional exact-match filters: q.Verdict, q.Signature. q.Limit defaults to
// 100; q.Offset enables cursor-style pagination.
func (s *PGStore) QueryReports(ctx context.Context, q Query) ([]Report, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=limit, $2=offset.
	args := []any{q.Limit, q.Offset}
	where := ""
	argIdx := 3

	if q.Verdict != "" {
		where += fmt.Sprintf(" AND verdict = $%d", argIdx)
		args = append(args, q.Verdict)
		argIdx++
	}
	if q.Signature != "" {
		where += fmt.Sprintf(" AND signature = $%d", argIdx)
		args = append(args, q.Signature)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT report_id, path, object_index, flavour, verdict, signature, object_size, scanned_at
		FROM   scan_reports
		WHERE  true%s
		ORDER  BY received_at DESC, report_id
		LIMIT  $1 OFFSET $2`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("report: query reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(
			&r.ID, &r.Path, &r.ObjectIndex, &r.Flavour,
			&r.Verdict, &r.Signature, &r.ObjectSize, &r.ScannedAt,
		); err != nil {
			return nil, fmt.Errorf("report: scan report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// CountBySignature returns the number of infected reports grouped by
// signature name, for the collector's summary endpoint.
func (s *PGStore) CountBySignature(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT signature, COUNT(*)
		FROM   scan_reports
		WHERE  verdict = 'infected'
		GROUP  BY signature`)
	if err != nil {
		return nil, fmt.Errorf("report: count by signature: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			sig string
			n   int64
		)
		if err := rows.Scan(&sig, &n); err != nil {
			return nil, fmt.Errorf("report: scan count: %w", err)
		}
		counts[sig] = n
	}
	return counts, rows.Err()
}
