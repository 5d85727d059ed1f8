package report

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Queue is a WAL-mode SQLite-backed pending-report store with at-least-once
// forwarding semantics: reports are persisted on Enqueue and remain eligible
// for Dequeue until Ack is called for their row IDs. If the process crashes
// between Enqueue and Ack, the next Dequeue after restart returns the report
// again, so every report eventually reaches the collector even when the
// forwarder is temporarily unable to deliver.
//
// The database is opened with PRAGMA journal_mode = WAL and synchronous =
// NORMAL: committed rows survive a process exit, which is the durability
// this queue needs. All calls share a single connection, so the forwarder's
// Dequeue/Ack cycle and the scanner's Enqueue calls run one at a time.
//
// Queue is safe for concurrent use.
type Queue struct {
	db    *sql.DB
	depth atomic.Int64
}

// OpenQueue opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. ":memory:" yields an in-memory
// database suitable for tests.
//
// The internal depth counter is seeded from the rows still marked pending,
// so Depth() is accurate immediately after a crash-recovery restart.
func OpenQueue(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("report: open queue %q: %w", path, err)
	}

	// SQLite allows a single writer; limiting the pool to one connection
	// serialises concurrent Enqueue/Ack calls instead of surfacing
	// "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("report: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("report: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(queueDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("report: apply schema: %w", err)
	}

	q := &Queue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM scan_reports WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("report: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

// queueDDL is the schema, idempotent via IF NOT EXISTS.
const queueDDL = `
CREATE TABLE IF NOT EXISTS scan_reports (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    report_id    TEXT    NOT NULL,
    path         TEXT    NOT NULL,
    object_index INTEGER NOT NULL,
    flavour      TEXT    NOT NULL,
    verdict      TEXT    NOT NULL,
    signature    TEXT    NOT NULL DEFAULT '',
    object_size  INTEGER NOT NULL DEFAULT 0,
    scanned_at   TEXT    NOT NULL,
    delivered    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_scan_reports_pending
    ON scan_reports (delivered, id);
`

// Enqueue persists r with delivered = 0. The report is included in
// subsequent Dequeue results until Ack is called for its row ID.
func (q *Queue) Enqueue(ctx context.Context, r Report) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO scan_reports
		     (report_id, path, object_index, flavour, verdict, signature, object_size, scanned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Path,
		r.ObjectIndex,
		r.Flavour,
		r.Verdict,
		r.Signature,
		r.ObjectSize,
		r.ScannedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("report: enqueue: %w", err)
	}
	q.depth.Add(1)
	return nil
}

// PendingReport is an unacknowledged report returned by Dequeue. ID is the
// database row key used to acknowledge it via Ack.
type PendingReport struct {
	ID     int64
	Report Report
}

// Dequeue returns up to n unacknowledged reports in insertion order (oldest
// first) without marking them delivered; call Ack with the returned IDs to
// do that. n ≤ 0 returns nil without querying.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]PendingReport, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, report_id, path, object_index, flavour, verdict, signature, object_size, scanned_at
		 FROM   scan_reports
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("report: dequeue query: %w", err)
	}
	defer rows.Close()

	var pending []PendingReport
	for rows.Next() {
		var (
			p     PendingReport
			tsStr string
		)
		if err := rows.Scan(
			&p.ID,
			&p.Report.ID,
			&p.Report.Path,
			&p.Report.ObjectIndex,
			&p.Report.Flavour,
			&p.Report.Verdict,
			&p.Report.Signature,
			&p.Report.ObjectSize,
			&tsStr,
		); err != nil {
			return nil, fmt.Errorf("report: dequeue scan: %w", err)
		}

		p.Report.ScannedAt, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			p.Report.ScannedAt, _ = time.Parse(time.RFC3339, tsStr)
		}

		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: dequeue rows: %w", err)
	}
	return pending, nil
}

// Ack marks the rows identified by ids as delivered, excluding them from
// subsequent Dequeue results. Ack is idempotent; already-acked IDs are
// skipped and do not perturb the depth counter.
func (q *Queue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE scan_reports SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("report: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) reports from an
// atomic counter maintained by Enqueue and Ack; it never blocks.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// InsertReports persists a batch of reports already marked delivered, for
// use as the collector's local fallback store where no forwarding happens.
// A report whose report_id is already stored is skipped, so a replayed
// batch is not duplicated.
func (q *Queue) InsertReports(ctx context.Context, reports []Report) error {
	for _, r := range reports {
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO scan_reports
			     (report_id, path, object_index, flavour, verdict, signature, object_size, scanned_at, delivered)
			 SELECT ?, ?, ?, ?, ?, ?, ?, ?, 1
			 WHERE NOT EXISTS (SELECT 1 FROM scan_reports WHERE report_id = ?)`,
			r.ID,
			r.Path,
			r.ObjectIndex,
			r.Flavour,
			r.Verdict,
			r.Signature,
			r.ObjectSize,
			r.ScannedAt.UTC().Format(time.RFC3339Nano),
			r.ID,
		)
		if err != nil {
			return fmt.Errorf("report: insert: %w", err)
		}
	}
	return nil
}

// QueryReports returns stored reports, newest first, filtered by q.
func (q *Queue) QueryReports(ctx context.Context, filter Query) ([]Report, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	where := "WHERE 1=1"
	var args []any
	if filter.Verdict != "" {
		where += " AND verdict = ?"
		args = append(args, filter.Verdict)
	}
	if filter.Signature != "" {
		where += " AND signature = ?"
		args = append(args, filter.Signature)
	}
	args = append(args, filter.Limit, filter.Offset)

	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT report_id, path, object_index, flavour, verdict, signature, object_size, scanned_at
		 FROM   scan_reports
		 %s
		 ORDER  BY id DESC
		 LIMIT  ? OFFSET ?`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("report: query: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var (
			r     Report
			tsStr string
		)
		if err := rows.Scan(
			&r.ID, &r.Path, &r.ObjectIndex, &r.Flavour,
			&r.Verdict, &r.Signature, &r.ObjectSize, &tsStr,
		); err != nil {
			return nil, fmt.Errorf("report: query scan: %w", err)
		}
		r.ScannedAt, _ = time.Parse(time.RFC3339Nano, tsStr)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Close closes the underlying database connection. The queue must not be
// used after Close returns.
func (q *Queue) Close() error {
	return q.db.Close()
}
