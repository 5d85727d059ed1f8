// Package forward implements the report forwarder of the DocShield CLI.
// The [Forwarder] drains the local SQLite pending-report queue and delivers
// batches to the scand collector over HTTPS with the following properties:
//
//   - At-least-once: a batch is acknowledged in the queue only after the
//     collector confirms it with a 2xx response, so reports survive crashes
//     and delivery retries at the cost of possible duplicates (the
//     collector deduplicates on report_id).
//   - Exponential backoff: any transport or HTTP failure waits an
//     exponentially increasing interval before the next attempt; a
//     successful delivery resets the backoff.
//   - Metrics: ForwardedTotal and RetryTotal are atomic counters exposed
//     for health reporting.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/docshield/scanner/internal/report"
)

const (
	// defaultBatchSize is the number of reports dequeued per delivery
	// attempt.
	defaultBatchSize = 50

	// defaultPollInterval is how often the queue is re-checked when it
	// is empty.
	defaultPollInterval = time.Second

	// defaultInitialBackoff is the wait after the first delivery failure.
	defaultInitialBackoff = time.Second

	// defaultMaxBackoff is the ceiling for the delivery back-off.
	defaultMaxBackoff = 60 * time.Second
)

// Queue is the subset of [report.Queue] the forwarder drains. It can be
// stubbed in unit tests.
type Queue interface {
	// Dequeue returns up to n unacknowledged reports in insertion order.
	Dequeue(ctx context.Context, n int) ([]report.PendingReport, error)
	// Ack marks reports as delivered. Idempotent.
	Ack(ctx context.Context, ids []int64) error
	// Depth returns the count of pending reports.
	Depth() int
}

// Config holds the forwarder's delivery parameters.
type Config struct {
	// URL is the collector base URL; reports are POSTed to
	// URL + "/api/v1/reports". Required.
	URL string

	// Token is the bearer token presented to the collector. Optional.
	Token string

	// BatchSize caps reports per request. Defaults to 50.
	BatchSize int

	// PollInterval is the idle re-check period. Defaults to 1 s.
	PollInterval time.Duration

	// InitialBackoff and MaxBackoff bound the failure back-off.
	// Default 1 s and 60 s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Client is the HTTP client used for delivery. Defaults to a client
	// with a 30 s request timeout.
	Client *http.Client
}

// Forwarder drains a pending-report queue into the collector. Create one
// with New, then Start it; Stop blocks until the delivery goroutine exits.
type Forwarder struct {
	cfg    Config
	queue  Queue
	log    *slog.Logger
	client *http.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
	// stopOnce makes Stop idempotent.
	stopOnce sync.Once

	// ForwardedTotal counts reports confirmed by the collector.
	ForwardedTotal atomic.Int64
	// RetryTotal counts failed delivery attempts.
	RetryTotal atomic.Int64
}

// New creates a Forwarder that drains queue into the collector at cfg.URL.
func New(cfg Config, queue Queue, logger *slog.Logger) *Forwarder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Forwarder{
		cfg:    cfg,
		queue:  queue,
		log:    logger,
		client: client,
	}
}

// Start launches the delivery goroutine. It returns immediately.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.run(ctx)
}

// Stop signals the delivery goroutine and blocks until it exits. Safe to
// call multiple times.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		f.wg.Wait()
	})
}

// run is the delivery loop: drain a batch, deliver, ack; back off on any
// failure, reset the backoff after a success.
func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.InitialBackoff
	b.MaxInterval = f.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry indefinitely
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		delivered, err := f.deliverBatch(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			f.RetryTotal.Add(1)
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				// Unreachable with MaxElapsedTime == 0, but guard anyway.
				f.log.Error("forward: backoff exhausted; giving up")
				return
			}
			f.log.Warn("forward: delivery failed",
				slog.Any("error", err),
				slog.Duration("retry_after", wait),
				slog.Int("pending", f.queue.Depth()),
			)
			if !sleepCtx(ctx, wait) {
				return
			}

		case delivered == 0:
			// Queue empty: idle poll.
			if !sleepCtx(ctx, f.cfg.PollInterval) {
				return
			}

		default:
			b.Reset()
		}
	}
}

// deliverBatch dequeues one batch, POSTs it, and acks on success. It
// returns the number of reports confirmed.
func (f *Forwarder) deliverBatch(ctx context.Context) (int, error) {
	pending, err := f.queue.Dequeue(ctx, f.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("forward: dequeue: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	reports := make([]report.Report, len(pending))
	ids := make([]int64, len(pending))
	for i, p := range pending {
		reports[i] = p.Report
		ids[i] = p.ID
	}

	if err := f.post(ctx, reports); err != nil {
		return 0, err
	}

	if err := f.queue.Ack(ctx, ids); err != nil {
		// The collector has the batch; on the next delivery the
		// duplicate rows are deduplicated server-side on report_id.
		return 0, fmt.Errorf("forward: ack: %w", err)
	}

	f.ForwardedTotal.Add(int64(len(reports)))
	f.log.Debug("forward: batch delivered",
		slog.Int("count", len(reports)),
		slog.Int("pending", f.queue.Depth()),
	)
	return len(reports), nil
}

// post sends one JSON batch to the collector's ingestion endpoint.
func (f *Forwarder) post(ctx context.Context, reports []report.Report) error {
	body, err := json.Marshal(reports)
	if err != nil {
		return fmt.Errorf("forward: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		f.cfg.URL+"/api/v1/reports", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forward: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.Token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward: post: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection is reusable.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("forward: collector returned %s", resp.Status)
	}
	return nil
}

// sleepCtx waits for d or until ctx is done; it reports whether the full
// wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
