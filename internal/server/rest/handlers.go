package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/docshield/scanner/internal/engine"
	"github.com/docshield/scanner/internal/report"
)

const (
	// maxScanBytes bounds the accepted document size on /api/v1/scan.
	maxScanBytes = 64 << 20

	// maxIngestBatch bounds the report count accepted per ingestion call.
	maxIngestBatch = 1000
)

// Store is the report persistence surface the handlers need. It is
// satisfied by both *report.PGStore and *report.Queue.
type Store interface {
	// InsertReports persists a batch idempotently.
	InsertReports(ctx context.Context, reports []report.Report) error
	// QueryReports returns stored reports, newest first.
	QueryReports(ctx context.Context, q report.Query) ([]report.Report, error)
}

// Server holds the dependencies of the REST handlers.
type Server struct {
	store  Store
	engine *engine.Engine
	logger *slog.Logger

	// scanMu serialises scans: the engine carries per-document state.
	scanMu sync.Mutex
}

// NewServer creates a Server backed by the given store and scan engine.
func NewServer(store Store, eng *engine.Engine, logger *slog.Logger) *Server {
	return &Server{store: store, engine: eng, logger: logger}
}

// handleHealthz responds to GET /healthz with HTTP 200 and a small JSON
// body; no authentication, for load balancers and orchestrators.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// scanResponse is the body returned by POST /api/v1/scan.
type scanResponse struct {
	ScanID    string          `json:"scan_id"`
	Verdict   string          `json:"verdict"`
	Signature string          `json:"signature,omitempty"`
	Reports   []report.Report `json:"reports"`
}

// handleScan responds to POST /api/v1/scan.
//
// The request body is the document to scan (any byte stream; non-RTF input
// yields no objects). The optional "filename" query parameter is recorded
// as the path hint in reports. The response carries the document verdict
// and the per-object reports, which are also persisted to the store.
//
// Returns HTTP 413 when the body exceeds the size cap and HTTP 500 on
// operational failures. A detection is a normal HTTP 200 outcome.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	if name == "" {
		name = "upload"
	}

	body := http.MaxBytesReader(w, r.Body, maxScanBytes)

	s.scanMu.Lock()
	res, reports, err := s.engine.ScanDocument(r.Context(), name, body)
	s.scanMu.Unlock()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "document exceeds size limit")
			return
		}
		s.logger.Error("rest: scan failed", slog.String("filename", name), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}

	if len(reports) > 0 {
		if err := s.store.InsertReports(r.Context(), reports); err != nil {
			s.logger.Error("rest: persist scan reports", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "failed to persist reports")
			return
		}
	}

	resp := scanResponse{
		ScanID:  uuid.NewString(),
		Verdict: report.VerdictClean,
		Reports: reports,
	}
	if resp.Reports == nil {
		resp.Reports = []report.Report{}
	}
	if res.Infected {
		resp.Verdict = report.VerdictInfected
		resp.Signature = res.Signature
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIngestReports responds to POST /api/v1/reports.
//
// The body is a JSON array of reports forwarded by DocShield agents.
// Reports without an ID get one assigned so hand-rolled clients cannot
// break the store's idempotency key. Responds {"accepted": n}.
func (s *Server) handleIngestReports(w http.ResponseWriter, r *http.Request) {
	var batch []report.Report
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScanBytes)).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of reports")
		return
	}
	if len(batch) == 0 {
		writeJSON(w, http.StatusOK, map[string]int{"accepted": 0})
		return
	}
	if len(batch) > maxIngestBatch {
		writeError(w, http.StatusBadRequest, "batch exceeds 1000 reports")
		return
	}

	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.NewString()
		}
	}

	if err := s.store.InsertReports(r.Context(), batch); err != nil {
		s.logger.Error("rest: ingest reports", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to persist reports")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(batch)})
}

// handleGetReports responds to GET /api/v1/reports.
//
// Supported query parameters:
//
//	verdict   – "clean" or "infected" (optional)
//	signature – exact signature name (optional)
//	limit     – maximum number of results (default 100, max 1000)
//	offset    – pagination offset (default 0)
//
// Returns HTTP 400 on malformed parameters and HTTP 200 with a JSON array
// of reports on success.
func (s *Server) handleGetReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var rq report.Query

	if v := q.Get("verdict"); v != "" {
		if v != report.VerdictClean && v != report.VerdictInfected {
			writeError(w, http.StatusBadRequest, "'verdict' must be clean or infected")
			return
		}
		rq.Verdict = v
	}
	rq.Signature = q.Get("signature")

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		rq.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		rq.Offset = offset
	}

	reports, err := s.store.QueryReports(r.Context(), rq)
	if err != nil {
		s.logger.Error("rest: query reports", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query reports")
		return
	}
	// Always return a JSON array, never null.
	if reports == nil {
		reports = []report.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

// writeJSON writes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
