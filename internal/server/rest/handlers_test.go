package rest_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/docshield/scanner/internal/engine"
	"github.com/docshield/scanner/internal/report"
	"github.com/docshield/scanner/internal/server/rest"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// memStore is an in-memory Store stub.
type memStore struct {
	inserted []report.Report
	queried  []report.Query
	result   []report.Report
}

func (m *memStore) InsertReports(_ context.Context, reports []report.Report) error {
	m.inserted = append(m.inserted, reports...)
	return nil
}

func (m *memStore) QueryReports(_ context.Context, q report.Query) ([]report.Report, error) {
	m.queried = append(m.queried, q)
	return m.result, nil
}

// newTestServer builds a router with JWT disabled and an engine writing
// under the test temp dir.
func newTestServer(t *testing.T) (http.Handler, *memStore) {
	t.Helper()
	store := &memStore{}
	eng := engine.New(engine.Config{TempDir: t.TempDir(), Logger: noopLogger()})
	srv := rest.NewServer(store, eng, noopLogger())
	return rest.NewRouter(srv, nil), store
}

// eicarDoc returns an RTF document embedding the EICAR test string as an
// object payload.
func eicarDoc() string {
	payload := []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR` + `-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`)
	var b strings.Builder
	b.WriteString(`{\rtf1 {\object\objdata `)
	b.WriteString("0105000002000000")
	b.WriteString("00000000")
	b.WriteString("0000000000000000")
	var size [4]byte
	size[0] = byte(len(payload))
	b.WriteString(hex.EncodeToString(size[:]))
	b.WriteString(hex.EncodeToString(payload))
	b.WriteString(`}}`)
	return b.String()
}

// ---------------------------------------------------------------------------
// /healthz
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	router, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

// ---------------------------------------------------------------------------
// POST /api/v1/scan
// ---------------------------------------------------------------------------

func TestScan_InfectedUpload(t *testing.T) {
	router, store := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scan?filename=dropper.rtf",
		strings.NewReader(eicarDoc()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp struct {
		ScanID    string          `json:"scan_id"`
		Verdict   string          `json:"verdict"`
		Signature string          `json:"signature"`
		Reports   []report.Report `json:"reports"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Verdict != report.VerdictInfected || resp.Signature != "EICAR-Test-Signature" {
		t.Errorf("verdict = %q / %q", resp.Verdict, resp.Signature)
	}
	if resp.ScanID == "" {
		t.Error("scan_id missing")
	}
	if len(resp.Reports) != 1 || resp.Reports[0].Path != "dropper.rtf" {
		t.Errorf("reports = %+v", resp.Reports)
	}
	if len(store.inserted) != 1 {
		t.Errorf("store received %d reports, want 1", len(store.inserted))
	}
}

func TestScan_CleanUploadReturnsEmptyReports(t *testing.T) {
	router, store := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scan", strings.NewReader(`{\rtf1 hello}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"reports":[]`)) {
		t.Errorf("body = %s, want empty reports array", rec.Body)
	}
	if len(store.inserted) != 0 {
		t.Errorf("store received %d reports, want 0", len(store.inserted))
	}
}

// ---------------------------------------------------------------------------
// POST /api/v1/reports
// ---------------------------------------------------------------------------

func TestIngestReports(t *testing.T) {
	router, store := newTestServer(t)

	batch := []report.Report{
		{ID: "11111111-1111-1111-1111-111111111111", Verdict: report.VerdictClean},
		{Verdict: report.VerdictInfected, Signature: "EICAR-Test-Signature"},
	}
	body, _ := json.Marshal(batch)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reports", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["accepted"] != 2 {
		t.Errorf("accepted = %d, want 2", resp["accepted"])
	}
	if len(store.inserted) != 2 {
		t.Fatalf("store received %d reports", len(store.inserted))
	}
	if store.inserted[1].ID == "" {
		t.Error("missing report ID was not assigned on ingest")
	}
}

func TestIngestReports_RejectsMalformedBody(t *testing.T) {
	router, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reports",
		strings.NewReader(`{"not":"an array"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// GET /api/v1/reports
// ---------------------------------------------------------------------------

func TestGetReports_FiltersAndPagination(t *testing.T) {
	router, store := newTestServer(t)
	store.result = []report.Report{{ID: "r1", Verdict: report.VerdictInfected}}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/reports?verdict=infected&signature=EICAR-Test-Signature&limit=5000&offset=10", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if len(store.queried) != 1 {
		t.Fatalf("store queried %d times", len(store.queried))
	}
	q := store.queried[0]
	if q.Verdict != report.VerdictInfected || q.Signature != "EICAR-Test-Signature" {
		t.Errorf("query = %+v", q)
	}
	if q.Limit != 1000 {
		t.Errorf("limit = %d, want capped at 1000", q.Limit)
	}
	if q.Offset != 10 {
		t.Errorf("offset = %d, want 10", q.Offset)
	}
}

func TestGetReports_ParameterValidation(t *testing.T) {
	router, _ := newTestServer(t)
	for _, url := range []string{
		"/api/v1/reports?verdict=suspicious",
		"/api/v1/reports?limit=0",
		"/api/v1/reports?limit=ten",
		"/api/v1/reports?offset=-3",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", url, rec.Code)
		}
	}
}

func TestGetReports_NeverReturnsNull(t *testing.T) {
	router, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) == "null" {
		t.Error("body is null, want []")
	}
}
