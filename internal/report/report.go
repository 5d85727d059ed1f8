// Package report defines the scan-report record and its persistence layers:
// a WAL-mode SQLite pending queue with at-least-once delivery semantics for
// the DocShield CLI, and a PostgreSQL store for the scand collector.
package report

import "time"

// Verdict values recorded in reports.
const (
	VerdictClean    = "clean"
	VerdictInfected = "infected"
)

// Flavour values recorded in reports: the container classification of an
// extracted embedded object.
const (
	FlavourOLE2        = "ole2"
	FlavourOLE10Native = "ole10native"
	FlavourUnknown     = "unknown"
)

// Report describes one embedded object extracted and scanned from a
// document.
type Report struct {
	// ID is the report UUID, assigned when the object is scanned.
	ID string `json:"report_id"`
	// Path is the scanned document's path or upload name hint.
	Path string `json:"path"`
	// ObjectIndex is the zero-based position of the object within the
	// document.
	ObjectIndex int `json:"object_index"`
	// Flavour is the container classification: "ole2", "ole10native",
	// or "unknown".
	Flavour string `json:"flavour"`
	// Verdict is "clean" or "infected".
	Verdict string `json:"verdict"`
	// Signature names the matched signature when Verdict is "infected".
	Signature string `json:"signature,omitempty"`
	// ObjectSize is the decoded object size in bytes.
	ObjectSize int64 `json:"object_size"`
	// ScannedAt is when the object was scanned, in UTC.
	ScannedAt time.Time `json:"scanned_at"`
}

// Query filters report listings. Zero-value fields are not applied.
type Query struct {
	// Verdict filters on the exact verdict string.
	Verdict string
	// Signature filters on the exact signature name.
	Signature string
	// Limit caps the result count; it defaults to 100 in the stores.
	Limit int
	// Offset enables pagination.
	Offset int
}
