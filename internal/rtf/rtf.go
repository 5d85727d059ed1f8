// Package rtf extracts embedded OLE objects from RTF documents of unknown
// provenance. It does not parse RTF into a document tree: a streaming,
// depth-bounded group/control-word tokenizer locates \object groups carrying
// \objdata payloads, hex-decodes the embedded binary object to a temporary
// file, and hands the decoded object to a downstream [ObjectScanner].
//
// The parser is deliberately tolerant: malformed input never aborts the walk.
// Overlong control words, parameter overflow, unbalanced closing braces, and
// corrupted object headers are logged and skipped so that a hostile document
// cannot crash, loop, or leak resources.
//
// Rendering, formatting, code pages, \u escapes, and \bin runs are out of
// scope; bytes that do not contribute to locating an embedded object are
// discarded.
package rtf

import (
	"context"
	"errors"
	"log/slog"
	"os"
)

// chunkSize is the read granularity of the document walk. Any chunk size is
// valid; 8 KiB matches the upstream view providers this package is fed from.
const chunkSize = 8 * 1024

// Sentinel errors returned (wrapped) by [Parser.Scan].
var (
	// ErrTempDir indicates the per-document temp directory could not be
	// created. Fatal before parsing starts.
	ErrTempDir = errors.New("rtf: cannot create temp directory")

	// ErrWrite indicates a short or failed write while dumping object
	// payload bytes to the temp file. Fatal to the document.
	ErrWrite = errors.New("rtf: temp file write failed")

	// ErrUnlink indicates a temp file could not be removed after a clean
	// scan. It never masks an infected verdict.
	ErrUnlink = errors.New("rtf: temp file removal failed")
)

// errStop aborts the document walk once a scanner verdict has been reached.
// It is internal control flow: Scan translates it into a clean return of the
// recorded Result.
var errStop = errors.New("rtf: verdict reached")

// Result is the outcome of scanning one document (or one embedded object,
// when returned by an [ObjectScanner]). The zero value means clean.
type Result struct {
	// Infected reports whether a signature matched.
	Infected bool
	// Signature is the name of the matched signature when Infected is set.
	Signature string
}

// ObjectScanner is the downstream inspection surface for decoded embedded
// objects. The file handle is positioned at offset zero and remains owned by
// the caller; implementations must not close or remove it.
//
// A non-clean Result aborts the document walk and is propagated verbatim to
// the caller of [Parser.Scan]. A non-nil error is fatal to the document.
type ObjectScanner interface {
	// ScanOLE10Native inspects an object classified as an OLE10Native
	// container (the temp file starts with the 4-byte little-endian
	// payload length the extractor prepended).
	ScanOLE10Native(ctx context.Context, f *os.File) (Result, error)

	// ScanGeneric inspects any other object. path is the temp file's
	// filesystem path, passed as a naming hint only.
	ScanGeneric(ctx context.Context, f *os.File, path string) (Result, error)
}

// Config carries the host-supplied parameters for a [Parser].
type Config struct {
	// TempRoot is the directory under which the per-document temp
	// directory is created. Defaults to os.TempDir().
	TempRoot string

	// KeepTempFiles leaves decoded object files and the per-document temp
	// directory on disk after the scan, for post-mortem inspection.
	KeepTempFiles bool

	// MaxObjects caps the number of objects extracted from one document.
	// Once reached, the remainder of the \objdata payload is consumed and
	// discarded. Zero means unlimited.
	MaxObjects int

	// Logger receives diagnostic records. Defaults to slog.Default().
	Logger *slog.Logger

	// Scanner receives each decoded object. A nil Scanner decodes and
	// discards objects, which is useful in tests.
	Scanner ObjectScanner
}
