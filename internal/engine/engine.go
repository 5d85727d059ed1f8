// Package engine is the host scan context of DocShield. It wires the RTF
// embedded-object extractor to the downstream inspection surface: a byte
// signature matcher, the OLE10Native recogniser, per-object report
// emission, and the tamper-evident audit trail.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/docshield/scanner/internal/audit"
	"github.com/docshield/scanner/internal/report"
	"github.com/docshield/scanner/internal/rtf"
)

// Signature is one byte pattern matched against decoded object payloads.
type Signature struct {
	// Name identifies the signature in verdicts and reports.
	Name string
	// Pattern is the raw byte sequence to search for.
	Pattern []byte
}

// BuiltinSignatures returns the signature set every engine starts from.
// The set currently holds the EICAR test string, assembled from fragments
// so this source file is not itself flagged by other scanners.
func BuiltinSignatures() []Signature {
	eicar := `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR` + `-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`
	return []Signature{
		{Name: "EICAR-Test-Signature", Pattern: []byte(eicar)},
	}
}

// Reporter receives each per-object scan report as it is produced. It is
// satisfied by *report.Queue.
type Reporter interface {
	Enqueue(ctx context.Context, r report.Report) error
}

// Config carries the engine's dependencies and policy.
type Config struct {
	// TempDir is the root for per-document temp directories. Defaults to
	// the OS temp directory.
	TempDir string

	// KeepTempFiles retains decoded objects on disk after scanning.
	KeepTempFiles bool

	// MaxObjectsPerDocument bounds extraction per document; zero means
	// unlimited.
	MaxObjectsPerDocument int

	// Signatures are applied in addition to BuiltinSignatures.
	Signatures []Signature

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Reporter, when non-nil, receives every per-object report.
	Reporter Reporter

	// Audit, when non-nil, records every per-object report in the
	// hash-chained audit trail.
	Audit *audit.Logger
}

// Engine scans documents for malicious embedded objects. It implements
// [rtf.ObjectScanner] and carries per-document state, so one Engine scans
// one document at a time; it may be reused sequentially.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	sigs      []Signature
	maxSigLen int

	docPath  string
	objIndex int
	reports  []report.Report
}

// New returns an Engine configured by cfg.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	sigs := append(BuiltinSignatures(), cfg.Signatures...)

	maxLen := 0
	for _, s := range sigs {
		if len(s.Pattern) > maxLen {
			maxLen = len(s.Pattern)
		}
	}

	return &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		sigs:      sigs,
		maxSigLen: maxLen,
	}
}

// ScanDocument walks one document, extracting and inspecting every embedded
// object. It returns the document verdict and the per-object reports
// produced along the way. The error covers operational failures only; a
// detection is data, not an error.
func (e *Engine) ScanDocument(ctx context.Context, path string, r io.Reader) (rtf.Result, []report.Report, error) {
	e.docPath = path
	e.objIndex = 0
	e.reports = nil

	p := rtf.NewParser(rtf.Config{
		TempRoot:      e.cfg.TempDir,
		KeepTempFiles: e.cfg.KeepTempFiles,
		MaxObjects:    e.cfg.MaxObjectsPerDocument,
		Logger:        e.log,
		Scanner:       e,
	})

	res, err := p.Scan(ctx, r)
	reports := e.reports
	e.reports = nil
	if err != nil {
		return rtf.Result{}, reports, fmt.Errorf("engine: scan %q: %w", path, err)
	}
	return res, reports, nil
}

// ScanFile is the path-based convenience wrapper around ScanDocument.
func (e *Engine) ScanFile(ctx context.Context, path string) (rtf.Result, []report.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return rtf.Result{}, nil, fmt.Errorf("engine: open %q: %w", path, err)
	}
	defer f.Close()
	return e.ScanDocument(ctx, path, f)
}

// cfbMagic is the full Compound File Binary header signature. ScanGeneric
// classifies the report flavour on its first two bytes only, the same D0 CF
// test the extractor applies.
var cfbMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// ScanGeneric implements rtf.ObjectScanner for OLE2 and unclassified
// objects: the whole temp file is matched against the signature set.
func (e *Engine) ScanGeneric(ctx context.Context, f *os.File, path string) (rtf.Result, error) {
	var head [2]byte
	n, err := f.Read(head[:])
	if err != nil && err != io.EOF {
		return rtf.Result{}, fmt.Errorf("engine: read object header: %w", err)
	}
	flav := report.FlavourUnknown
	if n >= 2 && bytes.Equal(head[:], cfbMagic[:2]) {
		flav = report.FlavourOLE2
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return rtf.Result{}, fmt.Errorf("engine: rewind object: %w", err)
	}

	sig, found, err := e.match(f)
	if err != nil {
		return rtf.Result{}, err
	}
	return e.report(ctx, flav, sig, found, objectSize(f))
}

// match streams r through the signature matcher. A carry of maxSigLen-1
// bytes is kept between blocks so patterns spanning a block boundary are
// still found.
func (e *Engine) match(r io.Reader) (Signature, bool, error) {
	const blockSize = 64 * 1024

	overlap := e.maxSigLen - 1
	if overlap < 0 {
		overlap = 0
	}
	buf := make([]byte, overlap+blockSize)
	carry := 0

	for {
		n, err := r.Read(buf[carry:])
		if n > 0 {
			window := buf[:carry+n]
			for _, sig := range e.sigs {
				if len(sig.Pattern) > 0 && bytes.Contains(window, sig.Pattern) {
					return sig, true, nil
				}
			}
			carry = min(overlap, len(window))
			copy(buf, window[len(window)-carry:])
		}
		if err == io.EOF {
			return Signature{}, false, nil
		}
		if err != nil {
			return Signature{}, false, fmt.Errorf("engine: read object: %w", err)
		}
	}
}

// report records one per-object outcome: it appends to the in-flight report
// list, hands the report to the Reporter and the audit trail, and converts
// the outcome into the rtf.Result the extractor propagates.
func (e *Engine) report(ctx context.Context, flav string, sig Signature, found bool, size int64) (rtf.Result, error) {
	rep := report.Report{
		ID:          uuid.NewString(),
		Path:        e.docPath,
		ObjectIndex: e.objIndex,
		Flavour:     flav,
		Verdict:     report.VerdictClean,
		ObjectSize:  size,
		ScannedAt:   time.Now().UTC(),
	}
	e.objIndex++

	var res rtf.Result
	if found {
		rep.Verdict = report.VerdictInfected
		rep.Signature = sig.Name
		res = rtf.Result{Infected: true, Signature: sig.Name}
		e.log.Info("engine: signature match",
			slog.String("path", e.docPath),
			slog.String("signature", sig.Name),
			slog.String("flavour", flav),
			slog.Int("object_index", rep.ObjectIndex),
		)
	} else {
		e.log.Debug("engine: object clean",
			slog.String("path", e.docPath),
			slog.String("flavour", flav),
			slog.Int("object_index", rep.ObjectIndex),
		)
	}

	e.reports = append(e.reports, rep)

	if e.cfg.Reporter != nil {
		if err := e.cfg.Reporter.Enqueue(ctx, rep); err != nil {
			return rtf.Result{}, fmt.Errorf("engine: enqueue report: %w", err)
		}
	}
	if e.cfg.Audit != nil {
		if _, err := e.cfg.Audit.AppendJSON(rep); err != nil {
			return rtf.Result{}, fmt.Errorf("engine: audit report: %w", err)
		}
	}
	return res, nil
}

// objectSize returns the temp file's size, zero when unavailable.
func objectSize(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}
