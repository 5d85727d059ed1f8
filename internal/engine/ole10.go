package engine

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/docshield/scanner/internal/report"
	"github.com/docshield/scanner/internal/rtf"
)

// maxOLE10String bounds the NUL-terminated strings of an OLE10Native
// header. 260 is the classic MAX_PATH the Packager wrote these with.
const maxOLE10String = 260

// errNotOLE10 marks a stream that does not follow the structured Packager
// layout; such objects are matched whole instead.
var errNotOLE10 = errors.New("engine: not a structured ole10native stream")

// ole10Header is the parsed prefix of a structured OLE10Native stream.
type ole10Header struct {
	// StreamSize is the declared total size of the stream body.
	StreamSize uint32
	// Label is the display name the Packager recorded.
	Label string
	// FileName is the original file name of the embedded payload.
	FileName string
	// NativeSize is the declared size of the native payload that
	// follows the header.
	NativeSize uint32
}

// parseOLE10 attempts to read the common Packager layout:
//
//	u32  stream size
//	u16  type (2 = embedded)
//	...  label, NUL-terminated
//	...  file name, NUL-terminated
//	u16  flags
//	u16  reserved
//	u32  native payload size
//	...  native payload
//
// Streams in the wild deviate from this freely; any inconsistency returns
// errNotOLE10 and the caller falls back to scanning the whole stream.
func parseOLE10(r *bufio.Reader) (*ole10Header, error) {
	var h ole10Header
	if err := binary.Read(r, binary.LittleEndian, &h.StreamSize); err != nil {
		return nil, errNotOLE10
	}
	var typ uint16
	if err := binary.Read(r, binary.LittleEndian, &typ); err != nil || typ != 2 {
		return nil, errNotOLE10
	}

	var err error
	if h.Label, err = readCString(r); err != nil {
		return nil, errNotOLE10
	}
	if h.FileName, err = readCString(r); err != nil {
		return nil, errNotOLE10
	}

	var flags, reserved uint16
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, errNotOLE10
	}
	if err := binary.Read(r, binary.LittleEndian, &reserved); err != nil {
		return nil, errNotOLE10
	}

	if err := binary.Read(r, binary.LittleEndian, &h.NativeSize); err != nil {
		return nil, errNotOLE10
	}
	if h.NativeSize == 0 || h.NativeSize > h.StreamSize {
		return nil, errNotOLE10
	}
	return &h, nil
}

// readCString reads a NUL-terminated string of at most maxOLE10String
// bytes, excluding the terminator.
func readCString(r *bufio.Reader) (string, error) {
	var out []byte
	for len(out) <= maxOLE10String {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
	return "", fmt.Errorf("engine: unterminated string in ole10native header")
}

// ScanOLE10Native implements rtf.ObjectScanner for objects the extractor
// classified as OLE10Native. Structured streams are unwrapped so that only
// the native payload is matched and the embedded file name reaches the
// logs; nonconforming streams are matched whole.
func (e *Engine) ScanOLE10Native(ctx context.Context, f *os.File) (rtf.Result, error) {
	br := bufio.NewReader(f)

	hdr, err := parseOLE10(br)
	switch {
	case err == nil:
		e.log.Debug("engine: ole10native payload",
			slog.String("label", hdr.Label),
			slog.String("filename", hdr.FileName),
			slog.Uint64("native_size", uint64(hdr.NativeSize)),
		)
		sig, found, merr := e.match(io.LimitReader(br, int64(hdr.NativeSize)))
		if merr != nil {
			return rtf.Result{}, merr
		}
		return e.report(ctx, report.FlavourOLE10Native, sig, found, objectSize(f))

	case errors.Is(err, errNotOLE10):
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return rtf.Result{}, fmt.Errorf("engine: rewind object: %w", err)
		}
		sig, found, merr := e.match(f)
		if merr != nil {
			return rtf.Result{}, merr
		}
		return e.report(ctx, report.FlavourOLE10Native, sig, found, objectSize(f))

	default:
		return rtf.Result{}, err
	}
}
