package rtf

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
)

// objState enumerates the phases of the embedded-object payload machine.
// The de-hexed \objdata stream carries an OLE embedding header — magic,
// description string, reserved field, payload size — followed by the object
// payload itself.
type objState uint8

const (
	objWaitMagic objState = iota
	objWaitDescLen
	objWaitDesc
	objWaitZero
	objWaitDataSize
	objDumpData
	objDumpDiscard
)

// objdataMagic is the fixed 8-byte header opening an embedded-object
// payload. Documents in the wild get it wrong; a mismatch is logged and the
// walk continues regardless.
var objdataMagic = [8]byte{0x01, 0x05, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}

// maxDescName is the number of description bytes retained. Longer
// descriptions are consumed from the stream in full but truncated in the
// retained copy.
const maxDescName = 64

// flavour classifies a decoded object payload.
type flavour uint8

const (
	flavourUnknown flavour = iota
	// flavourOLE10Native marks a legacy container without the compound
	// file magic; the extractor prepends the payload length so downstream
	// recognisers see a well-formed OLE10Native stream.
	flavourOLE10Native
	// flavourOLE2 marks a Compound File Binary payload, recognised by its
	// leading D0 CF bytes and written verbatim.
	flavourOLE2
)

func (f flavour) String() string {
	switch f {
	case flavourOLE10Native:
		return "ole10native"
	case flavourOLE2:
		return "ole2"
	default:
		return "unknown"
	}
}

// hexValue maps ASCII hex digits to their nibble value; every other byte
// maps to the invalid marker and is skipped by the decoder.
const hexInvalid = 0xFF

var hexValue = func() (t [256]byte) {
	for i := range t {
		t[i] = hexInvalid
	}
	for c := byte('0'); c <= '9'; c++ {
		t[c] = c - '0'
	}
	for c := byte('a'); c <= 'f'; c++ {
		t[c] = c - 'a' + 10
	}
	for c := byte('A'); c <= 'F'; c++ {
		t[c] = c - 'A' + 10
	}
	return t
}()

// objdataSink consumes the raw, whitespace-interspersed ASCII hex body of
// one \objdata group. Incoming bytes are de-hexed into a transient scratch
// buffer — one pending half-byte survives across chunk boundaries — and the
// decoded stream drives the objState machine, materialising the payload to
// a temp file that is handed to the parser's ObjectScanner on completion.
type objdataSink struct {
	p *Parser

	state     objState
	bytesRead int

	descLen  uint32
	descName []byte

	dataLen uint32
	written uint32

	partialNibble byte
	hasPartial    bool

	// hdr captures the first payload byte pair for flavour
	// classification before anything is written.
	hdr        [2]byte
	hdrLen     int
	classified bool
	flavour    flavour

	out     *os.File
	outPath string

	badMagic bool
	scratch  []byte
}

func newObjdataSink(p *Parser) *objdataSink {
	return &objdataSink{
		p:       p,
		scratch: make([]byte, 0, chunkSize),
	}
}

// process receives one run of group-body bytes from the tokenizer.
func (s *objdataSink) process(ctx context.Context, data []byte) error {
	decoded := s.scratch[:0]
	for _, c := range data {
		v := hexValue[c]
		if v == hexInvalid {
			continue
		}
		if s.hasPartial {
			decoded = append(decoded, s.partialNibble<<4|v)
			s.hasPartial = false
			if len(decoded) == cap(decoded) {
				if err := s.feed(ctx, decoded); err != nil {
					return err
				}
				decoded = decoded[:0]
			}
		} else {
			s.partialNibble = v
			s.hasPartial = true
		}
	}
	return s.feed(ctx, decoded)
}

// feed advances the object state machine over decoded payload bytes.
func (s *objdataSink) feed(ctx context.Context, b []byte) error {
	for len(b) > 0 {
		switch s.state {
		case objWaitMagic:
			n := min(len(b), len(objdataMagic)-s.bytesRead)
			for k := 0; k < n; k++ {
				if b[k] != objdataMagic[s.bytesRead+k] && !s.badMagic {
					s.p.log.Debug("rtf: objdata magic mismatch",
						slog.Int("offset", s.bytesRead+k),
					)
					s.badMagic = true
				}
			}
			s.bytesRead += n
			b = b[n:]
			if s.bytesRead == len(objdataMagic) {
				s.state = objWaitDescLen
				s.bytesRead = 0
				s.descLen = 0
			}

		case objWaitDescLen:
			s.descLen |= uint32(b[0]) << (8 * s.bytesRead)
			s.bytesRead++
			b = b[1:]
			if s.bytesRead == 4 {
				s.descName = make([]byte, 0, int(min(s.descLen, maxDescName)))
				s.bytesRead = 0
				if s.descLen == 0 {
					s.state = objWaitZero
				} else {
					s.state = objWaitDesc
				}
			}

		case objWaitDesc:
			// The stream advances past the full declared
			// description; only the first maxDescName bytes are
			// retained.
			n := min(len(b), int(s.descLen)-s.bytesRead)
			if keep := cap(s.descName) - len(s.descName); keep > 0 {
				s.descName = append(s.descName, b[:min(n, keep)]...)
			}
			s.bytesRead += n
			b = b[n:]
			if s.bytesRead == int(s.descLen) {
				s.state = objWaitZero
				s.bytesRead = 0
			}

		case objWaitZero:
			n := min(len(b), 8-s.bytesRead)
			s.bytesRead += n
			b = b[n:]
			if s.bytesRead == 8 {
				s.state = objWaitDataSize
				s.bytesRead = 0
				s.dataLen = 0
			}

		case objWaitDataSize:
			s.dataLen |= uint32(b[0]) << (8 * s.bytesRead)
			s.bytesRead++
			b = b[1:]
			if s.bytesRead != 4 {
				break
			}
			s.bytesRead = 0
			if s.p.cfg.MaxObjects > 0 && s.p.objects >= s.p.cfg.MaxObjects {
				s.p.log.Warn("rtf: object limit reached, discarding remainder",
					slog.Int("limit", s.p.cfg.MaxObjects),
				)
				s.state = objDumpDiscard
				break
			}
			f, err := os.CreateTemp(s.p.tempDir, "obj-*")
			if err != nil {
				return fmt.Errorf("rtf: create object temp file: %w", err)
			}
			s.out = f
			s.outPath = f.Name()
			s.written = 0
			s.hdrLen = 0
			s.classified = false
			s.flavour = flavourUnknown
			s.state = objDumpData
			if s.dataLen == 0 {
				if err := s.finishObject(ctx); err != nil {
					return err
				}
			}

		case objDumpData:
			if !s.classified {
				for s.hdrLen < 2 && len(b) > 0 && uint32(s.hdrLen) < s.dataLen {
					s.hdr[s.hdrLen] = b[0]
					s.hdrLen++
					b = b[1:]
				}
				if uint32(s.hdrLen) < min(2, s.dataLen) {
					// Need more decoded bytes to classify.
					return nil
				}
				if err := s.classify(); err != nil {
					return err
				}
			}
			n := uint32(min(len(b), int(s.dataLen-s.written)))
			if n > 0 {
				if err := writeFull(s.out, b[:n]); err != nil {
					return err
				}
				s.written += n
				b = b[n:]
			}
			if s.written == s.dataLen {
				if err := s.finishObject(ctx); err != nil {
					return err
				}
			}

		case objDumpDiscard:
			// Terminal sink: the remainder of the frame is
			// consumed and dropped.
			return nil
		}
	}
	return nil
}

// classify inspects the first payload byte pair, records the object
// flavour, and writes any deferred header bytes. OLE10Native payloads get a
// 4-byte little-endian length prefix so downstream recognisers see the
// on-disk format they expect.
func (s *objdataSink) classify() error {
	if s.hdrLen == 2 && s.hdr[0] == 0xD0 && s.hdr[1] == 0xCF {
		s.flavour = flavourOLE2
	} else if s.hdrLen > 0 {
		s.flavour = flavourOLE10Native
		var prefix [4]byte
		binary.LittleEndian.PutUint32(prefix[:], s.dataLen)
		if err := writeFull(s.out, prefix[:]); err != nil {
			return err
		}
	}
	s.classified = true
	s.p.log.Debug("rtf: embedded object located",
		slog.String("flavour", s.flavour.String()),
		slog.Uint64("size", uint64(s.dataLen)),
		slog.String("descriptor", string(s.descName)),
	)
	if s.hdrLen > 0 {
		if err := writeFull(s.out, s.hdr[:s.hdrLen]); err != nil {
			return err
		}
		s.written += uint32(s.hdrLen)
		s.hdrLen = 0
	}
	return nil
}

// finishObject closes out the current object: the temp file is flushed to
// the scanner, the machine rewinds to objWaitMagic so a further object in
// the same group restarts extraction cleanly.
func (s *objdataSink) finishObject(ctx context.Context) error {
	res, err := s.decodeAndScan(ctx)
	s.p.objects++

	s.state = objWaitMagic
	s.bytesRead = 0
	s.descLen = 0
	s.descName = nil
	s.dataLen = 0
	s.written = 0
	s.hdrLen = 0
	s.classified = false
	s.flavour = flavourUnknown
	s.badMagic = false

	if err != nil {
		return err
	}
	if res.Infected {
		s.p.result = res
		return errStop
	}
	return nil
}

// decodeAndScan hands the materialised object to the downstream scanner and
// releases the temp file. The file is removed unless KeepTempFiles is set;
// a removal failure is reported but never masks an infected verdict.
func (s *objdataSink) decodeAndScan(ctx context.Context) (Result, error) {
	if s.out == nil {
		return Result{}, nil
	}
	f, path := s.out, s.outPath
	s.out = nil
	s.outPath = ""

	var (
		res     Result
		scanErr error
	)
	if s.p.cfg.Scanner != nil {
		if _, err := f.Seek(0, 0); err != nil {
			scanErr = fmt.Errorf("rtf: rewind object temp file: %w", err)
		} else {
			switch s.flavour {
			case flavourOLE10Native:
				res, scanErr = s.p.cfg.Scanner.ScanOLE10Native(ctx, f)
			default:
				res, scanErr = s.p.cfg.Scanner.ScanGeneric(ctx, f, path)
			}
		}
	}

	if err := f.Close(); err != nil {
		s.p.log.Warn("rtf: close object temp file",
			slog.String("path", path),
			slog.Any("error", err),
		)
	}

	var unlinkErr error
	if !s.p.cfg.KeepTempFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			unlinkErr = fmt.Errorf("%w: %v", ErrUnlink, err)
		}
	}

	if scanErr != nil {
		return Result{}, scanErr
	}
	if res.Infected {
		if unlinkErr != nil {
			s.p.log.Warn("rtf: cannot remove scanned object",
				slog.String("path", path),
				slog.Any("error", unlinkErr),
			)
		}
		return res, nil
	}
	if unlinkErr != nil {
		return Result{}, unlinkErr
	}
	return Result{}, nil
}

// end finalises the sink when its group closes, when a sibling \objdata
// restarts extraction, or when the driver drains the stack. Any partially
// dumped object is recovered and scanned rather than discarded.
func (s *objdataSink) end(ctx context.Context) error {
	res, err := s.decodeAndScan(ctx)
	s.descName = nil
	if err != nil {
		return err
	}
	if res.Infected {
		s.p.result = res
		return errStop
	}
	return nil
}

// abort releases the sink's resources without scanning, for error paths.
func (s *objdataSink) abort() {
	if s.out != nil {
		_ = s.out.Close()
		if !s.p.cfg.KeepTempFiles {
			_ = os.Remove(s.outPath)
		}
		s.out = nil
		s.outPath = ""
	}
	s.descName = nil
}

// writeFull writes all of buf to f, converting any short write into
// ErrWrite.
func writeFull(f *os.File, buf []byte) error {
	n, err := f.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short write (%d of %d bytes)", ErrWrite, n, len(buf))
	}
	return nil
}
