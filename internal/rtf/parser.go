package rtf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
)

// Parser walks one RTF byte stream at a time, extracting embedded objects
// and handing them to the configured [ObjectScanner]. A Parser may be
// reused for consecutive documents but is not safe for concurrent use.
type Parser struct {
	cfg   Config
	log   *slog.Logger
	table actionTable

	stack   *groupStack
	cur     frame
	tempDir string
	objects int
	result  Result
}

// NewParser returns a Parser configured by cfg.
func NewParser(cfg Config) *Parser {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Parser{
		cfg: cfg,
		log: cfg.Logger,
	}
}

// Scan consumes r to exhaustion, extracting and scanning every embedded
// object it can locate. It returns the first non-clean scanner verdict, or
// the zero Result when the document is clean or contains no actionable
// groups. Any input byte stream is acceptable; non-RTF input simply yields
// no objects.
//
// All owned resources — the per-document temp directory, object temp files,
// and extractor state — are released on every exit path. Decoded object
// files survive only when [Config.KeepTempFiles] is set.
func (p *Parser) Scan(ctx context.Context, r io.Reader) (Result, error) {
	root := p.cfg.TempRoot
	if root == "" {
		root = os.TempDir()
	}
	dir, err := os.MkdirTemp(root, "docshield-*")
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTempDir, err)
	}

	p.tempDir = dir
	p.table = newActionTable()
	p.stack = newGroupStack()
	p.cur = frame{}
	p.objects = 0
	p.result = Result{}

	buf := make([]byte, chunkSize)
	var walkErr error
	for {
		if err := ctx.Err(); err != nil {
			walkErr = err
			break
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := p.processChunk(ctx, buf[:n]); err != nil {
				walkErr = err
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			walkErr = fmt.Errorf("rtf: read input: %w", rerr)
			break
		}
	}

	if walkErr == nil {
		walkErr = p.finalize(ctx)
	} else {
		p.abortAll()
	}

	if !p.cfg.KeepTempFiles {
		if err := os.RemoveAll(dir); err != nil {
			p.log.Warn("rtf: cannot remove temp directory",
				slog.String("dir", dir),
				slog.Any("error", err),
			)
		}
	}
	p.tempDir = ""

	if walkErr == errStop {
		walkErr = nil
	}
	if walkErr != nil {
		return Result{}, walkErr
	}
	return p.result, nil
}

// processChunk feeds one chunk of input bytes through the tokenizer. Chunk
// boundaries are invisible to the state machine: every transition that must
// re-examine a byte simply leaves the cursor in place.
func (p *Parser) processChunk(ctx context.Context, buf []byte) error {
	i := 0
	for {
		// INTERPRET_CONTROLWORD consumes no byte, so it must run even
		// when the terminating delimiter was the last byte of the
		// chunk.
		if p.cur.state == stateInterpretControlWord {
			word := p.cur.ctrlWord[:p.cur.ctrlLen]
			act, ok := p.table.lookup(word)
			p.cur.ctrlLen = 0
			p.cur.state = stateMain
			if ok {
				if err := p.dispatch(ctx, act); err != nil {
					return err
				}
			}
			continue
		}
		if i >= len(buf) {
			return nil
		}
		c := buf[i]

		switch p.cur.state {
		case stateMain:
			switch c {
			case '{':
				p.stack.push(&p.cur)
				i++
			case '}':
				if s := p.cur.sink; s != nil {
					p.cur.sink = nil
					if err := s.end(ctx); err != nil {
						return err
					}
				}
				p.stack.pop(&p.cur, p.log)
				i++
			case '\\':
				p.cur.state = stateControl
				i++
			default:
				j := i + 1
				if k := bytes.IndexAny(buf[j:], "{}\\"); k >= 0 {
					j += k
				} else {
					j = len(buf)
				}
				if s := p.cur.sink; s != nil {
					if err := s.process(ctx, buf[i:j]); err != nil {
						if err != errStop {
							// Release the extractor's
							// resources before the
							// abort propagates.
							p.cur.sink = nil
							s.abort()
						}
						return err
					}
				}
				i = j
			}

		case stateControl:
			if isASCIIAlpha(c) {
				p.cur.state = stateControlWord
				p.cur.ctrlLen = 0
			} else {
				p.cur.state = stateControlSymbol
			}

		case stateControlSymbol:
			// Control symbols (\*, \'xx escapes, \{ …) are not
			// interpreted here; the single symbol byte is skipped.
			i++
			p.cur.state = stateMain

		case stateControlWord:
			switch {
			case p.cur.ctrlLen == maxControlWordLen:
				// Leave the offending byte unconsumed so a
				// brace delimiter still balances the stack.
				p.log.Debug("rtf: control word maximum size exceeded")
				p.cur.state = stateMain
			case isASCIIAlpha(c):
				p.cur.ctrlWord[p.cur.ctrlLen] = c
				p.cur.ctrlLen++
				i++
			case isASCIISpace(c):
				// The whitespace byte becomes the terminator
				// visible in action-table keys.
				p.cur.ctrlWord[p.cur.ctrlLen] = c
				p.cur.ctrlLen++
				i++
				p.cur.state = stateInterpretControlWord
			case isASCIIDigit(c):
				p.cur.param = 0
				p.cur.paramNeg = false
				p.cur.state = stateControlWordParam
			case c == '-':
				p.cur.param = 0
				p.cur.paramNeg = true
				i++
				p.cur.state = stateControlWordParam
			default:
				p.cur.state = stateInterpretControlWord
			}

		case stateControlWordParam:
			switch {
			case isASCIIDigit(c):
				d := int64(c - '0')
				if p.cur.param > (math.MaxInt64-d)/10 {
					p.log.Debug("rtf: control word parameter overflow")
					p.cur.state = stateMain
					i++
					break
				}
				p.cur.param = p.cur.param*10 + d
				i++
			case isASCIIAlpha(c):
				// RTF permits a letter delimiter after the
				// parameter; it carries no meaning here.
				i++
			default:
				if p.cur.paramNeg {
					p.cur.param = -p.cur.param
				}
				p.cur.state = stateInterpretControlWord
			}
		}
	}
}

// finalize runs at end of input: the active frame's extractor is finished
// (recovering any partial object), then the stack is drained and every
// surviving extractor finished in turn. The first verdict or error wins;
// extractors behind it are aborted so nothing leaks.
func (p *Parser) finalize(ctx context.Context) error {
	var firstErr error

	finish := func(s *objdataSink) {
		if s == nil {
			return
		}
		if firstErr != nil {
			s.abort()
			return
		}
		if err := s.end(ctx); err != nil {
			firstErr = err
		}
	}

	finish(p.cur.sink)
	p.cur.sink = nil

	for p.stack.depth() > 0 || p.cur.defaultRuns > 0 {
		p.stack.pop(&p.cur, p.log)
		finish(p.cur.sink)
		p.cur.sink = nil
	}
	return firstErr
}

// abortAll releases every live extractor without scanning, for error paths.
func (p *Parser) abortAll() {
	if s := p.cur.sink; s != nil {
		p.cur.sink = nil
		s.abort()
	}
	for p.stack.depth() > 0 || p.cur.defaultRuns > 0 {
		p.stack.pop(&p.cur, p.log)
		if s := p.cur.sink; s != nil {
			p.cur.sink = nil
			s.abort()
		}
	}
}

func isASCIIAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isASCIIDigit(c byte) bool { return c >= '0' && c <= '9' }

// isASCIISpace matches the C isspace set, which is what delimits RTF
// control words in practice.
func isASCIISpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
