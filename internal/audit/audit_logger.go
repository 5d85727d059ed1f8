// Package audit provides a tamper-evident, append-only trail of scan
// verdicts whose entries are SHA-256 hash-chained. Each log entry records a
// monotonically increasing sequence number, a timestamp, an arbitrary JSON
// payload (in DocShield, a scan report), the previous entry's hash
// (prev_hash), and the SHA-256 hash of the entry's own content (event_hash).
//
// # Hash chain
//
// The event_hash for entry N is computed as:
//
//	SHA-256( JSON({seq, ts, payload, prev_hash}) )
//
// where the JSON encoding of those four fields is treated as a canonical
// byte sequence. The genesis entry (seq=1) uses a prev_hash of 64 ASCII zero
// characters.
//
// # Append semantics
//
// Each entry is one JSON line terminated by '\n'. The file is opened with
// os.O_APPEND | os.O_CREATE | os.O_WRONLY so every write is appended
// atomically by the OS; entries are kept small enough for POSIX single-write
// atomicity in practice.
//
// # Thread safety
//
// Logger is safe for concurrent use. A mutex serialises all Append calls to
// maintain a consistent sequence number and prev_hash.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the very first (genesis) entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is the public representation of one audit log entry, returned by
// Append and Verify.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// entryContent is the subset of Entry fields hashed to produce EventHash.
// It deliberately excludes EventHash itself.
type entryContent struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

func hashContent(c entryContent) string {
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Logger is a tamper-evident, append-only audit log writer. Create one with
// Open; do not copy after first use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the log file at path and prepares the Logger for
// appending. If the file already contains entries, Open replays them all to
// restore the current sequence number and prev_hash so the chain continues
// correctly. It returns an error if the file cannot be opened, any existing
// entry is malformed, or the existing chain is broken.
func Open(path string) (*Logger, error) {
	prevHash, seq, err := replay(path, nil)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}

	return &Logger{
		file:     f,
		prevHash: prevHash,
		seq:      seq,
	}, nil
}

// replay walks the log at path, verifying the chain. For each valid entry it
// invokes visit (when non-nil) and returns the final prev_hash and sequence
// number. A missing file is an empty, valid chain.
func replay(path string, visit func(Entry)) (string, int64, error) {
	prevHash := GenesisHash
	seq := int64(0)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return prevHash, seq, nil
		}
		return "", 0, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// Allow lines up to 10 MiB (large payloads).
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return "", 0, fmt.Errorf("audit: malformed entry at seq %d: %w", seq+1, err)
		}
		computed := hashContent(entryContent{
			Seq:       e.Seq,
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
			PrevHash:  e.PrevHash,
		})
		if computed != e.EventHash {
			return "", 0, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}
		if e.PrevHash != prevHash {
			return "", 0, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		if visit != nil {
			visit(e)
		}
		prevHash = e.EventHash
		seq = e.Seq
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("audit: scanning log %q: %w", path, err)
	}
	return prevHash, seq, nil
}

// Verify walks the complete log at path and returns all entries in order.
// It fails on the first malformed entry, hash mismatch, or chain break.
// Verify does not require an open Logger and may run against a live file.
func Verify(path string) ([]Entry, error) {
	var entries []Entry
	if _, _, err := replay(path, func(e Entry) { entries = append(entries, e) }); err != nil {
		return nil, err
	}
	return entries, nil
}

// Append writes a new tamper-evident entry to the log. payload must be
// valid JSON; passing nil records a JSON null payload. Append is safe to
// call from multiple goroutines.
//
// The returned Entry carries the assigned sequence number, timestamp,
// EventHash, and PrevHash so callers can record chain metadata without
// re-reading the file.
func (l *Logger) Append(payload json.RawMessage) (Entry, error) {
	if payload == nil {
		payload = json.RawMessage("null")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	ts := time.Now().UTC()
	prevHash := l.prevHash

	content := entryContent{
		Seq:       seq,
		Timestamp: ts,
		Payload:   payload,
		PrevHash:  prevHash,
	}
	eventHash := hashContent(content)

	e := Entry{
		Seq:       seq,
		Timestamp: ts,
		Payload:   payload,
		PrevHash:  prevHash,
		EventHash: eventHash,
	}

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = seq
	l.prevHash = eventHash
	return e, nil
}

// AppendJSON marshals v and appends it as the entry payload.
func (l *Logger) AppendJSON(v any) (Entry, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal payload: %w", err)
	}
	return l.Append(payload)
}

// Close flushes OS-level buffers and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}
