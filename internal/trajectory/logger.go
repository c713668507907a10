package trajectory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives trajectory events. The zero-value Nop sink drops them,
// which keeps callers free of nil checks.
type Sink interface {
	Record(event Event) error
}

// Nop is a Sink that discards events.
type Nop struct{}

func (Nop) Record(Event) error { return nil }

// Logger is the append-only, single-writer session log. One Logger owns one
// JSONL file for the lifetime of one session: opened at session start,
// closed at session end. Records are flushed per event so a crashed session
// leaves a log parseable up to the last complete line.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	w         *bufio.Writer
	sessionID string
	path      string
	seq       int
	closed    bool
	log       *zap.Logger
}

// Open creates the session log file under dir. The filename embeds the
// start time and session id so logs sort chronologically on disk.
func Open(dir, sessionID string, log *zap.Logger) (*Logger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trajectory dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.jsonl", time.Now().UTC().Format("20060102T150405"), sessionID)
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create trajectory log: %w", err)
	}

	log.Debug("Trajectory log opened", zap.String("path", path), zap.String("session", sessionID))

	return &Logger{
		file:      file,
		w:         bufio.NewWriter(file),
		sessionID: sessionID,
		path:      path,
		log:       log,
	}, nil
}

// Path returns the log file location.
func (l *Logger) Path() string { return l.path }

// Record appends one event. The logger stamps the session id, sequence
// number and timestamp; payloads arrive complete from the caller. Events
// recorded after Close are dropped with a warning rather than corrupting
// the file.
func (l *Logger) Record(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		l.log.Warn("Trajectory event after close dropped", zap.String("kind", string(event.Kind)))
		return fmt.Errorf("trajectory log already closed")
	}

	event.SessionID = l.sessionID
	event.Seq = l.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal trajectory event: %w", err)
	}
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("write trajectory event: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write trajectory event: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flush trajectory event: %w", err)
	}

	l.seq++
	return nil
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return fmt.Errorf("flush trajectory log: %w", err)
	}
	return l.file.Close()
}

// ReadFile parses a session log back into events, one per line. Malformed
// trailing lines (from a crashed session) end the read without error so a
// partial log stays usable.
func ReadFile(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trajectory log: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			break
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan trajectory log: %w", err)
	}
	return events, nil
}
