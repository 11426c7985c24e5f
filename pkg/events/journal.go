package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal appends events to daily-rotated JSONL files, one event per line.
// It is itself a Subscriber, so wiring it is one bus registration.
type Journal struct {
	logDir      string
	mu          sync.Mutex
	currentFile *os.File
	currentDate string
}

// NewJournal creates the journal directory and opens today's file.
func NewJournal(logDir string) (*Journal, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	j := &Journal{logDir: logDir}
	if err := j.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to open event log file: %w", err)
	}
	return j, nil
}

// Write appends one event. The file is synced per write so the journal
// survives a crash mid-run.
func (j *Journal) Write(event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if _, err := j.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return j.currentFile.Sync()
}

// Subscriber adapts the journal to the bus. Write errors are swallowed
// after the bus's contract: a failing subscriber never affects the run.
func (j *Journal) Subscriber() Subscriber {
	return func(event Event) {
		_ = j.Write(event)
	}
}

// ReadDay loads every event journaled on the given date (UTC).
func (j *Journal) ReadDay(date time.Time) ([]Event, error) {
	path := filepath.Join(j.logDir, fileNameFor(date.UTC().Format("2006-01-02")))
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open event log %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			// A torn final line from a crash is expected; skip it.
			continue
		}
		out = append(out, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log %s: %w", path, err)
	}
	return out, nil
}

// Close closes the current file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.currentFile == nil {
		return nil
	}
	err := j.currentFile.Close()
	j.currentFile = nil
	return err
}

func (j *Journal) rotateIfNeeded() error {
	today := time.Now().UTC().Format("2006-01-02")
	if j.currentFile != nil && j.currentDate == today {
		return nil
	}

	if j.currentFile != nil {
		if err := j.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}

	path := filepath.Join(j.logDir, fileNameFor(today))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log file %s: %w", path, err)
	}
	j.currentFile = f
	j.currentDate = today
	return nil
}

func fileNameFor(date string) string {
	return fmt.Sprintf("events-%s.jsonl", date)
}
