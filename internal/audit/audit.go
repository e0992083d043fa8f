// Package audit appends one human-readable record per threshold update.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/good-yellow-bee/blazetune/pkg/config"
)

// TimestampLayout matches the EMA state file timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

// Event is one threshold update.
type Event struct {
	Timestamp    time.Time `json:"ts"`
	RunID        string    `json:"run_id,omitempty"`
	EMA          float64   `json:"ema"`
	StdDev       float64   `json:"stddev"`
	Threshold    float64   `json:"threshold"`
	TriggerCount int       `json:"trigger_count"`
}

// Line renders the text form:
//
//	[2024-05-08T12:00:03.412907+00:00] EMA: 4.75, StdDev: 1.00, Threshold: 6.25
func (e Event) Line() string {
	return fmt.Sprintf("[%s] EMA: %.2f, StdDev: %.2f, Threshold: %.2f",
		e.Timestamp.UTC().Format(TimestampLayout), e.EMA, e.StdDev, e.Threshold)
}

// Logger appends events to the audit log. The file is opened for each
// event and created on first use.
type Logger struct {
	path   string
	format string
	output io.Writer
	mu     sync.Mutex
}

// NewLogger creates a logger for the audit file described by cfg.
func NewLogger(cfg config.AuditConfig) (*Logger, error) {
	if err := checkFormat(cfg.Format); err != nil {
		return nil, err
	}
	return &Logger{path: cfg.Path, format: cfg.Format}, nil
}

// NewWriterLogger creates a logger writing to w.
func NewWriterLogger(w io.Writer, format string) (*Logger, error) {
	if err := checkFormat(format); err != nil {
		return nil, err
	}
	return &Logger{format: format, output: w}, nil
}

// Log appends e.
func (l *Logger) Log(e Event) error {
	var line []byte
	switch l.format {
	case config.AuditFormatJSON:
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode audit event: %w", err)
		}
		line = append(data, '\n')
	default:
		line = []byte(e.Line() + "\n")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.output != nil {
		if _, err := l.output.Write(line); err != nil {
			return fmt.Errorf("write audit log: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create audit log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	return nil
}

func checkFormat(format string) error {
	switch format {
	case config.AuditFormatText, config.AuditFormatJSON:
		return nil
	default:
		return fmt.Errorf("unknown audit format %q", format)
	}
}
