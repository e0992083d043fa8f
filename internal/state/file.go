package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TimestampLayout is the entry timestamp format of the state file.
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

// FileStore keeps one entry per line:
//
//	[2024-05-08T12:00:03.412907+00:00] EMA: 4.75
//
// Values are written with two decimals. The file stays parseable after
// hand edits: only the text after "EMA:" on the last line is read.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore creates a file store. The file is created on first Append.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

// LoadLast implements Store.
func (s *FileStore) LoadLast(_ context.Context) (float64, bool, error) {
	lines, err := s.readLines()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read state file: %w", err)
	}
	if len(lines) == 0 {
		return 0, false, nil
	}

	value, err := parseValue(lines[len(lines)-1])
	if err != nil {
		s.logger.Warn("ignoring corrupt EMA state", zap.String("path", s.path), zap.Error(err))
		return 0, false, nil
	}
	return value, true, nil
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, e Entry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}

	if _, err := f.WriteString(formatEntry(e)); err != nil {
		f.Close()
		return fmt.Errorf("append state entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	return nil
}

// History implements Store.
func (s *FileStore) History(_ context.Context, limit int) ([]Entry, error) {
	lines, err := s.readLines()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		e, err := parseEntry(line)
		if err != nil {
			s.logger.Debug("skipping malformed state line", zap.String("line", line), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return tail(entries, limit), nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

// readLines returns the file's lines without trailing blank lines.
func (s *FileStore) readLines() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(data), " \t\r\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

func formatEntry(e Entry) string {
	return fmt.Sprintf("[%s] EMA: %.2f\n", e.Timestamp.UTC().Format(TimestampLayout), e.Value)
}

// parseValue reads the number following the first "EMA:" marker.
func parseValue(line string) (float64, error) {
	parts := strings.SplitN(line, "EMA:", 3)
	if len(parts) < 2 {
		return 0, fmt.Errorf("%w: no EMA marker in %q", ErrCorruptEntry, line)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if err := checkFinite(v); err != nil {
		return 0, err
	}
	return v, nil
}

// parseEntry parses a full line including its bracketed timestamp.
func parseEntry(line string) (Entry, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[") {
		return Entry{}, fmt.Errorf("%w: missing timestamp", ErrCorruptEntry)
	}
	end := strings.Index(line, "]")
	if end < 0 {
		return Entry{}, fmt.Errorf("%w: unterminated timestamp", ErrCorruptEntry)
	}

	ts, err := time.Parse(time.RFC3339Nano, line[1:end])
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	v, err := parseValue(line[end+1:])
	if err != nil {
		return Entry{}, err
	}
	return Entry{Timestamp: ts, Value: v}, nil
}
