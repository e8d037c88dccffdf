package agentloop

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuditKind names an approval audit record.
type AuditKind string

const (
	AuditSuspended AuditKind = "suspended"
	AuditResolved  AuditKind = "resolved"
)

// AuditEvent is one approval decision record.
type AuditEvent struct {
	Timestamp      time.Time `json:"ts"`
	Kind           AuditKind `json:"kind"`
	SessionID      string    `json:"session_id"`
	InterruptionID string    `json:"interruption_id"`
	ActionHash     string    `json:"action_hash"`
	Action         string    `json:"action,omitempty"`
	Tools          []string  `json:"tools"`
	Protected      []string  `json:"protected,omitempty"`
	Feedback       string    `json:"feedback,omitempty"`
}

// AuditSink receives approval audit records.
type AuditSink interface {
	Emit(ctx context.Context, e AuditEvent) error
	Close() error
}

// JSONLAuditSink appends audit records to a file, one JSON object per line,
// and rotates the file once it would exceed RotateMaxBytes.
type JSONLAuditSink struct {
	Path           string
	RotateMaxBytes int64

	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	size int64
}

// NewJSONLAuditSink opens or creates the audit file at path. A non-positive
// rotateMaxBytes selects 100 MiB.
func NewJSONLAuditSink(path string, rotateMaxBytes int64) (*JSONLAuditSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("missing jsonl path")
	}
	if rotateMaxBytes <= 0 {
		rotateMaxBytes = 100 * 1024 * 1024
	}
	s := &JSONLAuditSink{Path: path, RotateMaxBytes: rotateMaxBytes}
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONLAuditSink) Emit(ctx context.Context, e AuditEvent) error {
	if s == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeededLocked(int64(len(b)) + 1); err != nil {
		return err
	}
	if s.w == nil {
		return fmt.Errorf("audit sink is closed")
	}
	n, err := s.w.Write(append(b, '\n'))
	if err != nil {
		return err
	}
	s.size += int64(n)
	return s.w.Flush()
}

func (s *JSONLAuditSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		_ = s.w.Flush()
	}
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.w = nil
	s.size = 0
	return err
}

func (s *JSONLAuditSink) openLocked() error {
	if dir := filepath.Dir(s.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if st, err := f.Stat(); err == nil {
		s.size = st.Size()
	}
	s.f = f
	s.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

func (s *JSONLAuditSink) rotateIfNeededLocked(addBytes int64) error {
	if s.RotateMaxBytes <= 0 || s.size+addBytes <= s.RotateMaxBytes || s.size == 0 {
		return nil
	}
	if s.w != nil {
		_ = s.w.Flush()
	}
	if s.f != nil {
		_ = s.f.Close()
	}
	s.f, s.w, s.size = nil, nil, 0

	rotated := fmt.Sprintf("%s.%s", s.Path, time.Now().UTC().Format("20060102T150405.000000000Z"))
	// A failed rename keeps appending to the current file.
	_ = os.Rename(s.Path, rotated)
	return s.openLocked()
}
