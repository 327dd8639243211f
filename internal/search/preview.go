package search

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/smartfork/smartfork/internal/registry"
	"github.com/smartfork/smartfork/internal/session"
)

// SessionPreview is the result of the get_session_preview operation.
type SessionPreview struct {
	SessionID    string
	Preview      string
	MessageCount int
	DateRange    *DateRange
	Metadata     *registry.Metadata
}

// DateRange is the [earliest,latest] timestamp span covered by a session's
// messages, when at least one message carries a timestamp.
type DateRange struct {
	Earliest, Latest time.Time
}

// GetSessionPreview resolves sessionID to its transcript file, reads it,
// concatenates "{role}: {content}" blocks separated by blank lines, and
// truncates to length characters on a word boundary.
func (s *Service) GetSessionPreview(sessionID string, length int) (SessionPreview, error) {
	if length <= 0 {
		length = s.opts.PreviewLength
	}

	meta := s.registry.Get(sessionID)
	path, err := s.resolveSessionPath(sessionID, meta)
	if err != nil {
		return SessionPreview{}, fmt.Errorf("search: resolve session path: %w", err)
	}

	parser := session.New()
	sess, err := parser.ParseFile(path)
	if err != nil {
		return SessionPreview{}, fmt.Errorf("search: read session %s: %w", sessionID, err)
	}

	var b strings.Builder
	for i, m := range sess.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}

	preview := truncateOnWordBoundary(strings.TrimSpace(b.String()), length)

	out := SessionPreview{
		SessionID:    sessionID,
		Preview:      preview,
		MessageCount: len(sess.Messages),
		Metadata:     meta,
		DateRange:    dateRangeOf(sess.Messages),
	}
	return out, nil
}

func dateRangeOf(messages []session.Message) *DateRange {
	var dr *DateRange
	for _, m := range messages {
		if !m.HasTime {
			continue
		}
		if dr == nil {
			dr = &DateRange{Earliest: m.Timestamp, Latest: m.Timestamp}
			continue
		}
		if m.Timestamp.Before(dr.Earliest) {
			dr.Earliest = m.Timestamp
		}
		if m.Timestamp.After(dr.Latest) {
			dr.Latest = m.Timestamp
		}
	}
	return dr
}

// resolveSessionPath locates a bare session_id's backing .jsonl file under
// the configured session root. It consults the registry's Project field
// first (fast path: <root>/projects/<project>/.../<session_id>.jsonl),
// falling back to a recursive filename search.
func (s *Service) resolveSessionPath(sessionID string, meta *registry.Metadata) (string, error) {
	if meta != nil && meta.Project != "" {
		pattern := filepath.Join(s.sessionRoot, "projects", meta.Project, "*", sessionID+".jsonl")
		if matches, _ := filepath.Glob(pattern); len(matches) > 0 {
			return matches[0], nil
		}
		pattern = filepath.Join(s.sessionRoot, "projects", meta.Project, sessionID+".jsonl")
		if matches, _ := filepath.Glob(pattern); len(matches) > 0 {
			return matches[0], nil
		}
	}

	var found string
	_ = filepath.WalkDir(s.sessionRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if !d.IsDir() && filepath.Base(path) == sessionID+".jsonl" {
			found = path
		}
		return nil
	})
	if found == "" {
		return "", fmt.Errorf("session %s not found under %s", sessionID, s.sessionRoot)
	}
	return found, nil
}

func truncateOnWordBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " ") + "…"
}
