// Package results persists oversized tool outputs and serves them back in
// bounded, byte-accurate chunks.
//
// Outputs at or under the inline threshold pass through untouched. Larger
// outputs are written to disk and replaced with a marker the model can
// follow up on via the read_tool_result operation.
package results

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/observability"
)

const (
	// InlineThreshold is the largest output returned inline, in bytes.
	InlineThreshold = 8 * 1024

	// MaxChunkSize caps a single RetrieveChunk read, in bytes.
	MaxChunkSize = 32 * 1024

	// previewLen is how much of a stored output the marker shows.
	previewLen = 500

	// DefaultMaxAgeHours is the cleanup horizon for stored results.
	DefaultMaxAgeHours = 24
)

// Typed errors for chunk retrieval.
var (
	// ErrResultNotFound indicates no stored result exists for the id.
	ErrResultNotFound = errors.New("stored tool result not found")

	// ErrInvalidOffset indicates the requested offset is negative or past
	// the end of the stored content.
	ErrInvalidOffset = errors.New("invalid offset")
)

// Store maps (session_id, tool_call_id) to an opaque byte blob on disk.
// Blobs live under <root>/<session_id>/<tool_call_id>.bin; writes are
// atomic (temp file + rename). Content is raw bytes; chunk boundaries
// never re-decode text.
type Store struct {
	root   string
	logger *observability.Logger
}

// NewStore creates a result store rooted at dir.
func NewStore(dir string, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Store{root: dir, logger: logger}
}

// Chunk is one bounded read of a stored result.
type Chunk struct {
	Content     string `json:"content"`
	Offset      int    `json:"offset"`
	Length      int    `json:"length"`
	TotalLength int    `json:"total_length"`
	HasMore     bool   `json:"hasMore"`
	NextOffset  int    `json:"nextOffset,omitempty"`
}

// CleanupReport summarizes an age-based sweep.
type CleanupReport struct {
	DeletedCount   int   `json:"deleted_count"`
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
}

// StoredResult describes one persisted blob.
type StoredResult struct {
	ToolCallID  string    `json:"tool_call_id"`
	SessionID   string    `json:"session_id"`
	TotalLength int64     `json:"total_length"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProcessToolResult applies the inline/overflow policy. Content of
// InlineThreshold bytes or less is returned unchanged; anything larger is
// persisted and replaced by a marker embedding the exact tool call id and
// total length, plus retrieval instructions.
func (s *Store) ProcessToolResult(toolCallID, sessionID, content string) (string, error) {
	if len(content) <= InlineThreshold {
		return content, nil
	}

	path := s.blobPath(sessionID, toolCallID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create result dir: %w", err)
	}
	if err := atomicWrite(path, []byte(content)); err != nil {
		return "", fmt.Errorf("store result %s: %w", toolCallID, err)
	}
	s.logger.Debug(context.Background(), "stored oversize tool result",
		"tool_call_id", toolCallID, "session_id", sessionID, "bytes", len(content))

	preview := content
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}
	marker := fmt.Sprintf(
		"[Tool output too large to display inline: %d bytes]\n"+
			"Preview:\n%s\n...\n"+
			"[toolCallId=%s totalLength=%d]\n"+
			"Use read_tool_result with tool_call_id=%q and offset/length to page the full output (max %d bytes per call).",
		len(content), preview, toolCallID, len(content), toolCallID, MaxChunkSize)
	return marker, nil
}

// RetrieveChunk reads length bytes at offset from a stored result. Length
// is capped at MaxChunkSize regardless of the requested value; length <= 0
// requests the maximum.
func (s *Store) RetrieveChunk(toolCallID, sessionID string, offset, length int) (*Chunk, error) {
	data, err := os.ReadFile(s.blobPath(sessionID, toolCallID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrResultNotFound, toolCallID)
		}
		return nil, fmt.Errorf("read stored result %s: %w", toolCallID, err)
	}

	total := len(data)
	if offset < 0 || offset > total {
		return nil, fmt.Errorf("%w: offset %d outside [0, %d]", ErrInvalidOffset, offset, total)
	}
	if length <= 0 || length > MaxChunkSize {
		length = MaxChunkSize
	}
	if offset+length > total {
		length = total - offset
	}

	chunk := &Chunk{
		Content:     string(data[offset : offset+length]),
		Offset:      offset,
		Length:      length,
		TotalLength: total,
		HasMore:     offset+length < total,
	}
	if chunk.HasMore {
		chunk.NextOffset = offset + length
	}
	return chunk, nil
}

// ListResults enumerates stored results for a session, newest first.
func (s *Store) ListResults(sessionID string) ([]StoredResult, error) {
	dir := filepath.Join(s.root, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list results: %w", err)
	}

	var out []StoredResult
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, StoredResult{
			ToolCallID:  strings.TrimSuffix(e.Name(), ".bin"),
			SessionID:   sessionID,
			TotalLength: info.Size(),
			CreatedAt:   info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeleteResult removes one stored result.
func (s *Store) DeleteResult(toolCallID, sessionID string) error {
	err := os.Remove(s.blobPath(sessionID, toolCallID))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrResultNotFound, toolCallID)
	}
	return err
}

// DeleteSession removes every stored result for a session.
func (s *Store) DeleteSession(sessionID string) error {
	return os.RemoveAll(filepath.Join(s.root, sessionID))
}

// CleanupOldResults removes results older than maxAgeHours and reports
// what was reclaimed. Intended for session-start sweeps and the hourly
// maintenance schedule.
func (s *Store) CleanupOldResults(sessionID string, maxAgeHours int) (*CleanupReport, error) {
	if maxAgeHours <= 0 {
		maxAgeHours = DefaultMaxAgeHours
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour)

	stored, err := s.ListResults(sessionID)
	if err != nil {
		return nil, err
	}
	report := &CleanupReport{}
	for _, r := range stored {
		if r.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.DeleteResult(r.ToolCallID, sessionID); err != nil {
			s.logger.Warn(context.Background(), "cleanup: delete failed",
				"tool_call_id", r.ToolCallID, "error", err)
			continue
		}
		report.DeletedCount++
		report.ReclaimedBytes += r.TotalLength
	}
	return report, nil
}

// CleanupAll sweeps every session directory under the store root.
func (s *Store) CleanupAll(maxAgeHours int) (*CleanupReport, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return &CleanupReport{}, nil
		}
		return nil, err
	}
	total := &CleanupReport{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		report, err := s.CleanupOldResults(e.Name(), maxAgeHours)
		if err != nil {
			continue
		}
		total.DeletedCount += report.DeletedCount
		total.ReclaimedBytes += report.ReclaimedBytes
	}
	return total, nil
}

func (s *Store) blobPath(sessionID, toolCallID string) string {
	// Ids come from the model; never let them escape the store root.
	session := filepath.Base(filepath.Clean(sessionID))
	call := filepath.Base(filepath.Clean(toolCallID))
	return filepath.Join(s.root, session, call+".bin")
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
