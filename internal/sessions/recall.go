package sessions

import (
	"strings"

	"github.com/haasonsaas/anvil/pkg/models"
)

// Recall defaults.
const (
	DefaultRecallSessions = 10
	DefaultRecallResults  = 20
	recallPreviewLen      = 200
)

// RecallMatch is one cross-session search hit.
type RecallMatch struct {
	SessionID    string `json:"session_id"`
	Role         string `json:"role"`
	MessageIndex int    `json:"message_index"`
	Preview      string `json:"preview"`
}

// RecallSessions scans session files newest first for case-insensitive
// text matches against query, bounded by maxSessions files and maxResults
// total hits. The scan is project-scoped: only this store's directory.
func (s *Store) RecallSessions(query string, maxSessions, maxResults int) ([]RecallMatch, error) {
	if maxSessions <= 0 {
		maxSessions = DefaultRecallSessions
	}
	if maxResults <= 0 {
		maxResults = DefaultRecallResults
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}

	ids, err := s.idsByMtime()
	if err != nil {
		return nil, err
	}
	if len(ids) > maxSessions {
		ids = ids[:maxSessions]
	}

	var matches []RecallMatch
	for _, id := range ids {
		session, err := s.Get(id)
		if err != nil {
			continue
		}
		for i, msg := range session.History {
			if msg.Role == models.RoleSystem {
				continue
			}
			if !strings.Contains(strings.ToLower(msg.Content), needle) {
				continue
			}
			matches = append(matches, RecallMatch{
				SessionID:    id,
				Role:         string(msg.Role),
				MessageIndex: i,
				Preview:      previewAround(msg.Content, needle),
			})
			if len(matches) >= maxResults {
				return matches, nil
			}
		}
	}
	return matches, nil
}

// previewAround extracts a window of the content centered on the first
// match.
func previewAround(content, needle string) string {
	idx := strings.Index(strings.ToLower(content), needle)
	if idx < 0 {
		idx = 0
	}
	start := idx - recallPreviewLen/2
	if start < 0 {
		start = 0
	}
	end := start + recallPreviewLen
	if end > len(content) {
		end = len(content)
	}
	preview := strings.TrimSpace(content[start:end])
	if start > 0 {
		preview = "…" + preview
	}
	if end < len(content) {
		preview += "…"
	}
	return preview
}
