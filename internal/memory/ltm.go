package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// LTMStore is the project's long-term memory: a single JSON file of
// tagged entries, bounded per kind, whole-file atomic writes. One writer
// per project.
type LTMStore struct {
	mu         sync.Mutex
	path       string
	maxPerKind int
	maxAge     time.Duration
}

// LTMStats summarizes the store for the ltm_stats operation.
type LTMStats struct {
	Total   int                    `json:"total"`
	ByKind  map[models.LTMKind]int `json:"by_kind"`
	Oldest  time.Time              `json:"oldest,omitzero"`
	Newest  time.Time              `json:"newest,omitzero"`
	AvgConf float64                `json:"avg_confidence"`
}

// PruneReport summarizes a prune pass.
type PruneReport struct {
	Removed   int `json:"removed"`
	Remaining int `json:"remaining"`
}

// NewLTMStore opens the long-term memory file at path. maxPerKind bounds
// entries per kind (default 100); maxAgeDays drops unused entries older
// than the horizon (default 180).
func NewLTMStore(path string, maxPerKind, maxAgeDays int) *LTMStore {
	if maxPerKind <= 0 {
		maxPerKind = 100
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 180
	}
	return &LTMStore{
		path:       path,
		maxPerKind: maxPerKind,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}
}

// Add appends an entry, clamping confidence into [0,1], and prunes the
// entry's kind if it exceeded its bound.
func (s *LTMStore) Add(kind models.LTMKind, content string, confidence float64, examples []string) error {
	valid := false
	for _, k := range models.LTMKinds {
		if kind == k {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid ltm kind %q", kind)
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	entries = append(entries, models.LTMEntry{
		Kind:       kind,
		Content:    content,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
		Examples:   examples,
	})
	entries = s.enforceBounds(entries, time.Now())
	return s.save(entries)
}

// Top returns the n highest-scoring entries of the given kinds, marking
// them used. Used by system prompt assembly.
func (s *LTMStore) Top(n int, kinds ...models.LTMKind) ([]models.LTMEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return nil, err
	}

	wanted := func(k models.LTMKind) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}

	now := time.Now()
	idx := make([]int, 0, len(entries))
	for i, e := range entries {
		if wanted(e.Kind) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return entries[idx[a]].Score(now) > entries[idx[b]].Score(now)
	})
	if len(idx) > n {
		idx = idx[:n]
	}

	out := make([]models.LTMEntry, 0, len(idx))
	for _, i := range idx {
		entries[i].LastUsedAt = now.UTC()
		out = append(out, entries[i])
	}
	if len(out) > 0 {
		if err := s.save(entries); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Prune applies the age horizon and per-kind bounds.
func (s *LTMStore) Prune() (*PruneReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	before := len(entries)
	entries = s.enforceBounds(entries, time.Now())
	if err := s.save(entries); err != nil {
		return nil, err
	}
	return &PruneReport{Removed: before - len(entries), Remaining: len(entries)}, nil
}

// Stats summarizes the store.
func (s *LTMStore) Stats() (*LTMStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	stats := &LTMStats{Total: len(entries), ByKind: map[models.LTMKind]int{}}
	var confSum float64
	for _, e := range entries {
		stats.ByKind[e.Kind]++
		confSum += e.Confidence
		if stats.Oldest.IsZero() || e.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = e.CreatedAt
		}
		if e.CreatedAt.After(stats.Newest) {
			stats.Newest = e.CreatedAt
		}
	}
	if len(entries) > 0 {
		stats.AvgConf = confSum / float64(len(entries))
	}
	return stats, nil
}

// enforceBounds drops entries unused past the age horizon, then trims
// each kind to its bound by ascending score.
func (s *LTMStore) enforceBounds(entries []models.LTMEntry, now time.Time) []models.LTMEntry {
	kept := entries[:0]
	for _, e := range entries {
		ref := e.LastUsedAt
		if ref.IsZero() {
			ref = e.CreatedAt
		}
		if now.Sub(ref) <= s.maxAge {
			kept = append(kept, e)
		}
	}

	counts := map[models.LTMKind]int{}
	for _, e := range kept {
		counts[e.Kind]++
	}
	for kind, n := range counts {
		if n <= s.maxPerKind {
			continue
		}
		// Drop the lowest-scoring entries of this kind.
		type scored struct {
			idx   int
			score float64
		}
		var members []scored
		for i, e := range kept {
			if e.Kind == kind {
				members = append(members, scored{idx: i, score: e.Score(now)})
			}
		}
		sort.Slice(members, func(a, b int) bool { return members[a].score < members[b].score })
		drop := map[int]bool{}
		for _, m := range members[:n-s.maxPerKind] {
			drop[m.idx] = true
		}
		filtered := kept[:0]
		for i, e := range kept {
			if !drop[i] {
				filtered = append(filtered, e)
			}
		}
		kept = filtered
	}
	return kept
}

func (s *LTMStore) load() ([]models.LTMEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ltm: %w", err)
	}
	var entries []models.LTMEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode ltm: %w", err)
	}
	return entries, nil
}

func (s *LTMStore) save(entries []models.LTMEntry) error {
	if entries == nil {
		entries = []models.LTMEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ltm: %w", err)
	}
	return atomicWrite(s.path, data, 0o600)
}
