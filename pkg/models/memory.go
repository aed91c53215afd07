package models

import (
	"math"
	"time"
)

// LTMKind tags the category of a long-term memory entry.
type LTMKind string

const (
	LTMDiscovery LTMKind = "discovery"
	LTMSolution  LTMKind = "solution"
	LTMPattern   LTMKind = "pattern"
	LTMWorkflow  LTMKind = "workflow"
	LTMFailure   LTMKind = "failure"
)

// LTMKinds lists every valid entry kind.
var LTMKinds = []LTMKind{LTMDiscovery, LTMSolution, LTMPattern, LTMWorkflow, LTMFailure}

// LTMEntry is one item in the project's long-term memory file.
type LTMEntry struct {
	Kind       LTMKind   `json:"kind"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence"`
	Verified   bool      `json:"verified,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
	Examples   []string  `json:"examples,omitempty"`
}

// ltmHalfLife controls how fast an entry's score decays when unused.
const ltmHalfLife = 14 * 24 * time.Hour

// Score ranks an entry by confidence weighted by recency of use. Entries
// never used fall back to their creation time.
func (e LTMEntry) Score(now time.Time) float64 {
	ref := e.LastUsedAt
	if ref.IsZero() {
		ref = e.CreatedAt
	}
	age := now.Sub(ref)
	if age < 0 {
		age = 0
	}
	decay := math.Exp2(-float64(age) / float64(ltmHalfLife))
	return e.Confidence * decay
}
