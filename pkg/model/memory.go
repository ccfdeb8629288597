package model

import (
	"slices"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrInvalidStrategy = goerr.New("invalid memory strategy")
)

type Strategy string

const (
	StrategyCumulative         Strategy = "cumulative"
	StrategyRetrievalSynthesis Strategy = "retrieval_synthesis"
)

// Validate checks if the strategy is valid
func (s Strategy) Validate() error {
	switch s {
	case StrategyCumulative, StrategyRetrievalSynthesis:
		return nil
	default:
		return goerr.Wrap(ErrInvalidStrategy, "unknown strategy", goerr.V("strategy", s))
	}
}

// TrialLogEntry is one past trial kept as retrieval corpus for the
// retrieval-synthesis strategy
type TrialLogEntry struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Embedding []float32 `json:"embedding"`
}

// MemorySnapshot is a versioned, immutable view of the shared memory.
// New versions are produced only through Next, Append and Bump; all of them
// return a fresh value and leave the receiver untouched.
type MemorySnapshot struct {
	Content  string          `json:"content"`
	Version  int             `json:"version"`
	Strategy Strategy        `json:"strategy"`
	TrialLog []TrialLogEntry `json:"trial_log,omitempty"`
}

// NewMemory returns an empty version-0 memory for the strategy
func NewMemory(strategy Strategy) MemorySnapshot {
	return MemorySnapshot{Strategy: strategy}
}

// Next returns the successor snapshot holding content
func (m MemorySnapshot) Next(content string) MemorySnapshot {
	next := m
	next.Content = content
	next.Version = m.Version + 1
	return next
}

// Append returns the successor snapshot with entry added to the trial log
func (m MemorySnapshot) Append(entry TrialLogEntry) MemorySnapshot {
	next := m
	// Clip forces a fresh backing array so earlier snapshots never observe
	// the new entry. This copies the entry headers, O(n) per append; the
	// embedding vectors themselves stay shared.
	next.TrialLog = append(slices.Clip(m.TrialLog), entry)
	next.Version = m.Version + 1
	return next
}

// Bump returns the successor snapshot with unchanged content. It keeps the
// trial-to-version mapping intact when a curation attempt failed.
func (m MemorySnapshot) Bump() MemorySnapshot {
	return m.Next(m.Content)
}
