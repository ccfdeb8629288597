package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

type RunID string

// NewRunID generates a new unique RunID
func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// TrialResult is the immutable output of one trial. It carries no wall-clock
// data, so a resumed run reproduces it byte for byte.
type TrialResult struct {
	Index      int        `json:"index"`
	ExampleID  ExampleID  `json:"example_id"`
	Question   string     `json:"question"`
	AnswerType AnswerType `json:"answer_type"`
	GoldAnswer string     `json:"gold_answer"`

	PredictedAnswer string  `json:"predicted_answer"`
	Reasoning       string  `json:"reasoning"`
	Context         string  `json:"context"`
	Score           float64 `json:"score"`
	Correct         bool    `json:"correct"`

	MemoryVersionBefore int    `json:"memory_version_before"`
	MemoryVersionAfter  int    `json:"memory_version_after"`
	MemoryBefore        string `json:"memory_before"`
	MemoryAfter         string `json:"memory_after,omitempty"`

	Error         string   `json:"error,omitempty"`
	CurationError string   `json:"curation_error,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Fingerprint identifies the run a checkpoint belongs to. Resuming with a
// different fingerprint is refused.
type Fingerprint struct {
	Dataset      string   `json:"dataset"`
	Model        string   `json:"model"`
	Strategy     Strategy `json:"strategy"`
	Frozen       bool     `json:"frozen"`
	ExampleCount int      `json:"example_count"`

	// ExampleDigest binds the checkpoint to the exact ordered example IDs
	ExampleDigest string `json:"example_digest"`
}

// DigestExamples returns a hex SHA-256 over the ordered example IDs
func DigestExamples(examples []Example) string {
	h := sha256.New()
	for _, ex := range examples {
		h.Write([]byte(ex.ID))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Checkpoint is the durable progress marker of a run
type Checkpoint struct {
	RunID          RunID          `json:"run_id"`
	Fingerprint    Fingerprint    `json:"fingerprint"`
	CompletedCount int            `json:"completed_count"`
	Results        []TrialResult  `json:"results"`
	Memory         MemorySnapshot `json:"memory_snapshot"`
	Timestamp      time.Time      `json:"timestamp"`
}
