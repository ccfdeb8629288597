package model

import (
	"time"
)

// TypeSummary is the per-answer-type breakdown of a run
type TypeSummary struct {
	Total     int     `json:"total"`
	Correct   int     `json:"correct"`
	Accuracy  float64 `json:"accuracy"`
	MeanScore float64 `json:"mean_score"`
}

// Summary aggregates TrialResults of a run
type Summary struct {
	Total      int                         `json:"total"`
	Correct    int                         `json:"correct"`
	Accuracy   float64                     `json:"accuracy"`
	MeanScore  float64                     `json:"mean_score"`
	ErrorCount int                         `json:"error_count"`
	ByType     map[AnswerType]*TypeSummary `json:"by_type"`
}

// Summarize builds a Summary from trial results. An empty input yields zero
// accuracy rather than NaN.
func Summarize(results []TrialResult) Summary {
	s := Summary{
		ByType: make(map[AnswerType]*TypeSummary),
	}

	var scoreSum float64
	scoreByType := make(map[AnswerType]float64)

	for _, r := range results {
		s.Total++
		scoreSum += r.Score
		if r.Correct {
			s.Correct++
		}
		if r.Error != "" {
			s.ErrorCount++
		}

		ts, ok := s.ByType[r.AnswerType]
		if !ok {
			ts = &TypeSummary{}
			s.ByType[r.AnswerType] = ts
		}
		ts.Total++
		if r.Correct {
			ts.Correct++
		}
		scoreByType[r.AnswerType] += r.Score
	}

	if s.Total > 0 {
		s.Accuracy = float64(s.Correct) / float64(s.Total)
		s.MeanScore = scoreSum / float64(s.Total)
	}
	for t, ts := range s.ByType {
		ts.Accuracy = float64(ts.Correct) / float64(ts.Total)
		ts.MeanScore = scoreByType[t] / float64(ts.Total)
	}

	return s
}

// RunMetadata describes the run that produced a result file
type RunMetadata struct {
	RunID     RunID     `json:"run_id"`
	Model     string    `json:"model"`
	Strategy  Strategy  `json:"strategy"`
	Dataset   string    `json:"dataset"`
	Frozen    bool      `json:"frozen"`
	Timestamp time.Time `json:"timestamp"`
}

// RunResult is the final result file of a run
type RunResult struct {
	Metadata    RunMetadata    `json:"metadata"`
	Summary     Summary        `json:"summary"`
	Predictions []TrialResult  `json:"predictions"`
	FinalMemory MemorySnapshot `json:"final_memory"`
}
