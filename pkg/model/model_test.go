package model_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memeval/pkg/model"
)

func TestParseAnswerType(t *testing.T) {
	testCases := []struct {
		input  string
		expect model.AnswerType
		isErr  bool
	}{
		{"Int", model.AnswerTypeInt, false},
		{"float", model.AnswerTypeFloat, false},
		{" Str ", model.AnswerTypeStr, false},
		{"List", model.AnswerTypeList, false},
		{"None", model.AnswerTypeNull, false},
		{"null", model.AnswerTypeNull, false},
		{"", model.AnswerTypeNull, false},
		{"Date", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := model.ParseAnswerType(tc.input)
			if tc.isErr {
				gt.Error(t, err)
				gt.True(t, errors.Is(err, model.ErrInvalidAnswerType))
				return
			}
			gt.NoError(t, err)
			gt.Equal(t, got, tc.expect)
		})
	}
}

func TestMemorySnapshotIsImmutable(t *testing.T) {
	m0 := model.NewMemory(model.StrategyCumulative)
	gt.Equal(t, m0.Version, 0)

	m1 := m0.Next("insight A")
	gt.Equal(t, m0.Content, "")
	gt.Equal(t, m0.Version, 0)
	gt.Equal(t, m1.Content, "insight A")
	gt.Equal(t, m1.Version, 1)

	m2 := m1.Bump()
	gt.Equal(t, m2.Content, "insight A")
	gt.Equal(t, m2.Version, 2)
}

func TestMemorySnapshotAppendDoesNotShareLog(t *testing.T) {
	base := model.NewMemory(model.StrategyRetrievalSynthesis).
		Append(model.TrialLogEntry{Question: "q1", Answer: "a1"})

	left := base.Append(model.TrialLogEntry{Question: "q2", Answer: "left"})
	right := base.Append(model.TrialLogEntry{Question: "q2", Answer: "right"})

	gt.A(t, base.TrialLog).Length(1)
	gt.Equal(t, left.TrialLog[1].Answer, "left")
	gt.Equal(t, right.TrialLog[1].Answer, "right")
	gt.Equal(t, left.Version, 2)
	gt.Equal(t, right.Version, 2)
}

func TestStrategyValidate(t *testing.T) {
	gt.NoError(t, model.StrategyCumulative.Validate())
	gt.NoError(t, model.StrategyRetrievalSynthesis.Validate())
	gt.True(t, errors.Is(model.Strategy("random").Validate(), model.ErrInvalidStrategy))
}

func TestSummarize(t *testing.T) {
	results := []model.TrialResult{
		{AnswerType: model.AnswerTypeInt, Score: 1, Correct: true},
		{AnswerType: model.AnswerTypeStr, Score: 0.5, Correct: true},
		{AnswerType: model.AnswerTypeStr, Score: 0.25, Correct: false},
		{AnswerType: model.AnswerTypeNull, Score: 0, Correct: false, Error: "timeout"},
	}

	s := model.Summarize(results)
	gt.Equal(t, s.Total, 4)
	gt.Equal(t, s.Correct, 2)
	gt.Equal(t, s.Accuracy, 0.5)
	gt.Equal(t, s.MeanScore, 0.4375)
	gt.Equal(t, s.ErrorCount, 1)

	str := s.ByType[model.AnswerTypeStr]
	gt.V(t, str).NotNil()
	gt.Equal(t, str.Total, 2)
	gt.Equal(t, str.Correct, 1)
	gt.Equal(t, str.Accuracy, 0.5)
}

func TestSummarizeEmpty(t *testing.T) {
	s := model.Summarize(nil)
	gt.Equal(t, s.Total, 0)
	gt.Equal(t, s.Accuracy, 0.0)
	gt.Equal(t, len(s.ByType), 0)
}

func TestLoadProfile(t *testing.T) {
	t.Run("defaults when path is empty", func(t *testing.T) {
		p, err := model.LoadProfile("")
		gt.NoError(t, err)
		gt.Equal(t, p, model.DefaultProfile())
	})

	t.Run("partial override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.yaml")
		gt.NoError(t, os.WriteFile(path, []byte(`
retry:
  max_attempts: 5
  base_delay: 250ms
score:
  float_tolerance: 0.05
`), 0o644))

		p, err := model.LoadProfile(path)
		gt.NoError(t, err)
		gt.Equal(t, p.Retry.MaxAttempts, 5)
		gt.Equal(t, p.Retry.BaseDelay, 250*time.Millisecond)
		gt.Equal(t, p.Retry.MaxDelay, 30*time.Second)
		gt.Equal(t, p.Score.FloatTolerance, 0.05)
		gt.Equal(t, p.Score.Threshold, 0.5)
	})

	t.Run("invalid value", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.yaml")
		gt.NoError(t, os.WriteFile(path, []byte("score:\n  threshold: 1.5\n"), 0o644))

		_, err := model.LoadProfile(path)
		gt.True(t, errors.Is(err, model.ErrInvalidProfile))
	})

	t.Run("code sandbox", func(t *testing.T) {
		p := model.DefaultProfile()
		gt.Equal(t, p.Generation.CodeSandbox, model.CodeSandboxContainer)

		path := filepath.Join(t.TempDir(), "run.yaml")
		gt.NoError(t, os.WriteFile(path, []byte("generation:\n  code_sandbox: local\n"), 0o644))
		p, err := model.LoadProfile(path)
		gt.NoError(t, err)
		gt.Equal(t, p.Generation.CodeSandbox, model.CodeSandboxLocal)

		gt.NoError(t, os.WriteFile(path, []byte("generation:\n  code_sandbox: chroot\n"), 0o644))
		_, err = model.LoadProfile(path)
		gt.True(t, errors.Is(err, model.ErrInvalidProfile))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := model.LoadProfile(filepath.Join(t.TempDir(), "none.yaml"))
		gt.Error(t, err)
	})
}
