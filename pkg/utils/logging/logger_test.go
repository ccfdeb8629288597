package logging_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
)

func TestNewLevels(t *testing.T) {
	testCases := []struct {
		level       string
		expectDebug bool
		expectInfo  bool
		expectWarn  bool
	}{
		{"debug", true, true, true},
		{"info", false, true, true},
		{"warning", false, false, true},
		{"DEBUG", true, true, true},
		{"bogus", false, true, true},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := logging.New(tc.level, buf)

			logger.Debug("debug message")
			logger.Info("info message")
			logger.Warn("warn message")

			output := buf.String()
			check := func(expect bool, msg string) {
				if expect {
					gt.S(t, output).Contains(msg)
				} else {
					gt.S(t, output).NotContains(msg)
				}
			}
			check(tc.expectDebug, "debug message")
			check(tc.expectInfo, "info message")
			check(tc.expectWarn, "warn message")
		})
	}
}

func TestContextLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("debug", buf)
	ctx := logging.With(context.Background(), logger)
	gt.Equal(t, logging.From(ctx), logger)

	ctx = logging.WithAttrs(ctx, "run_id", "run-123")
	logging.From(ctx).Info("trial done")
	gt.S(t, buf.String()).Contains("trial done")
	gt.S(t, buf.String()).Contains("run-123")
}

func TestFromFallsBackToDefault(t *testing.T) {
	original := logging.Default()
	defer logging.SetDefault(original)

	buf := &bytes.Buffer{}
	custom := logging.New("warn", buf)
	logging.SetDefault(custom)

	gt.Equal(t, logging.From(context.Background()), custom)
}

func TestOpen(t *testing.T) {
	t.Run("standard streams", func(t *testing.T) {
		w, closer, err := logging.Open("-")
		gt.NoError(t, err)
		gt.Equal(t, w, io.Writer(os.Stdout))
		gt.NoError(t, closer())

		w, closer, err = logging.Open("stderr")
		gt.NoError(t, err)
		gt.Equal(t, w, io.Writer(os.Stderr))
		gt.NoError(t, closer())
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.log")
		w, closer, err := logging.Open(path)
		gt.NoError(t, err)

		logging.New("info", w).Info("to file")
		gt.NoError(t, closer())

		data, err := os.ReadFile(path)
		gt.NoError(t, err)
		gt.S(t, string(data)).Contains("to file")
	})

	t.Run("unwritable path", func(t *testing.T) {
		_, _, err := logging.Open(filepath.Join(t.TempDir(), "missing", "run.log"))
		gt.Error(t, err)
	})
}

func TestSetupRestoresDefault(t *testing.T) {
	original := logging.Default()
	path := filepath.Join(t.TempDir(), "run.log")

	ctx, restore, err := logging.Setup(context.Background(), "debug", path)
	gt.NoError(t, err)
	logging.From(ctx).Debug("debug line")
	gt.True(t, logging.Default() != original)

	restore()
	gt.Equal(t, logging.Default(), original)

	data, err := os.ReadFile(path)
	gt.NoError(t, err)
	gt.S(t, string(data)).Contains("debug line")
}
