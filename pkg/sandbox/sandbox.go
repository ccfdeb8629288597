package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/m-mizutani/memeval/pkg/utils/logging"
)

// Block is one fenced code block found in model output
type Block struct {
	Language string
	Code     string
}

var blockPattern = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)[^\\n]*\\n(.*?)```")

// ExtractBlocks returns fenced code blocks whose language is Python
func ExtractBlocks(text string) []Block {
	var blocks []Block
	for _, m := range blockPattern.FindAllStringSubmatch(text, -1) {
		lang := strings.ToLower(strings.TrimSpace(m[1]))
		switch lang {
		case "python", "py", "python3":
			blocks = append(blocks, Block{Language: "python", Code: m[2]})
		}
	}
	return blocks
}

// settings are shared by Runner and Container
type settings struct {
	interpreter string
	image       string
	docker      string
	timeout     time.Duration
	maxOutput   int
}

func defaultSettings() settings {
	return settings{
		interpreter: "python3",
		image:       "python:3-slim",
		docker:      "docker",
		timeout:     10 * time.Second,
		maxOutput:   8 * 1024,
	}
}

type Option func(*settings)

// WithInterpreter sets the Python interpreter of the local Runner
func WithInterpreter(path string) Option {
	return func(s *settings) { s.interpreter = path }
}

// WithImage sets the container image of Container
func WithImage(image string) Option {
	return func(s *settings) { s.image = image }
}

// WithDocker sets the docker compatible CLI used by Container
func WithDocker(path string) Option {
	return func(s *settings) { s.docker = path }
}

func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithMaxOutput caps the returned output in bytes
func WithMaxOutput(n int) Option {
	return func(s *settings) { s.maxOutput = n }
}

// Runner executes Python snippets on the host in a throwaway directory with
// a timeout, a minimal environment and a bounded output size. The whole
// process group is killed when a block ends, so spawned children cannot
// outlive it. Failures are reported as text in the output, never as
// errors, so callers can feed them back to the model.
type Runner struct {
	settings
}

func New(opts ...Option) *Runner {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return &Runner{settings: s}
}

// Run executes the blocks in order and returns their combined output
func (r *Runner) Run(ctx context.Context, blocks []Block) string {
	return runBlocks(ctx, blocks, r.maxOutput, r.runOne)
}

func runBlocks(ctx context.Context, blocks []Block, maxOutput int, runOne func(context.Context, Block) string) string {
	var out strings.Builder
	for i, b := range blocks {
		if len(blocks) > 1 {
			fmt.Fprintf(&out, "[block %d]\n", i+1)
		}
		out.WriteString(runOne(ctx, b))
		if !strings.HasSuffix(out.String(), "\n") {
			out.WriteString("\n")
		}
	}
	return truncate(out.String(), maxOutput)
}

// prepareWorkDir writes the block to main.py of a new temp dir
func prepareWorkDir(b Block) (string, func(), error) {
	workDir, err := os.MkdirTemp("", "memeval-sandbox-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(workDir) }

	if err := os.WriteFile(filepath.Join(workDir, scriptName), []byte(b.Code), 0o644); err != nil {
		cleanup()
		return "", nil, err
	}
	return workDir, cleanup, nil
}

const scriptName = "main.py"

func (r *Runner) runOne(ctx context.Context, b Block) string {
	workDir, cleanup, err := prepareWorkDir(b)
	if err != nil {
		return fmt.Sprintf("error: failed to prepare work directory: %v", err)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// -I isolates from user site-packages and PYTHON* variables
	cmd := exec.CommandContext(ctx, r.interpreter, "-I", scriptName)
	cmd.Dir = workDir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	var buf limitedBuffer
	buf.limit = r.maxOutput
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err = cmd.Run()
	if cmd.Process != nil {
		// leftovers of a block that exited on its own
		_ = killProcessGroup(cmd)
	}

	output := describe(buf.String(), ctx, err, r.timeout)
	logging.From(ctx).Debug("sandbox executed", "bytes", len(output), "error", err)
	return output
}

// waitDelay bounds how long Run waits for output pipes after the process
// is gone
const waitDelay = 500 * time.Millisecond

// describe appends a textual error to the output of a finished block
func describe(output string, ctx context.Context, err error, timeout time.Duration) string {
	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return output + fmt.Sprintf("\nerror: execution timed out after %s", timeout)
	case err == nil, errors.Is(err, exec.ErrWaitDelay):
		return output
	case errors.As(err, &exitErr):
		return output + fmt.Sprintf("\nerror: exit status %d", exitErr.ExitCode())
	default:
		return output + fmt.Sprintf("\nerror: %v", err)
	}
}

// limitedBuffer drops writes beyond limit bytes but reports them as written
// so the child process is not killed by a broken pipe
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remain := b.limit - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "\n[output truncated]"
}
