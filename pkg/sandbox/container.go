package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
)

// Container executes Python snippets in a disposable docker container with
// no network, a read-only root filesystem, dropped capabilities and an
// unprivileged user. The block is mounted read-only at /workspace.
type Container struct {
	settings
}

func NewContainer(opts ...Option) *Container {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return &Container{settings: s}
}

const (
	containerWorkDir = "/workspace"
	killTimeout      = 10 * time.Second
)

// Run executes the blocks in order and returns their combined output
func (c *Container) Run(ctx context.Context, blocks []Block) string {
	return runBlocks(ctx, blocks, c.maxOutput, c.runOne)
}

// Args returns the docker arguments running one block from hostDir
func (c *Container) Args(name, hostDir string) []string {
	return []string{
		"run", "--rm",
		"--name", name,
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--memory", "256m",
		"--cpus", "1.0",
		"--pids-limit", "64",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", "65534:65534",
		"--env", "HOME=/tmp",
		"--volume", fmt.Sprintf("%s:%s:ro", hostDir, containerWorkDir),
		"--workdir", containerWorkDir,
		c.image,
		"python", "-I", scriptName,
	}
}

func (c *Container) runOne(ctx context.Context, b Block) string {
	workDir, cleanup, err := prepareWorkDir(b)
	if err != nil {
		return fmt.Sprintf("error: failed to prepare work directory: %v", err)
	}
	defer cleanup()
	// the container user is not the owner of the temp dir
	if err := os.Chmod(workDir, 0o755); err != nil {
		return fmt.Sprintf("error: failed to prepare work directory: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	name := "memeval-sandbox-" + uuid.NewString()
	cmd := exec.CommandContext(ctx, c.docker, c.Args(name, workDir)...)
	// killing the docker client leaves the container running
	cmd.Cancel = func() error {
		killCtx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()
		_ = exec.CommandContext(killCtx, c.docker, "kill", name).Run()
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = waitDelay

	var buf limitedBuffer
	buf.limit = c.maxOutput
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err = cmd.Run()
	output := describe(buf.String(), ctx, err, c.timeout)
	logging.From(ctx).Debug("container sandbox executed", "container", name, "bytes", len(output), "error", err)
	return output
}
