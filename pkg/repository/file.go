package repository

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/model"
)

var (
	ErrCorruptCheckpoint = goerr.New("checkpoint is corrupt")
)

// WriteFileAtomic writes v as indented JSON to a temp file in the target
// directory, syncs it and renames it over path. Readers always see either
// the previous or the new complete file.
func WriteFileAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return goerr.Wrap(err, "failed to create directory", goerr.V("dir", dir))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return goerr.Wrap(err, "failed to create temp file", goerr.V("dir", dir))
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		cleanup()
		return goerr.Wrap(err, "failed to encode JSON", goerr.V("path", path))
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return goerr.Wrap(err, "failed to sync temp file", goerr.V("path", tmpPath))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return goerr.Wrap(err, "failed to close temp file", goerr.V("path", tmpPath))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return goerr.Wrap(err, "failed to rename temp file", goerr.V("from", tmpPath), goerr.V("to", path))
	}

	return nil
}

// CheckpointFile persists the run checkpoint as a single JSON file
type CheckpointFile struct {
	path string
}

func NewCheckpointFile(path string) *CheckpointFile {
	return &CheckpointFile{path: path}
}

func (c *CheckpointFile) Path() string { return c.path }

// Load returns nil without error when no checkpoint exists. A file that
// exists but cannot be parsed is an error.
func (c *CheckpointFile) Load() (*model.Checkpoint, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to read checkpoint", goerr.V("path", c.path))
	}

	var cp model.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, goerr.Wrap(ErrCorruptCheckpoint, err.Error(), goerr.V("path", c.path))
	}
	if cp.CompletedCount != len(cp.Results) {
		return nil, goerr.Wrap(ErrCorruptCheckpoint, "completed count does not match results",
			goerr.V("path", c.path),
			goerr.V("completed_count", cp.CompletedCount),
			goerr.V("results", len(cp.Results)))
	}

	return &cp, nil
}

func (c *CheckpointFile) Save(cp *model.Checkpoint) error {
	return WriteFileAtomic(c.path, cp)
}

// Delete removes the checkpoint. A missing file is not an error.
func (c *CheckpointFile) Delete() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return goerr.Wrap(err, "failed to delete checkpoint", goerr.V("path", c.path))
	}
	return nil
}

// WriteResult stores the final result file
func WriteResult(path string, result *model.RunResult) error {
	return WriteFileAtomic(path, result)
}

// ReadResult loads a result file written by WriteResult
func ReadResult(path string) (*model.RunResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read result", goerr.V("path", path))
	}

	var result model.RunResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, goerr.Wrap(err, "failed to parse result", goerr.V("path", path))
	}
	return &result, nil
}

// LoadMemory reads a pre-built memory for frozen evaluation. A JSON result
// file contributes its final memory; any other file is taken as plain text
// content.
func LoadMemory(path string, strategy model.Strategy) (model.MemorySnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.MemorySnapshot{}, goerr.Wrap(err, "failed to read memory file", goerr.V("path", path))
	}

	var result model.RunResult
	if json.Unmarshal(raw, &result) == nil && result.FinalMemory.Strategy != "" {
		if result.FinalMemory.Strategy != strategy {
			return model.MemorySnapshot{}, goerr.Wrap(model.ErrInvalidStrategy, "memory file strategy mismatch",
				goerr.V("path", path),
				goerr.V("file", result.FinalMemory.Strategy),
				goerr.V("run", strategy))
		}
		return result.FinalMemory, nil
	}

	mem := model.NewMemory(strategy)
	mem.Content = string(raw)
	return mem, nil
}
