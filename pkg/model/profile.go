package model

import (
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidProfile = goerr.New("invalid run profile")
)

// Profile holds the tunables of a run. It is loaded from YAML and then
// selectively overridden by CLI flags.
type Profile struct {
	Retry      RetryProfile      `yaml:"retry"`
	Score      ScoreProfile      `yaml:"score"`
	Memory     MemoryProfile     `yaml:"memory"`
	Retrieval  RetrievalProfile  `yaml:"retrieval"`
	Generation GenerationProfile `yaml:"generation"`
}

type RetryProfile struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type ScoreProfile struct {
	Threshold         float64 `yaml:"threshold"`
	FloatTolerance    float64 `yaml:"float_tolerance"`
	ListItemThreshold float64 `yaml:"list_item_threshold"`
}

type MemoryProfile struct {
	CapChars      int     `yaml:"cap_chars"`
	CompressRatio float64 `yaml:"compress_ratio"`
	SynthesisTopK int     `yaml:"synthesis_top_k"`
}

type RetrievalProfile struct {
	TopK            int `yaml:"top_k"`
	MaxContextChars int `yaml:"max_context_chars"`
}

type GenerationProfile struct {
	ReasoningTemperature  float64       `yaml:"reasoning_temperature"`
	ExtractionTemperature float64       `yaml:"extraction_temperature"`
	CuratorTemperature    float64       `yaml:"curator_temperature"`
	MaxTokens             int           `yaml:"max_tokens"`
	CodeExecution         bool          `yaml:"code_execution"`
	MaxCodeRounds         int           `yaml:"max_code_rounds"`
	CodeTimeout           time.Duration `yaml:"code_timeout"`
	CodeSandbox           CodeSandbox   `yaml:"code_sandbox"`
	CodeImage             string        `yaml:"code_image"`
}

// CodeSandbox selects where generated code runs
type CodeSandbox string

const (
	// CodeSandboxContainer runs code in a network-less docker container
	CodeSandboxContainer CodeSandbox = "container"
	// CodeSandboxLocal runs code on the host in a separate process group
	CodeSandboxLocal CodeSandbox = "local"
)

// DefaultProfile returns the built-in tunables
func DefaultProfile() Profile {
	return Profile{
		Retry: RetryProfile{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Jitter:      0.5,
			CallTimeout: 2 * time.Minute,
		},
		Score: ScoreProfile{
			Threshold:         0.5,
			FloatTolerance:    0.01,
			ListItemThreshold: 0.8,
		},
		Memory: MemoryProfile{
			CapChars:      20000,
			CompressRatio: 0.7,
			SynthesisTopK: 3,
		},
		Retrieval: RetrievalProfile{
			TopK:            5,
			MaxContextChars: 24000,
		},
		Generation: GenerationProfile{
			ReasoningTemperature:  0.0,
			ExtractionTemperature: 0.0,
			CuratorTemperature:    0.2,
			MaxTokens:             2048,
			MaxCodeRounds:         2,
			CodeTimeout:           10 * time.Second,
			CodeSandbox:           CodeSandboxContainer,
			CodeImage:             "python:3-slim",
		},
	}
}

// LoadProfile reads a YAML profile on top of DefaultProfile. Keys absent
// from the file keep their default values. An empty path returns defaults.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return p, goerr.Wrap(err, "failed to read profile", goerr.V("path", path))
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, goerr.Wrap(err, "failed to parse profile", goerr.V("path", path))
	}
	if err := p.Validate(); err != nil {
		return p, goerr.Wrap(err, "invalid profile", goerr.V("path", path))
	}

	return p, nil
}

// Validate checks value ranges of the profile
func (p Profile) Validate() error {
	switch {
	case p.Retry.MaxAttempts < 1:
		return goerr.Wrap(ErrInvalidProfile, "retry.max_attempts must be >= 1", goerr.V("value", p.Retry.MaxAttempts))
	case p.Retry.Jitter < 0 || p.Retry.Jitter > 1:
		return goerr.Wrap(ErrInvalidProfile, "retry.jitter must be in [0,1]", goerr.V("value", p.Retry.Jitter))
	case p.Score.Threshold < 0 || p.Score.Threshold > 1:
		return goerr.Wrap(ErrInvalidProfile, "score.threshold must be in [0,1]", goerr.V("value", p.Score.Threshold))
	case p.Score.FloatTolerance < 0:
		return goerr.Wrap(ErrInvalidProfile, "score.float_tolerance must be >= 0", goerr.V("value", p.Score.FloatTolerance))
	case p.Score.ListItemThreshold < 0 || p.Score.ListItemThreshold > 1:
		return goerr.Wrap(ErrInvalidProfile, "score.list_item_threshold must be in [0,1]", goerr.V("value", p.Score.ListItemThreshold))
	case p.Memory.CompressRatio <= 0 || p.Memory.CompressRatio > 1:
		return goerr.Wrap(ErrInvalidProfile, "memory.compress_ratio must be in (0,1]", goerr.V("value", p.Memory.CompressRatio))
	case p.Memory.SynthesisTopK < 1:
		return goerr.Wrap(ErrInvalidProfile, "memory.synthesis_top_k must be >= 1", goerr.V("value", p.Memory.SynthesisTopK))
	case p.Retrieval.TopK < 1:
		return goerr.Wrap(ErrInvalidProfile, "retrieval.top_k must be >= 1", goerr.V("value", p.Retrieval.TopK))
	case p.Generation.MaxCodeRounds < 0:
		return goerr.Wrap(ErrInvalidProfile, "generation.max_code_rounds must be >= 0", goerr.V("value", p.Generation.MaxCodeRounds))
	case p.Generation.CodeSandbox != CodeSandboxContainer && p.Generation.CodeSandbox != CodeSandboxLocal:
		return goerr.Wrap(ErrInvalidProfile, "generation.code_sandbox must be container or local", goerr.V("value", p.Generation.CodeSandbox))
	case p.Generation.CodeSandbox == CodeSandboxContainer && p.Generation.CodeImage == "":
		return goerr.Wrap(ErrInvalidProfile, "generation.code_image is required for the container sandbox")
	}
	return nil
}
