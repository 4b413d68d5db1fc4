package roll

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/vendorroll/internal/config"
	"github.com/schaermu/vendorroll/internal/fsutil"
)

// Stage is how far a roll has progressed on one machine
type Stage string

const (
	StageClean             Stage = "clean"
	StageLinuxExported     Stage = "linux-exported"
	StagePushedToStaging   Stage = "pushed-to-staging"
	StageWindowsConfigured Stage = "windows-configured"
	StagePushedFinal       Stage = "pushed-final"
)

// Status is the outcome of the last run recorded in a State
type Status string

const (
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
	StatusDone    Status = "done"
)

// State records the progress of a roll on one machine
type State struct {
	Platform  config.Platform `json:"platform"`
	Stage     Stage           `json:"stage"`
	Commit    string          `json:"commit,omitempty"`    // upstream commit being rolled
	Completed []string        `json:"completed,omitempty"` // step names in order
	Status    Status          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Resumable reports whether a later run may pick up where this one stopped
func (s *State) Resumable() bool {
	return s.Status == StatusFailed || s.Status == StatusRunning
}

func (s *State) completed(step string) bool {
	for _, c := range s.Completed {
		if c == step {
			return true
		}
	}
	return false
}

// LoadState reads the state record at path. A missing file yields a clean
// state for the platform.
func LoadState(path string, platform config.Platform) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Platform: platform, Stage: StageClean}, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if state.Platform == "" {
		state.Platform = platform
	}
	if state.Stage == "" {
		state.Stage = StageClean
	}

	return &state, nil
}

// SaveState persists the state record
func SaveState(path string, state *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	return fsutil.WriteFileAtomic(path, data, 0644)
}
