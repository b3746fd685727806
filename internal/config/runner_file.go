package config

import (
	"fmt"
	"os"

	"github.com/aristath/evolver/internal/domain"
	"gopkg.in/yaml.v3"
)

// RunnerFile is the YAML description of the backtest execution modes:
//
//	work_dir: /srv/lean
//	modes:
//	  local: "lean backtest {source} --output {output}"
//	  cloud: "lean cloud backtest {source} --push"
type RunnerFile struct {
	WorkDir string            `yaml:"work_dir"`
	Shell   string            `yaml:"shell"`
	Modes   map[string]string `yaml:"modes"`
}

// DefaultRunnerFile is used when no runner file exists.
func DefaultRunnerFile() *RunnerFile {
	return &RunnerFile{
		Modes: map[string]string{
			string(domain.ModeLocal): "lean backtest {source} --output {output}",
			string(domain.ModeCloud): "lean cloud backtest {source} --push",
		},
	}
}

// LoadRunnerFile reads and checks a runner file.
func LoadRunnerFile(path string) (*RunnerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runner config: %w", err)
	}

	var rf RunnerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse runner config %s: %w", path, err)
	}
	if len(rf.Modes) == 0 {
		return nil, fmt.Errorf("runner config %s defines no modes", path)
	}
	for mode, command := range rf.Modes {
		if command == "" {
			return nil, fmt.Errorf("runner config %s: mode %q has an empty command", path, mode)
		}
	}
	return &rf, nil
}

// ExecutionModes converts the mode table to the runner's typed form.
func (rf *RunnerFile) ExecutionModes() map[domain.ExecutionMode]string {
	out := make(map[domain.ExecutionMode]string, len(rf.Modes))
	for mode, command := range rf.Modes {
		out[domain.ExecutionMode(mode)] = command
	}
	return out
}
