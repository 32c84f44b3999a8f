package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treelet-sim/treelet-sim/cloud/coordinator"
	"github.com/treelet-sim/treelet-sim/cloud/netsim"
)

// WorkerConfig holds worker process settings.
type WorkerConfig struct {
	Coordinator   string        `yaml:"coordinator"`
	MaxBagSize    int           `yaml:"max_bag_size"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// Validate checks the worker settings.
func (c WorkerConfig) Validate() error {
	if c.Coordinator == "" {
		return fmt.Errorf("worker: coordinator address is required")
	}
	if c.MaxBagSize < 0 {
		return fmt.Errorf("worker: max_bag_size must be >= 0, got %d", c.MaxBagSize)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("worker: stats_interval must be >= 0, got %s", c.StatsInterval)
	}
	return nil
}

// FileConfig is the full config file. Sections that are absent keep their
// defaults. All top-level sections must be listed to satisfy KnownFields(true)
// strict parsing.
type FileConfig struct {
	Coordinator coordinator.Config `yaml:"coordinator"`
	Worker      WorkerConfig       `yaml:"worker"`
	Simulate    netsim.Config      `yaml:"simulate"`
}

// DefaultFileConfig returns every section at its defaults.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Coordinator: coordinator.DefaultConfig(),
		Worker:      WorkerConfig{Coordinator: coordinator.DefaultConfig().Listen, StatsInterval: 5 * time.Second},
		Simulate:    netsim.DefaultConfig(),
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults. Unknown keys are errors so typos are caught.
func LoadConfig(path string) (FileConfig, error) {
	cfg := DefaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
