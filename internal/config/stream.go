package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// StreamConfig describes one stream to harvest.
type StreamConfig struct {
	Instrument     string         `yaml:"instrument"`
	Stream         Stream         `yaml:"stream"`
	Assignees      []string       `yaml:"assignees,omitempty"`
	Labels         []string       `yaml:"labels,omitempty"`
	HarvestOptions HarvestOptions `yaml:"harvest_options"`
	WorkflowConfig WorkflowConfig `yaml:"workflow_config"`
}

// Stream names the delivery method and stream of an instrument.
type Stream struct {
	Method string `yaml:"method"`
	Name   string `yaml:"name"`
}

// HarvestOptions are the per-stream harvest settings.
type HarvestOptions struct {
	// Path is the bucket URL that holds the stream's array store.
	Path         string      `yaml:"path"`
	ForceHarvest bool        `yaml:"force_harvest"`
	Refresh      bool        `yaml:"refresh"`
	// Test is read from existing stream configs and has no effect.
	Test         bool        `yaml:"test"`
	Goldcopy     bool        `yaml:"goldcopy"`
	CustomRange  CustomRange `yaml:"custom_range"`
}

// CustomRange bounds a request with ISO-8601 timestamps. Either side may be
// empty.
type CustomRange struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// WorkflowConfig holds scheduling hints for external schedulers.
type WorkflowConfig struct {
	Schedule string `yaml:"schedule"`
}

// TableName returns the instrument-method-stream identifier.
func (s StreamConfig) TableName() string {
	return strings.Join([]string{s.Instrument, s.Stream.Method, s.Stream.Name}, "-")
}

// Validate checks that the required fields are present.
func (s StreamConfig) Validate() error {
	if strings.TrimSpace(s.Instrument) == "" {
		return errors.New("config: instrument cannot be empty")
	}
	if strings.TrimSpace(s.Stream.Method) == "" || strings.TrimSpace(s.Stream.Name) == "" {
		return errors.New("config: stream method or name cannot be empty")
	}
	if strings.TrimSpace(s.HarvestOptions.Path) == "" {
		return errors.New("config: harvest destination path cannot be empty")
	}
	return nil
}

// LoadStreamConfig loads and validates a single stream config file.
func LoadStreamConfig(path string) (StreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StreamConfig{}, fmt.Errorf("read stream config: %w", err)
	}
	var sc StreamConfig
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return StreamConfig{}, fmt.Errorf("parse stream config %s: %w", path, err)
	}
	if err := sc.Validate(); err != nil {
		return StreamConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// LoadStreamConfigs loads every .yaml and .yml file in dir, ordered by file
// name. A single file path is loaded on its own.
func LoadStreamConfigs(dir string) ([]StreamConfig, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("read stream configs: %w", err)
	}
	if !info.IsDir() {
		sc, err := LoadStreamConfig(dir)
		if err != nil {
			return nil, err
		}
		return []StreamConfig{sc}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read stream configs: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)

	configs := make([]StreamConfig, 0, len(names))
	for _, name := range names {
		sc, err := LoadStreamConfig(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		configs = append(configs, sc)
	}
	return configs, nil
}
