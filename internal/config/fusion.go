package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/sensorfusion/internal/fusion/align"
	"github.com/banshee-data/sensorfusion/internal/fusion/residual"
	"github.com/banshee-data/sensorfusion/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/fusion.defaults.json"

// MockPort selects the in-process mock serial port instead of a device.
const MockPort = "mock"

// FusionConfig is the root configuration of the fusion daemon.
type FusionConfig struct {
	TickInterval *string        `json:"tick_interval,omitempty"` // duration string like "50ms"
	DatabasePath *string        `json:"database_path,omitempty"`
	Listen       *string        `json:"listen,omitempty"`
	Streams      []StreamConfig `json:"streams,omitempty"`
}

// StreamConfig describes one sensor stream.
type StreamConfig struct {
	Name  string `json:"name"`
	Model string `json:"model"`

	// Wait times bounding the maximal update time of the stream's timeline.
	MaxWait *string `json:"max_wait,omitempty"`
	MinWait *string `json:"min_wait,omitempty"`

	Policy   *string `json:"policy,omitempty"`
	Resample *bool   `json:"resample,omitempty"`

	// Port is a serial device path, or "mock".
	Port        string                 `json:"port"`
	PortOptions *serialmux.PortOptions `json:"port_options,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }

// EmptyFusionConfig returns a FusionConfig with all fields unset.
func EmptyFusionConfig() *FusionConfig {
	return &FusionConfig{}
}

// LoadFusionConfig loads a FusionConfig from a JSON file.
// The file must have a .json extension and be at most 1MB. Omitted fields
// fall back to the Get* defaults.
func LoadFusionConfig(path string) (*FusionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyFusionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching from the current
// directory up towards the repository root. It panics if no file is found.
func MustLoadDefaultConfig() *FusionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/fusion/align/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadFusionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *FusionConfig) Validate() error {
	if c.TickInterval != nil && *c.TickInterval != "" {
		d, err := time.ParseDuration(*c.TickInterval)
		if err != nil {
			return fmt.Errorf("invalid tick_interval '%s': %w", *c.TickInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("tick_interval must be positive, got %s", d)
		}
	}

	seen := make(map[string]bool, len(c.Streams))
	var errs []error
	for i := range c.Streams {
		s := &c.Streams[i]
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("stream %q defined twice", s.Name))
			continue
		}
		seen[s.Name] = true
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate checks a single stream.
func (s *StreamConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("stream without name")
	}
	u, err := residual.New(s.Model)
	if err != nil {
		return fmt.Errorf("stream %q: %w", s.Name, err)
	}
	for _, d := range []struct {
		key string
		v   *string
	}{{"max_wait", s.MaxWait}, {"min_wait", s.MinWait}} {
		if d.v == nil || *d.v == "" {
			continue
		}
		dur, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("stream %q: invalid %s '%s': %w", s.Name, d.key, *d.v, err)
		}
		if dur < 0 {
			return fmt.Errorf("stream %q: %s must be non-negative, got %s", s.Name, d.key, dur)
		}
	}
	if s.GetMinWait() > s.GetMaxWait() {
		return fmt.Errorf("stream %q: min_wait %s exceeds max_wait %s", s.Name, s.GetMinWait(), s.GetMaxWait())
	}
	if s.Policy != nil {
		if _, err := align.ParsePolicy(*s.Policy); err != nil {
			return fmt.Errorf("stream %q: %w", s.Name, err)
		}
	}
	if s.GetResample() && !u.HasAlgebra() {
		return fmt.Errorf("stream %q: model %s cannot be resampled", s.Name, s.Model)
	}
	if s.Port == "" {
		return fmt.Errorf("stream %q: missing port", s.Name)
	}
	if s.PortOptions != nil {
		if _, err := s.PortOptions.Normalize(); err != nil {
			return fmt.Errorf("stream %q: %w", s.Name, err)
		}
	}
	return nil
}

// GetTickInterval returns how often the daemon plans an alignment round.
func (c *FusionConfig) GetTickInterval() time.Duration {
	if c.TickInterval == nil || *c.TickInterval == "" {
		return 50 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.TickInterval)
	if err != nil || d <= 0 {
		return 50 * time.Millisecond // default on parse error
	}
	return d
}

// GetDatabasePath returns the recording database path or the default.
func (c *FusionConfig) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "sensor_fusion.db"
	}
	return *c.DatabasePath
}

// GetListen returns the debug HTTP listen address or the default.
func (c *FusionConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return "localhost:8090"
	}
	return *c.Listen
}

// Stream returns the named stream config.
func (c *FusionConfig) Stream(name string) (*StreamConfig, bool) {
	for i := range c.Streams {
		if c.Streams[i].Name == name {
			return &c.Streams[i], true
		}
	}
	return nil, false
}

// GetMaxWait returns the stream's maximal wait time or the default of one
// second.
func (s *StreamConfig) GetMaxWait() time.Duration {
	return parseDurationOr(s.MaxWait, time.Second)
}

// GetMinWait returns the stream's minimal wait time or zero.
func (s *StreamConfig) GetMinWait() time.Duration {
	return parseDurationOr(s.MinWait, 0)
}

// GetPolicy returns the stream's alignment policy or align.PolicyAll.
func (s *StreamConfig) GetPolicy() align.Policy {
	if s.Policy == nil {
		return align.PolicyAll
	}
	p, err := align.ParsePolicy(*s.Policy)
	if err != nil {
		return align.PolicyAll
	}
	return p
}

// GetResample reports whether the stream is split and merged onto the
// aligned instants.
func (s *StreamConfig) GetResample() bool {
	if s.Resample == nil {
		return false
	}
	return *s.Resample
}

// GetPortOptions returns the normalized port options, falling back to the
// serialmux defaults.
func (s *StreamConfig) GetPortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if s.PortOptions != nil {
		opts = *s.PortOptions
	}
	normalized, err := opts.Normalize()
	if err != nil {
		normalized, _ = serialmux.PortOptions{}.Normalize()
	}
	return normalized
}

// IsMock reports whether the stream reads from the mock port.
func (s *StreamConfig) IsMock() bool { return s.Port == MockPort }

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
