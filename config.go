package metamux

import (
	"fmt"
	"os"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/textmeta"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration of an engine.
type Config struct {
	Mode               Mode           `yaml:"mode"`                // async, sync
	Latency            time.Duration  `yaml:"latency"`             // added to every Sync deadline
	TimestampTolerance time.Duration  `yaml:"timestamp_tolerance"` // match window (default: 1ms)
	QueueCapacity      int            `yaml:"queue_capacity"`      // per source, 0 = unbounded
	MaxPartialBytes    int            `yaml:"max_partial_bytes"`   // text fragment bound (default: 1MiB)
	FrameWidth         int            `yaml:"frame_width"`         // binary scaling, 0 = size of last unit
	FrameHeight        int            `yaml:"frame_height"`
	Sources            []SourceConfig `yaml:"sources"`
}

// SourceConfig declares one metadata source
type SourceConfig struct {
	Name          string      `yaml:"name"`
	Format        Format      `yaml:"format"`                   // text, binary
	QueueCapacity int         `yaml:"queue_capacity,omitempty"` // overrides Config.QueueCapacity
	Flow          *FlowParams `yaml:"flow,omitempty"`           // required for binary sources
}

// Spec converts the declaration to the engine form
func (s SourceConfig) Spec() SourceSpec {
	return SourceSpec{Format: s.Format, Flow: s.Flow, QueueCapacity: s.QueueCapacity}
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks cfg and fills in defaults
func Validate(cfg *Config) error {
	if cfg.Mode != Async && cfg.Mode != Sync {
		return fmt.Errorf("%w: unsupported mode %s", ErrInvalidConfig, cfg.Mode)
	}
	if cfg.Latency < 0 {
		return fmt.Errorf("%w: latency must be >= 0", ErrInvalidConfig)
	}
	if cfg.TimestampTolerance < 0 {
		return fmt.Errorf("%w: timestamp_tolerance must be >= 0", ErrInvalidConfig)
	}
	if cfg.TimestampTolerance == 0 {
		cfg.TimestampTolerance = time.Millisecond // default
	}
	if cfg.QueueCapacity < 0 {
		return fmt.Errorf("%w: queue_capacity must be >= 0", ErrInvalidConfig)
	}
	if cfg.MaxPartialBytes < 0 {
		return fmt.Errorf("%w: max_partial_bytes must be >= 0", ErrInvalidConfig)
	}
	if cfg.MaxPartialBytes == 0 {
		cfg.MaxPartialBytes = textmeta.DefaultMaxPartial
	}
	if cfg.FrameWidth < 0 || cfg.FrameHeight < 0 {
		return fmt.Errorf("%w: frame size must be >= 0", ErrInvalidConfig)
	}
	if (cfg.FrameWidth == 0) != (cfg.FrameHeight == 0) {
		return fmt.Errorf("%w: frame_width and frame_height must be set together", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for i, src := range cfg.Sources {
		if src.Name == "" {
			return fmt.Errorf("%w: sources[%d]: name is required", ErrInvalidConfig, i)
		}
		if seen[src.Name] {
			return fmt.Errorf("%w: source '%s' declared twice", ErrInvalidConfig, src.Name)
		}
		seen[src.Name] = true

		if src.QueueCapacity < 0 {
			return fmt.Errorf("%w: source '%s': queue_capacity must be >= 0", ErrInvalidConfig, src.Name)
		}
		if err := src.Spec().Validate(); err != nil {
			return fmt.Errorf("%w: source '%s': %w", ErrInvalidConfig, src.Name, err)
		}
	}

	return nil
}
