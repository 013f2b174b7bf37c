package hnsw

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sanonone/zyphyr/pkg/core/types"
)

const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 50

	// MaxLevel caps the drawn level so headers can store it in a u16 and the
	// top-down descent stays bounded.
	MaxLevel = 31

	// NumShards is the number of lock stripes guarding neighbor-list writes.
	NumShards = 1024
)

// Config holds the immutable construction parameters of an index.
type Config struct {
	// M is the maximum number of neighbors per node on layers above 0.
	// Layer 0 allows 2*M.
	M int `json:"m" yaml:"m"`
	// EfConstruction is the beam width used while linking new nodes.
	EfConstruction int `json:"ef_construction" yaml:"ef_construction"`
	// Seed makes level assignment reproducible. Zero picks a fixed default.
	Seed uint64 `json:"seed" yaml:"seed"`
	// Workers bounds the goroutines used by bulk linking and refinement.
	// Zero means GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns M=16, efConstruction=200.
func DefaultConfig() Config {
	return Config{M: DefaultM, EfConstruction: DefaultEfConstruction}
}

// Validate checks the parameters and fills zero-valued optional fields.
func (c *Config) Validate() error {
	if c.M < 2 || c.M > 1<<15 {
		return types.InvalidParameterf("m must be in [2, 32768], got %d", c.M)
	}
	if c.EfConstruction < 1 || c.EfConstruction > 1<<16-1 {
		return types.InvalidParameterf("ef_construction must be in [1, 65535], got %d", c.EfConstruction)
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Seed == 0 {
		c.Seed = 0x5EED
	}
	return nil
}

// Duration is a time.Duration that decodes from "1m"-style strings in both JSON
// and YAML.
type Duration time.Duration

// UnmarshalJSON accepts a number of nanoseconds or a duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return fmt.Errorf("invalid duration")
	}
}

// MarshalJSON serializes the duration as a readable string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if ns, err := time.ParseDuration(s); err == nil {
		*d = Duration(ns)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(n))
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// AutoMaintenanceConfig defines the background maintenance of one index.
type AutoMaintenanceConfig struct {
	// Vacuum (cleanup) settings.
	// Interval between vacuum checks. Default: 1m.
	VacuumInterval Duration `json:"vacuum_interval" yaml:"vacuum_interval"`
	// Fraction of tombstoned nodes (0.0-1.0) that triggers a vacuum. Default: 0.1.
	DeleteThreshold float64 `json:"delete_threshold" yaml:"delete_threshold"`

	// Refine (optimization) settings.
	// If true, periodically re-selects neighbors to improve recall. Default: false.
	RefineEnabled bool `json:"refine_enabled" yaml:"refine_enabled"`
	// Interval between refinement cycles. Default: 30s.
	RefineInterval Duration `json:"refine_interval" yaml:"refine_interval"`
	// Number of nodes re-processed per cycle. Default: 500.
	RefineBatchSize int `json:"refine_batch_size" yaml:"refine_batch_size"`
	// Search breadth during refinement. 0 uses the index's efConstruction.
	RefineEfConstruction int `json:"refine_ef_construction" yaml:"refine_ef_construction"`
}

// DefaultMaintenanceConfig returns vacuum on, refine off.
func DefaultMaintenanceConfig() AutoMaintenanceConfig {
	return AutoMaintenanceConfig{
		VacuumInterval:       Duration(1 * time.Minute),
		DeleteThreshold:      0.1,
		RefineEnabled:        false,
		RefineInterval:       Duration(30 * time.Second),
		RefineBatchSize:      500,
		RefineEfConstruction: 0,
	}
}
