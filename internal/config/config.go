// Package config loads the column layout a Database opens with. Grounded
// on pkg/jsonconfig's role (teacher-authored, human-edited JSON
// configuration read from disk before a storage object is constructed),
// but using github.com/tailscale/hujson to accept JWCC
// (JSON-with-comments) the way tailscale's own daemons read config,
// rather than reimplementing jsonconfig's expression-evaluating Obj
// type, which this project's fixed, small config shape doesn't need.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// ColumnConfig describes one column a Database should open.
type ColumnConfig struct {
	// Name is how callers refer to the column; also used for log
	// messages.
	Name string `json:"name"`
	// ID is the on-disk column identifier (spec.md section 6's
	// table_<cc>_<tt> naming); must be unique across Columns.
	ID uint8 `json:"id"`
	// RefCounted enables the refcount word in this column's value
	// entries (spec.md section 4.1).
	RefCounted bool `json:"refCounted"`
}

// Config is the top-level document a Database opens from.
type Config struct {
	Columns []ColumnConfig `json:"columns"`
}

// Load reads and parses the JWCC document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Columns) == 0 {
		return fmt.Errorf("no columns configured")
	}
	seen := make(map[uint8]bool, len(c.Columns))
	for _, col := range c.Columns {
		if col.Name == "" {
			return fmt.Errorf("column id %d missing a name", col.ID)
		}
		if seen[col.ID] {
			return fmt.Errorf("duplicate column id %d", col.ID)
		}
		seen[col.ID] = true
	}
	return nil
}
