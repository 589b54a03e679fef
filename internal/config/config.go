// Package config loads treesync's HCL configuration.
//
//	log {
//	  level  = "debug"
//	  pretty = true
//	}
//
//	source {
//	  kind          = "json"
//	  path          = "tree.json"
//	  id_path       = "$.id"
//	  name_path     = "$.name"
//	  children_path = "$.children"
//	}
//
//	viewport {
//	  start  = 0
//	  length = 50
//	}
//
//	communicator = "cache"
//	expand       = ["root", "root/src"]
//	filter       = "test"
package config

import (
	"errors"
	"fmt"
	"path"
	"slices"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// ErrInvalid marks a configuration that decoded but failed validation.
var ErrInvalid = errors.New("invalid config")

const (
	SourceJSON   = "json"
	SourceSQLite = "sqlite"

	// CommunicatorCache selects the flat, cache backed communicator.
	CommunicatorCache = "cache"
	// CommunicatorLegacy selects the per-parent-key communicator.
	CommunicatorLegacy = "legacy"
)

type Config struct {
	Log          *LogConfig      `hcl:"log,block"`
	Source       *SourceConfig   `hcl:"source,block"`
	Viewport     *ViewportConfig `hcl:"viewport,block"`
	Communicator string          `hcl:"communicator,optional"`
	Expand       []string        `hcl:"expand,optional"`
	Filter       string          `hcl:"filter,optional"`
}

type LogConfig struct {
	Level  string `hcl:"level,optional"`
	Pretty bool   `hcl:"pretty,optional"`
}

type SourceConfig struct {
	Kind         string `hcl:"kind,optional"`
	Path         string `hcl:"path,optional"`
	IDPath       string `hcl:"id_path,optional"`
	NamePath     string `hcl:"name_path,optional"`
	ChildrenPath string `hcl:"children_path,optional"`
}

type ViewportConfig struct {
	Start  int `hcl:"start,optional"`
	Length int `hcl:"length,optional"`
}

// Default returns a configuration with every default applied and no source
// path.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads and decodes the file at name from fsys, applies defaults and
// validates the result. The file name must end in .hcl (or .json for the
// JSON flavour of HCL).
func Load(fsys billy.Basic, name string) (*Config, error) {
	data, err := util.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", name, err)
	}
	return Parse(name, data)
}

// Parse decodes src as if read from a file called name.
func Parse(name string, src []byte) (*Config, error) {
	var c Config
	if err := hclsimple.Decode(path.Base(name), src, nil, &c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", name, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Source == nil {
		c.Source = &SourceConfig{}
	}
	s := c.Source
	if s.Kind == "" {
		s.Kind = SourceJSON
	}
	if s.IDPath == "" {
		s.IDPath = "$.id"
	}
	if s.NamePath == "" {
		s.NamePath = "$.name"
	}
	if s.ChildrenPath == "" {
		s.ChildrenPath = "$.children"
	}
	if c.Viewport == nil {
		c.Viewport = &ViewportConfig{Length: 50}
	}
	if c.Communicator == "" {
		c.Communicator = CommunicatorCache
	}
}

// Validate checks the enumerations and the viewport.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log level %q", c.Log.Level))
	}
	if c.Source.Kind != SourceJSON && c.Source.Kind != SourceSQLite {
		errs = append(errs, fmt.Errorf("source kind %q", c.Source.Kind))
	}
	if c.Viewport.Start < 0 || c.Viewport.Length < 0 {
		errs = append(errs, fmt.Errorf("viewport [%d,+%d)", c.Viewport.Start, c.Viewport.Length))
	}
	if c.Communicator != CommunicatorCache && c.Communicator != CommunicatorLegacy {
		errs = append(errs, fmt.Errorf("communicator %q", c.Communicator))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
