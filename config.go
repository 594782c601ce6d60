package agentdb

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config holds the backend configuration.
type Config struct {
	// Type is the driver name: "memory", "sqlite", "redis", etc.
	Type string `json:"type" yaml:"type"`

	// BasePath is the root directory or remote for file-based drivers.
	BasePath string `json:"basePath,omitempty" yaml:"basePath,omitempty"`

	// DSN is the connection string for database drivers.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// ScanLimit caps Scan results before they are reported truncated.
	// Zero means DefaultScanLimit.
	ScanLimit int `json:"scanLimit,omitempty" yaml:"scanLimit,omitempty"`

	// Options holds driver-specific configuration.
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Type, validation.Required),
		validation.Field(&c.ScanLimit, validation.Min(0)),
	)
}

// LoadConfig reads a YAML config file, expanding ${VAR} references from the
// environment before parsing.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("agentdb: read config file %s: %w", filename, err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("agentdb: parse config file %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agentdb: config validation failed: %w", err)
	}
	return &cfg, nil
}

// String returns the string option name, or def when unset.
func (c *Config) String(name, def string) string {
	if v, ok := c.Options[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Int returns the integer option name, or def when unset. YAML and JSON
// numbers of any width are accepted, as are numeric strings.
func (c *Config) Int(name string, def int) int {
	v, ok := c.Options[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// Bool returns the boolean option name, or def when unset.
func (c *Config) Bool(name string, def bool) bool {
	v, ok := c.Options[name]
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// Duration returns the duration option name ("5s", "250ms"), or def when
// unset. Bare numbers are read as seconds.
func (c *Config) Duration(name string, def time.Duration) time.Duration {
	v, ok := c.Options[name]
	if !ok {
		return def
	}
	switch d := v.(type) {
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed
		}
	case int:
		return time.Duration(d) * time.Second
	case float64:
		return time.Duration(d * float64(time.Second))
	}
	return def
}

// Factory is a function that creates a [Driver] from a [Config].
type Factory func(cfg *Config) (Driver, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a driver available by the provided name.
// This is typically called from the driver package's init() function.
// It panics if called twice with the same name.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("agentdb: driver %q already registered", name))
	}
	factories[name] = factory
}

// Drivers returns a sorted list of all registered driver names.
func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a [DB] using the registered driver specified in cfg.Type.
func Open(cfg *Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agentdb: config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agentdb: invalid config: %w", err)
	}

	mu.RLock()
	factory, ok := factories[cfg.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agentdb: unknown driver %q (forgotten import?)", cfg.Type)
	}

	drv, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithName(cfg.Type), WithScanLimit(cfg.ScanLimit)}, opts...)
	db, err := New(drv, opts...)
	if err != nil {
		_ = drv.Close()
		return nil, err
	}
	return db, nil
}

// MustOpen is like [Open] but panics on error.
func MustOpen(cfg *Config, opts ...Option) *DB {
	db, err := Open(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return db
}
