// Package config handles dispatch.toml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chazu/dispatch/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// FileName is the configuration file looked for by Load and FindAndLoad.
const FileName = "dispatch.toml"

// ErrInvalid indicates a configuration value out of range.
var ErrInvalid = errors.New("config: invalid value")

// Config represents a dispatch.toml file.
type Config struct {
	Cache  CacheConfig  `toml:"cache"`
	Preopt PreoptConfig `toml:"preopt"`
	Lock   LockConfig   `toml:"lock"`
	Log    LogConfig    `toml:"log"`

	// Dir is the directory containing the dispatch.toml file (set at load time).
	Dir string `toml:"-"`
}

// CacheConfig sizes dispatch caches.
type CacheConfig struct {
	MinCapacity      uint32 `toml:"min-capacity"`
	MaxCapacity      uint32 `toml:"max-capacity"`
	GarbageThreshold int    `toml:"garbage-threshold"`
}

// PreoptConfig locates a shared cache file.
type PreoptConfig struct {
	Path        string `toml:"path"`
	RequireUUID string `toml:"require-uuid"`
}

// LockConfig controls the runtime lock.
type LockConfig struct {
	Debug           bool     `toml:"debug"`
	DeadlockTimeout Duration `toml:"deadlock-timeout"`
}

// LogConfig controls logging.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			MinCapacity:      vm.DefaultMinCapacity,
			MaxCapacity:      vm.DefaultMaxCapacity,
			GarbageThreshold: vm.DefaultGarbageThreshold,
		},
		Lock: LockConfig{DeadlockTimeout: Duration{30 * time.Second}},
	}
}

// Load parses a dispatch.toml file from the given directory. Values the
// file leaves out keep their defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// Parse decodes and validates configuration text.
func Parse(data []byte) (*Config, error) {
	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a dispatch.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func powerOfTwo(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	cc := c.Cache
	switch {
	case cc.MinCapacity < vm.DefaultMinCapacity || !powerOfTwo(cc.MinCapacity):
		return fmt.Errorf("%w: cache.min-capacity %d must be a power of two >= %d", ErrInvalid, cc.MinCapacity, vm.DefaultMinCapacity)
	case cc.MaxCapacity > vm.DefaultMaxCapacity || !powerOfTwo(cc.MaxCapacity):
		return fmt.Errorf("%w: cache.max-capacity %d must be a power of two <= %d", ErrInvalid, cc.MaxCapacity, vm.DefaultMaxCapacity)
	case cc.MaxCapacity < cc.MinCapacity:
		return fmt.Errorf("%w: cache.max-capacity %d below min-capacity %d", ErrInvalid, cc.MaxCapacity, cc.MinCapacity)
	case cc.GarbageThreshold < 0:
		return fmt.Errorf("%w: cache.garbage-threshold %d", ErrInvalid, cc.GarbageThreshold)
	case c.Lock.DeadlockTimeout.Duration < 0:
		return fmt.Errorf("%w: lock.deadlock-timeout %s", ErrInvalid, c.Lock.DeadlockTimeout)
	}
	if _, err := c.PreoptUUID(); err != nil {
		return err
	}
	return nil
}

// PreoptUUID returns the shared cache identity the configuration requires,
// or uuid.Nil when any file is acceptable.
func (c *Config) PreoptUUID() (uuid.UUID, error) {
	if c.Preopt.RequireUUID == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(c.Preopt.RequireUUID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: preopt.require-uuid: %v", ErrInvalid, err)
	}
	return id, nil
}

// PreoptPath returns the shared cache path resolved against Dir, or "".
func (c *Config) PreoptPath() string {
	p := c.Preopt.Path
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// RuntimeOptions maps the configuration onto runtime options.
func (c *Config) RuntimeOptions() []vm.Option {
	opts := []vm.Option{
		vm.WithCacheLimits(c.Cache.MinCapacity, c.Cache.MaxCapacity),
		vm.WithGarbageThreshold(c.Cache.GarbageThreshold),
	}
	if c.Lock.Debug {
		opts = append(opts, vm.WithDebugLocks(c.Lock.DeadlockTimeout.Duration))
	}
	return opts
}

// ConfigureLogging applies the [log] section to commonlog. A binary must
// import a commonlog backend for output to appear.
func (c *Config) ConfigureLogging() {
	var path *string
	if c.Log.File != "" {
		f := c.Log.File
		if !filepath.IsAbs(f) && c.Dir != "" {
			f = filepath.Join(c.Dir, f)
		}
		path = &f
	}
	commonlog.Configure(c.Log.Verbosity, path)
}
