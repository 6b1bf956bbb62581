// Package config loads and saves the boot configuration: which devices to
// register, under which names, and how each is set up.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"devfs/internal/devman"
	"devfs/internal/logging"
)

// Device types.
const (
	TypeROMFS    = "romfs"
	TypeRemoteFS = "remotefs"
	TypeHostFS   = "hostfs"
)

// Defaults applied by Load.
const (
	DefaultConsoleName = "/std"
	DefaultNetwork     = "tcp"
	DefaultLogLevel    = "info"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the boot configuration.
type Config struct {
	// LogLevel is one of error, warn, info, debug, trace.
	LogLevel string `yaml:"log_level,omitempty"`

	// MaxOpenDirs bounds the live directory handles; 0 keeps the default.
	MaxOpenDirs int `yaml:"max_open_dirs,omitempty"`

	Console Console  `yaml:"console"`
	Devices []Device `yaml:"devices"`

	// Version for future compatibility
	Version int `yaml:"version"`
}

// Console configures the standard stream device.
type Console struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name,omitempty"`
	CRLF    bool   `yaml:"crlf,omitempty"`
	Echo    bool   `yaml:"echo,omitempty"`
}

// Device is one device to register. Which of the type-specific fields
// apply depends on Type.
type Device struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// romfs
	Image string `yaml:"image,omitempty"`
	Base  uint64 `yaml:"base,omitempty"`

	// remotefs
	Network   string        `yaml:"network,omitempty"`
	Address   string        `yaml:"address,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	Retries   uint64        `yaml:"retries,omitempty"`
	ChunkSize int           `yaml:"chunk_size,omitempty"`

	// hostfs
	Root     string `yaml:"root,omitempty"`
	MaxFiles int    `yaml:"max_files,omitempty"`
}

// Default returns the configuration used when no file exists: the console
// and nothing else.
func Default() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		Console:  Console{Enabled: true, Name: DefaultConsoleName},
		Version:  1,
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Console.Name == "" {
		c.Console.Name = DefaultConsoleName
	}
	if c.Version == 0 {
		c.Version = 1
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Type == TypeRemoteFS && d.Network == "" {
			d.Network = DefaultNetwork
		}
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func checkName(name string) error {
	if name == "" || name[0] != devman.Separator || len(name) > devman.MaxDeviceName {
		return invalid("device name %q must start with %q and be at most %d bytes",
			name, string(devman.Separator), devman.MaxDeviceName)
	}
	return nil
}

// Validate checks the configuration against the limits of the device
// table, without touching the filesystem or the network.
func (c *Config) Validate() error {
	capacity := devman.MaxDevices
	seen := make(map[string]bool)
	if c.Console.Enabled {
		if err := checkName(c.Console.Name); err != nil {
			return err
		}
		seen[strings.ToLower(c.Console.Name)] = true
		capacity--
	}
	if len(c.Devices) > capacity {
		return invalid("%d devices configured, at most %d fit", len(c.Devices), capacity)
	}
	if _, ok := logging.ParseLevel(strings.ToUpper(c.LogLevel)); !ok {
		return invalid("unknown log level %q", c.LogLevel)
	}
	if c.MaxOpenDirs < 0 {
		return invalid("max_open_dirs must not be negative")
	}

	for i, d := range c.Devices {
		if err := checkName(d.Name); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		key := strings.ToLower(d.Name)
		if seen[key] {
			return invalid("devices[%d]: name %q used twice", i, d.Name)
		}
		seen[key] = true

		switch d.Type {
		case TypeROMFS:
			if d.Image == "" {
				return invalid("devices[%d] %s: romfs needs an image", i, d.Name)
			}
		case TypeRemoteFS:
			if d.Address == "" {
				return invalid("devices[%d] %s: remotefs needs an address", i, d.Name)
			}
			if d.Timeout < 0 || d.ChunkSize < 0 {
				return invalid("devices[%d] %s: negative timeout or chunk size", i, d.Name)
			}
		case TypeHostFS:
			if d.Root == "" {
				return invalid("devices[%d] %s: hostfs needs a root", i, d.Name)
			}
		default:
			return invalid("devices[%d] %s: unknown type %q", i, d.Name, d.Type)
		}
	}
	return nil
}
