// Package config holds the engine's process-wide settings.
//
// Settings come from three places, later sources overriding earlier ones:
//  1. compiled-in defaults,
//  2. an optional YAML file read once at startup,
//  3. settings/resuming messages from the controller, absorbed while running.
//
// Access is by value: Snapshot returns a copy, and all mutation goes through
// Absorb so a settings update is atomic with respect to readers.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"statsengine/pkg/proto"
)

// Settings are the tunables the controller is allowed to change at runtime,
// plus the startup-only paths the engine derives its file layout from.
type Settings struct {
	PPI             int    `yaml:"ppi"`
	DeveloperMode   bool   `yaml:"developerMode"`
	ImageBackground string `yaml:"imageBackground"`
	Language        string `yaml:"language"`

	// Startup-only; not touched by Absorb.
	PollIntervalMS int    `yaml:"pollIntervalMs"`
	TempRoot       string `yaml:"tempRoot"`
	LogDir         string `yaml:"logDir"`
	EventLogDir    string `yaml:"eventLogDir"`
}

// Defaults returns the compiled-in settings.
func Defaults() Settings {
	return Settings{
		PPI:             96,
		ImageBackground: "white",
		Language:        "en",
		PollIntervalMS:  100,
	}
}

// Config is the shared settings holder handed to the engine and its
// collaborators.
type Config struct {
	mu       sync.RWMutex
	settings Settings
}

// New creates a Config holding the defaults.
func New() *Config {
	return &Config{settings: Defaults()}
}

// Load creates a Config from the defaults overlaid with the YAML file at
// path. An empty path yields plain defaults.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg.settings); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Snapshot returns a copy of the current settings.
func (c *Config) Snapshot() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Absorb applies the runtime-changeable fields of a settings or resuming
// message. Absent fields keep their previous value.
func (c *Config) Absorb(msg proto.Message) Settings {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settings.PPI = msg.Int("ppi", c.settings.PPI)
	c.settings.DeveloperMode = msg.Bool("developerMode", c.settings.DeveloperMode)
	c.settings.ImageBackground = msg.String("imageBackground", c.settings.ImageBackground)
	c.settings.Language = msg.String("languageCode", c.settings.Language)

	return c.settings
}
