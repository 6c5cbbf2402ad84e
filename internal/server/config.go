package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmdav/rmdav/internal/store"
	"github.com/rmdav/rmdav/internal/watcher"
	"github.com/rmdav/rmdav/internal/writer"
)

// Duration is a time.Duration that unmarshals from YAML strings like "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the service configuration. A YAML file provides the base values
// and command-line flags override them.
type Config struct {
	Addr        string   `yaml:"addr"`
	Store       string   `yaml:"store"`
	LogLevel    string   `yaml:"logLevel"`
	CacheBudget int64    `yaml:"cacheBudget"`
	MaxPayload  int64    `yaml:"maxPayload"`
	EgressLimit int64    `yaml:"egressLimit"` // bytes per second, 0 unlimited
	RenderCmd   string   `yaml:"renderCmd"`
	QuietWindow Duration `yaml:"quietWindow"`
	RescanEvery Duration `yaml:"rescanEvery"`
}

// DefaultConfig returns the on-device defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        ":8443",
		Store:       store.DefaultPath,
		LogLevel:    "info",
		CacheBudget: 0, // cache.DefaultBudget
		MaxPayload:  writer.DefaultMaxPayload,
		QuietWindow: Duration(watcher.DefaultQuiet),
		RescanEvery: Duration(watcher.DefaultRescan),
	}
}

// LoadFile overlays the YAML file at path onto c. Unknown keys are rejected
// so a typo never silently falls back to a default.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
