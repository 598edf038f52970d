package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. A missing file is not an error: the
// defaults alone form a usable configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}
	if cfg.Conversation.SettleDelay < 0 {
		errs = append(errs, errors.New("conversation.settle_delay must not be negative"))
	}
	if cfg.Conversation.SilenceTimeout <= 0 {
		errs = append(errs, errors.New("conversation.silence_timeout must be positive"))
	}
	if cfg.Conversation.ResumeRecheck <= 0 {
		errs = append(errs, errors.New("conversation.resume_recheck must be positive"))
	}
	for i, doc := range cfg.Agent.Knowledge {
		if (doc.Text == "") == (doc.URL == "") {
			errs = append(errs, fmt.Errorf("agent.knowledge[%d]: exactly one of text and url must be set", i))
		}
	}

	return errors.Join(errs...)
}
