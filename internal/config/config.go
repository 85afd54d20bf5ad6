// Package config loads the daemon configuration: which plugins to load, the
// encoders available for binding, and the outputs to create at startup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tiroq/obsoutput/internal/output"
)

// Environment overrides.
const (
	EnvConfig      = "OBSOUTPUT_CONFIG"
	EnvLogLevel    = "OBSOUTPUT_LOG_LEVEL"
	EnvControlAddr = "OBSOUTPUT_CONTROL_ADDR"
	EnvStateDir    = "OBSOUTPUT_STATE_DIR"
	EnvPassword    = "OBSOUTPUT_CONTROL_PASSWORD"
)

const (
	DefaultControlAddr = "127.0.0.1:4466"
	DefaultLogLevel    = "info"
)

var ErrInvalid = errors.New("invalid configuration")

// Encoder declares an encoder outputs can bind by name.
type Encoder struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"` // "video" or "audio"
	Codec string `yaml:"codec"`
}

// Output declares an output instance.
type Output struct {
	Name      string   `yaml:"name"`
	Kind      string   `yaml:"kind"`
	Autostart bool     `yaml:"autostart"`
	Settings  string   `yaml:"settings"`
	Encoders  []string `yaml:"encoders"`
}

// Config is the daemon configuration file.
type Config struct {
	PluginDir       string    `yaml:"plugin_dir"`
	ControlAddr     string    `yaml:"control_addr"`
	// ControlPassword, when set, makes control clients authenticate.
	ControlPassword string    `yaml:"control_password"`
	StateDir        string    `yaml:"state_dir"`
	LogLevel        string    `yaml:"log_level"`
	Encoders        []Encoder `yaml:"encoders"`
	Outputs         []Output  `yaml:"outputs"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ControlAddr: DefaultControlAddr,
		StateDir:    DefaultStateDir(),
		LogLevel:    DefaultLogLevel,
	}
}

// DefaultStateDir is ~/.cache/obsoutput.
func DefaultStateDir() string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "obsoutput")
}

// Path returns the config path from OBSOUTPUT_CONFIG, falling back to
// ~/.config/obsoutput/config.yaml.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "obsoutput", "config.yaml")
}

// Load reads and validates the file at path. Unknown keys are rejected. A
// missing file yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	// #nosec G304 -- path is provided by the operator
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a single strict YAML document into cfg.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvControlAddr); v != "" {
		cfg.ControlAddr = v
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.ControlPassword = v
	}
}

// Validate checks names are unique and every output references declared
// encoders. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.ControlAddr == "" {
		errs = append(errs, fmt.Errorf("control_addr is required"))
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}

	encoders := make(map[string]output.EncoderType, len(c.Encoders))
	for i, e := range c.Encoders {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("encoders[%d]: name is required", i))
			continue
		}
		if _, dup := encoders[e.Name]; dup {
			errs = append(errs, fmt.Errorf("encoders[%d]: duplicate name %q", i, e.Name))
			continue
		}
		typ, err := output.ParseEncoderType(e.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("encoders[%d] %q: %w", i, e.Name, err))
			continue
		}
		encoders[e.Name] = typ
	}

	names := make(map[string]bool, len(c.Outputs))
	for i, o := range c.Outputs {
		if o.Name == "" || o.Kind == "" {
			errs = append(errs, fmt.Errorf("outputs[%d]: name and kind are required", i))
			continue
		}
		if names[o.Name] {
			errs = append(errs, fmt.Errorf("outputs[%d]: duplicate name %q", i, o.Name))
		}
		names[o.Name] = true

		seen := make(map[output.EncoderType]string)
		for _, ref := range o.Encoders {
			typ, ok := encoders[ref]
			if !ok {
				errs = append(errs, fmt.Errorf("output %q: unknown encoder %q", o.Name, ref))
				continue
			}
			if prev, dup := seen[typ]; dup {
				errs = append(errs, fmt.Errorf("output %q: encoders %q and %q are both %s", o.Name, prev, ref, typ))
				continue
			}
			seen[typ] = ref
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Encoder returns the declared encoder named name.
func (c *Config) Encoder(name string) (Encoder, bool) {
	for _, e := range c.Encoders {
		if e.Name == name {
			return e, true
		}
	}
	return Encoder{}, false
}

// OutputNames lists the declared output names in file order.
func (c *Config) OutputNames() []string {
	out := make([]string, 0, len(c.Outputs))
	for _, o := range c.Outputs {
		out = append(out, o.Name)
	}
	return out
}

// Handle converts the declaration into an engine encoder.
func (e Encoder) Handle() (output.StaticEncoder, error) {
	typ, err := output.ParseEncoderType(e.Type)
	if err != nil {
		return output.StaticEncoder{}, err
	}
	return output.StaticEncoder{EncoderName: e.Name, EncoderType: typ, EncoderCodec: strings.TrimSpace(e.Codec)}, nil
}
