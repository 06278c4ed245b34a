// Package config loads the connector deployment configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPollInterval   = 30 * time.Second
	MinPollInterval       = 10 * time.Second
	DefaultTimeout        = 30 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultCharset        = "UTF-8"

	// DynamicAddress marks an endpoint whose address is supplied per call.
	DynamicAddress = "dynamic"
	// TemporaryShutdownEndpoint selects a temporary queue for the shutdown listener.
	TemporaryShutdownEndpoint = "...tempqueue"
)

// Access modes.
const (
	AccessRead      = "read"
	AccessWrite     = "write"
	AccessReadWrite = "readwrite"
)

type Config struct {
	PollInterval               Duration        `yaml:"pollInterval"`
	RunWithConfigurationErrors bool            `yaml:"runWithConfigurationErrors"`
	DisableMessageSelector     bool            `yaml:"disableMessageSelector"`
	CheckConnectionOnRequest   bool            `yaml:"checkConnectionOnRequest"`
	Managers                   []ManagerConfig `yaml:"managers"`
}

type ManagerConfig struct {
	Name             string           `yaml:"name"`
	URL              string           `yaml:"url"`
	Username         string           `yaml:"username"`
	Password         string           `yaml:"password"`
	Charset          string           `yaml:"charset"`
	Timeout          Duration         `yaml:"timeout"`
	ConnectTimeout   Duration         `yaml:"connectTimeout"`
	ShutdownEndpoint string           `yaml:"shutdownEndpoint"`
	Endpoints        []EndpointConfig `yaml:"endpoints"`
}

type EndpointConfig struct {
	Name              string         `yaml:"name"`
	Access            string         `yaml:"access"`
	Address           string         `yaml:"address"`
	Charset           string         `yaml:"charset"`
	Protocol          string         `yaml:"protocol"`
	Timeout           Duration       `yaml:"timeout"`
	ErrorEndpoint     string         `yaml:"errorEndpoint"`
	DefaultError      bool           `yaml:"defaultError"`
	DefaultDynamic    bool           `yaml:"defaultDynamic"`
	DynamicParameters string         `yaml:"dynamicParameters"`
	Trigger           *TriggerConfig `yaml:"trigger"`
}

type TriggerConfig struct {
	Name                string   `yaml:"name"`
	Template            string   `yaml:"template"`
	Timeout             Duration `yaml:"timeout"`
	Concurrency         int      `yaml:"concurrency"`
	Charset             string   `yaml:"charset"`
	Selector            string   `yaml:"selector"`
	DurableSubscription string   `yaml:"durableSubscription"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load reads, defaults and validates the configuration at path. Global
// options are then overridden from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result. With
// runWithConfigurationErrors set only global problems are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	validate := cfg.Validate
	if cfg.RunWithConfigurationErrors {
		// Manager problems are left to the connector, which disables only
		// the affected manager.
		validate = cfg.validateGlobal
	}
	if err := validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Env holds the environment overrides for global options.
type Env struct {
	PollInterval               time.Duration `env:"MMATE_POLL_INTERVAL"`
	RunWithConfigurationErrors string        `env:"MMATE_RUN_WITH_CONFIG_ERRORS"`
	DisableMessageSelector     string        `env:"MMATE_DISABLE_SELECTOR"`
	CheckConnectionOnRequest   string        `env:"MMATE_CHECK_CONNECTION_ON_REQUEST"`
}

// ApplyEnv overrides global options from MMATE_* environment variables.
func ApplyEnv(cfg *Config) error {
	var env Env
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("decode environment: %w", err)
	}
	if env.PollInterval > 0 {
		cfg.PollInterval = Duration(env.PollInterval)
	}
	for _, o := range []struct {
		raw string
		dst *bool
	}{
		{env.RunWithConfigurationErrors, &cfg.RunWithConfigurationErrors},
		{env.DisableMessageSelector, &cfg.DisableMessageSelector},
		{env.CheckConnectionOnRequest, &cfg.CheckConnectionOnRequest},
	} {
		if o.raw == "" {
			continue
		}
		v, err := parseBool(o.raw)
		if err != nil {
			return err
		}
		*o.dst = v
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = Duration(DefaultPollInterval)
	}
	for i := range c.Managers {
		m := &c.Managers[i]
		if m.Charset == "" {
			m.Charset = DefaultCharset
		}
		if m.Timeout == 0 {
			m.Timeout = Duration(DefaultTimeout)
		}
		if m.ConnectTimeout == 0 {
			m.ConnectTimeout = Duration(DefaultConnectTimeout)
		}
		for j := range m.Endpoints {
			e := &m.Endpoints[j]
			if e.Access == "" {
				e.Access = AccessReadWrite
			}
			e.Access = strings.ToLower(e.Access)
			if t := e.Trigger; t != nil {
				if t.Concurrency == 0 {
					t.Concurrency = 1
				}
				if t.Name == "" {
					t.Name = e.Name
				}
			}
		}
	}
}

// Manager returns the manager configuration with the given name.
func (c *Config) Manager(name string) (*ManagerConfig, bool) {
	for i := range c.Managers {
		if c.Managers[i].Name == name {
			return &c.Managers[i], true
		}
	}
	return nil, false
}

// IsDynamic reports whether the endpoint has no fixed address.
func (e *EndpointConfig) IsDynamic() bool {
	return strings.EqualFold(strings.TrimSpace(e.Address), DynamicAddress)
}

// CanRead reports whether the access mode allows receiving.
func (e *EndpointConfig) CanRead() bool {
	return e.Access == AccessRead || e.Access == AccessReadWrite
}

// CanWrite reports whether the access mode allows sending.
func (e *EndpointConfig) CanWrite() bool {
	return e.Access == AccessWrite || e.Access == AccessReadWrite
}
