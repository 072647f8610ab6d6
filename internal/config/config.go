// Package config loads the node binary's settings from an optional YAML
// file and NONDOMINIUM_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks the environment variables read by Load. A double
// underscore separates nested keys: NONDOMINIUM_SERVER__LISTEN.
const EnvPrefix = "NONDOMINIUM_"

type Config struct {
	DataDirectory string           `koanf:"data_directory"`
	Keystore      KeystoreConfig   `koanf:"keystore"`
	Server        ServerConfig     `koanf:"server"`
	Genesis       []string         `koanf:"genesis"`
	Peers         []PeerConfig     `koanf:"peers"`
	Validation    ValidationConfig `koanf:"validation"`
	Intervals     IntervalsConfig  `koanf:"intervals"`
	Logging       LoggingConfig    `koanf:"logging"`
	Tracing       TracingConfig    `koanf:"tracing"`
}

type KeystoreConfig struct {
	File       string `koanf:"file"`
	Passphrase string `koanf:"passphrase"`
}

type ServerConfig struct {
	Listen        string        `koanf:"listen"`
	Secret        string        `koanf:"secret"`
	Timeout       time.Duration `koanf:"timeout"`
	RemoteRate    float64       `koanf:"remote_rate"`
	RemoteBurst   int           `koanf:"remote_burst"`
	RemoteTimeout time.Duration `koanf:"remote_timeout"`
}

// PeerConfig names another node: its agent key and the base URL it
// serves on.
type PeerConfig struct {
	Agent string `koanf:"agent"`
	URL   string `koanf:"url"`
}

type ValidationConfig struct {
	FetchAttempts    int           `koanf:"fetch_attempts"`
	FetchInterval    time.Duration `koanf:"fetch_interval"`
	MaxGrantDuration time.Duration `koanf:"max_grant_duration"`
	Quorum           int           `koanf:"quorum"`
	Scheme           string        `koanf:"scheme"`
}

type IntervalsConfig struct {
	Resume    time.Duration `koanf:"resume"`
	Reconcile time.Duration `koanf:"reconcile"`
	Sync      time.Duration `koanf:"sync"`
}

type LoggingConfig struct {
	Directory string            `koanf:"directory"`
	File      string            `koanf:"file"`
	Size      int               `koanf:"size"`
	Count     int               `koanf:"count"`
	Console   bool              `koanf:"console"`
	Levels    map[string]string `koanf:"levels"`
}

type TracingConfig struct {
	Enabled bool   `koanf:"enabled"`
	Service string `koanf:"service"`
}

var defaults = map[string]any{
	"data_directory":                ".nondominium",
	"keystore.file":                 "agent.key",
	"server.listen":                 "127.0.0.1:8640",
	"server.timeout":                30 * time.Second,
	"server.remote_rate":            5.0,
	"server.remote_burst":           20,
	"server.remote_timeout":         10 * time.Second,
	"validation.fetch_attempts":     3,
	"validation.fetch_interval":     200 * time.Millisecond,
	"validation.max_grant_duration": 30 * 24 * time.Hour,
	"validation.quorum":             3,
	"intervals.resume":              time.Minute,
	"intervals.reconcile":           5 * time.Minute,
	"intervals.sync":                30 * time.Second,
	"logging.directory":             "log",
	"logging.file":                  "nondominium.log",
	"logging.size":                  1048576,
	"logging.count":                 10,
	"tracing.service":               "nondominium",
}

// Load reads path, when given and present, then the environment on top
// of it. Missing keys take their defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
		if key == "genesis" {
			return key, strings.Split(value, ",")
		}
		return key, value
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the node cannot start with.
func (c *Config) Validate() error {
	if len(c.Genesis) == 0 {
		return errors.New("config: at least one genesis agent is required")
	}
	if c.Validation.Quorum < 1 {
		return fmt.Errorf("config: quorum %d must be positive", c.Validation.Quorum)
	}
	for i, p := range c.Peers {
		if p.Agent == "" || p.URL == "" {
			return fmt.Errorf("config: peer %d needs both agent and url", i)
		}
	}
	return nil
}
