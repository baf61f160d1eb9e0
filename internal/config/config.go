package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config models aps.yml.
type Config struct {
	Storage  StorageConfig   `yaml:"storage" json:"storage"`
	Roles    RolesConfig     `yaml:"roles" json:"roles"`
	Log      LogConfig       `yaml:"log" json:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type StorageConfig struct {
	Driver    string `yaml:"driver" json:"driver"`
	DSN       string `yaml:"dsn" json:"dsn,omitempty"`
	Ledger    string `yaml:"ledger" json:"ledger"`
	Template  string `yaml:"template" json:"template"`
	Suffix    string `yaml:"suffix" json:"suffix"`
	Extension string `yaml:"extension" json:"extension"`
}

// RolesConfig drives InitializeAgent's placeholder policy.
type RolesConfig struct {
	Initial      string   `yaml:"initial" json:"initial"`
	Continuation string   `yaml:"continuation" json:"continuation"`
	Catalog      []string `yaml:"catalog" json:"catalog,omitempty"`
}

type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress" json:"compress,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	// Secret keys the X-APS-Signature HMAC over the request body.
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Default returns the configuration used when aps.yml is absent.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultConfig), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	if c.Storage.Ledger == "" {
		c.Storage.Ledger = d.Storage.Ledger
	}
	if c.Storage.Template == "" {
		c.Storage.Template = d.Storage.Template
	}
	if c.Storage.Suffix == "" {
		c.Storage.Suffix = d.Storage.Suffix
	}
	if c.Storage.Extension == "" {
		c.Storage.Extension = d.Storage.Extension
	}
	if c.Roles.Initial == "" {
		c.Roles.Initial = d.Roles.Initial
	}
	if c.Roles.Continuation == "" {
		c.Roles.Continuation = d.Roles.Continuation
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverFile, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("config.storage.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("config.storage.driver must be one of file, sqlite, postgres; got %q", c.Storage.Driver)
	}
	if strings.Contains(c.Storage.Suffix, "_") {
		return fmt.Errorf("config.storage.suffix must not contain '_'")
	}
	if !strings.HasPrefix(c.Storage.Extension, ".") {
		return fmt.Errorf("config.storage.extension must start with '.'")
	}
	if c.Roles.Initial == "" || c.Roles.Continuation == "" {
		return fmt.Errorf("config.roles.initial and config.roles.continuation are required")
	}
	for _, r := range c.Roles.Catalog {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("config.roles.catalog contains an empty role")
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "aps.yml")
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultConfig
}

const defaultConfig = `storage:
  driver: file
  ledger: .role_assignments
  template: aps_template.yaml
  suffix: requirements
  extension: .aps.yaml

roles:
  initial: PM
  continuation: Developer

log:
  level: info
  format: text
`

// DefaultTemplate is the process template written by workspace init.
const DefaultTemplate = `process:
  name: ""
  id: ""
  created_at: ""
  status: draft
  description: ""
  roles:
    - PM
    - Architect
    - Developer
    - QA
  stages:
    - requirements_gathering
    - design
    - implementation
    - validation
  messages: []
`

// WriteDefault writes aps.yml with the default settings unless the file
// already exists. It reports whether it wrote the file.
func WriteDefault(workspace string) (bool, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
