package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

const (
	DefaultConfigFilename = "config.json"
)

// Provider is the resolved per-vendor configuration consumed by the adapter
// layer. Vendor selection, model, base URL, key and API version are decided
// by the CLI/config layer; adapters only read this struct.
type Provider struct {
	Name       string `json:"name"`
	Model      string `json:"model,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
}

// Config is the on-disk configuration: a default vendor plus one entry per
// configured vendor.
type Config struct {
	Default   string     `json:"default,omitempty"`
	Providers []Provider `json:"providers"`
}

// Resolve returns the provider entry for name, or the default entry when
// name is empty.
func (c *Config) Resolve(name string) (*Provider, error) {
	if name == "" {
		name = c.Default
	}
	if name == "" {
		return nil, fmt.Errorf("no provider selected and no default configured")
	}
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], nil
		}
	}
	return nil, fmt.Errorf("provider %q not found in configuration", name)
}

// Manager loads and persists the config file, keeping the last loaded value
// in an atomic snapshot.
type Manager struct {
	configPath  string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		configPath: filepath.Join(baseDir, DefaultConfigFilename),
	}
}

func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Default == "" && len(cfg.Providers) > 0 {
		cfg.Default = cfg.Providers[0].Name
	}

	m.configValue.Store(&cfg)
	return &cfg, nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		return &Config{}
	}
	return cfg
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}

func (m *Manager) GetPath() string {
	return m.configPath
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}
