package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const DefaultGatewayURL = "http://localhost:8080"

type Config struct {
	CurrentProfile string              `yaml:"current_profile"`
	Profiles       map[string]*Profile `yaml:"profiles"`
	path           string
}

// Profile is one gateway the CLI can talk to.
type Profile struct {
	GatewayURL string `yaml:"gateway_url"`
	// OpsToken is a bearer token carrying the ops scope.
	OpsToken string `yaml:"ops_token,omitempty"`
	// SigningSecret signs webhooks sent with `callgatectl send`.
	SigningSecret string `yaml:"signing_secret,omitempty"`
}

func Default() *Config {
	return &Config{
		CurrentProfile: "default",
		Profiles:       make(map[string]*Profile),
	}
}

func defaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".callgate", "config.yaml"), nil
}

func Load(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		p, err := defaultPath()
		if err != nil {
			return nil, err
		}
		cfgFile = p
	}

	cfg := Default()
	cfg.path = cfgFile

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]*Profile)
	}

	return cfg, nil
}

func (c *Config) Save() error {
	if c.path == "" {
		p, err := defaultPath()
		if err != nil {
			return err
		}
		c.path = p
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.path, data, 0600)
}

// SaveProfile merges non-empty fields of p into the named profile and makes
// it current.
func (c *Config) SaveProfile(name string, p Profile) error {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*Profile)
	}
	existing, ok := c.Profiles[name]
	if !ok {
		existing = &Profile{}
		c.Profiles[name] = existing
	}
	if p.GatewayURL != "" {
		existing.GatewayURL = p.GatewayURL
	}
	if p.OpsToken != "" {
		existing.OpsToken = p.OpsToken
	}
	if p.SigningSecret != "" {
		existing.SigningSecret = p.SigningSecret
	}

	c.CurrentProfile = name
	return c.Save()
}

func (c *Config) GetProfile(name string) (*Profile, error) {
	if name == "" {
		name = c.CurrentProfile
	}

	profile, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile '%s' not found", name)
	}

	return profile, nil
}

// GatewayURL returns the profile's gateway, or the local default.
func (c *Config) GatewayURL(name string) string {
	if p, err := c.GetProfile(name); err == nil && p.GatewayURL != "" {
		return p.GatewayURL
	}
	if url := os.Getenv("CALLGATE_GATEWAY_URL"); url != "" {
		return url
	}
	return DefaultGatewayURL
}

func (c *Config) RemoveProfile(name string) error {
	if _, ok := c.Profiles[name]; !ok {
		return fmt.Errorf("profile '%s' not found", name)
	}

	delete(c.Profiles, name)

	if c.CurrentProfile == name {
		c.CurrentProfile = ""
	}

	return c.Save()
}
