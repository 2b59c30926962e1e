package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/avollmer/clockout/pkg/types"
)

// Config is the daemon configuration loaded from clockout.yaml plus
// CLOCKOUT_* environment overrides.
type Config struct {
	Workspaces []string `mapstructure:"workspaces"`

	Jira struct {
		BaseURL string `mapstructure:"base_url"`
		Email   string `mapstructure:"email"`
		Token   string `mapstructure:"token"`
	} `mapstructure:"jira"`

	Billing struct {
		BaseURL        string `mapstructure:"base_url"`
		Token          string `mapstructure:"token"`
		OrganizationID string `mapstructure:"organization_id"`
		PersonID       int64  `mapstructure:"person_id"`
	} `mapstructure:"billing"`

	PollInterval      time.Duration `mapstructure:"poll_interval"`
	AuthCheckInterval time.Duration `mapstructure:"auth_check_interval"`
	ProbeEnabled      bool          `mapstructure:"probe_enabled"`
	ListenAddr        string        `mapstructure:"listen_addr"`

	// User-editable mapping tables consumed by the project matcher before
	// any network search.
	ProjectMappings map[string]int64  `mapstructure:"project_mappings"`
	ProjectAliases  map[string]string `mapstructure:"project_aliases"`
	LastServiceID   int64             `mapstructure:"last_service_id"`
}

// Load reads the config file, creating one with defaults on first run.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("clockout")
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(home, ".config", "clockout"))
		v.AddConfigPath(".")
	}

	v.SetDefault("workspaces", []string{"."})
	v.SetDefault("poll_interval", "2s")
	v.SetDefault("auth_check_interval", "30s")
	v.SetDefault("probe_enabled", true)
	v.SetDefault("listen_addr", ":8091")
	v.SetDefault("project_mappings", map[string]int64{})
	v.SetDefault("project_aliases", map[string]string{})

	v.SetEnvPrefix("CLOCKOUT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// JiraCredentials returns a snapshot of the ticket store credentials.
func (c *Config) JiraCredentials() types.Credentials {
	return types.Credentials{
		BaseURL:  c.Jira.BaseURL,
		Identity: c.Jira.Email,
		Token:    c.Jira.Token,
	}
}

// BillingCredentials returns a snapshot of the billing store credentials.
func (c *Config) BillingCredentials() types.Credentials {
	return types.Credentials{
		BaseURL:  c.Billing.BaseURL,
		Identity: c.Billing.OrganizationID,
		Token:    c.Billing.Token,
	}
}

// Mappings is the saved-mapping view handed to the project matcher and
// service discoverer. Reads are copy-on-access so callers never see
// concurrent mutation from a config reload.
type Mappings struct {
	mu       sync.RWMutex
	projects map[string]int64
	aliases  map[string]string
	lastSvc  int64
}

// NewMappings builds the mapping view from loaded config. Keys are matched
// case-insensitively; viper lowercases map keys on read.
func NewMappings(cfg *Config) *Mappings {
	m := &Mappings{
		projects: make(map[string]int64, len(cfg.ProjectMappings)),
		aliases:  make(map[string]string, len(cfg.ProjectAliases)),
		lastSvc:  cfg.LastServiceID,
	}
	for k, id := range cfg.ProjectMappings {
		m.projects[strings.ToUpper(k)] = id
	}
	for k, name := range cfg.ProjectAliases {
		m.aliases[strings.ToUpper(k)] = name
	}
	return m
}

// ProjectID returns the saved billing project id for a ticket project key.
func (m *Mappings) ProjectID(key string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.projects[strings.ToUpper(key)]
	return id, ok
}

// Alias returns the saved alternate display name for a ticket project key.
func (m *Mappings) Alias(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.aliases[strings.ToUpper(key)]
	return name, ok
}

// LastServiceID returns the most recently used billing service id, zero if
// none has been recorded.
func (m *Mappings) LastServiceID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSvc
}

// SetLastServiceID records the service id used by the latest successful
// billing submission.
func (m *Mappings) SetLastServiceID(id int64) {
	m.mu.Lock()
	m.lastSvc = id
	m.mu.Unlock()
}
