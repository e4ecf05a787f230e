package projectconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/davidahmann/sessiongate/core/pathpolicy"
	"github.com/davidahmann/sessiongate/core/storage"
)

const DefaultPath = ".sessiongate/config.yaml"

const (
	defaultStorePath       = ".sessiongate/sessions.json"
	defaultAuditRoot       = ".sessiongate/audit"
	defaultWriteTimeout    = "10s"
	defaultListen          = "127.0.0.1:8787"
	defaultAdminTokenEnv   = "SESSIONGATE_ADMIN_TOKEN"
	defaultMaxRequestBytes = int64(1 << 20)
)

type Config struct {
	Store      StoreDefaults      `yaml:"store"`
	PathPolicy PathPolicyDefaults `yaml:"path_policy"`
	Server     ServerDefaults     `yaml:"server"`
	Log        LogDefaults        `yaml:"log"`
	Audit      AuditDefaults      `yaml:"audit"`
}

type StoreDefaults struct {
	Backend      string `yaml:"backend"`
	Path         string `yaml:"path"`
	Format       string `yaml:"format"`
	WriteTimeout string `yaml:"write_timeout"`
}

type PathPolicyDefaults struct {
	Allowed   []string `yaml:"allowed"`
	Forbidden []string `yaml:"forbidden"`
}

type ServerDefaults struct {
	Listen          string `yaml:"listen"`
	AdminTokenEnv   string `yaml:"admin_token_env"`
	MaxRequestBytes int64  `yaml:"max_request_bytes"`
}

type LogDefaults struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuditDefaults struct {
	Enabled *bool  `yaml:"enabled"`
	Root    string `yaml:"root"`
}

func Defaults() Config {
	configuration := Config{}
	configuration.applyDefaults()
	return configuration
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Defaults(), nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Defaults(), nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	configuration.normalize()
	configuration.applyDefaults()
	if err := configuration.Validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

// Validate rejects values that would otherwise only fail once the daemon starts.
func (configuration Config) Validate() error {
	switch configuration.Store.Backend {
	case storage.BackendFile, storage.BackendSQLite, storage.BackendMemory:
	default:
		return fmt.Errorf("store.backend must be one of file|sqlite|memory")
	}
	switch configuration.Store.Format {
	case storage.FormatJSON, storage.FormatCBOR:
	default:
		return fmt.Errorf("store.format must be one of json|cbor")
	}
	if _, err := configuration.Store.Timeout(); err != nil {
		return err
	}
	if _, err := configuration.PathPolicy.Policy(); err != nil {
		return err
	}
	if configuration.Server.MaxRequestBytes < 0 {
		return fmt.Errorf("server.max_request_bytes must be >= 0")
	}
	switch configuration.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error")
	}
	switch configuration.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of text|json")
	}
	return nil
}

func (store StoreDefaults) Timeout() (time.Duration, error) {
	timeout, err := time.ParseDuration(store.WriteTimeout)
	if err != nil {
		return 0, fmt.Errorf("parse store.write_timeout: %w", err)
	}
	if timeout <= 0 {
		return 0, fmt.Errorf("store.write_timeout must be positive")
	}
	return timeout, nil
}

func (store StoreDefaults) StorageConfig() storage.Config {
	return storage.Config{Backend: store.Backend, Path: store.Path, Format: store.Format}
}

// Policy builds the configured path policy. Empty lists fall back to the built-in
// defaults independently.
func (defaults PathPolicyDefaults) Policy() (pathpolicy.Policy, error) {
	allowed := defaults.Allowed
	if len(allowed) == 0 {
		allowed = pathpolicy.DefaultAllowedPrefixes
	}
	forbidden := defaults.Forbidden
	if len(forbidden) == 0 {
		forbidden = pathpolicy.DefaultForbiddenPrefixes
	}
	policy, err := pathpolicy.New(allowed, forbidden)
	if err != nil {
		return pathpolicy.Policy{}, fmt.Errorf("path_policy: %w", err)
	}
	return policy, nil
}

func (audit AuditDefaults) IsEnabled() bool {
	return audit.Enabled == nil || *audit.Enabled
}

func (configuration *Config) normalize() {
	configuration.Store.Backend = strings.ToLower(strings.TrimSpace(configuration.Store.Backend))
	configuration.Store.Path = strings.TrimSpace(configuration.Store.Path)
	configuration.Store.Format = strings.ToLower(strings.TrimSpace(configuration.Store.Format))
	configuration.Store.WriteTimeout = strings.TrimSpace(configuration.Store.WriteTimeout)
	configuration.PathPolicy.Allowed = trimEntries(configuration.PathPolicy.Allowed)
	configuration.PathPolicy.Forbidden = trimEntries(configuration.PathPolicy.Forbidden)
	configuration.Server.Listen = strings.TrimSpace(configuration.Server.Listen)
	configuration.Server.AdminTokenEnv = strings.TrimSpace(configuration.Server.AdminTokenEnv)
	configuration.Log.Level = strings.ToLower(strings.TrimSpace(configuration.Log.Level))
	configuration.Log.Format = strings.ToLower(strings.TrimSpace(configuration.Log.Format))
	configuration.Audit.Root = strings.TrimSpace(configuration.Audit.Root)
}

func (configuration *Config) applyDefaults() {
	if configuration.Store.Backend == "" {
		configuration.Store.Backend = storage.BackendFile
	}
	if configuration.Store.Path == "" && configuration.Store.Backend != storage.BackendMemory {
		configuration.Store.Path = defaultStorePath
	}
	if configuration.Store.Format == "" {
		configuration.Store.Format = storage.FormatJSON
	}
	if configuration.Store.WriteTimeout == "" {
		configuration.Store.WriteTimeout = defaultWriteTimeout
	}
	if configuration.Server.Listen == "" {
		configuration.Server.Listen = defaultListen
	}
	if configuration.Server.AdminTokenEnv == "" {
		configuration.Server.AdminTokenEnv = defaultAdminTokenEnv
	}
	if configuration.Server.MaxRequestBytes == 0 {
		configuration.Server.MaxRequestBytes = defaultMaxRequestBytes
	}
	if configuration.Log.Level == "" {
		configuration.Log.Level = "info"
	}
	if configuration.Log.Format == "" {
		configuration.Log.Format = "text"
	}
	if configuration.Audit.Root == "" {
		configuration.Audit.Root = defaultAuditRoot
	}
}

func trimEntries(entries []string) []string {
	if len(entries) == 0 {
		return nil
	}
	trimmed := make([]string, 0, len(entries))
	for _, entry := range entries {
		if value := strings.TrimSpace(entry); value != "" {
			trimmed = append(trimmed, value)
		}
	}
	return trimmed
}
