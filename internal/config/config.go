// Package config loads daemon configuration from environment variables
// and the optional provider-profiles file. Profiles carry only non-secret
// connection fields; secrets always come from the environment.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/feathernotes/feathersync/internal/provider"
)

// Config holds all environment-based configuration for feathersync.
type Config struct {
	// StoreDir is the directory holding the local note documents.
	// Defaults to ~/.feathersync/store.
	StoreDir string `env:"FEATHERSYNC_STORE_DIR"`

	// StatePath is the state database location.
	// Defaults to ~/.feathersync/state.db.
	StatePath string `env:"FEATHERSYNC_STATE_PATH"`

	// KeyPath is the install key file location.
	// Defaults to ~/.feathersync/install.key.
	KeyPath string `env:"FEATHERSYNC_KEY_PATH"`

	// Profile selects a provider profile by name. Empty means the daemon
	// starts with whatever provider was configured on a previous run.
	Profile string `env:"FEATHERSYNC_PROFILE"`

	// ProfilesPath is the provider-profiles YAML file.
	// Defaults to ~/.feathersync/profiles.yaml.
	ProfilesPath string `env:"FEATHERSYNC_PROFILES"`

	// Provider secrets. Env-only; the profiles file never holds them.
	WebDAVPassword    string `env:"FEATHERSYNC_WEBDAV_PASSWORD"`
	DriveClientSecret string `env:"FEATHERSYNC_DRIVE_CLIENT_SECRET"`
	DriveRefreshToken string `env:"FEATHERSYNC_DRIVE_REFRESH_TOKEN"`

	// Background sync schedule.
	BackgroundSync bool          `env:"FEATHERSYNC_BACKGROUND_SYNC" envDefault:"true"`
	SyncInterval   time.Duration `env:"FEATHERSYNC_SYNC_INTERVAL" envDefault:"15m"`

	// WatchStore toggles the local change watcher.
	WatchStore bool `env:"FEATHERSYNC_WATCH_STORE" envDefault:"true"`

	// DeviceName this client identifies as in logs. Defaults to the
	// system hostname.
	DeviceName string `env:"FEATHERSYNC_DEVICE_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "feathersync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// DefaultBaseDir returns the directory all default paths hang off:
// ~/.feathersync/
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".feathersync"), nil
}

func (c *Config) applyDefaults() error {
	base, err := DefaultBaseDir()
	if err != nil {
		return err
	}

	if c.StoreDir == "" {
		c.StoreDir = filepath.Join(base, "store")
	}

	if c.StatePath == "" {
		c.StatePath = filepath.Join(base, "state.db")
	}

	if c.KeyPath == "" {
		c.KeyPath = filepath.Join(base, "install.key")
	}

	if c.ProfilesPath == "" {
		c.ProfilesPath = filepath.Join(base, "profiles.yaml")
	}

	// The store dir is resolved to an absolute path at startup so a later
	// working-directory change cannot move it.
	absDir, err := filepath.Abs(c.StoreDir)
	if err != nil {
		return fmt.Errorf("resolving store dir to absolute path: %w", err)
	}

	c.StoreDir = absDir

	return nil
}

func (c *Config) validate() error {
	if c.SyncInterval <= 0 {
		return fmt.Errorf("FEATHERSYNC_SYNC_INTERVAL must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ProviderProfile is one named provider definition from the profiles
// file. It carries connection fields only; an adapter configured from a
// profile gets its secrets merged in from the environment.
type ProviderProfile struct {
	Provider  string `yaml:"provider"`
	ServerURL string `yaml:"server_url"`
	Username  string `yaml:"username"`
	AccountID string `yaml:"account_id"`
	ClientID  string `yaml:"client_id"`
	BasePath  string `yaml:"base_path"`
}

type profilesFile struct {
	Profiles map[string]ProviderProfile `yaml:"profiles"`
}

// LoadProfiles reads the provider-profiles file. A missing file is an
// empty profile set, not an error.
func LoadProfiles(path string) (map[string]ProviderProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ProviderProfile{}, nil
		}

		return nil, fmt.Errorf("reading profiles file: %w", err)
	}

	var pf profilesFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing profiles file %s: %w", path, err)
	}

	if pf.Profiles == nil {
		return map[string]ProviderProfile{}, nil
	}

	return pf.Profiles, nil
}

// ResolvedProvider pairs a provider id with its assembled configuration,
// secrets included.
type ResolvedProvider struct {
	ID     string
	Config provider.Config
}

// ResolveProvider assembles the provider configuration for the selected
// profile. Returns nil when no profile is selected, which leaves the
// previously configured provider in charge.
func (c *Config) ResolveProvider() (*ResolvedProvider, error) {
	if c.Profile == "" {
		return nil, nil
	}

	profiles, err := LoadProfiles(c.ProfilesPath)
	if err != nil {
		return nil, err
	}

	p, ok := profiles[c.Profile]
	if !ok {
		return nil, fmt.Errorf("profile %q not found in %s", c.Profile, c.ProfilesPath)
	}

	cfg := provider.Config{
		ServerURL: p.ServerURL,
		Username:  p.Username,
		AccountID: p.AccountID,
		ClientID:  p.ClientID,
		BasePath:  p.BasePath,
	}

	switch p.Provider {
	case provider.ProviderWebDAV:
		if c.WebDAVPassword == "" {
			return nil, fmt.Errorf("FEATHERSYNC_WEBDAV_PASSWORD is required for profile %q", c.Profile)
		}

		cfg.Password = c.WebDAVPassword

	case provider.ProviderDrive:
		if c.DriveClientSecret == "" || c.DriveRefreshToken == "" {
			return nil, fmt.Errorf("FEATHERSYNC_DRIVE_CLIENT_SECRET and FEATHERSYNC_DRIVE_REFRESH_TOKEN are required for profile %q", c.Profile)
		}

		cfg.ClientSecret = c.DriveClientSecret
		cfg.RefreshToken = c.DriveRefreshToken

	default:
		return nil, fmt.Errorf("profile %q has unknown provider %q", c.Profile, p.Provider)
	}

	return &ResolvedProvider{ID: p.Provider, Config: cfg}, nil
}
