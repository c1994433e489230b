package credentials

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/feathernotes/feathersync/internal/provider"
	"github.com/feathernotes/feathersync/internal/state"
)

// secretFields is the sealed half of a provider configuration. The plain
// settings document never contains these; provider.Config excludes them
// from JSON so they cannot leak through a marshal.
type secretFields struct {
	Password     string `json:"password,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Store reads and writes provider credentials on top of the state
// database. One sealing key per install, derived from the install key
// file and the database's install id, covers every provider.
type Store struct {
	st     *state.State
	sealer *sealer
	logger *slog.Logger
}

// NewStore opens the install key at keyPath, creating it on first run,
// and derives this install's sealing key.
func NewStore(st *state.State, keyPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	installKey, err := loadOrCreateInstallKey(keyPath)
	if err != nil {
		return nil, err
	}

	master, err := deriveKey(installKey, st.InstallID())
	if err != nil {
		return nil, err
	}
	defer ZeroKey(master)

	sealKey, err := hkdfDeriveKey(master, nil, sealInfo, hkdfKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving sealing key: %w", err)
	}
	defer ZeroKey(sealKey)

	sl, err := newSealer(sealKey)
	if err != nil {
		return nil, err
	}

	return &Store{st: st, sealer: sl, logger: logger}, nil
}

// Save persists the configuration for a provider, sealing the secret
// fields into their own blob.
func (s *Store) Save(providerID string, cfg provider.Config) error {
	settings, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding provider settings: %w", err)
	}

	secrets, err := json.Marshal(secretFields{
		Password:     cfg.Password,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: cfg.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("encoding secrets: %w", err)
	}

	blob, err := s.sealer.Seal(secrets)
	if err != nil {
		return fmt.Errorf("sealing secrets: %w", err)
	}

	if err := s.st.SetProviderSettings(providerID, settings); err != nil {
		return err
	}
	if err := s.st.SetSecretBlob(providerID, blob); err != nil {
		return err
	}

	s.logger.Debug("saved provider credentials", slog.String("provider", providerID))

	return nil
}

// Load returns the stored configuration for a provider, or nil when the
// provider was never fully configured. A blob that fails to open is an
// error rather than an empty result: syncing with silently dropped
// credentials would hammer the server with unauthenticated requests.
func (s *Store) Load(providerID string) (*provider.Config, error) {
	settings, err := s.st.ProviderSettings(providerID)
	if err != nil {
		return nil, err
	}
	blob, err := s.st.SecretBlob(providerID)
	if err != nil {
		return nil, err
	}
	if settings == nil || blob == nil {
		return nil, nil
	}

	var cfg provider.Config
	if err := json.Unmarshal(settings, &cfg); err != nil {
		return nil, fmt.Errorf("decoding provider settings: %w", err)
	}

	secrets, err := s.sealer.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("credentials for %s: %w", providerID, err)
	}

	var sf secretFields
	if err := json.Unmarshal(secrets, &sf); err != nil {
		return nil, fmt.Errorf("decoding secrets: %w", err)
	}

	cfg.Password = sf.Password
	cfg.ClientSecret = sf.ClientSecret
	cfg.RefreshToken = sf.RefreshToken

	return &cfg, nil
}

// Delete removes a provider's settings and sealed secrets.
func (s *Store) Delete(providerID string) error {
	if err := s.st.DeleteProviderSettings(providerID); err != nil {
		return err
	}

	return s.st.DeleteSecretBlob(providerID)
}

// ActiveProvider reports the provider the user connected last, or ""
// when none is connected.
func (s *Store) ActiveProvider() string {
	return s.st.ActiveProvider()
}

// SetActiveProvider records the connected provider. An empty id clears it.
func (s *Store) SetActiveProvider(providerID string) error {
	return s.st.SetActiveProvider(providerID)
}
