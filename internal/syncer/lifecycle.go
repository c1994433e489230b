package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/feathernotes/feathersync/internal/provider"
)

// Configure validates credentials against the backend, persists them, and
// makes the provider active. The adapter is rebuilt from scratch so a
// failed attempt never leaves half-applied settings behind.
func (s *Session) Configure(ctx context.Context, providerID string, cfg provider.Config) error {
	adapter, err := s.factory(providerID)
	if err != nil {
		return fmt.Errorf("building %s adapter: %w", providerID, err)
	}

	if err := adapter.Configure(cfg); err != nil {
		return err
	}

	if err := adapter.TestConnection(ctx); err != nil {
		return fmt.Errorf("testing %s connection: %w", providerID, err)
	}

	if err := s.creds.Save(providerID, cfg); err != nil {
		return err
	}
	if err := s.creds.SetActiveProvider(providerID); err != nil {
		return err
	}

	s.mu.Lock()
	s.adapter = adapter
	s.providerID = providerID
	s.cfg = cfg
	s.mu.Unlock()

	s.logger.Info("provider configured", slog.String("provider", providerID))

	return nil
}

// Disconnect drops the active adapter, wipes its stored credentials, and
// clears the offline queue, which only ever holds operations for the
// dropped provider.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	adapter := s.adapter
	id := s.providerID
	s.adapter = nil
	s.providerID = ""
	s.cfg = provider.Config{}
	s.mu.Unlock()

	if adapter != nil {
		adapter.Disconnect()
	}

	if id != "" {
		if err := s.creds.Delete(id); err != nil {
			return fmt.Errorf("wiping credentials: %w", err)
		}
	}
	if err := s.creds.SetActiveProvider(""); err != nil {
		return err
	}
	if err := s.st.ClearOps(); err != nil {
		return fmt.Errorf("clearing queue: %w", err)
	}

	s.logger.Info("provider disconnected", slog.String("provider", id))

	return nil
}

// SetSelectedNotes persists the selective-sync id set. Empty means all
// notes sync.
func (s *Session) SetSelectedNotes(ids []int64) error {
	return s.st.SetSelectedNotes(ids)
}

// SelectedNotes returns the persisted selective-sync id set.
func (s *Session) SelectedNotes() ([]int64, error) {
	return s.st.SelectedNotes()
}
