// Package syncer orchestrates sync passes: it owns the active provider
// adapter, the session status machine, the offline queue, conflict
// resolution, and the background schedule. The engine in internal/provider
// decides what to transfer; this package decides when and applies the
// results locally.
package syncer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/feathernotes/feathersync/internal/credentials"
	syncerrors "github.com/feathernotes/feathersync/internal/errors"
	"github.com/feathernotes/feathersync/internal/notes"
	"github.com/feathernotes/feathersync/internal/provider"
	"github.com/feathernotes/feathersync/internal/state"
)

const (
	// successRevertDelay is how long the Success status is shown before
	// the session settles back to Idle.
	successRevertDelay = 3 * time.Second
)

// Status is the session state visible to the host UI.
type Status int

const (
	// StatusIdle means no sync is running and the last one is settled.
	StatusIdle Status = iota

	// StatusSyncing means a pass is in flight.
	StatusSyncing

	// StatusSuccess means the last pass finished clean. Reverts to Idle
	// after a short delay.
	StatusSuccess

	// StatusError means the last pass failed; LastError has the cause.
	// Sticks until the next sync.
	StatusError

	// StatusConflict means the last pass surfaced unresolved conflicts.
	// Sticks until the next sync.
	StatusConflict
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusConflict:
		return "conflict"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// LocalStore is the note storage surface the session consumes. Satisfied
// by localstore.Store.
type LocalStore interface {
	GetAllNotes(searchQuery, sortBy string, filterTags []string) ([]notes.NoteSnapshot, error)
	GetAllFolders() ([]notes.FolderSnapshot, error)
	ExportNote(id int64) (*notes.ExportedNote, error)
	ImportNote(exported *notes.ExportedNote) (int64, error)
	ImportFolder(exported *notes.ExportedFolder) error
}

// AdapterFactory builds a fresh adapter for a provider id. The session
// rebuilds adapters on Configure instead of mutating live ones.
type AdapterFactory func(providerID string) (provider.Adapter, error)

// Session drives sync passes against the active provider. At most one
// pass runs at a time; a second Sync call while one is in flight returns
// ErrSyncActive immediately.
type Session struct {
	st          *state.State
	creds       *credentials.Store
	store       LocalStore
	factory     AdapterFactory
	prober      Prober
	logger      *slog.Logger
	revertDelay time.Duration

	// mu guards the adapter, provider identity, status fields, and
	// registered callbacks.
	mu         sync.Mutex
	adapter    provider.Adapter
	providerID string
	cfg        provider.Config
	status     Status
	lastError  string
	revert     *time.Timer

	onStatus         func(Status)
	onConflicts      func([]provider.SyncConflict)
	onRetryExhausted func([]state.QueuedOperation)

	// syncMu is the single-flight guard; held for the whole pass.
	syncMu sync.Mutex

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewSession builds a session and restores the previously configured
// provider, if any. Unusable stored credentials leave the session
// unconfigured rather than failing construction.
func NewSession(st *state.State, creds *credentials.Store, store LocalStore, factory AdapterFactory, logger *slog.Logger) (*Session, error) {
	if st == nil || creds == nil || store == nil || factory == nil {
		return nil, fmt.Errorf("syncer: state, credentials, store, and factory are all required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		st:          st,
		creds:       creds,
		store:       store,
		factory:     factory,
		prober:      newHTTPProber(),
		logger:      logger,
		revertDelay: successRevertDelay,
		status:      StatusIdle,
	}

	s.restoreProvider()

	return s, nil
}

// restoreProvider rebuilds the adapter from persisted credentials.
func (s *Session) restoreProvider() {
	id := s.creds.ActiveProvider()
	if id == "" {
		return
	}

	cfg, err := s.creds.Load(id)
	if err != nil {
		s.logger.Warn("stored credentials unusable, provider left unconfigured",
			slog.String("provider", id),
			slog.String("error", err.Error()),
		)

		return
	}
	if cfg == nil {
		return
	}

	adapter, err := s.factory(id)
	if err != nil {
		s.logger.Warn("building adapter failed",
			slog.String("provider", id),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := adapter.Configure(*cfg); err != nil {
		s.logger.Warn("configuring restored adapter failed",
			slog.String("provider", id),
			slog.String("error", err.Error()),
		)

		return
	}

	s.mu.Lock()
	s.adapter = adapter
	s.providerID = id
	s.cfg = *cfg
	s.mu.Unlock()

	s.logger.Info("provider restored", slog.String("provider", id))
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// LastError returns the message of the most recent failed pass, or empty.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastError
}

// OnStatusChange registers the status observer. Called outside the
// session lock on every transition.
func (s *Session) OnStatusChange(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onStatus = fn
}

// OnConflicts registers the conflict callback invoked after a pass that
// surfaced conflicts.
func (s *Session) OnConflicts(fn func([]provider.SyncConflict)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onConflicts = fn
}

// OnRetryExhausted registers the callback for queued operations dropped
// at the retry ceiling. Dropping an operation silently loses data, so the
// host app is expected to show these.
func (s *Session) OnRetryExhausted(fn func([]state.QueuedOperation)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onRetryExhausted = fn
}

// setStatus transitions the status machine and notifies the observer
// outside the lock. A Success status schedules the revert to Idle.
func (s *Session) setStatus(st Status, lastErr string) {
	s.mu.Lock()

	s.status = st
	s.lastError = lastErr

	if s.revert != nil {
		s.revert.Stop()
		s.revert = nil
	}
	if st == StatusSuccess {
		s.revert = time.AfterFunc(s.revertDelay, s.revertToIdle)
	}

	cb := s.onStatus
	s.mu.Unlock()

	if cb != nil {
		cb(st)
	}
}

func (s *Session) revertToIdle() {
	s.mu.Lock()

	if s.status != StatusSuccess {
		s.mu.Unlock()
		return
	}

	s.status = StatusIdle
	cb := s.onStatus
	s.mu.Unlock()

	if cb != nil {
		cb(StatusIdle)
	}
}

// currentAdapter returns the active adapter and its config, or
// ErrNotConfigured.
func (s *Session) currentAdapter() (provider.Adapter, provider.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.adapter == nil {
		return nil, provider.Config{}, syncerrors.ErrNotConfigured
	}

	return s.adapter, s.cfg, nil
}

// ActiveProvider returns the configured provider id, or empty string.
func (s *Session) ActiveProvider() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.providerID
}
