package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	syncerrors "github.com/feathernotes/feathersync/internal/errors"
	"github.com/feathernotes/feathersync/internal/state"
)

const (
	// minSyncInterval and maxSyncInterval bound the background schedule.
	minSyncInterval = 5 * time.Minute
	maxSyncInterval = 12 * time.Hour

	// backgroundSyncTimeout bounds one scheduled pass end to end.
	backgroundSyncTimeout = 10 * time.Minute
)

// clampInterval forces a configured interval into the allowed range.
func clampInterval(d time.Duration) time.Duration {
	if d < minSyncInterval {
		return minSyncInterval
	}
	if d > maxSyncInterval {
		return maxSyncInterval
	}

	return d
}

// StartScheduler restores the persisted background schedule. Called once
// at startup; SetBackgroundSync restarts the schedule on changes.
func (s *Session) StartScheduler() error {
	bs, err := s.st.GetBackgroundSync()
	if err != nil {
		return fmt.Errorf("loading background sync settings: %w", err)
	}

	return s.restartScheduler(bs)
}

// StopScheduler halts the background schedule.
func (s *Session) StopScheduler() {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// SetBackgroundSync persists the schedule and restarts the timer. The
// interval is clamped before persisting so the stored value matches what
// actually runs.
func (s *Session) SetBackgroundSync(enabled bool, interval time.Duration) error {
	interval = clampInterval(interval)

	bs := state.BackgroundSync{
		Enabled:         enabled,
		IntervalMinutes: int(interval / time.Minute),
	}

	if err := s.st.SetBackgroundSync(bs); err != nil {
		return fmt.Errorf("persisting background sync settings: %w", err)
	}

	return s.restartScheduler(bs)
}

func (s *Session) restartScheduler(bs state.BackgroundSync) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}

	if !bs.Enabled {
		return nil
	}

	interval := clampInterval(time.Duration(bs.IntervalMinutes) * time.Minute)

	c := cron.New()
	if _, err := c.AddFunc("@every "+interval.String(), s.TriggerBackgroundSync); err != nil {
		return fmt.Errorf("scheduling background sync: %w", err)
	}

	c.Start()
	s.cron = c

	s.logger.Info("background sync scheduled", slog.Duration("interval", interval))

	return nil
}

// TriggerBackgroundSync runs a pass only when the session is idle. The
// cron timer and the store watcher both funnel through this guard, so a
// trigger can never interrupt a pass or pile up behind one.
func (s *Session) TriggerBackgroundSync() {
	if s.Status() != StatusIdle {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backgroundSyncTimeout)
	defer cancel()

	if _, err := s.Sync(ctx); err != nil && !errors.Is(err, syncerrors.ErrSyncActive) {
		s.logger.Warn("background sync failed", slog.String("error", err.Error()))
	}
}
