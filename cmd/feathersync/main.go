package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/feathernotes/feathersync/internal/config"
	"github.com/feathernotes/feathersync/internal/credentials"
	"github.com/feathernotes/feathersync/internal/localstore"
	"github.com/feathernotes/feathersync/internal/logging"
	"github.com/feathernotes/feathersync/internal/provider"
	"github.com/feathernotes/feathersync/internal/provider/drive"
	"github.com/feathernotes/feathersync/internal/provider/webdav"
	"github.com/feathernotes/feathersync/internal/state"
	"github.com/feathernotes/feathersync/internal/syncer"
)

var Version = "dev"

func main() {
	// "once" runs a single sync pass and exits instead of staying
	// resident.
	once := len(os.Args) > 1 && os.Args[1] == "once"

	if err := run(once); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("feathersync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("store", cfg.StoreDir),
		slog.Bool("once", once),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	creds, err := credentials.NewStore(appState, cfg.KeyPath, logging.WithComponent(logger, "credentials"))
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	store, err := localstore.Open(cfg.StoreDir, logging.WithComponent(logger, "store"))
	if err != nil {
		return fmt.Errorf("opening note store: %w", err)
	}

	session, err := syncer.NewSession(appState, creds, store, adapterFactory(logger), logging.WithComponent(logger, "session"))
	if err != nil {
		return fmt.Errorf("building session: %w", err)
	}
	defer session.StopScheduler()

	if err := activateProvider(ctx, cfg, session); err != nil {
		return err
	}

	registerObservers(session, logger)

	if once {
		return syncOnce(ctx, session, logger)
	}

	return runDaemon(ctx, cfg, session, store, logger)
}

// adapterFactory builds a fresh adapter per provider id. The session
// calls it on Configure and when restoring a persisted provider.
func adapterFactory(logger *slog.Logger) syncer.AdapterFactory {
	return func(providerID string) (provider.Adapter, error) {
		switch providerID {
		case provider.ProviderWebDAV:
			return webdav.New(logging.WithComponent(logger, "webdav")), nil
		case provider.ProviderDrive:
			return drive.New(logging.WithComponent(logger, "drive")), nil
		default:
			return nil, fmt.Errorf("unknown provider %q", providerID)
		}
	}
}

// activateProvider applies the selected profile, or verifies that a
// previously configured provider was restored.
func activateProvider(ctx context.Context, cfg *config.Config, session *syncer.Session) error {
	rp, err := cfg.ResolveProvider()
	if err != nil {
		return err
	}

	if rp != nil {
		if err := session.Configure(ctx, rp.ID, rp.Config); err != nil {
			return fmt.Errorf("configuring provider: %w", err)
		}

		return nil
	}

	if session.ActiveProvider() == "" {
		return fmt.Errorf("no provider configured: set FEATHERSYNC_PROFILE or run once with a profile to persist credentials")
	}

	return nil
}

// registerObservers wires session callbacks to log output. A headless
// daemon has no UI; the log is where conflicts and dropped operations
// surface.
func registerObservers(session *syncer.Session, logger *slog.Logger) {
	session.OnStatusChange(func(st syncer.Status) {
		logger.Debug("sync status changed", slog.String("status", st.String()))
	})

	session.OnConflicts(func(conflicts []provider.SyncConflict) {
		for _, c := range conflicts {
			logger.Warn("unresolved sync conflict",
				slog.Int64("note_id", c.NoteID),
				slog.String("title", c.Title),
				slog.Time("local_modified", c.LocalModified),
				slog.Time("remote_modified", c.RemoteModified),
			)
		}
	})

	session.OnRetryExhausted(func(ops []state.QueuedOperation) {
		for _, op := range ops {
			logger.Error("queued operation dropped after repeated failures",
				slog.Int64("note_id", op.NoteID),
				slog.String("kind", string(op.Kind)),
				slog.String("path", op.RemotePath),
			)
		}
	})
}

// syncOnce runs a single foreground pass.
func syncOnce(ctx context.Context, session *syncer.Session, logger *slog.Logger) error {
	result, err := session.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	logger.Info("sync complete",
		slog.Int("uploaded", result.Uploaded),
		slog.Int("downloaded", result.Downloaded),
		slog.Int("conflicts", len(result.Conflicts)),
	)

	return nil
}

// runDaemon runs an initial pass, starts the background schedule and the
// store watcher, and blocks until the context is cancelled.
func runDaemon(ctx context.Context, cfg *config.Config, session *syncer.Session, store *localstore.Store, logger *slog.Logger) error {
	// The initial pass may legitimately fail on an offline start; edits
	// are queued and the schedule retries.
	if _, err := session.Sync(ctx); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	if err := session.SetBackgroundSync(cfg.BackgroundSync, cfg.SyncInterval); err != nil {
		return fmt.Errorf("starting background sync: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.WatchStore {
		watcher := localstore.NewWatcher(store, session.TriggerBackgroundSync, logging.WithComponent(logger, "watcher"))
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		session.StopScheduler()

		return gctx.Err()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("feathersync stopped")

	return nil
}
