package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	syncerrors "github.com/feathernotes/feathersync/internal/errors"
	"github.com/feathernotes/feathersync/internal/notes"
	"github.com/feathernotes/feathersync/internal/provider"
	"github.com/feathernotes/feathersync/internal/state"
)

// Sync runs one full pass: snapshot load, connectivity check, delegation
// to the adapter, apply execution, queue drain. Returns ErrSyncActive
// without touching anything when a pass is already in flight.
func (s *Session) Sync(ctx context.Context) (*provider.SyncResult, error) {
	if !s.syncMu.TryLock() {
		return nil, syncerrors.ErrSyncActive
	}
	defer s.syncMu.Unlock()

	s.setStatus(StatusSyncing, "")

	result, err := s.runPass(ctx)

	switch {
	case err != nil:
		s.setStatus(StatusError, err.Error())
	case len(result.Conflicts) > 0:
		s.setStatus(StatusConflict, "")
	default:
		s.setStatus(StatusSuccess, "")
	}

	return result, err
}

func (s *Session) runPass(ctx context.Context) (*provider.SyncResult, error) {
	adapter, cfg, err := s.currentAdapter()
	if err != nil {
		return nil, err
	}

	snaps, folders, err := s.loadCandidates()
	if err != nil {
		return nil, err
	}

	if !s.prober.Online(ctx, probeTarget(s.ActiveProvider(), cfg)) {
		queued := s.enqueueUploads(snaps)
		s.logger.Warn("provider unreachable, queued local notes", slog.Int("queued", queued))

		return nil, syncerrors.ErrOffline
	}

	result, err := adapter.SyncAll(ctx, snaps, folders)
	if err != nil {
		if result == nil {
			result = &provider.SyncResult{}
		}

		return result, err
	}

	if err := s.applyAll(result.Applies); err != nil {
		return result, err
	}

	s.announceConflicts(result.Conflicts)

	s.drainQueue(ctx, adapter)

	s.logger.Info("sync pass finished",
		slog.Int("uploaded", result.Uploaded),
		slog.Int("downloaded", result.Downloaded),
		slog.Int("folder_uploads", result.FolderUploads),
		slog.Int("folder_downloads", result.FolderDownloads),
		slog.Int("skipped", result.Skipped),
		slog.Int("conflicts", len(result.Conflicts)),
	)

	return result, nil
}

// loadCandidates reads the local corpus and applies the selective-sync
// filter: a non-empty selected set restricts the note batch, empty means
// everything. Folders always ride along; selection is per-note.
func (s *Session) loadCandidates() ([]notes.NoteSnapshot, []notes.FolderSnapshot, error) {
	snaps, err := s.store.GetAllNotes("", "", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("loading local notes: %w", err)
	}

	selected, err := s.st.SelectedNotes()
	if err != nil {
		return nil, nil, fmt.Errorf("loading selected notes: %w", err)
	}

	if len(selected) > 0 {
		keep := make(map[int64]struct{}, len(selected))
		for _, id := range selected {
			keep[id] = struct{}{}
		}

		filtered := snaps[:0]
		for _, snap := range snaps {
			if _, ok := keep[snap.ID]; ok {
				filtered = append(filtered, snap)
			}
		}

		snaps = filtered
	}

	folders, err := s.store.GetAllFolders()
	if err != nil {
		return nil, nil, fmt.Errorf("loading local folders: %w", err)
	}

	return snaps, folders, nil
}

// applyAll executes the engine's mutation batch against the local store.
func (s *Session) applyAll(applies []provider.ApplyInstruction) error {
	for _, ins := range applies {
		switch a := ins.(type) {
		case provider.ApplyCreate:
			if _, err := s.store.ImportNote(&a.Note); err != nil {
				return fmt.Errorf("applying remote note: %w", err)
			}
		case provider.ApplyUpdate:
			if _, err := s.store.ImportNote(&a.Note); err != nil {
				return fmt.Errorf("applying remote note %d: %w", a.NoteID, err)
			}
		case provider.ApplyFolderCreate:
			if err := s.store.ImportFolder(&a.Folder); err != nil {
				return fmt.Errorf("applying remote folder: %w", err)
			}
		case provider.ApplyFolderUpdate:
			if err := s.store.ImportFolder(&a.Folder); err != nil {
				return fmt.Errorf("applying remote folder %d: %w", a.FolderID, err)
			}
		}
	}

	return nil
}

func (s *Session) announceConflicts(conflicts []provider.SyncConflict) {
	if len(conflicts) == 0 {
		return
	}

	s.mu.Lock()
	cb := s.onConflicts
	s.mu.Unlock()

	if cb != nil {
		cb(conflicts)
	}
}

// enqueueUploads records every candidate note as a pending upload so the
// edits survive the offline window. Encoding failures are logged and the
// note skipped.
func (s *Session) enqueueUploads(snaps []notes.NoteSnapshot) int {
	queued := 0

	for _, snap := range snaps {
		payload, err := notes.EncodeNote(snap)
		if err != nil {
			s.logger.Warn("skipping unencodable note",
				slog.Int64("note_id", snap.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		_, err = s.st.Enqueue(state.QueuedOperation{
			Kind:       state.OpUpload,
			NoteID:     snap.ID,
			RemotePath: notes.NotePath(snap.ID),
			Payload:    payload,
		})
		if err != nil {
			s.logger.Warn("queueing upload failed",
				slog.Int64("note_id", snap.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		queued++
	}

	return queued
}

// drainQueue replays deferred operations now that the provider is
// reachable. A failed replay increments the retry count; operations at
// the ceiling are dropped and reported through OnRetryExhausted.
func (s *Session) drainQueue(ctx context.Context, adapter provider.Adapter) {
	ops, err := s.st.ListOps()
	if err != nil {
		s.logger.Warn("listing queued operations failed", slog.String("error", err.Error()))
		return
	}
	if len(ops) == 0 {
		return
	}

	s.logger.Info("draining offline queue", slog.Int("count", len(ops)))

	var exhausted []state.QueuedOperation

	for _, op := range ops {
		err := s.replay(ctx, adapter, op)
		if err == nil {
			if derr := s.st.Dequeue(op.ID); derr != nil {
				s.logger.Warn("dequeueing replayed operation failed",
					slog.Int64("op_id", op.ID),
					slog.String("error", derr.Error()),
				)
			}

			continue
		}

		s.logger.Warn("replaying queued operation failed",
			slog.Int64("op_id", op.ID),
			slog.String("kind", string(op.Kind)),
			slog.Int64("note_id", op.NoteID),
			slog.String("error", err.Error()),
		)

		count, rerr := s.st.IncrementRetry(op.ID)
		if rerr != nil {
			s.logger.Warn("recording retry failed",
				slog.Int64("op_id", op.ID),
				slog.String("error", rerr.Error()),
			)

			continue
		}

		if count >= state.MaxRetries {
			op.RetryCount = count
			exhausted = append(exhausted, op)

			if derr := s.st.Dequeue(op.ID); derr != nil {
				s.logger.Warn("dropping exhausted operation failed",
					slog.Int64("op_id", op.ID),
					slog.String("error", derr.Error()),
				)
			}
		}
	}

	if len(exhausted) == 0 {
		return
	}

	s.logger.Error("dropped queued operations past the retry ceiling",
		slog.Int("count", len(exhausted)),
	)

	s.mu.Lock()
	cb := s.onRetryExhausted
	s.mu.Unlock()

	if cb != nil {
		cb(exhausted)
	}
}

// replay executes one queued operation. Uploads re-read the note from the
// store since its content may have changed while queued; a note that no
// longer exists locally resolves its operation without a network call.
func (s *Session) replay(ctx context.Context, adapter provider.Adapter, op state.QueuedOperation) error {
	switch op.Kind {
	case state.OpUpload:
		exported, err := s.store.ExportNote(op.NoteID)
		if err != nil {
			if errors.Is(err, syncerrors.ErrNotFound) {
				return nil
			}

			return fmt.Errorf("reading note %d: %w", op.NoteID, err)
		}

		payload, err := encodeExported(exported)
		if err != nil {
			return err
		}

		_, err = adapter.Upload(ctx, op.NoteID, payload)

		return err

	case state.OpDownload:
		payload, err := adapter.Download(ctx, op.RemotePath)
		if err != nil {
			return err
		}
		if payload == nil {
			return nil
		}

		doc, err := notes.DecodeNote(payload)
		if err != nil {
			return err
		}

		_, err = s.store.ImportNote(doc)

		return err

	case state.OpDelete:
		return adapter.Delete(ctx, op.RemotePath)

	default:
		return fmt.Errorf("unknown queued operation kind %q", op.Kind)
	}
}

// Resolution selects how a surfaced conflict is settled.
type Resolution int

const (
	// KeepLocal re-uploads the local note, overwriting the remote copy.
	KeepLocal Resolution = iota

	// KeepRemote applies the remote payload to the local store.
	KeepRemote

	// DuplicateNote imports the remote payload as a new local note and
	// re-uploads the local version, so both survive under distinct ids.
	DuplicateNote
)

func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "keep-local"
	case KeepRemote:
		return "keep-remote"
	case DuplicateNote:
		return "duplicate"
	default:
		return fmt.Sprintf("resolution(%d)", int(r))
	}
}

// ResolveConflict settles one conflict according to the choice. The
// conflict's snapshots are never mutated; resolution acts on the store
// and the remote directly.
func (s *Session) ResolveConflict(ctx context.Context, c provider.SyncConflict, choice Resolution) error {
	adapter, _, err := s.currentAdapter()
	if err != nil {
		return err
	}

	switch choice {
	case KeepLocal:
		if err := s.uploadLocal(ctx, adapter, c.NoteID); err != nil {
			return err
		}

	case KeepRemote:
		doc, err := notes.DecodeNote(c.RemotePayload)
		if err != nil {
			return fmt.Errorf("resolving conflict for note %d: %w", c.NoteID, err)
		}

		if _, err := s.store.ImportNote(doc); err != nil {
			return fmt.Errorf("applying remote note %d: %w", c.NoteID, err)
		}

	case DuplicateNote:
		doc, err := notes.DecodeNote(c.RemotePayload)
		if err != nil {
			return fmt.Errorf("resolving conflict for note %d: %w", c.NoteID, err)
		}

		// A zero id makes the store mint a fresh one, so the remote
		// version lands beside the local note instead of over it.
		doc.Note.ID = 0

		if _, err := s.store.ImportNote(doc); err != nil {
			return fmt.Errorf("duplicating note %d: %w", c.NoteID, err)
		}

		// The original id keeps the local version; without this upload
		// the same conflict would resurface on every pass.
		if err := s.uploadLocal(ctx, adapter, c.NoteID); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown resolution %v", choice)
	}

	s.logger.Info("conflict resolved",
		slog.Int64("note_id", c.NoteID),
		slog.String("choice", choice.String()),
	)

	return nil
}

// uploadLocal pushes the current local version of a note to the remote.
func (s *Session) uploadLocal(ctx context.Context, adapter provider.Adapter, noteID int64) error {
	exported, err := s.store.ExportNote(noteID)
	if err != nil {
		return fmt.Errorf("reading note %d: %w", noteID, err)
	}

	payload, err := encodeExported(exported)
	if err != nil {
		return err
	}

	if _, err := adapter.Upload(ctx, noteID, payload); err != nil {
		return fmt.Errorf("re-uploading note %d: %w", noteID, err)
	}

	return nil
}

// DeleteRemote removes a note's remote copy. Offline, the deletion is
// queued for the next reachable pass instead.
func (s *Session) DeleteRemote(ctx context.Context, noteID int64) error {
	adapter, cfg, err := s.currentAdapter()
	if err != nil {
		return err
	}

	remotePath := notes.NotePath(noteID)

	if !s.prober.Online(ctx, probeTarget(s.ActiveProvider(), cfg)) {
		if _, err := s.st.Enqueue(state.QueuedOperation{
			Kind:       state.OpDelete,
			NoteID:     noteID,
			RemotePath: remotePath,
		}); err != nil {
			return fmt.Errorf("queueing remote delete: %w", err)
		}

		s.logger.Info("provider unreachable, queued remote delete",
			slog.Int64("note_id", noteID),
		)

		return nil
	}

	if err := adapter.Delete(ctx, remotePath); err != nil {
		return fmt.Errorf("deleting remote note %d: %w", noteID, err)
	}

	return nil
}

func encodeExported(exported *notes.ExportedNote) ([]byte, error) {
	snap, err := exported.Snapshot()
	if err != nil {
		return nil, err
	}

	return notes.EncodeNote(snap)
}
