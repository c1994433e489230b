package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	syncerrors "github.com/feathernotes/feathersync/internal/errors"
	"github.com/feathernotes/feathersync/internal/notes"
)

// RunSync executes the reconciliation contract shared by every adapter:
// folders first, then notes. Entries are listed once, every local snapshot
// is classified exactly once, and remote-only entries become creates.
// Protocol failures skip the affected entry and continue; any other
// failure aborts the pass with the partial result.
//
// Adapters delegate their SyncAll to this function so the rule cannot
// drift between backends.
func RunSync(ctx context.Context, a Adapter, locals []notes.NoteSnapshot, folders []notes.FolderSnapshot, logger *slog.Logger) (*SyncResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !a.IsConfigured() {
		return nil, syncerrors.ErrNotConfigured
	}

	result := &SyncResult{}

	if err := syncFolders(ctx, a, folders, result, logger); err != nil {
		return result, err
	}

	if err := syncNotes(ctx, a, locals, result, logger); err != nil {
		return result, err
	}

	return result, nil
}

func syncNotes(ctx context.Context, a Adapter, locals []notes.NoteSnapshot, result *SyncResult, logger *slog.Logger) error {
	remote, err := a.List(ctx)
	if err != nil {
		return fmt.Errorf("listing remote notes: %w", err)
	}

	byID := make(map[int64]struct{}, len(locals))
	for _, snap := range locals {
		byID[snap.ID] = struct{}{}
	}

	for _, snap := range locals {
		if err := syncLocalNote(ctx, a, snap, remote, result, logger); err != nil {
			return err
		}
	}

	for _, path := range sortedPaths(remote) {
		id, ok := notes.ParseNoteID(path)
		if !ok {
			continue
		}
		if _, exists := byID[id]; exists {
			continue
		}
		if err := downloadNewNote(ctx, a, path, id, result, logger); err != nil {
			return err
		}
	}

	return nil
}

func syncLocalNote(ctx context.Context, a Adapter, snap notes.NoteSnapshot, remote map[string]RemoteEntry, result *SyncResult, logger *slog.Logger) error {
	path := notes.NotePath(snap.ID)

	var entry *RemoteEntry
	if e, ok := remote[path]; ok {
		entry = &e
	}

	decision := Classify(snap.ModifiedAt, entry)
	logger.Debug("classified note",
		slog.Int64("note_id", snap.ID),
		slog.String("decision", decision.String()),
	)

	switch decision {
	case DecisionSkip:
		return nil

	case DecisionUpload:
		payload, err := notes.EncodeNote(snap)
		if err != nil {
			logger.Warn("skipping note with unencodable payload",
				slog.Int64("note_id", snap.ID),
				slog.String("error", err.Error()),
			)
			result.Skipped++
			return nil
		}
		if _, err := a.Upload(ctx, snap.ID, payload); err != nil {
			return entryFailure(result, logger, "upload", slog.Int64("note_id", snap.ID), err)
		}
		result.Uploaded++
		return nil

	case DecisionDownload:
		payload, err := a.Download(ctx, path)
		if err != nil {
			return entryFailure(result, logger, "download", slog.Int64("note_id", snap.ID), err)
		}
		if payload == nil {
			result.Skipped++
			return nil
		}
		exported, ok := decodeNotePayload(payload, snap.ID, path, result, logger)
		if !ok {
			return nil
		}
		result.Applies = append(result.Applies, ApplyUpdate{NoteID: snap.ID, Note: *exported})
		result.Downloaded++
		return nil

	case DecisionConflict:
		payload, err := a.Download(ctx, path)
		if err != nil {
			return entryFailure(result, logger, "download", slog.Int64("note_id", snap.ID), err)
		}
		if payload == nil {
			result.Skipped++
			return nil
		}

		// Listing timestamps reflect the last PUT, not the note content.
		// The timestamp embedded in the payload decides whether the
		// content actually diverged.
		remoteTS := entry.ModifiedAt
		if ts, ok := notes.PeekModifiedAt(payload); ok {
			if !ts.After(snap.ModifiedAt) {
				return nil
			}
			remoteTS = ts
		}

		logConflictDivergence(ctx, logger, snap, payload)
		result.Conflicts = append(result.Conflicts, SyncConflict{
			NoteID:         snap.ID,
			Title:          snap.Title,
			Local:          snap,
			RemotePayload:  payload,
			LocalModified:  snap.ModifiedAt,
			RemoteModified: remoteTS,
		})
		return nil
	}

	return nil
}

func downloadNewNote(ctx context.Context, a Adapter, path string, id int64, result *SyncResult, logger *slog.Logger) error {
	payload, err := a.Download(ctx, path)
	if err != nil {
		return entryFailure(result, logger, "download", slog.Int64("note_id", id), err)
	}
	if payload == nil {
		result.Skipped++
		return nil
	}
	exported, ok := decodeNotePayload(payload, id, path, result, logger)
	if !ok {
		return nil
	}
	result.Applies = append(result.Applies, ApplyCreate{Note: *exported})
	result.Downloaded++
	return nil
}

// decodeNotePayload validates a downloaded payload against the id its
// path promises. The id is peeked before the full decode, so a payload
// that belongs to another note is rejected without parsing all of it.
func decodeNotePayload(payload []byte, id int64, path string, result *SyncResult, logger *slog.Logger) (*notes.ExportedNote, bool) {
	peeked, ok := notes.PeekNoteID(payload)
	if !ok {
		logger.Warn("skipping remote note without a readable id",
			slog.String("path", path),
		)
		result.Skipped++
		return nil, false
	}
	if peeked != id {
		logger.Warn("skipping remote note with mismatched id",
			slog.String("path", path),
			slog.Int64("payload_id", peeked),
		)
		result.Skipped++
		return nil, false
	}

	exported, err := notes.DecodeNote(payload)
	if err != nil {
		logger.Warn("skipping undecodable remote note",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		result.Skipped++
		return nil, false
	}
	return exported, true
}

func syncFolders(ctx context.Context, a Adapter, folders []notes.FolderSnapshot, result *SyncResult, logger *slog.Logger) error {
	remote, err := a.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("listing remote folders: %w", err)
	}

	byID := make(map[int64]struct{}, len(folders))
	for _, f := range folders {
		byID[f.ID] = struct{}{}
	}

	for _, f := range folders {
		path := notes.FolderPath(f.ID)

		var entry *RemoteEntry
		if e, ok := remote[path]; ok {
			entry = &e
		}

		switch Classify(f.ModifiedAt, entry) {
		case DecisionSkip:

		case DecisionUpload:
			payload, err := notes.EncodeFolder(f)
			if err != nil {
				result.Skipped++
				continue
			}
			if _, err := a.UploadFolder(ctx, f.ID, payload); err != nil {
				if ferr := entryFailure(result, logger, "upload", slog.Int64("folder_id", f.ID), err); ferr != nil {
					return ferr
				}
				continue
			}
			result.FolderUploads++

		case DecisionDownload, DecisionConflict:
			// Folder metadata is not user content; remote wins without
			// surfacing a conflict. The payload timestamp still decides
			// whether anything actually changed, since the listing
			// timestamp only reflects the last PUT.
			if err := applyRemoteFolder(ctx, a, path, f.ID, f.ModifiedAt, true, result, logger); err != nil {
				return err
			}
		}
	}

	for _, path := range sortedPaths(remote) {
		id, ok := notes.ParseFolderID(path)
		if !ok {
			continue
		}
		if _, exists := byID[id]; exists {
			continue
		}
		if err := applyRemoteFolder(ctx, a, path, id, time.Time{}, false, result, logger); err != nil {
			return err
		}
	}

	return nil
}

func applyRemoteFolder(ctx context.Context, a Adapter, path string, folderID int64, newerThan time.Time, existing bool, result *SyncResult, logger *slog.Logger) error {
	payload, err := a.Download(ctx, path)
	if err != nil {
		return entryFailure(result, logger, "download", slog.Int64("folder_id", folderID), err)
	}
	if payload == nil {
		result.Skipped++
		return nil
	}

	exported, err := notes.DecodeFolder(payload)
	if err != nil || exported.Folder.ID != folderID {
		logger.Warn("skipping undecodable remote folder", slog.String("path", path))
		result.Skipped++
		return nil
	}

	if !newerThan.IsZero() && !exported.Folder.ModifiedAt.After(newerThan) {
		return nil
	}

	if existing {
		result.Applies = append(result.Applies, ApplyFolderUpdate{FolderID: folderID, Folder: *exported})
	} else {
		result.Applies = append(result.Applies, ApplyFolderCreate{Folder: *exported})
	}
	result.FolderDownloads++

	return nil
}

// entryFailure decides whether a failed operation skips just this entry
// or aborts the batch. Protocol failures skip; anything else (dead link,
// cancelled context) aborts so the orchestrator can divert to the queue.
func entryFailure(result *SyncResult, logger *slog.Logger, op string, id slog.Attr, err error) error {
	if syncerrors.IsProtocol(err) {
		logger.Warn("skipping entry after protocol failure",
			slog.String("op", op),
			id,
			slog.String("error", err.Error()),
		)
		result.Skipped++
		return nil
	}

	return fmt.Errorf("%s failed: %w", op, err)
}

func sortedPaths(entries map[string]RemoteEntry) []string {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	return paths
}

// logConflictDivergence records how far two payloads have drifted apart,
// for debugging conflict storms. Merge stays out of the engine.
func logConflictDivergence(ctx context.Context, logger *slog.Logger, snap notes.NoteSnapshot, remotePayload []byte) {
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}

	localPayload, err := notes.EncodeNote(snap)
	if err != nil {
		return
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(localPayload), string(remotePayload), false)

	var added, removed int
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += len(d.Text)
		}
	}

	logger.Debug("conflict divergence",
		slog.Int64("note_id", snap.ID),
		slog.Int("chars_added", added),
		slog.Int("chars_removed", removed),
	)
}
