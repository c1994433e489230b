// Package localstore is the directory-backed note store the sync session
// reads snapshots from and applies remote changes to. Notes and folders
// live as exported JSON documents named exactly like their remote
// counterparts, so a store directory is a readable mirror of the synced
// namespace.
package localstore

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	syncerrors "github.com/feathernotes/feathersync/internal/errors"
	"github.com/feathernotes/feathersync/internal/notes"
)

const (
	// storeDirPerm is the permission mode for the store directory and the
	// folders subdirectory. Group and other get read+execute so the host
	// app can browse the documents.
	storeDirPerm = fs.FileMode(0o755)

	// storeFilePerm is the permission mode for note and folder documents.
	storeFilePerm = fs.FileMode(0o644)
)

// Sort orders accepted by GetAllNotes. Anything else falls back to
// SortByModified.
const (
	// SortByModified orders newest first.
	SortByModified = "modified"

	// SortByTitle orders case-insensitively by title, ties broken by id.
	SortByTitle = "title"

	// SortByID orders by ascending note id.
	SortByID = "id"
)

// Store provides thread-safe access to the note documents on disk. All
// writes are serialized by an exclusive lock; reads take a shared lock to
// avoid observing partial writes. The session, watcher, and host app all
// go through this type.
type Store struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// Open creates a Store rooted at the given directory, creating it and the
// folders subdirectory if they do not exist.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Join(dir, notes.FoldersDir), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
	}

	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// GetAllNotes returns snapshots of every readable note, filtered and
// ordered. searchQuery matches titles case-insensitively; filterTags keeps
// only notes carrying every given tag; sortBy is one of the Sort
// constants. Documents that fail to decode are logged and skipped so one
// corrupt file cannot hide the rest of the store.
func (s *Store) GetAllNotes(searchQuery, sortBy string, filterTags []string) ([]notes.NoteSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading store directory: %w", err)
	}

	query := strings.ToLower(norm.NFC.String(strings.TrimSpace(searchQuery)))
	tags := notes.NormalizeTags(filterTags)

	snaps := make([]notes.NoteSnapshot, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := notes.ParseNoteID(entry.Name())
		if !ok {
			continue
		}

		snap, err := s.loadSnapshot(id)
		if err != nil {
			s.logger.Warn("skipping unreadable note document",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()),
			)

			continue
		}

		if query != "" && !strings.Contains(strings.ToLower(norm.NFC.String(snap.Title)), query) {
			continue
		}
		if !hasAllTags(snap, tags) {
			continue
		}

		snaps = append(snaps, snap)
	}

	sortSnapshots(snaps, sortBy)

	return snaps, nil
}

// ExportNote reads a single note in its wire form.
func (s *Store) ExportNote(id int64) (*notes.ExportedNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readNote(id)
}

// ImportNote writes an exported note document into the store and returns
// its id. A payload id of zero mints the next free id; an existing id is
// overwritten in place. The embedded modified_at is written through
// untouched, so a note downloaded from the remote compares equal to its
// remote counterpart on the next pass. A zero modified_at is stamped with
// the current time.
func (s *Store) ImportNote(exported *notes.ExportedNote) (int64, error) {
	if exported == nil {
		return 0, fmt.Errorf("importing note: nil payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := *exported
	if doc.Note.ID <= 0 {
		id, err := s.nextNoteID()
		if err != nil {
			return 0, fmt.Errorf("importing note: %w", err)
		}

		doc.Note.ID = id
	}
	if doc.Note.ModifiedAt.IsZero() {
		doc.Note.ModifiedAt = time.Now().UTC()
	}

	if err := s.writeNote(&doc); err != nil {
		return 0, err
	}

	return doc.Note.ID, nil
}

// UpdateNoteTitle renames a note and bumps its modification time.
func (s *Store) UpdateNoteTitle(id int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readNote(id)
	if err != nil {
		return err
	}

	doc.Note.Title = title
	doc.Note.ModifiedAt = time.Now().UTC()

	return s.writeNote(doc)
}

// SetNoteTags replaces a note's tag set and bumps its modification time.
// Tags are normalized before writing.
func (s *Store) SetNoteTags(id int64, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readNote(id)
	if err != nil {
		return err
	}

	doc.Note.Tags = notes.NormalizeTags(tags)
	doc.Note.ModifiedAt = time.Now().UTC()

	return s.writeNote(doc)
}

// SaveCanvasData replaces a note's canvas payload and bumps its
// modification time. The payload must decode as a canvas document.
func (s *Store) SaveCanvasData(id int64, payload []byte) error {
	canvas, err := notes.DecodeCanvas(payload)
	if err != nil {
		return fmt.Errorf("saving canvas for note %d: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readNote(id)
	if err != nil {
		return err
	}

	doc.Canvas = canvas
	doc.Note.ModifiedAt = time.Now().UTC()

	return s.writeNote(doc)
}

// GetAllFolders returns snapshots of every readable folder document.
func (s *Store) GetAllFolders() ([]notes.FolderSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	foldersDir := filepath.Join(s.dir, notes.FoldersDir)

	entries, err := os.ReadDir(foldersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading folders directory: %w", err)
	}

	folders := make([]notes.FolderSnapshot, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := notes.ParseFolderID(entry.Name()); !ok {
			continue
		}

		data, err := os.ReadFile(filepath.Join(foldersDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading folder document %s: %w", entry.Name(), err)
		}

		exported, err := notes.DecodeFolder(data)
		if err != nil {
			s.logger.Warn("skipping unreadable folder document",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()),
			)

			continue
		}

		folders = append(folders, notes.FolderSnapshot{
			ID:         exported.Folder.ID,
			Name:       exported.Folder.Name,
			ParentID:   exported.Folder.ParentID,
			ModifiedAt: exported.Folder.ModifiedAt,
		})
	}

	sort.Slice(folders, func(i, j int) bool { return folders[i].ID < folders[j].ID })

	return folders, nil
}

// ImportFolder writes a folder document into the store. Folder ids are
// assigned by the host app, so unlike ImportNote a missing id is an
// error. The embedded modified_at is preserved.
func (s *Store) ImportFolder(exported *notes.ExportedFolder) error {
	if exported == nil {
		return fmt.Errorf("importing folder: nil payload")
	}
	if exported.Folder.ID <= 0 {
		return fmt.Errorf("importing folder: missing or invalid folder id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := *exported
	if doc.Folder.ModifiedAt.IsZero() {
		doc.Folder.ModifiedAt = time.Now().UTC()
	}

	data, err := notes.EncodeFolder(notes.FolderSnapshot{
		ID:         doc.Folder.ID,
		Name:       doc.Folder.Name,
		ParentID:   doc.Folder.ParentID,
		ModifiedAt: doc.Folder.ModifiedAt,
	})
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, notes.FoldersDir, notes.FolderFileName(doc.Folder.ID))
	if err := os.WriteFile(path, data, storeFilePerm); err != nil {
		return fmt.Errorf("writing folder %d: %w", doc.Folder.ID, err)
	}

	return nil
}

// readNote loads and decodes one note document. Callers hold the lock.
func (s *Store) readNote(id int64) (*notes.ExportedNote, error) {
	data, err := os.ReadFile(s.notePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("note %d: %w", id, syncerrors.ErrNotFound)
		}

		return nil, fmt.Errorf("reading note %d: %w", id, err)
	}

	exported, err := notes.DecodeNote(data)
	if err != nil {
		return nil, fmt.Errorf("note %d: %w", id, err)
	}

	return exported, nil
}

// writeNote encodes and writes one note document. Callers hold the lock.
func (s *Store) writeNote(doc *notes.ExportedNote) error {
	snap, err := doc.Snapshot()
	if err != nil {
		return err
	}

	data, err := notes.EncodeNote(snap)
	if err != nil {
		return err
	}

	if err := os.WriteFile(s.notePath(doc.Note.ID), data, storeFilePerm); err != nil {
		return fmt.Errorf("writing note %d: %w", doc.Note.ID, err)
	}

	return nil
}

func (s *Store) loadSnapshot(id int64) (notes.NoteSnapshot, error) {
	exported, err := s.readNote(id)
	if err != nil {
		return notes.NoteSnapshot{}, err
	}

	return exported.Snapshot()
}

// nextNoteID returns one past the highest note id on disk. Callers hold
// the lock.
func (s *Store) nextNoteID() (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading store directory: %w", err)
	}

	var maxID int64
	for _, entry := range entries {
		if id, ok := notes.ParseNoteID(entry.Name()); ok && id > maxID {
			maxID = id
		}
	}

	return maxID + 1, nil
}

func (s *Store) notePath(id int64) string {
	return filepath.Join(s.dir, notes.NoteFileName(id))
}

func hasAllTags(snap notes.NoteSnapshot, tags []string) bool {
	for _, tag := range tags {
		if !snap.HasTag(tag) {
			return false
		}
	}

	return true
}

func sortSnapshots(snaps []notes.NoteSnapshot, sortBy string) {
	switch sortBy {
	case SortByTitle:
		sort.SliceStable(snaps, func(i, j int) bool {
			ti, tj := strings.ToLower(snaps[i].Title), strings.ToLower(snaps[j].Title)
			if ti != tj {
				return ti < tj
			}

			return snaps[i].ID < snaps[j].ID
		})
	case SortByID:
		sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	default:
		sort.SliceStable(snaps, func(i, j int) bool {
			if !snaps[i].ModifiedAt.Equal(snaps[j].ModifiedAt) {
				return snaps[i].ModifiedAt.After(snaps[j].ModifiedAt)
			}

			return snaps[i].ID < snaps[j].ID
		})
	}
}
