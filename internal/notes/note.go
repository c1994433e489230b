// Package notes defines the typed data model exchanged between the local
// note store and the sync engine, plus the remote naming convention.
package notes

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Remote namespace layout. Every backend stores note files under BasePath
// and folder metadata under BasePath/folders.
const (
	// BasePath is the app-reserved directory on the remote backend.
	BasePath = "/feather_notes"

	// FoldersDir is the subdirectory holding folder metadata files.
	FoldersDir = "folders"

	notePrefix   = "note_"
	folderPrefix = "folder_"
	fileSuffix   = ".json"
)

// NoteSnapshot is the read-only view of a local note handed to the sync
// engine. The canvas payload stays opaque; the engine never inspects
// stroke data.
type NoteSnapshot struct {
	ModifiedAt    time.Time
	Title         string
	Tags          []string
	CanvasPayload []byte
	ID            int64
}

// FolderSnapshot is the read-only view of a local folder. ParentID zero
// means the folder sits at the root.
type FolderSnapshot struct {
	ModifiedAt time.Time
	Name       string
	ID         int64
	ParentID   int64
}

// NoteFileName returns the backend-independent file name for a note id.
func NoteFileName(id int64) string {
	return notePrefix + strconv.FormatInt(id, 10) + fileSuffix
}

// NotePath returns the full remote path for a note id.
func NotePath(id int64) string {
	return BasePath + "/" + NoteFileName(id)
}

// FolderFileName returns the backend-independent file name for a folder id.
func FolderFileName(id int64) string {
	return folderPrefix + strconv.FormatInt(id, 10) + fileSuffix
}

// FolderPath returns the full remote path for a folder id.
func FolderPath(id int64) string {
	return BasePath + "/" + FoldersDir + "/" + FolderFileName(id)
}

// ParseNoteID extracts the note id from a remote path or bare file name.
// The second return is false when the name does not follow the
// note_<id>.json convention.
func ParseNoteID(remotePath string) (int64, bool) {
	return parseID(remotePath, notePrefix)
}

// ParseFolderID extracts the folder id from a remote path or bare file name.
func ParseFolderID(remotePath string) (int64, bool) {
	return parseID(remotePath, folderPrefix)
}

func parseID(remotePath, prefix string) (int64, bool) {
	name := path.Base(remotePath)
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, fileSuffix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// NormalizeTags canonicalizes a tag list into set form: NFC-normalized,
// trimmed, empties dropped, duplicates removed, sorted.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := norm.NFC.String(strings.TrimSpace(tag))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HasTag reports whether the snapshot carries the given tag after
// normalization.
func (s NoteSnapshot) HasTag(tag string) bool {
	want := norm.NFC.String(strings.TrimSpace(tag))
	for _, t := range s.Tags {
		if t == want {
			return true
		}
	}
	return false
}

func (s NoteSnapshot) String() string {
	return fmt.Sprintf("note %d %q (modified %s)", s.ID, s.Title, s.ModifiedAt.Format(time.RFC3339))
}
