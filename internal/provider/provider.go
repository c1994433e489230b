// Package provider defines the remote-store capability interface, the
// reconciliation engine shared by every backend, and the types flowing
// between the sync engine and its callers.
package provider

import (
	"context"
	"time"

	"github.com/feathernotes/feathersync/internal/notes"
)

// Known provider ids.
const (
	ProviderWebDAV = "webdav"
	ProviderDrive  = "drive"
)

// Config carries everything an adapter needs to reach its backend. The
// secret half is tagged out of JSON serialization so persisted settings
// can never contain credentials; the credential store seals and stores
// secrets separately.
type Config struct {
	ServerURL string `json:"server_url,omitempty"`
	Username  string `json:"username,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	BasePath  string `json:"base_path,omitempty"`

	Password     string `json:"-"`
	ClientSecret string `json:"-"`
	RefreshToken string `json:"-"`
}

// RemoteEntry describes one remote note or folder file from a listing.
// Entries are ephemeral and rebuilt on every sync pass.
type RemoteEntry struct {
	Path       string
	ModifiedAt time.Time // zero when the backend reported no timestamp
	Size       int64     // -1 when unknown
}

// SyncConflict records a note modified on both sides since the last
// converged state. Resolution never happens inside the engine.
type SyncConflict struct {
	NoteID         int64
	Title          string
	Local          notes.NoteSnapshot
	RemotePayload  []byte
	LocalModified  time.Time
	RemoteModified time.Time
}

// ApplyInstruction is a mutation command returned by SyncAll. The caller
// executes the batch against the local store; the engine itself never
// writes local data.
type ApplyInstruction interface {
	applyInstruction()
}

// ApplyCreate imports a remote note that has no local counterpart.
type ApplyCreate struct {
	Note notes.ExportedNote
}

// ApplyUpdate replaces a local note's content with the remote version.
type ApplyUpdate struct {
	Note   notes.ExportedNote
	NoteID int64
}

// ApplyFolderCreate imports a remote folder with no local counterpart.
type ApplyFolderCreate struct {
	Folder notes.ExportedFolder
}

// ApplyFolderUpdate replaces local folder metadata with the remote version.
type ApplyFolderUpdate struct {
	Folder   notes.ExportedFolder
	FolderID int64
}

func (ApplyCreate) applyInstruction()       {}
func (ApplyUpdate) applyInstruction()       {}
func (ApplyFolderCreate) applyInstruction() {}
func (ApplyFolderUpdate) applyInstruction() {}

// SyncResult summarizes one reconciliation pass.
type SyncResult struct {
	Uploaded        int
	Downloaded      int
	FolderUploads   int
	FolderDownloads int
	Skipped         int
	Conflicts       []SyncConflict
	Applies         []ApplyInstruction
}

// Adapter is the capability set every backend implements. Configure never
// performs network I/O; TestConnection is the single cheap authenticated
// round-trip. List treats a missing namespace as an empty result so the
// first sync against a fresh account works.
type Adapter interface {
	// ID returns the provider id ("webdav", "drive").
	ID() string

	// Configure stores credentials and connection settings.
	Configure(cfg Config) error

	// IsConfigured reports whether all backend-mandatory fields are present.
	IsConfigured() bool

	// TestConnection performs one authenticated round-trip.
	TestConnection(ctx context.Context) error

	// List returns all note entries keyed by canonical remote path.
	List(ctx context.Context) (map[string]RemoteEntry, error)

	// ListFolders returns all folder metadata entries keyed by canonical
	// remote path.
	ListFolders(ctx context.Context) (map[string]RemoteEntry, error)

	// Upload creates or replaces a note file, returning its canonical path.
	Upload(ctx context.Context, noteID int64, payload []byte) (string, error)

	// UploadFolder creates or replaces a folder metadata file.
	UploadFolder(ctx context.Context, folderID int64, payload []byte) (string, error)

	// Download returns the payload at the canonical path, or nil when the
	// file does not exist.
	Download(ctx context.Context, remotePath string) ([]byte, error)

	// Delete removes a remote file. Deleting a missing file is success.
	Delete(ctx context.Context, remotePath string) error

	// LastModified probes a single entry's modification time.
	LastModified(ctx context.Context, remotePath string) (time.Time, error)

	// SyncAll runs the shared reconciliation pass over the given snapshots.
	SyncAll(ctx context.Context, locals []notes.NoteSnapshot, folders []notes.FolderSnapshot) (*SyncResult, error)

	// Disconnect drops in-memory credentials and session state.
	Disconnect()
}
