package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/feathernotes/feathersync/internal/errors"
	"github.com/feathernotes/feathersync/internal/notes"
)

// fakeAdapter is an in-memory backend. Listings mimic a real server:
// everything directly under the base path shows up in List, and uploads
// get a fresh server-side timestamp the way a PUT does.
type fakeAdapter struct {
	configured bool

	files  map[string][]byte
	mtimes map[string]time.Time

	listErr      error
	downloadErrs map[string]error
	uploadErr    error

	uploadedPaths []string
}

var _ Adapter = (*fakeAdapter)(nil)

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		configured:   true,
		files:        make(map[string][]byte),
		mtimes:       make(map[string]time.Time),
		downloadErrs: make(map[string]error),
	}
}

func (f *fakeAdapter) ID() string { return "fake" }

func (f *fakeAdapter) Configure(cfg Config) error {
	f.configured = true
	return nil
}

func (f *fakeAdapter) IsConfigured() bool { return f.configured }

func (f *fakeAdapter) TestConnection(ctx context.Context) error { return nil }

func (f *fakeAdapter) Disconnect() { f.configured = false }

func (f *fakeAdapter) listDir(dir string) map[string]RemoteEntry {
	out := make(map[string]RemoteEntry)
	for p, data := range f.files {
		if path.Dir(p) != dir {
			continue
		}
		out[p] = RemoteEntry{Path: p, ModifiedAt: f.mtimes[p], Size: int64(len(data))}
	}
	return out
}

func (f *fakeAdapter) List(ctx context.Context) (map[string]RemoteEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listDir(notes.BasePath), nil
}

func (f *fakeAdapter) ListFolders(ctx context.Context) (map[string]RemoteEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listDir(notes.BasePath + "/" + notes.FoldersDir), nil
}

func (f *fakeAdapter) put(p string, payload []byte) {
	f.files[p] = append([]byte(nil), payload...)
	f.mtimes[p] = time.Now().UTC()
	f.uploadedPaths = append(f.uploadedPaths, p)
}

func (f *fakeAdapter) Upload(ctx context.Context, noteID int64, payload []byte) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	p := notes.NotePath(noteID)
	f.put(p, payload)
	return p, nil
}

func (f *fakeAdapter) UploadFolder(ctx context.Context, folderID int64, payload []byte) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	p := notes.FolderPath(folderID)
	f.put(p, payload)
	return p, nil
}

func (f *fakeAdapter) Download(ctx context.Context, remotePath string) ([]byte, error) {
	if err, ok := f.downloadErrs[remotePath]; ok {
		return nil, err
	}
	data, ok := f.files[remotePath]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeAdapter) Delete(ctx context.Context, remotePath string) error {
	delete(f.files, remotePath)
	delete(f.mtimes, remotePath)
	return nil
}

func (f *fakeAdapter) LastModified(ctx context.Context, remotePath string) (time.Time, error) {
	return f.mtimes[remotePath], nil
}

func (f *fakeAdapter) SyncAll(ctx context.Context, locals []notes.NoteSnapshot, folders []notes.FolderSnapshot) (*SyncResult, error) {
	return RunSync(ctx, f, locals, folders, discardLogger())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func snap(id int64, modified time.Time, title string) notes.NoteSnapshot {
	return notes.NoteSnapshot{ID: id, Title: title, ModifiedAt: modified, Tags: []string{"tag"}}
}

func seedRemoteNote(t *testing.T, f *fakeAdapter, id int64, modified time.Time, title string) {
	t.Helper()
	payload, err := notes.EncodeNote(snap(id, modified, title))
	require.NoError(t, err)
	f.files[notes.NotePath(id)] = payload
	f.mtimes[notes.NotePath(id)] = modified
}

func seedRemoteFolder(t *testing.T, f *fakeAdapter, id int64, modified time.Time, name string) {
	t.Helper()
	payload, err := notes.EncodeFolder(notes.FolderSnapshot{ID: id, Name: name, ModifiedAt: modified})
	require.NoError(t, err)
	f.files[notes.FolderPath(id)] = payload
	f.mtimes[notes.FolderPath(id)] = modified
}

func runSync(t *testing.T, f *fakeAdapter, locals []notes.NoteSnapshot, folders []notes.FolderSnapshot) *SyncResult {
	t.Helper()
	result, err := RunSync(context.Background(), f, locals, folders, discardLogger())
	require.NoError(t, err)
	return result
}

// --- upload side ---

func TestRunSync_UploadsNotesWithNoRemoteCounterpart(t *testing.T) {
	f := newFakeAdapter()
	locals := []notes.NoteSnapshot{
		snap(1, ts(100), "one"),
		snap(2, ts(200), "two"),
		snap(3, ts(300), "three"),
	}

	result := runSync(t, f, locals, nil)

	assert.Equal(t, 3, result.Uploaded)
	assert.Equal(t, 0, result.Downloaded)
	assert.Empty(t, result.Conflicts)
	assert.Empty(t, result.Applies)
	assert.Contains(t, f.files, "/feather_notes/note_1.json")
	assert.Contains(t, f.files, "/feather_notes/note_2.json")
	assert.Contains(t, f.files, "/feather_notes/note_3.json")
}

func TestRunSync_UploadTargetsCanonicalPath(t *testing.T) {
	f := newFakeAdapter()

	result := runSync(t, f, []notes.NoteSnapshot{snap(7, ts(100), "seven")}, nil)

	assert.Equal(t, 1, result.Uploaded)
	require.Contains(t, f.files, "/feather_notes/note_7.json")

	exported, err := notes.DecodeNote(f.files["/feather_notes/note_7.json"])
	require.NoError(t, err)
	assert.Equal(t, int64(7), exported.Note.ID)
	assert.Equal(t, "seven", exported.Note.Title)
}

func TestRunSync_LocalNewerOverwritesRemote(t *testing.T) {
	f := newFakeAdapter()
	seedRemoteNote(t, f, 5, ts(100), "stale remote")

	result := runSync(t, f, []notes.NoteSnapshot{snap(5, ts(900), "fresh local")}, nil)

	assert.Equal(t, 1, result.Uploaded)
	exported, err := notes.DecodeNote(f.files[notes.NotePath(5)])
	require.NoError(t, err)
	assert.Equal(t, "fresh local", exported.Note.Title)
}

func TestRunSync_UnknownRemoteTimestampUploads(t *testing.T) {
	f := newFakeAdapter()
	seedRemoteNote(t, f, 5, ts(100), "remote")
	f.mtimes[notes.NotePath(5)] = time.Time{}

	result := runSync(t, f, []notes.NoteSnapshot{snap(5, ts(50), "local")}, nil)

	assert.Equal(t, 1, result.Uploaded)
	assert.Empty(t, result.Conflicts)
}

// --- conflicts ---

func TestRunSync_RemoteNewerProducesConflict(t *testing.T) {
	f := newFakeAdapter()
	seedRemoteNote(t, f, 9, ts(200), "remote edit")
	remoteBefore := append([]byte(nil), f.files[notes.NotePath(9)]...)

	result := runSync(t, f, []notes.NoteSnapshot{snap(9, ts(100), "local edit")}, nil)

	assert.Equal(t, 0, result.Uploaded)
	assert.Equal(t, 0, result.Downloaded)
	assert.Empty(t, result.Applies, "a conflicted note must not produce apply instructions")
	require.Len(t, result.Conflicts, 1)

	c := result.Conflicts[0]
	assert.Equal(t, int64(9), c.NoteID)
	assert.Equal(t, "local edit", c.Title)
	assert.True(t, c.LocalModified.Equal(ts(100)))
	assert.True(t, c.RemoteModified.Equal(ts(200)))

	// Neither side was overwritten.
	assert.Equal(t, remoteBefore, f.files[notes.NotePath(9)])
}

func TestRunSync_ConflictCarriesRemotePayload(t *testing.T) {
	f := newFakeAdapter()
	seedRemoteNote(t, f, 9, ts(200), "remote edit")

	result := runSync(t, f, []notes.NoteSnapshot{snap(9, ts(100), "local edit")}, nil)

	require.Len(t, result.Conflicts, 1)
	exported, err := notes.DecodeNote(result.Conflicts[0].RemotePayload)
	require.NoError(t, err)
	assert.Equal(t, "remote edit", exported.Note.Title)
}

func TestRunSync_StalePutTimestampIsNotAConflict(t *testing.T) {
	// The listing timestamp is the PUT time and may trail arbitrarily far
	// behind the note's own modification time. When the payload's embedded
	// timestamp shows no divergence, the note is converged.
	f := newFakeAdapter()
	seedRemoteNote(t, f, 4, ts(100), "same content")
	f.mtimes[notes.NotePath(4)] = ts(5000)

	result := runSync(t, f, []notes.NoteSnapshot{snap(4, ts(100), "same content")}, nil)

	assert.Empty(t, result.Conflicts)
	assert.Equal(t, 0, result.Uploaded)
	assert.Equal(t, 0, result.Downloaded)
}

// --- download side ---

func TestRunSync_RemoteOnlyNoteBecomesCreate(t *testing.T) {
	f := newFakeAdapter()
	seedRemoteNote(t, f, 42, ts(500), "from another device")

	result := runSync(t, f, nil, nil)

	assert.Equal(t, 1, result.Downloaded)
	require.Len(t, result.Applies, 1)

	create, ok := result.Applies[0].(ApplyCreate)
	require.True(t, ok)
	assert.Equal(t, int64(42), create.Note.Note.ID)
	assert.Equal(t, "from another device", create.Note.Note.Title)
}

func TestRunSync_OneCreatePerRemoteEntry(t *testing.T) {
	f := newFakeAdapter()
	seedRemoteNote(t, f, 10, ts(100), "a")
	seedRemoteNote(t, f, 11, ts(110), "b")
	seedRemoteNote(t, f, 12, ts(120), "c")

	result := runSync(t, f, nil, nil)

	assert.Equal(t, 3, result.Downloaded)
	assert.Len(t, result.Applies, 3)
}

func TestRunSync_ZeroLocalTimestampSelfHeals(t *testing.T) {
	f := newFakeAdapter()
	seedRemoteNote(t, f, 3, ts(300), "remote truth")

	result := runSync(t, f, []notes.NoteSnapshot{snap(3, time.Time{}, "corrupt local")}, nil)

	assert.Empty(t, result.Conflicts)
	assert.Equal(t, 1, result.Downloaded)
	require.Len(t, result.Applies, 1)

	update, ok := result.Applies[0].(ApplyUpdate)
	require.True(t, ok)
	assert.Equal(t, int64(3), update.NoteID)
	assert.Equal(t, "remote truth", update.Note.Note.Title)
}

func TestRunSync_EqualTimestampsConverged(t *testing.T) {
	f := newFakeAdapter()
	seedRemoteNote(t, f, 5, ts(100), "same")
	// Any fetch would abort the pass, proving convergence needs no I/O.
	f.downloadErrs[notes.NotePath(5)] = errors.New("unexpected download")

	result := runSync(t, f, []notes.NoteSnapshot{snap(5, ts(100), "same")}, nil)

	assert.Equal(t, 0, result.Uploaded)
	assert.Equal(t, 0, result.Downloaded)
	assert.Empty(t, result.Conflicts)
}

// --- idempotence ---

func TestRunSync_SecondPassIsNoOp(t *testing.T) {
	f := newFakeAdapter()
	locals := []notes.NoteSnapshot{
		snap(1, ts(100), "one"),
		snap(2, ts(200), "two"),
	}
	folders := []notes.FolderSnapshot{
		{ID: 1, Name: "Inbox", ModifiedAt: ts(50)},
	}

	first := runSync(t, f, locals, folders)
	assert.Equal(t, 2, first.Uploaded)
	assert.Equal(t, 1, first.FolderUploads)

	second := runSync(t, f, locals, folders)
	assert.Equal(t, 0, second.Uploaded)
	assert.Equal(t, 0, second.Downloaded)
	assert.Equal(t, 0, second.FolderUploads)
	assert.Equal(t, 0, second.FolderDownloads)
	assert.Empty(t, second.Conflicts)
	assert.Empty(t, second.Applies)
}

// --- failure policy ---

func TestRunSync_ProtocolFailureSkipsEntry(t *testing.T) {
	f := newFakeAdapter()
	seedRemoteNote(t, f, 2, ts(999), "conflicting")
	f.downloadErrs[notes.NotePath(2)] = syncerrors.ProtocolStatus("download", notes.NotePath(2), 500)

	locals := []notes.NoteSnapshot{
		snap(1, ts(100), "fine"),
		snap(2, ts(100), "broken remote"),
	}

	result := runSync(t, f, locals, nil)

	assert.Equal(t, 1, result.Uploaded, "healthy note still syncs")
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, result.Conflicts)
}

func TestRunSync_TransportFailureAbortsPass(t *testing.T) {
	f := newFakeAdapter()
	seedRemoteNote(t, f, 2, ts(999), "conflicting")
	f.downloadErrs[notes.NotePath(2)] = errors.New("connection reset by peer")

	_, err := RunSync(context.Background(), f,
		[]notes.NoteSnapshot{snap(2, ts(100), "local")}, nil, discardLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRunSync_ListFailureAbortsPass(t *testing.T) {
	f := newFakeAdapter()
	f.listErr = errors.New("dial tcp: no route to host")

	_, err := RunSync(context.Background(), f, nil, nil, discardLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing remote folders")
}

func TestRunSync_NotConfigured(t *testing.T) {
	f := newFakeAdapter()
	f.configured = false

	_, err := RunSync(context.Background(), f, nil, nil, discardLogger())

	assert.ErrorIs(t, err, syncerrors.ErrNotConfigured)
}

// --- hostile remote content ---

func TestRunSync_IgnoresForeignFilesInNamespace(t *testing.T) {
	f := newFakeAdapter()
	f.files["/feather_notes/readme.txt"] = []byte("hands off")
	f.mtimes["/feather_notes/readme.txt"] = ts(100)

	result := runSync(t, f, nil, nil)

	assert.Equal(t, 0, result.Downloaded)
	assert.Empty(t, result.Applies)
}

func TestRunSync_UndecodableRemotePayloadSkipped(t *testing.T) {
	f := newFakeAdapter()
	f.files[notes.NotePath(6)] = []byte(`{"note": broken`)
	f.mtimes[notes.NotePath(6)] = ts(100)

	result := runSync(t, f, nil, nil)

	assert.Equal(t, 0, result.Downloaded)
	assert.Equal(t, 1, result.Skipped)
}

func TestRunSync_MismatchedPayloadIDSkipped(t *testing.T) {
	f := newFakeAdapter()
	payload, err := notes.EncodeNote(snap(9, ts(100), "lying payload"))
	require.NoError(t, err)
	f.files[notes.NotePath(8)] = payload
	f.mtimes[notes.NotePath(8)] = ts(100)

	result := runSync(t, f, nil, nil)

	assert.Equal(t, 0, result.Downloaded)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, result.Applies)
}

func TestRunSync_PayloadWithoutIDSkipped(t *testing.T) {
	f := newFakeAdapter()
	f.files[notes.NotePath(6)] = []byte(`{"note":{"title":"untagged"}}`)
	f.mtimes[notes.NotePath(6)] = ts(100)

	result := runSync(t, f, nil, nil)

	assert.Equal(t, 0, result.Downloaded)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, result.Applies)
}

// --- folder pass ---

func TestRunSync_UploadsLocalFolders(t *testing.T) {
	f := newFakeAdapter()
	folders := []notes.FolderSnapshot{
		{ID: 1, Name: "Inbox", ModifiedAt: ts(100)},
		{ID: 2, Name: "Archive", ParentID: 1, ModifiedAt: ts(100)},
	}

	result := runSync(t, f, nil, folders)

	assert.Equal(t, 2, result.FolderUploads)
	assert.Contains(t, f.files, "/feather_notes/folders/folder_1.json")
	assert.Contains(t, f.files, "/feather_notes/folders/folder_2.json")
}

func TestRunSync_RemoteOnlyFolderBecomesCreate(t *testing.T) {
	f := newFakeAdapter()
	seedRemoteFolder(t, f, 3, ts(100), "Travel")

	result := runSync(t, f, nil, nil)

	assert.Equal(t, 1, result.FolderDownloads)
	require.Len(t, result.Applies, 1)

	create, ok := result.Applies[0].(ApplyFolderCreate)
	require.True(t, ok)
	assert.Equal(t, "Travel", create.Folder.Folder.Name)
}

func TestRunSync_FolderConflictResolvesRemoteWins(t *testing.T) {
	f := newFakeAdapter()
	seedRemoteFolder(t, f, 3, ts(200), "Renamed remotely")

	result := runSync(t, f, nil, []notes.FolderSnapshot{
		{ID: 3, Name: "Old name", ModifiedAt: ts(100)},
	})

	assert.Empty(t, result.Conflicts, "folder divergence never surfaces as a conflict")
	assert.Equal(t, 1, result.FolderDownloads)
	require.Len(t, result.Applies, 1)

	update, ok := result.Applies[0].(ApplyFolderUpdate)
	require.True(t, ok)
	assert.Equal(t, int64(3), update.FolderID)
	assert.Equal(t, "Renamed remotely", update.Folder.Folder.Name)
}

func TestRunSync_FoldersSyncBeforeNotes(t *testing.T) {
	f := newFakeAdapter()

	runSync(t, f,
		[]notes.NoteSnapshot{snap(1, ts(100), "n")},
		[]notes.FolderSnapshot{{ID: 1, Name: "F", ModifiedAt: ts(100)}})

	require.Len(t, f.uploadedPaths, 2)
	assert.Equal(t, "/feather_notes/folders/folder_1.json", f.uploadedPaths[0])
	assert.Equal(t, "/feather_notes/note_1.json", f.uploadedPaths[1])
}
