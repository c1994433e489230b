// Package drive syncs notes into an application folder on Google Drive.
// Drive has no real paths, so the adapter keeps a name-to-id index and
// translates between canonical note paths and file ids; the rest of the
// engine only ever sees canonical paths.
package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	syncerrors "github.com/feathernotes/feathersync/internal/errors"
	"github.com/feathernotes/feathersync/internal/notes"
	"github.com/feathernotes/feathersync/internal/provider"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	noteMimeType   = "application/json"

	// callTimeout bounds each remote operation.
	callTimeout = 30 * time.Second

	// listPageSize keeps listing round trips low; a note corpus rarely
	// needs a second page.
	listPageSize = 1000
)

// Adapter is the Google Drive implementation of provider.Adapter.
type Adapter struct {
	cfg        provider.Config
	svc        *drive.Service
	injected   bool
	configured bool
	logger     *slog.Logger
	timeout    time.Duration

	rootID    string
	foldersID string
	ids       map[string]string
}

var _ provider.Adapter = (*Adapter)(nil)

func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{logger: logger, ids: make(map[string]string), timeout: callTimeout}
}

// NewWithService wires an existing Drive client, bypassing the OAuth
// construction. Tests point this at a local server.
func NewWithService(svc *drive.Service, logger *slog.Logger) *Adapter {
	a := New(logger)
	a.svc = svc
	a.injected = true

	return a
}

func (a *Adapter) ID() string {
	return provider.ProviderDrive
}

func (a *Adapter) Configure(cfg provider.Config) error {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return errors.New("drive: client id, client secret and refresh token are required")
	}

	a.cfg = cfg
	a.configured = true
	a.rootID = ""
	a.foldersID = ""
	a.ids = make(map[string]string)

	return nil
}

func (a *Adapter) IsConfigured() bool {
	return a.configured
}

func (a *Adapter) Disconnect() {
	a.cfg = provider.Config{}
	a.configured = false
	if !a.injected {
		a.svc = nil
	}
	a.rootID = ""
	a.foldersID = ""
	a.ids = make(map[string]string)
}

// service builds the Drive client on first use. Configure cannot: client
// construction wants a context, and the refresh token flow should not
// start until something actually talks to the API.
func (a *Adapter) service(ctx context.Context) (*drive.Service, error) {
	if !a.configured {
		return nil, syncerrors.ErrNotConfigured
	}
	if a.svc != nil {
		return a.svc, nil
	}

	oc := &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}

	// The token source refreshes for the life of the configuration,
	// well past this call's deadline.
	ts := oc.TokenSource(context.Background(), &oauth2.Token{RefreshToken: a.cfg.RefreshToken})

	svc, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("creating drive client: %w", err)
	}
	a.svc = svc

	return svc, nil
}

// bound caps one remote operation at the per-call timeout. A caller's
// own deadline still applies; this only tightens it.
func (a *Adapter) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	svc, err := a.service(ctx)
	if err != nil {
		return err
	}

	if _, err := svc.About.Get().Fields("user").Context(ctx).Do(); err != nil {
		return driveError("about", "/", err)
	}

	return nil
}

// ensureTree resolves or creates the application folder and its folders
// subfolder, caching both ids for the life of the configuration.
func (a *Adapter) ensureTree(ctx context.Context) error {
	svc, err := a.service(ctx)
	if err != nil {
		return err
	}
	if a.rootID != "" && a.foldersID != "" {
		return nil
	}

	rootID, err := a.findOrCreateFolder(ctx, svc, path.Base(notes.BasePath), "root")
	if err != nil {
		return err
	}

	foldersID, err := a.findOrCreateFolder(ctx, svc, notes.FoldersDir, rootID)
	if err != nil {
		return err
	}

	a.rootID, a.foldersID = rootID, foldersID

	return nil
}

func (a *Adapter) findOrCreateFolder(ctx context.Context, svc *drive.Service, name, parentID string) (string, error) {
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and '%s' in parents and trashed = false",
		name, folderMimeType, parentID)

	list, err := svc.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", driveError("list", name, err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	created, err := svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", driveError("mkdir", name, err)
	}

	return created.Id, nil
}

func (a *Adapter) List(ctx context.Context) (map[string]provider.RemoteEntry, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if err := a.ensureTree(ctx); err != nil {
		return nil, err
	}

	return a.listParent(ctx, a.rootID, notes.BasePath)
}

func (a *Adapter) ListFolders(ctx context.Context) (map[string]provider.RemoteEntry, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if err := a.ensureTree(ctx); err != nil {
		return nil, err
	}

	return a.listParent(ctx, a.foldersID, path.Join(notes.BasePath, notes.FoldersDir))
}

func (a *Adapter) listParent(ctx context.Context, parentID, canonicalDir string) (map[string]provider.RemoteEntry, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false and mimeType != '%s'", parentID, folderMimeType)
	out := make(map[string]provider.RemoteEntry)

	var pageToken string
	for {
		call := a.svc.Files.List().
			Q(q).
			Fields("nextPageToken, files(id, name, size, modifiedTime)").
			PageSize(listPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		list, err := call.Do()
		if err != nil {
			return nil, driveError("list", canonicalDir, err)
		}

		for _, f := range list.Files {
			canonical := path.Join(canonicalDir, f.Name)
			a.ids[canonical] = f.Id

			var modified time.Time
			if ts, perr := time.Parse(time.RFC3339, f.ModifiedTime); perr == nil {
				modified = ts.UTC()
			}

			out[canonical] = provider.RemoteEntry{
				Path:       canonical,
				ModifiedAt: modified,
				Size:       f.Size,
			}
		}

		pageToken = list.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}

func (a *Adapter) Upload(ctx context.Context, noteID int64, payload []byte) (string, error) {
	return a.upload(ctx, notes.NotePath(noteID), payload)
}

func (a *Adapter) UploadFolder(ctx context.Context, folderID int64, payload []byte) (string, error) {
	return a.upload(ctx, notes.FolderPath(folderID), payload)
}

func (a *Adapter) upload(ctx context.Context, canonical string, payload []byte) (string, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if err := a.ensureTree(ctx); err != nil {
		return "", err
	}

	fileID, err := a.fileID(ctx, canonical)
	if err != nil {
		return "", err
	}

	if fileID == "" {
		created, err := a.svc.Files.Create(&drive.File{
			Name:     path.Base(canonical),
			MimeType: noteMimeType,
			Parents:  []string{a.parentFor(canonical)},
		}).Media(bytes.NewReader(payload)).Fields("id").Context(ctx).Do()
		if err != nil {
			return "", driveError("upload", canonical, err)
		}
		a.ids[canonical] = created.Id

		return canonical, nil
	}

	if _, err := a.svc.Files.Update(fileID, &drive.File{}).Media(bytes.NewReader(payload)).Context(ctx).Do(); err != nil {
		return "", driveError("upload", canonical, err)
	}

	return canonical, nil
}

func (a *Adapter) Download(ctx context.Context, remotePath string) ([]byte, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if err := a.ensureTree(ctx); err != nil {
		return nil, err
	}

	fileID, err := a.fileID(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	if fileID == "" {
		return nil, nil
	}

	resp, err := a.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}

		return nil, driveError("download", remotePath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", remotePath, err)
	}

	return data, nil
}

func (a *Adapter) Delete(ctx context.Context, remotePath string) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if err := a.ensureTree(ctx); err != nil {
		return err
	}

	fileID, err := a.fileID(ctx, remotePath)
	if err != nil {
		return err
	}
	if fileID == "" {
		return nil
	}

	if err := a.svc.Files.Delete(fileID).Context(ctx).Do(); err != nil && !isNotFound(err) {
		return driveError("delete", remotePath, err)
	}
	delete(a.ids, remotePath)

	return nil
}

func (a *Adapter) LastModified(ctx context.Context, remotePath string) (time.Time, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if err := a.ensureTree(ctx); err != nil {
		return time.Time{}, err
	}

	fileID, err := a.fileID(ctx, remotePath)
	if err != nil {
		return time.Time{}, err
	}
	if fileID == "" {
		return time.Time{}, syncerrors.ErrNotFound
	}

	f, err := a.svc.Files.Get(fileID).Fields("modifiedTime").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return time.Time{}, syncerrors.ErrNotFound
		}

		return time.Time{}, driveError("stat", remotePath, err)
	}

	modified, err := time.Parse(time.RFC3339, f.ModifiedTime)
	if err != nil {
		return time.Time{}, syncerrors.Protocol("stat", remotePath, fmt.Errorf("bad modifiedTime %q", f.ModifiedTime))
	}

	return modified.UTC(), nil
}

func (a *Adapter) SyncAll(ctx context.Context, locals []notes.NoteSnapshot, folders []notes.FolderSnapshot) (*provider.SyncResult, error) {
	return provider.RunSync(ctx, a, locals, folders, a.logger)
}

// fileID resolves a canonical path to a Drive file id, preferring the
// index the last listing built and falling back to a name query.
func (a *Adapter) fileID(ctx context.Context, canonical string) (string, error) {
	if id, ok := a.ids[canonical]; ok {
		return id, nil
	}

	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false",
		path.Base(canonical), a.parentFor(canonical))

	list, err := a.svc.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", driveError("list", canonical, err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	a.ids[canonical] = list.Files[0].Id

	return list.Files[0].Id, nil
}

func (a *Adapter) parentFor(canonical string) string {
	if strings.HasPrefix(canonical, path.Join(notes.BasePath, notes.FoldersDir)+"/") {
		return a.foldersID
	}

	return a.rootID
}

func isNotFound(err error) bool {
	var ge *googleapi.Error

	return errors.As(err, &ge) && ge.Code == http.StatusNotFound
}

// driveError classifies an API failure the same way the WebDAV adapter
// does: anything with an HTTP status is a protocol problem with that one
// entry, the rest bubbles up raw as unreachable.
func driveError(op, p string, err error) error {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return syncerrors.ProtocolStatus(op, p, ge.Code)
	}

	return fmt.Errorf("%s %s: %w", op, p, err)
}
