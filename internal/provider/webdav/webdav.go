// Package webdav syncs notes against any RFC 4918 server. Paths exposed
// to the rest of the engine are always canonical note paths; the
// configured base path only decides where the tree roots on the server.
package webdav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	syncerrors "github.com/feathernotes/feathersync/internal/errors"
	"github.com/feathernotes/feathersync/internal/notes"
	"github.com/feathernotes/feathersync/internal/provider"
)

const (
	// callTimeout bounds every round trip to the server.
	callTimeout = 30 * time.Second

	// Mode bits are advisory; WebDAV servers ignore them.
	remoteDirPerm  = 0o755
	remoteFilePerm = 0o644
)

// Adapter is the WebDAV implementation of provider.Adapter.
type Adapter struct {
	client    *gowebdav.Client
	basePath  string
	treeReady bool
	logger    *slog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{logger: logger}
}

func (a *Adapter) ID() string {
	return provider.ProviderWebDAV
}

// Configure validates cfg and builds the client. The server is not
// contacted until TestConnection or the first sync call.
func (a *Adapter) Configure(cfg provider.Config) error {
	if cfg.ServerURL == "" || cfg.Username == "" || cfg.Password == "" {
		return errors.New("webdav: server url, username and password are required")
	}

	base := cfg.BasePath
	if base == "" {
		base = notes.BasePath
	}

	client := gowebdav.NewClient(strings.TrimRight(cfg.ServerURL, "/"), cfg.Username, cfg.Password)
	client.SetTimeout(callTimeout)

	a.client = client
	a.basePath = path.Clean("/" + strings.Trim(base, "/"))
	a.treeReady = false

	return nil
}

func (a *Adapter) IsConfigured() bool {
	return a.client != nil
}

// TestConnection verifies the server speaks WebDAV and accepts the
// credentials. A missing note tree is fine; the first upload creates it.
func (a *Adapter) TestConnection(ctx context.Context) error {
	if err := a.ready(ctx); err != nil {
		return err
	}

	if err := a.client.Connect(); err != nil {
		return davError("connect", "/", err)
	}

	if _, err := a.client.Stat(a.basePath); err != nil && !gowebdav.IsErrNotFound(err) {
		return davError("stat", a.basePath, err)
	}

	return nil
}

func (a *Adapter) List(ctx context.Context) (map[string]provider.RemoteEntry, error) {
	return a.listDir(ctx, notes.BasePath)
}

func (a *Adapter) ListFolders(ctx context.Context) (map[string]provider.RemoteEntry, error) {
	return a.listDir(ctx, path.Join(notes.BasePath, notes.FoldersDir))
}

// listDir lists one directory level and keys the result by canonical
// path. A directory that does not exist yet lists as empty, not as an
// error; nothing has been uploaded.
func (a *Adapter) listDir(ctx context.Context, canonicalDir string) (map[string]provider.RemoteEntry, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}

	entries, err := a.client.ReadDir(a.serverPath(canonicalDir))
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return map[string]provider.RemoteEntry{}, nil
		}

		return nil, davError("list", canonicalDir, err)
	}

	out := make(map[string]provider.RemoteEntry, len(entries))
	for _, fi := range entries {
		if fi.IsDir() {
			continue
		}

		canonical := path.Join(canonicalDir, fi.Name())
		out[canonical] = provider.RemoteEntry{
			Path:       canonical,
			ModifiedAt: fi.ModTime().UTC(),
			Size:       fi.Size(),
		}
	}

	return out, nil
}

func (a *Adapter) Upload(ctx context.Context, noteID int64, payload []byte) (string, error) {
	canonical := notes.NotePath(noteID)

	return canonical, a.writeFile(ctx, canonical, payload)
}

func (a *Adapter) UploadFolder(ctx context.Context, folderID int64, payload []byte) (string, error) {
	canonical := notes.FolderPath(folderID)

	return canonical, a.writeFile(ctx, canonical, payload)
}

func (a *Adapter) writeFile(ctx context.Context, canonical string, payload []byte) error {
	if err := a.ready(ctx); err != nil {
		return err
	}
	if err := a.ensureTree(); err != nil {
		return err
	}

	if err := a.client.Write(a.serverPath(canonical), payload, remoteFilePerm); err != nil {
		return davError("upload", canonical, err)
	}

	return nil
}

// ensureTree creates the note tree on the server once per Configure.
// Servers answer MKCOL on an existing collection with 405, which counts
// as success here.
func (a *Adapter) ensureTree() error {
	if a.treeReady {
		return nil
	}

	for _, dir := range []string{a.basePath, path.Join(a.basePath, notes.FoldersDir)} {
		if err := a.client.MkdirAll(dir, remoteDirPerm); err != nil && !gowebdav.IsErrCode(err, 405) {
			return davError("mkdir", dir, err)
		}
	}
	a.treeReady = true

	return nil
}

func (a *Adapter) Download(ctx context.Context, remotePath string) ([]byte, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}

	data, err := a.client.Read(a.serverPath(remotePath))
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil, nil
		}

		return nil, davError("download", remotePath, err)
	}

	return data, nil
}

func (a *Adapter) Delete(ctx context.Context, remotePath string) error {
	if err := a.ready(ctx); err != nil {
		return err
	}

	if err := a.client.Remove(a.serverPath(remotePath)); err != nil && !gowebdav.IsErrNotFound(err) {
		return davError("delete", remotePath, err)
	}

	return nil
}

func (a *Adapter) LastModified(ctx context.Context, remotePath string) (time.Time, error) {
	if err := a.ready(ctx); err != nil {
		return time.Time{}, err
	}

	fi, err := a.client.Stat(a.serverPath(remotePath))
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return time.Time{}, syncerrors.ErrNotFound
		}

		return time.Time{}, davError("stat", remotePath, err)
	}

	return fi.ModTime().UTC(), nil
}

func (a *Adapter) SyncAll(ctx context.Context, locals []notes.NoteSnapshot, folders []notes.FolderSnapshot) (*provider.SyncResult, error) {
	return provider.RunSync(ctx, a, locals, folders, a.logger)
}

func (a *Adapter) Disconnect() {
	a.client = nil
	a.treeReady = false
}

func (a *Adapter) ready(ctx context.Context) error {
	if a.client == nil {
		return syncerrors.ErrNotConfigured
	}

	return ctx.Err()
}

// serverPath maps a canonical note path onto the configured base path.
func (a *Adapter) serverPath(canonical string) string {
	return path.Join(a.basePath, strings.TrimPrefix(canonical, notes.BasePath))
}

// davError classifies a client failure. Anything carrying an HTTP status
// is a protocol problem with that one entry; the rest (DNS, refused
// connections, timeouts) bubbles up raw so the caller can treat the
// server as unreachable.
func davError(op, p string, err error) error {
	var se gowebdav.StatusError
	if errors.As(err, &se) {
		return syncerrors.ProtocolStatus(op, p, se.Status)
	}

	return fmt.Errorf("%s %s: %w", op, p, err)
}
