package e2e_test

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feathernotes/feathersync/internal/credentials"
	"github.com/feathernotes/feathersync/internal/localstore"
	"github.com/feathernotes/feathersync/internal/notes"
	"github.com/feathernotes/feathersync/internal/provider"
	"github.com/feathernotes/feathersync/internal/provider/webdav"
	"github.com/feathernotes/feathersync/internal/state"
	"github.com/feathernotes/feathersync/internal/syncer"
)

const (
	davUsername = "ada"
	davPassword = "hunter2"
)

// davServer is a minimal RFC 4918 server: OPTIONS, PROPFIND depth 0/1,
// GET, PUT, DELETE, MKCOL, basic auth. Enough protocol for the WebDAV
// adapter to run full passes against.
type davServer struct {
	mu     sync.Mutex
	files  map[string][]byte
	mtimes map[string]time.Time
	dirs   map[string]bool
}

func newDavServer() *davServer {
	return &davServer{
		files:  make(map[string][]byte),
		mtimes: make(map[string]time.Time),
		dirs:   map[string]bool{"/": true},
	}
}

func (s *davServer) seed(p string, data []byte, mtime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files[p] = data
	s.mtimes[p] = mtime
	s.addParents(p)
}

func (s *davServer) get(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[p]

	return data, ok
}

func (s *davServer) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)

	return out
}

func (s *davServer) addParents(p string) {
	for d := path.Dir(p); d != "/"; d = path.Dir(d) {
		s.dirs[d] = true
	}
}

func (s *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The connectivity probe sends unauthenticated HEADs; any response,
	// including this 401, means reachable.
	user, pass, ok := r.BasicAuth()
	if !ok || user != davUsername || pass != davPassword {
		w.Header().Set("WWW-Authenticate", `Basic realm="dav"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := r.URL.Path
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("DAV", "1, 2")
		w.WriteHeader(http.StatusOK)

	case "PROPFIND":
		s.propfind(w, r, p)

	case http.MethodGet:
		data, ok := s.files[p]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)

	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		s.files[p] = body
		s.mtimes[p] = time.Now()
		s.addParents(p)
		w.WriteHeader(http.StatusCreated)

	case http.MethodDelete:
		if _, ok := s.files[p]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(s.files, p)
		delete(s.mtimes, p)
		w.WriteHeader(http.StatusNoContent)

	case "MKCOL":
		if s.dirs[p] {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.dirs[p] = true
		s.addParents(p)
		w.WriteHeader(http.StatusCreated)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *davServer) propfind(w http.ResponseWriter, r *http.Request, p string) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?><d:multistatus xmlns:d="DAV:">`)

	switch {
	case s.dirs[p]:
		writeDirResponse(&b, p+"/")
		if r.Header.Get("Depth") != "0" {
			for child := range s.dirs {
				if child != "/" && path.Dir(child) == p {
					writeDirResponse(&b, child+"/")
				}
			}

			var names []string
			for f := range s.files {
				if path.Dir(f) == p {
					names = append(names, f)
				}
			}
			sort.Strings(names)
			for _, f := range names {
				writeFileResponse(&b, f, len(s.files[f]), s.mtimes[f])
			}
		}

	case s.files[p] != nil:
		writeFileResponse(&b, p, len(s.files[p]), s.mtimes[p])

	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	b.WriteString(`</d:multistatus>`)
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, b.String())
}

func writeDirResponse(b *strings.Builder, href string) {
	fmt.Fprintf(b,
		`<d:response><d:href>%s</d:href><d:propstat><d:prop>`+
			`<d:displayname>%s</d:displayname>`+
			`<d:resourcetype><d:collection/></d:resourcetype>`+
			`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
		href, path.Base(href))
}

func writeFileResponse(b *strings.Builder, p string, size int, mtime time.Time) {
	fmt.Fprintf(b,
		`<d:response><d:href>%s</d:href><d:propstat><d:prop>`+
			`<d:displayname>%s</d:displayname>`+
			`<d:resourcetype/>`+
			`<d:getcontentlength>%d</d:getcontentlength>`+
			`<d:getcontenttype>application/json</d:getcontenttype>`+
			`<d:getlastmodified>%s</d:getlastmodified>`+
			`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
		p, path.Base(p), size, mtime.UTC().Format(http.TimeFormat))
}

// client is one complete sync stack built from real components: bbolt
// state, sealed credential store, directory note store, and a session
// using the real WebDAV adapter.
type client struct {
	store     *localstore.Store
	appState  *state.State
	creds     *credentials.Store
	statePath string
	keyPath   string
	session   *syncer.Session
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(t *testing.T) *client {
	t.Helper()

	statePath := filepath.Join(t.TempDir(), "state.db")
	keyPath := filepath.Join(t.TempDir(), "install.key")

	return newClientAt(t, statePath, keyPath, t.TempDir())
}

// newClientAt builds a stack over explicit paths so a test can simulate
// a process restart by reopening the same state and store.
func newClientAt(t *testing.T, statePath, keyPath, storeDir string) *client {
	t.Helper()

	appState, err := state.LoadAt(statePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = appState.Close() })

	creds, err := credentials.NewStore(appState, keyPath, discardLogger())
	require.NoError(t, err)

	store, err := localstore.Open(storeDir, discardLogger())
	require.NoError(t, err)

	session, err := syncer.NewSession(appState, creds, store, adapterFactory(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(session.StopScheduler)

	return &client{
		store:     store,
		appState:  appState,
		creds:     creds,
		statePath: statePath,
		keyPath:   keyPath,
		session:   session,
	}
}

func adapterFactory() syncer.AdapterFactory {
	return func(providerID string) (provider.Adapter, error) {
		if providerID != provider.ProviderWebDAV {
			return nil, fmt.Errorf("unknown provider %q", providerID)
		}

		return webdav.New(discardLogger()), nil
	}
}

func (c *client) configure(t *testing.T, serverURL string) {
	t.Helper()

	err := c.session.Configure(t.Context(), provider.ProviderWebDAV, provider.Config{
		ServerURL: serverURL + "/dav",
		Username:  davUsername,
		Password:  davPassword,
	})
	require.NoError(t, err)
}

func (c *client) seedNote(t *testing.T, id int64, title string, modified time.Time) {
	t.Helper()

	_, err := c.store.ImportNote(&notes.ExportedNote{
		Note: notes.NoteMeta{ID: id, Title: title, ModifiedAt: modified},
	})
	require.NoError(t, err)
}

func (c *client) seedFolder(t *testing.T, id int64, name string, modified time.Time) {
	t.Helper()

	err := c.store.ImportFolder(&notes.ExportedFolder{
		Folder: notes.FolderMeta{ID: id, Name: name, ModifiedAt: modified},
	})
	require.NoError(t, err)
}

func (c *client) sync(t *testing.T) *provider.SyncResult {
	t.Helper()

	result, err := c.session.Sync(t.Context())
	require.NoError(t, err)

	return result
}

// shutdown closes the stack the way a process exit would, so the same
// paths can be reopened by a second client.
func (c *client) shutdown(t *testing.T) {
	t.Helper()

	c.session.StopScheduler()
	require.NoError(t, c.appState.Close())
}

func (c *client) noteTitle(t *testing.T, id int64) string {
	t.Helper()

	exported, err := c.store.ExportNote(id)
	require.NoError(t, err)

	return exported.Note.Title
}

// harness is the full e2e stack: a fake WebDAV server plus one primary
// client stack synced against it.
type harness struct {
	dav    *davServer
	server *httptest.Server
	client *client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dav := newDavServer()
	server := httptest.NewServer(dav)
	t.Cleanup(server.Close)

	return &harness{
		dav:    dav,
		server: server,
		client: newClient(t),
	}
}

// serverNotePath is where a note lands on the fake server given the
// /dav base the clients configure.
func serverNotePath(id int64) string {
	return "/dav" + notes.NotePath(id)
}

func serverFolderPath(id int64) string {
	return "/dav" + notes.FolderPath(id)
}

func encodedNote(t *testing.T, id int64, title string, modified time.Time) []byte {
	t.Helper()

	data, err := notes.EncodeNote(notes.NoteSnapshot{ID: id, Title: title, ModifiedAt: modified})
	require.NoError(t, err)

	return data
}

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
