// Package state persists everything that must survive a restart: the
// offline operation queue, provider settings, sealed credential blobs,
// and the per-install identity.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.feathersync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// MaxRetries is the retry ceiling for queued operations. An operation
	// that has failed this many replays is dropped instead of retried.
	MaxRetries = 5
)

var (
	settingsBucket = []byte("settings")
	queueBucket    = []byte("queue")
	secretsBucket  = []byte("secrets")

	activeProviderKey = []byte("active_provider")
	backgroundKey     = []byte("background_sync")
	selectedNotesKey  = []byte("selected_notes")
	installIDKey      = []byte("install_id")
)

func providerSettingsKey(providerID string) []byte {
	return []byte("provider:" + providerID)
}

// OpKind identifies what a queued operation will do when replayed.
type OpKind string

const (
	OpUpload   OpKind = "upload"
	OpDownload OpKind = "download"
	OpDelete   OpKind = "delete"
)

// QueuedOperation is a deferred network operation. Exactly one operation
// exists per (NoteID, Kind) pair; re-enqueueing replaces the payload and
// resets the retry count.
type QueuedOperation struct {
	ID         int64     `json:"id"`
	Kind       OpKind    `json:"kind"`
	NoteID     int64     `json:"note_id"`
	RemotePath string    `json:"remote_path,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`
}

// BackgroundSync holds the persisted background scheduling settings.
type BackgroundSync struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"interval_minutes"`
}

// State wraps a bbolt database for all persistent engine state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.feathersync/state.db, creating it
// if it does not exist. All buckets and the install id are created on open.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(settingsBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(queueBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(secretsBucket); err != nil {
			return err
		}

		b := tx.Bucket(settingsBucket)
		if b.Get(installIDKey) == nil {
			return b.Put(installIDKey, []byte(uuid.NewString()))
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// InstallID returns the stable per-install identifier generated on first open.
func (s *State) InstallID() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get(installIDKey)
		if v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// --- offline queue ---

// Enqueue upserts a deferred operation keyed by (NoteID, Kind). A fresh
// enqueue for an already-queued pair keeps the original id and creation
// time, replaces the payload, and resets the retry count. Returns the
// stored operation with its assigned id.
func (s *State) Enqueue(op QueuedOperation) (QueuedOperation, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		var existingKey []byte
		var existing QueuedOperation
		err := b.ForEach(func(k, v []byte) error {
			var q QueuedOperation
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}

			if q.NoteID == op.NoteID && q.Kind == op.Kind {
				existingKey = append([]byte(nil), k...)
				existing = q
			}

			return nil
		})
		if err != nil {
			return err
		}

		if existingKey != nil {
			op.ID = existing.ID
			op.CreatedAt = existing.CreatedAt
			op.RetryCount = 0

			data, err := json.Marshal(op)
			if err != nil {
				return err
			}

			return b.Put(existingKey, data)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		op.ID = int64(seq)
		if op.CreatedAt.IsZero() {
			op.CreatedAt = time.Now().UTC()
		}
		op.RetryCount = 0

		data, err := json.Marshal(op)
		if err != nil {
			return err
		}

		return b.Put(itob(seq), data)
	})

	return op, err
}

// Dequeue removes an operation by id. Unknown ids are a no-op.
func (s *State) Dequeue(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete(itob(uint64(id)))
	})
}

// ListOps returns all queued operations in creation order.
func (s *State) ListOps() ([]QueuedOperation, error) {
	var ops []QueuedOperation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var q QueuedOperation
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}

			ops = append(ops, q)

			return nil
		})
	})

	return ops, err
}

// IncrementRetry bumps the retry counter for an operation and returns the
// new count. Unknown ids return an error.
func (s *State) IncrementRetry(id int64) (int, error) {
	var count int

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		key := itob(uint64(id))
		v := b.Get(key)
		if v == nil {
			return fmt.Errorf("queued operation %d not found", id)
		}

		var q QueuedOperation
		if err := json.Unmarshal(v, &q); err != nil {
			return err
		}

		q.RetryCount++
		count = q.RetryCount

		data, err := json.Marshal(q)
		if err != nil {
			return err
		}

		return b.Put(key, data)
	})

	return count, err
}

// ClearOps removes every queued operation.
func (s *State) ClearOps() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(queueBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(queueBucket)

		return err
	})
}

// --- provider settings ---

// ActiveProvider returns the configured provider id, or empty string.
func (s *State) ActiveProvider() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get(activeProviderKey)
		if v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetActiveProvider persists the active provider id. Empty clears it.
func (s *State) SetActiveProvider(providerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(settingsBucket)
		if providerID == "" {
			return b.Delete(activeProviderKey)
		}

		return b.Put(activeProviderKey, []byte(providerID))
	})
}

// ProviderSettings returns the serialized non-secret config for a
// provider, or nil when none is stored.
func (s *State) ProviderSettings(providerID string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get(providerSettingsKey(providerID))
		if v != nil {
			data = append([]byte(nil), v...)
		}

		return nil
	})

	return data, err
}

// SetProviderSettings persists the serialized non-secret config for a provider.
func (s *State) SetProviderSettings(providerID string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put(providerSettingsKey(providerID), data)
	})
}

// DeleteProviderSettings removes the stored config for a provider.
func (s *State) DeleteProviderSettings(providerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Delete(providerSettingsKey(providerID))
	})
}

// GetBackgroundSync returns the persisted background scheduling settings,
// zero-valued when never set.
func (s *State) GetBackgroundSync() (BackgroundSync, error) {
	var bs BackgroundSync

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get(backgroundKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &bs)
	})

	return bs, err
}

// SetBackgroundSync persists the background scheduling settings.
func (s *State) SetBackgroundSync(bs BackgroundSync) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(bs)
		if err != nil {
			return err
		}

		return tx.Bucket(settingsBucket).Put(backgroundKey, data)
	})
}

// SelectedNotes returns the persisted selective-sync note id set. Empty
// means every note is eligible.
func (s *State) SelectedNotes() ([]int64, error) {
	var ids []int64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get(selectedNotesKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &ids)
	})

	return ids, err
}

// SetSelectedNotes persists the selective-sync note id set. An empty or
// nil set clears the restriction.
func (s *State) SetSelectedNotes(ids []int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(settingsBucket)
		if len(ids) == 0 {
			return b.Delete(selectedNotesKey)
		}

		data, err := json.Marshal(ids)
		if err != nil {
			return err
		}

		return b.Put(selectedNotesKey, data)
	})
}

// --- sealed secrets ---

// SecretBlob returns the sealed secret blob for a provider, or nil.
func (s *State) SecretBlob(providerID string) ([]byte, error) {
	var blob []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(secretsBucket).Get([]byte(providerID))
		if v != nil {
			blob = append([]byte(nil), v...)
		}

		return nil
	})

	return blob, err
}

// SetSecretBlob persists the sealed secret blob for a provider.
func (s *State) SetSecretBlob(providerID string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Put([]byte(providerID), blob)
	})
}

// DeleteSecretBlob removes the sealed secret blob for a provider.
func (s *State) DeleteSecretBlob(providerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Delete([]byte(providerID))
	})
}

// itob encodes a bucket sequence number as a big-endian key so bucket
// iteration follows creation order.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing sealed credentials) might end up
		// with wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".feathersync", "state.db")
}
