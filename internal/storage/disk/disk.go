package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/syncstore/internal/storage"
	"pkt.systems/syncstore/internal/uuidv7"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// Now overrides the timestamp source; defaults to time.Now.
	Now func() time.Time
	// Watch enables fsnotify change subscriptions. Disabled watchers make
	// SubscribeChanges return storage.ErrNotImplemented.
	Watch bool
}

// Store implements storage.Backend on the local filesystem. Records are
// stored one file per key as a JSON envelope; conditional writes are
// serialized cross-process through per-key advisory file locks, and payload
// files are replaced atomically via tmp+rename so readers never observe a
// partial write.
type Store struct {
	root    string
	tmpDir  string
	lockDir string
	now     func() time.Time

	watchEnabled bool

	// in-process serialization of per-key read-modify-write cycles; the file
	// lock covers other processes.
	keyLocks sync.Map
}

type envelope struct {
	Key           string `json:"key"`
	ETag          string `json:"etag"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
	Payload       []byte `json:"payload"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	tmpDir := filepath.Join(root, "tmp")
	lockDir := filepath.Join(root, "locks")
	dirs := []string{tmpDir, lockDir}
	for _, namespace := range storage.Namespaces {
		dirs = append(dirs, filepath.Join(root, namespace))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return &Store{
		root:         root,
		tmpDir:       tmpDir,
		lockDir:      lockDir,
		now:          cfg.Now,
		watchEnabled: cfg.Watch,
	}, nil
}

// Get returns the record stored under key.
func (s *Store) Get(_ context.Context, namespace, key string) (storage.Record, error) {
	env, err := s.readEnvelope(namespace, key)
	if err != nil {
		return storage.Record{}, err
	}
	return storage.Record{
		Key:           key,
		ETag:          env.ETag,
		Payload:       env.Payload,
		UpdatedAtUnix: env.UpdatedAtUnix,
	}, nil
}

// Put writes payload under key, enforcing the conditional options under a
// per-key advisory file lock so compare-and-set is safe across processes.
func (s *Store) Put(_ context.Context, namespace, key string, payload []byte, opts storage.PutOptions) (storage.Record, error) {
	unlock, err := s.lockKey(namespace, key)
	if err != nil {
		return storage.Record{}, err
	}
	defer unlock()

	current, err := s.readEnvelope(namespace, key)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, err
	}
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			return storage.Record{}, storage.ErrNotFound
		}
		if current.ETag != opts.ExpectedETag {
			return storage.Record{}, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		return storage.Record{}, storage.ErrCASMismatch
	}

	env := envelope{
		Key:           key,
		ETag:          uuidv7.NewString(),
		UpdatedAtUnix: s.now().UTC().Unix(),
		Payload:       payload,
	}
	if err := s.writeEnvelope(namespace, key, env); err != nil {
		return storage.Record{}, err
	}
	return storage.Record{
		Key:           key,
		ETag:          env.ETag,
		UpdatedAtUnix: env.UpdatedAtUnix,
	}, nil
}

// Delete removes the record under key with optional CAS.
func (s *Store) Delete(_ context.Context, namespace, key string, opts storage.DeleteOptions) error {
	unlock, err := s.lockKey(namespace, key)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.readEnvelope(namespace, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(s.recordPath(namespace, key)); err != nil {
		if os.IsNotExist(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return storage.NewTransientError(fmt.Errorf("disk: remove %s/%s: %w", namespace, key, err))
	}
	return nil
}

// List enumerates records under prefix in ascending key order.
func (s *Store) List(_ context.Context, namespace string, opts storage.ListOptions) (storage.ListResult, error) {
	dir := filepath.Join(s.root, namespace)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ListResult{}, nil
		}
		return storage.ListResult{}, storage.NewTransientError(fmt.Errorf("disk: list %s: %w", namespace, err))
	}
	type row struct {
		key  string
		info fs.DirEntry
	}
	rows := make([]row, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), recordSuffix) {
			continue
		}
		key, err := decodeKey(strings.TrimSuffix(ent.Name(), recordSuffix))
		if err != nil {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			continue
		}
		rows = append(rows, row{key: key, info: ent})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })
	truncated := false
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
		truncated = true
	}
	result := storage.ListResult{
		Records:   make([]storage.Record, 0, len(rows)),
		Truncated: truncated,
	}
	for _, r := range rows {
		rec := storage.Record{Key: r.key}
		if env, err := s.readEnvelope(namespace, r.key); err == nil {
			rec.ETag = env.ETag
			rec.UpdatedAtUnix = env.UpdatedAtUnix
		}
		result.Records = append(result.Records, rec)
	}
	if truncated && len(rows) > 0 {
		result.NextStartAfter = rows[len(rows)-1].key
	}
	return result, nil
}

// Wipe removes every namespace directory and recreates the empty layout.
func (s *Store) Wipe(_ context.Context) error {
	for _, namespace := range storage.Namespaces {
		dir := filepath.Join(s.root, namespace)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("disk: wipe %s: %w", namespace, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("disk: recreate %s: %w", namespace, err)
		}
	}
	if err := os.RemoveAll(s.lockDir); err != nil {
		return fmt.Errorf("disk: wipe locks: %w", err)
	}
	return os.MkdirAll(s.lockDir, 0o755)
}

// Close satisfies storage.Backend; the disk store holds no long-lived handles.
func (s *Store) Close() error {
	return nil
}

const recordSuffix = ".json"

func (s *Store) recordPath(namespace, key string) string {
	return filepath.Join(s.root, namespace, encodeKey(key)+recordSuffix)
}

func (s *Store) readEnvelope(namespace, key string) (envelope, error) {
	payload, err := os.ReadFile(s.recordPath(namespace, key))
	if err != nil {
		if os.IsNotExist(err) {
			return envelope{}, storage.ErrNotFound
		}
		return envelope{}, storage.NewTransientError(fmt.Errorf("disk: read %s/%s: %w", namespace, key, err))
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, fmt.Errorf("disk: decode %s/%s: %w", namespace, key, err)
	}
	return env, nil
}

func (s *Store) writeEnvelope(namespace, key string, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("disk: encode %s/%s: %w", namespace, key, err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, encodeKey(key)+".*")
	if err != nil {
		return storage.NewTransientError(fmt.Errorf("disk: tmp for %s/%s: %w", namespace, key, err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: write %s/%s: %w", namespace, key, err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: sync %s/%s: %w", namespace, key, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: close %s/%s: %w", namespace, key, err))
	}
	if err := os.Rename(tmpName, s.recordPath(namespace, key)); err != nil {
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: rename %s/%s: %w", namespace, key, err))
	}
	return nil
}

// lockKey takes both the in-process mutex and the cross-process file lock for
// one key and returns the combined unlock.
func (s *Store) lockKey(namespace, key string) (func(), error) {
	name := namespace + "__" + encodeKey(key)
	muAny, _ := s.keyLocks.LoadOrStore(name, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()

	path := filepath.Join(s.lockDir, name+".lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, storage.NewTransientError(fmt.Errorf("disk: open lock %s: %w", name, err))
	}
	if err := lockFile(file); err != nil {
		file.Close()
		mu.Unlock()
		return nil, storage.NewTransientError(fmt.Errorf("disk: lock %s: %w", name, err))
	}
	return func() {
		if err := unlockFile(file); err != nil {
			file.Close()
			mu.Unlock()
			return
		}
		file.Close()
		mu.Unlock()
	}, nil
}

// encodeKey maps an arbitrary record key onto a single safe path segment.
// Encoding is per-byte, so key prefixes stay prefixes of the encoded form.
func encodeKey(key string) string {
	return url.QueryEscape(key)
}

func decodeKey(name string) (string, error) {
	return url.QueryUnescape(name)
}
