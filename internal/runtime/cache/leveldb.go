package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// On-disk layout:
//
//	s:<name>            generation marker
//	e:<name>\x00<key>   gob-encoded Entry
const (
	levelStorePrefix = "s:"
	levelEntryPrefix = "e:"
)

// mu orders entry writes against generation deletes: Put holds it shared
// across its marker check and write, Delete holds it exclusively.
type levelStorage struct {
	db *leveldb.DB
	mu sync.RWMutex
}

// NewLevelDB opens (or creates) a LevelDB-backed Storage rooted at path so
// generations survive restarts.
func NewLevelDB(path string) (Storage, error) {
	if path == "" {
		return nil, errors.New("cache: leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open leveldb %s: %w", path, err)
	}
	return &levelStorage{db: db}, nil
}

func levelMarker(name string) []byte { return []byte(levelStorePrefix + name) }

func levelEntryRange(name string) []byte { return []byte(levelEntryPrefix + name + "\x00") }

func levelEntryKey(name, key string) []byte {
	return append(levelEntryRange(name), key...)
}

func (s *levelStorage) Open(_ context.Context, name string) (Store, error) {
	if name == "" {
		return nil, errors.New("cache: store name required")
	}
	if err := s.db.Put(levelMarker(name), []byte{1}, nil); err != nil {
		return nil, fmt.Errorf("cache: leveldb open %s: %w", name, err)
	}
	return &levelStore{storage: s, name: name}, nil
}

func (s *levelStorage) Has(_ context.Context, name string) (bool, error) {
	ok, err := s.db.Has(levelMarker(name), nil)
	if err != nil {
		return false, fmt.Errorf("cache: leveldb has %s: %w", name, err)
	}
	return ok, nil
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existed, err := s.Has(ctx, name)
	if err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(levelMarker(name))
	it := s.db.NewIterator(util.BytesPrefix(levelEntryRange(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("cache: leveldb scan %s: %w", name, err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("cache: leveldb delete %s: %w", name, err)
	}
	return existed, nil
}

func (s *levelStorage) Names(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelStorePrefix)), nil)
	defer it.Release()
	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(levelStorePrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("cache: leveldb names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStorage) Close(context.Context) error {
	return s.db.Close()
}

type levelStore struct {
	storage *levelStorage
	name    string
}

func (c *levelStore) Name() string { return c.name }

func (c *levelStore) Match(_ context.Context, key string) (Entry, bool, error) {
	b, err := c.storage.db.Get(levelEntryKey(c.name, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: leveldb get: %w", err)
	}
	var entry Entry
	if err := decodeGob(b, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: leveldb decode: %w", err)
	}
	return entry, true, nil
}

func (c *levelStore) Put(ctx context.Context, key string, entry Entry) error {
	c.storage.mu.RLock()
	defer c.storage.mu.RUnlock()
	exists, err := c.storage.Has(ctx, c.name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrStoreNotFound
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	b, err := encodeGob(entry)
	if err != nil {
		return fmt.Errorf("cache: leveldb encode: %w", err)
	}
	if err := c.storage.db.Put(levelEntryKey(c.name, key), b, nil); err != nil {
		return fmt.Errorf("cache: leveldb put: %w", err)
	}
	return nil
}

func (c *levelStore) Delete(_ context.Context, key string) (bool, error) {
	k := levelEntryKey(c.name, key)
	ok, err := c.storage.db.Has(k, nil)
	if err != nil {
		return false, fmt.Errorf("cache: leveldb has: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := c.storage.db.Delete(k, nil); err != nil {
		return false, fmt.Errorf("cache: leveldb delete: %w", err)
	}
	return true, nil
}

func (c *levelStore) Keys(_ context.Context) ([]string, error) {
	prefix := levelEntryRange(c.name)
	it := c.storage.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("cache: leveldb keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
