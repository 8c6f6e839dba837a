package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

type storageFactory func(t *testing.T) Storage

func backends() map[string]storageFactory {
	return map[string]storageFactory{
		"memory": func(t *testing.T) Storage {
			return NewMemory()
		},
		"leveldb": func(t *testing.T) Storage {
			storage, err := NewLevelDB(filepath.Join(t.TempDir(), "cache"))
			require.NoError(t, err)
			return storage
		},
		"redis": func(t *testing.T) Storage {
			server := miniredis.RunT(t)
			storage, err := NewRedis(RedisConfig{Address: server.Addr(), Namespace: "test"})
			require.NoError(t, err)
			return storage
		},
	}
}

func sampleEntry(body string) Entry {
	header := http.Header{}
	header.Set("Content-Type", "image/png")
	header.Add("X-Variant", "a")
	header.Add("X-Variant", "b")
	return Entry{
		Method:   http.MethodGet,
		URL:      "https://campus.example/icons/icon-192.png",
		Status:   http.StatusOK,
		Header:   header,
		Body:     []byte(body),
		StoredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestStorageBackends(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			defer func() { require.NoError(t, storage.Close(ctx)) }()

			t.Run("open creates and enumerates", func(t *testing.T) {
				ok, err := storage.Has(ctx, "campus-v1")
				require.NoError(t, err)
				require.False(t, ok)

				store, err := storage.Open(ctx, "campus-v1")
				require.NoError(t, err)
				require.Equal(t, "campus-v1", store.Name())

				_, err = storage.Open(ctx, "campus-v2")
				require.NoError(t, err)

				names, err := storage.Names(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{"campus-v1", "campus-v2"}, names)
			})

			t.Run("put and match round trip", func(t *testing.T) {
				store, err := storage.Open(ctx, "campus-v1")
				require.NoError(t, err)
				key := Key(http.MethodGet, "https://campus.example/icons/icon-192.png")

				_, ok, err := store.Match(ctx, key)
				require.NoError(t, err)
				require.False(t, ok)

				want := sampleEntry("png-bytes")
				require.NoError(t, store.Put(ctx, key, want))

				got, ok, err := store.Match(ctx, key)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, want.Status, got.Status)
				require.Equal(t, want.Body, got.Body)
				require.Equal(t, []string{"a", "b"}, got.Header.Values("X-Variant"))
				require.True(t, want.StoredAt.Equal(got.StoredAt))

				keys, err := store.Keys(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{key}, keys)
			})

			t.Run("put replaces the whole entry", func(t *testing.T) {
				store, err := storage.Open(ctx, "campus-v1")
				require.NoError(t, err)
				key := Key(http.MethodGet, "https://campus.example/app.css")
				require.NoError(t, store.Put(ctx, key, sampleEntry("old")))
				require.NoError(t, store.Put(ctx, key, sampleEntry("new")))

				got, ok, err := store.Match(ctx, key)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, "new", string(got.Body))
			})

			t.Run("delete entry", func(t *testing.T) {
				store, err := storage.Open(ctx, "campus-v1")
				require.NoError(t, err)
				key := Key(http.MethodGet, "https://campus.example/app.css")
				removed, err := store.Delete(ctx, key)
				require.NoError(t, err)
				require.True(t, removed)
				removed, err = store.Delete(ctx, key)
				require.NoError(t, err)
				require.False(t, removed)
			})

			t.Run("delete store leaves others intact", func(t *testing.T) {
				stale, err := storage.Open(ctx, "campus-v2")
				require.NoError(t, err)
				require.NoError(t, stale.Put(ctx, "GET https://campus.example/old.js", sampleEntry("old")))

				existed, err := storage.Delete(ctx, "campus-v2")
				require.NoError(t, err)
				require.True(t, existed)

				existed, err = storage.Delete(ctx, "campus-v2")
				require.NoError(t, err)
				require.False(t, existed)

				require.ErrorIs(t, stale.Put(ctx, "GET https://campus.example/late.js", sampleEntry("late")), ErrStoreNotFound)

				names, err := storage.Names(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{"campus-v1"}, names)

				current, err := storage.Open(ctx, "campus-v1")
				require.NoError(t, err)
				_, ok, err := current.Match(ctx, Key(http.MethodGet, "https://campus.example/icons/icon-192.png"))
				require.NoError(t, err)
				require.True(t, ok)
			})
		})
	}
}

func TestDeleteStoreRacingWritesLeavesNoEntries(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			defer func() { require.NoError(t, storage.Close(ctx)) }()

			store, err := storage.Open(ctx, "campus-v1")
			require.NoError(t, err)

			var (
				wg      sync.WaitGroup
				written atomic.Int64
				errs    = make(chan error, 4)
			)
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; ; i++ {
						err := store.Put(ctx, fmt.Sprintf("GET https://campus.example/%d/%d.js", w, i), sampleEntry("late"))
						if errors.Is(err, ErrStoreNotFound) {
							return
						}
						if err != nil {
							errs <- err
							return
						}
						written.Add(1)
					}
				}(w)
			}

			require.Eventually(t, func() bool { return written.Load() >= 20 }, 5*time.Second, time.Millisecond)
			existed, err := storage.Delete(ctx, "campus-v1")
			require.NoError(t, err)
			require.True(t, existed)
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			names, err := storage.Names(ctx)
			require.NoError(t, err)
			require.Empty(t, names)
			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			require.Empty(t, keys, "writes racing the delete must not leave entries behind")
		})
	}
}

func TestLevelDBSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache")

	storage, err := NewLevelDB(path)
	require.NoError(t, err)
	store, err := storage.Open(ctx, "campus-v3")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "GET https://campus.example/", sampleEntry("persisted")))
	require.NoError(t, storage.Close(ctx))

	reopened, err := NewLevelDB(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close(ctx)) }()

	names, err := reopened.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"campus-v3"}, names)

	store, err = reopened.Open(ctx, "campus-v3")
	require.NoError(t, err)
	got, ok, err := store.Match(ctx, "GET https://campus.example/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "persisted", string(got.Body))
}

func TestNewRedisRequiresAddress(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)
}

func TestKey(t *testing.T) {
	require.Equal(t, "GET https://campus.example/a", Key("", "https://campus.example/a"))
	require.Equal(t, "POST https://campus.example/a", Key(" post ", "https://campus.example/a"))

	req := httptest.NewRequest(http.MethodGet, "https://campus.example/events?page=2", nil)
	require.Equal(t, "GET https://campus.example/events?page=2", RequestKey(req))
	require.Empty(t, RequestKey(nil))
}

func TestSnapshotBuffersOnceAndHandsOutIndependentViews(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://campus.example/app.js", nil)
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "text/javascript")
	rec.Header().Set("Content-Length", "14")
	rec.WriteHeader(http.StatusOK)
	_, _ = rec.WriteString("console.log()")

	entry, err := Snapshot(req, rec.Result())
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, entry.Method)
	require.Equal(t, "https://campus.example/app.js", entry.URL)
	require.True(t, entry.Successful())
	require.False(t, Entry{Status: http.StatusPartialContent}.Successful())
	require.False(t, Entry{Status: http.StatusNotModified}.Successful())
	require.Empty(t, entry.Header.Get("Content-Length"))

	first := entry.Response(req)
	second := entry.Response(req)
	b1, err := io.ReadAll(first.Body)
	require.NoError(t, err)
	b2, err := io.ReadAll(second.Body)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
	require.Equal(t, "13", first.Header.Get("Content-Length"))

	first.Header.Set("Content-Type", "mutated")
	require.Equal(t, "text/javascript", entry.Header.Get("Content-Type"))
}

func TestEntryCloneDoesNotAlias(t *testing.T) {
	entry := sampleEntry("abc")
	clone := entry.Clone()
	clone.Body[0] = 'z'
	clone.Header.Set("Content-Type", "text/plain")
	require.Equal(t, "abc", string(entry.Body))
	require.Equal(t, "image/png", entry.Header.Get("Content-Type"))
	require.NotEqual(t, clone.Body, entry.Body)
}
