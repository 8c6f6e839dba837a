package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const defaultValkeyNamespace = "campusworker:cache"

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

// Index membership and the generation hash change together inside one script,
// so a write racing a delete can never recreate a hash missing from the index.
var (
	valkeyPutScript = valkey.NewLuaScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)
	valkeyDeleteScript = valkey.NewLuaScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return removed
`)
)

// valkeyStorage keeps the generation index in a set and each generation in its
// own hash, so deleting a generation is a single DEL.
type valkeyStorage struct {
	client    valkey.Client
	namespace string
}

// NewRedis connects a Storage to a Valkey/Redis server so several worker
// instances can share generations.
func NewRedis(cfg RedisConfig) (Storage, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = defaultValkeyNamespace
	}
	return &valkeyStorage{client: client, namespace: namespace}, nil
}

func (s *valkeyStorage) indexKey() string { return s.namespace + ":stores" }

func (s *valkeyStorage) storeKey(name string) string { return s.namespace + ":store:" + name }

func (s *valkeyStorage) Open(ctx context.Context, name string) (Store, error) {
	if name == "" {
		return nil, errors.New("cache: store name required")
	}
	cmd := s.client.B().Sadd().Key(s.indexKey()).Member(name).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("cache: redis open %s: %w", name, err)
	}
	return &valkeyStore{storage: s, name: name, key: s.storeKey(name)}, nil
}

func (s *valkeyStorage) Has(ctx context.Context, name string) (bool, error) {
	cmd := s.client.B().Sismember().Key(s.indexKey()).Member(name).Build()
	ok, err := s.client.Do(ctx, cmd).AsBool()
	if err != nil {
		return false, fmt.Errorf("cache: redis has %s: %w", name, err)
	}
	return ok, nil
}

func (s *valkeyStorage) Delete(ctx context.Context, name string) (bool, error) {
	removed, err := valkeyDeleteScript.Exec(ctx, s.client,
		[]string{s.indexKey(), s.storeKey(name)}, []string{name}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: redis delete %s: %w", name, err)
	}
	return removed > 0, nil
}

func (s *valkeyStorage) Names(ctx context.Context) ([]string, error) {
	cmd := s.client.B().Smembers().Key(s.indexKey()).Build()
	names, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *valkeyStorage) Close(context.Context) error {
	s.client.Close()
	return nil
}

type valkeyStore struct {
	storage *valkeyStorage
	name    string
	key     string
}

func (c *valkeyStore) Name() string { return c.name }

func (c *valkeyStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	client := c.storage.client
	resp := client.Do(ctx, client.B().Hget().Key(c.key).Field(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (c *valkeyStore) Put(ctx context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	stored, err := valkeyPutScript.Exec(ctx, c.storage.client,
		[]string{c.storage.indexKey(), c.key}, []string{c.name, key, string(payload)}).AsInt64()
	if err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	if stored == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (c *valkeyStore) Delete(ctx context.Context, key string) (bool, error) {
	client := c.storage.client
	removed, err := client.Do(ctx, client.B().Hdel().Key(c.key).Field(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: redis hdel: %w", err)
	}
	return removed > 0, nil
}

func (c *valkeyStore) Keys(ctx context.Context) ([]string, error) {
	client := c.storage.client
	keys, err := client.Do(ctx, client.B().Hkeys().Key(c.key).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
