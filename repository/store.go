package repository

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/natsclient"
	"github.com/c360/dataflow/value"
)

// Store is a named key/value store that lives beside the data tree. Stores do not emit
// changes.
type Store interface {
	Get(ctx context.Context, key string) (value.Value, bool, error)
	Set(ctx context.Context, key string, v value.Value) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// MemoryStore keeps values in process memory. Entries expire after the configured TTL; a
// zero TTL keeps them until deleted.
type MemoryStore struct {
	cache     *ttlcache.Cache[string, value.Value]
	closeOnce sync.Once
}

// NewMemoryStore creates a memory store. Call Close to stop the expiry loop.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	cache := ttlcache.New[string, value.Value](
		ttlcache.WithTTL[string, value.Value](ttl),
		ttlcache.WithDisableTouchOnHit[string, value.Value](),
	)
	go cache.Start()
	return &MemoryStore{cache: cache}
}

func (s *MemoryStore) Get(_ context.Context, key string) (value.Value, bool, error) {
	item := s.cache.Get(key)
	if item == nil {
		return value.Value{}, false, nil
	}
	return item.Value().Clone(), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, v value.Value) error {
	s.cache.Set(key, v.Clone(), ttlcache.DefaultTTL)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	keys := s.cache.Keys()
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.cache.DeleteAll()
	return nil
}

// Close stops the expiry loop.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(s.cache.Stop)
}

// KVStore keeps JSON-encoded values in a NATS JetStream key/value bucket.
type KVStore struct {
	bucket jetstream.KeyValue
}

// NewKVStore opens the bucket, creating it if it does not exist.
func NewKVStore(ctx context.Context, client *natsclient.Client, bucket string) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KVStore", "NewKVStore", "nats client is nil")
	}
	if bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KVStore", "NewKVStore", "bucket name is empty")
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "dataflow repository store",
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "NewKVStore", "open bucket "+bucket)
	}
	return &KVStore{bucket: kv}, nil
}

// NewKVStoreFromBucket wraps an already opened bucket.
func NewKVStoreFromBucket(bucket jetstream.KeyValue) *KVStore {
	return &KVStore{bucket: bucket}
}

func (s *KVStore) Get(ctx context.Context, key string) (value.Value, bool, error) {
	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return value.Value{}, false, nil
		}
		return value.Value{}, false, errors.WrapTransient(err, "KVStore", "Get", "get "+key)
	}
	v, err := value.FromJSON(entry.Value())
	if err != nil {
		return value.Value{}, false, errors.WrapInvalid(err, "KVStore", "Get", "decode "+key)
	}
	return v, true, nil
}

func (s *KVStore) Set(ctx context.Context, key string, v value.Value) error {
	data, err := v.MarshalJSON()
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "Set", "encode "+key)
	}
	if _, err := s.bucket.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "KVStore", "Set", "put "+key)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil && !stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "KVStore", "Delete", "delete "+key)
	}
	return nil
}

func (s *KVStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, errors.WrapTransient(err, "KVStore", "Keys", "list keys")
	}
	return keys, nil
}

func (s *KVStore) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.bucket.Purge(ctx, k); err != nil {
			return errors.WrapTransient(err, "KVStore", "Clear", "purge "+k)
		}
	}
	return nil
}
