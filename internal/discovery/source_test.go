package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaspareduard/PlateifyAPP/internal/model"
	"github.com/gaspareduard/PlateifyAPP/internal/store"
)

type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	ttls    map[string]time.Duration
	failGet bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return "", errors.New("redis down")
	}
	v, ok := f.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = expiration
	return nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

type countingSource struct {
	users []model.UserIdentity
	calls int
}

func (s *countingSource) Candidates(context.Context, int) ([]model.UserIdentity, error) {
	s.calls++
	return s.users, nil
}

func TestStoreSource(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Put(ctx, UsersCollection, "u1", map[string]any{"username": "a", "latitude": 1.5, "longitude": 2.5}))
	require.NoError(t, mem.Put(ctx, UsersCollection, "u2", map[string]any{"username": "b"}))
	require.NoError(t, mem.Put(ctx, UsersCollection, "bad", map[string]any{"username": 7}))

	users, err := NewStoreSource(mem).Candidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].ID)
	assert.Equal(t, &model.GeoPoint{Latitude: 1.5, Longitude: 2.5}, users[0].Location())
	assert.Nil(t, users[1].Location())

	// 页内无法解码的用户被跳过而不是补齐
	users, err = NewStoreSource(mem).Candidates(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestCachedSource(t *testing.T) {
	ctx := context.Background()
	next := &countingSource{users: []model.UserIdentity{{ID: "u1", Username: "a"}}}
	rdb := newFakeRedis()
	c := NewCachedSource(next, rdb, time.Minute)

	users, err := c.Candidates(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "u1", users[0].ID)
	assert.Equal(t, time.Minute, rdb.ttls[CacheKey])

	users, err = c.Candidates(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "a", users[0].Username)
	assert.Equal(t, 1, next.calls)

	// 页大小不同不命中
	_, err = c.Candidates(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)

	require.NoError(t, c.Invalidate(ctx))
	_, err = c.Candidates(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, next.calls)
}

func TestCachedSourceFallsBackOnRedisError(t *testing.T) {
	next := &countingSource{users: []model.UserIdentity{{ID: "u1"}}}
	rdb := newFakeRedis()
	rdb.failGet = true

	users, err := NewCachedSource(next, rdb, time.Minute).Candidates(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestCachedSourceIgnoresCorruptEntry(t *testing.T) {
	next := &countingSource{users: []model.UserIdentity{{ID: "u1"}}}
	rdb := newFakeRedis()
	rdb.data[CacheKey] = "{not json"

	users, err := NewCachedSource(next, rdb, time.Minute).Candidates(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Equal(t, 1, next.calls)
}
