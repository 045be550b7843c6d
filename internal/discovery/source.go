package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspareduard/PlateifyAPP/internal/model"
	"github.com/gaspareduard/PlateifyAPP/internal/store"
)

// UsersCollection 用户身份集合
const UsersCollection = "users"

// Source 候选人来源
type Source interface {
	Candidates(ctx context.Context, limit int) ([]model.UserIdentity, error)
}

// StoreSource 从文档存储读取用户
type StoreSource struct {
	gateway store.Gateway
	logger  *slog.Logger
}

// NewStoreSource 创建存储来源
func NewStoreSource(gateway store.Gateway) *StoreSource {
	return &StoreSource{
		gateway: gateway,
		logger:  slog.Default(),
	}
}

// Candidates 读取至多 limit 个用户，无法解码的用户被跳过
func (s *StoreSource) Candidates(ctx context.Context, limit int) ([]model.UserIdentity, error) {
	docs, err := s.gateway.Query(ctx, UsersCollection, store.Query{Limit: limit})
	if err != nil {
		return nil, err
	}
	users := make([]model.UserIdentity, 0, len(docs))
	for _, doc := range docs {
		var u model.UserIdentity
		if err := doc.Decode(&u); err != nil {
			s.logger.Warn("Failed to decode user", "id", doc.ID, "error", err)
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// RedisClient 缓存使用的 redis 操作
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisAdapter 把 *redis.Client 适配为 RedisClient
type RedisAdapter struct {
	client *redis.Client
}

// NewRedisAdapter 创建适配器
func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *RedisAdapter) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *RedisAdapter) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// CachedSource 在 redis 中缓存一页候选人
// 缓存读写失败只记录日志并回落到下层来源
type CachedSource struct {
	next   Source
	redis  RedisClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedSource 创建缓存来源
func NewCachedSource(next Source, client RedisClient, ttl time.Duration) *CachedSource {
	return &CachedSource{
		next:   next,
		redis:  client,
		ttl:    ttl,
		logger: slog.Default(),
	}
}

// CacheKey 候选人缓存的 redis key
const CacheKey = "discovery:users"

type cachedPage struct {
	Limit int                  `json:"limit"`
	Users []model.UserIdentity `json:"users"`
}

// Candidates 先查缓存，未命中或页大小不同时读取下层来源并回填
func (c *CachedSource) Candidates(ctx context.Context, limit int) ([]model.UserIdentity, error) {
	raw, err := c.redis.Get(ctx, CacheKey)
	switch {
	case err == nil:
		var page cachedPage
		if uerr := json.Unmarshal([]byte(raw), &page); uerr != nil {
			c.logger.Warn("Failed to unmarshal cached candidates", "key", CacheKey, "error", uerr)
		} else if page.Limit == limit {
			return page.Users, nil
		}
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("Candidate cache read failed", "key", CacheKey, "error", err)
	}

	users, err := c.next.Candidates(ctx, limit)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(cachedPage{Limit: limit, Users: users})
	if err == nil {
		if err := c.redis.Set(ctx, CacheKey, data, c.ttl); err != nil {
			c.logger.Warn("Candidate cache write failed", "key", CacheKey, "error", err)
		}
	}
	return users, nil
}

// Invalidate 清除缓存
func (c *CachedSource) Invalidate(ctx context.Context) error {
	return c.redis.Del(ctx, CacheKey)
}
