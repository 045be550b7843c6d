package health

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"

	checkTimeout = 2 * time.Second
)

// CheckFunc 单个依赖的探活函数
type CheckFunc func(ctx context.Context) error

// Status 健康状态
type Status struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
}

// Checker 健康检查器，只检查实际启用的依赖
type Checker struct {
	names  []string
	checks map[string]CheckFunc
}

// NewChecker 创建健康检查器
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Add 注册依赖，check 为 nil 时忽略
func (h *Checker) Add(name string, check CheckFunc) *Checker {
	if check == nil {
		return h
	}
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
	return h
}

// Check 并发执行全部探活
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{Healthy: true, Components: make(map[string]string, len(h.names))}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range h.names {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			state := StatusConnected
			if err := check(checkCtx); err != nil {
				state = StatusDisconnected
			}
			mu.Lock()
			status.Components[name] = state
			if state != StatusConnected {
				status.Healthy = false
			}
			mu.Unlock()
		}(name, h.checks[name])
	}
	wg.Wait()
	return status
}

// IsHealthy 检查是否健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Healthy
}

// NATS 连接状态探活
func NATS(nc *nats.Conn) CheckFunc {
	if nc == nil {
		return nil
	}
	return func(context.Context) error {
		if !nc.IsConnected() {
			return nats.ErrConnectionClosed
		}
		return nil
	}
}

// Redis PING 探活
func Redis(client *redis.Client) CheckFunc {
	if client == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// Postgres 连接池探活
func Postgres(pool *pgxpool.Pool) CheckFunc {
	if pool == nil {
		return nil
	}
	return pool.Ping
}

// Mongo 主节点探活
func Mongo(client *mongo.Client) CheckFunc {
	if client == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Primary())
	}
}
