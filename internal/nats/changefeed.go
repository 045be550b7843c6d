package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// ChangeEvent 集合变更通知，只携带文档 ID，订阅方自行重新查询
type ChangeEvent struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// Conn ChangeFeed 使用的连接能力
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// ChangeFeed 基于 NATS 主题的集合变更通知
// 主题格式 <prefix>.<collection>
type ChangeFeed struct {
	conn   Conn
	prefix string
	logger *slog.Logger

	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func()
}

// NewChangeFeed 创建变更通知
func NewChangeFeed(conn Conn, prefix string) *ChangeFeed {
	if prefix == "" {
		prefix = "plateify.changes"
	}
	return &ChangeFeed{
		conn:   conn,
		prefix:    strings.TrimSuffix(prefix, "."),
		logger:    slog.Default(),
		listeners: make(map[uint64]func()),
	}
}

// Subject 集合对应的主题
func (f *ChangeFeed) Subject(collection string) string {
	return f.prefix + "." + collection
}

// Publish 发布变更
func (f *ChangeFeed) Publish(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ChangeEvent{Collection: collection, ID: id})
	if err != nil {
		return err
	}
	return f.conn.Publish(f.Subject(collection), data)
}

// Listen 订阅集合变更，fn 在 NATS 回调协程中执行，不能阻塞
func (f *ChangeFeed) Listen(collection string, fn func()) (func(), error) {
	subject := f.Subject(collection)
	sub, err := f.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			f.logger.Warn("Invalid change event", "subject", msg.Subject, "error", err)
		}
		f.logger.Debug("Change received", "collection", collection, "id", ev.ID)
		fn()
	})
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			f.logger.Warn("Unsubscribe failed", "subject", subject, "error", err)
		}
	}, nil
}

// Resync 触发全部监听者重新查询，用于断线重连后补上可能丢失的通知
func (f *ChangeFeed) Resync() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	f.logger.Info("Change feed resync", "listeners", len(fns))
	for _, fn := range fns {
		fn()
	}
}
