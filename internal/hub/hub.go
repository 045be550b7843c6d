package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gaspareduard/PlateifyAPP/internal/store"
)

// Decoder 把原始文档解码为实体
type Decoder[T any] func(store.Document) (T, error)

// DecodeJSON 默认解码器，文档按 JSON 字段映射到 T
func DecodeJSON[T any](doc store.Document) (T, error) {
	var v T
	err := doc.Decode(&v)
	return v, err
}

// Snapshot 一次推送的完整结果集，Version 在同一通道内递增
type Snapshot[T any] struct {
	Version uint64
	Items   []T
}

type channelKey struct {
	owner string
	id    string
}

// channel 一个存活的推送注册
type channel struct {
	key        channelKey
	collection string
	stream     store.Stream
	done       chan struct{}
	closeOnce  sync.Once
}

func (c *channel) close() {
	c.closeOnce.Do(func() {
		c.stream.Close()
		<-c.done
	})
}

// Hub 订阅中心，同一 owner 下每个通道 ID 最多一个存活订阅
type Hub struct {
	gateway  store.Gateway
	mu       sync.Mutex
	channels map[channelKey]*channel
	metrics  *Metrics
	logger   *slog.Logger
}

// New 创建订阅中心，metrics 可以为 nil
func New(gateway store.Gateway, metrics *Metrics) *Hub {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		gateway:  gateway,
		channels: make(map[channelKey]*channel),
		metrics:  metrics,
		logger:   slog.Default(),
	}
}

// Subscription 类型化的订阅句柄
type Subscription[T any] struct {
	ch      *channel
	updates chan Snapshot[T]
}

// Updates 快照通道，订阅关闭后被关闭
// 消费方来不及读取时旧快照被新快照覆盖
func (s *Subscription[T]) Updates() <-chan Snapshot[T] {
	return s.updates
}

// Close 关闭订阅，可重复调用
func (s *Subscription[T]) Close() {
	s.ch.close()
}

// Err 订阅因后端错误关闭时返回该错误
func (s *Subscription[T]) Err() error {
	return s.ch.stream.Err()
}

// ChannelID 通道 ID
func (s *Subscription[T]) ChannelID() string {
	return s.ch.key.id
}

// Subscribe 打开通道，同一 owner 下已存在的同名通道先被关闭
// ctx 只约束打开通道本身；通道打开后的生命周期由 Close、Unsubscribe 或后端错误决定
// 单个文档解码失败时跳过该文档，其余文档照常推送
func Subscribe[T any](ctx context.Context, h *Hub, owner, channelID, collection string, q store.Query, decode Decoder[T]) (*Subscription[T], error) {
	key := channelKey{owner: owner, id: channelID}

	if prev := h.detach(key); prev != nil {
		h.metrics.replaced.Inc()
		h.logger.Debug("replacing channel", "owner", owner, "channel", channelID)
		prev.close()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// 通道只随 Close / Unsubscribe 结束，不跟随发起订阅的请求 ctx
	stream, err := h.gateway.Subscribe(context.WithoutCancel(ctx), collection, q)
	if err != nil {
		return nil, err
	}

	ch := &channel{
		key:        key,
		collection: collection,
		stream:     stream,
		done:       make(chan struct{}),
	}
	sub := &Subscription[T]{
		ch:      ch,
		updates: make(chan Snapshot[T], 1),
	}

	h.mu.Lock()
	displaced := h.channels[key]
	h.channels[key] = ch
	h.mu.Unlock()
	h.metrics.openChannels.Inc()

	// 并发 Subscribe 同一通道时后到者胜出
	if displaced != nil {
		h.metrics.replaced.Inc()
		displaced.close()
	}

	go pump(h, sub, decode)

	h.logger.Debug("channel opened", "owner", owner, "channel", channelID, "collection", collection)
	return sub, nil
}

func pump[T any](h *Hub, sub *Subscription[T], decode Decoder[T]) {
	ch := sub.ch
	defer close(ch.done)
	defer h.release(ch)
	defer close(sub.updates)

	var version uint64
	for docs := range ch.stream.Snapshots() {
		items := make([]T, 0, len(docs))
		for _, doc := range docs {
			item, err := decode(doc)
			if err != nil {
				h.metrics.decodeFailures.WithLabelValues(ch.collection).Inc()
				h.logger.Warn("dropping undecodable document",
					"channel", ch.key.id,
					"collection", ch.collection,
					"id", doc.ID,
					"error", err,
				)
				continue
			}
			items = append(items, item)
		}

		version++
		snap := Snapshot[T]{Version: version, Items: items}
		select {
		case <-sub.updates:
		default:
		}
		sub.updates <- snap
		h.metrics.snapshots.WithLabelValues(ch.collection).Inc()
	}

	if err := ch.stream.Err(); err != nil {
		h.logger.Error("channel closed by stream error", "channel", ch.key.id, "collection", ch.collection, "error", err)
	}
}

// detach 从表中移除通道但不关闭
func (h *Hub) detach(key channelKey) *channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[key]
	if !ok {
		return nil
	}
	delete(h.channels, key)
	return ch
}

// release 通道结束时调用，只移除仍然是当前注册的通道
func (h *Hub) release(ch *channel) {
	h.mu.Lock()
	if h.channels[ch.key] == ch {
		delete(h.channels, ch.key)
	}
	h.mu.Unlock()
	h.metrics.openChannels.Dec()
}

// Unsubscribe 关闭通道，通道不存在时什么也不做
func (h *Hub) Unsubscribe(owner, channelID string) {
	if ch := h.detach(channelKey{owner: owner, id: channelID}); ch != nil {
		ch.close()
	}
}

// UnsubscribeAll 关闭 owner 的全部通道
func (h *Hub) UnsubscribeAll(owner string) {
	h.mu.Lock()
	var chans []*channel
	for key, ch := range h.channels {
		if key.owner == owner {
			chans = append(chans, ch)
			delete(h.channels, key)
		}
	}
	h.mu.Unlock()

	for _, ch := range chans {
		ch.close()
	}
	if len(chans) > 0 {
		h.logger.Debug("owner channels closed", "owner", owner, "count", len(chans))
	}
}

// IsOpen 通道是否存活
func (h *Hub) IsOpen(owner, channelID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.channels[channelKey{owner: owner, id: channelID}]
	return ok
}

// OpenChannels owner 当前存活的通道数
func (h *Hub) OpenChannels(owner string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for key := range h.channels {
		if key.owner == owner {
			n++
		}
	}
	return n
}

// Close 关闭所有通道
func (h *Hub) Close() {
	h.mu.Lock()
	chans := make([]*channel, 0, len(h.channels))
	for key, ch := range h.channels {
		chans = append(chans, ch)
		delete(h.channels, key)
	}
	h.mu.Unlock()

	for _, ch := range chans {
		ch.close()
	}
}
