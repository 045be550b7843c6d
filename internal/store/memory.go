package store

import (
	"context"
	"log/slog"
	"sync"
)

// Memory 进程内文档存储，语义与远端后端一致
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	watchers    map[string]map[*refreshStream]struct{}
	clock       *Clock
	logger      *slog.Logger
}

// NewMemory 创建进程内存储
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]map[string]any),
		watchers:    make(map[string]map[*refreshStream]struct{}),
		clock:       NewClock(),
		logger:      slog.Default(),
	}
}

// Get 读取单个文档
func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.collections[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: deepCopyMap(data)}, nil
}

// Query 按谓词查询
func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	preds, err := normalizePredicates(q.Where)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	docs := make([]Document, 0)
	for id, data := range m.collections[collection] {
		if Matches(data, preds) {
			docs = append(docs, Document{ID: id, Data: deepCopyMap(data)})
		}
	}
	m.mu.RUnlock()

	return SortDocuments(docs, q.OrderBy, q.Limit), nil
}

// Put 整体替换文档
func (m *Memory) Put(ctx context.Context, collection, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved, err := resolvePut(data, m.clock.Now())
	if err != nil {
		return err
	}
	delete(resolved, "id")

	m.mu.Lock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]map[string]any)
		m.collections[collection] = coll
	}
	coll[id] = resolved
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

// Update 合并字段
func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	current, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	next, err := applyUpdate(current, fields, m.clock.Now())
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.collections[collection][id] = next
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

// Delete 删除文档，不存在时不报错
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	_, existed := m.collections[collection][id]
	delete(m.collections[collection], id)
	m.mu.Unlock()

	if existed {
		m.notify(collection)
	}
	return nil
}

// Subscribe 订阅查询结果，集合每次变化推送一次完整快照
func (m *Memory) Subscribe(ctx context.Context, collection string, q Query) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := normalizePredicates(q.Where); err != nil {
		return nil, err
	}

	s := newRefreshStream(ctx, func(ctx context.Context) ([]Document, error) {
		return m.Query(ctx, collection, q)
	})
	s.onClose = func() {
		m.mu.Lock()
		delete(m.watchers[collection], s)
		if len(m.watchers[collection]) == 0 {
			delete(m.watchers, collection)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	w, ok := m.watchers[collection]
	if !ok {
		w = make(map[*refreshStream]struct{})
		m.watchers[collection] = w
	}
	w[s] = struct{}{}
	m.mu.Unlock()

	s.start()
	m.logger.Debug("memory subscription opened", "collection", collection)
	return s, nil
}

// ActiveSubscriptions 当前存活的推送注册数量
func (m *Memory) ActiveSubscriptions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, w := range m.watchers {
		n += len(w)
	}
	return n
}

func (m *Memory) notify(collection string) {
	m.mu.RLock()
	streams := make([]*refreshStream, 0, len(m.watchers[collection]))
	for s := range m.watchers[collection] {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	for _, s := range streams {
		s.notify()
	}
}
