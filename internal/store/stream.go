package store

import (
	"context"
	"log/slog"
	"sync"
)

type fetchFunc func(ctx context.Context) ([]Document, error)

// refreshStream 收到变更通知后重新查询并推送完整结果集
// 多个通知会合并成一次查询，消费者只会看到最新的快照
type refreshStream struct {
	trigger chan struct{}
	out     chan []Document
	fetch   fetchFunc
	onClose func()
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newRefreshStream(ctx context.Context, fetch fetchFunc) *refreshStream {
	ctx, cancel := context.WithCancel(ctx)
	return &refreshStream{
		trigger: make(chan struct{}, 1),
		out:     make(chan []Document, 1),
		fetch:   fetch,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// start 先推送一次初始快照，之后每次通知推送一次
func (s *refreshStream) start() {
	s.notify()
	go s.run()
}

func (s *refreshStream) notify() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *refreshStream) run() {
	defer close(s.done)
	defer close(s.out)
	defer s.cleanup()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.trigger:
		}

		docs, err := s.fetch(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("stream refresh failed", "error", err)
			s.setErr(err)
			return
		}

		// 丢弃未被消费的旧快照
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- docs:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *refreshStream) cleanup() {
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *refreshStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *refreshStream) Snapshots() <-chan []Document {
	return s.out
}

func (s *refreshStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail 由外部监听源报告致命错误
func (s *refreshStream) fail(err error) {
	s.setErr(err)
	s.cancel()
}

func (s *refreshStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}
