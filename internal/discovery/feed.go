package discovery

import (
	"context"
	"errors"
	"sync"

	"github.com/gaspareduard/PlateifyAPP/internal/model"
)

// ErrSuperseded 请求完成前已有更新的请求
var ErrSuperseded = errors.New("discovery request superseded")

// Feed 发现页结果，后发起的请求胜出
// 新的 Refresh 会取消仍在进行的旧请求，旧请求的结果不会覆盖 Current
type Feed struct {
	ranker *Ranker

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	current []model.DiscoveryCandidate
}

// NewFeed 创建发现页
func NewFeed(ranker *Ranker) *Feed {
	return &Feed{
		ranker:  ranker,
		current: []model.DiscoveryCandidate{},
	}
}

// Refresh 发起新的发现请求
func (f *Feed) Refresh(ctx context.Context, req Request) ([]model.DiscoveryCandidate, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.mu.Lock()
	f.gen++
	gen := f.gen
	if f.cancel != nil {
		f.cancel()
	}
	f.cancel = cancel
	f.mu.Unlock()

	ranked, err := f.ranker.RankCandidates(ctx, req)

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return nil, ErrSuperseded
	}
	f.cancel = nil
	if err != nil {
		return nil, err
	}
	f.current = ranked
	return ranked, nil
}

// Current 最近一次成功且未被取代的结果
func (f *Feed) Current() []model.DiscoveryCandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}
