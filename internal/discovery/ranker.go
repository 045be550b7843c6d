package discovery

import (
	"context"
	"log/slog"
	"sort"

	"github.com/gaspareduard/PlateifyAPP/internal/apperr"
	"github.com/gaspareduard/PlateifyAPP/internal/model"
)

// Request 一次发现请求
type Request struct {
	Owner           string
	ExcludeAccepted []string
	ExcludePending  []string
	ExcludeBlocked  []string
	// Reference 为 nil 时不计算距离，保持输入顺序
	Reference *model.GeoPoint
	// MaxDistanceKm 为 0 表示不限制，没有坐标的候选人不受限制
	MaxDistanceKm float64
}

// Rank 过滤并排序候选人
// 有参考点时按距离升序，距离相同按用户 ID，没有坐标的排在最后
func Rank(users []model.UserIdentity, req Request) []model.DiscoveryCandidate {
	excluded := make(map[string]struct{}, len(req.ExcludeAccepted)+len(req.ExcludePending)+len(req.ExcludeBlocked)+1)
	excluded[req.Owner] = struct{}{}
	for _, ids := range [][]string{req.ExcludeAccepted, req.ExcludePending, req.ExcludeBlocked} {
		for _, id := range ids {
			excluded[id] = struct{}{}
		}
	}

	out := make([]model.DiscoveryCandidate, 0, len(users))
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		if _, ok := excluded[u.ID]; ok {
			continue
		}
		if !u.Discoverable() {
			continue
		}

		c := model.DiscoveryCandidate{User: u}
		if req.Reference != nil {
			if loc := u.Location(); loc != nil {
				d := DistanceKm(*req.Reference, *loc)
				if req.MaxDistanceKm > 0 && d > req.MaxDistanceKm {
					continue
				}
				c.DistanceKm = &d
			}
		}
		out = append(out, c)
	}

	if req.Reference != nil {
		sort.SliceStable(out, func(i, j int) bool {
			return candidateLess(out[i], out[j])
		})
	}
	return out
}

func candidateLess(a, b model.DiscoveryCandidate) bool {
	switch {
	case a.DistanceKm == nil && b.DistanceKm == nil:
		return a.User.ID < b.User.ID
	case a.DistanceKm == nil:
		return false
	case b.DistanceKm == nil:
		return true
	case *a.DistanceKm != *b.DistanceKm:
		return *a.DistanceKm < *b.DistanceKm
	}
	return a.User.ID < b.User.ID
}

// Ranker 发现页排序服务
type Ranker struct {
	source    Source
	pageLimit int
	logger    *slog.Logger
}

// NewRanker 创建排序服务，pageLimit 限制每次读取的候选人数量
func NewRanker(source Source, pageLimit int) *Ranker {
	if pageLimit <= 0 {
		pageLimit = 200
	}
	return &Ranker{
		source:    source,
		pageLimit: pageLimit,
		logger:    slog.Default(),
	}
}

// RankCandidates 读取候选人并排序，结果为空时返回空切片
func (r *Ranker) RankCandidates(ctx context.Context, req Request) ([]model.DiscoveryCandidate, error) {
	if req.Owner == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	if req.Reference != nil && !ValidPoint(*req.Reference) {
		return nil, apperr.ErrInvalidState.WithMessage("Invalid location")
	}

	users, err := r.source.Candidates(ctx, r.pageLimit)
	if err != nil {
		r.logger.Error("Failed to load discovery candidates", "owner", req.Owner, "error", err)
		return nil, apperr.Transient(err)
	}

	ranked := Rank(users, req)
	r.logger.Debug("Discovery ranked", "owner", req.Owner, "fetched", len(users), "candidates", len(ranked))
	return ranked, nil
}
