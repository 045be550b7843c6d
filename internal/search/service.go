package search

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/gaspareduard/PlateifyAPP/internal/apperr"
	"github.com/gaspareduard/PlateifyAPP/internal/discovery"
	"github.com/gaspareduard/PlateifyAPP/internal/model"
	"github.com/gaspareduard/PlateifyAPP/internal/store"
)

const (
	SearchesCollection = "searches"

	defaultHistoryLimit = 20
	userResultLimit     = 20

	// prefixEnd 拼在前缀后作为范围查询上界
	prefixEnd = "\uf8ff"
)

// Service 车牌搜索、用户名搜索和搜索历史
type Service struct {
	gateway      store.Gateway
	historyLimit int
	newID        func() string
	logger       *slog.Logger
}

// NewService 创建搜索服务，historyLimit <= 0 时使用默认值
func NewService(gateway store.Gateway, historyLimit int) *Service {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Service{
		gateway:      gateway,
		historyLimit: historyLimit,
		newID:        uuid.NewString,
		logger:       slog.Default(),
	}
}

// NormalizePlate 转为大写并只保留字母和数字
func NormalizePlate(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SearchPlate 查找登记了该车牌的用户并记录一条搜索历史
// 没有匹配时返回 nil, nil
func (s *Service) SearchPlate(ctx context.Context, caller, plate string) (*model.UserSummary, error) {
	if caller == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	norm := NormalizePlate(plate)
	if norm == "" {
		return nil, apperr.ErrInvalidState.WithMessage("Enter a plate number")
	}

	docs, err := s.gateway.Query(ctx, discovery.UsersCollection, store.Query{
		Where: []store.Predicate{store.ArrayContains("plateNumbers", norm)},
		Limit: 1,
	})
	if err != nil {
		return nil, s.backendErr("search plate", err)
	}

	var found *model.UserSummary
	if len(docs) > 0 {
		var u model.UserIdentity
		if err := docs[0].Decode(&u); err != nil {
			s.logger.Warn("Skip undecodable user", "user", docs[0].ID, "error", err)
		} else {
			summary := u.Summary()
			found = &summary
		}
	}

	record := map[string]any{
		"userId":      caller,
		"plateNumber": norm,
		"timestamp":   store.ServerTimestamp(),
		"resultFound": found != nil,
	}
	if found != nil {
		record["resultUserId"] = found.ID
	}
	// 历史记录写失败不影响搜索结果
	if err := s.gateway.Put(ctx, SearchesCollection, s.newID(), record); err != nil {
		s.logger.Warn("Record search failed", "user", caller, "plate", norm, "error", err)
	}

	return found, nil
}

// SearchUsers 按用户名前缀搜索，不包含调用者自己
func (s *Service) SearchUsers(ctx context.Context, caller, prefix string) ([]model.UserSummary, error) {
	if caller == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, nil
	}

	docs, err := s.gateway.Query(ctx, discovery.UsersCollection, store.Query{
		Where: []store.Predicate{
			store.Gte("username", prefix),
			store.Lte("username", prefix+prefixEnd),
		},
		OrderBy: []store.Order{{Field: "username"}},
		Limit:   userResultLimit + 1,
	})
	if err != nil {
		return nil, s.backendErr("search users", err)
	}

	out := make([]model.UserSummary, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == caller {
			continue
		}
		var u model.UserIdentity
		if err := doc.Decode(&u); err != nil {
			s.logger.Warn("Skip undecodable user", "user", doc.ID, "error", err)
			continue
		}
		out = append(out, u.Summary())
		if len(out) == userResultLimit {
			break
		}
	}
	return out, nil
}

// RecentSearches 最近的搜索记录，新的在前
func (s *Service) RecentSearches(ctx context.Context, caller string) ([]model.SearchRecord, error) {
	if caller == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	docs, err := s.gateway.Query(ctx, SearchesCollection, store.Query{
		Where:   []store.Predicate{store.Eq("userId", caller)},
		OrderBy: []store.Order{{Field: "timestamp", Desc: true}},
		Limit:   s.historyLimit,
	})
	if err != nil {
		return nil, s.backendErr("recent searches", err)
	}
	out := make([]model.SearchRecord, 0, len(docs))
	for _, doc := range docs {
		var r model.SearchRecord
		if err := doc.Decode(&r); err != nil {
			s.logger.Warn("Skip undecodable search record", "search", doc.ID, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ClearHistory 删除调用者的全部搜索记录
func (s *Service) ClearHistory(ctx context.Context, caller string) error {
	if caller == "" {
		return apperr.ErrNotAuthenticated
	}
	docs, err := s.gateway.Query(ctx, SearchesCollection, store.Query{
		Where: []store.Predicate{store.Eq("userId", caller)},
	})
	if err != nil {
		return s.backendErr("list searches", err)
	}

	for i, doc := range docs {
		if err := s.gateway.Delete(ctx, SearchesCollection, doc.ID); err != nil {
			s.logger.Error("Delete search record failed", "user", caller, "search", doc.ID, "deleted", i, "error", err)
			if i == 0 {
				return apperr.Transient(err)
			}
			return apperr.Partial("delete search history", err)
		}
	}
	s.logger.Info("Search history cleared", "user", caller, "count", len(docs))
	return nil
}

func (s *Service) backendErr(op string, err error) error {
	s.logger.Error("Search backend call failed", "op", op, "error", err)
	return apperr.Transient(err)
}
