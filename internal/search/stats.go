package search

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/gaspareduard/PlateifyAPP/internal/apperr"
	"github.com/gaspareduard/PlateifyAPP/internal/conversation"
	"github.com/gaspareduard/PlateifyAPP/internal/model"
	"github.com/gaspareduard/PlateifyAPP/internal/relationship"
	"github.com/gaspareduard/PlateifyAPP/internal/store"
)

// Stats 个人主页计数
type Stats struct {
	Friends       int `json:"friends"`
	Conversations int `json:"conversations"`
	Searches      int `json:"searches"`
}

// Stats 统计 user 的好友数、会话数和搜索次数，三个查询并发执行
// 好友按对端去重，两个方向都存在 accepted 边时只算一个
func (s *Service) Stats(ctx context.Context, user string) (*Stats, error) {
	if user == "" {
		return nil, apperr.ErrNotAuthenticated
	}

	var out Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := s.gateway.Query(gctx, relationship.Collection, store.Query{
			Where: []store.Predicate{
				store.ArrayContains("members", user),
				store.Eq("status", string(model.StatusAccepted)),
			},
		})
		if err != nil {
			return err
		}
		peers := make(map[string]struct{}, len(docs))
		for _, doc := range docs {
			var edge model.RelationshipEdge
			if err := doc.Decode(&edge); err != nil {
				s.logger.Warn("Skip undecodable edge", "edge", doc.ID, "error", err)
				continue
			}
			peers[edge.Other(user)] = struct{}{}
		}
		out.Friends = len(peers)
		return nil
	})
	g.Go(func() error {
		docs, err := s.gateway.Query(gctx, conversation.ConversationsCollection, store.Query{
			Where: []store.Predicate{store.ArrayContains("participants", user)},
		})
		if err != nil {
			return err
		}
		out.Conversations = len(docs)
		return nil
	})
	g.Go(func() error {
		docs, err := s.gateway.Query(gctx, SearchesCollection, store.Query{
			Where: []store.Predicate{store.Eq("userId", user)},
		})
		if err != nil {
			return err
		}
		out.Searches = len(docs)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, s.backendErr("stats", err)
	}
	return &out, nil
}
