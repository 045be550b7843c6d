package relationship

import (
	"context"

	"github.com/gaspareduard/PlateifyAPP/internal/apperr"
	"github.com/gaspareduard/PlateifyAPP/internal/hub"
	"github.com/gaspareduard/PlateifyAPP/internal/model"
	"github.com/gaspareduard/PlateifyAPP/internal/store"
)

// EdgeSubscription 关系边快照订阅
type EdgeSubscription = hub.Subscription[model.RelationshipEdge]

// AcceptedEdges 订阅 owner 参与的全部 accepted 边
// ctx 取消不会关闭订阅，由 Close 或 StopListening 释放
func (e *Engine) AcceptedEdges(ctx context.Context, owner string) (*EdgeSubscription, error) {
	if owner == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	return e.listen(ctx, "accepted:"+owner, store.Query{
		Where: []store.Predicate{
			store.ArrayContains("members", owner),
			store.Eq("status", string(model.StatusAccepted)),
		},
		OrderBy: []store.Order{{Field: "updatedAt", Desc: true}},
	})
}

// PendingIncoming 订阅发给 owner 的待处理请求
func (e *Engine) PendingIncoming(ctx context.Context, owner string) (*EdgeSubscription, error) {
	if owner == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	return e.listen(ctx, "pending:"+owner, store.Query{
		Where: []store.Predicate{
			store.Eq("peerId", owner),
			store.Eq("status", string(model.StatusPending)),
		},
		OrderBy: []store.Order{{Field: "createdAt", Desc: true}},
	})
}

func (e *Engine) listen(ctx context.Context, channelID string, q store.Query) (*EdgeSubscription, error) {
	sub, err := hub.Subscribe(ctx, e.hub, e.owner, channelID, Collection, q, hub.DecodeJSON[model.RelationshipEdge])
	if err != nil {
		return nil, e.backendErr("subscribe "+channelID, err)
	}
	return sub, nil
}

// StopListening 关闭本引擎打开的全部订阅
func (e *Engine) StopListening() {
	e.hub.UnsubscribeAll(e.owner)
}

// Exclusions owner 的关系对端，按状态分组，用于发现页过滤
type Exclusions struct {
	Accepted []string
	Pending  []string
	Blocked  []string
}

// Exclusions 一次性读取 owner 参与的全部边
// Pending 包含双向的待处理请求，Blocked 包含双向的拉黑
func (e *Engine) Exclusions(ctx context.Context, owner string) (*Exclusions, error) {
	if owner == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	docs, err := e.gateway.Query(ctx, Collection, store.Query{
		Where: []store.Predicate{store.ArrayContains("members", owner)},
	})
	if err != nil {
		return nil, e.backendErr("load exclusions", err)
	}

	ex := &Exclusions{
		Accepted: []string{},
		Pending:  []string{},
		Blocked:  []string{},
	}
	for _, doc := range docs {
		var edge model.RelationshipEdge
		if err := doc.Decode(&edge); err != nil {
			e.logger.Warn("Skip undecodable edge", "edge", doc.ID, "error", err)
			continue
		}
		other := edge.Other(owner)
		switch edge.Status {
		case model.StatusAccepted:
			ex.Accepted = append(ex.Accepted, other)
		case model.StatusPending:
			ex.Pending = append(ex.Pending, other)
		case model.StatusBlocked:
			ex.Blocked = append(ex.Blocked, other)
		}
	}
	return ex, nil
}
