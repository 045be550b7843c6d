package relationship

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/gaspareduard/PlateifyAPP/internal/apperr"
	"github.com/gaspareduard/PlateifyAPP/internal/hub"
	"github.com/gaspareduard/PlateifyAPP/internal/model"
	"github.com/gaspareduard/PlateifyAPP/internal/store"
)

// Collection 关系边集合
const Collection = "friends"

var errSelfRequest = apperr.ErrInvalidState.WithMessage("You cannot send a friend request to yourself")

// Engine 好友关系状态机
// 每条边是有向的一行，"是否为好友" 由引擎同时检查两个方向得出
type Engine struct {
	gateway store.Gateway
	hub     *hub.Hub
	owner   string
	newID   func() string
	logger  *slog.Logger
}

// NewEngine 创建关系引擎，每个实例持有独立的订阅 owner
func NewEngine(gateway store.Gateway, h *hub.Hub) *Engine {
	return &Engine{
		gateway: gateway,
		hub:     h,
		owner:   "relationship-" + uuid.NewString(),
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
}

// SendRequest 发送好友请求
// 检查顺序：被对方拉黑 -> 重复请求 -> 对方已请求则自动接受 -> 已是好友 -> 创建
// 对方的有效边只有一条，拉黑和对方的 pending 请求不会同时存在
func (e *Engine) SendRequest(ctx context.Context, owner, peer string) (*model.RelationshipEdge, error) {
	if owner == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	if peer == "" || owner == peer {
		return nil, errSelfRequest
	}

	outgoing, err := e.findEdge(ctx, owner, peer)
	if err != nil {
		return nil, err
	}
	incoming, err := e.findEdge(ctx, peer, owner)
	if err != nil {
		return nil, err
	}

	if incoming != nil && incoming.Status == model.StatusBlocked {
		return nil, apperr.ErrBlocked
	}
	if outgoing != nil {
		switch outgoing.Status {
		case model.StatusPending:
			return nil, apperr.ErrDuplicateRequest
		case model.StatusBlocked:
			return nil, apperr.ErrInvalidState.WithMessage("Unblock this user before sending a friend request")
		}
	}

	if incoming != nil && incoming.Status == model.StatusPending {
		if err := e.setStatus(ctx, incoming.ID, model.StatusAccepted); err != nil {
			return nil, err
		}
		e.logger.Info("Auto-accepted incoming friend request", "edge", incoming.ID, "owner", owner, "peer", peer)
		return e.reload(ctx, incoming, model.StatusAccepted), nil
	}

	if outgoing != nil && outgoing.Status == model.StatusAccepted ||
		incoming != nil && incoming.Status == model.StatusAccepted {
		return nil, apperr.ErrAlreadyFriends
	}

	edge, err := e.create(ctx, owner, peer, model.StatusPending)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Friend request sent", "edge", edge.ID, "owner", owner, "peer", peer)
	return edge, nil
}

// AcceptRequest 接受好友请求，只有请求的接收方可以接受
func (e *Engine) AcceptRequest(ctx context.Context, caller, edgeID string) (*model.RelationshipEdge, error) {
	if caller == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	edge, err := e.get(ctx, edgeID)
	if err != nil {
		return nil, err
	}
	if edge == nil || edge.PeerID != caller {
		return nil, apperr.ErrNotFound
	}
	if edge.Status != model.StatusPending {
		return nil, apperr.ErrInvalidState
	}

	if err := e.setStatus(ctx, edge.ID, model.StatusAccepted); err != nil {
		return nil, err
	}
	e.logger.Info("Friend request accepted", "edge", edge.ID, "by", caller)
	return e.reload(ctx, edge, model.StatusAccepted), nil
}

// RejectRequest 拒绝（或撤回）好友请求，边被删除
// 边已经不存在时视为已拒绝
func (e *Engine) RejectRequest(ctx context.Context, caller, edgeID string) error {
	if caller == "" {
		return apperr.ErrNotAuthenticated
	}
	edge, err := e.get(ctx, edgeID)
	if err != nil {
		return err
	}
	if edge == nil {
		return nil
	}
	if !edge.Involves(caller) {
		return apperr.ErrNotFound
	}
	if edge.Status != model.StatusPending {
		return apperr.ErrInvalidState
	}

	if err := e.gateway.Delete(ctx, Collection, edge.ID); err != nil {
		return e.backendErr("reject request", err)
	}
	e.logger.Info("Friend request rejected", "edge", edge.ID, "by", caller)
	return nil
}

// RemoveFriend 删除一条 accepted 边，对方单独持有的边不受影响
func (e *Engine) RemoveFriend(ctx context.Context, caller, edgeID string) error {
	if caller == "" {
		return apperr.ErrNotAuthenticated
	}
	edge, err := e.get(ctx, edgeID)
	if err != nil {
		return err
	}
	if edge == nil {
		return nil
	}
	if !edge.Involves(caller) {
		return apperr.ErrNotFound
	}
	if edge.Status != model.StatusAccepted {
		return apperr.ErrInvalidState
	}

	if err := e.gateway.Delete(ctx, Collection, edge.ID); err != nil {
		return e.backendErr("remove friend", err)
	}
	e.logger.Info("Friend removed", "edge", edge.ID, "by", caller)
	return nil
}

// BlockUser 拉黑，已有的 owner -> peer 边被改为 blocked，反方向的边保持不变
func (e *Engine) BlockUser(ctx context.Context, owner, peer string) (*model.RelationshipEdge, error) {
	if owner == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	if peer == "" || owner == peer {
		return nil, apperr.ErrInvalidState.WithMessage("You cannot block yourself")
	}

	existing, err := e.findEdge(ctx, owner, peer)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == model.StatusBlocked {
			return existing, nil
		}
		if err := e.setStatus(ctx, existing.ID, model.StatusBlocked); err != nil {
			return nil, err
		}
		e.logger.Info("User blocked", "edge", existing.ID, "owner", owner, "peer", peer)
		return e.reload(ctx, existing, model.StatusBlocked), nil
	}

	edge, err := e.create(ctx, owner, peer, model.StatusBlocked)
	if err != nil {
		return nil, err
	}
	e.logger.Info("User blocked", "edge", edge.ID, "owner", owner, "peer", peer)
	return edge, nil
}

// UnblockUser 删除 owner 对 peer 的拉黑，没有拉黑时不报错
func (e *Engine) UnblockUser(ctx context.Context, owner, peer string) error {
	if owner == "" {
		return apperr.ErrNotAuthenticated
	}
	existing, err := e.findEdge(ctx, owner, peer)
	if err != nil {
		return err
	}
	if existing == nil || existing.Status != model.StatusBlocked {
		return nil
	}
	if err := e.gateway.Delete(ctx, Collection, existing.ID); err != nil {
		return e.backendErr("unblock user", err)
	}
	return nil
}

// AreConnected 任一方向存在 accepted 边即为好友
func (e *Engine) AreConnected(ctx context.Context, a, b string) (bool, error) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		docs, err := e.gateway.Query(ctx, Collection, store.Query{
			Where: []store.Predicate{
				store.Eq("ownerId", pair[0]),
				store.Eq("peerId", pair[1]),
				store.Eq("status", string(model.StatusAccepted)),
			},
			Limit: 1,
		})
		if err != nil {
			return false, e.backendErr("check connection", err)
		}
		if len(docs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) get(ctx context.Context, edgeID string) (*model.RelationshipEdge, error) {
	if edgeID == "" {
		return nil, nil
	}
	doc, err := e.gateway.Get(ctx, Collection, edgeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, e.backendErr("get edge", err)
	}
	var edge model.RelationshipEdge
	if err := doc.Decode(&edge); err != nil {
		return nil, e.backendErr("decode edge", err)
	}
	return &edge, nil
}

// findEdge 返回 owner -> peer 的有效边，rejected 状态的历史数据被忽略
func (e *Engine) findEdge(ctx context.Context, owner, peer string) (*model.RelationshipEdge, error) {
	docs, err := e.gateway.Query(ctx, Collection, store.Query{
		Where: []store.Predicate{
			store.Eq("ownerId", owner),
			store.Eq("peerId", peer),
		},
		OrderBy: []store.Order{{Field: "createdAt"}},
	})
	if err != nil {
		return nil, e.backendErr("find edge", err)
	}
	for _, doc := range docs {
		var edge model.RelationshipEdge
		if err := doc.Decode(&edge); err != nil {
			e.logger.Warn("Skip undecodable edge", "edge", doc.ID, "error", err)
			continue
		}
		if edge.Status.Active() {
			return &edge, nil
		}
	}
	return nil, nil
}

func (e *Engine) create(ctx context.Context, owner, peer string, status model.RelationshipStatus) (*model.RelationshipEdge, error) {
	id := e.newID()
	err := e.gateway.Put(ctx, Collection, id, map[string]any{
		"ownerId":   owner,
		"peerId":    peer,
		"members":   []string{owner, peer},
		"status":    string(status),
		"createdAt": store.ServerTimestamp(),
		"updatedAt": store.ServerTimestamp(),
	})
	if err != nil {
		return nil, e.backendErr("create edge", err)
	}
	return e.reload(ctx, &model.RelationshipEdge{
		ID:      id,
		OwnerID: owner,
		PeerID:  peer,
		Members: []string{owner, peer},
	}, status), nil
}

func (e *Engine) setStatus(ctx context.Context, edgeID string, status model.RelationshipStatus) error {
	err := e.gateway.Update(ctx, Collection, edgeID, map[string]any{
		"status":    string(status),
		"updatedAt": store.ServerTimestamp(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrNotFound
		}
		return e.backendErr("update edge status", err)
	}
	return nil
}

// reload 写入已成功，重新读取以带回服务端时间；读取失败时返回本地副本
func (e *Engine) reload(ctx context.Context, edge *model.RelationshipEdge, status model.RelationshipStatus) *model.RelationshipEdge {
	fresh, err := e.get(ctx, edge.ID)
	if err == nil && fresh != nil {
		return fresh
	}
	if err != nil {
		e.logger.Warn("Reload edge failed", "edge", edge.ID, "error", err)
	}
	local := *edge
	local.Status = status
	return &local
}

func (e *Engine) backendErr(op string, err error) error {
	e.logger.Error("Relationship backend call failed", "op", op, "error", err)
	return apperr.Transient(err)
}
