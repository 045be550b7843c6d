package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/gaspareduard/PlateifyAPP/internal/apperr"
	"github.com/gaspareduard/PlateifyAPP/internal/hub"
	"github.com/gaspareduard/PlateifyAPP/internal/model"
	"github.com/gaspareduard/PlateifyAPP/internal/store"
)

const (
	ConversationsCollection = "conversations"
	MessagesCollection      = "messages"
)

// Manager 会话与消息管理
//
// 创建会话、发送消息、删除会话都是没有跨步原子性的多步写入，
// 只完成部分步骤时返回 PartialFailure，由调用方决定是否重试或调用 ReconcileLastMessage。
type Manager struct {
	gateway      store.Gateway
	hub          *hub.Hub
	owner        string
	group        singleflight.Group
	newID        func() string
	newMessageID func() string
	logger       *slog.Logger
}

// NewManager 创建会话管理器
func NewManager(gateway store.Gateway, h *hub.Hub) *Manager {
	return &Manager{
		gateway:      gateway,
		hub:          h,
		owner:        "conversation-" + uuid.NewString(),
		newID:        uuid.NewString,
		newMessageID: func() string { return ulid.Make().String() },
		logger:       slog.Default(),
	}
}

// pairKey 无序用户对的稳定 key
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// CreateConversation 返回 a 与 b 之间的会话，不存在时创建
// 进程内的并发调用合并为一次；跨进程的竞争可能产生重复会话，此时返回最早的那个并附带 PartialFailure
func (m *Manager) CreateConversation(ctx context.Context, a, b string) (*model.Conversation, error) {
	if a == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	if b == "" || a == b {
		return nil, apperr.ErrInvalidState.WithMessage("You cannot start a conversation with yourself")
	}

	// 合并后的创建与单个调用者的生命周期解绑，各调用者只按自己的 ctx 放弃等待
	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(pairKey(a, b), func() (any, error) {
		return m.createOnce(shared, a, b)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, apperr.Transient(ctx.Err())
	case res = <-ch:
	}
	if res.Shared {
		m.logger.Debug("Conversation create shared", "a", a, "b", b)
	}
	conv, _ := res.Val.(*model.Conversation)
	if conv == nil {
		return nil, res.Err
	}
	return cloneConversation(conv), res.Err
}

// cloneConversation 合并调用共享同一个结果，返回前复制可变字段
func cloneConversation(c *model.Conversation) *model.Conversation {
	out := *c
	if c.LastMessage != nil {
		v := *c.LastMessage
		out.LastMessage = &v
	}
	if c.LastMessageAt != nil {
		v := *c.LastMessageAt
		out.LastMessageAt = &v
	}
	if c.LastSenderID != nil {
		v := *c.LastSenderID
		out.LastSenderID = &v
	}
	out.Participants = append([]string(nil), c.Participants...)
	if c.UnreadCount != nil {
		out.UnreadCount = make(map[string]int, len(c.UnreadCount))
		for k, v := range c.UnreadCount {
			out.UnreadCount[k] = v
		}
	}
	return &out
}

func (m *Manager) createOnce(ctx context.Context, a, b string) (*model.Conversation, error) {
	existing, err := m.findByPair(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &existing[0], nil
	}

	id := m.newID()
	err = m.gateway.Put(ctx, ConversationsCollection, id, map[string]any{
		"participants": []string{a, b},
		"unreadCount":  map[string]int{a: 0, b: 0},
		"createdAt":    store.ServerTimestamp(),
		"updatedAt":    store.ServerTimestamp(),
	})
	if err != nil {
		return nil, m.backendErr("create conversation", err)
	}
	m.logger.Info("Conversation created", "conversation", id, "a", a, "b", b)

	after, err := m.findByPair(ctx, a, b)
	if err != nil || len(after) == 0 {
		m.logger.Warn("Re-reading created conversation failed", "conversation", id, "error", err)
		return &model.Conversation{
			ID:           id,
			Participants: []string{a, b},
			UnreadCount:  map[string]int{a: 0, b: 0},
		}, nil
	}
	if len(after) > 1 {
		m.logger.Warn("Duplicate conversations for pair", "a", a, "b", b, "count", len(after), "canonical", after[0].ID)
		return &after[0], apperr.Partial("create conversation",
			fmt.Errorf("%d conversations exist for the pair, canonical %s", len(after), after[0].ID))
	}
	return &after[0], nil
}

// findByPair 返回两人之间的全部会话，最早创建的在前
func (m *Manager) findByPair(ctx context.Context, a, b string) ([]model.Conversation, error) {
	docs, err := m.gateway.Query(ctx, ConversationsCollection, store.Query{
		Where:   []store.Predicate{store.ArrayContains("participants", a)},
		OrderBy: []store.Order{{Field: "createdAt"}},
	})
	if err != nil {
		return nil, m.backendErr("find conversation", err)
	}
	var out []model.Conversation
	for _, doc := range docs {
		var c model.Conversation
		if err := doc.Decode(&c); err != nil {
			m.logger.Warn("Skip undecodable conversation", "conversation", doc.ID, "error", err)
			continue
		}
		if len(c.Participants) == 2 && c.HasParticipant(b) {
			out = append(out, c)
		}
	}
	return out, nil
}

// SendMessage 追加消息并更新会话的最后一条消息和接收方未读数
// 消息写入成功但会话更新失败时返回消息 ID 和 PartialFailure
func (m *Manager) SendMessage(ctx context.Context, conversationID, sender, content string, kind model.MessageKind) (string, error) {
	if sender == "" {
		return "", apperr.ErrNotAuthenticated
	}
	if strings.TrimSpace(content) == "" {
		return "", apperr.ErrInvalidState.WithMessage("Message cannot be empty")
	}
	if kind == "" {
		kind = model.MessageKindText
	}
	if !kind.Valid() {
		return "", apperr.ErrInvalidState.WithMessage("Unsupported message type")
	}

	conv, err := m.participantConversation(ctx, conversationID, sender)
	if err != nil {
		return "", err
	}
	receiver := conv.OtherParticipant(sender)

	id := m.newMessageID()
	err = m.gateway.Put(ctx, MessagesCollection, id, map[string]any{
		"conversationId": conv.ID,
		"senderId":       sender,
		"receiverId":     receiver,
		"content":        content,
		"type":           string(kind),
		"timestamp":      store.ServerTimestamp(),
		"isRead":         false,
	})
	if err != nil {
		return "", m.backendErr("append message", err)
	}

	err = m.gateway.Update(ctx, ConversationsCollection, conv.ID, map[string]any{
		"lastMessage":              content,
		"lastMessageAt":            store.ServerTimestamp(),
		"lastSenderId":             sender,
		"updatedAt":                store.ServerTimestamp(),
		"unreadCount." + receiver: store.Increment(1),
	})
	if err != nil {
		m.logger.Error("Message stored but conversation not updated", "conversation", conv.ID, "message", id, "error", err)
		return id, apperr.Partial("update conversation", err)
	}

	m.logger.Debug("Message sent", "conversation", conv.ID, "message", id, "sender", sender)
	return id, nil
}

// MarkRead 清零 reader 的未读数
func (m *Manager) MarkRead(ctx context.Context, conversationID, reader string) error {
	if reader == "" {
		return apperr.ErrNotAuthenticated
	}
	conv, err := m.participantConversation(ctx, conversationID, reader)
	if err != nil {
		return err
	}
	err = m.gateway.Update(ctx, ConversationsCollection, conv.ID, map[string]any{
		"unreadCount." + reader: 0,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrNotFound
		}
		return m.backendErr("mark read", err)
	}
	return nil
}

// DeleteConversation 先删除全部消息再删除会话
// 会话已不存在时不报错；中途失败时返回 PartialFailure，重新调用即可继续
func (m *Manager) DeleteConversation(ctx context.Context, caller, conversationID string) error {
	if caller == "" {
		return apperr.ErrNotAuthenticated
	}
	conv, err := m.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return nil
	}
	if !conv.HasParticipant(caller) {
		return apperr.ErrNotFound
	}

	docs, err := m.gateway.Query(ctx, MessagesCollection, store.Query{
		Where: []store.Predicate{store.Eq("conversationId", conv.ID)},
	})
	if err != nil {
		return m.backendErr("list messages", err)
	}

	deleted := 0
	for _, doc := range docs {
		if err := m.gateway.Delete(ctx, MessagesCollection, doc.ID); err != nil {
			m.logger.Error("Delete message failed", "conversation", conv.ID, "message", doc.ID, "deleted", deleted, "error", err)
			if deleted == 0 {
				return apperr.Transient(err)
			}
			return apperr.Partial("delete messages", err)
		}
		deleted++
	}

	if err := m.gateway.Delete(ctx, ConversationsCollection, conv.ID); err != nil {
		m.logger.Error("Delete conversation failed", "conversation", conv.ID, "deleted", deleted, "error", err)
		if deleted == 0 {
			return apperr.Transient(err)
		}
		return apperr.Partial("delete conversation", err)
	}

	m.logger.Info("Conversation deleted", "conversation", conv.ID, "messages", deleted)
	return nil
}

// Messages 一次性读取会话消息，按时间升序
func (m *Manager) Messages(ctx context.Context, caller, conversationID string) ([]model.Message, error) {
	if caller == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	conv, err := m.participantConversation(ctx, conversationID, caller)
	if err != nil {
		return nil, err
	}
	docs, err := m.gateway.Query(ctx, MessagesCollection, messagesQuery(conv.ID))
	if err != nil {
		return nil, m.backendErr("list messages", err)
	}
	out := make([]model.Message, 0, len(docs))
	for _, doc := range docs {
		var msg model.Message
		if err := doc.Decode(&msg); err != nil {
			m.logger.Warn("Skip undecodable message", "message", doc.ID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// TotalUnread user 在全部会话中的未读总数
func (m *Manager) TotalUnread(ctx context.Context, user string) (int, error) {
	if user == "" {
		return 0, apperr.ErrNotAuthenticated
	}
	docs, err := m.gateway.Query(ctx, ConversationsCollection, store.Query{
		Where: []store.Predicate{store.ArrayContains("participants", user)},
	})
	if err != nil {
		return 0, m.backendErr("count unread", err)
	}
	total := 0
	for _, doc := range docs {
		var c model.Conversation
		if err := doc.Decode(&c); err != nil {
			continue
		}
		total += c.Unread(user)
	}
	return total, nil
}

func (m *Manager) getConversation(ctx context.Context, id string) (*model.Conversation, error) {
	if id == "" {
		return nil, nil
	}
	doc, err := m.gateway.Get(ctx, ConversationsCollection, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, m.backendErr("get conversation", err)
	}
	var c model.Conversation
	if err := doc.Decode(&c); err != nil {
		return nil, m.backendErr("decode conversation", err)
	}
	return &c, nil
}

// participantConversation 会话不存在或 user 不是参与者时返回 NotFound
func (m *Manager) participantConversation(ctx context.Context, id, user string) (*model.Conversation, error) {
	conv, err := m.getConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil || !conv.HasParticipant(user) {
		return nil, apperr.ErrNotFound
	}
	return conv, nil
}

func messagesQuery(conversationID string) store.Query {
	return store.Query{
		Where:   []store.Predicate{store.Eq("conversationId", conversationID)},
		OrderBy: []store.Order{{Field: "timestamp"}},
	}
}

func (m *Manager) backendErr(op string, err error) error {
	m.logger.Error("Conversation backend call failed", "op", op, "error", err)
	return apperr.Transient(err)
}
