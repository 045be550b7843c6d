package conversation

import (
	"context"
	"errors"

	"github.com/gaspareduard/PlateifyAPP/internal/apperr"
	"github.com/gaspareduard/PlateifyAPP/internal/hub"
	"github.com/gaspareduard/PlateifyAPP/internal/model"
	"github.com/gaspareduard/PlateifyAPP/internal/store"
)

type (
	ConversationSubscription = hub.Subscription[model.Conversation]
	MessageSubscription      = hub.Subscription[model.Message]
)

func messagesChannel(conversationID string) string {
	return "messages:" + conversationID
}

// ListenConversations 订阅 owner 的会话列表，最近更新的在前
func (m *Manager) ListenConversations(ctx context.Context, owner string) (*ConversationSubscription, error) {
	if owner == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	sub, err := hub.Subscribe(ctx, m.hub, m.owner, "conversations:"+owner, ConversationsCollection, store.Query{
		Where:   []store.Predicate{store.ArrayContains("participants", owner)},
		OrderBy: []store.Order{{Field: "updatedAt", Desc: true}},
	}, hub.DecodeJSON[model.Conversation])
	if err != nil {
		return nil, m.backendErr("subscribe conversations", err)
	}
	return sub, nil
}

// ListenMessages 订阅会话消息，按时间升序，同一时间按消息 ID 排序
// ctx 只用于打开订阅，之后由 Close、StopListeningTo 或 StopListening 释放
func (m *Manager) ListenMessages(ctx context.Context, caller, conversationID string) (*MessageSubscription, error) {
	if caller == "" {
		return nil, apperr.ErrNotAuthenticated
	}
	conv, err := m.participantConversation(ctx, conversationID, caller)
	if err != nil {
		return nil, err
	}
	sub, err := hub.Subscribe(ctx, m.hub, m.owner, messagesChannel(conv.ID), MessagesCollection,
		messagesQuery(conv.ID), hub.DecodeJSON[model.Message])
	if err != nil {
		return nil, m.backendErr("subscribe messages", err)
	}
	return sub, nil
}

// StopListeningTo 关闭某个会话的消息订阅
func (m *Manager) StopListeningTo(conversationID string) {
	m.hub.Unsubscribe(m.owner, messagesChannel(conversationID))
}

// StopListening 关闭本管理器打开的全部订阅
func (m *Manager) StopListening() {
	m.hub.UnsubscribeAll(m.owner)
}

// ReconcileLastMessage 用最新一条消息重写会话摘要，修复 SendMessage 部分失败留下的不一致
// 未读数不做修正
func (m *Manager) ReconcileLastMessage(ctx context.Context, conversationID string) (*model.Conversation, error) {
	conv, err := m.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.ErrNotFound
	}

	q := messagesQuery(conv.ID)
	q.OrderBy = []store.Order{{Field: "timestamp", Desc: true}}
	q.Limit = 1
	docs, err := m.gateway.Query(ctx, MessagesCollection, q)
	if err != nil {
		return nil, m.backendErr("latest message", err)
	}

	fields := map[string]any{
		"lastMessage":   nil,
		"lastMessageAt": nil,
		"lastSenderId":  nil,
	}
	if len(docs) > 0 {
		var last model.Message
		if err := docs[0].Decode(&last); err != nil {
			return nil, m.backendErr("decode message", err)
		}
		fields["lastMessage"] = last.Content
		fields["lastMessageAt"] = store.FormatTime(last.Timestamp)
		fields["lastSenderId"] = last.SenderID
		if last.Timestamp.After(conv.UpdatedAt) {
			fields["updatedAt"] = store.FormatTime(last.Timestamp)
		}
	}

	if err := m.gateway.Update(ctx, ConversationsCollection, conv.ID, fields); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, m.backendErr("reconcile conversation", err)
	}
	m.logger.Info("Conversation reconciled", "conversation", conv.ID, "messages", len(docs) > 0)

	out, err := m.getConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apperr.ErrNotFound
	}
	return out, nil
}
