package model

import "time"

// MessageKind 消息类型
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindPlate MessageKind = "plate"
)

// Valid 是否为已知类型
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindPlate:
		return true
	}
	return false
}

// Message 消息实体，只追加
// IsRead 不是权威的已读状态，以 Conversation.UnreadCount 为准
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	ReceiverID     string      `json:"receiverId"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"type"`
	Timestamp      time.Time   `json:"timestamp"`
	IsRead         bool        `json:"isRead"`
}
