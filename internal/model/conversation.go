package model

import "time"

// Conversation 单聊会话，每对用户最多一个
type Conversation struct {
	ID            string         `json:"id"`
	Participants  []string       `json:"participants"`
	LastMessage   *string        `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time     `json:"lastMessageAt,omitempty"`
	LastSenderID  *string        `json:"lastSenderId,omitempty"`
	UnreadCount   map[string]int `json:"unreadCount"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// OtherParticipant 返回 userID 之外的参与者，userID 不在会话中时返回空串
func (c *Conversation) OtherParticipant(userID string) string {
	if !c.HasParticipant(userID) {
		return ""
	}
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// HasParticipant 判断用户是否在会话中
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Unread 返回用户未读数
func (c *Conversation) Unread(userID string) int {
	return c.UnreadCount[userID]
}
