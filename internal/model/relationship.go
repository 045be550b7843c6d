package model

import "time"

// RelationshipStatus 关系边状态
type RelationshipStatus string

const (
	StatusPending  RelationshipStatus = "pending"
	StatusAccepted RelationshipStatus = "accepted"
	StatusRejected RelationshipStatus = "rejected"
	StatusBlocked  RelationshipStatus = "blocked"
)

// Active pending/accepted/blocked 为有效状态，rejected 的边直接删除
func (s RelationshipStatus) Active() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusBlocked
}

// RelationshipEdge 有向关系边 owner -> peer
// Members 固定为 [OwnerID, PeerID]，用于按任一方查询
type RelationshipEdge struct {
	ID        string             `json:"id"`
	OwnerID   string             `json:"ownerId"`
	PeerID    string             `json:"peerId"`
	Members   []string           `json:"members"`
	Status    RelationshipStatus `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Other 返回边上 userID 之外的另一方
func (e *RelationshipEdge) Other(userID string) string {
	if e.OwnerID == userID {
		return e.PeerID
	}
	return e.OwnerID
}

// Involves 判断 userID 是否是边的一方
func (e *RelationshipEdge) Involves(userID string) bool {
	return e.OwnerID == userID || e.PeerID == userID
}
