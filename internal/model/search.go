package model

import "time"

// SearchRecord 车牌搜索记录
type SearchRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	PlateNumber  string    `json:"plateNumber"`
	Timestamp    time.Time `json:"timestamp"`
	ResultFound  bool      `json:"resultFound"`
	ResultUserID string    `json:"resultUserId,omitempty"`
}
