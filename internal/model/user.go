package model

import "time"

// GeoPoint 经纬度坐标
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PrivacySettings 隐私设置
type PrivacySettings struct {
	ShowPlateInSearch   bool `json:"showPlateInSearch"`
	AcceptDMsFromAnyone bool `json:"acceptDMsFromAnyone"`
	ShowOnlineStatus    bool `json:"showOnlineStatus"`
}

// UserIdentity 用户身份（由外部身份存储维护，这里只读或更新位置）
type UserIdentity struct {
	ID                   string          `json:"id"`
	Username             string          `json:"username"`
	FirstName            string          `json:"firstName"`
	LastName             string          `json:"lastName,omitempty"`
	Bio                  string          `json:"bio,omitempty"`
	Sex                  string          `json:"sex,omitempty"`
	Age                  *int            `json:"age,omitempty"`
	ProfileImageURL      string          `json:"profileImageURL,omitempty"`
	PlateNumbers         []string        `json:"plateNumbers"`
	Privacy              PrivacySettings `json:"privacySettings"`
	AllowNearbyDiscovery *bool           `json:"allowNearbyDiscovery,omitempty"`
	Latitude             *float64        `json:"latitude,omitempty"`
	Longitude            *float64        `json:"longitude,omitempty"`
	LastLocationUpdate   *time.Time      `json:"lastLocationUpdate,omitempty"`
}

// Location 返回用户坐标，缺任一分量时返回 nil
func (u *UserIdentity) Location() *GeoPoint {
	if u.Latitude == nil || u.Longitude == nil {
		return nil
	}
	return &GeoPoint{Latitude: *u.Latitude, Longitude: *u.Longitude}
}

// Discoverable 未设置时默认允许被附近的人发现
func (u *UserIdentity) Discoverable() bool {
	return u.AllowNearbyDiscovery == nil || *u.AllowNearbyDiscovery
}

// UserSummary 搜索结果里展示的用户摘要
type UserSummary struct {
	ID              string   `json:"id"`
	FirstName       string   `json:"firstName"`
	LastName        string   `json:"lastName"`
	ProfileImageURL string   `json:"profileImageURL,omitempty"`
	PlateNumbers    []string `json:"plateNumbers"`
	Age             *int     `json:"age,omitempty"`
	Bio             string   `json:"bio,omitempty"`
	Sex             string   `json:"sex,omitempty"`
}

// Summary 投影为 UserSummary
func (u *UserIdentity) Summary() UserSummary {
	return UserSummary{
		ID:              u.ID,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		ProfileImageURL: u.ProfileImageURL,
		PlateNumbers:    u.PlateNumbers,
		Age:             u.Age,
		Bio:             u.Bio,
		Sex:             u.Sex,
	}
}

// DiscoveryCandidate 发现页候选人，不持久化
// DistanceKm 为 nil 表示没有参考点或候选人没有坐标
type DiscoveryCandidate struct {
	User       UserIdentity `json:"user"`
	DistanceKm *float64     `json:"distanceKm,omitempty"`
}
