package models

import "time"

// APIKey authenticates inbound callers. Keys are generated server-side in the
// form "sk-<hex>" and looked up on every request.
type APIKey struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Key       string `gorm:"uniqueIndex;not null" json:"key"`
	Name      string `json:"name"`
	Disabled  bool   `gorm:"default:false" json:"disabled"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
