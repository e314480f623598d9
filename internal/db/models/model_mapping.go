package models

import "time"

// ModelMapping maps a caller-facing model id to the upstream model id.
// Seeded from the config modelAliases table, editable over the admin API.
type ModelMapping struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	ClientModel   string `gorm:"uniqueIndex;not null" json:"client_model"`
	UpstreamModel string `gorm:"not null" json:"upstream_model"`
	IsActive      bool   `gorm:"default:true" json:"is_active"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
