package db

import (
	"log"

	"github.com/TanDenggg/antigravity-proxy/internal/db/models"
	"gorm.io/gorm"
)

// SeedModelMappings inserts config aliases that have no mapping row yet.
// Existing rows win so admin edits survive restarts.
func SeedModelMappings(gdb *gorm.DB, aliases map[string]string) {
	for client, upstream := range aliases {
		var count int64
		gdb.Model(&models.ModelMapping{}).Where("client_model = ?", client).Count(&count)
		if count > 0 {
			continue
		}
		if err := gdb.Create(&models.ModelMapping{
			ClientModel:   client,
			UpstreamModel: upstream,
			IsActive:      true,
		}).Error; err != nil {
			log.Printf("⚠️ Failed to seed model mapping %s -> %s: %v", client, upstream, err)
		}
	}
}

// ResolveModel maps a caller-facing model id to the upstream model id.
// Unmapped models pass through unchanged.
func ResolveModel(gdb *gorm.DB, clientModel string) string {
	var row models.ModelMapping
	if err := gdb.Where("client_model = ? AND is_active = ?", clientModel, true).First(&row).Error; err != nil {
		return clientModel
	}
	return row.UpstreamModel
}

// ListModelMappings returns all mapping rows.
func ListModelMappings(gdb *gorm.DB) []models.ModelMapping {
	var rows []models.ModelMapping
	gdb.Order("client_model asc").Find(&rows)
	return rows
}
