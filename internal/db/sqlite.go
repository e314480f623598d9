package db

import (
	"crypto/rand"
	"encoding/hex"
	"log"

	"github.com/TanDenggg/antigravity-proxy/internal/db/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := gdb.AutoMigrate(
		&models.Account{},
		&models.APIKey{},
		&models.RequestLog{},
		&models.ModelMapping{},
	); err != nil {
		return nil, err
	}

	ensureAPIKey(gdb)

	return gdb, nil
}

// ensureAPIKey generates a default API key on first run.
func ensureAPIKey(gdb *gorm.DB) {
	var count int64
	gdb.Model(&models.APIKey{}).Count(&count)
	if count > 0 {
		return
	}
	key := GenerateAPIKey()
	gdb.Create(&models.APIKey{Key: key, Name: "default"})
	log.Printf("🔑 Generated new API key: %s", key)
}

// GenerateAPIKey returns a fresh key of the form sk-<32 hex chars>.
func GenerateAPIKey() string {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	return "sk-" + hex.EncodeToString(keyBytes)
}

// LookupAPIKey returns the enabled APIKey row matching key, or nil.
func LookupAPIKey(gdb *gorm.DB, key string) *models.APIKey {
	if key == "" {
		return nil
	}
	var row models.APIKey
	if err := gdb.Where("key = ? AND disabled = ?", key, false).First(&row).Error; err != nil {
		return nil
	}
	return &row
}
