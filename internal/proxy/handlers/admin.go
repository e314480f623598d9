package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/TanDenggg/antigravity-proxy/internal/auth/token"
	"github.com/TanDenggg/antigravity-proxy/internal/db"
	"github.com/TanDenggg/antigravity-proxy/internal/db/models"
	"github.com/TanDenggg/antigravity-proxy/internal/monitor"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func urlParamID(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// RegisterAccountHandler handles POST /api/accounts: creates an account from
// a refresh token and runs the initialization sequence (refresh, discover
// project and tier, mark active) before the account joins the pool.
func RegisterAccountHandler(gdb *gorm.DB, tokenMgr *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email        string `json:"email"`
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "refresh_token is required"})
			return
		}

		account := models.Account{
			Email:        req.Email,
			RefreshToken: req.RefreshToken,
			Status:       models.AccountStatusActive,
		}
		if err := gdb.Create(&account).Error; err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "account already exists: " + err.Error()})
			return
		}

		if err := tokenMgr.InitializeAccount(r.Context(), account.ID); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, token.ErrDuplicateAccount) {
				status = http.StatusConflict
			} else if errors.Is(err, token.ErrInvalidGrant) {
				status = http.StatusBadRequest
			}
			log.Printf("❌ Account initialization failed: %v", err)
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}

		gdb.First(&account, "id = ?", account.ID)
		writeJSON(w, http.StatusCreated, account)
	}
}

// AccountsListHandler handles GET /api/accounts.
func AccountsListHandler(gdb *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var accounts []models.Account
		gdb.Order("id asc").Find(&accounts)
		writeJSON(w, http.StatusOK, accounts)
	}
}

// AccountStatusHandler handles POST /api/accounts/{id}/status with body
// {"status": "active"|"disabled"}. Error status is cleared by re-activating.
func AccountStatusHandler(gdb *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlParamID(r)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id"})
			return
		}
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		if req.Status != models.AccountStatusActive && req.Status != models.AccountStatusDisabled {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be active or disabled"})
			return
		}

		updates := map[string]interface{}{"status": req.Status}
		if req.Status == models.AccountStatusActive {
			updates["error_count"] = 0
		}
		if err := gdb.Model(&models.Account{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
	}
}

// AccountDeleteHandler handles DELETE /api/accounts/{id}.
func AccountDeleteHandler(gdb *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlParamID(r)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id"})
			return
		}
		gdb.Delete(&models.Account{}, "id = ?", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// APIKeysHandler handles GET (list) and POST (create) on /api/keys.
func APIKeysHandler(gdb *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			var keys []models.APIKey
			gdb.Order("id asc").Find(&keys)
			writeJSON(w, http.StatusOK, keys)
			return
		}

		var req struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		key := models.APIKey{Key: db.GenerateAPIKey(), Name: req.Name}
		if err := gdb.Create(&key).Error; err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		log.Printf("🔑 Created API key %q", key.Name)
		writeJSON(w, http.StatusCreated, key)
	}
}

// APIKeyDeleteHandler handles DELETE /api/keys/{id}.
func APIKeyDeleteHandler(gdb *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlParamID(r)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid key id"})
			return
		}
		gdb.Delete(&models.APIKey{}, "id = ?", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// ModelMappingsHandler handles GET (list) and POST (upsert) on
// /api/model-mappings.
func ModelMappingsHandler(gdb *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, db.ListModelMappings(gdb))
			return
		}

		var req struct {
			ClientModel   string `json:"client_model"`
			UpstreamModel string `json:"upstream_model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientModel == "" || req.UpstreamModel == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_model and upstream_model are required"})
			return
		}

		var mapping models.ModelMapping
		if err := gdb.Where("client_model = ?", req.ClientModel).First(&mapping).Error; err == nil {
			mapping.UpstreamModel = req.UpstreamModel
			mapping.IsActive = true
			gdb.Save(&mapping)
		} else {
			mapping = models.ModelMapping{
				ClientModel:   req.ClientModel,
				UpstreamModel: req.UpstreamModel,
				IsActive:      true,
			}
			gdb.Create(&mapping)
		}
		writeJSON(w, http.StatusOK, mapping)
	}
}

// ModelMappingDeleteHandler handles DELETE /api/model-mappings/{id}.
func ModelMappingDeleteHandler(gdb *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := urlParamID(r)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid mapping id"})
			return
		}
		gdb.Delete(&models.ModelMapping{}, "id = ?", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// RequestLogsHandler handles GET /api/logs?limit=N.
func RequestLogsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"stats": mon.Stats(),
			"logs":  mon.RecentLogs(limit),
		})
	}
}

// ModelCallsHandler handles GET /api/calls?limit=N: the model logger's
// recent upstream invocations.
func ModelCallsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, mon.RecentCalls(limit))
	}
}
