package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/TanDenggg/antigravity-proxy/internal/auth/google"
	"github.com/TanDenggg/antigravity-proxy/internal/db/models"
	"github.com/TanDenggg/antigravity-proxy/internal/upstream"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// ErrInvalidGrant means the refresh token was rejected; the account has been
// marked errored and must not be retried.
var ErrInvalidGrant = errors.New("refresh token rejected")

// ErrDuplicateAccount means onboarding discovered a project already bound to
// another local account; the new row has been deleted.
var ErrDuplicateAccount = errors.New("upstream project already bound to another account")

// Credentials is the snapshot handed to callers: everything needed for one
// upstream call. Callers never mutate account rows through it.
type Credentials struct {
	AccountID   uint
	Email       string
	AccessToken string
	ProjectID   string
	Tier        string
}

// Manager owns the credential lifecycle: refresh, coalescing, and
// project/tier discovery.
type Manager struct {
	db     *gorm.DB
	client *upstream.Client
	oauth  *oauth2.Config
	skew   time.Duration

	// group coalesces refreshes per account id: concurrent callers for the
	// same account share one in-flight refresh and its outcome.
	group singleflight.Group
}

// timeNow is overridable in tests.
var timeNow = time.Now

// NewManager creates a token manager. oauthCfg may be nil, in which case the
// built-in Google endpoint config is used.
func NewManager(db *gorm.DB, client *upstream.Client, oauthCfg *oauth2.Config, skew time.Duration) *Manager {
	if oauthCfg == nil {
		oauthCfg = google.GetOAuthConfig("", "", "")
	}
	return &Manager{
		db:     db,
		client: client,
		oauth:  oauthCfg,
		skew:   skew,
	}
}

// EnsureValidToken returns a credentials snapshot guaranteed fresh beyond the
// configured skew, refreshing through the coalescing group when needed.
func (m *Manager) EnsureValidToken(ctx context.Context, accountID uint) (Credentials, error) {
	var account models.Account
	if err := m.db.First(&account, "id = ?", accountID).Error; err != nil {
		return Credentials{}, fmt.Errorf("account %d not found: %w", accountID, err)
	}

	if account.HasValidToken(timeNow(), m.skew) {
		return snapshot(&account), nil
	}
	return m.refreshCoalesced(ctx, accountID)
}

// ForceRefresh refreshes regardless of the stored expiry. Used by the
// upstream client's 401 retry; coalesces with any in-flight refresh.
func (m *Manager) ForceRefresh(ctx context.Context, accountID uint) (Credentials, error) {
	return m.refreshCoalesced(ctx, accountID)
}

func (m *Manager) refreshCoalesced(ctx context.Context, accountID uint) (Credentials, error) {
	v, err, _ := m.group.Do(strconv.FormatUint(uint64(accountID), 10), func() (interface{}, error) {
		return m.refresh(ctx, accountID)
	})
	if err != nil {
		return Credentials{}, err
	}
	return v.(Credentials), nil
}

// refresh exchanges the stored refresh token for a new access token and
// persists the result.
func (m *Manager) refresh(ctx context.Context, accountID uint) (Credentials, error) {
	var account models.Account
	if err := m.db.First(&account, "id = ?", accountID).Error; err != nil {
		return Credentials{}, fmt.Errorf("account %d not found: %w", accountID, err)
	}

	source := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})
	newToken, err := source.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			m.markAccountError(&account, err)
			log.Printf("🔒 Account %s refresh token rejected, marked error", account.Email)
			return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
		}
		return Credentials{}, fmt.Errorf("token refresh: %w", err)
	}

	account.AccessToken = newToken.AccessToken
	account.AccessTokenExpiresAt = newToken.Expiry.UnixMilli()
	// Persist rotated refresh token if provided (RFC 6749 compliance).
	if newToken.RefreshToken != "" && newToken.RefreshToken != account.RefreshToken {
		log.Printf("🔄 Rotating refresh token for: %s", account.Email)
		account.RefreshToken = newToken.RefreshToken
	}
	if err := m.db.Save(&account).Error; err != nil {
		return Credentials{}, fmt.Errorf("persist refreshed token: %w", err)
	}

	log.Printf("✅ Refreshed token for: %s (expires: %s)", account.Email, newToken.Expiry.Format(time.RFC3339))
	return snapshot(&account), nil
}

// InitializeAccount runs the post-creation sequence: refresh, discover the
// project id and tier, mark the account active. Must complete before the
// account is eligible for selection.
func (m *Manager) InitializeAccount(ctx context.Context, accountID uint) error {
	creds, err := m.refreshCoalesced(ctx, accountID)
	if err != nil {
		return err
	}

	ob, err := m.client.LoadCodeAssist(ctx, creds.AccessToken)
	if err != nil {
		return fmt.Errorf("loadCodeAssist: %w", err)
	}

	tier := ob.Tier
	if tier == "" {
		tier = "free-tier"
	}
	projectID := ob.ProjectID
	if projectID == "" {
		projectID, err = m.client.OnboardUser(ctx, creds.AccessToken, tier)
		if err != nil {
			return fmt.Errorf("onboardUser: %w", err)
		}
	}

	// The upstream binds one project per user; a second local row for the
	// same project is the same upstream account registered twice.
	var dup models.Account
	if err := m.db.Where("project_id = ? AND id <> ?", projectID, accountID).First(&dup).Error; err == nil {
		m.db.Delete(&models.Account{}, "id = ?", accountID)
		return fmt.Errorf("%w (project %s, account %s)", ErrDuplicateAccount, projectID, dup.Email)
	}

	updates := map[string]interface{}{
		"project_id": projectID,
		"tier":       tier,
		"status":     models.AccountStatusActive,
	}
	if err := m.db.Model(&models.Account{}).Where("id = ?", accountID).Updates(updates).Error; err != nil {
		return fmt.Errorf("persist onboarding: %w", err)
	}

	log.Printf("✅ Initialized account %d: project=%s tier=%s", accountID, projectID, tier)
	return nil
}

// StartRefreshLoop refreshes tokens expiring within 20 minutes on a 15-minute
// ticker, keeping the pool's accounts warm between requests.
func (m *Manager) StartRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshExpiring(ctx)
			}
		}
	}()
	log.Println("🔄 Token refresh loop started (interval: 15min)")
}

func (m *Manager) refreshExpiring(ctx context.Context) {
	threshold := timeNow().Add(20 * time.Minute).UnixMilli()
	var accounts []models.Account
	m.db.Where("status = ? AND access_token_expires_at < ?", models.AccountStatusActive, threshold).Find(&accounts)

	for _, acc := range accounts {
		if _, err := m.refreshCoalesced(ctx, acc.ID); err != nil {
			log.Printf("⚠️ Background refresh failed for %s: %v", acc.Email, err)
		}
	}
}

func (m *Manager) markAccountError(account *models.Account, cause error) {
	account.Status = models.AccountStatusError
	account.ErrorCount++
	account.LastErrorAt = timeNow().UnixMilli()
	account.LastErrorMessage = cause.Error()
	if err := m.db.Save(account).Error; err != nil {
		log.Printf("⚠️ Failed to persist account error state: %v", err)
	}
}

func snapshot(account *models.Account) Credentials {
	return Credentials{
		AccountID:   account.ID,
		Email:       account.Email,
		AccessToken: account.AccessToken,
		ProjectID:   account.ProjectID,
		Tier:        account.Tier,
	}
}

// isPermanentRefreshError reports whether a refresh failure is terminal for
// the stored refresh token rather than transient.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
