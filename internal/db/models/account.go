package models

import "time"

// Account status values.
const (
	AccountStatusActive   = "active"
	AccountStatusDisabled = "disabled"
	AccountStatusError    = "error"
)

// Account stores one upstream user identity: its refresh credential and the
// project/tier discovered during onboarding.
type Account struct {
	ID                   uint   `gorm:"primaryKey" json:"id"`
	Email                string `gorm:"uniqueIndex" json:"email"`
	RefreshToken         string `gorm:"not null" json:"-"`
	AccessToken          string `json:"-"`
	AccessTokenExpiresAt int64  `json:"access_token_expires_at"` // ms epoch, 0 = never refreshed
	ProjectID            string `json:"project_id"`
	Tier                 string `json:"tier"`
	Status               string `gorm:"index;default:'active'" json:"status"`
	ErrorCount           int    `json:"error_count"`
	LastUsedAt           int64  `json:"last_used_at"` // ms epoch
	LastErrorAt          int64  `json:"last_error_at"`
	LastErrorMessage     string `json:"last_error_message,omitempty"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasValidToken reports whether the stored access token is usable at the
// given instant, treating tokens inside the skew window as expired.
func (a *Account) HasValidToken(now time.Time, skew time.Duration) bool {
	if a.AccessToken == "" || a.AccessTokenExpiresAt == 0 {
		return false
	}
	return now.Add(skew).UnixMilli() < a.AccessTokenExpiresAt
}

// Selectable reports whether the account satisfies the static eligibility
// rules: active and onboarded (project and tier known). Lock and cooldown
// state live in the pool, not on the row.
func (a *Account) Selectable() bool {
	return a.Status == AccountStatusActive && a.ProjectID != "" && a.Tier != ""
}
