package models

import (
	"time"

	"gorm.io/gorm"
)

// SessionState is the login lifecycle position of a linked account.
type SessionState string

const (
	SessionUnlinked              SessionState = "unlinked"
	SessionAwaitingAuthorization SessionState = "awaiting_authorization"
	SessionActive                SessionState = "active"
	SessionExpired               SessionState = "expired"
	SessionRevoked               SessionState = "revoked"
)

// Account represents one linked brokerage relationship owned by a user.
// Sealed columns are encrypted with utils.SecretBox and never leave the
// service layer in clear text.
type Account struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	UserID        uint           `gorm:"index;not null" json:"-"`
	Nickname      string         `gorm:"not null" json:"nickname"`
	Broker        string         `gorm:"not null;default:kite" json:"broker"`
	APIKey        string         `gorm:"column:api_key;not null" json:"-"`
	APISecretEnc  string         `gorm:"column:api_secret_enc;not null" json:"-"`
	BrokerUserEnc string         `gorm:"column:broker_user_enc" json:"-"`
	PasswordEnc   string         `gorm:"column:broker_password_enc" json:"-"`
	SessionState  SessionState   `gorm:"column:session_state;not null;default:unlinked" json:"session_state"`
	AccessToken   string         `gorm:"column:access_token_enc" json:"-"`
	PublicToken   string         `gorm:"column:public_token" json:"-"`
	BrokerUserID  string         `gorm:"column:broker_user_id" json:"-"`
	LastLoginAt   *time.Time     `gorm:"column:last_login_at" json:"last_login"`
	CumulativePnl float64        `gorm:"column:cumulative_pnl;default:0" json:"-"`
	PnlUpdatedAt  *time.Time     `gorm:"column:pnl_updated_at" json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	// set by BeginLogin on an Active account; the live session stays usable
	ReloginPending bool `gorm:"column:relogin_pending;not null;default:false" json:"-"`
}

// TableName specifies the table name for Account model
func (Account) TableName() string {
	return "broker_accounts"
}

// IsActive reports whether the account holds a usable session.
func (a *Account) IsActive() bool {
	return a.SessionState == SessionActive && a.AccessToken != ""
}

// MaskedAPIKey returns the api key with everything but a short prefix hidden.
func (a *Account) MaskedAPIKey() string {
	if len(a.APIKey) <= 4 {
		return "****"
	}
	return a.APIKey[:4] + "****"
}

// AccountRequest is the body of POST /accounts
type AccountRequest struct {
	Nickname       string `json:"nickname"`
	Broker         string `json:"broker,omitempty"`
	APIKey         string `json:"api_key"`
	APISecret      string `json:"api_secret"`
	BrokerUserID   string `json:"broker_user_id,omitempty"`
	BrokerPassword string `json:"broker_password,omitempty"`
}

// AccountResponse is the public view of an Account.
type AccountResponse struct {
	ID           uint         `json:"id"`
	Nickname     string       `json:"nickname"`
	Broker       string       `json:"broker"`
	APIKey       string       `json:"api_key"`
	SessionState SessionState `json:"session_state"`
	IsActive     bool         `json:"is_active"`
	LastLogin    *time.Time   `json:"last_login"`
	TotalPnl     float64      `json:"total_pnl"`
	PnlStale     bool         `json:"pnl_stale"`
}

// SetTokenRequest is the body of POST /accounts/set-token
type SetTokenRequest struct {
	AccountID    uint   `json:"account_id"`
	RequestToken string `json:"request_token"`
}

// LoginURLResponse is returned by POST /accounts/{id}/request-token
type LoginURLResponse struct {
	LoginURL string `json:"login_url"`
}

// NewAccountResponse builds the public view of a, using the cached P&L.
func NewAccountResponse(a *Account) AccountResponse {
	return AccountResponse{
		ID:           a.ID,
		Nickname:     a.Nickname,
		Broker:       a.Broker,
		APIKey:       a.MaskedAPIKey(),
		SessionState: a.SessionState,
		IsActive:     a.IsActive(),
		LastLogin:    a.LastLoginAt,
		TotalPnl:     a.CumulativePnl,
	}
}
