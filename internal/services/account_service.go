package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/autobotela-sys/zap-trading/internal/broker"
	"github.com/autobotela-sys/zap-trading/internal/metrics"
	"github.com/autobotela-sys/zap-trading/internal/models"
	"github.com/autobotela-sys/zap-trading/internal/utils"
)

// AccountService defines the account registry operations exposed to handlers
type AccountService interface {
	Register(userID uint, req models.AccountRequest) (*models.Account, error)
	List(userID uint) ([]models.Account, error)
	Get(userID, accountID uint) (*models.Account, error)
	Remove(ctx context.Context, userID, accountID uint) error
}

// Notifier pushes messages to a user's live connections.
type Notifier interface {
	SendToUser(userID uint, msg models.Message)
}

type nopNotifier struct{}

func (nopNotifier) SendToUser(uint, models.Message) {}

// target is an account captured for one broker call. The session is a
// snapshot: later state writes do not affect a call already holding it.
type target struct {
	accountID   uint
	nickname    string
	found       bool
	active      bool
	client      broker.SessionClient
	session     broker.Session
	sealedToken string
}

// AccountRegistry stores linked accounts and serializes session state
// writes per account. Reads that capture a session take the account's
// read lock, so a removal or expiry is never interleaved with a capture.
type AccountRegistry struct {
	db            *gorm.DB
	box           *utils.SecretBox
	brokers       *broker.Registry
	defaultBroker string
	callTimeout   time.Duration

	mu    sync.Mutex
	locks map[uint]*sync.RWMutex
}

// NewAccountRegistry creates the account registry
func NewAccountRegistry(db *gorm.DB, box *utils.SecretBox, brokers *broker.Registry, defaultBroker string, callTimeout time.Duration) *AccountRegistry {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &AccountRegistry{
		db:            db,
		box:           box,
		brokers:       brokers,
		defaultBroker: defaultBroker,
		callTimeout:   callTimeout,
		locks:         make(map[uint]*sync.RWMutex),
	}
}

var _ AccountService = (*AccountRegistry)(nil)

func (r *AccountRegistry) lockFor(accountID uint) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[accountID]
	if !ok {
		l = &sync.RWMutex{}
		r.locks[accountID] = l
	}
	return l
}

// Register links a new brokerage account in state Unlinked
func (r *AccountRegistry) Register(userID uint, req models.AccountRequest) (*models.Account, error) {
	req.Nickname = strings.TrimSpace(req.Nickname)
	req.APIKey = strings.TrimSpace(req.APIKey)
	if req.Nickname == "" {
		return nil, models.NewValidationError("nickname", "is required")
	}
	if req.APIKey == "" {
		return nil, models.NewValidationError("api_key", "is required")
	}
	if req.APISecret == "" {
		return nil, models.NewValidationError("api_secret", "is required")
	}

	brokerName := strings.ToLower(strings.TrimSpace(req.Broker))
	if brokerName == "" {
		brokerName = r.defaultBroker
	}
	if _, err := r.brokers.Get(brokerName); err != nil {
		return nil, models.NewValidationError("broker", err.Error())
	}

	secret, err := r.box.Seal(req.APISecret)
	if err != nil {
		return nil, err
	}
	brokerUser, err := r.box.Seal(req.BrokerUserID)
	if err != nil {
		return nil, err
	}
	password, err := r.box.Seal(req.BrokerPassword)
	if err != nil {
		return nil, err
	}

	account := models.Account{
		UserID:        userID,
		Nickname:      req.Nickname,
		Broker:        brokerName,
		APIKey:        req.APIKey,
		APISecretEnc:  secret,
		BrokerUserEnc: brokerUser,
		PasswordEnc:   password,
		SessionState:  models.SessionUnlinked,
	}
	if err := r.db.Create(&account).Error; err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	log.Printf("Registered account %d (%s) for user %d", account.ID, account.Broker, userID)
	return &account, nil
}

// List returns the user's accounts in insertion order
func (r *AccountRegistry) List(userID uint) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.Where("user_id = ?", userID).Order("id asc").Find(&accounts)
	return accounts, result.Error
}

// Get returns one of the user's accounts
func (r *AccountRegistry) Get(userID, accountID uint) (*models.Account, error) {
	var account models.Account
	err := r.db.Where("id = ? AND user_id = ?", accountID, userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Remove revokes any live session and deletes the account. The row is
// soft deleted so its last P&L value survives.
func (r *AccountRegistry) Remove(ctx context.Context, userID, accountID uint) error {
	l := r.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	account, err := r.Get(userID, accountID)
	if err != nil {
		return err
	}

	if account.IsActive() {
		r.revoke(ctx, account)
	}

	err = r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(account).Updates(map[string]interface{}{
			"session_state":    models.SessionRevoked,
			"access_token_enc": "",
			"public_token":     "",
		}).Error; err != nil {
			return err
		}
		return tx.Delete(account).Error
	})
	if err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}

	metrics.RecordSessionTransition(string(models.SessionRevoked))
	log.Printf("Removed account %d for user %d", accountID, userID)
	return nil
}

// revoke invalidates the account's stored session at the broker. Failures
// are logged only; the local session is discarded regardless.
func (r *AccountRegistry) revoke(ctx context.Context, account *models.Account) {
	client, err := r.brokers.Get(account.Broker)
	if err != nil {
		log.Printf("Skipping revoke for account %d: %v", account.ID, err)
		return
	}
	token, err := r.box.Open(account.AccessToken)
	if err != nil {
		log.Printf("Skipping revoke for account %d: %v", account.ID, err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	started := time.Now()
	err = client.Revoke(callCtx, broker.Session{APIKey: account.APIKey, AccessToken: token, PublicToken: account.PublicToken})
	metrics.ObserveBrokerCall(client.Name(), "revoke", started)
	if err != nil {
		log.Printf("Revoke failed for account %d: %v", account.ID, err)
	}
}

// credential opens the sealed credential of an account.
func (r *AccountRegistry) credential(account *models.Account) (broker.Credential, error) {
	secret, err := r.box.Open(account.APISecretEnc)
	if err != nil {
		return broker.Credential{}, fmt.Errorf("api secret: %w", err)
	}
	userID, err := r.box.Open(account.BrokerUserEnc)
	if err != nil {
		return broker.Credential{}, fmt.Errorf("broker user id: %w", err)
	}
	password, err := r.box.Open(account.PasswordEnc)
	if err != nil {
		return broker.Credential{}, fmt.Errorf("broker password: %w", err)
	}
	return broker.Credential{APIKey: account.APIKey, APISecret: secret, UserID: userID, Password: password}, nil
}

// capture resolves an account and snapshots its live session under the
// account's read lock. A missing account yields found=false; only
// registry faults are returned as errors.
func (r *AccountRegistry) capture(userID, accountID uint) (target, error) {
	l := r.lockFor(accountID)
	l.RLock()
	defer l.RUnlock()

	t := target{accountID: accountID}
	account, err := r.Get(userID, accountID)
	if errors.Is(err, models.ErrAccountNotFound) {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	t.found = true
	t.nickname = account.Nickname
	if !account.IsActive() {
		return t, nil
	}

	client, err := r.brokers.Get(account.Broker)
	if err != nil {
		return t, err
	}
	token, err := r.box.Open(account.AccessToken)
	if err != nil {
		return t, fmt.Errorf("account %d session: %w", accountID, err)
	}

	t.active = true
	t.client = client
	t.sealedToken = account.AccessToken
	t.session = broker.Session{
		APIKey:       account.APIKey,
		AccessToken:  token,
		PublicToken:  account.PublicToken,
		BrokerUserID: account.BrokerUserID,
	}
	return t, nil
}

// activeTargets captures every active account of a user, in insertion order.
func (r *AccountRegistry) activeTargets(userID uint) ([]target, error) {
	var ids []uint
	err := r.db.Model(&models.Account{}).
		Where("user_id = ? AND session_state = ?", userID, models.SessionActive).
		Order("id asc").Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}

	targets := make([]target, 0, len(ids))
	for _, id := range ids {
		t, err := r.capture(userID, id)
		if err != nil {
			return nil, err
		}
		if t.active {
			targets = append(targets, t)
		}
	}
	return targets, nil
}

// expire moves an account from Active to Expired if it still holds the
// session that the broker rejected. A newer session is left untouched.
func (r *AccountRegistry) expire(accountID uint, sealedToken string) (bool, error) {
	l := r.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	result := r.db.Model(&models.Account{}).
		Where("id = ? AND session_state = ? AND access_token_enc = ?", accountID, models.SessionActive, sealedToken).
		Updates(map[string]interface{}{
			"session_state":    models.SessionExpired,
			"access_token_enc": "",
			"public_token":     "",
			"relogin_pending":  false,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	metrics.RecordSessionTransition(string(models.SessionExpired))
	log.Printf("Account %d session expired", accountID)
	return true, nil
}

// recordPnl stores the last observed unrealized P&L of an account.
func (r *AccountRegistry) recordPnl(accountID uint, pnl decimal.Decimal) error {
	value, _ := pnl.Float64()
	now := time.Now()
	return r.db.Model(&models.Account{}).Where("id = ?", accountID).
		Updates(map[string]interface{}{"cumulative_pnl": value, "pnl_updated_at": &now}).Error
}
