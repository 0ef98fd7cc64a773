package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/autobotela-sys/zap-trading/internal/broker"
	"github.com/autobotela-sys/zap-trading/internal/metrics"
	"github.com/autobotela-sys/zap-trading/internal/models"
)

// LoginService drives accounts through the two-phase broker login:
// BeginLogin hands out the authorization URL, CompleteLogin exchanges the
// request token the broker redirected back with.
type LoginService interface {
	BeginLogin(userID, accountID uint) (string, error)
	CompleteLogin(ctx context.Context, userID, accountID uint, requestToken string) (*models.Account, error)
}

type loginService struct {
	accounts *AccountRegistry
	guard    LoginGuard
	notifier Notifier
}

// NewLoginService creates a login service. A nil guard falls back to the
// in-process guard.
func NewLoginService(accounts *AccountRegistry, guard LoginGuard, notifier Notifier) LoginService {
	if guard == nil {
		guard = NewMemoryLoginGuard()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &loginService{accounts: accounts, guard: guard, notifier: notifier}
}

// BeginLogin returns the broker authorization URL. The state is persisted
// as AwaitingAuthorization so a restart between the two phases loses
// nothing. An Active account keeps its session until the new one lands
// and is marked as awaiting a re-login instead.
func (s *loginService) BeginLogin(userID, accountID uint) (string, error) {
	l := s.accounts.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	account, err := s.accounts.Get(userID, accountID)
	if err != nil {
		return "", err
	}
	client, err := s.accounts.brokers.Get(account.Broker)
	if err != nil {
		return "", err
	}

	loginURL := client.LoginURL(broker.Credential{APIKey: account.APIKey})

	switch account.SessionState {
	case models.SessionAwaitingAuthorization:
	case models.SessionActive:
		if !account.ReloginPending {
			if err := s.accounts.db.Model(account).Update("relogin_pending", true).Error; err != nil {
				return "", err
			}
			account.ReloginPending = true
		}
	default:
		err := s.accounts.db.Model(account).Update("session_state", models.SessionAwaitingAuthorization).Error
		if err != nil {
			return "", err
		}
		account.SessionState = models.SessionAwaitingAuthorization
		metrics.RecordSessionTransition(string(models.SessionAwaitingAuthorization))
		s.notifyState(userID, account)
	}
	return loginURL, nil
}

// CompleteLogin exchanges requestToken for a session. Only one exchange
// per account may run at a time; a concurrent call gets
// ErrLoginInProgress. On exchange failure the account stays
// AwaitingAuthorization. An Active account is accepted only after
// BeginLogin marked it for re-login.
func (s *loginService) CompleteLogin(ctx context.Context, userID, accountID uint, requestToken string) (*models.Account, error) {
	if requestToken == "" {
		return nil, models.NewValidationError("request_token", "is required")
	}

	release, ok, err := s.guard.TryAcquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrLoginInProgress
	}
	defer release()

	account, err := s.accounts.Get(userID, accountID)
	if err != nil {
		return nil, err
	}
	if !awaitingLogin(account) {
		return nil, models.ErrLoginNotStarted
	}
	client, err := s.accounts.brokers.Get(account.Broker)
	if err != nil {
		return nil, err
	}
	cred, err := s.accounts.credential(account)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.accounts.callTimeout)
	defer cancel()
	started := time.Now()
	sess, err := client.ExchangeToken(callCtx, cred, requestToken)
	metrics.ObserveBrokerCall(client.Name(), "exchange_token", started)
	if err != nil {
		log.Printf("Token exchange failed for account %d: %v", accountID, err)
		if errors.Is(err, broker.ErrTokenExchange) {
			return nil, fmt.Errorf("%w: %v", models.ErrTokenExchangeFailed, err)
		}
		return nil, fmt.Errorf("%w: broker unavailable: %v", models.ErrTokenExchangeFailed, err)
	}

	return s.activate(ctx, userID, accountID, client, sess)
}

// activate stores the new session, replacing and revoking any previous one.
func (s *loginService) activate(ctx context.Context, userID, accountID uint, client broker.SessionClient, sess broker.Session) (*models.Account, error) {
	sealed, err := s.accounts.box.Seal(sess.AccessToken)
	if err != nil {
		return nil, err
	}

	l := s.accounts.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	account, err := s.accounts.Get(userID, accountID)
	if err != nil {
		// removed while the exchange was in flight
		revokeCtx, cancel := context.WithTimeout(ctx, s.accounts.callTimeout)
		defer cancel()
		client.Revoke(revokeCtx, sess)
		return nil, err
	}
	if account.IsActive() {
		s.accounts.revoke(ctx, account)
	}

	now := time.Now()
	err = s.accounts.db.Model(account).Updates(map[string]interface{}{
		"session_state":    models.SessionActive,
		"access_token_enc": sealed,
		"public_token":     sess.PublicToken,
		"broker_user_id":   sess.BrokerUserID,
		"last_login_at":    &now,
		"relogin_pending":  false,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	account.SessionState = models.SessionActive
	account.AccessToken = sealed
	account.PublicToken = sess.PublicToken
	account.BrokerUserID = sess.BrokerUserID
	account.LastLoginAt = &now
	account.ReloginPending = false

	metrics.RecordSessionTransition(string(models.SessionActive))
	log.Printf("Account %d logged in as %s", accountID, sess.BrokerUserID)
	s.notifyState(userID, account)
	return account, nil
}

// awaitingLogin reports whether BeginLogin has opened a login that
// CompleteLogin may finish.
func awaitingLogin(account *models.Account) bool {
	switch account.SessionState {
	case models.SessionAwaitingAuthorization:
		return true
	case models.SessionActive:
		return account.ReloginPending
	}
	return false
}

func (s *loginService) notifyState(userID uint, account *models.Account) {
	s.notifier.SendToUser(userID, models.Message{
		Type: models.MessageSessionState,
		Content: map[string]interface{}{
			"account_id":    account.ID,
			"session_state": account.SessionState,
		},
	})
}
