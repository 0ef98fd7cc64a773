// Package broker defines the capability interface every brokerage session
// client implements, plus the concrete variants (Kite Connect, paper).
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/autobotela-sys/zap-trading/internal/models"
)

var (
	// ErrAuthRejected means the broker refused the session token. The
	// caller must treat the session as expired.
	ErrAuthRejected = errors.New("broker session rejected")

	// ErrTokenExchange means a request token could not be exchanged for
	// a session (invalid, already used, or credential mismatch).
	ErrTokenExchange = errors.New("request token exchange rejected")
)

// RejectedError is a business-rule refusal from the broker, e.g.
// insufficient margin or an unknown instrument.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Credential is the clear-text credential of one account. It only lives
// for the duration of a call.
type Credential struct {
	APIKey    string
	APISecret string
	UserID    string
	Password  string
}

// Session is a live authenticated handle to one account.
type Session struct {
	APIKey       string
	AccessToken  string
	PublicToken  string
	BrokerUserID string
}

// SessionClient is implemented once per brokerage. Implementations must
// be safe for concurrent use across accounts and honour ctx deadlines.
type SessionClient interface {
	// Name returns the broker identifier stored on accounts.
	Name() string

	// LoginURL builds the external authorization URL. No network I/O.
	LoginURL(cred Credential) string

	// ExchangeToken trades a one-time request token for a session.
	ExchangeToken(ctx context.Context, cred Credential, requestToken string) (Session, error)

	// PlaceOrder submits one order and returns the broker order id.
	PlaceOrder(ctx context.Context, sess Session, leg models.OrderLeg) (string, error)

	// Positions returns the open net positions of the session's account.
	Positions(ctx context.Context, sess Session) ([]models.Position, error)

	// Revoke invalidates the session at the broker.
	Revoke(ctx context.Context, sess Session) error
}

// Registry resolves an account's broker name to its client.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]SessionClient
}

// NewRegistry creates a registry holding the given clients
func NewRegistry(clients ...SessionClient) *Registry {
	r := &Registry{clients: make(map[string]SessionClient)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a client under its Name
func (r *Registry) Register(c SessionClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Get returns the client for name
func (r *Registry) Get(name string) (SessionClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownBroker, name)
	}
	return c, nil
}

// Names lists the registered brokers in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
