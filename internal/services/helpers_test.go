package services

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/autobotela-sys/zap-trading/internal/broker"
	"github.com/autobotela-sys/zap-trading/internal/db"
	"github.com/autobotela-sys/zap-trading/internal/models"
	"github.com/autobotela-sys/zap-trading/internal/utils"
)

// fakeBroker is a scriptable SessionClient. Behaviour is chosen per api
// key through the hook functions; calls are counted per api key.
type fakeBroker struct {
	mu          sync.Mutex
	placeCalls  map[string]int
	revoked     []string
	exchangeFn  func(ctx context.Context, cred broker.Credential, requestToken string) (broker.Session, error)
	placeFn     func(ctx context.Context, sess broker.Session, leg models.OrderLeg) (string, error)
	positionsFn func(ctx context.Context, sess broker.Session) ([]models.Position, error)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{placeCalls: make(map[string]int)}
}

func (f *fakeBroker) Name() string { return "fake" }

func (f *fakeBroker) LoginURL(cred broker.Credential) string {
	return "https://broker.test/login?api_key=" + cred.APIKey
}

func (f *fakeBroker) ExchangeToken(ctx context.Context, cred broker.Credential, requestToken string) (broker.Session, error) {
	if f.exchangeFn != nil {
		return f.exchangeFn(ctx, cred, requestToken)
	}
	if requestToken == "bad" {
		return broker.Session{}, broker.ErrTokenExchange
	}
	return broker.Session{APIKey: cred.APIKey, AccessToken: "tok-" + cred.APIKey + "-" + requestToken, BrokerUserID: "U" + cred.APIKey}, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, sess broker.Session, leg models.OrderLeg) (string, error) {
	f.mu.Lock()
	f.placeCalls[sess.APIKey]++
	f.mu.Unlock()
	if f.placeFn != nil {
		return f.placeFn(ctx, sess, leg)
	}
	return "OID-" + sess.APIKey, nil
}

func (f *fakeBroker) Positions(ctx context.Context, sess broker.Session) ([]models.Position, error) {
	if f.positionsFn != nil {
		return f.positionsFn(ctx, sess)
	}
	return nil, nil
}

func (f *fakeBroker) Revoke(_ context.Context, sess broker.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, sess.AccessToken)
	return nil
}

func (f *fakeBroker) calls(apiKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls[apiKey]
}

// mockNotifier records pushes to users.
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendToUser(userID uint, msg models.Message) {
	m.Called(userID, msg)
}

type testEnv struct {
	db        *gorm.DB
	fake      *fakeBroker
	registry  *AccountRegistry
	login     LoginService
	orders    *orderService
	positions PositionService
}

func newTestDB(t require.TestingT) *gorm.DB {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// every connection to :memory: is a separate database
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func newTestEnv(t require.TestingT, opts OrderOptions) *testEnv {
	gdb := newTestDB(t)
	fake := newFakeBroker()
	box := utils.NewSecretBox(sha256.Sum256([]byte("test-key")))
	registry := NewAccountRegistry(gdb, box, broker.NewRegistry(fake), "fake", time.Second)

	if opts.CallTimeout == 0 {
		opts.CallTimeout = time.Second
	}
	orders := NewOrderService(registry, nil, opts).(*orderService)
	orders.now = func() time.Time { return time.Date(2025, 1, 20, 10, 0, 0, 0, ist) }

	return &testEnv{
		db:        gdb,
		fake:      fake,
		registry:  registry,
		login:     NewLoginService(registry, NewMemoryLoginGuard(), nil),
		orders:    orders,
		positions: NewPositionService(registry, nil, opts.CallTimeout, 4),
	}
}

// addAccount registers an account under apiKey and, if active, drives it
// through a successful login.
func (e *testEnv) addAccount(t require.TestingT, userID uint, apiKey string, active bool) uint {
	acc, err := e.registry.Register(userID, models.AccountRequest{
		Nickname:  "acct-" + apiKey,
		APIKey:    apiKey,
		APISecret: "secret-" + apiKey,
	})
	require.NoError(t, err)
	if !active {
		return acc.ID
	}

	_, err = e.login.BeginLogin(userID, acc.ID)
	require.NoError(t, err)
	_, err = e.login.CompleteLogin(context.Background(), userID, acc.ID, "req")
	require.NoError(t, err)
	return acc.ID
}

// expireAccount expires the account's current session.
func (e *testEnv) expireAccount(t require.TestingT, userID, accountID uint) {
	acc, err := e.registry.Get(userID, accountID)
	require.NoError(t, err)
	ok, err := e.registry.expire(accountID, acc.AccessToken)
	require.NoError(t, err)
	require.True(t, ok)
}

func (e *testEnv) state(t require.TestingT, userID, accountID uint) models.SessionState {
	acc, err := e.registry.Get(userID, accountID)
	require.NoError(t, err)
	return acc.SessionState
}

func niftyOrder(ids ...uint) models.OrderRequest {
	return models.OrderRequest{
		AccountIDs:      ids,
		Index:           "NIFTY",
		Expiry:          "2025-01-30",
		Strike:          "24000",
		OptionType:      "CE",
		Lots:            2,
		TransactionType: "BUY",
		Product:         "MIS",
		OrderType:       "MARKET",
	}
}
