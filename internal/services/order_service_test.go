package services

import (
	"context"
	"crypto/sha256"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/autobotela-sys/zap-trading/internal/broker"
	"github.com/autobotela-sys/zap-trading/internal/models"
	"github.com/autobotela-sys/zap-trading/internal/utils"
)

func TestPlaceOrderQuantityFromLotSize(t *testing.T) {
	env := newTestEnv(t, OrderOptions{})
	id := env.addAccount(t, 1, "A", true)

	var legs []models.OrderLeg
	var mu sync.Mutex
	env.fake.placeFn = func(_ context.Context, sess broker.Session, leg models.OrderLeg) (string, error) {
		mu.Lock()
		legs = append(legs, leg)
		mu.Unlock()
		return "1", nil
	}

	res, err := env.orders.PlaceOrder(context.Background(), 1, niftyOrder(id))
	require.NoError(t, err)
	assert.Equal(t, 130, res.Quantity)
	assert.Equal(t, "NIFTY25JAN24000CE", res.TradingSymbol)

	req := niftyOrder(id)
	req.Index = "BANKNIFTY"
	req.Strike = "51000"
	req.Lots = 3
	req.AMO = true
	res, err = env.orders.PlaceOrder(context.Background(), 1, req)
	require.NoError(t, err)
	assert.Equal(t, 105, res.Quantity)

	require.Len(t, legs, 2)
	assert.Equal(t, 130, legs[0].Quantity)
	assert.Equal(t, models.VarietyRegular, legs[0].Variety)
	assert.Equal(t, "NFO", legs[0].Exchange)
	assert.Equal(t, 105, legs[1].Quantity)
	assert.Equal(t, models.VarietyAMO, legs[1].Variety)
	assert.NotEmpty(t, legs[1].Tag)
}

func TestPlaceOrderMixedOutcomesKeepRequestOrder(t *testing.T) {
	env := newTestEnv(t, OrderOptions{})
	a := env.addAccount(t, 1, "A", true)
	b := env.addAccount(t, 1, "B", true)
	c := env.addAccount(t, 1, "C", true)
	env.expireAccount(t, 1, b)

	env.fake.placeFn = func(_ context.Context, sess broker.Session, _ models.OrderLeg) (string, error) {
		if sess.APIKey == "C" {
			return "", &broker.RejectedError{Code: "MarginException", Message: "Insufficient funds"}
		}
		return "OID-" + sess.APIKey, nil
	}

	res, err := env.orders.PlaceOrder(context.Background(), 1, niftyOrder(a, b, c))
	require.NoError(t, err)

	require.Len(t, res.Orders, 3)
	assert.Equal(t, []uint{a, b, c}, []uint{res.Orders[0].AccountID, res.Orders[1].AccountID, res.Orders[2].AccountID})
	assert.Equal(t, models.OutcomePlaced, res.Orders[0].Kind)
	assert.Equal(t, "OID-A", res.Orders[0].OrderID)
	assert.Equal(t, models.OutcomeNotLoggedIn, res.Orders[1].Kind)
	assert.Equal(t, "account not logged in", res.Orders[1].Message)
	assert.Equal(t, models.OutcomeRejected, res.Orders[2].Kind)
	assert.Equal(t, "Insufficient funds", res.Orders[2].Message)

	assert.True(t, res.Success)
	assert.Equal(t, "Orders placed: 1/3", res.Message)
	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, 0, env.fake.calls("B"))
}

func TestPlaceOrderAllFailedIsNotSuccess(t *testing.T) {
	env := newTestEnv(t, OrderOptions{})
	a := env.addAccount(t, 1, "A", false)
	b := env.addAccount(t, 1, "B", false)

	res, err := env.orders.PlaceOrder(context.Background(), 1, niftyOrder(a, b))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Orders placed: 0/2", res.Message)
}

func TestPlaceOrderAuthRejectedExpiresAccount(t *testing.T) {
	env := newTestEnv(t, OrderOptions{})
	a := env.addAccount(t, 1, "A", true)
	b := env.addAccount(t, 1, "B", true)

	env.fake.placeFn = func(_ context.Context, sess broker.Session, _ models.OrderLeg) (string, error) {
		if sess.APIKey == "A" {
			return "", broker.ErrAuthRejected
		}
		return "ok", nil
	}

	res, err := env.orders.PlaceOrder(context.Background(), 1, niftyOrder(a, b))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAuthExpired, res.Orders[0].Kind)
	assert.False(t, res.Orders[0].Success)
	assert.Equal(t, models.OutcomePlaced, res.Orders[1].Kind)
	assert.Equal(t, models.SessionExpired, env.state(t, 1, a))
	assert.Equal(t, models.SessionActive, env.state(t, 1, b))

	res, err = env.orders.PlaceOrder(context.Background(), 1, niftyOrder(a))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNotLoggedIn, res.Orders[0].Kind)
	assert.Equal(t, 1, env.fake.calls("A"))
}

func TestPlaceOrderTimeoutIsolated(t *testing.T) {
	env := newTestEnv(t, OrderOptions{CallTimeout: 50 * time.Millisecond})
	a := env.addAccount(t, 1, "A", true)
	b := env.addAccount(t, 1, "B", true)

	hang := make(chan struct{})
	defer close(hang)
	env.fake.placeFn = func(_ context.Context, sess broker.Session, _ models.OrderLeg) (string, error) {
		if sess.APIKey == "A" {
			<-hang // ignores its context
			return "late", nil
		}
		return "ok", nil
	}

	start := time.Now()
	res, err := env.orders.PlaceOrder(context.Background(), 1, niftyOrder(a, b))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, models.OutcomeTimeout, res.Orders[0].Kind)
	assert.Equal(t, models.OutcomePlaced, res.Orders[1].Kind)
	assert.True(t, res.Success)
	assert.Equal(t, models.SessionActive, env.state(t, 1, a))
}

func TestPlaceOrderRateLimitedPastDeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session/token" {
			w.Write([]byte(`{"status":"success","data":{"user_id":"U1","access_token":"tok","public_token":"pub"}}`))
			return
		}
		w.Write([]byte(`{"status":"success","data":{"order_id":"K1"}}`))
	}))
	t.Cleanup(srv.Close)
	kite := broker.NewKiteClient(broker.KiteOptions{APIURL: srv.URL, LoginURL: "https://kite.test/login", RateLimit: 0.2, RateBurst: 1})
	kite.SetHTTPClient(srv.Client())

	box := utils.NewSecretBox(sha256.Sum256([]byte("test-key")))
	registry := NewAccountRegistry(newTestDB(t), box, broker.NewRegistry(kite), "kite", time.Second)
	login := NewLoginService(registry, nil, nil)
	orders := NewOrderService(registry, nil, OrderOptions{CallTimeout: 300 * time.Millisecond}).(*orderService)
	orders.now = func() time.Time { return time.Date(2025, 1, 20, 10, 0, 0, 0, ist) }

	var ids []uint
	for _, nick := range []string{"one", "two"} {
		acc, err := registry.Register(1, models.AccountRequest{Nickname: nick, APIKey: "samekey", APISecret: "s"})
		require.NoError(t, err)
		_, err = login.BeginLogin(1, acc.ID)
		require.NoError(t, err)
		_, err = login.CompleteLogin(context.Background(), 1, acc.ID, "req")
		require.NoError(t, err)
		ids = append(ids, acc.ID)
	}

	res, err := orders.PlaceOrder(context.Background(), 1, niftyOrder(ids...))
	require.NoError(t, err)

	kinds := []models.OutcomeKind{res.Orders[0].Kind, res.Orders[1].Kind}
	assert.ElementsMatch(t, []models.OutcomeKind{models.OutcomePlaced, models.OutcomeTimeout}, kinds)
	assert.Equal(t, "Orders placed: 1/2", res.Message)
}

func TestPlaceOrderRequestDeadlineAbandonsPending(t *testing.T) {
	env := newTestEnv(t, OrderOptions{CallTimeout: 5 * time.Second})
	a := env.addAccount(t, 1, "A", true)
	b := env.addAccount(t, 1, "B", true)

	env.fake.placeFn = func(ctx context.Context, sess broker.Session, _ models.OrderLeg) (string, error) {
		if sess.APIKey == "B" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := env.orders.PlaceOrder(ctx, 1, niftyOrder(a, b))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePlaced, res.Orders[0].Kind)
	assert.Equal(t, models.OutcomeTimeout, res.Orders[1].Kind)
}

func TestPlaceOrderTransportFault(t *testing.T) {
	env := newTestEnv(t, OrderOptions{})
	a := env.addAccount(t, 1, "A", true)
	env.fake.placeFn = func(context.Context, broker.Session, models.OrderLeg) (string, error) {
		return "", errors.New("connection reset by peer")
	}

	res, err := env.orders.PlaceOrder(context.Background(), 1, niftyOrder(a))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, res.Orders[0].Kind)
	assert.Contains(t, res.Orders[0].Message, "connection reset")
}

func TestPlaceOrderUnknownAndForeignAccounts(t *testing.T) {
	env := newTestEnv(t, OrderOptions{})
	mine := env.addAccount(t, 1, "A", true)
	theirs := env.addAccount(t, 2, "B", true)

	res, err := env.orders.PlaceOrder(context.Background(), 1, niftyOrder(mine, theirs, 999))
	require.NoError(t, err)
	require.Len(t, res.Orders, 3)
	assert.Equal(t, models.OutcomePlaced, res.Orders[0].Kind)
	assert.Equal(t, models.OutcomeNotFound, res.Orders[1].Kind)
	assert.Equal(t, models.OutcomeNotFound, res.Orders[2].Kind)
	assert.Equal(t, 0, env.fake.calls("B"))
}

func TestPlaceOrderValidation(t *testing.T) {
	price := 120.5
	zero := 0.0
	tests := []struct {
		name   string
		mutate func(r *models.OrderRequest)
		field  string
	}{
		{"no accounts", func(r *models.OrderRequest) { r.AccountIDs = nil }, "account_ids"},
		{"duplicate accounts", func(r *models.OrderRequest) { r.AccountIDs = []uint{1, 1} }, "account_ids"},
		{"unknown index", func(r *models.OrderRequest) { r.Index = "FINNIFTY" }, "index"},
		{"bad expiry", func(r *models.OrderRequest) { r.Expiry = "30-01-2025" }, "expiry"},
		{"past expiry", func(r *models.OrderRequest) { r.Expiry = "2025-01-16" }, "expiry"},
		{"strike off step", func(r *models.OrderRequest) { r.Strike = "24025" }, "strike"},
		{"negative strike", func(r *models.OrderRequest) { r.Strike = "-24000" }, "strike"},
		{"fractional strike", func(r *models.OrderRequest) { r.Strike = "24000.5" }, "strike"},
		{"option type", func(r *models.OrderRequest) { r.OptionType = "XX" }, "option_type"},
		{"zero lots", func(r *models.OrderRequest) { r.Lots = 0 }, "lots"},
		{"too many lots", func(r *models.OrderRequest) { r.Lots = 101 }, "lots"},
		{"side", func(r *models.OrderRequest) { r.TransactionType = "HOLD" }, "transaction_type"},
		{"product", func(r *models.OrderRequest) { r.Product = "BO" }, "product"},
		{"order type", func(r *models.OrderRequest) { r.OrderType = "SL" }, "order_type"},
		{"limit without price", func(r *models.OrderRequest) { r.OrderType = "LIMIT" }, "price"},
		{"limit with zero price", func(r *models.OrderRequest) { r.OrderType = "LIMIT"; r.Price = &zero }, "price"},
		{"market with price", func(r *models.OrderRequest) { r.Price = &price }, "price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, OrderOptions{})
			a := env.addAccount(t, 1, "A", true)

			req := niftyOrder(a)
			tt.mutate(&req)
			res, err := env.orders.PlaceOrder(context.Background(), 1, req)
			assert.Nil(t, res)

			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, 0, env.fake.calls("A"))
		})
	}
}

func TestPlaceOrderExpiryTodayIsAllowed(t *testing.T) {
	env := newTestEnv(t, OrderOptions{})
	a := env.addAccount(t, 1, "A", true)

	req := niftyOrder(a)
	req.Expiry = "2025-01-20"
	req.OrderType = "LIMIT"
	price := 99.5
	req.Price = &price

	res, err := env.orders.PlaceOrder(context.Background(), 1, req)
	require.NoError(t, err)
	assert.Equal(t, "NIFTY2512024000CE", res.TradingSymbol)
}

func TestPlaceOrderPushesResultToUser(t *testing.T) {
	env := newTestEnv(t, OrderOptions{})
	a := env.addAccount(t, 7, "A", true)

	notifier := new(mockNotifier)
	notifier.On("SendToUser", uint(7), mock.MatchedBy(func(m models.Message) bool {
		res, ok := m.Content.(*models.FanOutResult)
		return m.Type == models.MessageOrdersPlaced && ok && len(res.Orders) == 1
	})).Return().Once()
	env.orders.notifier = notifier

	_, err := env.orders.PlaceOrder(context.Background(), 7, niftyOrder(a))
	require.NoError(t, err)
	notifier.AssertExpectations(t)
}

// accountBehaviour scripts one target of a generated fan-out.
type accountBehaviour int

const (
	behaveSucceed accountBehaviour = iota
	behaveReject
	behaveFail
	behaveLoggedOut
	behaveMissing
)

func TestPlaceOrderFanOutProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		behaviours := rapid.SliceOfN(rapid.IntRange(int(behaveSucceed), int(behaveMissing)), 1, 8).Draw(rt, "behaviours")

		env := newTestEnv(rt, OrderOptions{Concurrency: rapid.IntRange(1, 4).Draw(rt, "concurrency")})
		ids := make([]uint, len(behaviours))
		byKey := make(map[string]accountBehaviour)
		for i, b := range behaviours {
			key := string(rune('a' + i))
			switch accountBehaviour(b) {
			case behaveMissing:
				ids[i] = uint(10000 + i)
			case behaveLoggedOut:
				ids[i] = env.addAccount(rt, 1, key, false)
			default:
				ids[i] = env.addAccount(rt, 1, key, true)
			}
			byKey[key] = accountBehaviour(b)
		}

		env.fake.placeFn = func(_ context.Context, sess broker.Session, _ models.OrderLeg) (string, error) {
			switch byKey[sess.APIKey] {
			case behaveReject:
				return "", &broker.RejectedError{Message: "rejected"}
			case behaveFail:
				return "", errors.New("boom")
			}
			return "id-" + sess.APIKey, nil
		}

		res, err := env.orders.PlaceOrder(context.Background(), 1, niftyOrder(ids...))
		require.NoError(rt, err)
		require.Len(rt, res.Orders, len(ids))

		want := map[accountBehaviour]models.OutcomeKind{
			behaveSucceed:   models.OutcomePlaced,
			behaveReject:    models.OutcomeRejected,
			behaveFail:      models.OutcomeFailed,
			behaveLoggedOut: models.OutcomeNotLoggedIn,
			behaveMissing:   models.OutcomeNotFound,
		}
		anySuccess := false
		for i, o := range res.Orders {
			b := accountBehaviour(behaviours[i])
			assert.Equal(rt, ids[i], o.AccountID)
			assert.Equal(rt, want[b], o.Kind)
			assert.Equal(rt, b == behaveSucceed, o.Success)
			anySuccess = anySuccess || o.Success

			if b == behaveLoggedOut {
				assert.Equal(rt, 0, env.fake.calls(string(rune('a'+i))))
			}
		}
		assert.Equal(rt, anySuccess, res.Success)
	})
}
