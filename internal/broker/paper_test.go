package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobotela-sys/zap-trading/internal/models"
)

func TestPaperLoginLifecycle(t *testing.T) {
	p := NewPaperClient("http://localhost/paper/login")
	ctx := context.Background()
	cred := Credential{APIKey: "pk"}

	assert.Equal(t, "http://localhost/paper/login?api_key=pk", p.LoginURL(cred))

	_, err := p.ExchangeToken(ctx, cred, InvalidRequestToken)
	assert.ErrorIs(t, err, ErrTokenExchange)

	sess, err := p.ExchangeToken(ctx, cred, "ok")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AccessToken)

	require.NoError(t, p.Revoke(ctx, sess))
	_, err = p.Positions(ctx, sess)
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestPaperPositionsNetFills(t *testing.T) {
	p := NewPaperClient("http://localhost/paper/login")
	ctx := context.Background()
	sess, err := p.ExchangeToken(ctx, Credential{APIKey: "pk"}, "ok")
	require.NoError(t, err)

	leg := models.OrderLeg{
		Exchange:        "NFO",
		TradingSymbol:   "NIFTY25JAN24000CE",
		TransactionType: "BUY",
		Quantity:        65,
		Product:         "NRML",
		OrderType:       "LIMIT",
		Price:           100,
	}
	_, err = p.PlaceOrder(ctx, sess, leg)
	require.NoError(t, err)
	leg.Price = 110
	_, err = p.PlaceOrder(ctx, sess, leg)
	require.NoError(t, err)

	p.SetMark(leg.TradingSymbol, 120)
	positions, err := p.Positions(ctx, sess)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 130, positions[0].Quantity)
	assert.Equal(t, 105.0, positions[0].AvgPrice)
	assert.Equal(t, 120.0, positions[0].LastPrice)

	leg.TransactionType = "SELL"
	leg.Quantity = 130
	_, err = p.PlaceOrder(ctx, sess, leg)
	require.NoError(t, err)

	positions, err = p.Positions(ctx, sess)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperRejectsUnknownSession(t *testing.T) {
	p := NewPaperClient("http://localhost/paper/login")
	_, err := p.PlaceOrder(context.Background(), Session{APIKey: "pk", AccessToken: "nope"}, models.OrderLeg{Quantity: 1})
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewPaperClient("x"), NewKiteClient(KiteOptions{}))
	assert.Equal(t, []string{"kite", "paper"}, r.Names())

	c, err := r.Get("paper")
	require.NoError(t, err)
	assert.Equal(t, "paper", c.Name())

	_, err = r.Get("upstox")
	assert.ErrorIs(t, err, models.ErrUnknownBroker)
}
