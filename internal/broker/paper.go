package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/zap-trading/internal/models"
)

// Compile-time interface check.
var _ SessionClient = (*PaperClient)(nil)

// InvalidRequestToken is the request token the paper broker refuses.
const InvalidRequestToken = "invalid"

const defaultPaperMark = 100.0

// PaperClient implements SessionClient for paper trading. Orders fill
// immediately and positions are tracked in memory per api key.
type PaperClient struct {
	loginURL string

	mu       sync.Mutex
	sessions map[string]string // access token -> api key
	books    map[string]map[string]*paperPosition
	marks    map[string]float64
	seq      int64
}

type paperPosition struct {
	exchange string
	product  string
	quantity int
	avgPrice decimal.Decimal
}

// NewPaperClient creates a paper broker. loginURL is where users are sent
// to "authorize"; any request token except InvalidRequestToken succeeds.
func NewPaperClient(loginURL string) *PaperClient {
	return &PaperClient{
		loginURL: loginURL,
		sessions: make(map[string]string),
		books:    make(map[string]map[string]*paperPosition),
		marks:    make(map[string]float64),
	}
}

// IssueRequestToken stands in for the broker's login page: it mints the
// one-time request token that would be handed back on the redirect.
func (p *PaperClient) IssueRequestToken() string {
	return "paper-rt-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Name returns "paper".
func (p *PaperClient) Name() string {
	return "paper"
}

// LoginURL returns the configured login page tagged with the api key.
func (p *PaperClient) LoginURL(cred Credential) string {
	sep := "?"
	if strings.Contains(p.loginURL, "?") {
		sep = "&"
	}
	return p.loginURL + sep + "api_key=" + cred.APIKey
}

// ExchangeToken issues a fresh access token.
func (p *PaperClient) ExchangeToken(ctx context.Context, cred Credential, requestToken string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if requestToken == "" || requestToken == InvalidRequestToken {
		return Session{}, fmt.Errorf("%w: request token %q is not valid", ErrTokenExchange, requestToken)
	}
	token := "paper-" + uuid.NewString()

	p.mu.Lock()
	p.sessions[token] = cred.APIKey
	p.mu.Unlock()

	return Session{
		APIKey:       cred.APIKey,
		AccessToken:  token,
		BrokerUserID: cred.UserID,
	}, nil
}

// SetMark sets the simulated last traded price of an instrument.
func (p *PaperClient) SetMark(tradingSymbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[tradingSymbol] = price
}

// PlaceOrder fills the leg at its limit price, or at the mark for
// market orders.
func (p *PaperClient) PlaceOrder(ctx context.Context, sess Session, leg models.OrderLeg) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if leg.Quantity <= 0 {
		return "", &RejectedError{Code: "InputException", Message: "quantity must be positive"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	apiKey, ok := p.sessions[sess.AccessToken]
	if !ok || apiKey != sess.APIKey {
		return "", ErrAuthRejected
	}

	price := p.markLocked(leg.TradingSymbol)
	if leg.OrderType == "LIMIT" {
		price = leg.Price
	}
	qty := leg.Quantity
	if leg.TransactionType == "SELL" {
		qty = -qty
	}

	book, ok := p.books[apiKey]
	if !ok {
		book = make(map[string]*paperPosition)
		p.books[apiKey] = book
	}
	pos, ok := book[leg.TradingSymbol]
	if !ok {
		pos = &paperPosition{exchange: leg.Exchange, product: leg.Product}
		book[leg.TradingSymbol] = pos
	}
	fill(pos, qty, decimal.NewFromFloat(price))
	if pos.quantity == 0 {
		delete(book, leg.TradingSymbol)
	}

	p.seq++
	return fmt.Sprintf("PAPER%010d", p.seq), nil
}

// fill applies a signed fill to a net position. Adding to the exposure
// moves the average; reducing keeps it; flipping restarts it.
func fill(pos *paperPosition, qty int, price decimal.Decimal) {
	switch {
	case pos.quantity == 0 || (pos.quantity > 0) == (qty > 0):
		total := pos.avgPrice.Mul(decimal.NewFromInt(int64(abs(pos.quantity)))).
			Add(price.Mul(decimal.NewFromInt(int64(abs(qty)))))
		pos.quantity += qty
		pos.avgPrice = total.Div(decimal.NewFromInt(int64(abs(pos.quantity))))
	case abs(qty) <= abs(pos.quantity):
		pos.quantity += qty
	default:
		pos.quantity += qty
		pos.avgPrice = price
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Positions returns the open paper positions of the session's api key,
// sorted by trading symbol.
func (p *PaperClient) Positions(ctx context.Context, sess Session) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	apiKey, ok := p.sessions[sess.AccessToken]
	if !ok || apiKey != sess.APIKey {
		return nil, ErrAuthRejected
	}

	out := make([]models.Position, 0, len(p.books[apiKey]))
	for symbol, pos := range p.books[apiKey] {
		avg, _ := pos.avgPrice.Round(2).Float64()
		out = append(out, models.Position{
			TradingSymbol: symbol,
			Exchange:      pos.exchange,
			Product:       pos.product,
			Quantity:      pos.quantity,
			AvgPrice:      avg,
			LastPrice:     p.markLocked(symbol),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradingSymbol < out[j].TradingSymbol })
	return out, nil
}

// Revoke forgets the access token.
func (p *PaperClient) Revoke(_ context.Context, sess Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sess.AccessToken)
	return nil
}

func (p *PaperClient) markLocked(symbol string) float64 {
	if m, ok := p.marks[symbol]; ok {
		return m
	}
	return defaultPaperMark
}
