package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/autobotela-sys/zap-trading/internal/models"
)

// Compile-time interface check.
var _ SessionClient = (*KiteClient)(nil)

const kiteVersion = "3"

// KiteClient talks to the Kite Connect v3 REST API. One client serves
// every Kite account; requests are throttled per api key.
type KiteClient struct {
	apiURL     string
	loginURL   string
	httpClient *http.Client

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// KiteOptions configures a KiteClient
type KiteOptions struct {
	APIURL    string
	LoginURL  string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

// NewKiteClient creates a Kite Connect client
func NewKiteClient(opts KiteOptions) *KiteClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	return &KiteClient{
		apiURL:     strings.TrimRight(opts.APIURL, "/"),
		loginURL:   opts.LoginURL,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limit:      rate.Limit(opts.RateLimit),
		burst:      opts.RateBurst,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// SetHTTPClient replaces the HTTP client, e.g. to route through a proxy
// or a test server's client.
func (k *KiteClient) SetHTTPClient(client *http.Client) {
	k.httpClient = client
}

// Name returns "kite".
func (k *KiteClient) Name() string {
	return "kite"
}

// LoginURL returns the Kite Connect login page for the api key.
func (k *KiteClient) LoginURL(cred Credential) string {
	q := url.Values{}
	q.Set("v", kiteVersion)
	q.Set("api_key", cred.APIKey)
	return k.loginURL + "?" + q.Encode()
}

// kiteEnvelope is the common response wrapper of every Kite endpoint.
type kiteEnvelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

type kiteSession struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	PublicToken string `json:"public_token"`
}

type kiteOrder struct {
	OrderID string `json:"order_id"`
}

type kitePosition struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
}

type kitePositions struct {
	Net []kitePosition `json:"net"`
}

// ExchangeToken calls POST /session/token with the request token and the
// sha256 checksum of api_key + request_token + api_secret.
func (k *KiteClient) ExchangeToken(ctx context.Context, cred Credential, requestToken string) (Session, error) {
	sum := sha256.Sum256([]byte(cred.APIKey + requestToken + cred.APISecret))
	form := url.Values{}
	form.Set("api_key", cred.APIKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", hex.EncodeToString(sum[:]))

	var data kiteSession
	err := k.do(ctx, http.MethodPost, "/session/token", "", form, &data)
	if err != nil {
		var rejected *RejectedError
		if errors.Is(err, ErrAuthRejected) || errors.As(err, &rejected) {
			return Session{}, fmt.Errorf("%w: %v", ErrTokenExchange, err)
		}
		return Session{}, err
	}
	if data.AccessToken == "" {
		return Session{}, fmt.Errorf("%w: empty access token", ErrTokenExchange)
	}
	return Session{
		APIKey:       cred.APIKey,
		AccessToken:  data.AccessToken,
		PublicToken:  data.PublicToken,
		BrokerUserID: data.UserID,
	}, nil
}

// PlaceOrder calls POST /orders/{variety}.
func (k *KiteClient) PlaceOrder(ctx context.Context, sess Session, leg models.OrderLeg) (string, error) {
	if err := k.wait(ctx, sess.APIKey); err != nil {
		return "", err
	}
	form := url.Values{}
	form.Set("exchange", leg.Exchange)
	form.Set("tradingsymbol", leg.TradingSymbol)
	form.Set("transaction_type", leg.TransactionType)
	form.Set("quantity", strconv.Itoa(leg.Quantity))
	form.Set("product", leg.Product)
	form.Set("order_type", leg.OrderType)
	form.Set("validity", "DAY")
	if leg.OrderType == "LIMIT" {
		form.Set("price", strconv.FormatFloat(leg.Price, 'f', 2, 64))
	}
	if leg.Tag != "" {
		form.Set("tag", leg.Tag)
	}

	variety := leg.Variety
	if variety == "" {
		variety = models.VarietyRegular
	}
	var data kiteOrder
	if err := k.do(ctx, http.MethodPost, "/orders/"+variety, authHeader(sess), form, &data); err != nil {
		return "", err
	}
	return data.OrderID, nil
}

// Positions calls GET /portfolio/positions and returns the net book,
// skipping flat rows.
func (k *KiteClient) Positions(ctx context.Context, sess Session) ([]models.Position, error) {
	if err := k.wait(ctx, sess.APIKey); err != nil {
		return nil, err
	}
	var data kitePositions
	if err := k.do(ctx, http.MethodGet, "/portfolio/positions", authHeader(sess), nil, &data); err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(data.Net))
	for _, p := range data.Net {
		if p.Quantity == 0 {
			continue
		}
		out = append(out, models.Position{
			TradingSymbol: p.TradingSymbol,
			Exchange:      p.Exchange,
			Product:       p.Product,
			Quantity:      p.Quantity,
			AvgPrice:      p.AveragePrice,
			LastPrice:     p.LastPrice,
		})
	}
	return out, nil
}

// Revoke calls DELETE /session/token.
func (k *KiteClient) Revoke(ctx context.Context, sess Session) error {
	q := url.Values{}
	q.Set("api_key", sess.APIKey)
	q.Set("access_token", sess.AccessToken)
	return k.do(ctx, http.MethodDelete, "/session/token?"+q.Encode(), authHeader(sess), nil, nil)
}

func authHeader(sess Session) string {
	return "token " + sess.APIKey + ":" + sess.AccessToken
}

func (k *KiteClient) limiter(apiKey string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[apiKey]
	if !ok {
		l = rate.NewLimiter(k.limit, k.burst)
		k.limiters[apiKey] = l
	}
	return l
}

// wait blocks until the api key's limiter admits a request. A limiter
// that refuses because the wait would outlast ctx reports a deadline.
func (k *KiteClient) wait(ctx context.Context, apiKey string) error {
	err := k.limiter(apiKey).Wait(ctx)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("rate limit wait: %w", ctxErr)
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("rate limit wait: %w (%v)", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("rate limit wait: %w", err)
}

func (k *KiteClient) do(ctx context.Context, method, path, auth string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, k.apiURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Kite-Version", kiteVersion)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kite %s %s: %w", method, strings.SplitN(path, "?", 2)[0], err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env kiteEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode == http.StatusForbidden {
			return ErrAuthRejected
		}
		return fmt.Errorf("kite returned status %d with unreadable body", resp.StatusCode)
	}

	if resp.StatusCode >= 300 || env.Status == "error" {
		return classifyKiteError(resp.StatusCode, env)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode kite data: %w", err)
	}
	return nil
}

func classifyKiteError(status int, env kiteEnvelope) error {
	if status == http.StatusForbidden || env.ErrorType == "TokenException" {
		if env.Message != "" {
			return fmt.Errorf("%w: %s", ErrAuthRejected, env.Message)
		}
		return ErrAuthRejected
	}
	switch env.ErrorType {
	case "InputException", "OrderException", "MarginException", "PermissionException", "UserException":
		return &RejectedError{Code: env.ErrorType, Message: env.Message}
	}
	if status == http.StatusBadRequest {
		return &RejectedError{Code: env.ErrorType, Message: env.Message}
	}
	return fmt.Errorf("kite error (status %d, %s): %s", status, env.ErrorType, env.Message)
}
