package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/autobotela-sys/zap-trading/internal/broker"
	"github.com/autobotela-sys/zap-trading/internal/metrics"
	"github.com/autobotela-sys/zap-trading/internal/models"
)

// OrderService replicates one logical order across a user's accounts
type OrderService interface {
	PlaceOrder(ctx context.Context, userID uint, req models.OrderRequest) (*models.FanOutResult, error)
}

// OrderOptions bounds a fan-out.
type OrderOptions struct {
	// CallTimeout bounds each account's broker call.
	CallTimeout time.Duration
	// RequestTimeout bounds the whole fan-out; calls still pending when
	// it passes are abandoned with a Timeout outcome.
	RequestTimeout time.Duration
	// Concurrency caps simultaneous broker calls within one fan-out.
	Concurrency int
}

type orderService struct {
	accounts *AccountRegistry
	notifier Notifier
	opts     OrderOptions
	now      func() time.Time
}

// NewOrderService creates the order fan-out service
func NewOrderService(accounts *AccountRegistry, notifier Notifier, opts OrderOptions) OrderService {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.RequestTimeout < opts.CallTimeout {
		opts.RequestTimeout = 3 * opts.CallTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &orderService{accounts: accounts, notifier: notifier, opts: opts, now: time.Now}
}

// PlaceOrder validates req, dispatches it to every target account in
// parallel and joins all outcomes in request order. Only validation and
// registry faults fail the call; per-account failures are outcomes.
func (s *orderService) PlaceOrder(ctx context.Context, userID uint, req models.OrderRequest) (*models.FanOutResult, error) {
	order, err := validateOrder(req, s.now())
	if err != nil {
		return nil, err
	}

	started := time.Now()
	batchID := uuid.NewString()
	leg := order.leg
	leg.Tag = "zap" + strings.ReplaceAll(batchID, "-", "")[:12]

	targets := make([]target, len(order.accountIDs))
	for i, id := range order.accountIDs {
		t, err := s.accounts.capture(userID, id)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve account %d: %w", id, err)
		}
		targets[i] = t
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	outcomes := make([]models.OrderOutcome, len(targets))
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, t := range targets {
		switch {
		case !t.found:
			outcomes[i] = outcome(t, models.OutcomeNotFound, "", "account not found")
			continue
		case !t.active:
			outcomes[i] = outcome(t, models.OutcomeNotLoggedIn, "", "account not logged in")
			continue
		}
		i, t := i, t // per-iteration copies (go 1.21 loop semantics)
		g.Go(func() error {
			outcomes[i] = s.dispatch(reqCtx, t, leg)
			return nil
		})
	}
	g.Wait()

	result := &models.FanOutResult{
		BatchID:       batchID,
		TradingSymbol: leg.TradingSymbol,
		Quantity:      leg.Quantity,
		Orders:        outcomes,
	}
	succeeded := result.SucceededCount()
	result.Success = succeeded > 0
	result.Message = fmt.Sprintf("Orders placed: %d/%d", succeeded, len(outcomes))

	for i, o := range outcomes {
		brokerName := "none"
		if targets[i].client != nil {
			brokerName = targets[i].client.Name()
		}
		metrics.RecordOrderOutcome(brokerName, string(o.Kind))
		log.Printf("Batch %s account %d: %s %s", batchID, o.AccountID, o.Kind, o.Message)
	}
	metrics.ObserveFanOut(len(outcomes), started)
	log.Printf("Batch %s %s %d x %s: %s", batchID, leg.TransactionType, leg.Quantity, leg.TradingSymbol, result.Message)

	s.notifier.SendToUser(userID, models.Message{Type: models.MessageOrdersPlaced, Content: result})
	return result, nil
}

// dispatch places leg on one account and classifies the result. It never
// returns early for another account's sake.
func (s *orderService) dispatch(ctx context.Context, t target, leg models.OrderLeg) models.OrderOutcome {
	if ctx.Err() != nil {
		return outcome(t, models.OutcomeTimeout, "", "request deadline exceeded before dispatch")
	}

	started := time.Now()
	orderID, err := callWithin(ctx, s.opts.CallTimeout, func(callCtx context.Context) (string, error) {
		return t.client.PlaceOrder(callCtx, t.session, leg)
	})
	metrics.ObserveBrokerCall(t.client.Name(), "place_order", started)

	var rejected *broker.RejectedError
	switch {
	case err == nil:
		return outcome(t, models.OutcomePlaced, orderID, "Order placed")
	case errors.Is(err, broker.ErrAuthRejected):
		if _, expErr := s.accounts.expire(t.accountID, t.sealedToken); expErr != nil {
			log.Printf("Failed to expire account %d: %v", t.accountID, expErr)
		}
		return outcome(t, models.OutcomeAuthExpired, "", "session expired, login again")
	case errors.As(err, &rejected):
		return outcome(t, models.OutcomeRejected, "", rejected.Message)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return outcome(t, models.OutcomeTimeout, "", "no response from broker before the deadline")
	default:
		return outcome(t, models.OutcomeFailed, "", err.Error())
	}
}

func outcome(t target, kind models.OutcomeKind, orderID, message string) models.OrderOutcome {
	return models.OrderOutcome{
		AccountID: t.accountID,
		Account:   t.nickname,
		Success:   kind == models.OutcomePlaced,
		Kind:      kind,
		OrderID:   orderID,
		Message:   message,
	}
}
