package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/autobotela-sys/zap-trading/internal/broker"
	"github.com/autobotela-sys/zap-trading/internal/metrics"
	"github.com/autobotela-sys/zap-trading/internal/models"
)

// PositionService aggregates open positions across a user's accounts
type PositionService interface {
	GetPositions(ctx context.Context, userID uint) (*models.PositionReport, error)
	AccountSummaries(ctx context.Context, userID uint) ([]models.AccountResponse, error)
}

type positionService struct {
	accounts    *AccountRegistry
	notifier    Notifier
	callTimeout time.Duration
	concurrency int
}

// NewPositionService creates the position aggregator
func NewPositionService(accounts *AccountRegistry, notifier Notifier, callTimeout time.Duration, concurrency int) PositionService {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 16
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &positionService{accounts: accounts, notifier: notifier, callTimeout: callTimeout, concurrency: concurrency}
}

type accountPositions struct {
	positions []models.Position
	pnl       decimal.Decimal
	failure   *models.AccountFailure
}

// GetPositions queries every active account concurrently. An account
// whose query fails contributes no positions and is listed in Failures.
// Positions are never netted across accounts.
func (s *positionService) GetPositions(ctx context.Context, userID uint) (*models.PositionReport, error) {
	targets, err := s.accounts.activeTargets(userID)
	if err != nil {
		return nil, err
	}

	results := make([]accountPositions, len(targets))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, t := range targets {
		i, t := i, t // per-iteration copies (go 1.21 loop semantics)
		g.Go(func() error {
			results[i] = s.query(ctx, t)
			return nil
		})
	}
	g.Wait()

	report := &models.PositionReport{
		Positions:  []models.Position{},
		AccountPnl: make(map[uint]decimal.Decimal),
	}
	for i, r := range results {
		if r.failure != nil {
			report.Failures = append(report.Failures, *r.failure)
			continue
		}
		report.Positions = append(report.Positions, r.positions...)
		report.AccountPnl[targets[i].accountID] = r.pnl
		if err := s.accounts.recordPnl(targets[i].accountID, r.pnl); err != nil {
			log.Printf("Failed to record P&L for account %d: %v", targets[i].accountID, err)
		}
	}

	s.notifier.SendToUser(userID, models.Message{Type: models.MessagePositions, Content: report})
	return report, nil
}

func (s *positionService) query(ctx context.Context, t target) accountPositions {
	started := time.Now()
	positions, err := callWithin(ctx, s.callTimeout, func(callCtx context.Context) ([]models.Position, error) {
		return t.client.Positions(callCtx, t.session)
	})
	metrics.ObserveBrokerCall(t.client.Name(), "positions", started)

	if err != nil {
		reason := "query failed"
		switch {
		case errors.Is(err, broker.ErrAuthRejected):
			reason = "session expired"
			if _, expErr := s.accounts.expire(t.accountID, t.sealedToken); expErr != nil {
				log.Printf("Failed to expire account %d: %v", t.accountID, expErr)
			}
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			reason = "timeout"
		}
		log.Printf("Position query failed for account %d: %v", t.accountID, err)
		metrics.RecordPositionFailure(t.client.Name(), reason)
		return accountPositions{failure: &models.AccountFailure{AccountID: t.accountID, Account: t.nickname, Reason: reason}}
	}

	out := accountPositions{positions: make([]models.Position, 0, len(positions))}
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		pnl := models.UnrealizedPnl(p.AvgPrice, p.LastPrice, p.Quantity)
		p.AccountID = t.accountID
		p.Account = t.nickname
		p.Pnl, _ = pnl.Float64()
		out.positions = append(out.positions, p)
		out.pnl = out.pnl.Add(pnl)
	}
	return out
}

// AccountSummaries lists the user's accounts with total_pnl taken from a
// live position query where one succeeded, else from the last cached
// value flagged as stale.
func (s *positionService) AccountSummaries(ctx context.Context, userID uint) ([]models.AccountResponse, error) {
	report, err := s.GetPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	accounts, err := s.accounts.List(userID)
	if err != nil {
		return nil, err
	}

	out := make([]models.AccountResponse, 0, len(accounts))
	for i := range accounts {
		a := &accounts[i]
		resp := models.NewAccountResponse(a)
		if live, ok := report.AccountPnl[a.ID]; ok {
			resp.TotalPnl, _ = live.Float64()
		} else {
			resp.PnlStale = true
		}
		out = append(out, resp)
	}
	return out, nil
}
