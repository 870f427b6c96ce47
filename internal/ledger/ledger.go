// Package ledger prices responses and guards scope credit balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/choruslabs/chorus/internal/config"
	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/persona"
	"github.com/choruslabs/chorus/internal/scope"
)

// ErrInsufficientCredits is returned by Authorize when the scope cannot
// cover the cost. Authorization fails closed: any doubt means no response.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Notifier delivers the out-of-credits notice to the scope's channel.
// Satisfied by a display surface adapter.
type Notifier interface {
	Notify(ctx context.Context, channelID, text string) error
}

// OutOfCreditsNotice is what users see when a response is declined for
// lack of credits.
const OutOfCreditsNotice = "Out of credits. Top up to keep the conversation going."

// Ledger computes per-response costs and authorizes, debits, and credits
// scope balances. The out-of-credits notice is rate limited per scope so
// a busy channel is not spammed.
//
// Ledger is safe for concurrent use by multiple goroutines.
type Ledger struct {
	cfg      config.Credits
	notifier Notifier
	logger   log.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg config.Credits, notifier Notifier, logger log.Logger) *Ledger {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Ledger{
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Cost prices one response. Standard and premium tiers are flat. The
// large-context tier starts at the standard cost and adds one credit per
// full thousand tokens of context beyond the surcharge threshold.
func (l *Ledger) Cost(tier persona.Tier, contextTokens int) int {
	switch tier {
	case persona.TierPremium:
		return l.cfg.PremiumCost
	case persona.TierLargeContext:
		cost := l.cfg.StandardCost
		if over := contextTokens - l.cfg.SurchargeTokens; over > 0 {
			cost += over / 1000
		}
		return cost
	default:
		return l.cfg.StandardCost
	}
}

// Authorize checks that the scope can afford cost without debiting it.
// On refusal it records the event, sends the rate-limited notice, and
// returns ErrInsufficientCredits.
func (l *Ledger) Authorize(ctx context.Context, sc *scope.Scope, channelID string, cost int) error {
	if sc.Credits >= cost {
		return nil
	}

	sc.AppendRecord(scope.RecordOutOfCredits, 0)
	if l.limiter(sc.ID).Allow() {
		if err := l.notifier.Notify(ctx, channelID, OutOfCreditsNotice); err != nil {
			l.logger.Warn("credit notice failed", "scope", sc.ID, "error", err)
		}
	}
	l.logger.Info("response declined", "scope", sc.ID, "cost", cost, "balance", sc.Credits)
	return fmt.Errorf("scope %s needs %d credits, has %d: %w", sc.ID, cost, sc.Credits, ErrInsufficientCredits)
}

// Debit charges the scope after a response has fully succeeded. The
// balance never goes below zero even if concurrent spends raced past the
// authorization check.
func (l *Ledger) Debit(sc *scope.Scope, cost int) {
	sc.Credits -= cost
	if sc.Credits < 0 {
		sc.Credits = 0
	}
}

// Credit adds purchased credits to the scope.
func (l *Ledger) Credit(sc *scope.Scope, amount int) {
	if amount <= 0 {
		return
	}
	sc.Credits += amount
	sc.AppendRecord(scope.RecordTopUp, 0)
	l.logger.Info("credited scope", "scope", sc.ID, "amount", amount, "balance", sc.Credits)
}

func (l *Ledger) limiter(scopeID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[scopeID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.cfg.NoticeWindow), 1)
		l.limiters[scopeID] = lim
	}
	return lim
}
