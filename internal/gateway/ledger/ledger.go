package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mrmushfiq/llmgate/internal/gateway/gateerr"
	"github.com/mrmushfiq/llmgate/internal/gateway/policy"
	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

// rateWindow is the span of the rpm/tpm sliding windows.
const rateWindow = time.Minute

// BudgetStore is the persistence surface the ledger reads and writes.
type BudgetStore interface {
	BudgetsFor(ctx context.Context, principalIDs []string, model string) ([]models.Budget, error)
	CommitSpend(ctx context.Context, budgetID string, amount float64) error
	AppendSpendEvent(ctx context.Context, ev *models.SpendEvent) error
	DueForReset(ctx context.Context, now time.Time) ([]models.Budget, error)
	ResetBudget(ctx context.Context, budgetID string, prevResetAt, nextResetAt time.Time) error
}

// RateWindow counts requests and tokens in a sliding window, typically
// backed by Redis.
type RateWindow interface {
	Allow(ctx context.Context, key string, n, limit int64, window time.Duration) (ok bool, retryAfter time.Duration, err error)
}

// Estimate is the pre-call cost guess a reservation is sized by.
type Estimate struct {
	CostUSD float64
	Tokens  int64
}

// Actual is the settled accounting from a completed upstream call.
type Actual struct {
	CostUSD      float64
	Usage        models.TokenUsage
	DeploymentID string
}

// hold tracks the provisional in-flight amount against one budget row.
// Each row has its own lock so unrelated principals never contend. refs
// counts the reservations currently holding against the row; the map entry
// is pruned when it drains to zero.
type hold struct {
	mu     sync.Mutex
	amount float64
	refs   int
	gone   bool
}

type heldRow struct {
	budget models.Budget
	amount float64
}

// Reservation is a provisional budget hold. Exactly one Settle or Release
// must follow each successful Reserve; extra calls are no-ops.
type Reservation struct {
	PrincipalID string
	Model       string
	RequestID   string
	Estimate    Estimate

	rows []heldRow
	done atomic.Bool
}

// Ledger enforces budgets and rate limits with reserve-before-execute,
// settle-after semantics. Committed spend plus in-flight holds gate new
// reservations, bounding concurrent overshoot to the in-flight window.
type Ledger struct {
	store  BudgetStore
	window RateWindow // nil disables rpm/tpm enforcement
	log    zerolog.Logger

	holds sync.Map // budget id -> *hold
}

// New creates a Ledger.
func New(store BudgetStore, window RateWindow, log zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		window: window,
		log:    log.With().Str("component", "ledger").Logger(),
	}
}

// holdFor returns the hold for a budget row with its lock held. A gone
// hold was pruned after draining; retry until a live entry is observed.
func (l *Ledger) holdFor(budgetID string) *hold {
	for {
		v, _ := l.holds.LoadOrStore(budgetID, &hold{})
		h := v.(*hold)
		h.mu.Lock()
		if !h.gone {
			return h
		}
		h.mu.Unlock()
	}
}

// releaseHold unlocks a hold, pruning the map entry once no reservation
// holds against the row. Zeroing the amount on the way out stops float
// residue from accumulating across generations.
func (l *Ledger) releaseHold(budgetID string, h *hold) {
	if h.refs == 0 {
		h.amount = 0
		h.gone = true
		l.holds.Delete(budgetID)
	}
	h.mu.Unlock()
}

// Reserve checks rate limits and every applicable budget row for the
// principal chain, then places an in-flight hold sized by the estimate.
// It fails fast with BudgetExceededError before any upstream call is made.
func (l *Ledger) Reserve(ctx context.Context, pol policy.EffectivePolicy, model, requestID string, est Estimate) (*Reservation, error) {
	if err := l.checkRateLimits(ctx, pol, est); err != nil {
		return nil, err
	}

	budgets, err := l.store.BudgetsFor(ctx, pol.Chain, model)
	if err != nil {
		return nil, fmt.Errorf("budget lookup: %w", err)
	}

	res := &Reservation{
		PrincipalID: pol.PrincipalID,
		Model:       model,
		RequestID:   requestID,
		Estimate:    est,
	}

	for _, b := range budgets {
		h := l.holdFor(b.ID)
		if b.MaxBudget != nil && b.Spend+h.amount+est.CostUSD > *b.MaxBudget {
			l.releaseHold(b.ID, h)
			l.dropHolds(res)
			return nil, &gateerr.BudgetExceededError{
				PrincipalID: b.PrincipalID,
				Kind:        gateerr.LimitMaxBudget,
				RetryAfter:  untilReset(b),
			}
		}
		h.amount += est.CostUSD
		h.refs++
		l.releaseHold(b.ID, h)
		res.rows = append(res.rows, heldRow{budget: b, amount: est.CostUSD})
	}

	return res, nil
}

func (l *Ledger) checkRateLimits(ctx context.Context, pol policy.EffectivePolicy, est Estimate) error {
	if l.window == nil {
		return nil
	}
	if limit := pol.RateLimits.RPM; limit != nil {
		ok, retryAfter, err := l.window.Allow(ctx, "rpm:"+pol.PrincipalID, 1, *limit, rateWindow)
		if err != nil {
			return fmt.Errorf("rpm window: %w", err)
		}
		if !ok {
			return &gateerr.BudgetExceededError{
				PrincipalID: pol.PrincipalID,
				Kind:        gateerr.LimitRPM,
				RetryAfter:  retryAfter,
			}
		}
	}
	if limit := pol.RateLimits.TPM; limit != nil && est.Tokens > 0 {
		ok, retryAfter, err := l.window.Allow(ctx, "tpm:"+pol.PrincipalID, est.Tokens, *limit, rateWindow)
		if err != nil {
			return fmt.Errorf("tpm window: %w", err)
		}
		if !ok {
			return &gateerr.BudgetExceededError{
				PrincipalID: pol.PrincipalID,
				Kind:        gateerr.LimitTPM,
				RetryAfter:  retryAfter,
			}
		}
	}
	return nil
}

func (l *Ledger) dropHolds(res *Reservation) {
	for _, row := range res.rows {
		h := l.holdFor(row.budget.ID)
		h.amount -= row.amount
		h.refs--
		l.releaseHold(row.budget.ID, h)
	}
	res.rows = nil
}

// Settle converts a reservation into committed spend using the real
// accounting from the completed call, and appends the spend event.
func (l *Ledger) Settle(ctx context.Context, res *Reservation, actual Actual) error {
	if !res.done.CompareAndSwap(false, true) {
		return nil
	}

	for _, row := range res.rows {
		h := l.holdFor(row.budget.ID)
		h.amount -= row.amount
		h.refs--
		l.releaseHold(row.budget.ID, h)

		if err := l.store.CommitSpend(ctx, row.budget.ID, actual.CostUSD); err != nil {
			l.log.Error().Err(err).Str("budget_id", row.budget.ID).Msg("failed to commit spend")
			continue
		}
		l.warnSoftBudget(row.budget, actual.CostUSD)
	}

	ev := &models.SpendEvent{
		ID:               uuid.NewString(),
		RequestID:        res.RequestID,
		PrincipalID:      res.PrincipalID,
		Model:            res.Model,
		DeploymentID:     actual.DeploymentID,
		PromptTokens:     actual.Usage.PromptTokens,
		CompletionTokens: actual.Usage.CompletionTokens,
		CostUSD:          actual.CostUSD,
	}
	if err := l.store.AppendSpendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append spend event: %w", err)
	}
	return nil
}

// Release discards a reservation with no charge, for calls that never
// produced a billable upstream response.
func (l *Ledger) Release(res *Reservation) {
	if !res.done.CompareAndSwap(false, true) {
		return
	}
	l.dropHolds(res)
}

func (l *Ledger) warnSoftBudget(b models.Budget, amount float64) {
	if b.SoftBudget == nil {
		return
	}
	// Crossing the threshold with this settlement; alert-only, never blocks.
	if b.Spend < *b.SoftBudget && b.Spend+amount >= *b.SoftBudget {
		l.log.Warn().
			Str("budget_id", b.ID).
			Str("principal_id", b.PrincipalID).
			Float64("soft_budget", *b.SoftBudget).
			Float64("spend", b.Spend+amount).
			Msg("soft budget threshold crossed")
	}
}

// ResetDue zeroes spend and advances reset_at for every budget whose period
// has elapsed. The store's reset_at compare-and-set makes a second sweep in
// the same period a no-op.
func (l *Ledger) ResetDue(ctx context.Context, now time.Time) (int, error) {
	due, err := l.store.DueForReset(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("reset sweep: %w", err)
	}

	reset := 0
	for _, b := range due {
		if b.ResetAt == nil || b.BudgetDuration <= 0 {
			continue
		}
		next := *b.ResetAt
		for !next.After(now) {
			next = next.Add(b.BudgetDuration)
		}
		if err := l.store.ResetBudget(ctx, b.ID, *b.ResetAt, next); err != nil {
			l.log.Error().Err(err).Str("budget_id", b.ID).Msg("failed to reset budget")
			continue
		}
		reset++
	}
	if reset > 0 {
		l.log.Info().Int("budgets", reset).Msg("budget reset sweep completed")
	}
	return reset, nil
}

func untilReset(b models.Budget) time.Duration {
	if b.ResetAt == nil {
		return 0
	}
	d := time.Until(*b.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}
