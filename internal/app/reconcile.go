/**
 * @description
 * Payment reconciliation. Pending top-ups are polled against their processor
 * and moved to completed (crediting the owner) or expired. The same transition
 * path serves pushed statuses from webhooks and the message broker.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/driphost/billing-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const reconcileLockTTL = 5 * time.Minute

// ReconcileResult summarizes one reconciliation cycle.
type ReconcileResult struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Expired   int `json:"expired"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (r *ReconcileResult) add(o ReconcileResult) {
	r.Checked += o.Checked
	r.Completed += o.Completed
	r.Expired += o.Expired
	r.Pending += o.Pending
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}

// Reconciler owns the top-up state machine.
type Reconciler struct {
	repo      store.Repository
	providers map[domain.PaymentSystem]PaymentProvider
	hooks     *HookChain
	lock      CycleLock
	logger    *slog.Logger

	running sync.Mutex
}

func NewReconciler(repo store.Repository, providers map[domain.PaymentSystem]PaymentProvider, hooks *HookChain, lock CycleLock, logger *slog.Logger) *Reconciler {
	if lock == nil {
		lock = NoopCycleLock{}
	}
	return &Reconciler{
		repo:      repo,
		providers: providers,
		hooks:     hooks,
		lock:      lock,
		logger:    logger,
	}
}

// RunCycle polls every pending top-up once. Processors are polled in parallel;
// top-ups of one processor are polled in order.
func (r *Reconciler) RunCycle(ctx context.Context) (ReconcileResult, error) {
	if !r.running.TryLock() {
		return ReconcileResult{}, ErrCycleInProgress
	}
	defer r.running.Unlock()

	release, acquired, err := r.lock.TryAcquire(ctx, "reconcile", reconcileLockTTL)
	if err != nil {
		r.logger.Warn("cycle lease unavailable; running without it", "cycle", "reconcile", "error", err)
	} else if !acquired {
		return ReconcileResult{}, ErrCycleInProgress
	} else {
		defer release()
	}

	topUps, err := r.repo.ListPendingTopUps(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list pending top-ups: %w", err)
	}
	if len(topUps) == 0 {
		return ReconcileResult{}, nil
	}

	groups := groupByPaymentSystem(topUps)
	systems := make([]domain.PaymentSystem, 0, len(groups))
	for ps := range groups {
		systems = append(systems, ps)
	}
	sort.Slice(systems, func(i, j int) bool { return systems[i] < systems[j] })

	var (
		mu     sync.Mutex
		result ReconcileResult
		g      errgroup.Group
	)
	for _, ps := range systems {
		ps := ps
		items := groups[ps]
		g.Go(func() error {
			res := r.pollProvider(ctx, ps, items)
			mu.Lock()
			result.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("payment reconciliation cycle finished",
		"checked", result.Checked,
		"completed", result.Completed,
		"expired", result.Expired,
		"pending", result.Pending,
		"failed", result.Failed,
		"skipped", result.Skipped,
	)
	return result, nil
}

func groupByPaymentSystem(topUps []domain.TopUp) map[domain.PaymentSystem][]domain.TopUp {
	groups := make(map[domain.PaymentSystem][]domain.TopUp)
	for _, t := range topUps {
		groups[t.PaymentSystem] = append(groups[t.PaymentSystem], t)
	}
	return groups
}

func (r *Reconciler) pollProvider(ctx context.Context, ps domain.PaymentSystem, items []domain.TopUp) ReconcileResult {
	var res ReconcileResult
	provider, ok := r.providers[ps]
	if !ok {
		r.logger.Warn("no adapter configured for payment system; leaving top-ups pending", "payment_system", ps, "count", len(items))
		res.Skipped = len(items)
		return res
	}

	for i, topUp := range items {
		res.Checked++
		var status domain.InvoiceStatus
		err := runIsolated(r.logger, func() error {
			var statusErr error
			status, statusErr = provider.GetStatus(ctx, topUp.OrderID)
			return statusErr
		}, "payment_system", ps, "top_up_id", topUp.ID)

		switch {
		case err == nil:
		case errors.Is(err, domain.ErrInvoiceNotFound):
			status = domain.InvoicePending
		case errors.Is(err, domain.ErrProviderAuth):
			r.logger.Error("payment provider rejected credentials; skipping remaining top-ups this cycle",
				"payment_system", ps, "skipped", len(items)-i)
			res.Checked--
			res.Skipped += len(items) - i
			return res
		default:
			r.logger.Warn("payment status check failed; will retry next cycle", "payment_system", ps, "top_up_id", topUp.ID, "order_id", topUp.OrderID, "error", err)
			res.Failed++
			continue
		}

		outcome, err := r.transition(ctx, topUp, status)
		if err != nil {
			r.logger.Error("top-up transition failed", "top_up_id", topUp.ID, "status", status, "error", err)
			res.Failed++
			continue
		}
		switch outcome {
		case domain.TopUpCompleted:
			res.Completed++
		case domain.TopUpExpired:
			res.Expired++
		case domain.TopUpCreated:
			res.Pending++
		default:
			res.Skipped++
		}
	}
	return res
}

// transition applies a canonical processor status to a top-up. It returns the
// state the top-up moved to, or "" when another worker settled it first.
func (r *Reconciler) transition(ctx context.Context, topUp domain.TopUp, status domain.InvoiceStatus) (domain.TopUpStatus, error) {
	switch status {
	case domain.InvoicePaid:
		completed, err := r.repo.CompleteTopUp(ctx, topUp.ID)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrTopUpNotPending):
			r.logger.Warn("top-up already settled by a concurrent worker; credit skipped", "top_up_id", topUp.ID)
			return "", nil
		case errors.Is(err, store.ErrUserNotFound):
			return "", fmt.Errorf("top-up %d targets missing user %d: %w", topUp.ID, topUp.TargetUserID, err)
		default:
			return "", err
		}
		r.logger.Info("top-up credited", "top_up_id", completed.ID, "user_id", completed.TargetUserID, "amount", completed.Amount.StringFixed(2), "payment_system", completed.PaymentSystem)
		r.hooks.Run(ctx, *completed)
		return domain.TopUpCompleted, nil

	case domain.InvoiceExpired:
		expired, err := r.repo.ExpireTopUp(ctx, topUp.ID)
		if err != nil {
			return "", err
		}
		if !expired {
			return "", nil
		}
		r.logger.Info("top-up expired", "top_up_id", topUp.ID, "payment_system", topUp.PaymentSystem)
		return domain.TopUpExpired, nil

	default:
		return domain.TopUpCreated, nil
	}
}

// ApplyStatus applies a status pushed by a processor (webhook or broker).
// Settled top-ups are left untouched, so redelivery is harmless.
func (r *Reconciler) ApplyStatus(ctx context.Context, ps domain.PaymentSystem, orderID string, status domain.InvoiceStatus) (domain.TopUpStatus, error) {
	topUp, err := r.repo.FindTopUpByOrder(ctx, ps, orderID)
	if err != nil {
		return "", err
	}
	if topUp.Status != domain.TopUpCreated {
		return topUp.Status, nil
	}
	outcome, err := r.transition(ctx, *topUp, status)
	if err != nil {
		return "", err
	}
	if outcome == "" {
		current, err := r.repo.FindTopUpByOrder(ctx, ps, orderID)
		if err != nil {
			return "", err
		}
		return current.Status, nil
	}
	return outcome, nil
}

// CreateInvoice opens an invoice with the processor and stores the pending
// top-up that tracks it.
func (r *Reconciler) CreateInvoice(ctx context.Context, userID int64, ps domain.PaymentSystem, amount decimal.Decimal) (*domain.TopUp, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	provider, ok := r.providers[ps]
	if !ok {
		return nil, domain.ErrUnknownPaymentSystem
	}
	if _, err := r.repo.FindUserByID(ctx, userID); err != nil {
		return nil, err
	}

	invoice, err := provider.CreateInvoice(ctx, amount, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("create %s invoice: %w", ps, err)
	}

	topUp := &domain.TopUp{
		Amount:        amount,
		OrderID:       invoice.InvoiceID,
		PaymentSystem: ps,
		TargetUserID:  userID,
		URL:           invoice.PayURL,
	}
	if err := r.repo.CreateTopUp(ctx, topUp); err != nil {
		return nil, fmt.Errorf("store top-up: %w", err)
	}
	r.logger.Info("invoice created", "top_up_id", topUp.ID, "user_id", userID, "payment_system", ps, "amount", amount.StringFixed(2))
	return topUp, nil
}

// ErrInvalidAmount is returned for non-positive invoice amounts.
var ErrInvalidAmount = errors.New("amount must be positive")
