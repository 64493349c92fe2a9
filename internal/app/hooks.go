/**
 * @description
 * Post-payment hooks. They run in registration order after a top-up has been
 * credited and committed; a failing hook is logged and never undoes the credit.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/driphost/billing-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TopUpCompletedRoutingKey is the routing key of the credited top-up event.
const TopUpCompletedRoutingKey = "payments.topup.completed"

// PaymentHook reacts to a completed top-up.
type PaymentHook interface {
	Name() string
	OnPaymentCompleted(ctx context.Context, topUp domain.TopUp) error
}

// HookChain runs hooks in order, each with its own timeout and panic guard.
type HookChain struct {
	hooks   []PaymentHook
	timeout time.Duration
	logger  *slog.Logger
}

func NewHookChain(logger *slog.Logger, timeout time.Duration, hooks ...PaymentHook) *HookChain {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HookChain{hooks: hooks, timeout: timeout, logger: logger}
}

// Run invokes every hook. The caller's cancellation is not propagated: the
// credit is already committed and the side effects should still happen.
func (c *HookChain) Run(ctx context.Context, topUp domain.TopUp) {
	if c == nil {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, hook := range c.hooks {
		hookCtx, cancel := context.WithTimeout(base, c.timeout)
		err := runIsolated(c.logger, func() error {
			return hook.OnPaymentCompleted(hookCtx, topUp)
		}, "hook", hook.Name(), "top_up_id", topUp.ID)
		cancel()
		if err != nil {
			c.logger.Error("payment hook failed", "hook", hook.Name(), "top_up_id", topUp.ID, "error", err)
		}
	}
}

// NotificationHook tells the user their deposit arrived.
type NotificationHook struct {
	users    UserFinder
	notifier Notifier
}

// UserFinder loads users.
type UserFinder interface {
	FindUserByID(ctx context.Context, userID int64) (*domain.User, error)
}

func NewNotificationHook(users UserFinder, notifier Notifier) *NotificationHook {
	return &NotificationHook{users: users, notifier: notifier}
}

func (h *NotificationHook) Name() string { return "deposit_notification" }

func (h *NotificationHook) OnPaymentCompleted(ctx context.Context, topUp domain.TopUp) error {
	user, err := h.users.FindUserByID(ctx, topUp.TargetUserID)
	if err != nil {
		return err
	}
	return h.notifier.Notify(ctx, *user, domain.Notification{Kind: domain.NotifyDepositReceived, Amount: topUp.Amount})
}

// ReferralStore is the subset of the repository the referral hook needs.
type ReferralStore interface {
	UserFinder
	RecordReferralReward(ctx context.Context, topUpID, referrerID int64, amount decimal.Decimal) (bool, error)
}

// ReferralRewardHook pays the referrer their percentage of the top-up into the
// referral balance, once per top-up.
type ReferralRewardHook struct {
	store    ReferralStore
	notifier Notifier
	logger   *slog.Logger
}

func NewReferralRewardHook(s ReferralStore, notifier Notifier, logger *slog.Logger) *ReferralRewardHook {
	return &ReferralRewardHook{store: s, notifier: notifier, logger: logger}
}

func (h *ReferralRewardHook) Name() string { return "referral_reward" }

func (h *ReferralRewardHook) OnPaymentCompleted(ctx context.Context, topUp domain.TopUp) error {
	payer, err := h.store.FindUserByID(ctx, topUp.TargetUserID)
	if err != nil {
		return err
	}
	if payer.ReferrerID == nil {
		return nil
	}

	referrer, err := h.store.FindUserByID(ctx, *payer.ReferrerID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			h.logger.Warn("referrer not found; skipping reward", "top_up_id", topUp.ID, "referrer_id", *payer.ReferrerID)
			return nil
		}
		return err
	}

	reward := ReferralReward(topUp.Amount, referrer.ReferralPercent)
	if !reward.IsPositive() {
		return nil
	}

	inserted, err := h.store.RecordReferralReward(ctx, topUp.ID, referrer.ID, reward)
	if err != nil {
		return fmt.Errorf("record referral reward: %w", err)
	}
	if !inserted {
		return nil
	}

	h.logger.Info("referral reward credited", "top_up_id", topUp.ID, "referrer_id", referrer.ID, "amount", reward.StringFixed(2))
	notify(ctx, h.logger, h.notifier, *referrer, domain.Notification{Kind: domain.NotifyReferralRewarded, Amount: reward})
	return nil
}

// ReferralReward is amount * percent / 100, rounded down to cents.
func ReferralReward(amount, percent decimal.Decimal) decimal.Decimal {
	if !percent.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(percent).Div(decimal.NewFromInt(100)).RoundDown(2)
}

// EventHook publishes the credited top-up for downstream consumers.
type EventHook struct {
	publisher EventPublisher
	exchange  string
	now       func() time.Time
}

func NewEventHook(publisher EventPublisher, exchange string) *EventHook {
	return &EventHook{publisher: publisher, exchange: exchange, now: time.Now}
}

func (h *EventHook) Name() string { return "topup_event" }

func (h *EventHook) OnPaymentCompleted(ctx context.Context, topUp domain.TopUp) error {
	event := domain.TopUpCompletedEvent{
		EventID:       uuid.NewString(),
		TopUpID:       topUp.ID,
		OrderID:       topUp.OrderID,
		PaymentSystem: topUp.PaymentSystem,
		UserID:        topUp.TargetUserID,
		Amount:        topUp.Amount,
		CompletedAt:   h.now().UTC(),
	}
	return h.publisher.Publish(ctx, h.exchange, TopUpCompletedRoutingKey, event)
}
