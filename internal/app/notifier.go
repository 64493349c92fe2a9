package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/driphost/billing-service/internal/domain"
)

// MessageSender sends a text message to a chat.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// TelegramNotifier renders notifications as chat messages.
type TelegramNotifier struct {
	sender MessageSender
	logger *slog.Logger
}

func NewTelegramNotifier(sender MessageSender, logger *slog.Logger) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, logger: logger}
}

func (n *TelegramNotifier) Notify(ctx context.Context, user domain.User, msg domain.Notification) error {
	if user.TelegramID == 0 {
		return fmt.Errorf("user %d has no telegram id", user.ID)
	}
	return n.sender.SendMessage(ctx, user.TelegramID, RenderNotification(msg))
}

// RenderNotification formats a notification as HTML text.
func RenderNotification(msg domain.Notification) string {
	amount := msg.Amount.StringFixed(2)
	deadline := ""
	if msg.Deadline != nil {
		deadline = msg.Deadline.UTC().Format("2006-01-02 15:04 MST")
	}

	switch msg.Kind {
	case domain.NotifyDepositReceived:
		return fmt.Sprintf("✅ Your balance has been topped up by <b>$%s</b>.", amount)
	case domain.NotifyServerGrace:
		return fmt.Sprintf("⚠️ Not enough funds to renew server <b>%s</b>. Top up at least <b>$%s</b> before %s or the server will be deleted.", msg.Resource, amount, deadline)
	case domain.NotifyServerRenewed:
		return fmt.Sprintf("🔄 Server <b>%s</b> was renewed for <b>$%s</b>. Paid until %s.", msg.Resource, amount, deadline)
	case domain.NotifyServerDeleted:
		return fmt.Sprintf("🗑 Server <b>%s</b> was deleted because it was not renewed in time.", msg.Resource)
	case domain.NotifyDomainRenewed:
		return fmt.Sprintf("🔄 Domain <b>%s</b> was renewed for <b>$%s</b>. Paid until %s.", msg.Resource, amount, deadline)
	case domain.NotifyDomainExpired:
		return fmt.Sprintf("⚠️ Domain <b>%s</b> expired: not enough funds to renew it (<b>$%s</b>).", msg.Resource, amount)
	case domain.NotifyReferralRewarded:
		return fmt.Sprintf("🎁 You earned <b>$%s</b> from a referral top-up.", amount)
	default:
		return string(msg.Kind)
	}
}

// notify is the best-effort send used by the engines.
func notify(ctx context.Context, logger *slog.Logger, notifier Notifier, user domain.User, msg domain.Notification) {
	if notifier == nil {
		return
	}
	if err := notifier.Notify(ctx, user, msg); err != nil {
		logger.Warn("notification failed", "user_id", user.ID, "kind", msg.Kind, "error", err)
	}
}
