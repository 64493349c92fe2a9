package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotificationKind names a user-facing message template.
type NotificationKind string

const (
	NotifyDepositReceived  NotificationKind = "deposit_received"
	NotifyServerGrace      NotificationKind = "vds_expiration"
	NotifyServerRenewed    NotificationKind = "vds_renewed"
	NotifyServerDeleted    NotificationKind = "vds_deleted"
	NotifyDomainRenewed    NotificationKind = "domain_renewed"
	NotifyDomainExpired    NotificationKind = "domain_expired"
	NotifyReferralRewarded NotificationKind = "referral_reward"
)

// Notification is a message for one user.
type Notification struct {
	Kind     NotificationKind
	Amount   decimal.Decimal
	Resource string
	Deadline *time.Time
}

// TopUpCompletedEvent is published after a top-up has been credited.
type TopUpCompletedEvent struct {
	EventID       string          `json:"event_id"`
	TopUpID       int64           `json:"top_up_id"`
	OrderID       string          `json:"order_id"`
	PaymentSystem PaymentSystem   `json:"payment_system"`
	UserID        int64           `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// PaymentStatusMessage is a status pushed by an upstream payment gateway
// through the message broker.
type PaymentStatusMessage struct {
	PaymentSystem string `json:"payment_system"`
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
}
