/**
 * @description
 * Core billing models: customers, their balances and the top-up invoices
 * that credit them.
 *
 * @notes
 * - Money is carried as decimal.Decimal (USD). Floats never touch a balance.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is the customer's permission level in the chat front-end.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "mod"
	RoleAdmin     Role = "admin"
)

// User is a customer account. Users are never deleted.
type User struct {
	ID              int64           `json:"id"`
	TelegramID      int64           `json:"telegram_id"`
	Balance         decimal.Decimal `json:"balance"`
	Role            Role            `json:"role"`
	IsBanned        bool            `json:"is_banned"`
	Lang            string          `json:"lang"`
	ReferrerID      *int64          `json:"referrer_id,omitempty"`
	ReferralPercent decimal.Decimal `json:"referral_percent"`
	ReferralBalance decimal.Decimal `json:"referral_balance"`
	CreatedAt       time.Time       `json:"created_at"`
}

// PaymentSystem identifies the external processor that hosts an invoice.
type PaymentSystem string

const (
	PaymentSystemAAIO       PaymentSystem = "aaio"
	PaymentSystemCrystalPay PaymentSystem = "crystalpay"
	PaymentSystemCryptoBot  PaymentSystem = "cryptobot"
)

// ParsePaymentSystem validates a payment system name.
func ParsePaymentSystem(raw string) (PaymentSystem, error) {
	switch ps := PaymentSystem(raw); ps {
	case PaymentSystemAAIO, PaymentSystemCrystalPay, PaymentSystemCryptoBot:
		return ps, nil
	default:
		return "", ErrUnknownPaymentSystem
	}
}

// TopUpStatus is the local state of a top-up. Only created -> completed credits.
type TopUpStatus string

const (
	TopUpCreated   TopUpStatus = "created"
	TopUpCompleted TopUpStatus = "completed"
	TopUpExpired   TopUpStatus = "expired"
)

// TopUp is a pending or settled payment invoice.
type TopUp struct {
	ID            int64           `json:"id"`
	Status        TopUpStatus     `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	OrderID       string          `json:"order_id"`
	PaymentSystem PaymentSystem   `json:"payment_system"`
	TargetUserID  int64           `json:"target_user_id"`
	URL           string          `json:"url"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// InvoiceStatus is the canonical status reported by a payment processor.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceExpired InvoiceStatus = "expired"
)

// Invoice is what a processor returns on invoice creation.
type Invoice struct {
	InvoiceID string `json:"invoice_id"`
	PayURL    string `json:"pay_url"`
}

// ReferralReward records the referral bonus paid for one top-up.
type ReferralReward struct {
	TopUpID    int64           `json:"top_up_id"`
	ReferrerID int64           `json:"referrer_id"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
}
