/**
 * @description
 * Interfaces the billing engines depend on. Implementations live in pkg/ and
 * internal/store; tests supply in-memory fakes.
 */

package app

import (
	"context"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/shopspring/decimal"
)

// PaymentProvider is one payment processor adapter.
type PaymentProvider interface {
	CreateInvoice(ctx context.Context, amount decimal.Decimal, orderID string) (*domain.Invoice, error)
	GetStatus(ctx context.Context, invoiceID string) (domain.InvoiceStatus, error)
}

// Notifier delivers a user-facing message. Failures never roll back billing.
type Notifier interface {
	Notify(ctx context.Context, user domain.User, n domain.Notification) error
}

// VMDestroyer deletes external VMs with bounded retries.
type VMDestroyer interface {
	DeleteVMWithRetry(ctx context.Context, vmID int64, attempts int, backoff time.Duration) error
}

// EventPublisher publishes integration events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}
