package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/driphost/billing-service/internal/store"
)

// PaymentStatusRoutingKey is the binding for pushed processor statuses.
const PaymentStatusRoutingKey = "payments.status.updated"

// StatusApplier applies a pushed processor status.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, ps domain.PaymentSystem, orderID string, status domain.InvoiceStatus) (domain.TopUpStatus, error)
}

// PaymentStatusConsumer handles payment status messages from the broker.
type PaymentStatusConsumer struct {
	applier StatusApplier
	logger  *slog.Logger
	timeout time.Duration
}

func NewPaymentStatusConsumer(applier StatusApplier, logger *slog.Logger) *PaymentStatusConsumer {
	return &PaymentStatusConsumer{applier: applier, logger: logger, timeout: 30 * time.Second}
}

// HandleMessage returns true to ack. Malformed or unknown messages are acked
// and dropped; transient failures are re-queued.
func (c *PaymentStatusConsumer) HandleMessage(body []byte) bool {
	var msg domain.PaymentStatusMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Warn("dropping malformed payment status message", "error", err)
		return true
	}

	ps, err := domain.ParsePaymentSystem(strings.ToLower(strings.TrimSpace(msg.PaymentSystem)))
	if err != nil {
		c.logger.Warn("dropping payment status for unknown payment system", "payment_system", msg.PaymentSystem)
		return true
	}
	orderID := strings.TrimSpace(msg.OrderID)
	if orderID == "" {
		c.logger.Warn("dropping payment status without order id", "payment_system", ps)
		return true
	}

	status, ok := normalizeInvoiceStatus(msg.Status)
	if !ok {
		c.logger.Warn("dropping payment status with unknown status", "payment_system", ps, "order_id", orderID, "status", msg.Status)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	result, err := c.applier.ApplyStatus(ctx, ps, orderID, status)
	if err != nil {
		if errors.Is(err, store.ErrTopUpNotFound) {
			c.logger.Warn("payment status for unknown top-up; dropping", "payment_system", ps, "order_id", orderID)
			return true
		}
		c.logger.Error("failed to apply pushed payment status", "payment_system", ps, "order_id", orderID, "error", err)
		return false
	}
	c.logger.Info("applied pushed payment status", "payment_system", ps, "order_id", orderID, "status", status, "top_up_status", result)
	return true
}

func normalizeInvoiceStatus(raw string) (domain.InvoiceStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "success", "payed", "paid_over", "completed":
		return domain.InvoicePaid, true
	case "expired", "wrongamount-timeout", "failed", "unavailable":
		return domain.InvoiceExpired, true
	case "pending", "active", "created", "notpayed", "processing", "in_process", "wrongamount":
		return domain.InvoicePending, true
	default:
		return "", false
	}
}
