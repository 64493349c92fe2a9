/**
 * @description
 * Repository contract for the billing ledger. Every method that changes a
 * balance also changes the status or dates that justify the change, inside one
 * database transaction, after re-checking the source state under a row lock.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrTopUpNotFound     = errors.New("top-up not found")
	ErrTopUpNotPending   = errors.New("top-up already settled")
	ErrDuplicateOrder    = errors.New("top-up order already exists")
	ErrServerNotFound    = errors.New("virtual server not found")
	ErrDomainNotFound    = errors.New("domain request not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrResourceNotDue    = errors.New("resource is not due")
)

// ServerDestroyer removes the external VM while the billing row is locked.
// The row is deleted whatever happens inside.
type ServerDestroyer func(ctx context.Context, server domain.VirtualServer)

// Repository defines the ledger operations used by the engines and the API.
type Repository interface {
	FindUserByID(ctx context.Context, userID int64) (*domain.User, error)

	CreateTopUp(ctx context.Context, topUp *domain.TopUp) error
	ListPendingTopUps(ctx context.Context) ([]domain.TopUp, error)
	FindTopUpByOrder(ctx context.Context, paymentSystem domain.PaymentSystem, orderID string) (*domain.TopUp, error)
	CompleteTopUp(ctx context.Context, topUpID int64) (*domain.TopUp, error)
	ExpireTopUp(ctx context.Context, topUpID int64) (bool, error)
	RecordReferralReward(ctx context.Context, topUpID, referrerID int64, amount decimal.Decimal) (bool, error)

	ListExpiredServers(ctx context.Context, now time.Time) ([]domain.VirtualServer, error)
	FindServerByVdsID(ctx context.Context, vdsID int64) (*domain.VirtualServer, error)
	RenewServer(ctx context.Context, serverID int64, now time.Time, period time.Duration) (*domain.VirtualServer, error)
	MarkServerGracePeriod(ctx context.Context, serverID int64, deadline time.Time) (bool, error)
	DeleteServerAfterGrace(ctx context.Context, serverID int64, now time.Time, destroy ServerDestroyer) (*domain.VirtualServer, error)
	UpdateServerOS(ctx context.Context, serverID, osID int64) error

	ListExpiredDomains(ctx context.Context, now time.Time) ([]domain.DomainRequest, error)
	RenewDomain(ctx context.Context, domainID int64, now time.Time, period, paydayOffset time.Duration) (*domain.DomainRequest, error)
	ExpireDomain(ctx context.Context, domainID int64) (bool, error)
}

// RenewalBase is the instant a renewal period is added to. Renewal extends from
// now when the resource lapsed in the past, and from the current expiry when it
// is renewed early, so paid time is never lost.
func RenewalBase(expireAt *time.Time, now time.Time) time.Time {
	if expireAt != nil && expireAt.After(now) {
		return *expireAt
	}
	return now
}
