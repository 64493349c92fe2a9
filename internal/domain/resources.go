package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VirtualServer is a rented VM billed per renewal period.
// PayDayAt != nil means the server is in its grace period.
type VirtualServer struct {
	ID           int64           `json:"id"`
	VdsID        int64           `json:"vds_id"`
	Login        string          `json:"login"`
	IPv4Addr     string          `json:"ipv4_addr"`
	RateName     string          `json:"rate_name"`
	LastOSID     int64           `json:"last_os_id"`
	RenewalPrice decimal.Decimal `json:"renewal_price"`
	ExpireAt     time.Time       `json:"expire_at"`
	PayDayAt     *time.Time      `json:"pay_day_at,omitempty"`
	TargetUserID int64           `json:"target_user_id"`
	CreatedAt    time.Time       `json:"created_at"`
}

// InGracePeriod reports whether a grace deadline has been assigned.
func (s VirtualServer) InGracePeriod() bool {
	return s.PayDayAt != nil
}

// GraceElapsed reports whether the grace deadline is at or before now.
func (s VirtualServer) GraceElapsed(now time.Time) bool {
	return s.PayDayAt != nil && !s.PayDayAt.After(now)
}

// DomainStatus is the registration state of a domain request.
type DomainStatus string

const (
	DomainInProgress DomainStatus = "in_progress"
	DomainCompleted  DomainStatus = "completed"
	DomainFailed     DomainStatus = "failed"
	DomainExpired    DomainStatus = "expired"
)

// DomainRequest is a registered (or pending) domain billed yearly.
type DomainRequest struct {
	ID           int64           `json:"id"`
	DomainName   string          `json:"domain_name"`
	Zone         string          `json:"zone"`
	Status       DomainStatus    `json:"status"`
	Price        decimal.Decimal `json:"price"`
	ExpireAt     *time.Time      `json:"expire_at,omitempty"`
	PaydayAt     *time.Time      `json:"payday_at,omitempty"`
	TargetUserID int64           `json:"target_user_id"`
	CreatedAt    time.Time       `json:"created_at"`
}

// FQDN returns the full domain name.
func (d DomainRequest) FQDN() string {
	if d.Zone == "" {
		return d.DomainName
	}
	return d.DomainName + d.Zone
}

// DueAt is the moment the domain must be paid for again.
func (d DomainRequest) DueAt() *time.Time {
	if d.PaydayAt != nil {
		return d.PaydayAt
	}
	return d.ExpireAt
}
