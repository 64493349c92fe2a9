/**
 * @description
 * Resource lifecycle: renews lapsed virtual servers and domains from the
 * owner's balance, opens a grace period for servers that cannot be paid for,
 * deletes servers whose grace has run out and expires unpaid domains.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/driphost/billing-service/internal/store"
)

const lifecycleLockTTL = time.Hour

// LifecyclePolicy holds the billing periods.
type LifecyclePolicy struct {
	ServerGracePeriod   time.Duration
	ServerRenewalPeriod time.Duration
	DomainRenewalPeriod time.Duration
	DomainPaydayOffset  time.Duration
	VMDeleteAttempts    int
	VMDeleteBackoff     time.Duration
}

// DefaultLifecyclePolicy returns the standard periods.
func DefaultLifecyclePolicy() LifecyclePolicy {
	return LifecyclePolicy{
		ServerGracePeriod:   72 * time.Hour,
		ServerRenewalPeriod: 30 * 24 * time.Hour,
		DomainRenewalPeriod: 365 * 24 * time.Hour,
		DomainPaydayOffset:  360 * 24 * time.Hour,
		VMDeleteAttempts:    3,
		VMDeleteBackoff:     2 * time.Second,
	}
}

// LifecycleResult summarizes one lifecycle cycle.
type LifecycleResult struct {
	ServersRenewed   int `json:"servers_renewed"`
	ServersInGrace   int `json:"servers_in_grace"`
	ServersDeleted   int `json:"servers_deleted"`
	VMDeleteFailures int `json:"vm_delete_failures"`
	DomainsRenewed   int `json:"domains_renewed"`
	DomainsExpired   int `json:"domains_expired"`
	Failed           int `json:"failed"`
}

// Lifecycle owns the server and domain renewal state machines.
type Lifecycle struct {
	repo     store.Repository
	vm       VMDestroyer
	notifier Notifier
	lock     CycleLock
	policy   LifecyclePolicy
	logger   *slog.Logger
	now      func() time.Time

	running sync.Mutex
}

func NewLifecycle(repo store.Repository, vm VMDestroyer, notifier Notifier, lock CycleLock, policy LifecyclePolicy, logger *slog.Logger) *Lifecycle {
	if lock == nil {
		lock = NoopCycleLock{}
	}
	return &Lifecycle{
		repo:     repo,
		vm:       vm,
		notifier: notifier,
		lock:     lock,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// RunCycle processes every lapsed server, then every due domain. The two
// scans are independent: a failed listing of one does not skip the other.
func (l *Lifecycle) RunCycle(ctx context.Context) (LifecycleResult, error) {
	if !l.running.TryLock() {
		return LifecycleResult{}, ErrCycleInProgress
	}
	defer l.running.Unlock()

	release, acquired, err := l.lock.TryAcquire(ctx, "lifecycle", lifecycleLockTTL)
	if err != nil {
		l.logger.Warn("cycle lease unavailable; running without it", "cycle", "lifecycle", "error", err)
	} else if !acquired {
		return LifecycleResult{}, ErrCycleInProgress
	} else {
		defer release()
	}

	now := l.now().UTC()
	var result LifecycleResult

	var listErrs []error

	servers, err := l.repo.ListExpiredServers(ctx, now)
	if err != nil {
		l.logger.Error("failed to list expired servers; continuing with domains", "error", err)
		listErrs = append(listErrs, fmt.Errorf("list expired servers: %w", err))
	}
	for _, server := range servers {
		err := runIsolated(l.logger, func() error {
			return l.processServer(ctx, server, now, &result)
		}, "server_id", server.ID)
		if err != nil {
			result.Failed++
			l.logger.Error("failed to process expired server", "server_id", server.ID, "vds_id", server.VdsID, "error", err)
		}
	}

	domains, err := l.repo.ListExpiredDomains(ctx, now)
	if err != nil {
		l.logger.Error("failed to list due domains", "error", err)
		listErrs = append(listErrs, fmt.Errorf("list expired domains: %w", err))
	}
	for _, d := range domains {
		err := runIsolated(l.logger, func() error {
			return l.processDomain(ctx, d, now, &result)
		}, "domain_id", d.ID)
		if err != nil {
			result.Failed++
			l.logger.Error("failed to process due domain", "domain_id", d.ID, "domain", d.FQDN(), "error", err)
		}
	}

	l.logger.Info("resource lifecycle cycle finished",
		"servers_renewed", result.ServersRenewed,
		"servers_in_grace", result.ServersInGrace,
		"servers_deleted", result.ServersDeleted,
		"vm_delete_failures", result.VMDeleteFailures,
		"domains_renewed", result.DomainsRenewed,
		"domains_expired", result.DomainsExpired,
		"failed", result.Failed,
	)
	return result, errors.Join(listErrs...)
}

func isConcurrentlyHandled(err error) bool {
	return errors.Is(err, store.ErrResourceNotDue) || errors.Is(err, store.ErrServerNotFound) || errors.Is(err, store.ErrDomainNotFound)
}

func serverLabel(s domain.VirtualServer) string {
	if s.IPv4Addr != "" {
		return s.IPv4Addr
	}
	return fmt.Sprintf("#%d", s.VdsID)
}

func (l *Lifecycle) processServer(ctx context.Context, server domain.VirtualServer, now time.Time, result *LifecycleResult) error {
	owner, err := l.repo.FindUserByID(ctx, server.TargetUserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			l.logger.Warn("server owner not found; skipping", "server_id", server.ID, "user_id", server.TargetUserID)
			return nil
		}
		return err
	}

	if !owner.Balance.LessThan(server.RenewalPrice) {
		renewed, err := l.repo.RenewServer(ctx, server.ID, now, l.policy.ServerRenewalPeriod)
		switch {
		case err == nil:
			result.ServersRenewed++
			l.logger.Info("server renewed", "server_id", server.ID, "user_id", owner.ID, "price", server.RenewalPrice.StringFixed(2), "expire_at", renewed.ExpireAt)
			notify(ctx, l.logger, l.notifier, *owner, domain.Notification{
				Kind:     domain.NotifyServerRenewed,
				Amount:   server.RenewalPrice,
				Resource: serverLabel(server),
				Deadline: &renewed.ExpireAt,
			})
			return nil
		case errors.Is(err, store.ErrInsufficientFunds):
			// balance moved between the scan and the lock
		case isConcurrentlyHandled(err):
			return nil
		default:
			return fmt.Errorf("renew server: %w", err)
		}
	}

	if !server.InGracePeriod() {
		deadline := now.Add(l.policy.ServerGracePeriod)
		marked, err := l.repo.MarkServerGracePeriod(ctx, server.ID, deadline)
		if err != nil {
			return fmt.Errorf("mark grace period: %w", err)
		}
		if !marked {
			return nil
		}
		result.ServersInGrace++
		l.logger.Info("server entered grace period", "server_id", server.ID, "user_id", owner.ID, "pay_day_at", deadline)
		notify(ctx, l.logger, l.notifier, *owner, domain.Notification{
			Kind:     domain.NotifyServerGrace,
			Amount:   server.RenewalPrice,
			Resource: serverLabel(server),
			Deadline: &deadline,
		})
		return nil
	}

	if !server.GraceElapsed(now) {
		return nil
	}

	_, err = l.repo.DeleteServerAfterGrace(ctx, server.ID, now, func(ctx context.Context, s domain.VirtualServer) {
		if l.vm == nil {
			return
		}
		if err := l.vm.DeleteVMWithRetry(ctx, s.VdsID, l.policy.VMDeleteAttempts, l.policy.VMDeleteBackoff); err != nil {
			result.VMDeleteFailures++
			l.logger.Error("vm delete failed; removing billing record anyway", "server_id", s.ID, "vds_id", s.VdsID, "error", err)
		}
	})
	if err != nil {
		if isConcurrentlyHandled(err) {
			return nil
		}
		return fmt.Errorf("delete server: %w", err)
	}

	result.ServersDeleted++
	l.logger.Info("server deleted after grace period", "server_id", server.ID, "vds_id", server.VdsID, "user_id", owner.ID)
	notify(ctx, l.logger, l.notifier, *owner, domain.Notification{
		Kind:     domain.NotifyServerDeleted,
		Resource: serverLabel(server),
	})
	return nil
}

func (l *Lifecycle) processDomain(ctx context.Context, d domain.DomainRequest, now time.Time, result *LifecycleResult) error {
	owner, err := l.repo.FindUserByID(ctx, d.TargetUserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			l.logger.Warn("domain owner not found; skipping", "domain_id", d.ID, "user_id", d.TargetUserID)
			return nil
		}
		return err
	}

	if !owner.Balance.LessThan(d.Price) {
		renewed, err := l.repo.RenewDomain(ctx, d.ID, now, l.policy.DomainRenewalPeriod, l.policy.DomainPaydayOffset)
		switch {
		case err == nil:
			result.DomainsRenewed++
			l.logger.Info("domain renewed", "domain_id", d.ID, "domain", d.FQDN(), "user_id", owner.ID, "expire_at", renewed.ExpireAt)
			notify(ctx, l.logger, l.notifier, *owner, domain.Notification{
				Kind:     domain.NotifyDomainRenewed,
				Amount:   d.Price,
				Resource: d.FQDN(),
				Deadline: renewed.ExpireAt,
			})
			return nil
		case errors.Is(err, store.ErrInsufficientFunds):
		case isConcurrentlyHandled(err):
			return nil
		default:
			return fmt.Errorf("renew domain: %w", err)
		}
	}

	expired, err := l.repo.ExpireDomain(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("expire domain: %w", err)
	}
	if !expired {
		return nil
	}
	result.DomainsExpired++
	l.logger.Info("domain expired for non-payment", "domain_id", d.ID, "domain", d.FQDN(), "user_id", owner.ID)
	notify(ctx, l.logger, l.notifier, *owner, domain.Notification{
		Kind:     domain.NotifyDomainExpired,
		Amount:   d.Price,
		Resource: d.FQDN(),
	})
	return nil
}
