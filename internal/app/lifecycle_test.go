package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/driphost/billing-service/internal/store"
)

type stubDestroyer struct {
	mu      sync.Mutex
	deleted []int64
	err     error
}

func (d *stubDestroyer) DeleteVMWithRetry(_ context.Context, vmID int64, attempts int, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if attempts != 3 {
		return errors.New("unexpected attempt budget")
	}
	d.deleted = append(d.deleted, vmID)
	return d.err
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time          { return c.now }
func (c *fixedClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLifecycle(repo store.Repository, vm VMDestroyer, notifier Notifier, clock *fixedClock) *Lifecycle {
	l := NewLifecycle(repo, vm, notifier, nil, DefaultLifecyclePolicy(), newTestLogger())
	l.now = clock.Now
	return l
}

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestLifecycleRenewsServerWithSufficientBalance(t *testing.T) {
	repo := newMemRepo()
	repo.addUser(1, "20")
	payDay := t0.Add(time.Hour)
	repo.addServer(domain.VirtualServer{ID: 1, VdsID: 501, RenewalPrice: dec("15"), ExpireAt: t0.Add(-time.Hour), PayDayAt: &payDay, TargetUserID: 1})

	clock := &fixedClock{now: t0}
	notifier := &recordingNotifier{}
	l := newTestLifecycle(repo, &stubDestroyer{}, notifier, clock)

	res, err := l.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.ServersRenewed != 1 {
		t.Fatalf("expected renewal, got %+v", res)
	}
	s, _ := repo.server(1)
	if !s.ExpireAt.Equal(t0.Add(30 * 24 * time.Hour)) {
		t.Fatalf("expected expiry now+30d, got %s", s.ExpireAt)
	}
	if s.PayDayAt != nil {
		t.Fatal("renewal must clear the grace deadline")
	}
	if !repo.balance(1).Equal(dec("5")) {
		t.Fatalf("expected balance 5, got %s", repo.balance(1))
	}
}

func TestLifecycleGracePeriodThenDeletion(t *testing.T) {
	repo := newMemRepo()
	repo.addUser(1, "10")
	repo.addServer(domain.VirtualServer{ID: 1, VdsID: 501, RenewalPrice: dec("15"), ExpireAt: t0.Add(-time.Minute), TargetUserID: 1})

	clock := &fixedClock{now: t0}
	notifier := &recordingNotifier{}
	vm := &stubDestroyer{err: errors.New("provisioning api down")}
	l := newTestLifecycle(repo, vm, notifier, clock)

	res, err := l.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.ServersInGrace != 1 {
		t.Fatalf("expected grace period, got %+v", res)
	}
	s, _ := repo.server(1)
	if s.PayDayAt == nil || !s.PayDayAt.Equal(t0.Add(72*time.Hour)) {
		t.Fatalf("expected pay day at now+3d, got %v", s.PayDayAt)
	}
	if !repo.balance(1).Equal(dec("10")) {
		t.Fatal("balance must not change when entering grace")
	}

	// next day: still in grace, nothing changes and no second notification
	clock.advance(24 * time.Hour)
	if _, err := l.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	s, _ = repo.server(1)
	if !s.PayDayAt.Equal(t0.Add(72 * time.Hour)) {
		t.Fatalf("grace deadline must never move, got %v", s.PayDayAt)
	}

	// grace elapsed: external delete fails, billing record is removed anyway
	clock.advance(3 * 24 * time.Hour)
	res, err = l.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.ServersDeleted != 1 || res.VMDeleteFailures != 1 {
		t.Fatalf("expected deletion with vm failure, got %+v", res)
	}
	if _, ok := repo.server(1); ok {
		t.Fatal("server row must be deleted after grace")
	}
	if len(vm.deleted) != 1 || vm.deleted[0] != 501 {
		t.Fatalf("expected external delete of vm 501, got %v", vm.deleted)
	}
	if !repo.balance(1).Equal(dec("10")) {
		t.Fatal("balance must not change on deletion")
	}

	kinds := notifier.kinds()
	if len(kinds) != 2 || kinds[0] != domain.NotifyServerGrace || kinds[1] != domain.NotifyServerDeleted {
		t.Fatalf("unexpected notifications %v", kinds)
	}
}

func TestLifecycleRenewsDuringGraceAfterTopUp(t *testing.T) {
	repo := newMemRepo()
	repo.addUser(1, "0")
	repo.addServer(domain.VirtualServer{ID: 1, VdsID: 501, RenewalPrice: dec("15"), ExpireAt: t0.Add(-time.Minute), TargetUserID: 1})

	clock := &fixedClock{now: t0}
	l := newTestLifecycle(repo, &stubDestroyer{}, &recordingNotifier{}, clock)

	if _, err := l.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	repo.mu.Lock()
	repo.users[1].Balance = dec("15")
	repo.mu.Unlock()

	clock.advance(24 * time.Hour)
	res, err := l.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.ServersRenewed != 1 {
		t.Fatalf("expected renewal during grace, got %+v", res)
	}
	s, _ := repo.server(1)
	if s.PayDayAt != nil || !repo.balance(1).IsZero() {
		t.Fatalf("unexpected state after renewal: %+v balance=%s", s, repo.balance(1))
	}
}

func TestLifecycleDomainRenewalAndExpiry(t *testing.T) {
	repo := newMemRepo()
	repo.addUser(1, "12")
	repo.addUser(2, "1")
	expire := t0.Add(5 * 24 * time.Hour)
	payday := t0.Add(-time.Hour)
	repo.addDomain(domain.DomainRequest{ID: 1, DomainName: "rich", Zone: ".com", Status: domain.DomainCompleted, Price: dec("10"), ExpireAt: &expire, PaydayAt: &payday, TargetUserID: 1})
	repo.addDomain(domain.DomainRequest{ID: 2, DomainName: "poor", Zone: ".net", Status: domain.DomainCompleted, Price: dec("10"), ExpireAt: &expire, PaydayAt: &payday, TargetUserID: 2})
	repo.addDomain(domain.DomainRequest{ID: 3, DomainName: "pending", Zone: ".org", Status: domain.DomainInProgress, Price: dec("10"), PaydayAt: &payday, TargetUserID: 1})

	clock := &fixedClock{now: t0}
	notifier := &recordingNotifier{}
	l := newTestLifecycle(repo, &stubDestroyer{}, notifier, clock)

	res, err := l.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.DomainsRenewed != 1 || res.DomainsExpired != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	rich := repo.domainReq(1)
	if rich.Status != domain.DomainCompleted || !rich.ExpireAt.Equal(expire.Add(365*24*time.Hour)) || !rich.PaydayAt.Equal(expire.Add(360*24*time.Hour)) {
		t.Fatalf("unexpected renewed domain %+v", rich)
	}
	if !repo.balance(1).Equal(dec("2")) {
		t.Fatalf("expected balance 2, got %s", repo.balance(1))
	}

	if repo.domainReq(2).Status != domain.DomainExpired {
		t.Fatalf("expected poor domain expired, got %s", repo.domainReq(2).Status)
	}
	if !repo.balance(2).Equal(dec("1")) {
		t.Fatal("expiry must not touch balance")
	}
	if repo.domainReq(3).Status != domain.DomainInProgress {
		t.Fatal("in-progress domains are not billed")
	}

	// idempotent: a second run changes nothing
	res, err = l.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.DomainsRenewed != 0 || res.DomainsExpired != 0 {
		t.Fatalf("second run must be a no-op, got %+v", res)
	}
}

type panickingRepo struct {
	*memRepo
	panicFor int64
}

func (p *panickingRepo) FindUserByID(ctx context.Context, userID int64) (*domain.User, error) {
	if userID == p.panicFor {
		panic("corrupt row")
	}
	return p.memRepo.FindUserByID(ctx, userID)
}

func TestLifecycleIsolatesFailingItems(t *testing.T) {
	mem := newMemRepo()
	mem.addUser(1, "100")
	mem.addUser(2, "100")
	mem.addServer(domain.VirtualServer{ID: 1, VdsID: 1, RenewalPrice: dec("10"), ExpireAt: t0.Add(-time.Hour), TargetUserID: 1})
	mem.addServer(domain.VirtualServer{ID: 2, VdsID: 2, RenewalPrice: dec("10"), ExpireAt: t0.Add(-time.Hour), TargetUserID: 2})
	mem.addServer(domain.VirtualServer{ID: 3, VdsID: 3, RenewalPrice: dec("10"), ExpireAt: t0.Add(-time.Hour), TargetUserID: 77})

	repo := &panickingRepo{memRepo: mem, panicFor: 1}
	l := newTestLifecycle(repo, &stubDestroyer{}, &recordingNotifier{}, &fixedClock{now: t0})

	res, err := l.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Failed != 1 || res.ServersRenewed != 1 {
		t.Fatalf("expected one failure and one renewal, got %+v", res)
	}
	if s, _ := mem.server(3); s.PayDayAt != nil {
		t.Fatal("server with missing owner must be skipped untouched")
	}
}

func TestLifecycleNeverDrivesBalanceNegative(t *testing.T) {
	repo := newMemRepo()
	repo.addUser(1, "15")
	for i := int64(1); i <= 3; i++ {
		repo.addServer(domain.VirtualServer{ID: i, VdsID: i, RenewalPrice: dec("10"), ExpireAt: t0.Add(-time.Hour), TargetUserID: 1})
	}

	l := newTestLifecycle(repo, &stubDestroyer{}, &recordingNotifier{}, &fixedClock{now: t0})
	res, err := l.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.ServersRenewed != 1 || res.ServersInGrace != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if repo.balance(1).IsNegative() {
		t.Fatalf("balance went negative: %s", repo.balance(1))
	}
}

func TestLifecycleNotificationFailureDoesNotRollBack(t *testing.T) {
	repo := newMemRepo()
	repo.addUser(1, "10")
	repo.addServer(domain.VirtualServer{ID: 1, VdsID: 1, RenewalPrice: dec("10"), ExpireAt: t0.Add(-time.Hour), TargetUserID: 1})

	notifier := &recordingNotifier{err: errors.New("bot blocked")}
	l := newTestLifecycle(repo, &stubDestroyer{}, notifier, &fixedClock{now: t0})

	if _, err := l.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !repo.balance(1).IsZero() {
		t.Fatal("renewal must stand when the notification fails")
	}
}

type failingListRepo struct {
	*memRepo
	serversErr error
	domainsErr error
}

func (f *failingListRepo) ListExpiredServers(ctx context.Context, now time.Time) ([]domain.VirtualServer, error) {
	if f.serversErr != nil {
		return nil, f.serversErr
	}
	return f.memRepo.ListExpiredServers(ctx, now)
}

func (f *failingListRepo) ListExpiredDomains(ctx context.Context, now time.Time) ([]domain.DomainRequest, error) {
	if f.domainsErr != nil {
		return nil, f.domainsErr
	}
	return f.memRepo.ListExpiredDomains(ctx, now)
}

func TestLifecycleScansServersAndDomainsIndependently(t *testing.T) {
	serversDown := errors.New("servers table unavailable")

	mem := newMemRepo()
	mem.addUser(1, "15")
	expire := t0.Add(-time.Hour)
	mem.addDomain(domain.DomainRequest{ID: 1, DomainName: "kept", Zone: ".io", Status: domain.DomainCompleted, Price: dec("15"), ExpireAt: &expire, TargetUserID: 1})

	repo := &failingListRepo{memRepo: mem, serversErr: serversDown}
	l := newTestLifecycle(repo, &stubDestroyer{}, &recordingNotifier{}, &fixedClock{now: t0})

	res, err := l.RunCycle(context.Background())
	if !errors.Is(err, serversDown) {
		t.Fatalf("expected server listing error to be reported, got %v", err)
	}
	if res.DomainsRenewed != 1 {
		t.Fatalf("expected the due domain to renew despite the server listing failure, got %+v", res)
	}
	if !mem.balance(1).IsZero() {
		t.Fatalf("expected balance 0 after renewal, got %s", mem.balance(1))
	}

	domainsDown := errors.New("domains table unavailable")
	mem2 := newMemRepo()
	mem2.addUser(1, "20")
	mem2.addServer(domain.VirtualServer{ID: 1, VdsID: 9, RenewalPrice: dec("20"), ExpireAt: t0.Add(-time.Hour), TargetUserID: 1})
	repo2 := &failingListRepo{memRepo: mem2, domainsErr: domainsDown}
	l2 := newTestLifecycle(repo2, &stubDestroyer{}, &recordingNotifier{}, &fixedClock{now: t0})

	res, err = l2.RunCycle(context.Background())
	if !errors.Is(err, domainsDown) || errors.Is(err, serversDown) {
		t.Fatalf("expected only the domain listing error, got %v", err)
	}
	if res.ServersRenewed != 1 {
		t.Fatalf("expected the server to renew, got %+v", res)
	}
}
