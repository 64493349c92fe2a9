package app

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/driphost/billing-service/internal/store"
	"github.com/shopspring/decimal"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// memRepo is an in-memory store.Repository with the same guarded transitions
// as the Postgres implementation.
type memRepo struct {
	mu      sync.Mutex
	nextID  int64
	users   map[int64]*domain.User
	topUps  map[int64]*domain.TopUp
	servers map[int64]*domain.VirtualServer
	domains map[int64]*domain.DomainRequest
	rewards map[int64]domain.ReferralReward

	credits int
}

var _ store.Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		nextID:  100,
		users:   map[int64]*domain.User{},
		topUps:  map[int64]*domain.TopUp{},
		servers: map[int64]*domain.VirtualServer{},
		domains: map[int64]*domain.DomainRequest{},
		rewards: map[int64]domain.ReferralReward{},
	}
}

func (m *memRepo) addUser(id int64, balance string) *domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &domain.User{ID: id, TelegramID: id * 10, Balance: dec(balance), Role: domain.RoleUser}
	m.users[id] = u
	return u
}

func (m *memRepo) addTopUp(t domain.TopUp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status == "" {
		t.Status = domain.TopUpCreated
	}
	m.topUps[t.ID] = &t
}

func (m *memRepo) addServer(s domain.VirtualServer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[s.ID] = &s
}

func (m *memRepo) addDomain(d domain.DomainRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[d.ID] = &d
}

func (m *memRepo) balance(userID int64) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID].Balance
}

func (m *memRepo) topUp(id int64) domain.TopUp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.topUps[id]
}

func (m *memRepo) server(id int64) (domain.VirtualServer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return domain.VirtualServer{}, false
	}
	return *s, true
}

func (m *memRepo) domainReq(id int64) domain.DomainRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.domains[id]
}

func (m *memRepo) FindUserByID(_ context.Context, userID int64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memRepo) CreateTopUp(_ context.Context, topUp *domain.TopUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.topUps {
		if t.PaymentSystem == topUp.PaymentSystem && t.OrderID == topUp.OrderID {
			return store.ErrDuplicateOrder
		}
	}
	m.nextID++
	topUp.ID = m.nextID
	topUp.Status = domain.TopUpCreated
	cp := *topUp
	m.topUps[cp.ID] = &cp
	return nil
}

func (m *memRepo) ListPendingTopUps(context.Context) ([]domain.TopUp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TopUp
	for _, t := range m.topUps {
		if t.Status == domain.TopUpCreated {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) FindTopUpByOrder(_ context.Context, ps domain.PaymentSystem, orderID string) (*domain.TopUp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.topUps {
		if t.PaymentSystem == ps && t.OrderID == orderID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrTopUpNotFound
}

func (m *memRepo) CompleteTopUp(_ context.Context, topUpID int64) (*domain.TopUp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topUps[topUpID]
	if !ok {
		return nil, store.ErrTopUpNotFound
	}
	if t.Status != domain.TopUpCreated {
		return nil, store.ErrTopUpNotPending
	}
	u, ok := m.users[t.TargetUserID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	t.Status = domain.TopUpCompleted
	u.Balance = u.Balance.Add(t.Amount)
	m.credits++
	cp := *t
	return &cp, nil
}

func (m *memRepo) ExpireTopUp(_ context.Context, topUpID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topUps[topUpID]
	if !ok || t.Status != domain.TopUpCreated {
		return false, nil
	}
	t.Status = domain.TopUpExpired
	return true, nil
}

func (m *memRepo) RecordReferralReward(_ context.Context, topUpID, referrerID int64, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.rewards[topUpID]; dup {
		return false, nil
	}
	u, ok := m.users[referrerID]
	if !ok {
		return false, store.ErrUserNotFound
	}
	m.rewards[topUpID] = domain.ReferralReward{TopUpID: topUpID, ReferrerID: referrerID, Amount: amount}
	u.ReferralBalance = u.ReferralBalance.Add(amount)
	return true, nil
}

func (m *memRepo) ListExpiredServers(_ context.Context, now time.Time) ([]domain.VirtualServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.VirtualServer
	for _, s := range m.servers {
		if !s.ExpireAt.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) FindServerByVdsID(_ context.Context, vdsID int64) (*domain.VirtualServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.servers {
		if s.VdsID == vdsID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrServerNotFound
}

func (m *memRepo) RenewServer(_ context.Context, serverID int64, now time.Time, period time.Duration) (*domain.VirtualServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	if !ok {
		return nil, store.ErrServerNotFound
	}
	if s.ExpireAt.After(now) {
		return nil, store.ErrResourceNotDue
	}
	u, ok := m.users[s.TargetUserID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	if u.Balance.LessThan(s.RenewalPrice) {
		return nil, store.ErrInsufficientFunds
	}
	u.Balance = u.Balance.Sub(s.RenewalPrice)
	s.ExpireAt = store.RenewalBase(&s.ExpireAt, now).Add(period)
	s.PayDayAt = nil
	cp := *s
	return &cp, nil
}

func (m *memRepo) MarkServerGracePeriod(_ context.Context, serverID int64, deadline time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	if !ok || s.PayDayAt != nil {
		return false, nil
	}
	s.PayDayAt = &deadline
	return true, nil
}

func (m *memRepo) DeleteServerAfterGrace(ctx context.Context, serverID int64, now time.Time, destroy store.ServerDestroyer) (*domain.VirtualServer, error) {
	m.mu.Lock()
	s, ok := m.servers[serverID]
	if !ok {
		m.mu.Unlock()
		return nil, store.ErrServerNotFound
	}
	if !s.GraceElapsed(now) {
		m.mu.Unlock()
		return nil, store.ErrResourceNotDue
	}
	cp := *s
	m.mu.Unlock()

	if destroy != nil {
		destroy(ctx, cp)
	}

	m.mu.Lock()
	delete(m.servers, serverID)
	m.mu.Unlock()
	return &cp, nil
}

func (m *memRepo) UpdateServerOS(_ context.Context, serverID, osID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	if !ok {
		return store.ErrServerNotFound
	}
	s.LastOSID = osID
	return nil
}

func (m *memRepo) ListExpiredDomains(_ context.Context, now time.Time) ([]domain.DomainRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DomainRequest
	for _, d := range m.domains {
		due := d.DueAt()
		if d.Status == domain.DomainCompleted && due != nil && !due.After(now) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) RenewDomain(_ context.Context, domainID int64, now time.Time, period, paydayOffset time.Duration) (*domain.DomainRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[domainID]
	if !ok {
		return nil, store.ErrDomainNotFound
	}
	if due := d.DueAt(); d.Status != domain.DomainCompleted || due == nil || due.After(now) {
		return nil, store.ErrResourceNotDue
	}
	u, ok := m.users[d.TargetUserID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	if u.Balance.LessThan(d.Price) {
		return nil, store.ErrInsufficientFunds
	}
	u.Balance = u.Balance.Sub(d.Price)
	base := store.RenewalBase(d.ExpireAt, now)
	expire, payday := base.Add(period), base.Add(paydayOffset)
	d.ExpireAt, d.PaydayAt = &expire, &payday
	cp := *d
	return &cp, nil
}

func (m *memRepo) ExpireDomain(_ context.Context, domainID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[domainID]
	if !ok || d.Status != domain.DomainCompleted {
		return false, nil
	}
	d.Status = domain.DomainExpired
	return true, nil
}

// recordingNotifier captures notifications per user.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

type sentNotification struct {
	userID int64
	msg    domain.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, user domain.User, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{userID: user.ID, msg: msg})
	return n.err
}

func (n *recordingNotifier) kinds() []domain.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.NotificationKind, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.msg.Kind)
	}
	return out
}
