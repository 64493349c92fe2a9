/**
 * @description
 * PostgreSQL implementation of the Repository interface.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: driver, pool and error types.
 * - github.com/shopspring/decimal: NUMERIC columns scan into decimal.Decimal.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driphost/billing-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolationCode = "23505"

// PostgresRepository is the pgx-backed ledger store.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, telegram_id, balance, role, is_banned, lang, referrer_id, referral_percent, referral_balance, created_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	var role string
	if err := row.Scan(&u.ID, &u.TelegramID, &u.Balance, &role, &u.IsBanned, &u.Lang, &u.ReferrerID, &u.ReferralPercent, &u.ReferralBalance, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.Role = domain.Role(role)
	return &u, nil
}

// FindUserByID loads a user without locking.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID int64) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

func lockUserBalance(ctx context.Context, tx pgx.Tx, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, err
	}
	return balance, nil
}

const topUpColumns = `id, status, amount, order_id, payment_system, target_user_id, url, created_at, updated_at`

func scanTopUp(row pgx.Row) (*domain.TopUp, error) {
	var t domain.TopUp
	var status, paymentSystem string
	if err := row.Scan(&t.ID, &status, &t.Amount, &t.OrderID, &paymentSystem, &t.TargetUserID, &t.URL, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTopUpNotFound
		}
		return nil, err
	}
	t.Status = domain.TopUpStatus(status)
	t.PaymentSystem = domain.PaymentSystem(paymentSystem)
	return &t, nil
}

// CreateTopUp inserts a new pending top-up and fills its generated fields.
func (r *PostgresRepository) CreateTopUp(ctx context.Context, topUp *domain.TopUp) error {
	query := `
		INSERT INTO top_ups (status, amount, order_id, payment_system, target_user_id, url)
		VALUES ('created', $1, $2, $3, $4, $5)
		RETURNING id, status, created_at, updated_at
	`
	var status string
	err := r.db.QueryRow(ctx, query, topUp.Amount, topUp.OrderID, string(topUp.PaymentSystem), topUp.TargetUserID, topUp.URL).
		Scan(&topUp.ID, &status, &topUp.CreatedAt, &topUp.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return err
	}
	topUp.Status = domain.TopUpStatus(status)
	return nil
}

// ListPendingTopUps returns every top-up still waiting on its processor.
func (r *PostgresRepository) ListPendingTopUps(ctx context.Context) ([]domain.TopUp, error) {
	rows, err := r.db.Query(ctx, `SELECT `+topUpColumns+` FROM top_ups WHERE status = 'created' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TopUp
	for rows.Next() {
		t, err := scanTopUp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// FindTopUpByOrder resolves a top-up from the processor's order id.
func (r *PostgresRepository) FindTopUpByOrder(ctx context.Context, paymentSystem domain.PaymentSystem, orderID string) (*domain.TopUp, error) {
	return scanTopUp(r.db.QueryRow(ctx, `SELECT `+topUpColumns+` FROM top_ups WHERE payment_system = $1 AND order_id = $2`, string(paymentSystem), orderID))
}

// CompleteTopUp marks a pending top-up completed and credits its owner in one
// transaction. ErrTopUpNotPending means another worker settled it first.
func (r *PostgresRepository) CompleteTopUp(ctx context.Context, topUpID int64) (*domain.TopUp, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	topUp, err := scanTopUp(tx.QueryRow(ctx, `SELECT `+topUpColumns+` FROM top_ups WHERE id = $1 FOR UPDATE`, topUpID))
	if err != nil {
		return nil, err
	}
	if topUp.Status != domain.TopUpCreated {
		return nil, ErrTopUpNotPending
	}

	if _, err := lockUserBalance(ctx, tx, topUp.TargetUserID); err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		UPDATE top_ups
		SET status = 'completed', updated_at = NOW()
		WHERE id = $1 AND status = 'created'
		RETURNING updated_at
	`, topUpID).Scan(&topUp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTopUpNotPending
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance + $1 WHERE id = $2`, topUp.Amount, topUp.TargetUserID); err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	topUp.Status = domain.TopUpCompleted
	return topUp, nil
}

// ExpireTopUp moves a pending top-up to expired. It reports false when the
// top-up was no longer pending.
func (r *PostgresRepository) ExpireTopUp(ctx context.Context, topUpID int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE top_ups SET status = 'expired', updated_at = NOW() WHERE id = $1 AND status = 'created'`, topUpID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordReferralReward credits the referrer's referral balance once per top-up.
func (r *PostgresRepository) RecordReferralReward(ctx context.Context, topUpID, referrerID int64, amount decimal.Decimal) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO referral_rewards (top_up_id, referrer_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (top_up_id) DO NOTHING
	`, topUpID, referrerID, amount)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `UPDATE users SET referral_balance = referral_balance + $1 WHERE id = $2`, amount, referrerID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ErrUserNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

const serverColumns = `id, vds_id, login, ipv4_addr, rate_name, last_os_id, renewal_price, expire_at, pay_day_at, target_user_id, created_at`

func scanServer(row pgx.Row) (*domain.VirtualServer, error) {
	var s domain.VirtualServer
	if err := row.Scan(&s.ID, &s.VdsID, &s.Login, &s.IPv4Addr, &s.RateName, &s.LastOSID, &s.RenewalPrice, &s.ExpireAt, &s.PayDayAt, &s.TargetUserID, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServerNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListExpiredServers returns servers whose paid period ended at or before now.
func (r *PostgresRepository) ListExpiredServers(ctx context.Context, now time.Time) ([]domain.VirtualServer, error) {
	rows, err := r.db.Query(ctx, `SELECT `+serverColumns+` FROM virtual_servers WHERE expire_at <= $1 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.VirtualServer
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// FindServerByVdsID loads the billing row of an external VM.
func (r *PostgresRepository) FindServerByVdsID(ctx context.Context, vdsID int64) (*domain.VirtualServer, error) {
	return scanServer(r.db.QueryRow(ctx, `SELECT `+serverColumns+` FROM virtual_servers WHERE vds_id = $1`, vdsID))
}

// RenewServer debits the renewal price and extends the server in one
// transaction, clearing any grace deadline.
func (r *PostgresRepository) RenewServer(ctx context.Context, serverID int64, now time.Time, period time.Duration) (*domain.VirtualServer, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	server, err := scanServer(tx.QueryRow(ctx, `SELECT `+serverColumns+` FROM virtual_servers WHERE id = $1 FOR UPDATE`, serverID))
	if err != nil {
		return nil, err
	}
	if server.ExpireAt.After(now) {
		return nil, ErrResourceNotDue
	}

	balance, err := lockUserBalance(ctx, tx, server.TargetUserID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(server.RenewalPrice) {
		return nil, ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance - $1 WHERE id = $2`, server.RenewalPrice, server.TargetUserID); err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	newExpire := RenewalBase(&server.ExpireAt, now).Add(period)
	if _, err := tx.Exec(ctx, `UPDATE virtual_servers SET expire_at = $1, pay_day_at = NULL WHERE id = $2`, newExpire, serverID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	server.ExpireAt = newExpire
	server.PayDayAt = nil
	return server, nil
}

// MarkServerGracePeriod sets the grace deadline only if none is set yet, so a
// running grace period is never extended.
func (r *PostgresRepository) MarkServerGracePeriod(ctx context.Context, serverID int64, deadline time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE virtual_servers SET pay_day_at = $1 WHERE id = $2 AND pay_day_at IS NULL`, deadline, serverID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteServerAfterGrace locks the server, re-checks that its grace period has
// elapsed, runs destroy and removes the billing row.
func (r *PostgresRepository) DeleteServerAfterGrace(ctx context.Context, serverID int64, now time.Time, destroy ServerDestroyer) (*domain.VirtualServer, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	server, err := scanServer(tx.QueryRow(ctx, `SELECT `+serverColumns+` FROM virtual_servers WHERE id = $1 FOR UPDATE`, serverID))
	if err != nil {
		return nil, err
	}
	if !server.GraceElapsed(now) {
		return nil, ErrResourceNotDue
	}

	if destroy != nil {
		destroy(ctx, *server)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM virtual_servers WHERE id = $1`, serverID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return server, nil
}

// UpdateServerOS records the OS image a server was last reinstalled with.
func (r *PostgresRepository) UpdateServerOS(ctx context.Context, serverID, osID int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE virtual_servers SET last_os_id = $1 WHERE id = $2`, osID, serverID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrServerNotFound
	}
	return nil
}

const domainColumns = `id, domain_name, zone, status, price, expire_at, payday_at, target_user_id, created_at`

func scanDomain(row pgx.Row) (*domain.DomainRequest, error) {
	var d domain.DomainRequest
	var status string
	if err := row.Scan(&d.ID, &d.DomainName, &d.Zone, &status, &d.Price, &d.ExpireAt, &d.PaydayAt, &d.TargetUserID, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDomainNotFound
		}
		return nil, err
	}
	d.Status = domain.DomainStatus(status)
	return &d, nil
}

// ListExpiredDomains returns registered domains whose payday has arrived.
func (r *PostgresRepository) ListExpiredDomains(ctx context.Context, now time.Time) ([]domain.DomainRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+domainColumns+`
		FROM domain_requests
		WHERE status = 'completed'
		  AND COALESCE(payday_at, expire_at) <= $1
		ORDER BY id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DomainRequest
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// RenewDomain debits the domain price and moves both expiry and payday forward.
func (r *PostgresRepository) RenewDomain(ctx context.Context, domainID int64, now time.Time, period, paydayOffset time.Duration) (*domain.DomainRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	d, err := scanDomain(tx.QueryRow(ctx, `SELECT `+domainColumns+` FROM domain_requests WHERE id = $1 FOR UPDATE`, domainID))
	if err != nil {
		return nil, err
	}
	if d.Status != domain.DomainCompleted {
		return nil, ErrResourceNotDue
	}
	if due := d.DueAt(); due == nil || due.After(now) {
		return nil, ErrResourceNotDue
	}

	balance, err := lockUserBalance(ctx, tx, d.TargetUserID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(d.Price) {
		return nil, ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance - $1 WHERE id = $2`, d.Price, d.TargetUserID); err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	base := RenewalBase(d.ExpireAt, now)
	newExpire := base.Add(period)
	newPayday := base.Add(paydayOffset)
	if _, err := tx.Exec(ctx, `UPDATE domain_requests SET expire_at = $1, payday_at = $2 WHERE id = $3`, newExpire, newPayday, domainID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	d.ExpireAt = &newExpire
	d.PaydayAt = &newPayday
	return d, nil
}

// ExpireDomain marks a registered domain expired. It reports false when the
// domain was not in the completed state.
func (r *PostgresRepository) ExpireDomain(ctx context.Context, domainID int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE domain_requests SET status = 'expired' WHERE id = $1 AND status = 'completed'`, domainID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
