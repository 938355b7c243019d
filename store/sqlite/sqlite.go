/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements loyalty.Store and loyalty.TxStore using SQLite. The same
  patterns apply to PostgreSQL with minor dialect changes.

KEY TABLES:
  accounts:       Balance, member number, creation time
  account_flags:  Idempotency flags, one row per awarded guarded reason
  grants:         The points ledger; append-only except remaining/status
  entries:        Audit history (credits and synthetic debits)
  prizes:         Redeemable catalog
  redemptions:    Successful prize exchanges
  counters:       Shared monotonic counters (member numbers)

OPTIMISTIC CONCURRENCY:
  Grant mutations carry the version the caller read and execute as
  UPDATE ... WHERE id = ? AND version = ?. Zero rows affected means another
  transaction got there first; the caller sees ErrConcurrentModification
  and the engine retries the whole operation.

WAL MODE:
  SQLite is opened with WAL so readers don't block behind the single
  writer, plus a busy timeout so concurrent writers queue instead of
  failing immediately.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/loyalty-engine/loyalty"
)

// timeLayout keeps nanosecond precision in stored timestamps. Plain RFC 3339
// truncates to whole seconds, which collapses writes landing in the same
// second into one indistinguishable instant.
const timeLayout = time.RFC3339Nano

// Store implements loyalty.TxStore on SQLite.
type Store struct {
	db *sql.DB
	queries
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		member_number INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS account_flags (
		account_id TEXT NOT NULL REFERENCES accounts(id),
		reason TEXT NOT NULL,
		PRIMARY KEY (account_id, reason)
	);

	-- The points ledger. No DELETE ever; UPDATE touches only remaining,
	-- status, expired_amount, and version.
	CREATE TABLE IF NOT EXISTS grants (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount INTEGER NOT NULL,
		remaining INTEGER NOT NULL,
		expired_amount INTEGER NOT NULL DEFAULT 0,
		acquired_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		version INTEGER NOT NULL DEFAULT 0
	);

	-- Hot path: FIFO reads per account.
	CREATE INDEX IF NOT EXISTS idx_grants_account_acquired
		ON grants(account_id, acquired_at ASC);
	CREATE INDEX IF NOT EXISTS idx_grants_account_status
		ON grants(account_id, status);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT,
		prize_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account_created
		ON entries(account_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS prizes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cost INTEGER NOT NULL,
		stock INTEGER NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		prize_id TEXT NOT NULL,
		prize_name TEXT NOT NULL,
		points_spent INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_account_created
		ON redemptions(account_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);

	INSERT INTO counters (name, value) VALUES ('member_number', 0)
		ON CONFLICT(name) DO NOTHING;
	`

	_, err := s.db.Exec(schema)
	return err
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries{q: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the Store view bound to one open transaction.
type txStore struct {
	queries
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so every query runs the same
// way inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q dbtx
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s queries) CreateAccount(ctx context.Context, account loyalty.Account) error {
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO accounts (id, balance, member_number, created_at) VALUES (?, ?, ?, ?)",
		account.ID, account.Balance, account.MemberNumber, createdAt.Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return loyalty.ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	for reason := range account.Awarded {
		if err := s.setFlag(ctx, account.ID, reason); err != nil {
			return err
		}
	}
	return nil
}

func (s queries) GetAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	var (
		account   loyalty.Account
		createdAt string
	)
	err := s.q.QueryRowContext(ctx,
		"SELECT id, balance, member_number, created_at FROM accounts WHERE id = ?", id,
	).Scan(&account.ID, &account.Balance, &account.MemberNumber, &createdAt)
	if err == sql.ErrNoRows {
		return loyalty.Account{}, loyalty.ErrAccountNotFound
	}
	if err != nil {
		return loyalty.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	account.CreatedAt, _ = time.Parse(timeLayout, createdAt)

	rows, err := s.q.QueryContext(ctx,
		"SELECT reason FROM account_flags WHERE account_id = ?", id)
	if err != nil {
		return loyalty.Account{}, fmt.Errorf("failed to load flags: %w", err)
	}
	defer rows.Close()

	account.Awarded = make(map[loyalty.Reason]bool)
	for rows.Next() {
		var reason string
		if err := rows.Scan(&reason); err != nil {
			return loyalty.Account{}, err
		}
		account.Awarded[loyalty.Reason(reason)] = true
	}
	return account, rows.Err()
}

func (s queries) UpdateAccount(ctx context.Context, id loyalty.AccountID, update loyalty.AccountUpdate) error {
	var (
		sets []string
		args []any
	)
	if update.BalanceDelta != nil {
		sets = append(sets, "balance = balance + ?")
		args = append(args, *update.BalanceDelta)
	}
	if update.SetMemberNumber != nil {
		sets = append(sets, "member_number = ?")
		args = append(args, *update.SetMemberNumber)
	}

	if len(sets) > 0 {
		args = append(args, id)
		res, err := s.q.ExecContext(ctx,
			"UPDATE accounts SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return loyalty.ErrAccountNotFound
		}
	} else if update.SetAwarded != nil {
		// Flag-only update: still verify the account exists.
		if _, err := s.GetAccount(ctx, id); err != nil {
			return err
		}
	}

	if update.SetAwarded != nil {
		return s.setFlag(ctx, id, *update.SetAwarded)
	}
	return nil
}

func (s queries) setFlag(ctx context.Context, id loyalty.AccountID, reason loyalty.Reason) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO account_flags (account_id, reason) VALUES (?, ?) ON CONFLICT DO NOTHING",
		id, reason)
	if err != nil {
		return fmt.Errorf("failed to set flag: %w", err)
	}
	return nil
}

// =============================================================================
// GRANTS
// =============================================================================

func (s queries) AppendGrant(ctx context.Context, grant loyalty.Grant) error {
	var exists int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM accounts WHERE id = ?", grant.AccountID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}
	if exists == 0 {
		return loyalty.ErrAccountNotFound
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO grants
		(id, account_id, amount, remaining, expired_amount, acquired_at, expires_at, reason, status, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.ID,
		grant.AccountID,
		grant.Amount,
		grant.Remaining,
		grant.ExpiredAmount,
		grant.AcquiredAt.UTC().Format(timeLayout),
		grant.ExpiresAt.UTC().Format(timeLayout),
		grant.Reason,
		grant.Status,
		grant.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to append grant: %w", err)
	}
	return nil
}

const grantColumns = "id, account_id, amount, remaining, expired_amount, acquired_at, expires_at, reason, status, version"

// Ordered reads tie-break on rowid: rows written in the same instant come
// back in insertion order, not in random id order.
func (s queries) Grants(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.Grant, error) {
	return s.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM grants
		WHERE account_id = ?
		ORDER BY acquired_at ASC, rowid ASC`, accountID)
}

func (s queries) ActiveGrants(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.Grant, error) {
	return s.queryGrants(ctx, `
		SELECT `+grantColumns+` FROM grants
		WHERE account_id = ? AND status = 'active' AND remaining > 0
		ORDER BY acquired_at ASC, rowid ASC`, accountID)
}

func (s queries) queryGrants(ctx context.Context, query string, args ...any) ([]loyalty.Grant, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []loyalty.Grant
	for rows.Next() {
		var (
			g                     loyalty.Grant
			acquiredAt, expiresAt string
		)
		if err := rows.Scan(&g.ID, &g.AccountID, &g.Amount, &g.Remaining, &g.ExpiredAmount,
			&acquiredAt, &expiresAt, &g.Reason, &g.Status, &g.Version); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.AcquiredAt, _ = time.Parse(timeLayout, acquiredAt)
		g.ExpiresAt, _ = time.Parse(timeLayout, expiresAt)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s queries) ApplyConsumption(ctx context.Context, accountID loyalty.AccountID, plan loyalty.ConsumptionPlan) error {
	for _, c := range plan {
		res, err := s.q.ExecContext(ctx, `
			UPDATE grants
			SET remaining = remaining - ?, version = version + 1
			WHERE id = ? AND account_id = ? AND version = ? AND remaining >= ?`,
			c.Spend, c.GrantID, accountID, c.Version, c.Spend)
		if err != nil {
			return fmt.Errorf("failed to apply consumption: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return loyalty.ErrConcurrentModification
		}
	}
	return nil
}

func (s queries) MarkExpired(ctx context.Context, accountID loyalty.AccountID, expiries []loyalty.GrantExpiry) error {
	for _, ex := range expiries {
		res, err := s.q.ExecContext(ctx, `
			UPDATE grants
			SET remaining = 0, status = 'expired', expired_amount = ?, version = version + 1
			WHERE id = ? AND account_id = ? AND version = ? AND status = 'active'`,
			ex.Lost, ex.GrantID, accountID, ex.Version)
		if err != nil {
			return fmt.Errorf("failed to mark expired: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return loyalty.ErrConcurrentModification
		}
	}
	return nil
}

// =============================================================================
// HISTORY
// =============================================================================

func (s queries) AppendEntry(ctx context.Context, entry loyalty.Entry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO entries (id, account_id, kind, delta, reason, prize_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AccountID,
		entry.Kind,
		entry.Delta,
		entry.Reason,
		nullString(string(entry.PrizeID)),
		entry.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (s queries) History(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.Entry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, account_id, kind, delta, reason, prize_id, created_at
		FROM entries
		WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []loyalty.Entry
	for rows.Next() {
		var (
			e               loyalty.Entry
			reason, prizeID sql.NullString
			createdAt       string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Delta, &reason, &prizeID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Reason = reason.String
		e.PrizeID = loyalty.PrizeID(prizeID.String)
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// PRIZES
// =============================================================================

func (s queries) GetPrize(ctx context.Context, id loyalty.PrizeID) (loyalty.Prize, error) {
	var (
		p                    loyalty.Prize
		createdAt, updatedAt string
	)
	err := s.q.QueryRowContext(ctx,
		"SELECT id, name, cost, stock, active, created_at, updated_at FROM prizes WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Cost, &p.Stock, &p.Active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return loyalty.Prize{}, loyalty.ErrPrizeNotFound
	}
	if err != nil {
		return loyalty.Prize{}, fmt.Errorf("failed to get prize: %w", err)
	}
	p.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	p.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return p, nil
}

func (s queries) ListPrizes(ctx context.Context) ([]loyalty.Prize, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT id, name, cost, stock, active, created_at, updated_at FROM prizes ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list prizes: %w", err)
	}
	defer rows.Close()

	var prizes []loyalty.Prize
	for rows.Next() {
		var (
			p                    loyalty.Prize
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Cost, &p.Stock, &p.Active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prize: %w", err)
		}
		p.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		p.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		prizes = append(prizes, p)
	}
	return prizes, rows.Err()
}

func (s queries) SavePrize(ctx context.Context, prize loyalty.Prize) error {
	now := time.Now().UTC().Format(timeLayout)
	createdAt := now
	if !prize.CreatedAt.IsZero() {
		createdAt = prize.CreatedAt.UTC().Format(timeLayout)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO prizes (id, name, cost, stock, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			cost = excluded.cost,
			stock = excluded.stock,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		prize.ID, prize.Name, prize.Cost, prize.Stock, prize.Active, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to save prize: %w", err)
	}
	return nil
}

func (s queries) UpdatePrize(ctx context.Context, id loyalty.PrizeID, update loyalty.PrizeUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(timeLayout)}
	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Cost != nil {
		sets = append(sets, "cost = ?")
		args = append(args, *update.Cost)
	}
	if update.Stock != nil {
		sets = append(sets, "stock = ?")
		args = append(args, *update.Stock)
	}
	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *update.Active)
	}
	args = append(args, id)

	res, err := s.q.ExecContext(ctx,
		"UPDATE prizes SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update prize: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrPrizeNotFound
	}
	return nil
}

func (s queries) DecrementStock(ctx context.Context, id loyalty.PrizeID) error {
	// The stock check and the decrement are one statement so two redemptions
	// can't both take the last unit.
	res, err := s.q.ExecContext(ctx,
		"UPDATE prizes SET stock = stock - 1 WHERE id = ? AND stock > 0", id)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.q.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM prizes WHERE id = ?", id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return loyalty.ErrPrizeNotFound
		}
		return loyalty.ErrOutOfStock
	}
	return nil
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func (s queries) AppendRedemption(ctx context.Context, redemption loyalty.Redemption) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO redemptions (id, account_id, prize_id, prize_name, points_spent, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		redemption.ID,
		redemption.AccountID,
		redemption.PrizeID,
		redemption.PrizeName,
		redemption.PointsSpent,
		redemption.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to append redemption: %w", err)
	}
	return nil
}

func (s queries) Redemptions(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.Redemption, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, account_id, prize_id, prize_name, points_spent, created_at
		FROM redemptions
		WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer rows.Close()

	var redemptions []loyalty.Redemption
	for rows.Next() {
		var (
			r         loyalty.Redemption
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.AccountID, &r.PrizeID, &r.PrizeName, &r.PointsSpent, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan redemption: %w", err)
		}
		r.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		redemptions = append(redemptions, r)
	}
	return redemptions, rows.Err()
}

// =============================================================================
// COUNTERS
// =============================================================================

func (s queries) NextMemberNumber(ctx context.Context) (int64, error) {
	_, err := s.q.ExecContext(ctx,
		"UPDATE counters SET value = value + 1 WHERE name = 'member_number'")
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	var value int64
	err = s.q.QueryRowContext(ctx,
		"SELECT value FROM counters WHERE name = 'member_number'").Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return value, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Compile-time interface checks.
var (
	_ loyalty.TxStore = (*Store)(nil)
	_ loyalty.Store   = (*txStore)(nil)
)
