/*
Package sqlite provides a SQLite-backed implementation of points.Store.

PURPOSE:
  The default single-node deployment store. Services, rules, wallets,
  batches and transactions live in one database file, and every wallet
  mutation runs in one SQL transaction.

KEY TABLES:
  services:     Partner services (soft-deleted via deleted_at)
  rules:        Versioned EARN/BURN rules per service
  wallets:      One row per user, authoritative balance and counters
  batches:      One row per earn event, remaining points and expiry
  transactions: Append-only history; only status, description and
                metadata are ever updated

WALLET LOCKING:
  SQLite has no row locks, so a wallet unit of work is serialized in two
  layers:
  1. An in-process keyed lock per user (points.WalletLocks) bounded by the
     lock timeout. Units on different wallets proceed independently.
  2. BEGIN IMMEDIATE (_txlock=immediate) takes the database write lock at
     the start of the unit, and _busy_timeout bounds the wait for writers
     in other processes.
  SQLITE_BUSY / SQLITE_LOCKED are reported as points.ErrBusy.

  Inside a unit every read goes through the *sql.Tx, never the pool.

STORAGE FORMATS:
  Decimals are TEXT with exactly two places ("12.50") so they round-trip
  exactly and "0.00" identifies an empty batch in SQL. Timestamps are TEXT
  in a fixed-width UTC layout so lexical order is chronological order.

WAL MODE:
  File databases are opened with WAL so lock-free reads do not block on
  the writer. ":memory:" databases are limited to one connection because
  every connection would otherwise see its own empty database.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := points.NewEngine(points.EngineConfig{Rules: store, Wallets: store})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - points/store.go: Interface definitions
  - points/store/memory.go: In-memory implementation for testing
  - store/gormstore: MySQL implementation with SELECT ... FOR UPDATE
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

// timeLayout is fixed width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements points.Store using SQLite.
type Store struct {
	db    *sql.DB
	locks *points.WalletLocks
}

var _ points.Store = (*Store)(nil)

type Option func(*options)

type options struct {
	lockTimeout time.Duration
}

// WithLockTimeout bounds the wait for a wallet, in-process and on the
// database write lock.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	o := options{lockTimeout: points.DefaultLockTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	dsn := fmt.Sprintf("%s%s_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		dbPath, sep, o.lockTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.HasPrefix(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, locks: points.NewWalletLocks(o.lockTimeout)}
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

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		service_id TEXT NOT NULL REFERENCES services(id),
		rule_type TEXT NOT NULL CHECK (rule_type IN ('EARN', 'BURN')),
		points_per_unit TEXT NOT NULL,
		unit_amount TEXT NOT NULL,
		min_amount TEXT,
		max_points TEXT,
		expiry_days INTEGER,
		valid_from TEXT NOT NULL,
		valid_until TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_rules_service_type
		ON rules(service_id, rule_type);

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		balance TEXT NOT NULL,
		total_earned TEXT NOT NULL,
		total_burned TEXT NOT NULL,
		total_expired TEXT NOT NULL,
		last_activity_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		transaction_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		points TEXT NOT NULL,
		original_points TEXT NOT NULL,
		earned_at TEXT NOT NULL,
		expires_at TEXT,
		is_expired INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Hot path: eligible and overdue batches of one wallet
	CREATE INDEX IF NOT EXISTS idx_batches_wallet_open
		ON batches(wallet_id, is_expired, expires_at);

	-- Sweep scan
	CREATE INDEX IF NOT EXISTS idx_batches_overdue
		ON batches(expires_at) WHERE is_expired = 0 AND expires_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		service_id TEXT,
		rule_id TEXT,
		batch_id TEXT,
		tx_type TEXT NOT NULL,
		amount TEXT,
		points TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON transactions(user_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CATALOG (points.CatalogStore)
// =============================================================================

const serviceColumns = `id, name, description, is_active, created_at, updated_at, deleted_at`

func (s *Store) GetService(ctx context.Context, id points.ServiceID) (*points.Service, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = ? AND deleted_at IS NULL`, id)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service %s: %w", id, points.ErrServiceNotFound)
	}
	return svc, err
}

func (s *Store) ListServices(ctx context.Context) ([]points.Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer rows.Close()

	var out []points.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *svc)
	}
	return out, rows.Err()
}

// ServiceExists counts soft-deleted services too.
func (s *Store) ServiceExists(ctx context.Context, id points.ServiceID) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM services WHERE id = ?)`, string(id))
}

// RuleExists counts soft-deleted rules too.
func (s *Store) RuleExists(ctx context.Context, id points.RuleID) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM rules WHERE id = ?)`, string(id))
}

func (s *Store) exists(ctx context.Context, query, id string) (bool, error) {
	var found bool
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&found); err != nil {
		return false, fmt.Errorf("failed to check %s: %w", id, err)
	}
	return found, nil
}

func (s *Store) SaveService(ctx context.Context, svc points.Service) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (`+serviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`,
		svc.ID, svc.Name, nullString(svc.Description), svc.IsActive,
		formatTime(svc.CreatedAt), formatTime(svc.UpdatedAt), nullTime(svc.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save service: %w", mapError(err))
	}
	return nil
}

const ruleColumns = `id, service_id, rule_type, points_per_unit, unit_amount, min_amount,
	max_points, expiry_days, valid_from, valid_until, is_active, created_at, updated_at, deleted_at`

func (s *Store) ListRules(ctx context.Context, serviceID points.ServiceID, ruleType points.RuleType) ([]points.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rules
		WHERE service_id = ? AND rule_type = ? AND deleted_at IS NULL
		ORDER BY valid_from ASC, created_at ASC
	`, serviceID, ruleType)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []points.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) GetRule(ctx context.Context, id points.RuleID) (*points.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE id = ? AND deleted_at IS NULL`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, points.ErrRuleNotFound)
	}
	return r, err
}

func (s *Store) SaveRule(ctx context.Context, r points.Rule) error {
	var expiry sql.NullInt64
	if r.ExpiryDays != nil {
		expiry = sql.NullInt64{Int64: int64(*r.ExpiryDays), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			points_per_unit = excluded.points_per_unit,
			unit_amount = excluded.unit_amount,
			min_amount = excluded.min_amount,
			max_points = excluded.max_points,
			expiry_days = excluded.expiry_days,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`,
		r.ID, r.ServiceID, r.Type, r.PointsPerUnit.String(), r.UnitAmount.String(),
		nullDecimal(r.MinAmount), nullDecimal(r.MaxPoints), expiry,
		formatTime(r.ValidFrom), nullTime(r.ValidUntil), r.IsActive,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt), nullTime(r.DeletedAt),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("service %s: %w", r.ServiceID, points.ErrServiceNotFound)
		}
		return fmt.Errorf("failed to save rule: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// WALLETS & LOCK-FREE READS
// =============================================================================

const walletColumns = `id, user_id, balance, total_earned, total_burned, total_expired,
	last_activity_at, created_at, updated_at, deleted_at`

// CreateWallet enforces one wallet per user, retired wallets included.
func (s *Store) CreateWallet(ctx context.Context, w points.Wallet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, walletArgs(w)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("user %s: %w", w.UserID, points.ErrWalletExists)
		}
		return fmt.Errorf("failed to create wallet: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, userID points.UserID) (*points.Wallet, error) {
	return walletByUser(ctx, s.db, userID)
}

func walletByUser(ctx context.Context, q querier, userID points.UserID) (*points.Wallet, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = ? AND deleted_at IS NULL`, userID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, points.ErrWalletNotFound)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

func walletArgs(w points.Wallet) []any {
	return []any{
		w.ID, w.UserID, formatDecimal(w.Balance), formatDecimal(w.TotalEarned),
		formatDecimal(w.TotalBurned), formatDecimal(w.TotalExpired),
		nullTime(w.LastActivityAt), formatTime(w.CreatedAt), formatTime(w.UpdatedAt), nullTime(w.DeletedAt),
	}
}

func (s *Store) ActiveBatches(ctx context.Context, walletID points.WalletID, asOf time.Time) ([]points.Batch, error) {
	return openBatches(ctx, s.db, walletID, asOf, points.Batch.EligibleAt)
}

func (s *Store) UsersWithOverdueBatches(ctx context.Context, asOf time.Time) ([]points.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT w.user_id
		FROM batches b
		JOIN wallets w ON w.id = b.wallet_id
		WHERE b.is_expired = 0
		  AND b.expires_at IS NOT NULL
		  AND b.expires_at < ?
		  AND b.points <> '0.00'
		  AND w.deleted_at IS NULL
		ORDER BY w.user_id
	`, formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue wallets: %w", err)
	}
	defer rows.Close()

	var out []points.UserID
	for rows.Next() {
		var id points.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const batchColumns = `id, wallet_id, transaction_id, service_id, points, original_points,
	earned_at, expires_at, is_expired, updated_at`

// openBatches loads the wallet's unexpired, non-empty batches and keeps
// those matching keep at asOf, in FIFO order.
func openBatches(ctx context.Context, q querier, walletID points.WalletID, asOf time.Time, keep func(points.Batch, time.Time) bool) ([]points.Batch, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE wallet_id = ? AND is_expired = 0 AND points <> '0.00'
	`, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", mapError(err))
	}
	defer rows.Close()

	var out []points.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		if keep(*b, asOf) {
			out = append(out, *b)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	points.SortFIFO(out)
	return out, nil
}

// =============================================================================
// TRANSACTION HISTORY
// =============================================================================

const transactionColumns = `id, user_id, wallet_id, service_id, rule_id, batch_id, tx_type, amount,
	points, balance_before, balance_after, status, description, metadata_json, created_at, updated_at`

// ListTransactions returns newest first.
func (s *Store) ListTransactions(ctx context.Context, f points.TransactionFilter) ([]points.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1 = 1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		query += ` AND tx_type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []points.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) GetTransaction(ctx context.Context, id points.TransactionID) (*points.Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, q querier, id points.TransactionID) (*points.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, points.ErrTransactionNotFound)
	}
	return t, err
}

// CorrectTransaction updates status, description and metadata only.
func (s *Store) CorrectTransaction(ctx context.Context, id points.TransactionID, c points.Correction, at time.Time) (*points.Transaction, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	t, err := getTransaction(ctx, sqlTx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != nil {
		t.Status = *c.Status
	}
	if c.Description != nil {
		t.Description = *c.Description
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]string, len(c.Metadata))
	}
	for k, v := range c.Metadata {
		t.Metadata[k] = v
	}
	t.UpdatedAt = at

	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = sqlTx.ExecContext(ctx, `
		UPDATE transactions SET status = ?, description = ?, metadata_json = ?, updated_at = ?
		WHERE id = ?
	`, t.Status, nullString(t.Description), string(metadataJSON), formatTime(at), id)
	if err != nil {
		return nil, fmt.Errorf("failed to correct transaction: %w", mapError(err))
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return t, nil
}

// =============================================================================
// WALLET-LOCKED UNIT OF WORK
// =============================================================================

// WithWalletLock runs fn in one immediate SQL transaction under the
// user's wallet lock. fn's error rolls everything back.
func (s *Store) WithWalletLock(ctx context.Context, userID points.UserID, fn func(points.LedgerTx) error) error {
	release, err := s.locks.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	w, err := walletByUser(ctx, sqlTx, userID)
	if err != nil {
		return err
	}

	if err := fn(&ledgerTx{tx: sqlTx, walletID: w.ID, userID: userID}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

// ledgerTx is a points.LedgerTx bound to one locked wallet.
type ledgerTx struct {
	tx       *sql.Tx
	walletID points.WalletID
	userID   points.UserID
}

func (t *ledgerTx) Wallet(ctx context.Context) (points.Wallet, error) {
	w, err := walletByUser(ctx, t.tx, t.userID)
	if err != nil {
		return points.Wallet{}, err
	}
	return *w, nil
}

func (t *ledgerTx) SaveWallet(ctx context.Context, w points.Wallet) error {
	if w.ID != t.walletID {
		return fmt.Errorf("wallet %s is not locked by this unit: %w", w.ID, points.ErrWalletNotFound)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance = ?, total_earned = ?, total_burned = ?, total_expired = ?,
			last_activity_at = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?
	`,
		formatDecimal(w.Balance), formatDecimal(w.TotalEarned), formatDecimal(w.TotalBurned),
		formatDecimal(w.TotalExpired), nullTime(w.LastActivityAt), formatTime(w.UpdatedAt),
		nullTime(w.DeletedAt), w.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", mapError(err))
	}
	return nil
}

func (t *ledgerTx) EligibleBatches(ctx context.Context, asOf time.Time) ([]points.Batch, error) {
	return openBatches(ctx, t.tx, t.walletID, asOf, points.Batch.EligibleAt)
}

func (t *ledgerTx) OverdueBatches(ctx context.Context, asOf time.Time) ([]points.Batch, error) {
	return openBatches(ctx, t.tx, t.walletID, asOf, points.Batch.OverdueAt)
}

func (t *ledgerTx) GetBatch(ctx context.Context, id points.BatchID) (*points.Batch, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, points.ErrBatchNotFound)
	}
	return b, err
}

func (t *ledgerTx) InsertBatch(ctx context.Context, b points.Batch) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.WalletID, b.TransactionID, b.ServiceID,
		formatDecimal(b.Points), formatDecimal(b.OriginalPoints),
		formatTime(b.EarnedAt), nullTime(b.ExpiresAt), b.IsExpired, formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", mapError(err))
	}
	return nil
}

func (t *ledgerTx) UpdateBatch(ctx context.Context, b points.Batch) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE batches SET points = ?, is_expired = ?, updated_at = ?
		WHERE id = ? AND wallet_id = ?
	`, formatDecimal(b.Points), b.IsExpired, formatTime(b.UpdatedAt), b.ID, t.walletID)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s is not in the locked wallet: %w", b.ID, points.ErrBatchNotFound)
	}
	return nil
}

func (t *ledgerTx) AppendTransaction(ctx context.Context, rec points.Transaction) error {
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.UserID, rec.WalletID, nullString(string(rec.ServiceID)), nullString(string(rec.RuleID)),
		nullString(string(rec.BatchID)), rec.Type, nullDecimal(rec.Amount),
		formatDecimal(rec.Points), formatDecimal(rec.BalanceBefore), formatDecimal(rec.BalanceAfter),
		rec.Status, nullString(rec.Description), string(metadataJSON),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("transaction %s: %w", rec.ID, points.ErrDuplicateTransaction)
		}
		return fmt.Errorf("failed to append transaction: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanService(row scanner) (*points.Service, error) {
	var (
		svc         points.Service
		description sql.NullString
		createdAt   string
		updatedAt   string
		deletedAt   sql.NullString
	)
	if err := row.Scan(&svc.ID, &svc.Name, &description, &svc.IsActive, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	p := columnParser{table: "services", id: string(svc.ID)}
	svc.Description = description.String
	svc.CreatedAt = p.time("created_at", createdAt)
	svc.UpdatedAt = p.time("updated_at", updatedAt)
	svc.DeletedAt = p.nullTime("deleted_at", deletedAt)
	if p.err != nil {
		return nil, p.err
	}
	return &svc, nil
}

func scanRule(row scanner) (*points.Rule, error) {
	var (
		r          points.Rule
		ppu, unit  string
		minAmount  sql.NullString
		maxPoints  sql.NullString
		expiryDays sql.NullInt64
		validFrom  string
		validUntil sql.NullString
		createdAt  string
		updatedAt  string
		deletedAt  sql.NullString
	)
	err := row.Scan(&r.ID, &r.ServiceID, &r.Type, &ppu, &unit, &minAmount, &maxPoints,
		&expiryDays, &validFrom, &validUntil, &r.IsActive, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	p := columnParser{table: "rules", id: string(r.ID)}
	r.PointsPerUnit = p.decimal("points_per_unit", ppu)
	r.UnitAmount = p.decimal("unit_amount", unit)
	r.MinAmount = p.nullDecimal("min_amount", minAmount)
	r.MaxPoints = p.nullDecimal("max_points", maxPoints)
	if expiryDays.Valid {
		d := int(expiryDays.Int64)
		r.ExpiryDays = &d
	}
	r.ValidFrom = p.time("valid_from", validFrom)
	r.ValidUntil = p.nullTime("valid_until", validUntil)
	r.CreatedAt = p.time("created_at", createdAt)
	r.UpdatedAt = p.time("updated_at", updatedAt)
	r.DeletedAt = p.nullTime("deleted_at", deletedAt)
	if p.err != nil {
		return nil, p.err
	}
	return &r, nil
}

func scanWallet(row scanner) (*points.Wallet, error) {
	var (
		w                                points.Wallet
		balance, earned, burned, expired string
		lastActivity, deletedAt          sql.NullString
		createdAt, updatedAt             string
	)
	err := row.Scan(&w.ID, &w.UserID, &balance, &earned, &burned, &expired,
		&lastActivity, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	p := columnParser{table: "wallets", id: string(w.ID)}
	w.Balance = p.decimal("balance", balance)
	w.TotalEarned = p.decimal("total_earned", earned)
	w.TotalBurned = p.decimal("total_burned", burned)
	w.TotalExpired = p.decimal("total_expired", expired)
	w.LastActivityAt = p.nullTime("last_activity_at", lastActivity)
	w.CreatedAt = p.time("created_at", createdAt)
	w.UpdatedAt = p.time("updated_at", updatedAt)
	w.DeletedAt = p.nullTime("deleted_at", deletedAt)
	if p.err != nil {
		return nil, p.err
	}
	return &w, nil
}

func scanBatch(row scanner) (*points.Batch, error) {
	var (
		b             points.Batch
		pts, original string
		earnedAt      string
		expiresAt     sql.NullString
		updatedAt     string
	)
	err := row.Scan(&b.ID, &b.WalletID, &b.TransactionID, &b.ServiceID, &pts, &original,
		&earnedAt, &expiresAt, &b.IsExpired, &updatedAt)
	if err != nil {
		return nil, err
	}
	p := columnParser{table: "batches", id: string(b.ID)}
	b.Points = p.decimal("points", pts)
	b.OriginalPoints = p.decimal("original_points", original)
	b.EarnedAt = p.time("earned_at", earnedAt)
	b.ExpiresAt = p.nullTime("expires_at", expiresAt)
	b.UpdatedAt = p.time("updated_at", updatedAt)
	if p.err != nil {
		return nil, p.err
	}
	return &b, nil
}

func scanTransaction(row scanner) (*points.Transaction, error) {
	var (
		t                    points.Transaction
		serviceID, ruleID    sql.NullString
		batchID              sql.NullString
		amount               sql.NullString
		pts, before, after   string
		description          sql.NullString
		metadataJSON         sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.WalletID, &serviceID, &ruleID, &batchID, &t.Type, &amount,
		&pts, &before, &after, &t.Status, &description, &metadataJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p := columnParser{table: "transactions", id: string(t.ID)}
	t.ServiceID = points.ServiceID(serviceID.String)
	t.RuleID = points.RuleID(ruleID.String)
	t.BatchID = points.BatchID(batchID.String)
	t.Amount = p.nullDecimal("amount", amount)
	t.Points = p.decimal("points", pts)
	t.BalanceBefore = p.decimal("balance_before", before)
	t.BalanceAfter = p.decimal("balance_after", after)
	t.Description = description.String
	t.CreatedAt = p.time("created_at", createdAt)
	t.UpdatedAt = p.time("updated_at", updatedAt)
	if p.err != nil {
		return nil, p.err
	}

	t.Metadata = map[string]string{}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", t.ID, err)
		}
	}
	return &t, nil
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

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatDecimal(d decimal.Decimal) string {
	return d.StringFixed(points.Scale)
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

// columnParser decodes TEXT columns of one row and keeps the first
// failure. A value that does not parse is corruption and must not read
// back as zero.
type columnParser struct {
	table string
	id    string
	err   error
}

func (p *columnParser) fail(col, raw string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("corrupt %s.%s for %s: %q: %w", p.table, col, p.id, raw, err)
	}
}

func (p *columnParser) decimal(col, raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		p.fail(col, raw, err)
		return decimal.Zero
	}
	return d
}

func (p *columnParser) nullDecimal(col string, raw sql.NullString) *decimal.Decimal {
	if !raw.Valid {
		return nil
	}
	d := p.decimal(col, raw.String)
	return &d
}

func (p *columnParser) time(col, raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		p.fail(col, raw, err)
	}
	return t
}

func (p *columnParser) nullTime(col string, raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t := p.time(col, raw.String)
	return &t
}

// mapError turns SQLite lock contention into points.ErrBusy.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", points.ErrBusy, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
