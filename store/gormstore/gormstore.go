/*
Package gormstore implements points.Store on GORM, targeting MySQL.

PURPOSE:
  The multi-node deployment store. Unlike the SQLite store it needs no
  in-process lock: the wallet row itself is the lock.

WALLET LOCKING:
  WithWalletLock opens a database transaction and reads the wallet with
  SELECT ... FOR UPDATE. Every other unit on the same wallet blocks on
  that row until commit or rollback, across processes. The wait is
  bounded by innodb_lock_wait_timeout (set per session by OpenMySQL);
  MySQL errors 1205 (lock wait timeout) and 1213 (deadlock) surface as
  points.ErrBusy.

DIALECTS:
  Any GORM dialector works. Tests run on gorm.io/driver/sqlite, where the
  FOR UPDATE clause is dropped and SQLite's database lock serializes
  writers instead.

ERRORS:
  The *gorm.DB must be opened with TranslateError so duplicate keys and
  foreign key failures arrive as gorm.ErrDuplicatedKey and
  gorm.ErrForeignKeyViolated regardless of dialect.
*/
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// Store implements points.Store using GORM.
type Store struct {
	db *gorm.DB
}

var _ points.Store = (*Store)(nil)

// MySQLConfig holds connection settings for OpenMySQL.
type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// LockTimeout becomes innodb_lock_wait_timeout, rounded up to whole
	// seconds with a minimum of one.
	LockTimeout time.Duration
}

// DSN renders the go-sql-driver/mysql connection string.
func (c MySQLConfig) DSN() string {
	secs := int((c.LockTimeout + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{
		"innodb_lock_wait_timeout": strconv.Itoa(secs),
	}
	return cfg.FormatDSN()
}

// OpenMySQL connects to MySQL and migrates the schema.
func OpenMySQL(cfg MySQLConfig) (*Store, error) {
	db, err := gorm.Open(gormmysql.Open(cfg.DSN()), GormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	return New(db)
}

// GormConfig is the configuration New expects the *gorm.DB to carry.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// New wraps an open *gorm.DB and auto-migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// =============================================================================
// CATALOG (points.CatalogStore)
// =============================================================================

func (s *Store) GetService(ctx context.Context, id points.ServiceID) (*points.Service, error) {
	var m ServiceModel
	err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", string(id)).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("service %s: %w", id, points.ErrServiceNotFound)
		}
		return nil, mapError(err)
	}
	return toDomainService(&m), nil
}

func (s *Store) ListServices(ctx context.Context) ([]points.Service, error) {
	var models []ServiceModel
	if err := s.db.WithContext(ctx).Where("deleted_at IS NULL").Order("id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query services: %w", mapError(err))
	}
	out := make([]points.Service, 0, len(models))
	for i := range models {
		out = append(out, *toDomainService(&models[i]))
	}
	return out, nil
}

// ServiceExists counts soft-deleted services too.
func (s *Store) ServiceExists(ctx context.Context, id points.ServiceID) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&ServiceModel{}).Where("id = ?", string(id)).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check service %s: %w", id, mapError(err))
	}
	return n > 0, nil
}

// RuleExists counts soft-deleted rules too.
func (s *Store) RuleExists(ctx context.Context, id points.RuleID) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&RuleModel{}).Where("id = ?", string(id)).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check rule %s: %w", id, mapError(err))
	}
	return n > 0, nil
}

func (s *Store) SaveService(ctx context.Context, svc points.Service) error {
	m := toServiceModel(svc)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "is_active", "updated_at", "deleted_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save service: %w", mapError(err))
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context, serviceID points.ServiceID, ruleType points.RuleType) ([]points.Rule, error) {
	var models []RuleModel
	err := s.db.WithContext(ctx).
		Where("service_id = ? AND rule_type = ? AND deleted_at IS NULL", string(serviceID), string(ruleType)).
		Order("valid_from ASC").Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", mapError(err))
	}
	out := make([]points.Rule, 0, len(models))
	for i := range models {
		out = append(out, *toDomainRule(&models[i]))
	}
	return out, nil
}

func (s *Store) GetRule(ctx context.Context, id points.RuleID) (*points.Rule, error) {
	var m RuleModel
	err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", string(id)).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("rule %s: %w", id, points.ErrRuleNotFound)
		}
		return nil, mapError(err)
	}
	return toDomainRule(&m), nil
}

func (s *Store) SaveRule(ctx context.Context, r points.Rule) error {
	m := toRuleModel(r)
	err := s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"points_per_unit", "unit_amount", "min_amount", "max_points", "expiry_days",
			"valid_from", "valid_until", "is_active", "updated_at", "deleted_at",
		}),
	}).Create(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return fmt.Errorf("service %s: %w", r.ServiceID, points.ErrServiceNotFound)
		}
		return fmt.Errorf("failed to save rule: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// WALLETS & LOCK-FREE READS
// =============================================================================

// CreateWallet enforces one wallet per user, retired wallets included.
func (s *Store) CreateWallet(ctx context.Context, w points.Wallet) error {
	m := toWalletModel(w)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("user %s: %w", w.UserID, points.ErrWalletExists)
		}
		return fmt.Errorf("failed to create wallet: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetWallet(ctx context.Context, userID points.UserID) (*points.Wallet, error) {
	return walletByUser(s.db.WithContext(ctx), userID)
}

func walletByUser(db *gorm.DB, userID points.UserID) (*points.Wallet, error) {
	var m WalletModel
	err := db.Where("user_id = ? AND deleted_at IS NULL", string(userID)).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %s: %w", userID, points.ErrWalletNotFound)
		}
		return nil, mapError(err)
	}
	return toDomainWallet(&m), nil
}

func (s *Store) ActiveBatches(ctx context.Context, walletID points.WalletID, asOf time.Time) ([]points.Batch, error) {
	return openBatches(s.db.WithContext(ctx), walletID, asOf, points.Batch.EligibleAt)
}

func (s *Store) UsersWithOverdueBatches(ctx context.Context, asOf time.Time) ([]points.UserID, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Table("batches AS b").
		Select("DISTINCT w.user_id").
		Joins("JOIN wallets w ON w.id = b.wallet_id").
		Where("b.is_expired = ? AND b.expires_at IS NOT NULL AND b.expires_at < ? AND b.points > 0", false, asOf.UTC()).
		Where("w.deleted_at IS NULL").
		Order("w.user_id").
		Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue wallets: %w", mapError(err))
	}
	out := make([]points.UserID, 0, len(ids))
	for _, id := range ids {
		out = append(out, points.UserID(id))
	}
	return out, nil
}

// openBatches loads the wallet's unexpired, non-empty batches and keeps
// those matching keep at asOf, in FIFO order.
func openBatches(db *gorm.DB, walletID points.WalletID, asOf time.Time, keep func(points.Batch, time.Time) bool) ([]points.Batch, error) {
	var models []BatchModel
	err := db.Where("wallet_id = ? AND is_expired = ? AND points > 0", string(walletID), false).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", mapError(err))
	}
	var out []points.Batch
	for i := range models {
		if b := toDomainBatch(&models[i]); keep(b, asOf) {
			out = append(out, b)
		}
	}
	points.SortFIFO(out)
	return out, nil
}

// =============================================================================
// TRANSACTION HISTORY
// =============================================================================

// ListTransactions returns newest first.
func (s *Store) ListTransactions(ctx context.Context, f points.TransactionFilter) ([]points.Transaction, error) {
	q := s.db.WithContext(ctx).Model(&TransactionModel{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", string(f.UserID))
	}
	if f.Type != "" {
		q = q.Where("tx_type = ?", string(f.Type))
	}
	q = q.Order("seq DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var models []TransactionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", mapError(err))
	}
	out := make([]points.Transaction, 0, len(models))
	for i := range models {
		t, err := toDomainTransaction(&models[i])
		if err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", models[i].ID, err)
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *Store) GetTransaction(ctx context.Context, id points.TransactionID) (*points.Transaction, error) {
	m, err := transactionModel(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return toDomainTransaction(m)
}

func transactionModel(db *gorm.DB, id points.TransactionID) (*TransactionModel, error) {
	var m TransactionModel
	if err := db.Where("tx_id = ?", string(id)).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("transaction %s: %w", id, points.ErrTransactionNotFound)
		}
		return nil, mapError(err)
	}
	return &m, nil
}

// CorrectTransaction updates status, description and metadata only.
func (s *Store) CorrectTransaction(ctx context.Context, id points.TransactionID, c points.Correction, at time.Time) (*points.Transaction, error) {
	var out *points.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := transactionModel(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
		if err != nil {
			return err
		}
		t, err := toDomainTransaction(m)
		if err != nil {
			return err
		}
		if c.Status != nil {
			t.Status = *c.Status
		}
		if c.Description != nil {
			t.Description = *c.Description
		}
		for k, v := range c.Metadata {
			t.Metadata[k] = v
		}
		t.UpdatedAt = at

		updated, err := toTransactionModel(*t)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		err = tx.Model(&TransactionModel{}).Where("seq = ?", m.Seq).Updates(map[string]any{
			"status":        updated.Status,
			"description":   updated.Description,
			"metadata_json": updated.MetadataJSON,
			"updated_at":    updated.UpdatedAt,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to correct transaction: %w", mapError(err))
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// WALLET-LOCKED UNIT OF WORK
// =============================================================================

// WithWalletLock runs fn in one database transaction holding the wallet
// row FOR UPDATE. fn's error rolls everything back.
func (s *Store) WithWalletLock(ctx context.Context, userID points.UserID, fn func(points.LedgerTx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := walletByUser(tx.Clauses(clause.Locking{Strength: "UPDATE"}), userID)
		if err != nil {
			return err
		}
		return fn(&ledgerTx{db: tx, walletID: w.ID, userID: userID})
	})
	return mapError(err)
}

// ledgerTx is a points.LedgerTx bound to one locked wallet.
type ledgerTx struct {
	db       *gorm.DB
	walletID points.WalletID
	userID   points.UserID
}

func (t *ledgerTx) Wallet(ctx context.Context) (points.Wallet, error) {
	w, err := walletByUser(t.db.WithContext(ctx), t.userID)
	if err != nil {
		return points.Wallet{}, err
	}
	return *w, nil
}

func (t *ledgerTx) SaveWallet(ctx context.Context, w points.Wallet) error {
	if w.ID != t.walletID {
		return fmt.Errorf("wallet %s is not locked by this unit: %w", w.ID, points.ErrWalletNotFound)
	}
	m := toWalletModel(w)
	err := t.db.WithContext(ctx).Model(&WalletModel{}).Where("id = ?", m.ID).Updates(map[string]any{
		"balance":          m.Balance,
		"total_earned":     m.TotalEarned,
		"total_burned":     m.TotalBurned,
		"total_expired":    m.TotalExpired,
		"last_activity_at": m.LastActivityAt,
		"updated_at":       m.UpdatedAt,
		"deleted_at":       m.DeletedAt,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", mapError(err))
	}
	return nil
}

func (t *ledgerTx) EligibleBatches(ctx context.Context, asOf time.Time) ([]points.Batch, error) {
	return openBatches(t.db.WithContext(ctx), t.walletID, asOf, points.Batch.EligibleAt)
}

func (t *ledgerTx) OverdueBatches(ctx context.Context, asOf time.Time) ([]points.Batch, error) {
	return openBatches(t.db.WithContext(ctx), t.walletID, asOf, points.Batch.OverdueAt)
}

func (t *ledgerTx) GetBatch(ctx context.Context, id points.BatchID) (*points.Batch, error) {
	var m BatchModel
	if err := t.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("batch %s: %w", id, points.ErrBatchNotFound)
		}
		return nil, mapError(err)
	}
	b := toDomainBatch(&m)
	return &b, nil
}

func (t *ledgerTx) InsertBatch(ctx context.Context, b points.Batch) error {
	m := toBatchModel(b)
	if err := t.db.WithContext(ctx).Omit(clause.Associations).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to insert batch: %w", mapError(err))
	}
	return nil
}

func (t *ledgerTx) UpdateBatch(ctx context.Context, b points.Batch) error {
	m := toBatchModel(b)
	res := t.db.WithContext(ctx).Model(&BatchModel{}).
		Where("id = ? AND wallet_id = ?", m.ID, string(t.walletID)).
		Updates(map[string]any{
			"points":     m.Points,
			"is_expired": m.IsExpired,
			"updated_at": m.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update batch: %w", mapError(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("batch %s is not in the locked wallet: %w", b.ID, points.ErrBatchNotFound)
	}
	return nil
}

func (t *ledgerTx) AppendTransaction(ctx context.Context, rec points.Transaction) error {
	m, err := toTransactionModel(rec)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("transaction %s: %w", rec.ID, points.ErrDuplicateTransaction)
		}
		return fmt.Errorf("failed to append transaction: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

// mapError reports lock contention as points.ErrBusy. Errors that already
// carry a domain sentinel pass through untouched.
func mapError(err error) error {
	if err == nil || errors.Is(err, points.ErrBusy) {
		return err
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == mysqlLockWaitTimeout || me.Number == mysqlDeadlock) {
		return fmt.Errorf("%w: %v", points.ErrBusy, err)
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", points.ErrBusy, err)
	}
	return err
}
