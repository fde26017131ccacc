package gormstore

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

// =============================================================================
// MODELS
// =============================================================================

// Timestamps are domain values, so GORM's auto time tracking is off.

type ServiceModel struct {
	ID          string     `gorm:"primaryKey;size:64"`
	Name        string     `gorm:"size:255;not null"`
	Description string     `gorm:"type:text"`
	IsActive    bool       `gorm:"not null;default:true"`
	CreatedAt   time.Time  `gorm:"autoCreateTime:false"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime:false"`
	DeletedAt   *time.Time `gorm:"index"`
}

func (ServiceModel) TableName() string { return "services" }

type RuleModel struct {
	ID            string              `gorm:"primaryKey;size:64"`
	ServiceID     string              `gorm:"size:64;not null;index:idx_rules_service_type"`
	Service       ServiceModel        `gorm:"foreignKey:ServiceID;constraint:OnDelete:RESTRICT"`
	RuleType      string              `gorm:"size:8;not null;index:idx_rules_service_type"`
	PointsPerUnit decimal.Decimal     `gorm:"type:decimal(20,4);not null"`
	UnitAmount    decimal.Decimal     `gorm:"type:decimal(20,4);not null"`
	MinAmount     decimal.NullDecimal `gorm:"type:decimal(20,2)"`
	MaxPoints     decimal.NullDecimal `gorm:"type:decimal(20,2)"`
	ExpiryDays    *int
	ValidFrom     time.Time  `gorm:"not null"`
	ValidUntil    *time.Time
	IsActive      bool       `gorm:"not null;default:true"`
	CreatedAt     time.Time  `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime:false"`
	DeletedAt     *time.Time `gorm:"index"`
}

func (RuleModel) TableName() string { return "rules" }

type WalletModel struct {
	ID             string          `gorm:"primaryKey;size:64"`
	UserID         string          `gorm:"size:64;not null;uniqueIndex"`
	Balance        decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	TotalEarned    decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	TotalBurned    decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	TotalExpired   decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	LastActivityAt *time.Time
	CreatedAt      time.Time  `gorm:"autoCreateTime:false"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime:false"`
	DeletedAt      *time.Time `gorm:"index"`
}

func (WalletModel) TableName() string { return "wallets" }

type BatchModel struct {
	ID             string          `gorm:"primaryKey;size:64"`
	WalletID       string          `gorm:"size:64;not null;index:idx_batches_wallet_open"`
	Wallet         WalletModel     `gorm:"foreignKey:WalletID;constraint:OnDelete:RESTRICT"`
	TransactionID  string          `gorm:"size:64;not null"`
	ServiceID      string          `gorm:"size:64;not null"`
	Points         decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	OriginalPoints decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	EarnedAt       time.Time       `gorm:"not null"`
	ExpiresAt      *time.Time      `gorm:"index:idx_batches_wallet_open"`
	IsExpired      bool            `gorm:"not null;default:false;index:idx_batches_wallet_open"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime:false"`
}

func (BatchModel) TableName() string { return "batches" }

type TransactionModel struct {
	Seq           uint64              `gorm:"primaryKey;autoIncrement"`
	ID            string              `gorm:"column:tx_id;size:64;not null;uniqueIndex"`
	UserID        string              `gorm:"size:64;not null;index:idx_transactions_user"`
	WalletID      string              `gorm:"size:64;not null"`
	ServiceID     string              `gorm:"size:64"`
	RuleID        string              `gorm:"size:64"`
	BatchID       string              `gorm:"size:64"`
	Type          string              `gorm:"column:tx_type;size:16;not null"`
	Amount        decimal.NullDecimal `gorm:"type:decimal(20,2)"`
	Points        decimal.Decimal     `gorm:"type:decimal(20,2);not null"`
	BalanceBefore decimal.Decimal     `gorm:"type:decimal(20,2);not null"`
	BalanceAfter  decimal.Decimal     `gorm:"type:decimal(20,2);not null"`
	Status        string              `gorm:"size:16;not null"`
	Description   string              `gorm:"type:text"`
	MetadataJSON  string              `gorm:"column:metadata_json;type:text"`
	CreatedAt     time.Time           `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime:false"`
}

func (TransactionModel) TableName() string { return "transactions" }

// AllModels lists every table for AutoMigrate.
func AllModels() []any {
	return []any{&ServiceModel{}, &RuleModel{}, &WalletModel{}, &BatchModel{}, &TransactionModel{}}
}

// =============================================================================
// MAPPERS
// =============================================================================

func toServiceModel(s points.Service) ServiceModel {
	return ServiceModel{
		ID:          string(s.ID),
		Name:        s.Name,
		Description: s.Description,
		IsActive:    s.IsActive,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		DeletedAt:   s.DeletedAt,
	}
}

func toDomainService(m *ServiceModel) *points.Service {
	return &points.Service{
		ID:          points.ServiceID(m.ID),
		Name:        m.Name,
		Description: m.Description,
		IsActive:    m.IsActive,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
		DeletedAt:   utcPtr(m.DeletedAt),
	}
}

func toRuleModel(r points.Rule) RuleModel {
	return RuleModel{
		ID:            string(r.ID),
		ServiceID:     string(r.ServiceID),
		RuleType:      string(r.Type),
		PointsPerUnit: r.PointsPerUnit,
		UnitAmount:    r.UnitAmount,
		MinAmount:     nullDecimal(r.MinAmount),
		MaxPoints:     nullDecimal(r.MaxPoints),
		ExpiryDays:    r.ExpiryDays,
		ValidFrom:     r.ValidFrom,
		ValidUntil:    r.ValidUntil,
		IsActive:      r.IsActive,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		DeletedAt:     r.DeletedAt,
	}
}

func toDomainRule(m *RuleModel) *points.Rule {
	return &points.Rule{
		ID:            points.RuleID(m.ID),
		ServiceID:     points.ServiceID(m.ServiceID),
		Type:          points.RuleType(m.RuleType),
		PointsPerUnit: m.PointsPerUnit,
		UnitAmount:    m.UnitAmount,
		MinAmount:     decimalPtr(m.MinAmount),
		MaxPoints:     decimalPtr(m.MaxPoints),
		ExpiryDays:    m.ExpiryDays,
		ValidFrom:     m.ValidFrom.UTC(),
		ValidUntil:    utcPtr(m.ValidUntil),
		IsActive:      m.IsActive,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
		DeletedAt:     utcPtr(m.DeletedAt),
	}
}

func toWalletModel(w points.Wallet) WalletModel {
	return WalletModel{
		ID:             string(w.ID),
		UserID:         string(w.UserID),
		Balance:        w.Balance,
		TotalEarned:    w.TotalEarned,
		TotalBurned:    w.TotalBurned,
		TotalExpired:   w.TotalExpired,
		LastActivityAt: w.LastActivityAt,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
		DeletedAt:      w.DeletedAt,
	}
}

func toDomainWallet(m *WalletModel) *points.Wallet {
	return &points.Wallet{
		ID:             points.WalletID(m.ID),
		UserID:         points.UserID(m.UserID),
		Balance:        m.Balance,
		TotalEarned:    m.TotalEarned,
		TotalBurned:    m.TotalBurned,
		TotalExpired:   m.TotalExpired,
		LastActivityAt: utcPtr(m.LastActivityAt),
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
		DeletedAt:      utcPtr(m.DeletedAt),
	}
}

func toBatchModel(b points.Batch) BatchModel {
	return BatchModel{
		ID:             string(b.ID),
		WalletID:       string(b.WalletID),
		TransactionID:  string(b.TransactionID),
		ServiceID:      string(b.ServiceID),
		Points:         b.Points,
		OriginalPoints: b.OriginalPoints,
		EarnedAt:       b.EarnedAt,
		ExpiresAt:      b.ExpiresAt,
		IsExpired:      b.IsExpired,
		UpdatedAt:      b.UpdatedAt,
	}
}

func toDomainBatch(m *BatchModel) points.Batch {
	return points.Batch{
		ID:             points.BatchID(m.ID),
		WalletID:       points.WalletID(m.WalletID),
		TransactionID:  points.TransactionID(m.TransactionID),
		ServiceID:      points.ServiceID(m.ServiceID),
		Points:         m.Points,
		OriginalPoints: m.OriginalPoints,
		EarnedAt:       m.EarnedAt.UTC(),
		ExpiresAt:      utcPtr(m.ExpiresAt),
		IsExpired:      m.IsExpired,
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

func toTransactionModel(t points.Transaction) (TransactionModel, error) {
	md, err := json.Marshal(t.Metadata)
	if err != nil {
		return TransactionModel{}, err
	}
	return TransactionModel{
		ID:            string(t.ID),
		UserID:        string(t.UserID),
		WalletID:      string(t.WalletID),
		ServiceID:     string(t.ServiceID),
		RuleID:        string(t.RuleID),
		BatchID:       string(t.BatchID),
		Type:          string(t.Type),
		Amount:        nullDecimal(t.Amount),
		Points:        t.Points,
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
		Status:        string(t.Status),
		Description:   t.Description,
		MetadataJSON:  string(md),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}, nil
}

func toDomainTransaction(m *TransactionModel) (*points.Transaction, error) {
	t := &points.Transaction{
		ID:            points.TransactionID(m.ID),
		UserID:        points.UserID(m.UserID),
		WalletID:      points.WalletID(m.WalletID),
		ServiceID:     points.ServiceID(m.ServiceID),
		RuleID:        points.RuleID(m.RuleID),
		BatchID:       points.BatchID(m.BatchID),
		Type:          points.TransactionType(m.Type),
		Amount:        decimalPtr(m.Amount),
		Points:        m.Points,
		BalanceBefore: m.BalanceBefore,
		BalanceAfter:  m.BalanceAfter,
		Status:        points.TransactionStatus(m.Status),
		Description:   m.Description,
		Metadata:      map[string]string{},
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
	if m.MetadataJSON != "" && m.MetadataJSON != "null" {
		if err := json.Unmarshal([]byte(m.MetadataJSON), &t.Metadata); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
