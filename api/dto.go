/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  points domain types so the ledger can evolve without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DECIMALS:
  Points and money travel as JSON strings ("12.50"). Requests also accept
  plain numbers.

VALIDATION:
  Request types carry go-playground/validator tags, checked in the handler
  before the engine is called. Quantity rules (positive, two places) are
  the engine's and surface as 400 from there.

SEE ALSO:
  - handlers.go: Uses these types
  - catalog/factory.go: RuleJSON, reused as the rule DTO
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/catalog"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

// =============================================================================
// REQUESTS
// =============================================================================

type OpenWalletRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
}

type EarnRequest struct {
	UserID      string            `json:"user_id" validate:"required,max=64"`
	ServiceID   string            `json:"service_id" validate:"required,max=64"`
	Amount      decimal.Decimal   `json:"amount"`
	Description string            `json:"description,omitempty" validate:"max=500"`
	Metadata    map[string]string `json:"metadata,omitempty" validate:"max=32"`
}

type BurnRequest struct {
	UserID      string            `json:"user_id" validate:"required,max=64"`
	ServiceID   string            `json:"service_id" validate:"required,max=64"`
	Points      decimal.Decimal   `json:"points"`
	Description string            `json:"description,omitempty" validate:"max=500"`
	Metadata    map[string]string `json:"metadata,omitempty" validate:"max=32"`
}

type CorrectionRequest struct {
	Status      *string           `json:"status,omitempty" validate:"omitempty,oneof=PENDING COMPLETED FAILED REVERSED"`
	Description *string           `json:"description,omitempty" validate:"omitempty,max=500"`
	Metadata    map[string]string `json:"metadata,omitempty" validate:"max=32"`
	CorrectedBy string            `json:"corrected_by,omitempty" validate:"max=64"`
}

type CreateServiceRequest struct {
	ID          string `json:"id" validate:"required,max=64"`
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description,omitempty"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

type UpdateServiceRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type WalletDTO struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Balance        string     `json:"balance"`
	TotalEarned    string     `json:"total_earned"`
	TotalBurned    string     `json:"total_burned"`
	TotalExpired   string     `json:"total_expired"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type BalanceDTO struct {
	UserID           string     `json:"user_id"`
	WalletID         string     `json:"wallet_id"`
	Balance          string     `json:"balance"`
	TotalEarned      string     `json:"total_earned"`
	TotalBurned      string     `json:"total_burned"`
	TotalExpired     string     `json:"total_expired"`
	ActiveBatches    int        `json:"active_batches"`
	NextExpiry       *time.Time `json:"next_expiry,omitempty"`
	NextExpiryPoints string     `json:"next_expiry_points"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
	AsOf             time.Time  `json:"as_of"`
}

type BatchDTO struct {
	ID             string     `json:"id"`
	TransactionID  string     `json:"transaction_id"`
	ServiceID      string     `json:"service_id"`
	Points         string     `json:"points"`
	OriginalPoints string     `json:"original_points"`
	EarnedAt       time.Time  `json:"earned_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type ExpiringDTO struct {
	UserID  string     `json:"user_id"`
	Days    int        `json:"days"`
	Until   time.Time  `json:"until"`
	Total   string     `json:"total"`
	Batches []BatchDTO `json:"batches"`
}

type TransactionDTO struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	WalletID      string            `json:"wallet_id"`
	ServiceID     string            `json:"service_id,omitempty"`
	RuleID        string            `json:"rule_id,omitempty"`
	BatchID       string            `json:"batch_id,omitempty"`
	Type          string            `json:"type"`
	Amount        *string           `json:"amount,omitempty"`
	Points        string            `json:"points"`
	BalanceBefore string            `json:"balance_before"`
	BalanceAfter  string            `json:"balance_after"`
	Status        string            `json:"status"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type VerificationDTO struct {
	UserID            string    `json:"user_id"`
	WalletID          string    `json:"wallet_id"`
	Balance           string    `json:"balance"`
	BatchTotal        string    `json:"batch_total"`
	ConservationDrift string    `json:"conservation_drift"`
	BatchDrift        string    `json:"batch_drift"`
	Healthy           bool      `json:"healthy"`
	CheckedAt         time.Time `json:"checked_at"`
}

type ServiceDTO struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type RuleResultDTO struct {
	Rule     catalog.RuleJSON `json:"rule"`
	Warnings []string         `json:"warnings,omitempty"`
}

type SweepRunDTO struct {
	ID             string     `json:"id"`
	Trigger        string     `json:"trigger"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	WalletsScanned int        `json:"wallets_scanned"`
	WalletsFailed  int        `json:"wallets_failed"`
	BatchesExpired int        `json:"batches_expired"`
	PointsExpired  string     `json:"points_expired"`
	Errors         []string   `json:"errors,omitempty"`
}

type HealthDTO struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	State   string            `json:"state,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func pts(d decimal.Decimal) string { return d.StringFixed(points.Scale) }

func toWalletDTO(w points.Wallet) WalletDTO {
	return WalletDTO{
		ID:             string(w.ID),
		UserID:         string(w.UserID),
		Balance:        pts(w.Balance),
		TotalEarned:    pts(w.TotalEarned),
		TotalBurned:    pts(w.TotalBurned),
		TotalExpired:   pts(w.TotalExpired),
		LastActivityAt: w.LastActivityAt,
		CreatedAt:      w.CreatedAt,
	}
}

func toBalanceDTO(s points.WalletSummary) BalanceDTO {
	return BalanceDTO{
		UserID:           string(s.UserID),
		WalletID:         string(s.WalletID),
		Balance:          pts(s.Balance),
		TotalEarned:      pts(s.TotalEarned),
		TotalBurned:      pts(s.TotalBurned),
		TotalExpired:     pts(s.TotalExpired),
		ActiveBatches:    s.ActiveBatches,
		NextExpiry:       s.NextExpiry,
		NextExpiryPoints: pts(s.NextExpiryPoints),
		LastActivityAt:   s.LastActivityAt,
		AsOf:             s.AsOf,
	}
}

func toBatchDTOs(batches []points.Batch) []BatchDTO {
	out := make([]BatchDTO, len(batches))
	for i, b := range batches {
		out[i] = BatchDTO{
			ID:             string(b.ID),
			TransactionID:  string(b.TransactionID),
			ServiceID:      string(b.ServiceID),
			Points:         pts(b.Points),
			OriginalPoints: pts(b.OriginalPoints),
			EarnedAt:       b.EarnedAt,
			ExpiresAt:      b.ExpiresAt,
		}
	}
	return out
}

func toTransactionDTO(t points.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            string(t.ID),
		UserID:        string(t.UserID),
		WalletID:      string(t.WalletID),
		ServiceID:     string(t.ServiceID),
		RuleID:        string(t.RuleID),
		BatchID:       string(t.BatchID),
		Type:          string(t.Type),
		Points:        pts(t.Points),
		BalanceBefore: pts(t.BalanceBefore),
		BalanceAfter:  pts(t.BalanceAfter),
		Status:        string(t.Status),
		Description:   t.Description,
		Metadata:      t.Metadata,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.Amount != nil {
		a := pts(*t.Amount)
		dto.Amount = &a
	}
	return dto
}

func toTransactionDTOs(txs []points.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		out[i] = toTransactionDTO(t)
	}
	return out
}

func toVerificationDTO(v points.Verification) VerificationDTO {
	return VerificationDTO{
		UserID:            string(v.UserID),
		WalletID:          string(v.WalletID),
		Balance:           pts(v.Balance),
		BatchTotal:        pts(v.BatchTotal),
		ConservationDrift: pts(v.ConservationDrift),
		BatchDrift:        pts(v.BatchDrift),
		Healthy:           v.Healthy,
		CheckedAt:         v.CheckedAt,
	}
}

func toServiceDTO(s points.Service) ServiceDTO {
	return ServiceDTO{
		ID:          string(s.ID),
		Name:        s.Name,
		Description: s.Description,
		IsActive:    s.IsActive,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func toSweepRunDTO(run SweepRun) SweepRunDTO {
	return SweepRunDTO{
		ID:             run.ID,
		Trigger:        run.Trigger,
		Status:         run.Status,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
		WalletsScanned: run.Result.WalletsScanned,
		WalletsFailed:  run.Result.WalletsFailed,
		BatchesExpired: run.Result.BatchesExpired,
		PointsExpired:  pts(run.Result.PointsExpired),
		Errors:         run.Errors,
	}
}
