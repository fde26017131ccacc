/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the ledger engine and the service/rule catalog via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Wallets:
    POST   /api/wallets                         Open a wallet
    DELETE /api/wallets/{userID}                Retire a wallet
    GET    /api/wallets/{userID}/balance        Balance summary
    GET    /api/wallets/{userID}/batches        Active batches, FIFO order
    GET    /api/wallets/{userID}/expiring?days= Points expiring in a window
    GET    /api/wallets/{userID}/transactions   History (?type=&limit=)
    GET    /api/wallets/{userID}/verify         Conservation check

  Points:
    POST   /api/points/earn                     Earn from a purchase amount
    POST   /api/points/burn                     Redeem points

  Transactions:
    GET    /api/transactions/{id}               Get one transaction
    PATCH  /api/transactions/{id}               Correct status/description/metadata

  Services:
    GET    /api/services                        List services
    POST   /api/services                        Create service
    GET    /api/services/{id}                   Get service
    PATCH  /api/services/{id}                   Update service
    DELETE /api/services/{id}                   Soft delete
    POST   /api/services/{id}/activate
    POST   /api/services/{id}/deactivate
    GET    /api/services/{id}/rules             List rules (?type=)
    POST   /api/services/{id}/rules             Add rule
    GET    /api/services/{id}/rules/active      Rule in force (?type=EARN)

  Rules:
    GET    /api/rules/{id}
    POST   /api/rules/{id}/deactivate
    DELETE /api/rules/{id}

  Admin:
    POST   /api/admin/sweep                     Run the expiry sweep now
    GET    /api/admin/sweep/runs                Recent sweep runs

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: Earn/burn/expiry and wallet reads
  - Catalog: Services and rules
  - Scheduler: Expiry sweep runs
  - Factory: Rule JSON to domain conversion

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (go-playground/validator)
  3. Call domain logic
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input or rule
  - 404: Resource not found
  - 409: Conflict (wallet or service exists)
  - 422: Business rejection (insufficient balance, inactive service,
         below minimum amount)
  - 503: Wallet busy, retry
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/catalog"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Engine    *points.Engine
	Catalog   *catalog.Catalog
	Scheduler *ExpiryScheduler
	Factory   *catalog.Factory
	Checks    map[string]Pinger

	validate *validator.Validate
	log      zerolog.Logger
}

func NewHandler(engine *points.Engine, cat *catalog.Catalog, scheduler *ExpiryScheduler, logger zerolog.Logger) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Engine:    engine,
		Catalog:   cat,
		Scheduler: scheduler,
		Factory:   catalog.NewFactory(),
		Checks:    map[string]Pinger{},
		validate:  v,
		log:       logger.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// WALLET ENDPOINTS
// =============================================================================

func (h *Handler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	var req OpenWalletRequest
	if !h.decode(w, r, &req) {
		return
	}
	wallet, err := h.Engine.OpenWallet(r.Context(), points.UserID(req.UserID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(*wallet))
}

func (h *Handler) RetireWallet(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.RetireWallet(r.Context(), userParam(r)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Engine.GetBalance(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*summary))
}

func (h *Handler) GetBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Engine.GetActiveBatches(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTOs(batches))
}

func (h *Handler) GetExpiring(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", 30)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid days", err)
		return
	}
	user := userParam(r)
	exp, err := h.Engine.GetExpiringWithin(r.Context(), user, days)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpiringDTO{
		UserID:  string(user),
		Days:    exp.Days,
		Until:   exp.Until,
		Total:   pts(exp.Total),
		Batches: toBatchDTOs(exp.Batches),
	})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	filter := points.TransactionFilter{
		UserID: userParam(r),
		Type:   points.TransactionType(strings.ToUpper(r.URL.Query().Get("type"))),
		Limit:  limit,
	}
	switch filter.Type {
	case "", points.TxEarn, points.TxBurn, points.TxExpired, points.TxAdjustment:
	default:
		writeError(w, http.StatusBadRequest, "invalid type", fmt.Errorf("unknown transaction type %q", filter.Type))
		return
	}

	// A retired or unknown user is a 404, not an empty page.
	if _, err := h.Engine.GetWallet(r.Context(), filter.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	txs, err := h.Engine.ListTransactions(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) VerifyWallet(w http.ResponseWriter, r *http.Request) {
	v, err := h.Engine.VerifyWallet(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerificationDTO(*v))
}

// =============================================================================
// POINTS ENDPOINTS
// =============================================================================

func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.Engine.Earn(r.Context(), points.EarnRequest{
		UserID:      points.UserID(req.UserID),
		ServiceID:   points.ServiceID(req.ServiceID),
		Amount:      req.Amount,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

func (h *Handler) Burn(w http.ResponseWriter, r *http.Request) {
	var req BurnRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.Engine.Burn(r.Context(), points.BurnRequest{
		UserID:      points.UserID(req.UserID),
		ServiceID:   points.ServiceID(req.ServiceID),
		Points:      req.Points,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Engine.GetTransaction(r.Context(), points.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

func (h *Handler) CorrectTransaction(w http.ResponseWriter, r *http.Request) {
	var req CorrectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	c := points.Correction{
		Description: req.Description,
		Metadata:    req.Metadata,
		CorrectedBy: req.CorrectedBy,
	}
	if req.Status != nil {
		st := points.TransactionStatus(*req.Status)
		c.Status = &st
	}
	tx, err := h.Engine.CorrectTransaction(r.Context(), points.TransactionID(chi.URLParam(r, "id")), c)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// =============================================================================
// SERVICE ENDPOINTS
// =============================================================================

func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.Catalog.ListServices(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]ServiceDTO, len(services))
	for i, s := range services {
		out[i] = toServiceDTO(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateService(w http.ResponseWriter, r *http.Request) {
	var req CreateServiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	svc, err := h.Catalog.CreateService(r.Context(), points.Service{
		ID:          points.ServiceID(req.ID),
		Name:        req.Name,
		Description: req.Description,
		IsActive:    active,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toServiceDTO(*svc))
}

func (h *Handler) GetService(w http.ResponseWriter, r *http.Request) {
	svc, err := h.Catalog.GetService(r.Context(), serviceParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDTO(*svc))
}

func (h *Handler) UpdateService(w http.ResponseWriter, r *http.Request) {
	var req UpdateServiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	svc, err := h.Catalog.UpdateService(r.Context(), serviceParam(r), catalog.ServiceUpdate{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDTO(*svc))
}

func (h *Handler) ActivateService(w http.ResponseWriter, r *http.Request) {
	svc, err := h.Catalog.ActivateService(r.Context(), serviceParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDTO(*svc))
}

func (h *Handler) DeactivateService(w http.ResponseWriter, r *http.Request) {
	svc, err := h.Catalog.DeactivateService(r.Context(), serviceParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDTO(*svc))
}

func (h *Handler) DeleteService(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.DeleteService(r.Context(), serviceParam(r)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RULE ENDPOINTS
// =============================================================================

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ruleType := points.RuleType(strings.ToUpper(r.URL.Query().Get("type")))
	rules, err := h.Catalog.ListRules(r.Context(), serviceParam(r), ruleType)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]catalog.RuleJSON, len(rules))
	for i, rule := range rules {
		out[i] = h.Factory.ToJSON(rule)
	}
	writeJSON(w, http.StatusOK, out)
}

// AddRule takes the service from the path; a service_id in the body must
// agree with it.
func (h *Handler) AddRule(w http.ResponseWriter, r *http.Request) {
	var rj catalog.RuleJSON
	if err := json.NewDecoder(r.Body).Decode(&rj); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return
	}
	svc := serviceParam(r)
	if rj.ServiceID != "" && rj.ServiceID != string(svc) {
		writeError(w, http.StatusBadRequest, "service_id does not match path",
			fmt.Errorf("body %q, path %q", rj.ServiceID, svc))
		return
	}
	rj.ServiceID = string(svc)

	rule, err := h.Factory.FromJSON(rj)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	res, err := h.Catalog.AddRule(r.Context(), *rule)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RuleResultDTO{Rule: h.Factory.ToJSON(res.Rule), Warnings: res.Warnings})
}

func (h *Handler) ActiveRule(w http.ResponseWriter, r *http.Request) {
	ruleType := points.RuleType(strings.ToUpper(r.URL.Query().Get("type")))
	if ruleType == "" {
		ruleType = points.RuleEarn
	}
	if !ruleType.Valid() {
		writeError(w, http.StatusBadRequest, "invalid type", fmt.Errorf("unknown rule type %q", ruleType))
		return
	}
	rule, err := h.Catalog.ActiveRule(r.Context(), serviceParam(r), ruleType)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(rule))
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Catalog.GetRule(r.Context(), points.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(*rule))
}

func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Catalog.DeactivateRule(r.Context(), points.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(*rule))
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.DeleteRule(r.Context(), points.RuleID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// TriggerSweep runs the expiry sweep synchronously. Per-wallet failures
// come back in the run record with status "partial".
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	run := h.Scheduler.RunNow(r.Context())
	status := http.StatusOK
	if run.Status == RunFailed {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, toSweepRunDTO(run))
}

func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.Scheduler.Runs()
	out := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		out[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthDTO{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK
	for name, p := range h.Checks {
		if err := p.Ping(r.Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func userParam(r *http.Request) points.UserID {
	return points.UserID(chi.URLParam(r, "userID"))
}

func serviceParam(r *http.Request) points.ServiceID {
	return points.ServiceID(chi.URLParam(r, "id"))
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fieldMessage(fe)
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:  "validation failed",
				Code:   "validation_failed",
				Fields: fields,
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return "failed " + fe.Tag()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: codeFor(status)}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger and catalog errors to a status code.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: code, Code: code, Details: err.Error()}

	var opErr *points.OperationError
	if errors.As(err, &opErr) {
		resp.State = string(opErr.State)
	}

	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case http.StatusInternalServerError:
		h.log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		resp.Details = "internal error"
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, points.ErrWalletNotFound):
		return http.StatusNotFound, "wallet_not_found"
	case errors.Is(err, points.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found"
	case errors.Is(err, points.ErrRuleNotFound):
		return http.StatusNotFound, "rule_not_found"
	case errors.Is(err, points.ErrTransactionNotFound):
		return http.StatusNotFound, "transaction_not_found"
	case points.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, points.ErrWalletExists):
		return http.StatusConflict, "wallet_exists"
	case errors.Is(err, catalog.ErrServiceExists):
		return http.StatusConflict, "service_exists"
	case errors.Is(err, points.ErrDuplicateTransaction):
		return http.StatusConflict, "duplicate_transaction"
	case errors.Is(err, points.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, points.ErrServiceInactive):
		return http.StatusUnprocessableEntity, "service_inactive"
	case errors.Is(err, points.ErrBelowMinimumAmount):
		return http.StatusUnprocessableEntity, "below_minimum_amount"
	case errors.Is(err, points.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, points.ErrInvalidRule):
		return http.StatusBadRequest, "invalid_rule"
	case errors.Is(err, points.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case points.IsRetryable(err):
		return http.StatusServiceUnavailable, "busy"
	}
	return http.StatusInternalServerError, "internal_error"
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	}
	return strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
}
