/*
handlers.go - HTTP API handlers for the escrow engine

PURPOSE:
  Exposes the settlement service via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to settlement.

ENDPOINTS:
  Campaigns:
    POST   /api/campaigns                                  Create campaign (caller is creator)
    GET    /api/campaigns                                  List (?status, creator, asset, type)
    GET    /api/campaigns/{id}                             Campaign with derived status
    GET    /api/campaigns/{id}/donors                      Donors (?offset, limit)
    GET    /api/campaigns/{id}/contributions/{contributor} Contribution position
    GET    /api/campaigns/{id}/refund-eligibility          Can the caller refund now
    GET    /api/campaigns/{id}/events                      Emitted events

  Money movements (Idempotency-Key header):
    POST   /api/campaigns/{id}/deposits                    Deposit {"amount": "1000"}
    POST   /api/campaigns/{id}/withdrawals                 Creator withdraws
    POST   /api/campaigns/{id}/refunds                     Contributor refunds
    POST   /api/campaigns/{id}/closure                     Creator opens the reclaim window

  Admin:
    GET    /api/admin/commission                           Current rates
    PUT    /api/admin/commission                           Replace rates
    PUT    /api/admin/assets/{asset}                       Allow or disallow an asset
    POST   /api/admin/campaigns/{id}/suspend               Suspend a campaign
    POST   /api/admin/campaigns/{id}/resume                Resume a campaign
    POST   /api/admin/fees/sweep                           Push owed fees now
    GET    /api/admin/operations                           Operations (?status, fee_status, campaign_id)
    GET    /api/admin/operations/stuck                     Pending audit (?older_than=10m)

  Scenarios:
    GET    /api/scenarios                                  List demo scenarios
    POST   /api/scenarios/load                             Load a demo scenario
    POST   /api/scenarios/clock                            Advance the demo clock

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Caller is not the creator, contributor or an admin
  - 404: Campaign not found
  - 409: Illegal transition (reason in body), idempotency key reuse,
         operation in flight
  - 502: The payment rail refused a transfer
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Caller identity and rate limiting
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/escrow-engine/campaign"
	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/settlement"
)

const (
	defaultDonorLimit = 50
	maxDonorLimit     = 500
	maxBodyBytes      = 1 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for API handlers.
type Handler struct {
	Service *settlement.Service
	Logger  logrus.FieldLogger

	// Scenario support, nil unless EnableScenarios was called.
	scenarios       *ScenarioEnv
	currentScenario string
	scenarioMu      sync.Mutex
}

func NewHandler(svc *settlement.Service, logger logrus.FieldLogger) *Handler {
	return &Handler{Service: svc, Logger: logger}
}

// =============================================================================
// CAMPAIGN ENDPOINTS
// =============================================================================

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	goal, err := escrow.ParseAmount(req.Goal)
	if err != nil {
		h.fail(w, r, &escrow.ValidationError{Field: "goal", Message: "must be a whole number of base units"})
		return
	}

	created, err := h.Service.CreateCampaign(r.Context(), campaign.CreateInput{
		Creator:  CallerFrom(r.Context()),
		Asset:    escrow.AssetID(strings.TrimSpace(req.Asset)),
		Goal:     goal,
		Deadline: req.Deadline,
		Type:     escrow.CampaignType(req.Type),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	view, err := h.Service.Campaign(r.Context(), created.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCampaignDTO(view))
}

func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := parseStatus(q.Get("status"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter := escrow.CampaignFilter{
		Creator: escrow.Identity(q.Get("creator")),
		Asset:   escrow.AssetID(q.Get("asset")),
		Type:    escrow.CampaignType(q.Get("type")),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		h.fail(w, r, &escrow.ValidationError{Field: "type", Message: "must be fixed or flexible"})
		return
	}

	views, err := h.Service.ListCampaigns(r.Context(), filter, status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]CampaignDTO, len(views))
	for i, v := range views {
		dtos[i] = toCampaignDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.Service.Campaign(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignDTO(view))
}

// ListDonors returns contributors in first-deposit order.
func (h *Handler) ListDonors(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultDonorLimit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if limit > maxDonorLimit {
		limit = maxDonorLimit
	}

	donors, err := h.Service.Donors(r.Context(), id, offset, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]ContributionDTO, len(donors))
	for i, c := range donors {
		dtos[i] = toContributionDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetContribution(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	contributor := escrow.Identity(chi.URLParam(r, "contributor"))
	c, err := h.Service.Contribution(r.Context(), id, contributor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContributionDTO(c))
}

// RefundEligibility answers for ?contributor, defaulting to the caller.
func (h *Handler) RefundEligibility(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	contributor := escrow.Identity(r.URL.Query().Get("contributor"))
	if contributor == "" {
		contributor = CallerFrom(r.Context())
	}
	if contributor == "" {
		h.fail(w, r, &escrow.ValidationError{Field: "contributor", Message: "is required"})
		return
	}

	ok, reason, err := h.Service.CanRefund(r.Context(), id, contributor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RefundEligibilityDTO{
		CampaignID:  int64(id),
		Contributor: string(contributor),
		Eligible:    ok,
		Reason:      string(reason),
	})
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	evts, err := h.Service.Events(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]EventDTO, len(evts))
	for i, e := range evts {
		dtos[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MONEY MOVEMENT ENDPOINTS
// =============================================================================

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req DepositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := escrow.ParseAmount(req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	receipt, err := h.Service.Deposit(r.Context(), id, CallerFrom(r.Context()), amount, r.Header.Get(IdempotencyHeader))
	h.writeReceipt(w, r, receipt, err)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	receipt, err := h.Service.Withdraw(r.Context(), id, CallerFrom(r.Context()), r.Header.Get(IdempotencyHeader))
	h.writeReceipt(w, r, receipt, err)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	receipt, err := h.Service.Refund(r.Context(), id, CallerFrom(r.Context()), r.Header.Get(IdempotencyHeader))
	h.writeReceipt(w, r, receipt, err)
}

// writeReceipt answers 201 for a new movement and 200 for a replay.
func (h *Handler) writeReceipt(w http.ResponseWriter, r *http.Request, receipt settlement.Receipt, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toReceiptDTO(receipt))
}

func (h *Handler) InitiateClosure(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	deadline, err := h.Service.InitiateClosure(r.Context(), id, CallerFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClosureDTO{CampaignID: int64(id), ReclaimDeadline: deadline})
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) GetCommission(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Service.CommissionConfig(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionConfigDTO(cfg))
}

func (h *Handler) SetCommission(w http.ResponseWriter, r *http.Request) {
	var req CommissionConfigDTO
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	cfg := escrow.CommissionConfig{
		DonationBps: req.DonationBps,
		SuccessBps:  req.SuccessBps,
		RefundBps:   req.RefundBps,
		Sink:        escrow.Identity(strings.TrimSpace(req.Sink)),
	}
	if err := h.Service.SetCommissionConfig(r.Context(), CallerFrom(r.Context()), cfg); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionConfigDTO(cfg))
}

func (h *Handler) SetAsset(w http.ResponseWriter, r *http.Request) {
	var req AssetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	asset := escrow.AssetID(chi.URLParam(r, "asset"))
	if err := h.Service.SetAssetAllowed(r.Context(), CallerFrom(r.Context()), asset, req.Allowed); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": asset, "allowed": req.Allowed})
}

func (h *Handler) SuspendCampaign(w http.ResponseWriter, r *http.Request) {
	h.changeSuspension(w, r, h.Service.Suspend)
}

func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.changeSuspension(w, r, h.Service.Resume)
}

func (h *Handler) changeSuspension(w http.ResponseWriter, r *http.Request, change func(context.Context, escrow.Identity, escrow.CampaignID) error) {
	id, err := campaignID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := change(r.Context(), CallerFrom(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.Service.Campaign(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignDTO(view))
}

func (h *Handler) SweepFees(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Authorize(CallerFrom(r.Context()), "sweep fees"); err != nil {
		h.fail(w, r, err)
		return
	}
	paid, err := h.Service.SweepFees(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{Paid: paid})
}

func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Authorize(CallerFrom(r.Context()), "list operations"); err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := escrow.OperationFilter{
		Status:    escrow.OperationStatus(q.Get("status")),
		FeeStatus: escrow.FeeStatus(q.Get("fee_status")),
	}
	if raw := q.Get("campaign_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.fail(w, r, &escrow.ValidationError{Field: "campaign_id", Message: "must be an integer"})
			return
		}
		filter.CampaignID = escrow.CampaignID(n)
	}

	ops, err := h.Service.Operations(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTOs(ops))
}

// ListStuckOperations runs the pending-operation audit on demand.
func (h *Handler) ListStuckOperations(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Authorize(CallerFrom(r.Context()), "audit operations"); err != nil {
		h.fail(w, r, err)
		return
	}
	olderThan := 10 * time.Minute
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			h.fail(w, r, &escrow.ValidationError{Field: "older_than", Message: "must be a non-negative duration"})
			return
		}
		olderThan = d
	}

	ops, err := h.Service.AuditPending(r.Context(), olderThan)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTOs(ops))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps an engine error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.Logger.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		}).WithError(err).Error("request failed")
		writeError(w, status, "Internal error", nil)
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	if reason, ok := escrow.StateReasonOf(err); ok {
		resp.Reason = string(reason)
	}
	var tf *escrow.TransferFailure
	if errors.As(err, &tf) {
		resp.Details = map[string]string{"leg": string(tf.Leg), "party": string(tf.Party)}
	}
	writeJSON(w, status, resp)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, escrow.ErrValidation):
		return http.StatusBadRequest
	case escrow.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrState),
		errors.Is(err, escrow.ErrIdempotencyConflict),
		errors.Is(err, escrow.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &escrow.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

func campaignID(r *http.Request) (escrow.CampaignID, error) {
	n, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || n <= 0 {
		return 0, &escrow.ValidationError{Field: "campaign id", Message: "must be a positive integer"}
	}
	return escrow.CampaignID(n), nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &escrow.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

var knownStatuses = map[escrow.Status]bool{
	escrow.StatusActive:         true,
	escrow.StatusSuccessful:     true,
	escrow.StatusFailed:         true,
	escrow.StatusClosurePending: true,
	escrow.StatusSettled:        true,
	escrow.StatusSuspended:      true,
}

func parseStatus(raw string) (escrow.Status, error) {
	if raw == "" {
		return "", nil
	}
	s := escrow.Status(raw)
	if !knownStatuses[s] {
		return "", &escrow.ValidationError{Field: "status", Message: "unknown status " + strconv.Quote(raw)}
	}
	return s, nil
}

func toOperationDTOs(ops []escrow.Operation) []OperationDTO {
	dtos := make([]OperationDTO, len(ops))
	for i, op := range ops {
		dtos[i] = toOperationDTO(op)
	}
	return dtos
}
