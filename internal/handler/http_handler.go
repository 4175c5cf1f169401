package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/service"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/workflow"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	approvals *service.ApprovalService
	budgets   *service.BudgetService
	configs   *service.ConfigService
	log       zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(approvals *service.ApprovalService, budgets *service.BudgetService, configs *service.ConfigService, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		approvals: approvals,
		budgets:   budgets,
		configs:   configs,
		log:       log,
	}
}

// ── Approval requests ─────────────────────────────────────────────────────────

// SubmitForApproval handles submit-for-approval HTTP requests
func (h *HTTPHandler) SubmitForApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ar, err := h.approvals.SubmitForApproval(r.Context(), &req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, ar)
}

// CastVote handles vote HTTP requests
func (h *HTTPHandler) CastVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.RequestID == "" || req.VoterID == "" {
		http.Error(w, "request_id and voter_id are required", http.StatusBadRequest)
		return
	}

	result, err := h.approvals.CastVote(r.Context(), &req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// CancelRequest handles cancel HTTP requests
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RequestID string `json:"request_id"`
		ActorID   string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.RequestID == "" {
		http.Error(w, "request_id is required", http.StatusBadRequest)
		return
	}

	ar, err := h.approvals.Cancel(r.Context(), req.RequestID, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ar)
}

// GetRequest handles get approval request HTTP requests
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.URL.Query().Get("id")
	if requestID == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	ar, err := h.approvals.GetRequest(r.Context(), requestID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ar)
}

// GetByDocument handles get-by-document HTTP requests
func (h *HTTPHandler) GetByDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	documentID := r.URL.Query().Get("document_id")
	if tenantID == "" || documentID == "" {
		http.Error(w, "Tenant ID and Document ID are required", http.StatusBadRequest)
		return
	}

	ar, err := h.approvals.GetByDocument(r.Context(), tenantID, documentID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ar)
}

// PendingApprovals handles pending-approvals HTTP requests
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	userID := r.URL.Query().Get("user_id")
	if tenantID == "" || userID == "" {
		http.Error(w, "Tenant ID and User ID are required", http.StatusBadRequest)
		return
	}

	requests, err := h.approvals.PendingForUser(r.Context(), tenantID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"total":    len(requests),
	})
}

// ApprovalHistory handles approval-history HTTP requests
func (h *HTTPHandler) ApprovalHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	documentID := r.URL.Query().Get("document_id")
	if tenantID == "" || documentID == "" {
		http.Error(w, "Tenant ID and Document ID are required", http.StatusBadRequest)
		return
	}

	entries, err := h.approvals.History(r.Context(), tenantID, documentID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// ResolveWorkflow handles workflow resolution preview HTTP requests
func (h *HTTPHandler) ResolveWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var doc workflow.DocumentContext
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if doc.TenantID == "" || doc.EntityType == "" {
		http.Error(w, "tenant_id and entity_type are required", http.StatusBadRequest)
		return
	}

	cfg, err := h.approvals.ResolveWorkflow(r.Context(), doc)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"matched": cfg != nil,
		"config":  cfg,
	})
}

// ── Budgets ───────────────────────────────────────────────────────────────────

// CreateBudget handles create budget HTTP requests
func (h *HTTPHandler) CreateBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.CreateBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	b, err := h.budgets.CreateBudget(r.Context(), &req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, b)
}

// GetBudget handles get budget HTTP requests
func (h *HTTPHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	budgetID := r.URL.Query().Get("id")
	if budgetID == "" {
		http.Error(w, "Budget ID is required", http.StatusBadRequest)
		return
	}

	b, err := h.budgets.GetBudget(r.Context(), budgetID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"budget":      b,
		"remaining":   b.Remaining(),
		"utilization": b.Utilization(),
	})
}

// ReserveBudget handles budget reservation HTTP requests
func (h *HTTPHandler) ReserveBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.BudgetID == "" {
		http.Error(w, "budget_id is required", http.StatusBadRequest)
		return
	}

	token, err := h.budgets.Reserve(r.Context(), &req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"reservation_token": token})
}

// ReleaseBudget handles reservation release HTTP requests
func (h *HTTPHandler) ReleaseBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ReservationToken string `json:"reservation_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ReservationToken == "" {
		http.Error(w, "reservation_token is required", http.StatusBadRequest)
		return
	}

	if err := h.budgets.Release(r.Context(), req.ReservationToken); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// SettleBudget handles reservation settlement HTTP requests
func (h *HTTPHandler) SettleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ReservationToken == "" {
		http.Error(w, "reservation_token is required", http.StatusBadRequest)
		return
	}

	if err := h.budgets.Settle(r.Context(), &req); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

// ReviseBudget handles allocation revision HTTP requests
func (h *HTTPHandler) ReviseBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req service.ReviseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.BudgetID == "" {
		http.Error(w, "budget_id is required", http.StatusBadRequest)
		return
	}

	revisionID, err := h.budgets.Revise(r.Context(), &req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"revision_id": revisionID})
}

// BudgetTransactions handles budget transaction log HTTP requests
func (h *HTTPHandler) BudgetTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	budgetID := r.URL.Query().Get("budget_id")
	if budgetID == "" {
		http.Error(w, "Budget ID is required", http.StatusBadRequest)
		return
	}

	txns, err := h.budgets.Transactions(r.Context(), budgetID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txns,
		"total":        len(txns),
	})
}

// ── Workflow configuration ────────────────────────────────────────────────────

// Configs dispatches workflow configuration collection requests
func (h *HTTPHandler) Configs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listConfigs(w, r)
	case http.MethodPost:
		h.createConfig(w, r)
	case http.MethodPut:
		h.updateConfig(w, r)
	case http.MethodDelete:
		h.deleteConfig(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) createConfig(w http.ResponseWriter, r *http.Request) {
	var cfg workflow.WorkflowConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.configs.CreateConfig(r.Context(), &cfg)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, created)
}

func (h *HTTPHandler) listConfigs(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	entityType := r.URL.Query().Get("entity_type")
	if tenantID == "" || entityType == "" {
		http.Error(w, "Tenant ID and Entity Type are required", http.StatusBadRequest)
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		cfg, err := h.configs.GetConfig(r.Context(), id, tenantID)
		if err != nil {
			h.respondError(w, err)
			return
		}
		h.respondJSON(w, http.StatusOK, cfg)
		return
	}

	configs, err := h.configs.ListConfigs(r.Context(), tenantID, entityType)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"configs": configs,
		"total":   len(configs),
	})
}

func (h *HTTPHandler) updateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg workflow.WorkflowConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if cfg.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	updated, err := h.configs.UpdateConfig(r.Context(), &cfg)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

func (h *HTTPHandler) deleteConfig(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	tenantID := r.URL.Query().Get("tenant_id")
	if id == "" || tenantID == "" {
		http.Error(w, "Config ID and Tenant ID are required", http.StatusBadRequest)
		return
	}

	if err := h.configs.DeleteConfig(r.Context(), id, tenantID); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Groups dispatches approval group requests
func (h *HTTPHandler) Groups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getGroup(w, r)
	case http.MethodPost:
		h.createGroup(w, r)
	case http.MethodPut:
		h.updateGroup(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) createGroup(w http.ResponseWriter, r *http.Request) {
	var g workflow.ApprovalGroup
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.configs.CreateGroup(r.Context(), &g)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, created)
}

func (h *HTTPHandler) getGroup(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	groupID := r.URL.Query().Get("id")
	if tenantID == "" || groupID == "" {
		http.Error(w, "Tenant ID and Group ID are required", http.StatusBadRequest)
		return
	}

	g, err := h.configs.GetGroup(r.Context(), tenantID, groupID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, g)
}

func (h *HTTPHandler) updateGroup(w http.ResponseWriter, r *http.Request) {
	var g workflow.ApprovalGroup
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if g.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	updated, err := h.configs.UpdateGroup(r.Context(), &g)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

// ── Responses ─────────────────────────────────────────────────────────────────

func (h *HTTPHandler) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(apperr.CodeOf(err))
	code := string(apperr.ErrCodeInternal)
	message := "internal server error"

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		code = string(appErr.Code)
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
