package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/HanTheDev/funnel-insights/internal/apperr"
	"github.com/HanTheDev/funnel-insights/internal/ledger"
	"github.com/HanTheDev/funnel-insights/internal/models"
)

// RegisterAdminRoutes mounts operator endpoints. The router must already
// require the admin role.
func (h *Handler) RegisterAdminRoutes(router *mux.Router) {
	// Quota management
	router.HandleFunc("/users/{id}/quota", h.AdminGetQuota).Methods("GET")
	router.HandleFunc("/users/{id}/quota", h.AdminSetQuota).Methods("PUT")
	router.HandleFunc("/quota/reset", h.AdminResetQuotas).Methods("POST")

	// Usage
	router.HandleFunc("/users/{id}/usage", h.AdminGetUsage).Methods("GET")
	router.HandleFunc("/usage", h.AdminRecordUsage).Methods("POST")

	router.HandleFunc("/users/{id}/analysis", h.AdminClearAnalysis).Methods("DELETE")
}

func (h *Handler) AdminGetQuota(w http.ResponseWriter, r *http.Request) {
	st, err := h.quota.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type setQuotaRequest struct {
	DailyLimit   int   `json:"daily_limit" validate:"required,gt=0"`
	MonthlyLimit int   `json:"monthly_limit" validate:"required,gt=0,gtefield=DailyLimit"`
	IsActive     *bool `json:"is_active" validate:"required"`
}

func (h *Handler) AdminSetQuota(w http.ResponseWriter, r *http.Request) {
	var req setQuotaRequest
	if err := h.bind(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	uid := mux.Vars(r)["id"]
	st, err := h.quota.SetLimits(r.Context(), uid, req.DailyLimit, req.MonthlyLimit, *req.IsActive)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.log.Info().
		Str("user_id", uid).
		Int("daily_limit", req.DailyLimit).
		Int("monthly_limit", req.MonthlyLimit).
		Bool("active", *req.IsActive).
		Msg("quota limits changed")
	writeJSON(w, http.StatusOK, st)
}

type resetRequest struct {
	Scope string `json:"scope" validate:"required,oneof=daily monthly"`
}

func (h *Handler) AdminResetQuotas(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := h.bind(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if h.resetter == nil {
		writeError(w, h.log, apperr.Internal(nil, "quota resets are not configured"))
		return
	}

	n, ran, err := h.resetter.RunOnce(r.Context(), models.QuotaScope(req.Scope))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": req.Scope, "ran": ran, "profiles_reset": n})
}

func (h *Handler) AdminGetUsage(w http.ResponseWriter, r *http.Request) {
	h.usageFor(w, r, mux.Vars(r)["id"])
}

type usageEntry struct {
	UserID       string   `json:"user_id" validate:"required"`
	SessionID    string   `json:"session_id"`
	UsageType    string   `json:"usage_type"`
	RequestCount int      `json:"request_count" validate:"required,gte=1"`
	TokenCount   *int64   `json:"token_count"`
	Cost         *float64 `json:"cost"`
}

type recordUsageRequest struct {
	Events []usageEntry `json:"events" validate:"required,min=1,max=1000,dive"`
}

// AdminRecordUsage appends a batch of usage from other product surfaces and
// charges quota for it. Either the whole batch lands or none of it does.
func (h *Handler) AdminRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req recordUsageRequest
	if err := h.bind(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	entries := make([]ledger.Entry, 0, len(req.Events))
	for _, e := range req.Events {
		entries = append(entries, ledger.Entry{
			UserID:       e.UserID,
			SessionID:    e.SessionID,
			UsageType:    models.UsageType(e.UsageType),
			RequestCount: e.RequestCount,
			TokenCount:   e.TokenCount,
			Cost:         e.Cost,
		})
	}
	events, err := h.usage.BatchRecord(r.Context(), entries)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, events)
}

func (h *Handler) AdminClearAnalysis(w http.ResponseWriter, r *http.Request) {
	n, err := h.workflow.ClearAll(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
