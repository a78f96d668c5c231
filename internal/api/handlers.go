// Package api exposes the analysis workflow, quota and usage over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/HanTheDev/funnel-insights/internal/apperr"
	"github.com/HanTheDev/funnel-insights/internal/auth"
	"github.com/HanTheDev/funnel-insights/internal/ledger"
	"github.com/HanTheDev/funnel-insights/internal/models"
	"github.com/HanTheDev/funnel-insights/internal/quota"
	"github.com/HanTheDev/funnel-insights/internal/workflow"
)

const dateLayout = "2006-01-02"

type Workflow interface {
	GenerateKeyInsights(ctx context.Context, userID, funnelID string, periodStart *time.Time) (*models.AnalysisRecord, error)
	GenerateStrategyOptions(ctx context.Context, userID, analysisID, funnelID string) (*models.AnalysisRecord, error)
	GenerateCompleteReport(ctx context.Context, userID, analysisID, funnelID string, strategy models.Strategy) (*models.AnalysisRecord, error)
	GetAnalysisStatus(ctx context.Context, userID, funnelID string, periodStart *time.Time) (*workflow.Status, error)
	ListReports(ctx context.Context, userID string, limit int) ([]*models.AnalysisRecord, error)
	GetReportByID(ctx context.Context, userID, reportID string) (*models.AnalysisRecord, error)
	ClearAll(ctx context.Context, userID string) (int64, error)
}

type Quota interface {
	GetStatus(ctx context.Context, userID string) (*models.QuotaStatus, error)
	SetLimits(ctx context.Context, userID string, daily, monthly int, active bool) (*models.QuotaStatus, error)
	Location() *time.Location
}

type Usage interface {
	Summarize(ctx context.Context, userID string, since, until time.Time) (*models.UsageSummary, error)
	BatchRecord(ctx context.Context, entries []ledger.Entry) ([]*models.UsageEvent, error)
}

type Limiter interface {
	Allow(ctx context.Context, userID string, limit int) (bool, time.Time, error)
}

type Resetter interface {
	RunOnce(ctx context.Context, scope models.QuotaScope) (int64, bool, error)
}

type Handler struct {
	workflow  Workflow
	quota     Quota
	usage     Usage
	limiter   Limiter
	rateLimit int
	resetter  Resetter
	validate  *validator.Validate
	clock     quartz.Clock
	log       zerolog.Logger
}

type Deps struct {
	Workflow Workflow
	Quota    Quota
	Usage    Usage
	// Limiter is optional; without it generate endpoints are not throttled.
	Limiter               Limiter
	GenerateRatePerMinute int
	Resetter              Resetter
	// Clock sets "today" for default usage ranges. Defaults to the real clock.
	Clock quartz.Clock
	Log   zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = quartz.NewReal()
	}
	return &Handler{
		workflow:  d.Workflow,
		quota:     d.Quota,
		usage:     d.Usage,
		limiter:   d.Limiter,
		rateLimit: d.GenerateRatePerMinute,
		resetter:  d.Resetter,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		clock:     d.Clock,
		log:       d.Log.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/funnels/{funnelId}/analysis/status", h.GetAnalysisStatus).Methods("GET")

	gen := router.PathPrefix("/funnels/{funnelId}/analysis").Subrouter()
	gen.Use(h.throttle)
	gen.HandleFunc("/insights", h.GenerateKeyInsights).Methods("POST")
	gen.HandleFunc("/strategies", h.GenerateStrategyOptions).Methods("POST")
	gen.HandleFunc("/report", h.GenerateCompleteReport).Methods("POST")

	router.HandleFunc("/quota", h.GetQuota).Methods("GET")
	router.HandleFunc("/usage", h.GetUsage).Methods("GET")
	router.HandleFunc("/reports", h.ListReports).Methods("GET")
	router.HandleFunc("/reports/{id}", h.GetReport).Methods("GET")
	router.HandleFunc("/analysis", h.ClearAll).Methods("DELETE")
}

func userID(r *http.Request) string {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		return ""
	}
	return claims.UserID
}

func parseDate(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	// Dataset periods are dates and compare as UTC midnight.
	t, err := time.ParseInLocation(dateLayout, raw, time.UTC)
	if err != nil {
		return nil, apperr.Validation("%s must be a YYYY-MM-DD date", field)
	}
	return &t, nil
}

type insightsRequest struct {
	DatasetPeriodStart string `json:"dataset_period_start" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) GenerateKeyInsights(w http.ResponseWriter, r *http.Request) {
	var req insightsRequest
	if err := h.bind(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	period, err := parseDate(req.DatasetPeriodStart, "dataset_period_start")
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	rec, err := h.workflow.GenerateKeyInsights(r.Context(), userID(r), mux.Vars(r)["funnelId"], period)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type strategiesRequest struct {
	AnalysisID string `json:"analysis_id" validate:"required"`
}

func (h *Handler) GenerateStrategyOptions(w http.ResponseWriter, r *http.Request) {
	var req strategiesRequest
	if err := h.bind(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	rec, err := h.workflow.GenerateStrategyOptions(r.Context(), userID(r), req.AnalysisID, mux.Vars(r)["funnelId"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type reportRequest struct {
	AnalysisID       string `json:"analysis_id"`
	SelectedStrategy string `json:"selected_strategy"`
}

func (h *Handler) GenerateCompleteReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := h.bind(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	// The orchestrator checks the strategy before the ids.
	rec, err := h.workflow.GenerateCompleteReport(r.Context(), userID(r), req.AnalysisID, mux.Vars(r)["funnelId"], models.Strategy(req.SelectedStrategy))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) GetAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	period, err := parseDate(r.URL.Query().Get("period_start"), "period_start")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	st, err := h.workflow.GetAnalysisStatus(r.Context(), userID(r), mux.Vars(r)["funnelId"], period)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	st, err := h.quota.GetStatus(r.Context(), userID(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetUsage totals usage between from and to, both inclusive dates. The
// default range is the current month so far.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	h.usageFor(w, r, userID(r))
}

func (h *Handler) usageFor(w http.ResponseWriter, r *http.Request, uid string) {
	loc := h.quota.Location()
	now := h.clock.Now().In(loc)
	from := quota.MonthStart(now, loc)
	to := quota.DayStart(now, loc)

	q := r.URL.Query()
	for field, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		raw := q.Get(field)
		if raw == "" {
			continue
		}
		t, err := time.ParseInLocation(dateLayout, raw, loc)
		if err != nil {
			writeError(w, h.log, apperr.Validation("%s must be a YYYY-MM-DD date", field))
			return
		}
		*dst = t
	}

	sum, err := h.usage.Summarize(r.Context(), uid, from, to.AddDate(0, 0, 1))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, h.log, apperr.Validation("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	reports, err := h.workflow.ListReports(r.Context(), userID(r), limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	rec, err := h.workflow.GetReportByID(r.Context(), userID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.workflow.ClearAll(r.Context(), userID(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *Handler) bind(r *http.Request, v any) error {
	if err := decodeBody(r, v); err != nil {
		return err
	}
	return h.validate.Struct(v)
}

// throttle caps generate calls per user per minute. A Redis failure lets the
// request through; quota still applies.
func (h *Handler) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil || h.rateLimit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		uid := userID(r)
		ok, reset, err := h.limiter.Allow(r.Context(), uid, h.rateLimit)
		if err != nil {
			h.log.Warn().Err(err).Str("user_id", uid).Msg("rate limit check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			wait := max(1, int(time.Until(reset).Seconds()+0.5))
			w.Header().Set("Retry-After", strconv.Itoa(wait))
			writeFailure(w, http.StatusTooManyRequests, errorBody{
				Kind:    "rate_limited",
				Message: "too many generate requests, slow down",
				Details: map[string]any{"limit_per_minute": h.rateLimit, "reset_at": reset},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
