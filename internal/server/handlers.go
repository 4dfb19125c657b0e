package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxCommandBody = 1 << 20

// QueryReader is the read side served over HTTP. *query.QueryService implements it.
type QueryReader interface {
	GetPosition(ctx context.Context, id uint64) (*query.PositionResponse, error)
	GetOwnerPositions(ctx context.Context, owner uuid.UUID, includeClosed bool) ([]query.PositionResponse, error)
	GetOwnerBalances(ctx context.Context, owner uuid.UUID) ([]query.BalanceResponse, error)
	GetPool(ctx context.Context, name string) (*query.PoolResponse, error)
	GetPositionsAtRisk(ctx context.Context, maxHealth decimal.Decimal, limit int) ([]query.PositionResponse, error)
	GetCloseHistory(ctx context.Context, owner uuid.UUID, limit int, beforeSequence *int64) ([]query.CloseHistoryResponse, error)
	GetJournalHistory(ctx context.Context, owner uuid.UUID, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// CommandSubmitter applies one wire command. *ingestion.CommandIntake implements it.
type CommandSubmitter interface {
	Submit(ctx context.Context, commandType string, body []byte) (event.Event, error)
}

// CommandResponse acknowledges an applied command.
type CommandResponse struct {
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
	Status    string `json:"status"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code  core.ErrorCode `json:"code"`
	Error string         `json:"error"`
}

type handlers struct {
	query          QueryReader
	intake         CommandSubmitter
	rebuild        func(ctx context.Context) error
	commandTimeout time.Duration
	metrics        *observability.Metrics
	log            zerolog.Logger
}

func (h *handlers) register(mux *runtime.ServeMux, hc *observability.HealthChecker) error {
	routes := []struct {
		method, pattern, endpoint string
		fn                        runtime.HandlerFunc
	}{
		{"GET", "/v1/positions/{id}", "position", h.getPosition},
		{"GET", "/v1/owners/{owner}/positions", "owner_positions", h.getOwnerPositions},
		{"GET", "/v1/owners/{owner}/balances", "owner_balances", h.getOwnerBalances},
		{"GET", "/v1/owners/{owner}/history", "close_history", h.getCloseHistory},
		{"GET", "/v1/owners/{owner}/journals", "journal_history", h.getJournalHistory},
		{"GET", "/v1/pools/{name}", "pool", h.getPool},
		{"GET", "/v1/risk/positions", "positions_at_risk", h.getPositionsAtRisk},
		{"POST", "/v1/commands/{type}", "command", h.postCommand},
		{"GET", "/v1/admin/integrity", "integrity", h.getIntegrity},
		{"POST", "/v1/admin/rebuild-projections", "rebuild", h.postRebuild},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, h.instrument(rt.endpoint, rt.fn)); err != nil {
			return err
		}
	}

	if err := mux.HandlePath("GET", "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		hc.LivenessHandler(w, r)
	}); err != nil {
		return err
	}
	return mux.HandlePath("GET", "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		hc.ReadinessHandler(w, r)
	})
}

// statusRecorder captures the status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *handlers) instrument(endpoint string, fn runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r, params)
		if h.metrics != nil {
			h.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			h.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (h *handlers) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := strconv.ParseUint(params["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, core.CodeValidation, "invalid position id")
		return
	}
	p, err := h.query.GetPosition(r.Context(), id)
	if err != nil {
		h.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) getOwnerPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, ok := ownerParam(w, params)
	if !ok {
		return
	}
	includeClosed, _ := strconv.ParseBool(r.URL.Query().Get("include_closed"))
	positions, err := h.query.GetOwnerPositions(r.Context(), owner, includeClosed)
	if err != nil {
		h.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (h *handlers) getOwnerBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, ok := ownerParam(w, params)
	if !ok {
		return
	}
	balances, err := h.query.GetOwnerBalances(r.Context(), owner)
	if err != nil {
		h.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (h *handlers) getCloseHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, ok := ownerParam(w, params)
	if !ok {
		return
	}
	limit, before, ok := pageParams(w, r)
	if !ok {
		return
	}
	history, err := h.query.GetCloseHistory(r.Context(), owner, limit, before)
	if err != nil {
		h.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closes": history})
}

func (h *handlers) getJournalHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, ok := ownerParam(w, params)
	if !ok {
		return
	}
	limit, before, ok := pageParams(w, r)
	if !ok {
		return
	}
	entries, err := h.query.GetJournalHistory(r.Context(), owner, limit, before)
	if err != nil {
		h.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"journals": entries})
}

func (h *handlers) getPool(w http.ResponseWriter, r *http.Request, params map[string]string) {
	p, err := h.query.GetPool(r.Context(), params["name"])
	if err != nil {
		h.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) getPositionsAtRisk(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	maxHealth := decimal.NewFromInt(1)
	if s := r.URL.Query().Get("max_health"); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil || !d.IsPositive() {
			writeError(w, http.StatusBadRequest, core.CodeValidation, "invalid max_health")
			return
		}
		maxHealth = d
	}
	limit, _, ok := pageParams(w, r)
	if !ok {
		return
	}
	positions, err := h.query.GetPositionsAtRisk(r.Context(), maxHealth, limit)
	if err != nil {
		h.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (h *handlers) getIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := h.query.VerifyIntegrity(r.Context())
	if err != nil {
		h.queryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) postRebuild(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if h.rebuild == nil {
		writeError(w, http.StatusNotImplemented, core.CodeInternal, "rebuild not configured")
		return
	}
	if err := h.rebuild(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("projection rebuild failed")
		writeError(w, http.StatusInternalServerError, core.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

func (h *handlers) postCommand(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, core.CodeValidation, "read body: "+err.Error())
		return
	}

	ctx := r.Context()
	if h.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.commandTimeout)
		defer cancel()
	}

	commandType := params["type"]
	evt, err := h.intake.Submit(ctx, commandType, body)
	if err != nil {
		status, code := commandStatus(err)
		if status >= http.StatusInternalServerError {
			h.log.Error().Err(err).Str("command", commandType).Msg("command failed")
		} else {
			h.log.Debug().Err(err).Str("command", commandType).Str("code", string(code)).Msg("command rejected")
		}
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, CommandResponse{
		RequestID: evt.IdempotencyKey(),
		Command:   evt.EventType().String(),
		Status:    "applied",
	})
}

// commandStatus maps an intake or engine error onto an HTTP status and error code.
func commandStatus(err error) (int, core.ErrorCode) {
	switch {
	case errors.Is(err, ingestion.ErrUnknownCommand):
		return http.StatusNotFound, core.CodeValidation
	case errors.Is(err, ingestion.ErrMalformedCommand):
		return http.StatusBadRequest, core.CodeValidation
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, core.CodeInternal
	case errors.Is(err, ingestion.ErrIntakeClosed):
		return http.StatusServiceUnavailable, core.CodeInternal
	}

	code := core.Classify(err)
	switch code {
	case core.CodeValidation:
		return http.StatusBadRequest, code
	case core.CodeUnauthorized:
		return http.StatusForbidden, code
	case core.CodePriceDeviation, core.CodeCapacity:
		return http.StatusConflict, code
	case core.CodeConditionNotMet, core.CodeNotLiquidatable, core.CodeInsolvent:
		return http.StatusUnprocessableEntity, code
	case core.CodeCollaborator:
		return http.StatusBadGateway, code
	default:
		return http.StatusInternalServerError, code
	}
}

func (h *handlers) queryError(w http.ResponseWriter, err error) {
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, core.CodeValidation, err.Error())
		return
	}
	h.log.Error().Err(err).Msg("query failed")
	writeError(w, http.StatusInternalServerError, core.CodeInternal, "internal error")
}

func ownerParam(w http.ResponseWriter, params map[string]string) (uuid.UUID, bool) {
	owner, err := uuid.Parse(params["owner"])
	if err != nil {
		writeError(w, http.StatusBadRequest, core.CodeValidation, "invalid owner: "+err.Error())
		return uuid.Nil, false
	}
	return owner, true
}

func pageParams(w http.ResponseWriter, r *http.Request) (int, *int64, bool) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, core.CodeValidation, "invalid limit")
			return 0, nil, false
		}
		limit = n
	}
	var before *int64
	if s := q.Get("before"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, core.CodeValidation, "invalid before")
			return 0, nil, false
		}
		before = &n
	}
	return limit, before, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code core.ErrorCode, msg string) {
	writeJSON(w, status, ErrorResponse{Code: code, Error: msg})
}
