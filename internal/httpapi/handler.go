package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-meter/internal/gate"
	"github.com/vnmchuo/llm-meter/internal/ledger"
	"github.com/vnmchuo/llm-meter/internal/registry"
	"github.com/vnmchuo/llm-meter/internal/report"
	"github.com/vnmchuo/llm-meter/internal/tokenizer"
	"github.com/vnmchuo/llm-meter/pkg/ratelimit"
)

type Handler struct {
	engine   *report.Engine
	ledger   ledger.Writer
	registry *registry.Registry
	resolver *tokenizer.Resolver
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
}

func NewHandler(engine *report.Engine, ledgerWriter ledger.Writer, reg *registry.Registry, resolver *tokenizer.Resolver, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		engine:   engine,
		ledger:   ledgerWriter,
		registry: reg,
		resolver: resolver,
		limiter:  limiter,
		tracer:   tracer,
	}
}

// HandleUsageReport serves GET /v1/admin/usage-report?start=...&end=...
// The gate middleware has already established an admin caller; this
// handler only parses the window and maps engine errors to statuses.
func (h *Handler) HandleUsageReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := gate.GetCaller(ctx)
	if caller == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	allowed, err := h.limiter.Allow(ctx, caller.UserID)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'start' date format (use RFC3339)"})
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'end' date format (use RFC3339)"})
		return
	}

	ctx, span := h.tracer.Start(ctx, "httpapi.usage_report")
	defer span.End()
	span.SetAttributes(
		attribute.String("caller_id", caller.UserID),
		attribute.String("window.start", start.Format(time.RFC3339)),
		attribute.String("window.end", end.Format(time.RFC3339)),
	)

	rows, err := h.engine.BuildReport(ctx, start, end)
	if err != nil {
		switch {
		case errors.Is(err, report.ErrInvalidWindow):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid window: start must be before end"})
		case errors.Is(err, report.ErrDataUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "usage data temporarily unavailable"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"start": start,
		"end":   end,
		"rows":  rows,
	})
}

type ingestRequest struct {
	UserID        string             `json:"user_id"`
	ModelID       string             `json:"model_id"`
	Timestamp     time.Time          `json:"timestamp"`
	TotalPriceUSD string             `json:"total_price_usd"`
	Tokens        ledger.TokenCounts `json:"tokens"`
	Content       string             `json:"content,omitempty"`
	LatencyMs     int64              `json:"latency_ms"`
}

// HandleIngestUsage serves POST /v1/usage: the serving pipeline reports
// one completed request. When the pipeline omits a total token count, it
// is reconstructed from the prompt/completion counts or, given the raw
// content, recounted under the model's ruleset.
func (h *Handler) HandleIngestUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.UserID == "" || req.ModelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and model_id are required"})
		return
	}

	price, err := decimal.NewFromString(req.TotalPriceUSD)
	if err != nil || price.IsNegative() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "total_price_usd must be a non-negative decimal string"})
		return
	}

	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	ruleset := h.resolver.Resolve(req.ModelID)
	if req.Tokens.Total == 0 {
		if req.Content != "" {
			n, err := ruleset.Count(req.Content)
			if err != nil {
				log.Printf("httpapi: token recount failed for model %s: %v", req.ModelID, err)
			} else {
				req.Tokens.Total = int64(n)
			}
		}
		if req.Tokens.Total == 0 {
			req.Tokens.Total = req.Tokens.Prompt + req.Tokens.Completion
		}
	}

	if _, err := h.registry.Describe(tokenizer.Normalize(req.ModelID)); err != nil {
		// Unknown models are metered anyway; counts fall back to the
		// default ruleset and the raw identifier is kept for audit.
		log.Printf("httpapi: metering unregistered model %q (family %s)", req.ModelID, ruleset.Family())
	}

	entry := &ledger.Entry{
		UserID:        req.UserID,
		ModelID:       req.ModelID,
		Timestamp:     req.Timestamp,
		TotalPriceUSD: price,
		Tokens:        req.Tokens,
		LatencyMs:     req.LatencyMs,
	}
	if err := h.ledger.Append(ctx, entry); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "failed to record usage"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": entry.ID})
}

// HandleDescribeModel serves GET /v1/models/{id}.
func (h *Handler) HandleDescribeModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "id")

	d, err := h.registry.Describe(tokenizer.Normalize(modelID))
	if err != nil {
		if errors.Is(err, registry.ErrModelNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown model %q", modelID)})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":                d.ID,
		"display_name":      d.DisplayName,
		"max_context_chars": d.MaxContextChars,
		"token_limit":       d.TokenLimit,
		"class":             d.Class,
		"ruleset_family":    h.resolver.Resolve(modelID).Family(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
