package admission

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"callgate/admission/application"
	"callgate/admission/domain"
)

// HistorySource lê o histórico de eventos de uma loja (mais novo primeiro).
type HistorySource interface {
	History(ctx context.Context, storeID domain.StoreID, limit int) ([]domain.CallRecord, error)
}

// Guards são as proteções aplicadas por grupo de rotas. Campos nil não protegem.
type Guards struct {
	// Webhook envolve as rotas chamadas pela telefonia e pelo billing.
	Webhook func(http.Handler) http.Handler
	// Operator envolve as rotas de monitor e admin.
	Operator func(http.Handler) http.Handler
}

// Handler expõe o controle de admissão em HTTP.
type Handler struct {
	Controller *application.Controller
	Monitor    application.Monitor
	Admin      application.Admin

	// Opcionais.
	History HistorySource
	Ready   func(ctx context.Context) error
	Logger  *slog.Logger
	Now     func() time.Time
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Routes monta o mux com os padrões de método/rota do net/http.
func (h *Handler) Routes(g Guards) http.Handler {
	webhook := wrap(g.Webhook)
	operator := wrap(g.Operator)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/telephony/events", webhook(http.HandlerFunc(h.events)))
	mux.Handle("PUT /v1/calls/{callID}/context", webhook(http.HandlerFunc(h.putContext)))
	mux.Handle("GET /v1/calls/{callID}/context", webhook(http.HandlerFunc(h.getContext)))
	mux.Handle("POST /v1/billing/plan-changed", webhook(http.HandlerFunc(h.planChanged)))

	mux.Handle("GET /v1/monitor/overview", operator(http.HandlerFunc(h.overview)))
	mux.Handle("GET /v1/monitor/stores/{storeID}", operator(http.HandlerFunc(h.store)))
	mux.Handle("GET /v1/monitor/stores/{storeID}/history", operator(http.HandlerFunc(h.history)))
	mux.Handle("POST /v1/admin/actions", operator(http.HandlerFunc(h.admin)))

	mux.HandleFunc("GET /healthz", h.health)
	return mux
}

func wrap(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	ev, err := decodeEvent(r, h.now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dec, err := h.Controller.Handle(r.Context(), ev)
	if err != nil {
		h.log().Warn("event failed", "type", ev.Type(), "err", err)
		writeDomainError(w, err)
		return
	}
	if ev.Type() == domain.EventCallStarted {
		writeJSON(w, http.StatusOK, toDecisionDTO(dec))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

type contextDTO struct {
	CallID    domain.CallID    `json:"call_id"`
	StoreID   domain.StoreID   `json:"store_id"`
	State     domain.CallState `json:"state"`
	StartedAt time.Time        `json:"started_at"`
	Context   json.RawMessage  `json:"context,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (h *Handler) putContext(w http.ResponseWriter, r *http.Request) {
	id := domain.CallID(r.PathValue("callID"))
	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Controller.UpdateContext(r.Context(), id, raw); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getContext(w http.ResponseWriter, r *http.Request) {
	id := domain.CallID(r.PathValue("callID"))
	sess, err := h.Controller.Context(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contextDTO{
		CallID:    sess.Call.CallID,
		StoreID:   sess.Call.StoreID,
		State:     sess.Call.State,
		StartedAt: sess.Call.StartedAt,
		Context:   sess.Context,
		UpdatedAt: sess.UpdatedAt,
	})
}

type planChangedDTO struct {
	StoreID domain.StoreID `json:"store_id"`
}

// planChanged aceita corpo vazio (invalida tudo) ou {"store_id": "..."}.
func (h *Handler) planChanged(w http.ResponseWriter, r *http.Request) {
	var dto planChangedDTO
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &dto); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if err := h.Controller.PlanChanged(r.Context(), dto.StoreID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Monitor.Overview(r.Context()))
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Monitor.Store(r.Context(), domain.StoreID(r.PathValue("storeID")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type recordDTO struct {
	CallID     domain.CallID     `json:"call_id"`
	ExternalID string            `json:"external_call_id,omitempty"`
	Kind       domain.RecordKind `json:"kind"`
	Reason     string            `json:"reason,omitempty"`
	PlanID     string            `json:"plan,omitempty"`
	DurationMS int64             `json:"duration_ms,omitempty"`
	At         time.Time         `json:"at"`
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "history is disabled")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, string(domain.CodeInvalidArgument), "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	recs, err := h.History.History(r.Context(), domain.StoreID(r.PathValue("storeID")), limit)
	if err != nil {
		h.log().Error("history failed", "err", err)
		writeError(w, http.StatusInternalServerError, "history_unavailable", "history unavailable")
		return
	}
	out := make([]recordDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordDTO{
			CallID:     rec.CallID,
			ExternalID: rec.ExternalID,
			Kind:       rec.Kind,
			Reason:     rec.Reason,
			PlanID:     rec.PlanID,
			DurationMS: rec.Duration.Milliseconds(),
			At:         rec.At,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

func (h *Handler) admin(w http.ResponseWriter, r *http.Request) {
	var cmd domain.AdminCommand
	if err := decodeJSON(r, &cmd); err != nil {
		writeDomainError(w, err)
		return
	}
	operator, _ := OperatorFrom(r.Context())
	res, err := h.Admin.Execute(r.Context(), cmd)
	if err != nil {
		h.log().Warn("admin action failed", "action", cmd.Action, "operator", operator, "err", err)
		writeDomainError(w, err)
		return
	}
	h.log().Info("admin action", "action", cmd.Action, "operator", operator,
		"call_id", cmd.CallID, "store_id", cmd.StoreID)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
