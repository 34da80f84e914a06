package admission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"callgate/admission/application"
	"callgate/admission/domain"
	"callgate/admission/infra"
)

type fixedPlans struct {
	mu     sync.Mutex
	plan   domain.Plan
	purged int
}

func (p *fixedPlans) Resolve(context.Context, domain.StoreID) domain.Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plan
}

func (p *fixedPlans) Invalidate(domain.StoreID) {}

func (p *fixedPlans) InvalidateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged++
}

type fakeHistory struct {
	recs  []domain.CallRecord
	limit int
	err   error
}

func (f *fakeHistory) History(_ context.Context, _ domain.StoreID, limit int) ([]domain.CallRecord, error) {
	f.limit = limit
	return f.recs, f.err
}

type testServer struct {
	plans   *fixedPlans
	history *fakeHistory
	handler *Handler
	srv     http.Handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, g Guards) *testServer {
	t.Helper()
	logger := discardLogger()
	lanes := infra.NewStoreLanes()
	plans := &fixedPlans{plan: domain.Plan{ID: "basic", MaxConcurrent: 1, MaxQueue: 1}}
	ctrl := &application.Controller{
		Lanes:     lanes,
		Plans:     plans,
		Sessions:  infra.NewMemorySessionStore(2 * time.Minute),
		Telephony: infra.LogTelephony{Logger: logger},
		Logger:    logger,
	}
	hist := &fakeHistory{}
	h := &Handler{
		Controller: ctrl,
		Monitor:    application.Monitor{Source: application.LaneSnapshots{Lanes: lanes}, Logger: logger},
		Admin:      application.Admin{Controller: ctrl},
		History:    hist,
		Logger:     logger,
	}
	return &testServer{plans: plans, history: hist, handler: h, srv: h.Routes(g)}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, "http://callgate"+path, rd)
	w := httptest.NewRecorder()
	s.srv.ServeHTTP(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func started(call string) string {
	return `{"type":"call.started","call_id":"` + call + `","store_id":"s1","external_call_id":"ext-` + call + `"}`
}

func TestHandler_StartedDecisions(t *testing.T) {
	s := newTestServer(t, Guards{})

	w := s.do(t, http.MethodPost, "/v1/telephony/events", started("c1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if d := decodeBody[decisionDTO](t, w); d.Decision != domain.OutcomeProceed || d.Plan != "basic" {
		t.Fatalf("expected PROCEED on basic, got %+v", d)
	}

	d := decodeBody[decisionDTO](t, s.do(t, http.MethodPost, "/v1/telephony/events", started("c2")))
	if d.Decision != domain.OutcomeQueued || d.Position != 1 {
		t.Fatalf("expected QUEUED at 1, got %+v", d)
	}

	d = decodeBody[decisionDTO](t, s.do(t, http.MethodPost, "/v1/telephony/events", started("c3")))
	if d.Decision != domain.OutcomeRejected || d.Reason != domain.CodeCapacityExceeded {
		t.Fatalf("expected REJECTED capacity_exceeded, got %+v", d)
	}
}

func TestHandler_EndedPromotesQueue(t *testing.T) {
	s := newTestServer(t, Guards{})
	s.do(t, http.MethodPost, "/v1/telephony/events", started("c1"))
	s.do(t, http.MethodPost, "/v1/telephony/events", started("c2"))

	w := s.do(t, http.MethodPost, "/v1/telephony/events", `{"type":"call.ended","call_id":"c1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	ov := decodeBody[domain.Overview](t, s.do(t, http.MethodGet, "/v1/monitor/overview", ""))
	if ov.Totals.ActiveCalls != 1 || ov.Totals.QueueSize != 0 {
		t.Fatalf("expected 1 active / 0 queued after promotion, got %+v", ov.Totals)
	}

	w = s.do(t, http.MethodGet, "/v1/monitor/stores/s1", "")
	if !strings.Contains(w.Body.String(), `"duration_seconds":`) || strings.Contains(w.Body.String(), `"duration":`) {
		t.Fatalf("expected durations in whole seconds, got %s", w.Body.String())
	}
	detail := decodeBody[domain.StoreDetail](t, w)
	if len(detail.ActiveCalls) != 1 || detail.ActiveCalls[0].CallID != "c2" {
		t.Fatalf("expected c2 active, got %+v", detail.ActiveCalls)
	}

	// duplicado: no-op
	if w := s.do(t, http.MethodPost, "/v1/telephony/events", `{"type":"call.ended","call_id":"c1"}`); w.Code != http.StatusOK {
		t.Fatalf("expected duplicate end to be accepted, got %d", w.Code)
	}
}

func TestHandler_RejectsInvalidEvents(t *testing.T) {
	s := newTestServer(t, Guards{})

	cases := []string{
		`{"type":"call.paused","call_id":"c1"}`,
		`{"call_id":"c1"}`,
		`{"type":"call.started","call_id":"c1"}`,
		`{"type":"call.ended","call_id":"c1","reason":"force_hangup"}`,
		`{"type":"call.started","call_id":"c1","store_id":"s1","extra":true}`,
		`not json`,
	}
	for _, body := range cases {
		w := s.do(t, http.MethodPost, "/v1/telephony/events", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, w.Code)
		}
		if e := decodeBody[errorBody](t, w); e.Error.Code != string(domain.CodeInvalidArgument) {
			t.Fatalf("body %s: expected invalid_argument, got %+v", body, e)
		}
	}
}

func TestHandler_ContextRoundTrip(t *testing.T) {
	s := newTestServer(t, Guards{})
	s.do(t, http.MethodPost, "/v1/telephony/events", started("c1"))

	if w := s.do(t, http.MethodPut, "/v1/calls/c1/context", `{"turn":3,"intent":"order"}`); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w := s.do(t, http.MethodGet, "/v1/calls/c1/context", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decodeBody[contextDTO](t, w)
	if got.State != domain.CallActive || got.StoreID != "s1" {
		t.Fatalf("unexpected session %+v", got)
	}
	var ctxBody map[string]any
	if err := json.Unmarshal(got.Context, &ctxBody); err != nil || ctxBody["intent"] != "order" {
		t.Fatalf("expected stored context, got %s (%v)", got.Context, err)
	}

	if w := s.do(t, http.MethodGet, "/v1/calls/unknown/context", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown call, got %d", w.Code)
	}
	if w := s.do(t, http.MethodPut, "/v1/calls/unknown/context", `{"turn":1}`); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when updating unknown call, got %d", w.Code)
	}
}

func TestHandler_PlanChanged(t *testing.T) {
	s := newTestServer(t, Guards{})

	if w := s.do(t, http.MethodPost, "/v1/billing/plan-changed", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if s.plans.purged != 1 {
		t.Fatalf("expected full invalidation, got %d", s.plans.purged)
	}

	s.do(t, http.MethodPost, "/v1/telephony/events", started("c1"))
	s.do(t, http.MethodPost, "/v1/telephony/events", started("c2"))
	s.plans.mu.Lock()
	s.plans.plan = domain.Plan{ID: "pro", MaxConcurrent: 2, MaxQueue: 1}
	s.plans.mu.Unlock()

	if w := s.do(t, http.MethodPost, "/v1/billing/plan-changed", `{"store_id":"s1"}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	ov := decodeBody[domain.Overview](t, s.do(t, http.MethodGet, "/v1/monitor/overview", ""))
	if ov.Totals.ActiveCalls != 2 || ov.Totals.QueueSize != 0 {
		t.Fatalf("expected upgrade to promote queued call, got %+v", ov.Totals)
	}
}

func TestHandler_AdminActions(t *testing.T) {
	s := newTestServer(t, Guards{})
	s.do(t, http.MethodPost, "/v1/telephony/events", started("c1"))
	s.do(t, http.MethodPost, "/v1/telephony/events", started("c2"))

	w := s.do(t, http.MethodPost, "/v1/admin/actions", `{"action":"force_hangup","call_id":"c1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if res := decodeBody[domain.ActionResult](t, w); !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	// repetir é idempotente
	w = s.do(t, http.MethodPost, "/v1/admin/actions", `{"action":"force_hangup","call_id":"c1"}`)
	if res := decodeBody[domain.ActionResult](t, w); w.Code != http.StatusOK || !res.Success {
		t.Fatalf("expected idempotent success, got %d %+v", w.Code, res)
	}

	if w := s.do(t, http.MethodPost, "/v1/admin/actions", `{"action":"force_hangup","call_id":"ghost"}`); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown call, got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/v1/admin/actions", `{"action":"transfer_call","call_id":"c2"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without target, got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/v1/admin/actions", `{"action":"reboot"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", w.Code)
	}
}

func TestHandler_History(t *testing.T) {
	s := newTestServer(t, Guards{})
	s.history.recs = []domain.CallRecord{{
		CallID: "c1", StoreID: "s1", Kind: domain.RecordEnded, Duration: 1500 * time.Millisecond,
	}}

	w := s.do(t, http.MethodGet, "/v1/monitor/stores/s1/history?limit=9999", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if s.history.limit != maxHistoryLimit {
		t.Fatalf("expected limit clamped to %d, got %d", maxHistoryLimit, s.history.limit)
	}
	out := decodeBody[struct {
		Records []recordDTO `json:"records"`
	}](t, w)
	if len(out.Records) != 1 || out.Records[0].DurationMS != 1500 {
		t.Fatalf("unexpected records %+v", out.Records)
	}

	if w := s.do(t, http.MethodGet, "/v1/monitor/stores/s1/history?limit=abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}

	s.history.err = errors.New("disk gone")
	if w := s.do(t, http.MethodGet, "/v1/monitor/stores/s1/history", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on history failure, got %d", w.Code)
	}
}

func TestHandler_GuardsPerRouteGroup(t *testing.T) {
	s := newTestServer(t, Guards{
		Webhook:  WebhookAuth("hook"),
		Operator: OperatorAuth{Secret: testSecret}.Middleware,
	})

	if w := s.do(t, http.MethodPost, "/v1/telephony/events", started("c1")); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected webhook 401, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/v1/monitor/overview", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected operator 401, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("expected open healthz, got %d", w.Code)
	}

	r := httptest.NewRequest(http.MethodPost, "http://callgate/v1/telephony/events", strings.NewReader(started("c1")))
	r.Header.Set("Authorization", "Bearer hook")
	w := httptest.NewRecorder()
	s.srv.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with webhook token, got %d", w.Code)
	}
}

func TestHandler_HealthReflectsReadiness(t *testing.T) {
	s := newTestServer(t, Guards{})
	s.handler.Ready = func(context.Context) error { return errors.New("redis down") }
	s.srv = s.handler.Routes(Guards{})

	if w := s.do(t, http.MethodGet, "/healthz", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[domain.Code]int{
		domain.CodeNotFound:           http.StatusNotFound,
		domain.CodeInvalidArgument:    http.StatusBadRequest,
		domain.CodeProvider:           http.StatusBadGateway,
		domain.CodeStateInconsistency: http.StatusServiceUnavailable,
		domain.CodeConfiguration:      http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusOf(code); got != want {
			t.Fatalf("%s: expected %d, got %d", code, want, got)
		}
	}
}
