package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"callgate/admission/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Controller é o núcleo do controle de admissão.
//
// Todo o estado de uma loja (ativos + fila) é alterado só dentro da lane da
// loja (Lanes.Do/Peek), então as decisões são lineares por loja sem lock global.
// Nenhuma ação no provedor roda dentro da lane.
type Controller struct {
	Lanes     domain.StoreExecutor
	Plans     domain.PlanResolver
	Sessions  domain.SessionStore
	Telephony domain.Telephony

	// Opcionais: erro em Records/Stats nunca afeta a decisão.
	Records domain.CallRecorder
	Stats   domain.StatsStore

	Logger *slog.Logger
	Tracer trace.Tracer
	Now    func() time.Time

	// AdmissionTimeout limita a espera até a lane aceitar o job de admissão.
	AdmissionTimeout time.Duration
	// SessionTimeout limita cada operação no session store feita dentro da lane.
	SessionTimeout time.Duration
	// ProviderTimeout limita ações no provedor feitas fora da lane.
	ProviderTimeout time.Duration
}

// Request decide a admissão de uma chamada nova (call.started).
//
// Erro só para entrada inválida; qualquer incerteza de estado vira
// REJECTED(state_inconsistency), nunca uma admissão a mais.
func (c *Controller) Request(ctx context.Context, ev domain.CallStarted) (domain.Decision, error) {
	if err := ev.Validate(); err != nil {
		return domain.Decision{}, err
	}
	ctx, span := c.tracer().Start(ctx, "admission.request",
		trace.WithAttributes(attribute.String("store_id", string(ev.StoreID))))
	defer span.End()

	start := c.now()
	plan := c.Plans.Resolve(ctx, ev.StoreID)
	ref := domain.CallRef{ID: ev.CallID, ExternalID: ev.ExternalCallID}

	if other, ok := c.Lanes.Locate(ref.ID); ok && other != ev.StoreID {
		c.log().Warn("call already bound to another store",
			"call_id", ref.ID, "store_id", ev.StoreID, "bound_store_id", other)
		dec := domain.Rejected(plan, domain.CodeStateInconsistency)
		c.observeDecision(ctx, ev.StoreID, ref, dec, start)
		return dec, nil
	}

	var (
		dec   domain.Decision
		fresh bool
	)
	actx, cancel := context.WithTimeout(ctx, c.admissionTimeout())
	defer cancel()
	err := c.Lanes.Do(actx, ev.StoreID, func(st *domain.StoreQueueState) error {
		st.SetPlan(plan)

		// webhook repetido: devolve a decisão vigente sem mexer em nada
		switch st.Lookup(ref.ID) {
		case domain.CallActive:
			dec = domain.Proceed(plan)
			return nil
		case domain.CallQueued:
			pos := st.Position(ref.ID)
			dec = domain.Queued(plan, pos, st.EstimatedWait(pos))
			return nil
		case domain.CallStateEnded:
			dec = domain.Rejected(plan, domain.CodeStateInconsistency)
			return nil
		}

		fresh = true
		now := c.now()
		startedAt := ev.At
		if startedAt.IsZero() {
			startedAt = now
		}
		sess := domain.CallSession{
			CallID:         ref.ID,
			StoreID:        ev.StoreID,
			StartedAt:      startedAt,
			ExternalCallID: ref.ExternalID,
		}

		if st.Admit(ref, startedAt, now) {
			sess.State = domain.CallActive
			if err := c.putSession(ctx, sess); err != nil {
				st.Unadmit(ref.ID)
				c.log().Error("session write failed, admission rolled back",
					"call_id", ref.ID, "store_id", ev.StoreID, "error", err)
				dec = domain.Rejected(plan, domain.CodeStateInconsistency)
				return nil
			}
			c.Lanes.Bind(ref.ID, ev.StoreID)
			dec = domain.Proceed(plan)
			return nil
		}

		if pos, ok := st.Enqueue(ref, now); ok {
			sess.State = domain.CallQueued
			if err := c.putSession(ctx, sess); err != nil {
				st.Dequeue(ref.ID)
				c.log().Error("session write failed, enqueue rolled back",
					"call_id", ref.ID, "store_id", ev.StoreID, "error", err)
				dec = domain.Rejected(plan, domain.CodeStateInconsistency)
				return nil
			}
			c.Lanes.Bind(ref.ID, ev.StoreID)
			dec = domain.Queued(plan, pos, st.EstimatedWait(pos))
			return nil
		}

		dec = domain.Rejected(plan, domain.CodeCapacityExceeded)
		return nil
	})
	if err != nil {
		c.log().Error("admission failed", "call_id", ref.ID, "store_id", ev.StoreID, "error", err)
		dec = domain.Rejected(plan, domain.CodeStateInconsistency)
		fresh = true
	}

	span.SetAttributes(attribute.String("outcome", string(dec.Outcome)))
	if fresh {
		c.observeDecision(ctx, ev.StoreID, ref, dec, start)
	}
	return dec, nil
}

// End processa o call.ended do provedor. Chamada desconhecida ou já
// encerrada é no-op (webhook atrasado ou duplicado).
func (c *Controller) End(ctx context.Context, ev domain.CallEnded) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	store := ev.StoreID
	if store == "" {
		s, ok := c.Lanes.Locate(ev.CallID)
		if !ok {
			c.log().Debug("call.ended for unknown call", "call_id", ev.CallID)
			return nil
		}
		store = s
	}
	reason := ev.Reason
	if reason == "" {
		reason = domain.EndHangup
	}

	res, err := c.terminate(ctx, store, ev.CallID, reason, false)
	if err != nil {
		return err
	}
	if res.outcome != endDone {
		c.log().Debug("call.ended ignored", "call_id", ev.CallID, "store_id", store, "already_ended", res.outcome == endAlready)
		return nil
	}
	c.finish(ctx, store, res)
	return nil
}

// Answered renova o TTL da sessão (o provedor atendeu a chamada).
func (c *Controller) Answered(ctx context.Context, ev domain.CallAnswered) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	err := c.updateSession(ctx, ev.CallID, func(*domain.Session) {})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// UpdateContext grava o contexto opaco da IA (um turno de conversa) e renova o TTL.
func (c *Controller) UpdateContext(ctx context.Context, id domain.CallID, raw json.RawMessage) error {
	if id == "" {
		return domain.NewError(domain.CodeInvalidArgument, "call_id is required")
	}
	if !json.Valid(raw) {
		return domain.NewError(domain.CodeInvalidArgument, "context must be valid JSON")
	}
	return c.updateSession(ctx, id, func(s *domain.Session) {
		s.Context = append(json.RawMessage(nil), raw...)
		s.Call.AIContextRef = contextRef(raw)
	})
}

// contextRef identifica a versão do contexto gravado; muda quando o conteúdo muda.
func contextRef(raw json.RawMessage) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:8])
}

// Context lê a sessão da chamada. Sessão ausente devolve NotFound; se a
// chamada ainda constava como ativa, ela é encerrada defensivamente.
// Chamada na fila sem sessão segue na fila.
func (c *Controller) Context(ctx context.Context, id domain.CallID) (domain.Session, error) {
	if id == "" {
		return domain.Session{}, domain.NewError(domain.CodeInvalidArgument, "call_id is required")
	}
	sctx, cancel := c.sessionCtx(ctx)
	defer cancel()
	sess, err := c.Sessions.Get(sctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		if store, ok := c.Lanes.Locate(id); ok {
			c.expire(ctx, store, id)
		}
		return domain.Session{}, err
	}
	if err != nil {
		return domain.Session{}, domain.WrapError(domain.CodeStateInconsistency, "session store unavailable", err)
	}
	return sess, nil
}

// PlanChanged invalida o plano em cache (vazio = todos) e aplica o novo
// plano na loja, promovendo a fila se o limite subiu.
func (c *Controller) PlanChanged(ctx context.Context, store domain.StoreID) error {
	if store == "" {
		c.Plans.InvalidateAll()
		c.log().Info("plan cache invalidated", "scope", "all")
		return nil
	}
	c.Plans.Invalidate(store)
	plan := c.Plans.Resolve(ctx, store)

	var promoted []domain.QueueEntry
	err := c.Lanes.Peek(ctx, store, func(st *domain.StoreQueueState) error {
		st.SetPlan(plan)
		promoted = c.promoter().Promote(ctx, st)
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		// sem lane: o plano novo vale na próxima admissão
		return nil
	}
	if err != nil {
		return err
	}
	c.log().Info("plan applied", "store_id", store, "plan", plan.ID,
		"max_concurrent", plan.MaxConcurrent, "max_queue", plan.MaxQueue)
	c.afterPromotion(ctx, store, plan, promoted)
	return nil
}

// Handle despacha um evento de ciclo de vida já validado na borda.
// Só call.started tem decisão; para os demais a Decision volta vazia.
func (c *Controller) Handle(ctx context.Context, ev domain.CallEvent) (domain.Decision, error) {
	switch e := ev.(type) {
	case domain.CallStarted:
		return c.Request(ctx, e)
	case domain.CallAnswered:
		return domain.Decision{}, c.Answered(ctx, e)
	case domain.CallEnded:
		return domain.Decision{}, c.End(ctx, e)
	default:
		return domain.Decision{}, domain.NewError(domain.CodeInvalidArgument, "unsupported event %T", ev)
	}
}

type endOutcome int

const (
	endUnknown endOutcome = iota
	endAlready
	// outro hangup da mesma chamada está em andamento no provedor
	endPending
	// a chamada não está no estado exigido (ex.: expirar uma chamada na fila)
	endSkipped
	endDone
)

// termination é o que terminate devolve para o passo fora da lane.
type termination struct {
	outcome  endOutcome
	ref      domain.CallRef
	from     domain.CallState
	reason   domain.EndReason
	since    time.Time // admissão (ACTIVE) ou entrada na fila (QUEUED)
	at       time.Time
	plan     domain.Plan
	promoted []domain.QueueEntry
}

// terminate encerra a chamada na loja. Sem hangup é um job só na lane.
//
// Com hangup são três passos: a lane marca a chamada (BeginHangup), o
// provedor desliga fora da lane e um segundo job faz o commit. Enquanto o
// provedor responde a chamada segue ocupando a vaga e a lane fica livre.
// Se o hangup falhar a marca sai e o erro volta como provider_error.
func (c *Controller) terminate(ctx context.Context, store domain.StoreID, id domain.CallID, reason domain.EndReason, hangup bool) (termination, error) {
	if !hangup {
		return c.commitEnd(ctx, store, id, reason, false)
	}

	var (
		res termination
		ref domain.CallRef
	)
	err := c.Lanes.Peek(ctx, store, func(st *domain.StoreQueueState) error {
		res.plan = st.Plan()
		switch st.Lookup(id) {
		case "":
			res.outcome = endUnknown
			return nil
		case domain.CallStateEnded:
			res.outcome = endAlready
			return nil
		}
		if !st.BeginHangup(id) {
			res.outcome = endPending
			return nil
		}
		ref, _ = st.Ref(id)
		res.outcome = endDone
		return nil
	})
	if domain.CodeOf(err) == domain.CodeNotFound {
		return termination{outcome: endUnknown}, nil
	}
	if err != nil || res.outcome != endDone {
		return res, err
	}

	pctx, cancel := c.providerCtx(ctx)
	herr := c.Telephony.Hangup(pctx, ref)
	cancel()

	// a marca precisa sair mesmo com o chamador cancelado
	cctx := context.WithoutCancel(ctx)
	if herr != nil {
		c.clearHangup(cctx, store, id)
		return termination{}, domain.WrapError(domain.CodeProvider, "hangup "+string(id), herr)
	}
	return c.commitEnd(cctx, store, id, reason, true)
}

// commitEnd tira a chamada do conjunto ativo ou da fila, dentro da lane.
// Encerrar uma chamada ativa promove a fila no mesmo passo.
// Um session_expired só encerra chamada ativa: a fila não renova sessão.
func (c *Controller) commitEnd(ctx context.Context, store domain.StoreID, id domain.CallID, reason domain.EndReason, hungUp bool) (termination, error) {
	var res termination
	err := c.Lanes.Peek(ctx, store, func(st *domain.StoreQueueState) error {
		if hungUp {
			st.EndHangup(id)
		}
		res.plan = st.Plan()
		state := st.Lookup(id)
		switch state {
		case "":
			res.outcome = endUnknown
			return nil
		case domain.CallStateEnded:
			res.outcome = endAlready
			return nil
		case domain.CallQueued:
			if reason == domain.EndSessionExpired {
				res.outcome = endSkipped
				return nil
			}
		}

		ref, _ := st.Ref(id)
		now := c.now()
		if state == domain.CallActive {
			call, _ := st.Release(id, now)
			res.since = call.AdmittedAt
		} else {
			entry, _ := st.Dequeue(id)
			res.since = entry.QueuedAt
			if reason == domain.EndHangup {
				reason = domain.EndAbandoned
			}
		}
		st.Terminate(id, state, reason, now)
		c.deleteSession(ctx, id)

		res.outcome = endDone
		res.ref = ref
		res.from = state
		res.reason = reason
		res.at = now
		if state == domain.CallActive {
			res.promoted = c.promoter().Promote(ctx, st)
		}
		return nil
	})
	// lane já despejada: nada para encerrar
	if domain.CodeOf(err) == domain.CodeNotFound {
		return termination{outcome: endUnknown}, nil
	}
	return res, err
}

// clearHangup desfaz BeginHangup depois de um hangup que falhou.
func (c *Controller) clearHangup(ctx context.Context, store domain.StoreID, ids ...domain.CallID) {
	err := c.Lanes.Peek(ctx, store, func(st *domain.StoreQueueState) error {
		for _, id := range ids {
			st.EndHangup(id)
		}
		return nil
	})
	if err != nil {
		c.log().Error("hangup mark not cleared", "store_id", store, "calls", len(ids), "error", err)
	}
}

// finish registra o encerramento e conecta quem foi promovido.
func (c *Controller) finish(ctx context.Context, store domain.StoreID, res termination) {
	kind := domain.RecordEnded
	if res.from == domain.CallQueued {
		switch res.reason {
		case domain.EndQueueTimeout:
			kind = domain.RecordTimedOut
		case domain.EndQueueCleared:
			kind = domain.RecordCleared
		default:
			kind = domain.RecordAbandoned
		}
	}
	c.log().Info("call ended", "call_id", res.ref.ID, "store_id", store,
		"from", res.from, "reason", res.reason, "duration", res.at.Sub(res.since))
	c.record(ctx, domain.CallRecord{
		CallID:     res.ref.ID,
		StoreID:    store,
		ExternalID: res.ref.ExternalID,
		Kind:       kind,
		Reason:     string(res.reason),
		PlanID:     res.plan.ID,
		Duration:   res.at.Sub(res.since),
		At:         res.at,
	})
	c.stat(ctx, domain.StatsEvent{StoreID: store, Kind: kind, Reason: string(res.reason), At: res.at})
	c.afterPromotion(ctx, store, res.plan, res.promoted)
}

// expire encerra defensivamente uma chamada cuja sessão sumiu.
func (c *Controller) expire(ctx context.Context, store domain.StoreID, id domain.CallID) bool {
	res, err := c.terminate(ctx, store, id, domain.EndSessionExpired, false)
	if err != nil {
		c.log().Error("defensive end failed", "call_id", id, "store_id", store, "error", err)
		return false
	}
	if res.outcome != endDone {
		return false
	}
	pctx, cancel := c.providerCtx(ctx)
	if err := c.Telephony.Hangup(pctx, res.ref); err != nil {
		c.log().Warn("hangup after session expiry failed", "call_id", id, "store_id", store, "error", err)
	}
	cancel()
	c.finish(ctx, store, res)
	return true
}

// updateSession lê, altera e regrava a sessão de uma chamada viva, dentro da lane.
func (c *Controller) updateSession(ctx context.Context, id domain.CallID, mutate func(*domain.Session)) error {
	store, ok := c.Lanes.Locate(id)
	if !ok {
		return domain.NewError(domain.CodeNotFound, "call %s not found", id)
	}

	var expired bool
	err := c.Lanes.Peek(ctx, store, func(st *domain.StoreQueueState) error {
		state := st.Lookup(id)
		switch state {
		case domain.CallActive, domain.CallQueued:
		default:
			return domain.NewError(domain.CodeNotFound, "call %s already ended", id)
		}

		sctx, cancel := c.sessionCtx(ctx)
		defer cancel()
		sess, err := c.Sessions.Get(sctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound) && state == domain.CallActive:
			expired = true
			return domain.NewError(domain.CodeNotFound, "session %s expired", id)
		case errors.Is(err, domain.ErrNotFound):
			// na fila a sessão pode vencer antes do MaxWait: recria a partir da entrada
			entry, _ := st.QueueEntry(id)
			sess = domain.Session{Call: domain.CallSession{
				CallID:         id,
				StoreID:        store,
				StartedAt:      entry.QueuedAt,
				State:          domain.CallQueued,
				ExternalCallID: entry.Ref.ExternalID,
			}}
		case err != nil:
			return domain.WrapError(domain.CodeStateInconsistency, "session store unavailable", err)
		}
		mutate(&sess)
		sess.UpdatedAt = c.now().UTC()
		if err := c.Sessions.Put(sctx, sess); err != nil {
			return domain.WrapError(domain.CodeStateInconsistency, "session store unavailable", err)
		}
		return nil
	})
	if expired {
		c.expire(ctx, store, id)
	}
	return err
}

func (c *Controller) observeDecision(ctx context.Context, store domain.StoreID, ref domain.CallRef, dec domain.Decision, start time.Time) {
	now := c.now()
	kind := domain.RecordAdmitted
	switch dec.Outcome {
	case domain.OutcomeQueued:
		kind = domain.RecordQueued
	case domain.OutcomeRejected:
		kind = domain.RecordRejected
	}
	c.log().Info("admission decision", "call_id", ref.ID, "store_id", store,
		"outcome", dec.Outcome, "position", dec.Position, "reason", dec.Reason, "plan", dec.Plan.ID)
	c.record(ctx, domain.CallRecord{
		CallID:     ref.ID,
		StoreID:    store,
		ExternalID: ref.ExternalID,
		Kind:       kind,
		Reason:     string(dec.Reason),
		PlanID:     dec.Plan.ID,
		At:         now,
	})
	c.stat(ctx, domain.StatsEvent{StoreID: store, Kind: kind, Reason: string(dec.Reason), Latency: now.Sub(start), At: now})
}

func (c *Controller) putSession(ctx context.Context, call domain.CallSession) error {
	sctx, cancel := c.sessionCtx(ctx)
	defer cancel()
	return c.Sessions.Put(sctx, domain.Session{Call: call, UpdatedAt: c.now().UTC()})
}

func (c *Controller) deleteSession(ctx context.Context, id domain.CallID) {
	sctx, cancel := c.sessionCtx(ctx)
	defer cancel()
	if err := c.Sessions.Delete(sctx, id); err != nil {
		// a chave expira sozinha pelo TTL
		c.log().Warn("session delete failed", "call_id", id, "error", err)
	}
}

func (c *Controller) record(ctx context.Context, r domain.CallRecord) {
	if c.Records == nil {
		return
	}
	if err := c.Records.Record(ctx, r); err != nil {
		c.log().Warn("call record failed", "call_id", r.CallID, "kind", r.Kind, "error", err)
	}
}

func (c *Controller) stat(ctx context.Context, ev domain.StatsEvent) {
	if c.Stats == nil {
		return
	}
	// best-effort: não derruba a admissão
	_ = c.Stats.Record(ctx, ev)
}

func (c *Controller) promoter() Promoter {
	return Promoter{Sessions: c.Sessions, Logger: c.log(), Now: c.now, SessionTimeout: c.sessionTimeout()}
}

// sessionCtx desacopla do cancelamento do chamador: dentro da lane uma
// escrita começada precisa terminar para o rollback ser confiável.
func (c *Controller) sessionCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.sessionTimeout())
}

func (c *Controller) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	d := c.ProviderTimeout
	if d <= 0 {
		d = 5 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

func (c *Controller) sessionTimeout() time.Duration {
	if c.SessionTimeout <= 0 {
		return time.Second
	}
	return c.SessionTimeout
}

func (c *Controller) admissionTimeout() time.Duration {
	if c.AdmissionTimeout <= 0 {
		return 2 * time.Second
	}
	return c.AdmissionTimeout
}

func (c *Controller) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Controller) log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Controller) tracer() trace.Tracer {
	if c.Tracer == nil {
		return nooptrace.NewTracerProvider().Tracer("callgate")
	}
	return c.Tracer
}
