package application

import (
	"context"
	"log/slog"
	"time"

	"callgate/admission/domain"
)

// Ingress protege a entrada dos webhooks do provedor, antes da admissão:
// taxa por conta do provedor (Limits) e teto de webhooks em processamento (Pool).
//
// Cada webhook barrado vira um StatsEvent sem loja, com a rota no Reason.
// Não sabe nada de HTTP; a borda traduz a decisão em status e headers.
type Ingress struct {
	Limits domain.LimiterStore
	Pool   domain.SlotPool
	Stats  domain.StatsStore
	Logger *slog.Logger
	Now    func() time.Time

	// RetryAfter é quanto o provedor deve esperar para reenviar (padrão 1s).
	RetryAfter time.Duration
	// AcquireTimeout limita a espera por vaga; <= 0 espera até ctx terminar.
	AcquireTimeout time.Duration
}

// Allow consome um token da conta. Conta sem limiter passa.
func (g Ingress) Allow(ctx context.Context, account domain.Key, route string) domain.ThrottleDecision {
	if g.Limits == nil {
		return domain.ThrottleDecision{Allowed: true}
	}
	lim := g.Limits.Get(account)
	if lim == nil || lim.Allow() {
		return domain.ThrottleDecision{Allowed: true}
	}

	retry := g.RetryAfter
	if retry <= 0 {
		retry = time.Second
	}
	g.log().Debug("webhook throttled", "account", account, "route", route, "retry_after", retry)
	g.reject(ctx, domain.RecordThrottled, route)
	return domain.ThrottleDecision{Allowed: false, RetryAfter: retry}
}

// Enter reserva uma vaga de processamento. Com ok, release deve ser chamado
// exatamente uma vez.
func (g Ingress) Enter(ctx context.Context, route string) (release func(), ok bool) {
	if g.Pool == nil {
		return func() {}, true
	}
	actx := ctx
	if g.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, g.AcquireTimeout)
		defer cancel()
	}
	if release, ok := g.Pool.Acquire(actx); ok {
		return release, true
	}

	g.log().Warn("webhook rejected: overloaded", "route", route, "in_flight", g.Pool.InUse())
	g.reject(ctx, domain.RecordOverloaded, route)
	return nil, false
}

func (g Ingress) reject(ctx context.Context, kind domain.RecordKind, route string) {
	if g.Stats == nil {
		return
	}
	now := time.Now()
	if g.Now != nil {
		now = g.Now()
	}
	// o ctx da requisição pode já ter vencido (timeout de vaga)
	_ = g.Stats.Record(context.WithoutCancel(ctx), domain.StatsEvent{Kind: kind, Reason: route, At: now})
}

func (g Ingress) log() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}
