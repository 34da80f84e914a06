package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"callgate/admission/domain"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Resolver mapeia loja -> limites vigentes, com cache curto.
//
// Nunca falha aberto: assinatura ausente, vencida ou inválida, e erro/lentidão
// do billing, resultam no plano Fallback (o mais conservador). Fallbacks ficam
// num cache separado com TTL menor para que o billing seja consultado de novo logo.
type Resolver struct {
	billing  domain.BillingSource
	fallback domain.Plan
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	subs      *expirable.LRU[domain.StoreID, domain.Subscription]
	fallbacks *expirable.LRU[domain.StoreID, domain.Plan]
}

type ResolverOption func(*resolverConfig)

type resolverConfig struct {
	size        int
	ttl         time.Duration
	negativeTTL time.Duration
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func WithPlanCacheSize(n int) ResolverOption {
	return func(c *resolverConfig) { c.size = n }
}

func WithPlanTTL(d time.Duration) ResolverOption {
	return func(c *resolverConfig) { c.ttl = d }
}

// WithFallbackTTL define por quanto tempo um fallback é reaproveitado.
func WithFallbackTTL(d time.Duration) ResolverOption {
	return func(c *resolverConfig) { c.negativeTTL = d }
}

// WithBillingTimeout limita cada consulta ao billing (caminho crítico da admissão).
func WithBillingTimeout(d time.Duration) ResolverOption {
	return func(c *resolverConfig) { c.timeout = d }
}

func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(c *resolverConfig) { c.logger = l }
}

func WithResolverClock(now func() time.Time) ResolverOption {
	return func(c *resolverConfig) { c.now = now }
}

func NewResolver(billing domain.BillingSource, fallback domain.Plan, opts ...ResolverOption) (*Resolver, error) {
	if !fallback.Valid() {
		return nil, domain.NewError(domain.CodeConfiguration, "invalid fallback plan %+v", fallback)
	}
	cfg := resolverConfig{
		size:        10_000,
		ttl:         30 * time.Second,
		negativeTTL: 5 * time.Second,
		timeout:     200 * time.Millisecond,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Resolver{
		billing:   billing,
		fallback:  fallback,
		timeout:   cfg.timeout,
		logger:    cfg.logger,
		now:       cfg.now,
		subs:      expirable.NewLRU[domain.StoreID, domain.Subscription](cfg.size, nil, cfg.ttl),
		fallbacks: expirable.NewLRU[domain.StoreID, domain.Plan](cfg.size, nil, cfg.negativeTTL),
	}, nil
}

func (r *Resolver) Fallback() domain.Plan { return r.fallback }

func (r *Resolver) Resolve(ctx context.Context, id domain.StoreID) domain.Plan {
	// a assinatura pode vencer enquanto está no cache
	if sub, ok := r.subs.Get(id); ok {
		if !sub.Expired(r.now()) {
			return sub.Plan
		}
		r.subs.Remove(id)
	}
	if p, ok := r.fallbacks.Get(id); ok {
		return p
	}
	if r.billing == nil {
		return r.fallback
	}

	bctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	sub, err := r.billing.Subscription(bctx, id)

	switch {
	case errors.Is(err, domain.ErrNotFound):
		r.logger.Info("no subscription, using fallback plan", "store_id", id, "plan", r.fallback.ID)
	case err != nil:
		r.logger.Warn("billing lookup failed, using fallback plan", "store_id", id, "plan", r.fallback.ID, "error", err)
	case sub.Expired(r.now()):
		r.logger.Info("subscription expired, using fallback plan", "store_id", id, "expired_at", sub.ExpiresAt, "plan", r.fallback.ID)
	case !sub.Plan.Valid():
		r.logger.Error("invalid plan from billing, using fallback plan",
			"store_id", id, "error", domain.NewError(domain.CodeConfiguration, "invalid plan %+v", sub.Plan))
	default:
		r.subs.Add(id, sub)
		return sub.Plan
	}
	r.fallbacks.Add(id, r.fallback)
	return r.fallback
}

func (r *Resolver) Invalidate(id domain.StoreID) {
	r.subs.Remove(id)
	r.fallbacks.Remove(id)
}

func (r *Resolver) InvalidateAll() {
	r.subs.Purge()
	r.fallbacks.Purge()
}
