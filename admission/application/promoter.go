package application

import (
	"context"
	"log/slog"
	"time"

	"callgate/admission/domain"
)

// Promoter move chamadas da fila para o conjunto ativo enquanto houver vaga.
//
// Promote roda dentro da lane da loja: tirar da fila e admitir é um passo só,
// então dois encerramentos quase simultâneos nunca promovem a mesma cabeça.
type Promoter struct {
	Sessions       domain.SessionStore
	Logger         *slog.Logger
	Now            func() time.Time
	SessionTimeout time.Duration
}

// Promote devolve as entradas promovidas, em ordem de fila. Se a sessão da
// cabeça não puder ser gravada ela volta para a frente da fila e a promoção para.
func (p Promoter) Promote(ctx context.Context, st *domain.StoreQueueState) []domain.QueueEntry {
	var out []domain.QueueEntry
	for {
		now := p.Now()
		head, ok := st.PromoteHead(now)
		if !ok {
			return out
		}

		sess := domain.Session{
			Call: domain.CallSession{
				CallID:         head.Ref.ID,
				StoreID:        st.StoreID,
				StartedAt:      head.QueuedAt,
				State:          domain.CallActive,
				ExternalCallID: head.Ref.ExternalID,
			},
			UpdatedAt: now.UTC(),
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.SessionTimeout)
		err := p.Sessions.Put(sctx, sess)
		cancel()
		if err != nil {
			st.RequeueHead(head)
			p.Logger.Error("promotion rolled back: session write failed",
				"call_id", head.Ref.ID, "store_id", st.StoreID, "error", err)
			return out
		}
		out = append(out, head)
	}
}

// afterPromotion registra as promoções e pede ao provedor para conectar cada
// chamada. Se o connect falhar a chamada é encerrada (connect_failed), o que
// promove a próxima da fila.
func (c *Controller) afterPromotion(ctx context.Context, store domain.StoreID, plan domain.Plan, promoted []domain.QueueEntry) {
	for _, e := range promoted {
		now := c.now()
		c.log().Info("call promoted", "call_id", e.Ref.ID, "store_id", store, "waited", now.Sub(e.QueuedAt))
		c.record(ctx, domain.CallRecord{
			CallID:     e.Ref.ID,
			StoreID:    store,
			ExternalID: e.Ref.ExternalID,
			Kind:       domain.RecordPromoted,
			PlanID:     plan.ID,
			Duration:   now.Sub(e.QueuedAt),
			At:         now,
		})
		c.stat(ctx, domain.StatsEvent{StoreID: store, Kind: domain.RecordPromoted, At: now})

		pctx, cancel := c.providerCtx(ctx)
		err := c.Telephony.Connect(pctx, e.Ref)
		cancel()
		if err == nil {
			continue
		}
		c.log().Error("connect after promotion failed", "call_id", e.Ref.ID, "store_id", store, "error", err)
		res, terr := c.terminate(ctx, store, e.Ref.ID, domain.EndConnectFailed, false)
		if terr != nil {
			c.log().Error("ending unconnected call failed", "call_id", e.Ref.ID, "store_id", store, "error", terr)
			continue
		}
		if res.outcome == endDone {
			c.finish(ctx, store, res)
		}
	}
}
