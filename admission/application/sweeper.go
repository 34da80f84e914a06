package application

import (
	"context"
	"errors"
	"time"

	"callgate/admission/domain"
)

// Sweeper faz a manutenção periódica de cada loja:
//  1. chamadas na fila há mais de MaxWait viram REJECTED(queue_timeout);
//  2. promove a fila se sobrou vaga (upgrade de plano, promoção que falhou);
//  3. chamadas ativas sem sessão (TTL venceu sem renovação) são encerradas;
//  4. esquece encerramentos mais antigos que EndedRetention.
type Sweeper struct {
	Controller     *Controller
	Interval       time.Duration
	MaxWait        time.Duration
	EndedRetention time.Duration
}

// SweepReport resume uma passada.
type SweepReport struct {
	Stores   int
	TimedOut int
	Promoted int
	Expired  int
	Pruned   int
	Failed   int
}

func (r *SweepReport) add(o SweepReport) {
	r.Stores += o.Stores
	r.TimedOut += o.TimedOut
	r.Promoted += o.Promoted
	r.Expired += o.Expired
	r.Pruned += o.Pruned
	r.Failed += o.Failed
}

// Sweep passa por todas as lojas. Falha em uma loja não interrompe as outras.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	c := s.Controller
	var total SweepReport
	for _, id := range c.Lanes.Stores() {
		if ctx.Err() != nil {
			break
		}
		r, err := s.sweepStore(ctx, id)
		if err != nil {
			c.log().Error("sweep failed", "store_id", id, "error", err)
			total.Failed++
			continue
		}
		total.add(r)
	}
	return total
}

func (s *Sweeper) sweepStore(ctx context.Context, id domain.StoreID) (SweepReport, error) {
	c := s.Controller
	plan := c.Plans.Resolve(ctx, id)

	var (
		timedOut []domain.QueueEntry
		promoted []domain.QueueEntry
		active   []domain.ActiveCall
		pruned   []domain.CallID
		now      time.Time
	)
	err := c.Lanes.Peek(ctx, id, func(st *domain.StoreQueueState) error {
		now = c.now()
		st.SetPlan(plan)
		for _, e := range st.Overdue(now, s.MaxWait) {
			st.Dequeue(e.Ref.ID)
			st.Terminate(e.Ref.ID, domain.CallQueued, domain.EndQueueTimeout, now)
			c.deleteSession(ctx, e.Ref.ID)
			timedOut = append(timedOut, e)
		}
		promoted = c.promoter().Promote(ctx, st)
		active = st.ActiveCalls()
		if s.EndedRetention > 0 {
			pruned = st.PruneEnded(now.Add(-s.EndedRetention))
		}
		return nil
	})
	if domain.CodeOf(err) == domain.CodeNotFound {
		// lane despejada entre Stores() e Peek
		return SweepReport{}, nil
	}
	if err != nil {
		return SweepReport{}, err
	}
	c.Lanes.Forget(pruned...)

	for _, e := range timedOut {
		pctx, cancel := c.providerCtx(ctx)
		if err := c.Telephony.Hangup(pctx, e.Ref); err != nil {
			c.log().Warn("hangup after queue timeout failed", "call_id", e.Ref.ID, "store_id", id, "error", err)
		}
		cancel()
		c.finish(ctx, id, termination{
			outcome: endDone,
			ref:     e.Ref,
			from:    domain.CallQueued,
			reason:  domain.EndQueueTimeout,
			since:   e.QueuedAt,
			at:      now,
			plan:    plan,
		})
	}
	c.afterPromotion(ctx, id, plan, promoted)

	expired := 0
	for _, a := range active {
		sctx, cancel := c.sessionCtx(ctx)
		_, err := c.Sessions.Get(sctx, a.Ref.ID)
		cancel()
		if errors.Is(err, domain.ErrNotFound) {
			if c.expire(ctx, id, a.Ref.ID) {
				expired++
			}
			continue
		}
		if err != nil {
			// session store fora: não dá para distinguir expirada de indisponível
			c.log().Warn("session check skipped", "store_id", id, "error", err)
			break
		}
	}

	return SweepReport{
		Stores:   1,
		TimedOut: len(timedOut),
		Promoted: len(promoted),
		Expired:  expired,
		Pruned:   len(pruned),
	}, nil
}

// Start roda Sweep a cada Interval até ctx terminar. O channel devolvido
// fecha quando a goroutine sai (depois da passada em andamento).
func (s *Sweeper) Start(ctx context.Context) <-chan struct{} {
	every := s.Interval
	if every <= 0 {
		every = time.Second
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r := s.Sweep(ctx)
				if r.TimedOut+r.Promoted+r.Expired+r.Failed > 0 {
					s.Controller.log().Info("sweep done",
						"stores", r.Stores, "timed_out", r.TimedOut, "promoted", r.Promoted,
						"expired", r.Expired, "pruned", r.Pruned, "failed", r.Failed)
				}
			}
		}
	}()
	return done
}
