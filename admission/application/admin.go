package application

import (
	"context"
	"fmt"

	"callgate/admission/domain"
)

// Admin são as intervenções do operador. Erros do provedor voltam para o
// operador (provider_error) e o estado só muda depois que o provedor confirma.
type Admin struct {
	Controller *Controller
}

// Execute valida o comando e despacha pela ação.
func (a Admin) Execute(ctx context.Context, cmd domain.AdminCommand) (domain.ActionResult, error) {
	if err := cmd.Validate(); err != nil {
		return domain.ActionResult{}, err
	}
	switch cmd.Action {
	case domain.ActionForceHangup:
		return a.ForceHangup(ctx, cmd.CallID)
	case domain.ActionClearQueue:
		return a.ClearQueue(ctx, cmd.StoreID)
	default:
		return a.TransferCall(ctx, cmd.CallID, cmd.TargetNumber)
	}
}

// ForceHangup derruba a chamada no provedor e encerra como um call.ended
// normal (inclusive promovendo a fila). Repetir é no-op.
func (a Admin) ForceHangup(ctx context.Context, id domain.CallID) (domain.ActionResult, error) {
	c := a.Controller
	store, ok := c.Lanes.Locate(id)
	if !ok {
		return domain.ActionResult{}, domain.NewError(domain.CodeNotFound, "call %s not found", id)
	}
	res, err := c.terminate(ctx, store, id, domain.EndForceHangup, true)
	if err != nil {
		c.log().Error("force hangup failed", "call_id", id, "store_id", store, "error", err)
		return domain.ActionResult{}, err
	}
	switch res.outcome {
	case endUnknown:
		return domain.ActionResult{}, domain.NewError(domain.CodeNotFound, "call %s not found", id)
	case endAlready:
		return domain.ActionResult{Success: true, Message: fmt.Sprintf("call %s already ended", id)}, nil
	case endPending:
		return domain.ActionResult{Success: true, Message: fmt.Sprintf("hangup of call %s already in progress", id)}, nil
	}
	c.finish(ctx, store, res)
	return domain.ActionResult{Success: true, Message: fmt.Sprintf("call %s hung up", id)}, nil
}

// ClearQueue esvazia a fila da loja em ordem FIFO, liberando cada perna no
// provedor. Entradas cuja liberação falhou continuam na fila e o comando
// devolve provider_error com a contagem.
//
// Como no ForceHangup, o provedor é chamado fora da lane: as entradas são
// marcadas, desligadas uma a uma e só então saem da fila num segundo job.
func (a Admin) ClearQueue(ctx context.Context, store domain.StoreID) (domain.ActionResult, error) {
	c := a.Controller
	var marked []domain.QueueEntry
	err := c.Lanes.Peek(ctx, store, func(st *domain.StoreQueueState) error {
		for _, e := range st.Queue() {
			if st.BeginHangup(e.Ref.ID) {
				marked = append(marked, e)
			}
		}
		return nil
	})
	if err != nil {
		return domain.ActionResult{}, err
	}

	var released, failed []domain.QueueEntry
	for _, e := range marked {
		pctx, cancel := c.providerCtx(ctx)
		err := c.Telephony.Hangup(pctx, e.Ref)
		cancel()
		if err != nil {
			c.log().Warn("clear queue: hangup failed", "call_id", e.Ref.ID, "store_id", store, "error", err)
			failed = append(failed, e)
			continue
		}
		released = append(released, e)
	}

	var (
		cleared []termination
		plan    domain.Plan
	)
	cctx := context.WithoutCancel(ctx)
	err = c.Lanes.Peek(cctx, store, func(st *domain.StoreQueueState) error {
		plan = st.Plan()
		for _, e := range failed {
			st.EndHangup(e.Ref.ID)
		}
		for _, e := range released {
			st.EndHangup(e.Ref.ID)
			// pode ter saído da fila enquanto o provedor respondia
			if st.Lookup(e.Ref.ID) != domain.CallQueued {
				continue
			}
			now := c.now()
			st.Dequeue(e.Ref.ID)
			st.Terminate(e.Ref.ID, domain.CallQueued, domain.EndQueueCleared, now)
			c.deleteSession(cctx, e.Ref.ID)
			cleared = append(cleared, termination{
				outcome: endDone,
				ref:     e.Ref,
				from:    domain.CallQueued,
				reason:  domain.EndQueueCleared,
				since:   e.QueuedAt,
				at:      now,
			})
		}
		return nil
	})
	if err != nil {
		return domain.ActionResult{}, err
	}
	for _, t := range cleared {
		t.plan = plan
		c.finish(ctx, store, t)
	}
	c.log().Warn("queue cleared by operator", "store_id", store, "cleared", len(cleared), "failed", len(failed))
	if len(failed) > 0 {
		return domain.ActionResult{}, domain.NewError(domain.CodeProvider,
			"%d of %d queued calls could not be released", len(failed), len(marked))
	}
	return domain.ActionResult{Success: true, Message: fmt.Sprintf("cleared %d queued calls", len(cleared))}, nil
}

// TransferCall delega a ponte ao provedor; a contabilidade de admissão não muda.
func (a Admin) TransferCall(ctx context.Context, id domain.CallID, target string) (domain.ActionResult, error) {
	c := a.Controller
	store, ok := c.Lanes.Locate(id)
	if !ok {
		return domain.ActionResult{}, domain.NewError(domain.CodeNotFound, "call %s not found", id)
	}
	var ref domain.CallRef
	err := c.Lanes.Peek(ctx, store, func(st *domain.StoreQueueState) error {
		r, ok := st.Ref(id)
		if !ok {
			return domain.NewError(domain.CodeNotFound, "call %s not found", id)
		}
		ref = r
		return nil
	})
	if err != nil {
		return domain.ActionResult{}, err
	}
	pctx, cancel := c.providerCtx(ctx)
	defer cancel()
	if err := c.Telephony.Bridge(pctx, ref, target); err != nil {
		c.log().Error("transfer failed", "call_id", id, "target", target, "error", err)
		return domain.ActionResult{}, domain.WrapError(domain.CodeProvider, "bridge "+string(id), err)
	}
	c.log().Info("call transferred", "call_id", id, "store_id", store, "target", target)
	return domain.ActionResult{Success: true, Message: fmt.Sprintf("call %s transferred to %s", id, target)}, nil
}
