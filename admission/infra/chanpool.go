package infra

import (
	"context"
	"sync"

	"callgate/admission/domain"
)

// ChanPool é um semáforo sobre channel que limita quantos webhooks estão
// em processamento ao mesmo tempo.
type ChanPool struct {
	sem chan struct{}
}

var _ domain.SlotPool = (*ChanPool)(nil)

func NewChanPool(max int) *ChanPool {
	if max < 1 {
		max = 1
	}
	return &ChanPool{sem: make(chan struct{}, max)}
}

// Acquire espera uma vaga até ctx terminar. O release devolvido pode ser
// chamado mais de uma vez; só a primeira libera.
func (p *ChanPool) Acquire(ctx context.Context) (func(), bool) {
	select {
	case p.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-p.sem }) }, true
	case <-ctx.Done():
		return nil, false
	}
}

func (p *ChanPool) InUse() int { return len(p.sem) }

func (p *ChanPool) Cap() int { return cap(p.sem) }
