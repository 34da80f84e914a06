package infra

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"callgate/admission/domain"
)

// AsyncRecorder desacopla o motor do armazenamento durável: Record só
// enfileira; uma goroutine grava. Fila cheia descarta o registro e loga.
type AsyncRecorder struct {
	next    domain.CallRecorder
	logger  *slog.Logger
	timeout time.Duration

	// mu protege o envio em queue contra o close de Close
	mu      sync.RWMutex
	closed  bool
	queue   chan domain.CallRecord
	done    chan struct{}
	dropped atomic.Int64
}

func NewAsyncRecorder(next domain.CallRecorder, buffer int, logger *slog.Logger) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &AsyncRecorder{
		next:    next,
		logger:  logger,
		timeout: 5 * time.Second,
		queue:   make(chan domain.CallRecord, buffer),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record enfileira sem bloquear. Depois de Close o registro é descartado.
func (r *AsyncRecorder) Record(_ context.Context, rec domain.CallRecord) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		r.logger.Warn("call record dropped: recorder closed",
			"call_id", rec.CallID, "store_id", rec.StoreID, "kind", rec.Kind)
		return nil
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.logger.Warn("call record dropped: queue full",
			"call_id", rec.CallID, "store_id", rec.StoreID, "kind", rec.Kind)
	}
	return nil
}

// Dropped devolve quantos registros foram descartados.
func (r *AsyncRecorder) Dropped() int64 { return r.dropped.Load() }

// Close drena o que já foi enfileirado e para a goroutine. Pode ser chamado
// mais de uma vez.
func (r *AsyncRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *AsyncRecorder) loop() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.next.Record(ctx, rec); err != nil {
			r.logger.Error("call record failed", "call_id", rec.CallID, "kind", rec.Kind, "error", err)
		}
		cancel()
	}
}
