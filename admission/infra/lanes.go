package infra

import (
	"context"
	"sort"
	"sync"
	"time"

	"callgate/admission/domain"
)

// StoreLanes é o StoreExecutor em memória: uma goroutine ("lane") por loja,
// consumindo jobs de um channel. Jobs da mesma loja rodam um de cada vez;
// lojas diferentes não compartilham lock.
//
// Lanes ociosas (sem chamadas, sem jobs pendentes) são removidas pelo janitor.
type StoreLanes struct {
	mu           sync.Mutex
	lanes        map[domain.StoreID]*lane
	idleTTL      time.Duration
	cleanupEvery time.Duration
	buffer       int
	handleTime   time.Duration
	now          func() time.Time

	idxMu sync.RWMutex
	index map[domain.CallID]domain.StoreID
}

type lane struct {
	jobs  chan func()
	state *domain.StoreQueueState

	// protegidos por StoreLanes.mu
	pending  int
	lastSeen time.Time
}

type LanesOption func(*StoreLanes)

func WithLaneIdleTTL(d time.Duration) LanesOption {
	return func(s *StoreLanes) { s.idleTTL = d }
}

func WithLaneCleanupEvery(d time.Duration) LanesOption {
	return func(s *StoreLanes) { s.cleanupEvery = d }
}

// WithLaneBuffer define quantos jobs podem esperar na lane antes de Do bloquear.
func WithLaneBuffer(n int) LanesOption {
	return func(s *StoreLanes) { s.buffer = n }
}

// WithDefaultHandleTime é o tempo médio de atendimento usado antes de haver amostras.
func WithDefaultHandleTime(d time.Duration) LanesOption {
	return func(s *StoreLanes) { s.handleTime = d }
}

func WithLaneClock(now func() time.Time) LanesOption {
	return func(s *StoreLanes) { s.now = now }
}

func NewStoreLanes(opts ...LanesOption) *StoreLanes {
	s := &StoreLanes{
		lanes:        make(map[domain.StoreID]*lane),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		buffer:       64,
		handleTime:   3 * time.Minute,
		now:          time.Now,
		index:        make(map[domain.CallID]domain.StoreID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *StoreLanes) CleanupEvery() time.Duration { return s.cleanupEvery }

// Do implementa domain.StoreExecutor.
func (s *StoreLanes) Do(ctx context.Context, id domain.StoreID, fn func(*domain.StoreQueueState) error) error {
	return s.run(ctx, id, true, true, fn)
}

// Peek implementa domain.StoreExecutor.
func (s *StoreLanes) Peek(ctx context.Context, id domain.StoreID, fn func(*domain.StoreQueueState) error) error {
	return s.run(ctx, id, false, true, fn)
}

// Read implementa domain.StoreExecutor.
func (s *StoreLanes) Read(ctx context.Context, id domain.StoreID, fn func(*domain.StoreQueueState) error) error {
	return s.run(ctx, id, false, false, fn)
}

func (s *StoreLanes) run(ctx context.Context, id domain.StoreID, create, wait bool, fn func(*domain.StoreQueueState) error) error {
	ln := s.acquire(id, create)
	if ln == nil {
		return domain.NewError(domain.CodeNotFound, "no data available for store %s", id)
	}
	defer s.release(ln)

	done := make(chan error, 1)
	job := func() {
		defer func() {
			if r := recover(); r != nil {
				done <- domain.NewError(domain.CodeStateInconsistency, "store %s job panicked: %v", id, r)
			}
		}()
		done <- fn(ln.state)
	}

	select {
	case ln.jobs <- job:
	case <-ctx.Done():
		return domain.WrapError(domain.CodeStateInconsistency, "store "+string(id)+" lane busy", ctx.Err())
	}
	if wait {
		// aceito: espera sempre, o job pode ter mudado o estado
		return <-done
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return domain.WrapError(domain.CodeStateInconsistency, "store "+string(id)+" read timed out", ctx.Err())
	}
}

func (s *StoreLanes) acquire(id domain.StoreID, create bool) *lane {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ln, ok := s.lanes[id]
	if !ok {
		if !create {
			return nil
		}
		ln = &lane{
			jobs:  make(chan func(), s.buffer),
			state: domain.NewStoreQueueState(id, domain.Plan{}, s.handleTime),
		}
		s.lanes[id] = ln
		go ln.loop()
	}
	ln.pending++
	ln.lastSeen = now
	return ln
}

func (s *StoreLanes) release(ln *lane) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ln.pending--
	ln.lastSeen = now
}

func (l *lane) loop() {
	for job := range l.jobs {
		job()
	}
}

// Stores devolve as lojas com lane viva, em ordem.
func (s *StoreLanes) Stores() []domain.StoreID {
	s.mu.Lock()
	out := make([]domain.StoreID, 0, len(s.lanes))
	for id := range s.lanes {
		out = append(out, id)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *StoreLanes) Locate(id domain.CallID) (domain.StoreID, bool) {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	store, ok := s.index[id]
	return store, ok
}

func (s *StoreLanes) Bind(id domain.CallID, store domain.StoreID) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.index[id] = store
}

func (s *StoreLanes) Forget(ids ...domain.CallID) {
	if len(ids) == 0 {
		return
	}
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	for _, id := range ids {
		delete(s.index, id)
	}
}

// Cleanup remove lanes ociosas. Uma lane só sai se não tiver job pendente,
// nem chamada ativa ou na fila, e estiver parada há mais de idleTTL.
func (s *StoreLanes) Cleanup() {
	cutoff := s.now().Add(-s.idleTTL)

	var forget []domain.CallID
	s.mu.Lock()
	for id, ln := range s.lanes {
		// pending == 0: nenhum job rodando, é seguro ler o estado daqui
		if ln.pending == 0 && ln.lastSeen.Before(cutoff) && ln.state.Idle() {
			forget = append(forget, ln.state.EndedIDs()...)
			delete(s.lanes, id)
			close(ln.jobs)
		}
	}
	s.mu.Unlock()

	s.Forget(forget...)
}

// StartJanitor inicia uma goroutine que remove lanes ociosas periodicamente.
// Pare cancelando o contexto.
func (s *StoreLanes) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context no janitor.
type DoneContext interface {
	Done() <-chan struct{}
}
