package domain

import (
	"sort"
	"time"
)

// Quantidade de atendimentos usada na média móvel do tempo de atendimento.
const handleWindowSize = 20

// StoreQueueState guarda as chamadas ativas e a fila de espera de uma loja.
//
// Invariantes mantidos pelos métodos:
//   - uma chamada está em no máximo um de {active, queue, ended}
//   - Admit só aceita com len(active) < MaxConcurrent
//   - Enqueue só aceita com len(queue) < MaxQueue
//   - a fila é ordenada por QueuedAt (FIFO)
//
// Depois de um downgrade de plano len(active) pode ficar acima do novo limite;
// as chamadas existentes seguem e nenhuma nova entra até sobrar vaga.
type StoreQueueState struct {
	StoreID StoreID

	plan   Plan
	active map[CallID]ActiveCall
	queue  []QueueEntry
	ended  map[CallID]Termination

	// chamadas com hangup em andamento no provedor (seguem ativas/na fila)
	hangingUp map[CallID]struct{}

	handle        []time.Duration
	handleNext    int
	defaultHandle time.Duration
}

func NewStoreQueueState(id StoreID, plan Plan, defaultHandle time.Duration) *StoreQueueState {
	return &StoreQueueState{
		StoreID:       id,
		plan:          plan,
		active:        make(map[CallID]ActiveCall),
		ended:         make(map[CallID]Termination),
		hangingUp:     make(map[CallID]struct{}),
		defaultHandle: defaultHandle,
	}
}

func (s *StoreQueueState) Plan() Plan       { return s.plan }
func (s *StoreQueueState) SetPlan(p Plan)   { s.plan = p }
func (s *StoreQueueState) ActiveCount() int { return len(s.active) }
func (s *StoreQueueState) QueueLen() int    { return len(s.queue) }

// Idle indica que não há chamada ativa nem na fila.
func (s *StoreQueueState) Idle() bool { return len(s.active) == 0 && len(s.queue) == 0 }

// Lookup devolve o estado da chamada nesta loja, ou "" se desconhecida.
func (s *StoreQueueState) Lookup(id CallID) CallState {
	if _, ok := s.active[id]; ok {
		return CallActive
	}
	if _, ok := s.ended[id]; ok {
		return CallStateEnded
	}
	if s.indexOf(id) >= 0 {
		return CallQueued
	}
	return ""
}

// Ref devolve a referência de uma chamada ativa ou na fila.
func (s *StoreQueueState) Ref(id CallID) (CallRef, bool) {
	if c, ok := s.active[id]; ok {
		return c.Ref, true
	}
	if i := s.indexOf(id); i >= 0 {
		return s.queue[i].Ref, true
	}
	return CallRef{}, false
}

func (s *StoreQueueState) HasCapacity() bool { return len(s.active) < s.plan.MaxConcurrent }

func (s *StoreQueueState) HasQueueRoom() bool { return len(s.queue) < s.plan.MaxQueue }

// Admit adiciona a chamada ao conjunto ativo se houver vaga.
func (s *StoreQueueState) Admit(ref CallRef, startedAt, now time.Time) bool {
	if !s.HasCapacity() || s.Lookup(ref.ID) != "" {
		return false
	}
	s.active[ref.ID] = ActiveCall{Ref: ref, StartedAt: startedAt, AdmittedAt: now}
	return true
}

// Unadmit desfaz um Admit (ex.: falha ao gravar a sessão). Não conta como atendimento.
func (s *StoreQueueState) Unadmit(id CallID) {
	delete(s.active, id)
}

// Enqueue coloca a chamada na fila se houver espaço e devolve a posição (1-based).
func (s *StoreQueueState) Enqueue(ref CallRef, now time.Time) (int, bool) {
	if !s.HasQueueRoom() || s.Lookup(ref.ID) != "" {
		return 0, false
	}
	entry := QueueEntry{Ref: ref, StoreID: s.StoreID, QueuedAt: now}
	// inserção estável: depois de todos com QueuedAt <= now
	i := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].QueuedAt.After(now) })
	s.queue = append(s.queue, QueueEntry{})
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = entry
	return i + 1, true
}

// Position devolve a posição 1-based na fila, ou 0.
func (s *StoreQueueState) Position(id CallID) int {
	return s.indexOf(id) + 1
}

// Dequeue remove uma chamada da fila por id (abandono, timeout, clear).
// A ordem relativa das demais não muda.
func (s *StoreQueueState) Dequeue(id CallID) (QueueEntry, bool) {
	i := s.indexOf(id)
	if i < 0 {
		return QueueEntry{}, false
	}
	e := s.queue[i]
	s.queue = append(s.queue[:i], s.queue[i+1:]...)
	return e, true
}

// Head devolve a entrada mais antiga da fila.
func (s *StoreQueueState) Head() (QueueEntry, bool) {
	if len(s.queue) == 0 {
		return QueueEntry{}, false
	}
	return s.queue[0], true
}

// PromoteHead tira a cabeça da fila e a coloca no conjunto ativo, num passo só.
// Só promove se houver vaga.
func (s *StoreQueueState) PromoteHead(now time.Time) (QueueEntry, bool) {
	if len(s.queue) == 0 || !s.HasCapacity() {
		return QueueEntry{}, false
	}
	head := s.queue[0]
	s.queue = s.queue[1:]
	s.active[head.Ref.ID] = ActiveCall{Ref: head.Ref, StartedAt: head.QueuedAt, AdmittedAt: now}
	return head, true
}

// RequeueHead desfaz um PromoteHead: a entrada volta para a frente da fila.
func (s *StoreQueueState) RequeueHead(e QueueEntry) {
	delete(s.active, e.Ref.ID)
	s.queue = append([]QueueEntry{e}, s.queue...)
}

// Release remove uma chamada ativa e registra a duração na média móvel.
func (s *StoreQueueState) Release(id CallID, now time.Time) (ActiveCall, bool) {
	c, ok := s.active[id]
	if !ok {
		return ActiveCall{}, false
	}
	delete(s.active, id)
	if d := now.Sub(c.AdmittedAt); d > 0 {
		s.recordHandle(d)
	}
	return c, true
}

// Terminate marca a chamada como encerrada. Deve ser chamado depois de
// Release/Dequeue; a chamada fica em `ended` até PruneEnded.
func (s *StoreQueueState) Terminate(id CallID, from CallState, reason EndReason, now time.Time) {
	delete(s.hangingUp, id)
	s.ended[id] = Termination{CallID: id, From: from, Reason: reason, At: now}
}

// BeginHangup marca uma chamada viva como "desligando no provedor".
// Falso se a chamada não está viva ou já tem um hangup em andamento.
// A marca não muda Lookup: até o commit a chamada segue ocupando vaga.
func (s *StoreQueueState) BeginHangup(id CallID) bool {
	switch s.Lookup(id) {
	case CallActive, CallQueued:
	default:
		return false
	}
	if _, ok := s.hangingUp[id]; ok {
		return false
	}
	s.hangingUp[id] = struct{}{}
	return true
}

// EndHangup tira a marca de BeginHangup (commit ou rollback).
func (s *StoreQueueState) EndHangup(id CallID) { delete(s.hangingUp, id) }

func (s *StoreQueueState) HangingUp(id CallID) bool {
	_, ok := s.hangingUp[id]
	return ok
}

// QueueEntry devolve a entrada da fila de uma chamada.
func (s *StoreQueueState) QueueEntry(id CallID) (QueueEntry, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.queue[i], true
	}
	return QueueEntry{}, false
}

func (s *StoreQueueState) Termination(id CallID) (Termination, bool) {
	t, ok := s.ended[id]
	return t, ok
}

// PruneEnded esquece encerramentos anteriores a cutoff e devolve os ids removidos.
func (s *StoreQueueState) PruneEnded(cutoff time.Time) []CallID {
	var out []CallID
	for id, t := range s.ended {
		if t.At.Before(cutoff) {
			delete(s.ended, id)
			out = append(out, id)
		}
	}
	return out
}

// EndedIDs devolve todos os ids ainda retidos como encerrados.
func (s *StoreQueueState) EndedIDs() []CallID {
	out := make([]CallID, 0, len(s.ended))
	for id := range s.ended {
		out = append(out, id)
	}
	return out
}

// Overdue devolve as entradas que esperam há mais de maxWait, em ordem de fila.
// Entradas com hangup em andamento ficam de fora.
func (s *StoreQueueState) Overdue(now time.Time, maxWait time.Duration) []QueueEntry {
	if maxWait <= 0 {
		return nil
	}
	var out []QueueEntry
	for _, e := range s.queue {
		if s.HangingUp(e.Ref.ID) {
			continue
		}
		if now.Sub(e.QueuedAt) > maxWait {
			out = append(out, e)
		}
	}
	return out
}

// AverageHandle é a média móvel das últimas durações de atendimento.
func (s *StoreQueueState) AverageHandle() time.Duration {
	if len(s.handle) == 0 {
		return s.defaultHandle
	}
	var sum time.Duration
	for _, d := range s.handle {
		sum += d
	}
	return sum / time.Duration(len(s.handle))
}

// EstimatedWait = position × AverageHandle. É só um aviso, não uma garantia.
func (s *StoreQueueState) EstimatedWait(position int) time.Duration {
	if position <= 0 {
		return 0
	}
	return time.Duration(position) * s.AverageHandle()
}

func (s *StoreQueueState) ActiveCalls() []ActiveCall {
	out := make([]ActiveCall, 0, len(s.active))
	for _, c := range s.active {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AdmittedAt.Equal(out[j].AdmittedAt) {
			return out[i].Ref.ID < out[j].Ref.ID
		}
		return out[i].AdmittedAt.Before(out[j].AdmittedAt)
	})
	return out
}

func (s *StoreQueueState) Queue() []QueueEntry {
	out := make([]QueueEntry, len(s.queue))
	copy(out, s.queue)
	return out
}

// Snapshot é uma cópia para leitura fora da lane.
func (s *StoreQueueState) Snapshot() StoreSnapshot {
	return StoreSnapshot{
		StoreID:       s.StoreID,
		Plan:          s.plan,
		Active:        s.ActiveCalls(),
		Queue:         s.Queue(),
		AverageHandle: s.AverageHandle(),
	}
}

func (s *StoreQueueState) indexOf(id CallID) int {
	for i, e := range s.queue {
		if e.Ref.ID == id {
			return i
		}
	}
	return -1
}

func (s *StoreQueueState) recordHandle(d time.Duration) {
	if len(s.handle) < handleWindowSize {
		s.handle = append(s.handle, d)
		return
	}
	s.handle[s.handleNext] = d
	s.handleNext = (s.handleNext + 1) % handleWindowSize
}
