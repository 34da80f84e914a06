package domain

import (
	"encoding/json"
	"time"
)

type CallID string

// CallState é o estado de uma CallSession. A decisão de admissão é atômica
// com o call.started, então nenhuma sessão é gravada antes de QUEUED/ACTIVE.
type CallState string

const (
	CallQueued     CallState = "QUEUED"
	CallActive     CallState = "ACTIVE"
	CallStateEnded CallState = "ENDED"
)

// CallRef identifica uma chamada para o provedor de telefonia.
type CallRef struct {
	ID         CallID
	ExternalID string
}

// CallSession é o registro de sessão mantido no session store.
type CallSession struct {
	CallID    CallID    `json:"call_id"`
	StoreID   StoreID   `json:"store_id"`
	StartedAt time.Time `json:"started_at"`
	State     CallState `json:"state"`
	// AIContextRef é o digest do último contexto gravado pela IA.
	AIContextRef   string `json:"ai_context_ref,omitempty"`
	ExternalCallID string `json:"external_call_id,omitempty"`
}

// Session é o que fica no key-value: a sessão + o contexto opaco da IA.
type Session struct {
	Call      CallSession     `json:"call"`
	Context   json.RawMessage `json:"context,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ActiveCall é uma chamada admitida.
type ActiveCall struct {
	Ref        CallRef
	StartedAt  time.Time
	AdmittedAt time.Time
}

// QueueEntry é uma chamada aguardando vaga.
// A posição não é persistida: é calculada na leitura pela ordem de QueuedAt.
type QueueEntry struct {
	Ref      CallRef
	StoreID  StoreID
	QueuedAt time.Time
}

// Termination é o registro de uma chamada encerrada, mantido por um tempo
// para que webhooks atrasados/duplicados virem no-op.
type Termination struct {
	CallID CallID
	From   CallState
	Reason EndReason
	At     time.Time
}
