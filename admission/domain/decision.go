package domain

import "time"

// Outcome é o resultado de uma admissão.
type Outcome string

const (
	OutcomeProceed  Outcome = "PROCEED"
	OutcomeQueued   Outcome = "QUEUED"
	OutcomeRejected Outcome = "REJECTED"
)

// Decision é o que volta para o colaborador de telefonia no call.started.
type Decision struct {
	Outcome Outcome
	// Position é 1-based e só faz sentido quando Outcome == OutcomeQueued.
	Position int
	// EstimatedWait é apenas uma estimativa (position × tempo médio de atendimento).
	EstimatedWait time.Duration
	// Reason só é preenchido quando Outcome == OutcomeRejected.
	Reason Code
	Plan   Plan
}

func Proceed(plan Plan) Decision { return Decision{Outcome: OutcomeProceed, Plan: plan} }

func Queued(plan Plan, position int, wait time.Duration) Decision {
	return Decision{Outcome: OutcomeQueued, Plan: plan, Position: position, EstimatedWait: wait}
}

func Rejected(plan Plan, reason Code) Decision {
	return Decision{Outcome: OutcomeRejected, Plan: plan, Reason: reason}
}

// EndReason diz por que uma chamada saiu do registro ativo ou da fila.
type EndReason string

const (
	EndHangup         EndReason = "hangup"
	EndForceHangup    EndReason = "force_hangup"
	EndAbandoned      EndReason = "abandoned"
	EndQueueTimeout   EndReason = "queue_timeout"
	EndQueueCleared   EndReason = "queue_cleared"
	EndSessionExpired EndReason = "session_expired"
	EndConnectFailed  EndReason = "connect_failed"
)
