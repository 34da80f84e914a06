package domain

import (
	"context"
	"time"
)

// RecordKind é o tipo de transição registrada no histórico durável.
type RecordKind string

const (
	RecordAdmitted  RecordKind = "admitted"
	RecordQueued    RecordKind = "queued"
	RecordRejected  RecordKind = "rejected"
	RecordPromoted  RecordKind = "promoted"
	RecordEnded     RecordKind = "ended"
	RecordAbandoned RecordKind = "abandoned"
	RecordTimedOut  RecordKind = "timed_out"
	RecordCleared   RecordKind = "cleared"

	// Só aparecem em estatística: webhook barrado antes da admissão, pelo
	// limite de taxa da conta ou pelo teto de webhooks em processamento.
	RecordThrottled  RecordKind = "throttled"
	RecordOverloaded RecordKind = "overloaded"
)

// CallRecord é uma linha do histórico de ciclo de vida (auditoria/analytics).
type CallRecord struct {
	CallID     CallID
	StoreID    StoreID
	ExternalID string
	Kind       RecordKind
	Reason     string
	PlanID     string
	Duration   time.Duration // atendimento (ended) ou espera (promoted/abandoned/timed_out)
	At         time.Time
}

// CallRecorder é o colaborador de registro durável.
// O motor escreve nele mas não depende dele para corretude: erros são só logados.
type CallRecorder interface {
	Record(ctx context.Context, r CallRecord) error
}
