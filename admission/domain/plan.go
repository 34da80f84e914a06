package domain

import "time"

type StoreID string

// Plan é o par de limites de um tier de assinatura.
type Plan struct {
	ID            string
	MaxConcurrent int
	MaxQueue      int
}

// Subscription é o que o colaborador de billing devolve para uma loja.
type Subscription struct {
	StoreID   StoreID
	Plan      Plan
	ExpiresAt time.Time // zero = sem expiração
}

// Expired indica se a assinatura já venceu em `now`.
func (s Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Valid rejeita limites negativos ou plano sem id.
func (p Plan) Valid() bool {
	return p.ID != "" && p.MaxConcurrent >= 0 && p.MaxQueue >= 0
}
