package domain

import (
	"context"
	"time"
)

// StatsEvent representa um evento de decisão/transição do controle de admissão.
//
// Observação: cuidado com cardinalidade (ex.: salvar CallID como série
// explode o número de chaves em Redis/Prometheus). Só StoreID é usado como chave.
type StatsEvent struct {
	StoreID StoreID
	Kind    RecordKind
	Reason  string

	// Latency é o tempo de decisão (só para admissões).
	Latency time.Duration

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas.
//
// Implementações podem armazenar em Redis, OpenTelemetry, memória, etc.
// O controller trata erro como best-effort (não derruba a admissão).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// MultiStats repassa o evento para todos os stores e devolve o primeiro erro.
type MultiStats []StatsStore

func (m MultiStats) Record(ctx context.Context, ev StatsEvent) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
