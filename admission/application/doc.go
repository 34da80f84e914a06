// Package application contém os casos de uso do controle de admissão:
// resolução de plano, admissão, promoção da fila, varredura periódica,
// leitura para monitoramento e ações administrativas. Também ficam aqui as
// regras de proteção da borda (taxa por chave e vagas de processamento).
//
// Não conhece net/http nem as implementações concretas (Redis, SQLite, provedores).
// Ex.: Controller.Request(ctx, ev) devolve uma Decision (PROCEED/QUEUED/REJECTED).
package application
