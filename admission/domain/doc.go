// Package domain define contratos e tipos de domínio do controle de admissão de chamadas.
//
// Este pacote não depende de net/http, Redis ou SQLite.
// A intenção é permitir testes de unidade puros e desacoplar as regras de
// admissão/fila de detalhes de infraestrutura.
//
// O núcleo é StoreQueueState: o conjunto de chamadas ativas e a fila de espera
// de uma loja. Ele não é seguro para uso concorrente; quem garante o
// "single writer por loja" é o StoreExecutor.
package domain
