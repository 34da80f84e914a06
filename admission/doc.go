// Package admission é o adapter HTTP (net/http) do controle de admissão de chamadas.
//
// Visão geral (camadas):
//
//   - domain: tipos, invariantes e contratos (sem dependência de net/http)
//   - application: casos de uso (admissão, promoção, varredura, monitor, admin) sem net/http
//   - infra: implementações concretas (lanes por loja, Redis, SQLite, provedores HTTP)
//   - admission (este pacote): rotas, decodificação/validação dos eventos na borda,
//     tradução de erros para status HTTP e as proteções da borda (taxa, vagas, autenticação)
//
// Fluxo de um call.started:
//
//  1. Webhook chega em POST /v1/telephony/events (token do provedor, limite de taxa por conta)
//  2. O corpo vira um domain.CallEvent validado
//  3. application.Controller decide PROCEED / QUEUED / REJECTED na lane da loja
//  4. A decisão volta em JSON para o provedor de telefonia
//
// O binário cmd/callgate faz o wiring a partir de variáveis de ambiente CALLGATE_*.
package admission
