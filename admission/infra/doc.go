// Package infra contém implementações concretas das interfaces de domain:
// lanes por loja, session store (Redis/memória), fontes de plano (YAML/HTTP),
// telefonia HTTP, histórico em SQLite, estatísticas (memória/Redis/OpenTelemetry),
// lease de dono em Redis e o limitador de taxa da borda.
package infra
