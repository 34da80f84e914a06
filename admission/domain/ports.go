package domain

import "context"

// BillingSource é o colaborador de assinatura/billing.
// Deve devolver um erro com CodeNotFound quando a loja não tem assinatura.
type BillingSource interface {
	Subscription(ctx context.Context, id StoreID) (Subscription, error)
}

// PlanResolver mapeia uma loja para os limites vigentes. Nunca falha:
// na dúvida devolve o plano mais conservador.
type PlanResolver interface {
	Resolve(ctx context.Context, id StoreID) Plan
	Invalidate(id StoreID)
	InvalidateAll()
}

// Telephony são as ações do provedor de telefonia.
type Telephony interface {
	Hangup(ctx context.Context, call CallRef) error
	// Connect conecta de fato uma chamada que saiu da fila.
	Connect(ctx context.Context, call CallRef) error
	Bridge(ctx context.Context, call CallRef, target string) error
}

// SessionStore é o key-value rápido com TTL para a sessão de cada chamada.
// Put sempre renova o TTL. Get devolve erro com CodeNotFound quando a chave
// não existe (expirou ou foi apagada): quem chama interpreta como "já encerrada".
type SessionStore interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, id CallID) (Session, error)
	Delete(ctx context.Context, id CallID) error
}

// StoreExecutor serializa o acesso ao StoreQueueState de cada loja.
//
// Do cria o estado da loja se não existir; Peek só executa se já existir
// (CodeNotFound caso contrário). Em ambos, uma vez aceito, o job sempre roda
// até o fim e o chamador espera o resultado.
//
// Read é o Peek de jobs que só leem: o chamador desiste quando ctx vence,
// mesmo com o job já aceito. O job não deve escrever em nada que o chamador
// leia depois de um erro.
type StoreExecutor interface {
	Do(ctx context.Context, id StoreID, fn func(*StoreQueueState) error) error
	Peek(ctx context.Context, id StoreID, fn func(*StoreQueueState) error) error
	Read(ctx context.Context, id StoreID, fn func(*StoreQueueState) error) error
	Stores() []StoreID
	// Locate acha a loja de uma chamada conhecida (ativa, na fila ou encerrada recentemente).
	Locate(id CallID) (StoreID, bool)
	Bind(id CallID, store StoreID)
	Forget(ids ...CallID)
}
