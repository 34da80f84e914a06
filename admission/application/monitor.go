package application

import (
	"context"
	"log/slog"
	"time"

	"callgate/admission/domain"
)

// SnapshotSource fornece o estado das lojas para leitura.
type SnapshotSource interface {
	Stores() []domain.StoreID
	Snapshot(ctx context.Context, id domain.StoreID) (domain.StoreSnapshot, error)
}

// LaneSnapshots lê o estado pelas lanes sem criar lanes novas.
type LaneSnapshots struct {
	Lanes domain.StoreExecutor
}

func (l LaneSnapshots) Stores() []domain.StoreID { return l.Lanes.Stores() }

func (l LaneSnapshots) Snapshot(ctx context.Context, id domain.StoreID) (domain.StoreSnapshot, error) {
	out := make(chan domain.StoreSnapshot, 1)
	err := l.Lanes.Read(ctx, id, func(st *domain.StoreQueueState) error {
		out <- st.Snapshot()
		return nil
	})
	if err != nil {
		return domain.StoreSnapshot{}, err
	}
	return <-out, nil
}

// Monitor agrega o estado para as ferramentas de operação.
// Cada loja é lida com seu próprio deadline; falha de uma loja é logada e
// contada, nunca derruba a leitura das outras.
type Monitor struct {
	Source       SnapshotSource
	StoreTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

func (m Monitor) Overview(ctx context.Context) domain.Overview {
	now := m.now()
	ov := domain.Overview{
		GeneratedAt: now,
		Stores:      []domain.StoreSummary{},
		ByPlan:      map[string]domain.Totals{},
	}
	for _, id := range m.Source.Stores() {
		snap, err := m.snapshot(ctx, id)
		if err != nil {
			m.log().Warn("store excluded from overview", "store_id", id, "error", err)
			ov.FailedStores++
			ov.Failures = append(ov.Failures, domain.StoreFailure{StoreID: id, Error: err.Error()})
			continue
		}
		sum := summarize(snap)
		ov.Stores = append(ov.Stores, sum)
		t := ov.ByPlan[sum.Plan]
		t.Add(sum)
		ov.ByPlan[sum.Plan] = t
		ov.Totals.Add(sum)
	}
	return ov
}

// Store é a leitura detalhada de uma loja. Loja sem estado volta NotFound
// ("no data available"), distinto de falha de leitura.
func (m Monitor) Store(ctx context.Context, id domain.StoreID) (domain.StoreDetail, error) {
	if id == "" {
		return domain.StoreDetail{}, domain.NewError(domain.CodeInvalidArgument, "store_id is required")
	}
	snap, err := m.snapshot(ctx, id)
	if err != nil {
		return domain.StoreDetail{}, err
	}
	now := m.now()
	d := domain.StoreDetail{
		GeneratedAt: now,
		ActiveCalls: make([]domain.ActiveCallView, 0, len(snap.Active)),
		QueueItems:  make([]domain.QueueItemView, 0, len(snap.Queue)),
		QueueStatus: summarize(snap),
	}
	for _, a := range snap.Active {
		d.ActiveCalls = append(d.ActiveCalls, domain.ActiveCallView{
			CallID:          a.Ref.ID,
			StartedAt:       a.StartedAt,
			DurationSeconds: seconds(now.Sub(a.AdmittedAt)),
		})
	}
	for i, e := range snap.Queue {
		d.QueueItems = append(d.QueueItems, domain.QueueItemView{
			CallID:          e.Ref.ID,
			Position:        i + 1,
			QueuedAt:        e.QueuedAt,
			WaitTimeSeconds: seconds(now.Sub(e.QueuedAt)),
		})
	}
	return d, nil
}

func (m Monitor) snapshot(ctx context.Context, id domain.StoreID) (domain.StoreSnapshot, error) {
	if m.StoreTimeout <= 0 {
		return m.Source.Snapshot(ctx, id)
	}
	sctx, cancel := context.WithTimeout(ctx, m.StoreTimeout)
	defer cancel()
	return m.Source.Snapshot(sctx, id)
}

func summarize(s domain.StoreSnapshot) domain.StoreSummary {
	active := len(s.Active)
	return domain.StoreSummary{
		StoreID:            s.StoreID,
		Plan:               s.Plan.ID,
		ActiveCalls:        active,
		MaxConcurrent:      s.Plan.MaxConcurrent,
		QueueSize:          len(s.Queue),
		MaxQueue:           s.Plan.MaxQueue,
		UtilizationPercent: domain.Utilization(active, s.Plan.MaxConcurrent),
		Status:             domain.StatusOf(active, s.Plan.MaxConcurrent),
	}
}

// seconds trunca para segundos inteiros; relógio atrás vira 0.
func seconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func (m Monitor) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m Monitor) log() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}
