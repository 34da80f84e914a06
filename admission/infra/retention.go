package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner apaga o que é mais antigo que before.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// RetentionJob agenda a limpeza do histórico durável numa expressão cron
// de cinco campos (ex.: "0 3 * * *").
type RetentionJob struct {
	pruner    Pruner
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
	sched     *cron.Cron
}

func NewRetentionJob(p Pruner, spec string, retention time.Duration, logger *slog.Logger) (*RetentionJob, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &RetentionJob{
		pruner:    p,
		retention: retention,
		logger:    logger,
		now:       time.Now,
		sched:     cron.New(),
	}
	if _, err := j.sched.AddFunc(spec, func() { _, _ = j.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	return j, nil
}

// RunOnce executa uma limpeza agora.
func (j *RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.pruner.Prune(ctx, cutoff)
	if err != nil {
		j.logger.Error("record prune failed", "error", err)
		return 0, err
	}
	j.logger.Info("record prune done", "deleted", n, "cutoff", cutoff.UTC())
	return n, nil
}

// Start roda o agendador até ctx terminar.
func (j *RetentionJob) Start(ctx context.Context) {
	j.sched.Start()
	go func() {
		<-ctx.Done()
		<-j.sched.Stop().Done()
	}()
}
