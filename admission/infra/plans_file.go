package infra

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"callgate/admission/domain"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// PlanCatalog é o formato do arquivo de planos:
//
//	tiers:
//	  basic: {max_concurrent: 2, max_queue: 5}
//	stores:
//	  store-1: {tier: basic, expires_at: 2027-01-01T00:00:00Z}
type PlanCatalog struct {
	Tiers  map[string]TierLimits     `yaml:"tiers"`
	Stores map[string]StoreSubscript `yaml:"stores"`
}

type TierLimits struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxQueue      int `yaml:"max_queue"`
}

type StoreSubscript struct {
	Tier      string    `yaml:"tier"`
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`
}

// ParsePlanCatalog decodifica e valida um catálogo.
func ParsePlanCatalog(raw []byte) (PlanCatalog, error) {
	var c PlanCatalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return PlanCatalog{}, fmt.Errorf("parse plan catalog: %w", err)
	}
	if len(c.Tiers) == 0 {
		return PlanCatalog{}, fmt.Errorf("plan catalog has no tiers")
	}
	for name, t := range c.Tiers {
		if t.MaxConcurrent < 0 || t.MaxQueue < 0 {
			return PlanCatalog{}, fmt.Errorf("tier %q: limits must be >= 0", name)
		}
	}
	for id, s := range c.Stores {
		if _, ok := c.Tiers[s.Tier]; !ok {
			return PlanCatalog{}, fmt.Errorf("store %q: unknown tier %q", id, s.Tier)
		}
	}
	return c, nil
}

// LowestTier devolve o tier mais restrito: menor MaxConcurrent, depois menor
// MaxQueue, depois nome.
func (c PlanCatalog) LowestTier() domain.Plan {
	var (
		best  domain.Plan
		found bool
	)
	for name, t := range c.Tiers {
		p := domain.Plan{ID: name, MaxConcurrent: t.MaxConcurrent, MaxQueue: t.MaxQueue}
		if !found || stricter(p, best) {
			best, found = p, true
		}
	}
	return best
}

func stricter(a, b domain.Plan) bool {
	if a.MaxConcurrent != b.MaxConcurrent {
		return a.MaxConcurrent < b.MaxConcurrent
	}
	if a.MaxQueue != b.MaxQueue {
		return a.MaxQueue < b.MaxQueue
	}
	return a.ID < b.ID
}

// FilePlanSource é o BillingSource lido de um YAML local.
// Mantém a última versão válida em memória; Watch recarrega quando o arquivo muda.
type FilePlanSource struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	catalog PlanCatalog
}

func NewFilePlanSource(path string, logger *slog.Logger) (*FilePlanSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FilePlanSource{path: filepath.Clean(path), logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload relê o arquivo. Em erro a versão anterior continua valendo.
func (s *FilePlanSource) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read plan catalog: %w", err)
	}
	c, err := ParsePlanCatalog(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.catalog = c
	s.mu.Unlock()
	return nil
}

// LowestTier devolve o tier mais restrito da versão carregada.
func (s *FilePlanSource) LowestTier() domain.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog.LowestTier()
}

func (s *FilePlanSource) Subscription(ctx context.Context, id domain.StoreID) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return domain.Subscription{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.catalog.Stores[string(id)]
	if !ok {
		return domain.Subscription{}, domain.NewError(domain.CodeNotFound, "no subscription for store %s", id)
	}
	t := s.catalog.Tiers[sub.Tier]
	return domain.Subscription{
		StoreID:   id,
		Plan:      domain.Plan{ID: sub.Tier, MaxConcurrent: t.MaxConcurrent, MaxQueue: t.MaxQueue},
		ExpiresAt: sub.ExpiresAt,
	}, nil
}

// Watch observa o diretório do arquivo (editores e deploys trocam o arquivo
// via rename) e chama onChange depois de cada reload bem sucedido.
func (s *FilePlanSource) Watch(ctx context.Context, onChange func()) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(s.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch plan catalog: %w", err)
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != s.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Error("plan catalog reload failed", "path", s.path, "error", err)
					continue
				}
				s.logger.Info("plan catalog reloaded", "path", s.path, "op", ev.Op.String())
				if onChange != nil {
					onChange()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				s.logger.Error("plan catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}
