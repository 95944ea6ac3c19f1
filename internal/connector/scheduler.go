package connector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler dispara o rescan periódico do manifest via cron expression.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	scanFn  func() error
	mu      sync.Mutex // garante apenas um rescan por vez
	running bool
}

// NewScheduler cria um Scheduler com a expressão cron fornecida.
func NewScheduler(schedule string, logger *slog.Logger, fn func() error) (*Scheduler, error) {
	s := &Scheduler{
		logger: logger,
		scanFn: fn,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.execute); err != nil {
		return nil, err
	}

	s.cron = c
	return s, nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("rescan scheduler started")
	s.cron.Start()
}

// Stop para o scheduler e aguarda jobs em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("rescan scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("rescan scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("rescan scheduler stop timed out")
	}
}

func (s *Scheduler) execute() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("rescan already running, skipping scheduled execution")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduled manifest rescan triggered")
	if err := s.scanFn(); err != nil {
		s.logger.Error("manifest rescan failed", "error", err)
	}
}
