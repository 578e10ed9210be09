package client

import (
	"context"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Drainer sweeps every session queue.
type Drainer interface {
	DrainAll(ctx context.Context) int
}

// Scheduler periodically drains all sessions so entries that failed on the last online
// transition are retried without waiting for the next one.
type Scheduler struct {
	spec    string
	drainer Drainer
	cron    *cron.Cron
	entryID cron.EntryID
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler builds a scheduler for a cron spec such as "@every 5m". A blank spec disables it.
func NewScheduler(spec string, drainer Drainer, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		spec:    strings.TrimSpace(spec),
		drainer: drainer,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers the sweep and starts the cron loop.
func (s *Scheduler) Start() error {
	if s.spec == "" {
		s.logger.Info("drain sweep disabled")
		return nil
	}
	id, err := s.cron.AddFunc(s.spec, s.sweep)
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	s.logger.Info("drain sweep scheduled", zap.String("schedule", s.spec))
	return nil
}

// Stop cancels a running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweep() {
	executed := s.drainer.DrainAll(s.ctx)
	if executed > 0 {
		s.logger.Info("drain sweep executed entries", zap.Int("executed", executed))
	}
}
