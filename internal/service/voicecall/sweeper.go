package voicecall

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"voicecall-backend/pkg/logger"
)

// Sweeper periodically marks calls that rang out as missed
type Sweeper struct {
	service     *Service
	ringTimeout time.Duration
	quartz      *cron.Cron
}

// NewSweeper schedules ExpirePendingCalls on schedule, a cron expression such as "@every 5s"
func NewSweeper(service *Service, ringTimeout time.Duration, schedule string) (*Sweeper, error) {
	quartz := cron.New(
		cron.WithLogger(cron.PrintfLogger(zap.NewStdLog(logger.Log))),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	s := &Sweeper{
		service:     service,
		ringTimeout: ringTimeout,
		quartz:      quartz,
	}
	if _, err := quartz.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the schedule in its own goroutine
func (s *Sweeper) Start() {
	s.quartz.Start()
	logger.Info("Ring timeout sweeper started", zap.Duration("ring_timeout", s.ringTimeout))
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	<-s.quartz.Stop().Done()
}

// Sweep expires stale pending calls once
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	expired, err := s.service.ExpirePendingCalls(ctx, s.ringTimeout)
	if err != nil {
		logger.Warn("Ring timeout sweep failed", zap.Error(err))
		return
	}
	if len(expired) > 0 {
		logger.Info("Expired pending calls", zap.Int("count", len(expired)))
	}
}
