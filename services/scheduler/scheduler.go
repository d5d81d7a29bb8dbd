// Package scheduler is the cluster's clock. One leader-elected instance
// pumps due durable timers back onto Kafka and runs the recovery sweeps;
// the passive instances just wait to take over the lease.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/kafka"
	redisstore "github.com/raphaeltm/simple-agent-manager-sub001/internal/redis"
	"github.com/raphaeltm/simple-agent-manager-sub001/pkg/telemetry"
)

// Leader arbitrates which instance does the work.
type Leader interface {
	AcquireOrRenew(ctx context.Context) (bool, error)
}

// Config holds the scheduler's timing knobs.
type Config struct {
	PollInterval  time.Duration
	TimerBatch    int
	SweepSchedule string
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		TimerBatch:    100,
		SweepSchedule: "*/5 * * * *",
	}
}

// Scheduler runs the timer pump and the cron-driven sweeps while it holds
// the leader lease.
type Scheduler struct {
	leader   Leader
	timers   redisstore.TimerQueue
	producer kafka.Producer
	sweeper  *Sweeper
	cfg      Config
	logger   *slog.Logger

	isLeader atomic.Bool
}

// New constructs a Scheduler.
func New(leader Leader, timers redisstore.TimerQueue, producer kafka.Producer, sweeper *Sweeper, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		leader:   leader,
		timers:   timers,
		producer: producer,
		sweeper:  sweeper,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled. The timer pump polls every
// PollInterval; the sweeps run on the cron schedule. Both are gated on the
// lease, re-checked every poll.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.SweepSchedule, func() {
		if !s.isLeader.Load() {
			return
		}
		s.sweeper.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	lead, err := s.leader.AcquireOrRenew(ctx)
	if err != nil {
		s.logger.Error("leader election", slog.String("error", err.Error()))
		lead = false
	}
	wasLeader := s.isLeader.Swap(lead)
	if lead && !wasLeader {
		s.logger.Info("acquired scheduler leadership")
	}
	if lead {
		telemetry.SchedulerIsLeader.Set(1)
		s.PumpTimers(ctx)
	} else {
		telemetry.SchedulerIsLeader.Set(0)
	}
}

// PumpTimers pops every due timer and publishes its payload. A failed
// publish re-arms the timer, keeping delivery at-least-once; the consumers
// tolerate the resulting duplicates.
func (s *Scheduler) PumpTimers(ctx context.Context) {
	due, err := s.timers.PopDue(ctx, time.Now().UTC(), s.cfg.TimerBatch)
	if err != nil {
		s.logger.Error("pop due timers", slog.String("error", err.Error()))
		return
	}
	for _, t := range due {
		if err := s.producer.Publish(ctx, t.Topic, t.Key, t.Payload); err != nil {
			s.logger.Error("timer publish failed, re-arming",
				slog.String("timer_id", t.ID),
				slog.String("topic", t.Topic),
				slog.String("error", err.Error()),
			)
			if rearmErr := s.timers.Arm(ctx, t); rearmErr != nil {
				s.logger.Error("timer re-arm failed, timer lost",
					slog.String("timer_id", t.ID),
					slog.String("error", rearmErr.Error()),
				)
			}
			continue
		}
		telemetry.SchedulerTimersFiredTotal.WithLabelValues(t.Topic).Inc()
		s.logger.Debug("timer fired",
			slog.String("timer_id", t.ID),
			slog.String("topic", t.Topic),
		)
	}
}
