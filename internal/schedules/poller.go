package schedules

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	lockTTL = 120 * time.Second

	minuteKeyLayout = "2006-01-02T15:04"
)

// LockAcquirer takes the per-minute idempotency lock shared across poller
// instances.
type LockAcquirer interface {
	AcquireIdempotencyLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
}

// PollResult reports one polling pass.
type PollResult struct {
	SchedulesEvaluated int `json:"schedules_evaluated"`
	Triggered          int `json:"triggered"`
	Skipped            int `json:"skipped"`
	Errors             int `json:"errors"`
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Logger    *zap.Logger
	Manager   *Manager
	Locks     LockAcquirer
	Triggerer *Triggerer
}

// Poller evaluates enabled schedules once per minute and triggers the due
// ones. Multiple poller instances may run concurrently; the idempotency lock
// keeps each schedule to one trigger per minute.
type Poller struct {
	lg        *zap.Logger
	manager   *Manager
	locks     LockAcquirer
	triggerer *Triggerer

	nowFunc func() time.Time
}

// NewPoller creates a Poller.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("missing schedule manager")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("missing lock acquirer")
	}
	if cfg.Triggerer == nil {
		return nil, fmt.Errorf("missing triggerer")
	}
	return &Poller{
		lg:        cfg.Logger,
		manager:   cfg.Manager,
		locks:     cfg.Locks,
		triggerer: cfg.Triggerer,
		nowFunc:   time.Now,
	}, nil
}

// Poll runs one evaluation pass over all enabled schedules. Per-schedule
// failures are logged and counted but never abort the pass.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	now := p.nowFunc().UTC()
	minuteKey := now.Format(minuteKeyLayout)
	p.lg.Info("schedule poll started", zap.String("minute_key", minuteKey))

	scheds, err := p.manager.List(ctx, ListOptions{EnabledOnly: true})
	if err != nil {
		return PollResult{}, err
	}

	result := PollResult{SchedulesEvaluated: len(scheds)}
	for i := range scheds {
		sched := &scheds[i]

		if sched.PausedUntil != "" {
			pausedUntil, err := time.Parse(time.RFC3339, sched.PausedUntil)
			if err == nil {
				if now.Before(pausedUntil) {
					p.lg.Info("schedule paused, skipping",
						zap.String("schedule_id", sched.ScheduleID),
						zap.String("paused_until", sched.PausedUntil),
					)
					result.Skipped++
					continue
				}
				// Pause window has passed; resume the schedule.
				enabled := true
				empty := ""
				if _, err := p.manager.Update(ctx, sched.ScheduleID, UpdateInput{Enabled: &enabled, PausedUntil: &empty}); err != nil {
					p.lg.Error("failed to resume schedule",
						zap.String("schedule_id", sched.ScheduleID),
						zap.Error(err),
					)
				}
			}
		}

		triggered, err := IsTriggered(sched.Recurrence, sched.TimeZone, now)
		if err != nil {
			p.lg.Warn("skipping schedule with invalid recurrence",
				zap.String("schedule_id", sched.ScheduleID),
				zap.String("recurrence", sched.Recurrence),
				zap.Error(err),
			)
			continue
		}
		if !triggered {
			continue
		}

		lockKey := fmt.Sprintf("schedule:%s:scale:%s", sched.ScheduleID, minuteKey)
		acquired, err := p.locks.AcquireIdempotencyLock(ctx, lockKey, lockTTL)
		if err != nil {
			p.lg.Error("failed to acquire schedule lock",
				zap.String("schedule_id", sched.ScheduleID),
				zap.Error(err),
			)
			result.Errors++
			continue
		}
		if !acquired {
			p.lg.Info("scale already triggered this minute",
				zap.String("schedule_id", sched.ScheduleID),
			)
			continue
		}

		triggerResult, err := p.triggerer.Trigger(ctx, sched, "scale")
		if err != nil {
			p.lg.Error("failed to trigger scale operation",
				zap.String("schedule_id", sched.ScheduleID),
				zap.Error(err),
			)
			result.Errors++
			continue
		}
		if err := p.manager.RecordExecution(ctx, sched.ScheduleID, "scale", triggerResult.OperationID, triggerResult.ClustersQueued); err != nil {
			p.lg.Error("failed to record execution",
				zap.String("schedule_id", sched.ScheduleID),
				zap.Error(err),
			)
		}
		result.Triggered++
	}

	p.lg.Info("schedule poll complete",
		zap.Int("schedules_evaluated", result.SchedulesEvaluated),
		zap.Int("triggered", result.Triggered),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}
