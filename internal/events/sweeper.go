package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"arcbot/internal/domain"
)

// CronEngine abstracts the cron scheduler for testability.
type CronEngine interface {
	AddFunc(spec string, cmd func()) (int, error)
	Start()
	Stop()
}

// RobfigCronEngine adapts robfig/cron/v3 to CronEngine.
type RobfigCronEngine struct {
	c *cron.Cron
}

// NewRobfigCronEngine accepts standard 5-field expressions and descriptors
// such as "@every 5m".
func NewRobfigCronEngine() *RobfigCronEngine {
	return &RobfigCronEngine{c: cron.New()}
}

func (r *RobfigCronEngine) AddFunc(spec string, cmd func()) (int, error) {
	id, err := r.c.AddFunc(spec, cmd)
	return int(id), err
}

func (r *RobfigCronEngine) Start() { r.c.Start() }

// Stop halts the scheduler. A running sweep is not interrupted.
func (r *RobfigCronEngine) Stop() { r.c.Stop() }

// Sweeper expires events older than a TTL on a cron schedule.
type Sweeper struct {
	store  domain.EventStore
	engine CronEngine
	ttl    time.Duration
	logger *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the logger. Nil is ignored.
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSweeper returns a Sweeper that deletes events older than ttl.
func NewSweeper(store domain.EventStore, engine CronEngine, ttl time.Duration, opts ...SweeperOption) *Sweeper {
	if store == nil {
		panic("events: store must not be nil")
	}
	if engine == nil {
		panic("events: engine must not be nil")
	}
	s := &Sweeper{store: store, engine: engine, ttl: ttl}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sweeper) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Start schedules the sweep on spec and starts the engine. A non-positive
// TTL disables expiry and Start is a no-op.
func (s *Sweeper) Start(spec string) error {
	if s.ttl <= 0 {
		s.log().Info("event expiry disabled")
		return nil
	}
	if _, err := s.engine.AddFunc(spec, func() { s.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("events: schedule sweep %q: %w", spec, err)
	}
	s.engine.Start()
	return nil
}

// Stop halts the engine.
func (s *Sweeper) Stop() { s.engine.Stop() }

// Sweep runs one expiry pass and returns the number of removed events.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.store.ExpireBefore(ctx, nowFunc().Add(-s.ttl))
	if err != nil {
		s.log().Error("event sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		s.log().Info("expired events", "count", n)
	}
	return n
}
