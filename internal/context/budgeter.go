package context

import (
	"log/slog"
	"slices"

	"arcbot/internal/domain"
)

// Result is the trimmed turn list plus the estimate it consumed.
type Result struct {
	Turns    []domain.Turn
	Consumed int
}

// Option configures a Budgeter.
type Option func(*Budgeter)

// WithLogger sets a structured logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(b *Budgeter) {
		if l != nil {
			b.logger = l
		}
	}
}

// Budgeter trims a conversation to a token budget, newest turns first.
type Budgeter struct {
	estimator domain.TokenEstimator
	logger    *slog.Logger
}

// NewBudgeter creates a Budgeter. Panics if estimator is nil.
func NewBudgeter(estimator domain.TokenEstimator, opts ...Option) *Budgeter {
	if estimator == nil {
		panic("context: estimator must not be nil")
	}
	b := &Budgeter{estimator: estimator}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Budgeter) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default()
}

// Fit keeps the leading system turn when it fits the budget, then walks the
// dialog from newest to oldest and stops at the first turn that no longer
// fits. The newest dialog turn is always kept, so the result may exceed
// budget when that turn alone is oversized.
func (b *Budgeter) Fit(turns []domain.Turn, budget int, persona string) Result {
	dialog := turns
	var system *domain.Turn
	if len(turns) > 0 && turns[0].Role == domain.RoleSystem {
		system = &turns[0]
		dialog = turns[1:]
	}

	remaining := budget
	consumed := 0
	out := make([]domain.Turn, 0, len(turns))

	if system != nil {
		cost := b.estimator.Estimate(system.Content)
		if cost <= budget {
			out = append(out, *system)
			remaining -= cost
			consumed += cost
		} else {
			b.log().Warn("context: system turn exceeds budget, dropping it",
				"persona", persona, "estimate", cost, "budget", budget)
		}
	}

	// Collected newest-first, reversed below into chronological order.
	accepted := make([]domain.Turn, 0, len(dialog))
	for i := len(dialog) - 1; i >= 0; i-- {
		cost := b.estimator.Estimate(dialog[i].Content)
		if remaining-cost < 0 && len(accepted) > 0 {
			break
		}
		accepted = append(accepted, dialog[i])
		remaining -= cost
		consumed += cost
	}
	slices.Reverse(accepted)
	out = append(out, accepted...)

	b.log().Debug("context: fitted turns",
		"persona", persona, "kept", len(out), "of", len(turns), "estimate", consumed, "budget", budget)
	return Result{Turns: out, Consumed: consumed}
}
