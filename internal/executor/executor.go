// Package executor bounds the evaluation stage: a weighted semaphore caps
// concurrent evaluations, a fixed admission queue provides backpressure, and
// a per-evaluation timeout fails safe to a review verdict.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/openclaw/sentinel/internal/action"
)

// ErrCapacity is returned when the admission queue is full. Callers surface
// it to the submitter; the executor never silently drops work.
var ErrCapacity = errors.New("executor at capacity")

// Executor wraps evaluate-and-decide with concurrency and time bounds.
type Executor struct {
	workers   *semaphore.Weighted
	admission chan struct{}
	timeout   time.Duration
}

// New builds an executor with the given worker cap, admission queue bound,
// and per-evaluation timeout.
func New(workerConcurrency, maxQueue int, timeout time.Duration) *Executor {
	if workerConcurrency <= 0 {
		workerConcurrency = 1
	}
	if maxQueue <= 0 {
		maxQueue = workerConcurrency
	}
	return &Executor{
		workers:   semaphore.NewWeighted(int64(workerConcurrency)),
		admission: make(chan struct{}, maxQueue),
		timeout:   timeout,
	}
}

// Execute admits the action, waits for a worker permit, and runs eval under
// the evaluation timeout. A full admission queue returns ErrCapacity. A
// timed-out evaluation is abandoned and resolves to a synthesized review
// decision, never an allow.
func (e *Executor) Execute(ctx context.Context, act *action.Action, eval func(context.Context) *action.Decision) (*action.Decision, error) {
	select {
	case e.admission <- struct{}{}:
	default:
		return nil, fmt.Errorf("admitting action %s: %w", act.ID, ErrCapacity)
	}
	defer func() { <-e.admission }()

	if err := e.workers.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring worker permit: %w", err)
	}
	defer e.workers.Release(1)

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan *action.Decision, 1)
	go func() {
		done <- eval(evalCtx)
	}()

	select {
	case dec := <-done:
		if dec == nil {
			return e.failSafe(act, "evaluation returned no decision"), nil
		}
		return dec, nil
	case <-evalCtx.Done():
		log.Warn().
			Str("action_id", act.ID).
			Str("session", act.SessionKey.String()).
			Dur("timeout", e.timeout).
			Msg("evaluation timed out, failing safe to review")
		return e.failSafe(act, fmt.Sprintf("evaluation exceeded %s budget", e.timeout)), nil
	}
}

// failSafe synthesizes the review decision used when an evaluation cannot
// complete.
func (e *Executor) failSafe(act *action.Action, rationale string) *action.Decision {
	return &action.Decision{
		ID:         uuid.NewString(),
		ActionID:   act.ID,
		SessionKey: act.SessionKey,
		Verdict:    action.VerdictReview,
		Score:      0,
		Signals: []action.RiskSignal{{
			Name:      "evaluation_timeout",
			Rationale: rationale,
		}},
		Channel:      act.Channel,
		ChatType:     act.ChatType,
		WasMentioned: act.WasMentioned,
		DecidedAt:    time.Now().UTC(),
	}
}
