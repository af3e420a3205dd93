// Package pipeline wires the action lifecycle end to end: scheduler
// admission, bounded execution, decision aggregation, idempotency, and the
// quarantine ledger. One pipeline instance serves all sessions.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/openclaw/sentinel/internal/action"
	"github.com/openclaw/sentinel/internal/dedupe"
	"github.com/openclaw/sentinel/internal/defender"
	"github.com/openclaw/sentinel/internal/executor"
	sentinelotel "github.com/openclaw/sentinel/internal/otel"
	"github.com/openclaw/sentinel/internal/quarantine"
	"github.com/openclaw/sentinel/internal/scheduler"
)

var (
	tracer = sentinelotel.Tracer("github.com/openclaw/sentinel/internal/pipeline")
	meter  = sentinelotel.Meter("github.com/openclaw/sentinel/internal/pipeline")
)

// ErrSuperseded settles a waiter whose queued action was replaced by a newer
// submission (steer mode, collect merges) or discarded by a session reset.
// It is a terminal outcome, not a transport failure.
var ErrSuperseded = errors.New("action superseded by a newer submission")

type result struct {
	decision *action.Decision
	err      error
}

// Pipeline runs every admitted action through evaluate-and-decide while the
// scheduler keeps sessions serialized.
type Pipeline struct {
	sched  *scheduler.Scheduler
	exec   *executor.Executor
	engine *defender.Engine
	cache  *dedupe.Cache
	ledger *quarantine.Store

	baseCtx context.Context

	decisions otelmetric.Int64Counter

	mu        sync.Mutex
	waiters   map[string]chan result
	recent    []*action.Decision
	recentCap int
}

// New assembles a pipeline. The ledger may be nil when quarantine
// persistence is disabled.
func New(ctx context.Context, sched *scheduler.Scheduler, exec *executor.Executor, engine *defender.Engine, cache *dedupe.Cache, ledger *quarantine.Store) *Pipeline {
	decisions, err := meter.Int64Counter("sentinel.decisions",
		otelmetric.WithDescription("Decisions emitted, partitioned by verdict."))
	if err != nil {
		log.Warn().Err(err).Msg("creating decisions counter")
	}
	return &Pipeline{
		sched:     sched,
		exec:      exec,
		engine:    engine,
		cache:     cache,
		ledger:    ledger,
		decisions: decisions,
		baseCtx:   ctx,
		waiters:   make(map[string]chan result),
		recentCap: 256,
	}
}

// Submit validates and admits one action. RunNow starts a session worker
// that keeps draining the session queue until it is empty. The decision for
// an admitted action is delivered asynchronously; use SubmitAndWait to block
// for it.
func (p *Pipeline) Submit(ctx context.Context, act *action.Action) (action.Admission, error) {
	if err := act.Validate(); err != nil {
		return "", err
	}

	admission, superseded := p.sched.Submit(act)
	p.settleSuperseded(superseded)
	switch admission {
	case action.AdmitRunNow:
		go p.runSession(act)
	case action.AdmitDrop, action.AdmitGated:
		log.Debug().
			Str("action_id", act.ID).
			Str("session", act.SessionKey.String()).
			Str("admission", string(admission)).
			Msg("action not admitted")
	}
	return admission, nil
}

// ResetSession discards a session and settles waiters on its pending actions
// so nobody blocks on an action that will never run.
func (p *Pipeline) ResetSession(key action.SessionKey) {
	p.settleSuperseded(p.sched.Reset(key))
}

func (p *Pipeline) settleSuperseded(acts []*action.Action) {
	for _, act := range acts {
		log.Debug().
			Str("action_id", act.ID).
			Str("session", act.SessionKey.String()).
			Msg("queued action superseded")
		p.deliver(act.ID, result{err: ErrSuperseded})
	}
}

// SubmitAndWait admits the action and blocks until its decision is
// available or ctx expires. Dropped and Gated admissions return immediately
// with a nil decision.
func (p *Pipeline) SubmitAndWait(ctx context.Context, act *action.Action) (*action.Decision, action.Admission, error) {
	ch := p.registerWaiter(act.ID)

	admission, err := p.Submit(ctx, act)
	if err != nil || admission == action.AdmitDrop || admission == action.AdmitGated {
		p.removeWaiter(act.ID)
		return nil, admission, err
	}

	select {
	case res := <-ch:
		return res.decision, admission, res.err
	case <-ctx.Done():
		p.removeWaiter(act.ID)
		return nil, admission, ctx.Err()
	}
}

// Recent returns up to limit most recent decisions, newest first.
func (p *Pipeline) Recent(limit int) []*action.Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*action.Decision, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, p.recent[i])
	}
	return out
}

// runSession processes the admitted action and then keeps draining the
// session queue. One goroutine per active session preserves per-session
// FIFO while distinct sessions evaluate in parallel.
func (p *Pipeline) runSession(act *action.Action) {
	for act != nil {
		dec, err := p.evaluate(act)
		if err != nil {
			log.Warn().Err(err).Str("action_id", act.ID).Msg("evaluation rejected")
		} else {
			p.sched.RecordDecision(act.SessionKey, dec)
		}
		p.deliver(act.ID, result{decision: dec, err: err})
		act = p.sched.OnCompleted(act.SessionKey)
	}
}

// evaluate runs one action through the cache, executor, and engine, and
// writes the quarantine record for blocking outcomes.
func (p *Pipeline) evaluate(act *action.Action) (*action.Decision, error) {
	ctx, span := tracer.Start(p.baseCtx, "pipeline.evaluate")
	defer span.End()

	key := dedupe.KeyFor(act)
	if cached, ok := p.cache.Get(key); ok {
		log.Debug().Str("action_id", act.ID).Str("dedupe_key", key).Msg("idempotency cache hit")
		return cached, nil
	}

	dec, err := p.exec.Execute(ctx, act, func(evalCtx context.Context) *action.Decision {
		view := p.sched.View(act.SessionKey)
		return p.engine.Decide(evalCtx, act, view)
	})
	if err != nil {
		return nil, err
	}

	if p.ledger != nil && blocking(dec) {
		// Synchronous so a block record cannot be lost after the decision
		// is handed back. Write failure is logged, never fatal.
		if qerr := p.ledger.Append(ctx, quarantine.NewRecord(act, dec)); qerr != nil {
			log.Error().Err(qerr).Str("action_id", act.ID).Msg("quarantine write failed")
		}
	}

	if p.decisions != nil {
		p.decisions.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("verdict", string(dec.Verdict))))
	}
	p.cache.Put(key, dec)
	p.remember(dec)
	return dec, nil
}

func blocking(dec *action.Decision) bool {
	return dec.Verdict == action.VerdictBlock || (dec.AuditOnly && dec.WouldHave == action.VerdictBlock)
}

func (p *Pipeline) remember(dec *action.Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recent = append(p.recent, dec)
	if overflow := len(p.recent) - p.recentCap; overflow > 0 {
		p.recent = append(p.recent[:0], p.recent[overflow:]...)
	}
}

func (p *Pipeline) registerWaiter(actionID string) chan result {
	ch := make(chan result, 1)
	p.mu.Lock()
	p.waiters[actionID] = ch
	p.mu.Unlock()
	return ch
}

func (p *Pipeline) removeWaiter(actionID string) {
	p.mu.Lock()
	delete(p.waiters, actionID)
	p.mu.Unlock()
}

func (p *Pipeline) deliver(actionID string, res result) {
	p.mu.Lock()
	ch, ok := p.waiters[actionID]
	if ok {
		delete(p.waiters, actionID)
	}
	p.mu.Unlock()
	if ok {
		ch <- res
	}
}
