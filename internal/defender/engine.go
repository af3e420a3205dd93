package defender

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openclaw/sentinel/internal/action"
	sentinelotel "github.com/openclaw/sentinel/internal/otel"
)

var tracer = sentinelotel.Tracer("github.com/openclaw/sentinel/internal/defender")

// Engine aggregates risk signals into one Decision per action. It is pure
// with respect to policy and session state: it pins one policy snapshot per
// call and never mutates the session view.
type Engine struct {
	policies   *Store
	integrity  *IntegrityMonitor
	reputation *ReputationClient
}

// NewEngine builds the decision engine. integrity and reputation may be nil
// (host-integrity disabled, reputation lookups disabled).
func NewEngine(policies *Store, integrity *IntegrityMonitor, reputation *ReputationClient) *Engine {
	return &Engine{
		policies:   policies,
		integrity:  integrity,
		reputation: reputation,
	}
}

// Policies exposes the policy store for reload paths.
func (e *Engine) Policies() *Store {
	return e.policies
}

// Decide evaluates one action against the current policy snapshot and the
// read-only session view, and returns the Decision. A single failing
// evaluator contributes no signal and never aborts the decision.
func (e *Engine) Decide(ctx context.Context, act *action.Action, view *action.SessionView) *action.Decision {
	ctx, span := tracer.Start(ctx, "defender.decide")
	defer span.End()

	pol := e.policies.Current()

	var signals []action.RiskSignal
	collect := func(name string, eval func() []action.RiskSignal) {
		signals = append(signals, e.runEvaluator(name, eval)...)
	}

	collect("injection", func() []action.RiskSignal {
		return scoreInjection(pol.Injection, act)
	})
	if act.Kind == action.KindCommand {
		collect("command", func() []action.RiskSignal {
			return scoreCommand(pol.Commands, act)
		})
	}
	if e.integrity != nil {
		collect("integrity", func() []action.RiskSignal {
			return e.integrity.Check()
		})
	}
	if act.Kind == action.KindToolCall {
		collect("tool_policy", func() []action.RiskSignal {
			return e.evaluateToolPolicy(pol, act)
		})
		collect("tool_loop", func() []action.RiskSignal {
			return detectToolLoop(pol.Loop, view, act)
		})
	}
	if e.reputation != nil {
		collect("reputation", func() []action.RiskSignal {
			return e.reputation.Lookup(ctx, act)
		})
	}
	signals = append(signals, bonusSignals(pol, act)...)

	score := 0
	hardBlock := false
	for _, sig := range signals {
		score += sig.Score
		hardBlock = hardBlock || sig.HardBlock
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	verdict := action.VerdictAllow
	switch {
	case hardBlock || score >= pol.BlockThreshold:
		verdict = action.VerdictBlock
	case score >= pol.ReviewThreshold:
		verdict = action.VerdictReview
	}

	dec := &action.Decision{
		ID:           uuid.NewString(),
		ActionID:     act.ID,
		SessionKey:   act.SessionKey,
		Verdict:      verdict,
		Score:        score,
		Signals:      signals,
		Channel:      act.Channel,
		ChatType:     act.ChatType,
		WasMentioned: act.WasMentioned,
		DecidedAt:    time.Now().UTC(),
	}

	// Audit-only mode records the computed verdict but enforces nothing.
	if pol.AuditOnly && verdict != action.VerdictAllow {
		dec.AuditOnly = true
		dec.WouldHave = verdict
		dec.Verdict = action.VerdictAllow
	}

	span.SetAttributes(
		attribute.String("decision.verdict", string(dec.Verdict)),
		attribute.Int("decision.score", dec.Score),
		attribute.Int("decision.signals", len(dec.Signals)),
		attribute.Bool("decision.audit_only", dec.AuditOnly),
	)
	log.Debug().
		Str("action_id", act.ID).
		Str("session", act.SessionKey.String()).
		Str("verdict", string(dec.Verdict)).
		Int("score", dec.Score).
		Func(sentinelotel.LogTraceFields(ctx)).
		Msg("decision")

	return dec
}

// runEvaluator isolates evaluator faults: a panicking evaluator is logged and
// treated as "no signal from this evaluator".
func (e *Engine) runEvaluator(name string, eval func() []action.RiskSignal) (signals []action.RiskSignal) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("evaluator", name).Interface("panic", r).Msg("evaluator failed, degrading to no signal")
			signals = nil
		}
	}()
	return eval()
}

// evaluateToolPolicy resolves the requested tool against the runtime policy
// and the per-tool floor.
func (e *Engine) evaluateToolPolicy(pol *Policy, act *action.Action) []action.RiskSignal {
	tool := NormalizeToolName(act.ToolName)
	if tool == "" {
		return nil
	}

	if pol.ToolRuntime != nil && !pol.ToolRuntime.Allows(tool, act.Provider, act.Model) {
		return []action.RiskSignal{{
			Name:      "tool_policy_deny",
			Score:     100,
			HardBlock: true,
			Rationale: fmt.Sprintf("tool %q denied by runtime policy", tool),
		}}
	}

	switch pol.ToolPolicies[tool] {
	case action.VerdictBlock:
		return []action.RiskSignal{{
			Name:      "tool_policy_floor",
			Score:     100,
			HardBlock: true,
			Rationale: fmt.Sprintf("tool %q floored to block", tool),
		}}
	case action.VerdictReview:
		return []action.RiskSignal{{
			Name:      "tool_policy_floor",
			Score:     pol.ReviewThreshold,
			Rationale: fmt.Sprintf("tool %q floored to review", tool),
		}}
	default:
		return nil
	}
}

// bonusSignals folds the tool and channel risk bonuses in as additive
// pre-sum terms, surfaced as ordinary signals for transparency.
func bonusSignals(pol *Policy, act *action.Action) []action.RiskSignal {
	var signals []action.RiskSignal
	if act.Kind == action.KindToolCall {
		if bonus := pol.ToolRiskBonus[NormalizeToolName(act.ToolName)]; bonus > 0 {
			signals = append(signals, action.RiskSignal{
				Name:      "tool_risk_bonus",
				Score:     bonus,
				Rationale: fmt.Sprintf("baseline risk bonus for tool %q", NormalizeToolName(act.ToolName)),
			})
		}
	}
	if act.Channel != "" {
		if bonus := pol.ChannelRiskBonus[act.Channel]; bonus > 0 {
			signals = append(signals, action.RiskSignal{
				Name:      "channel_risk_bonus",
				Score:     bonus,
				Rationale: fmt.Sprintf("baseline risk bonus for channel %q", act.Channel),
			})
		}
	}
	return signals
}
