package defender

import (
	"fmt"
	"strings"

	"github.com/openclaw/sentinel/internal/action"
)

const (
	commandBaselineScore = 10
	allowPrefixScore     = 2
)

// scoreCommand applies the command-risk rules in order: deny patterns
// hard-block, a matching allow prefix lowers the baseline, escalation
// heuristics add score without blocking on their own.
func scoreCommand(rules CommandRules, act *action.Action) []action.RiskSignal {
	cmd := strings.TrimSpace(act.Payload)
	if cmd == "" {
		return nil
	}

	var signals []action.RiskSignal

	for _, rule := range rules.Deny {
		if rule.Pattern.MatchString(cmd) {
			signals = append(signals, action.RiskSignal{
				Name:      "command_deny",
				Score:     100,
				HardBlock: true,
				Rationale: fmt.Sprintf("matched deny pattern %q", rule.Name),
			})
			// One deny match is terminal; further scoring adds nothing.
			return signals
		}
	}

	baseline := commandBaselineScore
	for _, prefix := range rules.AllowPrefixes {
		if strings.HasPrefix(cmd, prefix) {
			baseline = allowPrefixScore
			break
		}
	}
	signals = append(signals, action.RiskSignal{
		Name:      "command_baseline",
		Score:     baseline,
		Rationale: "command baseline risk",
	})

	for _, rule := range rules.Escalations {
		if rule.Pattern.MatchString(cmd) {
			signals = append(signals, action.RiskSignal{
				Name:      "command_escalation",
				Score:     rule.Score,
				Rationale: fmt.Sprintf("escalation heuristic %q", rule.Name),
			})
		}
	}

	return signals
}
