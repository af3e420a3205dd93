package defender

import (
	"fmt"

	"github.com/openclaw/sentinel/internal/action"
	"github.com/openclaw/sentinel/internal/config"
)

const (
	loopWarningScore  = 25
	loopCriticalScore = 100
)

// detectToolLoop inspects the session's tool-call history (the current call
// is already the newest entry) and counts the trailing streak of identical
// (tool, fingerprint) pairs. It emits tool_loop_warning at the warning
// threshold and a hard-blocking tool_loop_critical at the critical threshold.
func detectToolLoop(cfg config.LoopDetection, view *action.SessionView, act *action.Action) []action.RiskSignal {
	if !cfg.Enabled || act.Kind != action.KindToolCall || view == nil {
		return nil
	}
	tool := NormalizeToolName(act.ToolName)
	if tool == "" {
		return nil
	}
	fingerprint := act.ToolFingerprint(tool)

	streak := 0
	for i := len(view.ToolHistory) - 1; i >= 0; i-- {
		entry := view.ToolHistory[i]
		if entry.Tool != tool || entry.Fingerprint != fingerprint {
			break
		}
		streak++
	}

	if streak >= cfg.CriticalThreshold {
		return []action.RiskSignal{{
			Name:      "tool_loop_critical",
			Score:     loopCriticalScore,
			HardBlock: true,
			Rationale: fmt.Sprintf("tool %q repeated %d times with identical arguments", tool, streak),
		}}
	}
	if streak >= cfg.WarningThreshold {
		return []action.RiskSignal{{
			Name:      "tool_loop_warning",
			Score:     loopWarningScore,
			Rationale: fmt.Sprintf("tool %q repeated %d times with identical arguments", tool, streak),
		}}
	}
	return nil
}
