package defender

import (
	"fmt"

	"github.com/openclaw/sentinel/internal/action"
)

// comboBoost is added when override-class and exfiltration-class recognizers
// both match the same payload; the combination is a stronger indicator than
// either family alone.
const comboBoost = 15

// scoreInjection runs the prompt-injection recognizers over the payload.
// Each matching recognizer contributes one signal at its severity; it never
// hard-blocks on its own.
func scoreInjection(recognizers []InjectionRecognizer, act *action.Action) []action.RiskSignal {
	payload := act.Payload
	if payload == "" {
		return nil
	}

	var signals []action.RiskSignal
	classSeen := map[string]bool{}

	for _, rec := range recognizers {
		for _, re := range rec.Patterns {
			if !re.MatchString(payload) {
				continue
			}
			signals = append(signals, action.RiskSignal{
				Name:      "prompt_injection",
				Score:     rec.Severity,
				Rationale: fmt.Sprintf("matched injection recognizer %q", rec.Name),
			})
			classSeen[rec.Class] = true
			break
		}
	}

	if classSeen["override"] && classSeen["exfiltration"] {
		signals = append(signals, action.RiskSignal{
			Name:      "prompt_injection_combo",
			Score:     comboBoost,
			Rationale: "instruction-override and exfiltration phrasing co-occur",
		})
	}

	return signals
}
