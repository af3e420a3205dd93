// Package action defines the normalized data model shared by the session
// scheduler and the defender pipeline: inbound Actions, typed session keys,
// risk signals, and the Decision emitted for every admitted Action.
package action

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies what an inbound Action asks the backend to do.
type Kind string

const (
	KindPrompt   Kind = "prompt"
	KindCommand  Kind = "command"
	KindURL      Kind = "url"
	KindFile     Kind = "file"
	KindToolCall Kind = "tool_call"
)

// ChatType distinguishes direct conversations from group contexts, which are
// subject to mention gating.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// NormalizeChatType maps transport-level chat type strings onto the two
// canonical values. "dm" is accepted as an alias for direct; anything
// unrecognized defaults to direct so gating never fires on unknown input.
func NormalizeChatType(raw string) ChatType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "group", "channel":
		return ChatGroup
	default:
		return ChatDirect
	}
}

// Action is one normalized inbound unit requiring a security decision.
// Immutable once constructed; ownership transfers to the scheduler on submit.
type Action struct {
	ID           string     `json:"id"`
	SessionKey   SessionKey `json:"session_key"`
	Kind         Kind       `json:"kind"`
	Channel      string     `json:"channel,omitempty"`
	Actor        string     `json:"actor,omitempty"`
	Payload      string     `json:"payload"`
	ToolName     string     `json:"tool_name,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	ChatType     ChatType   `json:"chat_type"`
	WasMentioned bool       `json:"was_mentioned,omitempty"`
	DedupeKey    string     `json:"dedupe_key,omitempty"`
	ReceivedAt   time.Time  `json:"received_at"`
}

// Verdict is the disposition of an Action.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictReview Verdict = "review"
	VerdictBlock  Verdict = "block"
)

// rank orders verdicts by severity for MaxVerdict.
func rank(v Verdict) int {
	switch v {
	case VerdictBlock:
		return 2
	case VerdictReview:
		return 1
	default:
		return 0
	}
}

// MaxVerdict returns the more severe of two verdicts.
func MaxVerdict(a, b Verdict) Verdict {
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

// ParseVerdict maps a verdict string to its canonical value, defaulting to
// review for anything unrecognized (fail-safe, never fail-open).
func ParseVerdict(s string) Verdict {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return VerdictAllow
	case "block":
		return VerdictBlock
	default:
		return VerdictReview
	}
}

// RiskSignal is one weighted finding from a single evaluator. HardBlock
// signals force a Block verdict regardless of the accumulated score.
type RiskSignal struct {
	Name      string `json:"name"`
	Score     int    `json:"score"`
	HardBlock bool   `json:"hard_block,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// Decision is the outcome for one Action: the effective verdict, the
// aggregate score, and the ordered signals that produced it. Immutable once
// emitted. When AuditOnly is set the effective verdict is Allow and WouldHave
// records the verdict that enforcement would have produced.
type Decision struct {
	ID           string       `json:"id"`
	ActionID     string       `json:"action_id"`
	SessionKey   SessionKey   `json:"session_key"`
	Verdict      Verdict      `json:"verdict"`
	Score        int          `json:"score"`
	Signals      []RiskSignal `json:"signals,omitempty"`
	AuditOnly    bool         `json:"audit_only,omitempty"`
	WouldHave    Verdict      `json:"would_have,omitempty"`
	Channel      string       `json:"channel,omitempty"`
	ChatType     ChatType     `json:"chat_type,omitempty"`
	WasMentioned bool         `json:"was_mentioned,omitempty"`
	DecidedAt    time.Time    `json:"decided_at"`
}

// Admission is the scheduler's answer to a submit call. Dropped and Gated are
// expected control outcomes, not errors.
type Admission string

const (
	AdmitRunNow Admission = "run_now"
	AdmitQueued Admission = "queued"
	AdmitDrop   Admission = "dropped"
	AdmitGated  Admission = "gated"
)

// Validate reports whether the Action carries the minimum fields the pipeline
// requires. It is the only checking done after adapter normalization.
func (a *Action) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("action id is required")
	}
	switch a.Kind {
	case KindPrompt, KindCommand, KindURL, KindFile, KindToolCall:
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if a.Kind == KindToolCall && strings.TrimSpace(a.ToolName) == "" {
		return fmt.Errorf("tool_call action requires tool_name")
	}
	return nil
}
