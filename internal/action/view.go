package action

import (
	"hash/fnv"
)

// ToolCall is one historical (tool, argument-fingerprint) pair from a
// session's bounded tool-call history.
type ToolCall struct {
	Tool        string `json:"tool"`
	Fingerprint uint64 `json:"fingerprint"`
}

// SessionView is the read-only slice of session state the decision engine is
// given. The scheduler owns the underlying state; the view is a snapshot and
// the engine never mutates it.
type SessionView struct {
	SessionKey  SessionKey `json:"session_key"`
	ToolHistory []ToolCall `json:"tool_history,omitempty"`
	Processed   uint64     `json:"processed"`
	Blocked     uint64     `json:"blocked"`
}

// ToolFingerprint returns the argument fingerprint the loop detector uses to
// recognize identical repeated tool calls: a 64-bit FNV-1a hash over the
// normalized tool name and the payload.
func (a *Action) ToolFingerprint(normalizedTool string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalizedTool))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(a.Payload))
	return h.Sum64()
}
