// Package defender implements the decision engine that scores and disposes of
// every inbound action before execution: the risk-signal evaluators, the
// aggregation and threshold logic, and the signed policy bundle loader.
package defender

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/openclaw/sentinel/internal/action"
	"github.com/openclaw/sentinel/internal/config"
	"github.com/openclaw/sentinel/patterns"
)

// Policy is one immutable, fully compiled policy snapshot. Concurrent
// evaluations each hold a snapshot for their whole duration; a reload swaps
// in a new snapshot atomically and never mutates an existing one.
type Policy struct {
	ReviewThreshold int
	BlockThreshold  int
	AuditOnly       bool

	// Per-tool floor: the minimum verdict for an allowed tool.
	ToolPolicies map[string]action.Verdict

	// Additive pre-sum risk bonuses.
	ToolRiskBonus    map[string]int
	ChannelRiskBonus map[string]int

	// Compiled evaluator inputs.
	Injection   []InjectionRecognizer
	Commands    CommandRules
	ToolRuntime *ToolPolicyMatcher
	Loop        config.LoopDetection
}

// InjectionRecognizer is one compiled prompt-injection recognizer.
type InjectionRecognizer struct {
	Name     string
	Class    string // override | exfiltration | other
	Severity int
	Patterns []*regexp.Regexp
}

// CommandRules holds the compiled command-risk rule set.
type CommandRules struct {
	Deny          []NamedPattern
	AllowPrefixes []string
	Escalations   []ScoredPattern
}

// NamedPattern is a compiled hard-block pattern.
type NamedPattern struct {
	Name    string
	Pattern *regexp.Regexp
}

// ScoredPattern is a compiled additive-score pattern.
type ScoredPattern struct {
	Name    string
	Score   int
	Pattern *regexp.Regexp
}

// Store hands out the current Policy snapshot and replaces it atomically on a
// verified reload.
type Store struct {
	current atomic.Pointer[Policy]
}

// NewStore creates a store seeded with the given snapshot.
func NewStore(pol *Policy) *Store {
	s := &Store{}
	s.current.Store(pol)
	return s
}

// Current returns the policy snapshot evaluations should pin for their
// duration.
func (s *Store) Current() *Policy {
	return s.current.Load()
}

// Replace swaps in a new snapshot. The previous snapshot stays valid for
// evaluations that already pinned it.
func (s *Store) Replace(pol *Policy) {
	s.current.Store(pol)
}

// PolicyFromConfig compiles the base Policy from operator configuration.
// Pattern overrides in the config replace the embedded default packs; empty
// overrides keep the defaults.
func PolicyFromConfig(cfg *config.Config) (*Policy, error) {
	injection, err := loadInjectionPack(patterns.InjectionYAML(), cfg.PromptInjectionPatterns)
	if err != nil {
		return nil, fmt.Errorf("loading injection pack: %w", err)
	}

	commands, err := loadCommandPack(patterns.CommandsYAML(), cfg.BlockedCommandPatterns, cfg.AllowedCommandPrefixes)
	if err != nil {
		return nil, fmt.Errorf("loading command pack: %w", err)
	}

	toolPolicies := make(map[string]action.Verdict, len(cfg.ToolPolicies))
	for tool, verdict := range cfg.ToolPolicies {
		name := NormalizeToolName(tool)
		if name == "" {
			continue
		}
		toolPolicies[name] = action.ParseVerdict(verdict)
	}

	return &Policy{
		ReviewThreshold:  cfg.ReviewThreshold,
		BlockThreshold:   cfg.BlockThreshold,
		AuditOnly:        cfg.AuditOnly,
		ToolPolicies:     toolPolicies,
		ToolRiskBonus:    normalizeBonusMap(cfg.ToolRiskBonus),
		ChannelRiskBonus: normalizeBonusMap(cfg.ChannelRiskBonus),
		Injection:        injection,
		Commands:         commands,
		ToolRuntime:      NewToolPolicyMatcher(cfg.ToolRuntimePolicy),
		Loop:             cfg.LoopDetection,
	}, nil
}

func normalizeBonusMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" || v <= 0 {
			continue
		}
		out[key] = v
	}
	return out
}

// NormalizeToolName maps tool name aliases onto their canonical form before
// any policy or history lookup.
func NormalizeToolName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	switch normalized {
	case "bash":
		return "exec"
	case "apply-patch":
		return "apply_patch"
	case "session":
		return "sessions"
	default:
		return normalized
	}
}
