package defender

import (
	"sort"
	"strings"

	"github.com/openclaw/sentinel/internal/config"
)

// Capability groups. A "group:<name>" entry in an allow or deny list expands
// to the canonical tool set for that group at compile time.
var capabilityGroups = map[string][]string{
	"memory":     {"memory_search", "memory_get"},
	"web":        {"web_search", "web_fetch"},
	"fs":         {"read", "write", "edit", "apply_patch"},
	"runtime":    {"exec", "process", "wasm"},
	"sessions":   {"sessions", "sessions_list", "sessions_history", "sessions_send", "sessions_spawn", "subagents", "session_status"},
	"ui":         {"browser", "canvas"},
	"automation": {"cron", "gateway", "routines"},
	"messaging":  {"message"},
	"nodes":      {"nodes"},
	"openclaw": {
		"browser", "canvas", "nodes", "cron", "message", "gateway", "routines",
		"wasm", "agents_list", "sessions_list", "sessions_history",
		"sessions_send", "sessions_spawn", "subagents", "session_status",
		"memory_search", "memory_get", "web_search", "web_fetch", "image",
	},
}

// profileSteps expands a named profile to its baseline allow list. An unknown
// profile contributes no step; the "full" profile is an explicit empty step
// (allow everything).
func profileStep(profile string) (policyStep, bool) {
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "minimal":
		return policyStep{allow: []string{"session_status"}}, true
	case "coding":
		return policyStep{allow: expandEntries([]string{"group:fs", "group:runtime", "group:sessions", "group:memory", "image"})}, true
	case "messaging":
		return policyStep{allow: expandEntries([]string{"group:messaging", "sessions_list", "sessions_history", "sessions_send", "session_status"})}, true
	case "full":
		return policyStep{}, true
	default:
		return policyStep{}, false
	}
}

// policyStep is one ordered allow/deny stage with group entries already
// expanded. Deny always wins within a step; an empty allow list admits
// everything not denied.
type policyStep struct {
	allow []string
	deny  []string
}

func (s policyStep) allows(tool string) bool {
	for _, pattern := range s.deny {
		if wildcardMatch(pattern, tool) {
			return false
		}
	}
	if len(s.allow) == 0 {
		return true
	}
	for _, pattern := range s.allow {
		if wildcardMatch(pattern, tool) {
			return true
		}
	}
	// An explicit exec allow implicitly covers apply_patch.
	if tool == "apply_patch" {
		for _, pattern := range s.allow {
			if wildcardMatch(pattern, "exec") {
				return true
			}
		}
	}
	return false
}

type providerRule struct {
	profile *policyStep
	step    policyStep
}

// ToolPolicyMatcher resolves tool allow/deny against the runtime policy.
// Precedence, lowest to highest: profile baseline, global allow/deny, then
// byProvider rules keyed by "provider" or "provider/model", which replace
// the global result for that provider/model.
type ToolPolicyMatcher struct {
	profile    *policyStep
	global     policyStep
	byProvider map[string]providerRule
}

// NewToolPolicyMatcher compiles the runtime policy once: profiles and groups
// expand to canonical tool sets here, not per call.
func NewToolPolicyMatcher(cfg config.ToolRuntimePolicy) *ToolPolicyMatcher {
	m := &ToolPolicyMatcher{
		global: policyStep{
			allow: expandEntries(cfg.Allow),
			deny:  expandEntries(cfg.Deny),
		},
		byProvider: make(map[string]providerRule, len(cfg.ByProvider)),
	}
	if step, ok := profileStep(cfg.Profile); ok {
		m.profile = &step
	}
	for key, rule := range cfg.ByProvider {
		normalized := strings.ToLower(strings.TrimSpace(key))
		if normalized == "" {
			continue
		}
		pr := providerRule{
			step: policyStep{
				allow: expandEntries(rule.Allow),
				deny:  expandEntries(rule.Deny),
			},
		}
		if step, ok := profileStep(rule.Profile); ok {
			pr.profile = &step
		}
		m.byProvider[normalized] = pr
	}
	return m
}

// Allows reports whether the tool may be requested, optionally scoped to a
// provider and model. The global chain is conjunctive: the profile baseline
// admits the tool and the allow/deny step narrows it, with deny winning. A
// matching byProvider rule is applied last and replaces the global result for
// that provider/model entirely, so it can both narrow and re-open.
func (m *ToolPolicyMatcher) Allows(toolName, provider, model string) bool {
	tool := NormalizeToolName(toolName)

	if rule := m.resolveProviderRule(provider, model); rule != nil {
		if rule.profile != nil && !rule.profile.allows(tool) {
			return false
		}
		return rule.step.allows(tool)
	}

	if m.profile != nil && !m.profile.allows(tool) {
		return false
	}
	return m.global.allows(tool)
}

// resolveProviderRule prefers a "provider/model" entry over a bare provider
// entry. A model id that already contains a slash is used as-is.
func (m *ToolPolicyMatcher) resolveProviderRule(provider, model string) *providerRule {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		return nil
	}
	if mod := strings.ToLower(strings.TrimSpace(model)); mod != "" {
		full := mod
		if !strings.Contains(mod, "/") {
			full = p + "/" + mod
		}
		if rule, ok := m.byProvider[full]; ok {
			return &rule
		}
	}
	if rule, ok := m.byProvider[p]; ok {
		return &rule
	}
	return nil
}

// expandEntries normalizes a pattern list and expands group entries into
// their canonical tool sets. Order is preserved; group members keep the
// deterministic order of the group table.
func expandEntries(entries []string) []string {
	var expanded []string
	for _, entry := range entries {
		normalized := strings.ToLower(strings.TrimSpace(entry))
		if normalized == "" {
			continue
		}
		if group, ok := strings.CutPrefix(normalized, "group:"); ok {
			if members, found := capabilityGroups[group]; found {
				expanded = append(expanded, members...)
			}
			continue
		}
		expanded = append(expanded, normalized)
	}
	return expanded
}

// KnownGroups returns the capability group names, sorted, for diagnostics.
func KnownGroups() []string {
	names := make([]string, 0, len(capabilityGroups))
	for name := range capabilityGroups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// wildcardMatch matches value against a pattern where '*' matches any run of
// characters. A bare "*" matches everything; a pattern without '*' must match
// exactly.
func wildcardMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")
	cursor := 0

	if first := parts[0]; first != "" {
		if !strings.HasPrefix(value, first) {
			return false
		}
		cursor = len(first)
	}

	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(value[cursor:], part)
		if idx < 0 {
			return false
		}
		cursor += idx + len(part)
	}

	if last != "" {
		return strings.HasSuffix(value[cursor:], last)
	}
	return true
}
