package defender

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// injectionPackFile is the YAML structure of an injection recognizer pack.
type injectionPackFile struct {
	Recognizers []injectionRecognizerConfig `yaml:"recognizers"`
}

type injectionRecognizerConfig struct {
	Name     string                `yaml:"name"`
	Class    string                `yaml:"class"`
	Severity int                   `yaml:"severity"`
	Patterns []injectionPatternRef `yaml:"patterns"`
}

type injectionPatternRef struct {
	Regex string `yaml:"regex"`
}

// commandPackFile is the YAML structure of a command-risk pack.
type commandPackFile struct {
	Deny          []commandRuleConfig `yaml:"deny"`
	AllowPrefixes []string            `yaml:"allow_prefixes"`
	Escalations   []commandRuleConfig `yaml:"escalations"`
}

type commandRuleConfig struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
	Score int    `yaml:"score"`
}

// loadInjectionPack parses and compiles the embedded injection pack. When the
// operator supplies override patterns they replace the pack wholesale; each
// override becomes one recognizer at the default override severity.
func loadInjectionPack(packYAML []byte, overrides []string) ([]InjectionRecognizer, error) {
	if len(overrides) > 0 {
		out := make([]InjectionRecognizer, 0, len(overrides))
		for i, raw := range overrides {
			re, err := regexp.Compile(raw)
			if err != nil {
				return nil, fmt.Errorf("compiling prompt_injection_patterns[%d]: %w", i, err)
			}
			out = append(out, InjectionRecognizer{
				Name:     fmt.Sprintf("custom_injection_%d", i),
				Class:    "override",
				Severity: 35,
				Patterns: []*regexp.Regexp{re},
			})
		}
		return out, nil
	}

	var pack injectionPackFile
	if err := yaml.Unmarshal(packYAML, &pack); err != nil {
		return nil, fmt.Errorf("parsing injection pack YAML: %w", err)
	}

	out := make([]InjectionRecognizer, 0, len(pack.Recognizers))
	for _, rec := range pack.Recognizers {
		compiled := make([]*regexp.Regexp, 0, len(rec.Patterns))
		for _, p := range rec.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern in recognizer %q: %w", rec.Name, err)
			}
			compiled = append(compiled, re)
		}
		out = append(out, InjectionRecognizer{
			Name:     rec.Name,
			Class:    rec.Class,
			Severity: rec.Severity,
			Patterns: compiled,
		})
	}
	return out, nil
}

// loadCommandPack parses and compiles the embedded command pack. Operator
// overrides replace the corresponding section only: blocked patterns replace
// deny, allowed prefixes replace allow_prefixes; escalations always come from
// the pack.
func loadCommandPack(packYAML []byte, denyOverrides, prefixOverrides []string) (CommandRules, error) {
	var pack commandPackFile
	if err := yaml.Unmarshal(packYAML, &pack); err != nil {
		return CommandRules{}, fmt.Errorf("parsing command pack YAML: %w", err)
	}

	var rules CommandRules

	if len(denyOverrides) > 0 {
		for i, raw := range denyOverrides {
			re, err := regexp.Compile(raw)
			if err != nil {
				return CommandRules{}, fmt.Errorf("compiling blocked_command_patterns[%d]: %w", i, err)
			}
			rules.Deny = append(rules.Deny, NamedPattern{
				Name:    fmt.Sprintf("custom_deny_%d", i),
				Pattern: re,
			})
		}
	} else {
		for _, rule := range pack.Deny {
			re, err := regexp.Compile(rule.Regex)
			if err != nil {
				return CommandRules{}, fmt.Errorf("compiling deny rule %q: %w", rule.Name, err)
			}
			rules.Deny = append(rules.Deny, NamedPattern{Name: rule.Name, Pattern: re})
		}
	}

	if len(prefixOverrides) > 0 {
		rules.AllowPrefixes = prefixOverrides
	} else {
		rules.AllowPrefixes = pack.AllowPrefixes
	}

	for _, rule := range pack.Escalations {
		re, err := regexp.Compile(rule.Regex)
		if err != nil {
			return CommandRules{}, fmt.Errorf("compiling escalation rule %q: %w", rule.Name, err)
		}
		rules.Escalations = append(rules.Escalations, ScoredPattern{
			Name:    rule.Name,
			Score:   rule.Score,
			Pattern: re,
		})
	}

	return rules, nil
}
