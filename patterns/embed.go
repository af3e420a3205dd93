// Package patterns provides the embedded default rule packs for the defender
// evaluators: prompt-injection recognizers and command-risk rules. Operators
// can override either pack from configuration or via a signed policy bundle;
// these files are the baseline that ships with the binary.
package patterns

import _ "embed"

//go:embed injection.yaml
var injectionYAML []byte

//go:embed commands.yaml
var commandsYAML []byte

// InjectionYAML returns the embedded default prompt-injection pack.
func InjectionYAML() []byte { return injectionYAML }

// CommandsYAML returns the embedded default command-risk pack.
func CommandsYAML() []byte { return commandsYAML }
