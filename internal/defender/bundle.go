package defender

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/sentinel/internal/config"
)

// signaturePrefix is the accepted scheme tag on bundle signatures. Bare hex
// signatures are accepted too.
const signaturePrefix = "sha256:"

// BundleEnvelope is the on-disk shape of a signed policy bundle. The wire
// names are camelCase; snake_case spellings are accepted as aliases when
// parsing.
type BundleEnvelope struct {
	Version   int         `json:"version"`
	BundleID  string      `json:"bundleId,omitempty"`
	KeyID     string      `json:"keyId,omitempty"`
	SignedAt  string      `json:"signedAt,omitempty"`
	Signature string      `json:"signature"`
	Policy    bundlePatch `json:"policy"`
}

// bundlePatch is the set of policy fields a bundle may override. Nil fields
// leave the operator configuration untouched.
type bundlePatch struct {
	AuditOnly               *bool                     `json:"audit_only,omitempty"`
	ReviewThreshold         *int                      `json:"review_threshold,omitempty"`
	BlockThreshold          *int                      `json:"block_threshold,omitempty"`
	ToolPolicies            map[string]string         `json:"tool_policies,omitempty"`
	ToolRiskBonus           map[string]int            `json:"tool_risk_bonus,omitempty"`
	ChannelRiskBonus        map[string]int            `json:"channel_risk_bonus,omitempty"`
	BlockedCommandPatterns  []string                  `json:"blocked_command_patterns,omitempty"`
	AllowedCommandPrefixes  []string                  `json:"allowed_command_prefixes,omitempty"`
	PromptInjectionPatterns []string                  `json:"prompt_injection_patterns,omitempty"`
	ToolRuntimePolicy       *config.ToolRuntimePolicy `json:"tool_runtime_policy,omitempty"`
	LoopDetection           *config.LoopDetection     `json:"loop_detection,omitempty"`
}

// BundleLoader verifies and applies signed policy bundles on top of the
// operator configuration. A failed load leaves the last known good policy in
// place; the loader never partially applies a bundle.
type BundleLoader struct {
	base *config.Config
}

// NewBundleLoader builds a loader that patches the given base configuration.
func NewBundleLoader(base *config.Config) *BundleLoader {
	return &BundleLoader{base: base}
}

// Load reads, verifies, and compiles the bundle at path into a new Policy
// snapshot ready for Store.Replace.
func (l *BundleLoader) Load(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy bundle: %w", err)
	}
	return l.Apply(raw)
}

// Apply verifies a raw bundle and compiles the patched policy.
func (l *BundleLoader) Apply(raw []byte) (*Policy, error) {
	env, err := VerifyBundle(raw, l.base.PolicyBundleKey, l.base.PolicyBundleKeys)
	if err != nil {
		return nil, err
	}

	patched := *l.base
	if err := env.Policy.applyTo(&patched); err != nil {
		return nil, fmt.Errorf("invalid policy bundle: %w", err)
	}

	pol, err := PolicyFromConfig(&patched)
	if err != nil {
		return nil, fmt.Errorf("compiling policy bundle: %w", err)
	}
	log.Info().
		Int("bundle_version", env.Version).
		Str("bundle_id", env.BundleID).
		Str("key_id", env.KeyID).
		Str("signed_at", env.SignedAt).
		Msg("policy bundle applied")
	return pol, nil
}

// VerifyBundle checks a bundle's HMAC-SHA256 signature against the primary
// key and keyring and returns the parsed envelope. A bundle that declares an
// unknown key id is rejected even if some keyring entry would verify it.
func VerifyBundle(raw []byte, primaryKey string, keyring map[string]string) (*BundleEnvelope, error) {
	var env BundleEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing policy bundle: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing policy bundle: %w", err)
	}
	// The declared key id decides strict-resolve versus fallback, so it is
	// extracted from the raw document under both spellings rather than
	// trusted to a single struct tag.
	env.BundleID = bundleStringField(doc, "bundleId", "bundle_id")
	env.KeyID = strings.ToLower(bundleStringField(doc, "keyId", "key_id"))
	env.SignedAt = bundleStringField(doc, "signedAt", "signed_at")
	if strings.TrimSpace(env.Signature) == "" {
		return nil, fmt.Errorf("policy bundle has no signature")
	}

	payload, err := canonicalBundlePayload(raw)
	if err != nil {
		return nil, err
	}

	var candidates []string
	if env.KeyID != "" {
		key, ok := lookupBundleKey(keyring, env.KeyID)
		if !ok {
			return nil, fmt.Errorf("policy bundle declares unknown key id %q", env.KeyID)
		}
		candidates = []string{key}
	} else {
		if primaryKey != "" {
			candidates = append(candidates, primaryKey)
		}
		ids := make([]string, 0, len(keyring))
		for id := range keyring {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			candidates = append(candidates, keyring[id])
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no policy bundle key configured")
	}

	for _, key := range candidates {
		if signatureMatches(env.Signature, computeBundleSignature([]byte(key), payload)) {
			return &env, nil
		}
	}
	return nil, fmt.Errorf("policy bundle signature verification failed")
}

// SignBundle computes the canonical signature for a bundle document with its
// signature field ignored. Used by tooling that produces bundles.
func SignBundle(raw []byte, key string) (string, error) {
	payload, err := canonicalBundlePayload(raw)
	if err != nil {
		return "", err
	}
	return signaturePrefix + computeBundleSignature([]byte(key), payload), nil
}

// canonicalBundlePayload re-serializes the bundle with the signature field
// removed and all object keys sorted, so signing is independent of field
// order and whitespace in the source document.
func canonicalBundlePayload(raw []byte) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing policy bundle: %w", err)
	}
	delete(doc, "signature")

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("canonicalizing policy bundle: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// bundleStringField pulls the first non-empty string under any of the given
// names, trimmed.
func bundleStringField(doc map[string]interface{}, names ...string) string {
	for _, name := range names {
		if v, ok := doc[name].(string); ok {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// lookupBundleKey resolves a declared key id against the keyring, comparing
// ids case-insensitively with surrounding whitespace ignored.
func lookupBundleKey(keyring map[string]string, id string) (string, bool) {
	for kid, key := range keyring {
		if strings.ToLower(strings.TrimSpace(kid)) == id {
			return key, true
		}
	}
	return "", false
}

func computeBundleSignature(key, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func signatureMatches(declared, computed string) bool {
	declared = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(declared), signaturePrefix)))
	return subtle.ConstantTimeCompare([]byte(declared), []byte(computed)) == 1
}

// applyTo merges the patch into a copy of the operator configuration and
// validates the result.
func (p *bundlePatch) applyTo(cfg *config.Config) error {
	if p.AuditOnly != nil {
		cfg.AuditOnly = *p.AuditOnly
	}
	if p.ReviewThreshold != nil {
		cfg.ReviewThreshold = *p.ReviewThreshold
	}
	if p.BlockThreshold != nil {
		cfg.BlockThreshold = *p.BlockThreshold
	}
	if cfg.ReviewThreshold < 0 || cfg.ReviewThreshold > 100 || cfg.BlockThreshold < 0 || cfg.BlockThreshold > 100 {
		return fmt.Errorf("thresholds must be within 0..100")
	}
	if cfg.ReviewThreshold >= cfg.BlockThreshold {
		return fmt.Errorf("review threshold %d must be below block threshold %d", cfg.ReviewThreshold, cfg.BlockThreshold)
	}

	if p.ToolPolicies != nil {
		cfg.ToolPolicies = p.ToolPolicies
	}
	if p.ToolRiskBonus != nil {
		cfg.ToolRiskBonus = p.ToolRiskBonus
	}
	if p.ChannelRiskBonus != nil {
		cfg.ChannelRiskBonus = p.ChannelRiskBonus
	}

	if p.BlockedCommandPatterns != nil {
		if len(p.BlockedCommandPatterns) == 0 {
			return fmt.Errorf("blocked_command_patterns must not be empty when present")
		}
		cfg.BlockedCommandPatterns = p.BlockedCommandPatterns
	}
	if p.AllowedCommandPrefixes != nil {
		if len(p.AllowedCommandPrefixes) == 0 {
			return fmt.Errorf("allowed_command_prefixes must not be empty when present")
		}
		cfg.AllowedCommandPrefixes = p.AllowedCommandPrefixes
	}
	if p.PromptInjectionPatterns != nil {
		if len(p.PromptInjectionPatterns) == 0 {
			return fmt.Errorf("prompt_injection_patterns must not be empty when present")
		}
		cfg.PromptInjectionPatterns = p.PromptInjectionPatterns
	}

	if p.ToolRuntimePolicy != nil {
		cfg.ToolRuntimePolicy = *p.ToolRuntimePolicy
	}
	if p.LoopDetection != nil {
		if p.LoopDetection.Enabled && p.LoopDetection.WarningThreshold >= p.LoopDetection.CriticalThreshold {
			return fmt.Errorf("loop warning threshold must be below critical threshold")
		}
		cfg.LoopDetection = *p.LoopDetection
	}
	return nil
}
