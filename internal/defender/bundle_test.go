package defender

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundleTestKey = "bundle-signing-key-for-tests-0001"

func signedBundle(t *testing.T, key string, doc map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	sig, err := SignBundle(raw, key)
	require.NoError(t, err)
	doc["signature"] = sig
	signed, err := json.Marshal(doc)
	require.NoError(t, err)
	return signed
}

func TestVerifyBundle_RoundTrip(t *testing.T) {
	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 3,
		"policy":  map[string]interface{}{"block_threshold": 80},
	})

	env, err := VerifyBundle(raw, bundleTestKey, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, env.Version)
	require.NotNil(t, env.Policy.BlockThreshold)
	assert.Equal(t, 80, *env.Policy.BlockThreshold)
}

func TestVerifyBundle_FieldOrderIndependent(t *testing.T) {
	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 1,
		"policy":  map[string]interface{}{"audit_only": true, "review_threshold": 40},
	})

	var env BundleEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))

	// Re-serialize the same document with different field order and spacing.
	reordered := `{` +
		`"policy": {"review_threshold": 40, "audit_only": true},` +
		` "signature": "` + env.Signature + `",` +
		` "version": 1}`

	_, err := VerifyBundle([]byte(reordered), bundleTestKey, nil)
	assert.NoError(t, err)
}

func TestVerifyBundle_BareHexSignatureAccepted(t *testing.T) {
	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 1,
		"policy":  map[string]interface{}{},
	})
	stripped := strings.Replace(string(raw), "sha256:", "", 1)

	_, err := VerifyBundle([]byte(stripped), bundleTestKey, nil)
	assert.NoError(t, err)
}

func TestVerifyBundle_TamperRejected(t *testing.T) {
	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 1,
		"policy":  map[string]interface{}{"block_threshold": 80},
	})
	tampered := strings.Replace(string(raw), `"block_threshold":80`, `"block_threshold":99`, 1)
	require.NotEqual(t, string(raw), tampered)

	_, err := VerifyBundle([]byte(tampered), bundleTestKey, nil)
	assert.ErrorContains(t, err, "signature verification failed")
}

func TestVerifyBundle_MissingSignatureRejected(t *testing.T) {
	_, err := VerifyBundle([]byte(`{"version":1,"policy":{}}`), bundleTestKey, nil)
	assert.ErrorContains(t, err, "no signature")
}

func TestVerifyBundle_UnknownKeyIDRejected(t *testing.T) {
	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 1,
		"key_id":  "rotated-2026",
		"policy":  map[string]interface{}{},
	})

	// The keyring holds the right key under a different id. A declared key_id
	// must resolve; no fallback scan happens.
	_, err := VerifyBundle(raw, "", map[string]string{"other": bundleTestKey})
	assert.ErrorContains(t, err, `unknown key id "rotated-2026"`)
}

func TestVerifyBundle_KeyIDResolvesThroughKeyring(t *testing.T) {
	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 2,
		"key_id":  "rotated-2026",
		"policy":  map[string]interface{}{},
	})

	env, err := VerifyBundle(raw, "unrelated-primary-key", map[string]string{"rotated-2026": bundleTestKey})
	require.NoError(t, err)
	assert.Equal(t, "rotated-2026", env.KeyID)
}

func TestVerifyBundle_CamelCaseKeyIDRejectedWhenUnknown(t *testing.T) {
	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 1,
		"keyId":   "rogue-unknown-key",
		"policy":  map[string]interface{}{},
	})

	// A declared key id must resolve even though the primary key would
	// verify the signature.
	_, err := VerifyBundle(raw, bundleTestKey, nil)
	assert.ErrorContains(t, err, `unknown key id "rogue-unknown-key"`)
}

func TestVerifyBundle_CamelCaseKeyIDResolvesThroughKeyring(t *testing.T) {
	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 2,
		"keyId":   "rotated-2026",
		"policy":  map[string]interface{}{},
	})

	env, err := VerifyBundle(raw, "unrelated-primary-key", map[string]string{"rotated-2026": bundleTestKey})
	require.NoError(t, err)
	assert.Equal(t, "rotated-2026", env.KeyID)
}

func TestVerifyBundle_KeyIDNormalized(t *testing.T) {
	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 1,
		"keyId":   "  Rotated-2026 ",
		"policy":  map[string]interface{}{},
	})

	env, err := VerifyBundle(raw, "", map[string]string{"ROTATED-2026": bundleTestKey})
	require.NoError(t, err)
	assert.Equal(t, "rotated-2026", env.KeyID)
}

func TestVerifyBundle_EnvelopeMetadataParsed(t *testing.T) {
	t.Run("camelCase", func(t *testing.T) {
		raw := signedBundle(t, bundleTestKey, map[string]interface{}{
			"version":  4,
			"bundleId": "ops-2026-09",
			"signedAt": "2026-09-01T00:00:00Z",
			"policy":   map[string]interface{}{},
		})

		env, err := VerifyBundle(raw, bundleTestKey, nil)
		require.NoError(t, err)
		assert.Equal(t, "ops-2026-09", env.BundleID)
		assert.Equal(t, "2026-09-01T00:00:00Z", env.SignedAt)
	})

	t.Run("snake_case aliases", func(t *testing.T) {
		raw := signedBundle(t, bundleTestKey, map[string]interface{}{
			"version":   4,
			"bundle_id": "ops-2026-09",
			"signed_at": "2026-09-01T00:00:00Z",
			"policy":    map[string]interface{}{},
		})

		env, err := VerifyBundle(raw, bundleTestKey, nil)
		require.NoError(t, err)
		assert.Equal(t, "ops-2026-09", env.BundleID)
		assert.Equal(t, "2026-09-01T00:00:00Z", env.SignedAt)
	})
}

func TestVerifyBundle_KeyringFallbackWithoutKeyID(t *testing.T) {
	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 1,
		"policy":  map[string]interface{}{},
	})

	_, err := VerifyBundle(raw, "wrong-primary-key", map[string]string{"legacy": bundleTestKey})
	assert.NoError(t, err)
}

func TestVerifyBundle_NoKeysConfigured(t *testing.T) {
	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 1,
		"policy":  map[string]interface{}{},
	})

	_, err := VerifyBundle(raw, "", nil)
	assert.ErrorContains(t, err, "no policy bundle key configured")
}

func TestBundleLoader_AppliesPatchOverBase(t *testing.T) {
	base := testConfig()
	base.PolicyBundleKey = bundleTestKey
	loader := NewBundleLoader(base)

	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 1,
		"policy": map[string]interface{}{
			"review_threshold": 20,
			"block_threshold":  50,
			"tool_policies":    map[string]interface{}{"exec": "block"},
		},
	})

	pol, err := loader.Apply(raw)
	require.NoError(t, err)
	assert.Equal(t, 20, pol.ReviewThreshold)
	assert.Equal(t, 50, pol.BlockThreshold)

	// The operator configuration itself is never mutated.
	assert.Equal(t, 35, base.ReviewThreshold)
	assert.Equal(t, 65, base.BlockThreshold)
}

func TestBundleLoader_RejectsInvalidThresholds(t *testing.T) {
	base := testConfig()
	base.PolicyBundleKey = bundleTestKey
	loader := NewBundleLoader(base)

	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 1,
		"policy": map[string]interface{}{
			"review_threshold": 70,
			"block_threshold":  60,
		},
	})

	_, err := loader.Apply(raw)
	assert.ErrorContains(t, err, "below block threshold")
}

func TestBundleLoader_RejectsEmptyPatternList(t *testing.T) {
	base := testConfig()
	base.PolicyBundleKey = bundleTestKey
	loader := NewBundleLoader(base)

	raw := signedBundle(t, bundleTestKey, map[string]interface{}{
		"version": 1,
		"policy": map[string]interface{}{
			"blocked_command_patterns": []interface{}{},
		},
	})

	_, err := loader.Apply(raw)
	assert.ErrorContains(t, err, "must not be empty")
}

func TestBundleLoader_RejectsBadSignature(t *testing.T) {
	base := testConfig()
	base.PolicyBundleKey = bundleTestKey
	loader := NewBundleLoader(base)

	raw := signedBundle(t, "some-other-key-entirely-000000000", map[string]interface{}{
		"version": 1,
		"policy":  map[string]interface{}{},
	})

	_, err := loader.Apply(raw)
	assert.Error(t, err)
}
