// Package testutil holds shared helpers for package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/sentinel/internal/action"
	"github.com/openclaw/sentinel/internal/quarantine"
)

// TestSigningKey is HMAC key material for tests only (32 bytes).
const TestSigningKey = "test-signing-key-1234567890123456"

// NewTestLedger creates a quarantine store in a temp dir and registers
// t.Cleanup to close it. Uses TestSigningKey.
func NewTestLedger(t *testing.T) *quarantine.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := quarantine.NewStore(filepath.Join(dir, "quarantine.db"), TestSigningKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// PromptAction builds a direct-chat prompt action for the given session.
func PromptAction(key action.SessionKey, payload string) *action.Action {
	return &action.Action{
		ID:         uuid.NewString(),
		SessionKey: key,
		Kind:       action.KindPrompt,
		Actor:      "tester",
		Payload:    payload,
		ChatType:   action.ChatDirect,
		ReceivedAt: time.Now().UTC(),
	}
}

// CommandAction builds a command action for the given session.
func CommandAction(key action.SessionKey, payload string) *action.Action {
	act := PromptAction(key, payload)
	act.Kind = action.KindCommand
	return act
}

// ToolCallAction builds a tool_call action.
func ToolCallAction(key action.SessionKey, tool, payload string) *action.Action {
	act := PromptAction(key, payload)
	act.Kind = action.KindToolCall
	act.ToolName = tool
	return act
}
