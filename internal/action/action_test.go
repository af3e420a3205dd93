package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	valid := Action{ID: "a1", Kind: KindPrompt, Payload: "hi"}
	assert.NoError(t, valid.Validate())

	missingID := Action{Kind: KindPrompt}
	assert.Error(t, missingID.Validate())

	badKind := Action{ID: "a1", Kind: "telepathy"}
	assert.Error(t, badKind.Validate())

	toolCallNoTool := Action{ID: "a1", Kind: KindToolCall}
	assert.Error(t, toolCallNoTool.Validate())

	toolCall := Action{ID: "a1", Kind: KindToolCall, ToolName: "exec"}
	assert.NoError(t, toolCall.Validate())
}

func TestParseVerdict_FailSafe(t *testing.T) {
	assert.Equal(t, VerdictAllow, ParseVerdict("allow"))
	assert.Equal(t, VerdictBlock, ParseVerdict(" Block "))
	assert.Equal(t, VerdictReview, ParseVerdict("review"))
	// Unknown strings degrade to review, never allow.
	assert.Equal(t, VerdictReview, ParseVerdict("yolo"))
	assert.Equal(t, VerdictReview, ParseVerdict(""))
}

func TestMaxVerdict(t *testing.T) {
	assert.Equal(t, VerdictBlock, MaxVerdict(VerdictAllow, VerdictBlock))
	assert.Equal(t, VerdictBlock, MaxVerdict(VerdictBlock, VerdictReview))
	assert.Equal(t, VerdictReview, MaxVerdict(VerdictReview, VerdictAllow))
	assert.Equal(t, VerdictAllow, MaxVerdict(VerdictAllow, VerdictAllow))
}

func TestNormalizeChatType(t *testing.T) {
	assert.Equal(t, ChatGroup, NormalizeChatType("group"))
	assert.Equal(t, ChatGroup, NormalizeChatType("Channel"))
	assert.Equal(t, ChatDirect, NormalizeChatType("direct"))
	assert.Equal(t, ChatDirect, NormalizeChatType("dm"))
	assert.Equal(t, ChatDirect, NormalizeChatType(""))
}

func TestToolFingerprint_DistinguishesArgs(t *testing.T) {
	a := Action{ID: "1", Kind: KindToolCall, ToolName: "exec", Payload: `{"cmd":"ls"}`}
	b := Action{ID: "2", Kind: KindToolCall, ToolName: "exec", Payload: `{"cmd":"pwd"}`}
	c := Action{ID: "3", Kind: KindToolCall, ToolName: "exec", Payload: `{"cmd":"ls"}`}

	assert.NotEqual(t, a.ToolFingerprint("exec"), b.ToolFingerprint("exec"))
	assert.Equal(t, a.ToolFingerprint("exec"), c.ToolFingerprint("exec"))
	assert.NotEqual(t, a.ToolFingerprint("exec"), a.ToolFingerprint("browser"))
}
