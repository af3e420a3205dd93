package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/sentinel/internal/action"
	"github.com/openclaw/sentinel/internal/testutil"
)

// admit submits and keeps only the admission, for cases where superseded
// actions are irrelevant.
func admit(s *Scheduler, act *action.Action) action.Admission {
	adm, _ := s.Submit(act)
	return adm
}

func TestSubmit_IdleSessionRunsNow(t *testing.T) {
	sched := New(Options{})
	key := action.MainKey()

	adm := admit(sched, testutil.PromptAction(key, "hello"))
	assert.Equal(t, action.AdmitRunNow, adm)
}

func TestFollowup_FIFODrain(t *testing.T) {
	sched := New(Options{QueueMode: QueueFollowup})
	key := action.MainKey()

	first := testutil.PromptAction(key, "one")
	second := testutil.PromptAction(key, "two")
	third := testutil.PromptAction(key, "three")

	require.Equal(t, action.AdmitRunNow, admit(sched, first))
	require.Equal(t, action.AdmitQueued, admit(sched, second))
	require.Equal(t, action.AdmitQueued, admit(sched, third))

	next := sched.OnCompleted(key)
	require.NotNil(t, next)
	assert.Equal(t, "two", next.Payload)

	next = sched.OnCompleted(key)
	require.NotNil(t, next)
	assert.Equal(t, "three", next.Payload)

	assert.Nil(t, sched.OnCompleted(key))

	// The session went idle; a new submission runs immediately.
	assert.Equal(t, action.AdmitRunNow, admit(sched, testutil.PromptAction(key, "four")))
}

func TestFollowup_DropAtCapacityKeepsEarlierEntries(t *testing.T) {
	sched := New(Options{QueueMode: QueueFollowup, QueueCapacity: 2})
	key := action.MainKey()

	require.Equal(t, action.AdmitRunNow, admit(sched, testutil.PromptAction(key, "active")))
	require.Equal(t, action.AdmitQueued, admit(sched, testutil.PromptAction(key, "q1")))
	require.Equal(t, action.AdmitQueued, admit(sched, testutil.PromptAction(key, "q2")))
	assert.Equal(t, action.AdmitDrop, admit(sched, testutil.PromptAction(key, "overflow")))

	assert.Equal(t, "q1", sched.OnCompleted(key).Payload)
	assert.Equal(t, "q2", sched.OnCompleted(key).Payload)
	assert.Nil(t, sched.OnCompleted(key))
}

func TestSteer_LatestIntentWins(t *testing.T) {
	sched := New(Options{QueueMode: QueueSteer})
	key := action.MainKey()

	require.Equal(t, action.AdmitRunNow, admit(sched, testutil.PromptAction(key, "active")))
	require.Equal(t, action.AdmitQueued, admit(sched, testutil.PromptAction(key, "first steer")))
	require.Equal(t, action.AdmitQueued, admit(sched, testutil.PromptAction(key, "second steer")))

	next := sched.OnCompleted(key)
	require.NotNil(t, next)
	assert.Equal(t, "second steer", next.Payload)
	assert.Nil(t, sched.OnCompleted(key))
}

func TestSteer_ReportsSupersededActions(t *testing.T) {
	sched := New(Options{QueueMode: QueueSteer})
	key := action.MainKey()

	require.Equal(t, action.AdmitRunNow, admit(sched, testutil.PromptAction(key, "active")))

	first := testutil.PromptAction(key, "first steer")
	adm, superseded := sched.Submit(first)
	require.Equal(t, action.AdmitQueued, adm)
	assert.Empty(t, superseded)

	second := testutil.PromptAction(key, "second steer")
	adm, superseded = sched.Submit(second)
	require.Equal(t, action.AdmitQueued, adm)
	require.Len(t, superseded, 1)
	assert.Equal(t, first.ID, superseded[0].ID)
}

func TestCollect_MergeReportsReplacedPrompt(t *testing.T) {
	sched := New(Options{QueueMode: QueueCollect})
	key := action.MainKey()

	require.Equal(t, action.AdmitRunNow, admit(sched, testutil.PromptAction(key, "active")))

	first := testutil.PromptAction(key, "part one")
	require.Equal(t, action.AdmitQueued, admit(sched, first))

	second := testutil.PromptAction(key, "part two")
	adm, superseded := sched.Submit(second)
	require.Equal(t, action.AdmitQueued, adm)
	require.Len(t, superseded, 1)
	assert.Equal(t, first.ID, superseded[0].ID)

	// The merged action carries the newest submission's identity.
	next := sched.OnCompleted(key)
	require.NotNil(t, next)
	assert.Equal(t, second.ID, next.ID)
	assert.Equal(t, "part one\n\npart two", next.Payload)
}

func TestCollect_MergesPromptPayloads(t *testing.T) {
	sched := New(Options{QueueMode: QueueCollect})
	key := action.MainKey()

	require.Equal(t, action.AdmitRunNow, admit(sched, testutil.PromptAction(key, "active")))
	require.Equal(t, action.AdmitQueued, admit(sched, testutil.PromptAction(key, "part one")))
	require.Equal(t, action.AdmitQueued, admit(sched, testutil.PromptAction(key, "part two")))

	next := sched.OnCompleted(key)
	require.NotNil(t, next)
	assert.Equal(t, "part one\n\npart two", next.Payload)
	assert.Nil(t, sched.OnCompleted(key))
}

func TestCollect_NonPromptsQueueSeparately(t *testing.T) {
	sched := New(Options{QueueMode: QueueCollect})
	key := action.MainKey()

	require.Equal(t, action.AdmitRunNow, admit(sched, testutil.PromptAction(key, "active")))
	require.Equal(t, action.AdmitQueued, admit(sched, testutil.ToolCallAction(key, "read", `{"path":"a"}`)))
	require.Equal(t, action.AdmitQueued, admit(sched, testutil.ToolCallAction(key, "read", `{"path":"b"}`)))

	first := sched.OnCompleted(key)
	require.NotNil(t, first)
	assert.Equal(t, `{"path":"a"}`, first.Payload)
	second := sched.OnCompleted(key)
	require.NotNil(t, second)
	assert.Equal(t, `{"path":"b"}`, second.Payload)
}

func TestGate_GroupChatWithoutMention(t *testing.T) {
	sched := New(Options{ActivationMode: ActivateOnMention, ControlPrefixes: []string{"/"}})
	key, err := action.ParseSessionKey("group:discord/dev-room")
	require.NoError(t, err)

	act := testutil.PromptAction(key, "anyone around?")
	act.ChatType = action.ChatGroup
	assert.Equal(t, action.AdmitGated, admit(sched, act))

	mentioned := testutil.PromptAction(key, "hey bot, status?")
	mentioned.ChatType = action.ChatGroup
	mentioned.WasMentioned = true
	assert.Equal(t, action.AdmitRunNow, admit(sched, mentioned))
}

func TestGate_ControlPrefixBypasses(t *testing.T) {
	sched := New(Options{ActivationMode: ActivateOnMention, ControlPrefixes: []string{"/"}})
	key, err := action.ParseSessionKey("group:discord/dev-room")
	require.NoError(t, err)

	act := testutil.PromptAction(key, "  /status")
	act.ChatType = action.ChatGroup
	assert.Equal(t, action.AdmitRunNow, admit(sched, act))
}

func TestGate_AlwaysModeAdmitsEverything(t *testing.T) {
	sched := New(Options{ActivationMode: ActivateAlways})
	key, err := action.ParseSessionKey("group:discord/dev-room")
	require.NoError(t, err)

	act := testutil.PromptAction(key, "no mention here")
	act.ChatType = action.ChatGroup
	assert.Equal(t, action.AdmitRunNow, admit(sched, act))
}

func TestGate_DirectChatNeverGated(t *testing.T) {
	sched := New(Options{ActivationMode: ActivateOnMention})
	key, err := action.ParseSessionKey("direct:alice")
	require.NoError(t, err)

	assert.Equal(t, action.AdmitRunNow, admit(sched, testutil.PromptAction(key, "hi")))
}

func TestRecordDecision_CountsEffectiveVerdict(t *testing.T) {
	sched := New(Options{})
	key := action.MainKey()

	sched.RecordDecision(key, &action.Decision{Verdict: action.VerdictBlock})
	sched.RecordDecision(key, &action.Decision{Verdict: action.VerdictReview})
	sched.RecordDecision(key, &action.Decision{Verdict: action.VerdictAllow})
	// Audit-only decisions count what enforcement would have done.
	sched.RecordDecision(key, &action.Decision{
		Verdict:   action.VerdictAllow,
		AuditOnly: true,
		WouldHave: action.VerdictBlock,
	})

	sessions := sched.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, uint64(4), sessions[0].Processed)
	assert.Equal(t, uint64(2), sessions[0].Blocked)
	assert.Equal(t, uint64(1), sessions[0].Reviewed)
}

func TestView_ToolHistoryRingCapped(t *testing.T) {
	sched := New(Options{ToolHistoryLimit: 3})
	key := action.MainKey()

	payloads := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`, `{"n":5}`}
	for _, p := range payloads {
		sched.Submit(testutil.ToolCallAction(key, "read", p))
		sched.OnCompleted(key)
	}

	view := sched.View(key)
	require.Len(t, view.ToolHistory, 3)
	// Oldest entries were evicted; the newest survives at the tail.
	last := testutil.ToolCallAction(key, "read", `{"n":5}`)
	assert.Equal(t, last.ToolFingerprint("read"), view.ToolHistory[2].Fingerprint)
}

func TestView_NormalizesToolNames(t *testing.T) {
	sched := New(Options{})
	key := action.MainKey()

	sched.Submit(testutil.ToolCallAction(key, "Bash", `{"cmd":"ls"}`))

	view := sched.View(key)
	require.Len(t, view.ToolHistory, 1)
	assert.Equal(t, "exec", view.ToolHistory[0].Tool)
}

func TestReset_DiscardsSession(t *testing.T) {
	sched := New(Options{})
	key := action.MainKey()

	sched.Submit(testutil.PromptAction(key, "active"))
	queued := testutil.PromptAction(key, "queued")
	sched.Submit(queued)

	discarded := sched.Reset(key)
	require.Len(t, discarded, 1)
	assert.Equal(t, queued.ID, discarded[0].ID)

	assert.Empty(t, sched.Sessions())
	// A fresh submission starts a brand new session.
	assert.Equal(t, action.AdmitRunNow, admit(sched, testutil.PromptAction(key, "again")))
}

func TestSessions_IsolatedPerKey(t *testing.T) {
	sched := New(Options{})
	a := action.MainKey()
	b, err := action.ParseSessionKey("direct:bob")
	require.NoError(t, err)

	require.Equal(t, action.AdmitRunNow, admit(sched, testutil.PromptAction(a, "one")))
	require.Equal(t, action.AdmitRunNow, admit(sched, testutil.PromptAction(b, "two")))
	assert.Len(t, sched.Sessions(), 2)
}
