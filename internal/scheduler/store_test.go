package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/sentinel/internal/action"
	"github.com/openclaw/sentinel/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	sum := SessionSummary{
		SessionKey: "direct:alice",
		Processed:  12,
		Blocked:    3,
		Reviewed:   2,
		LastSeenAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveCounters(sum))

	loaded, err := store.LoadCounters("direct:alice")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(12), loaded.Processed)
	assert.Equal(t, uint64(3), loaded.Blocked)
	assert.Equal(t, uint64(2), loaded.Reviewed)
}

func TestStore_UpsertOverwrites(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveCounters(SessionSummary{SessionKey: "main", Processed: 1, LastSeenAt: time.Now().UTC()}))
	require.NoError(t, store.SaveCounters(SessionSummary{SessionKey: "main", Processed: 5, Blocked: 1, LastSeenAt: time.Now().UTC()}))

	loaded, err := store.LoadCounters("main")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(5), loaded.Processed)
	assert.Equal(t, uint64(1), loaded.Blocked)
}

func TestStore_UnknownSessionReturnsNil(t *testing.T) {
	store := newTestStore(t)

	loaded, err := store.LoadCounters("direct:nobody")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestScheduler_RestoresPersistedCounters(t *testing.T) {
	store := newTestStore(t)
	key := action.MainKey()

	first := New(Options{Store: store})
	first.Submit(testutil.PromptAction(key, "one"))
	first.RecordDecision(key, &action.Decision{Verdict: action.VerdictBlock})

	// A fresh scheduler sharing the store picks the counters back up on
	// first touch of the session.
	second := New(Options{Store: store})
	second.Submit(testutil.PromptAction(key, "two"))

	sessions := second.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, uint64(1), sessions[0].Processed)
	assert.Equal(t, uint64(1), sessions[0].Blocked)
}
