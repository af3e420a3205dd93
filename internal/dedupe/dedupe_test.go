package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/sentinel/internal/action"
)

func decisionFor(id string) *action.Decision {
	return &action.Decision{ID: id, Verdict: action.VerdictAllow}
}

func TestCache_HitWithinTTL(t *testing.T) {
	c := NewCache(time.Minute, 10)
	c.Put("k", decisionFor("d1"))

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "d1", got.ID)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c := NewCache(time.Minute, 10)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("k", decisionFor("d1"))

	c.now = func() time.Time { return base.Add(59 * time.Second) }
	_, ok := c.Get("k")
	assert.True(t, ok)

	c.now = func() time.Time { return base.Add(61 * time.Second) }
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := NewCache(time.Hour, 3)
	for i := 1; i <= 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), decisionFor(fmt.Sprintf("d%d", i)))
	}

	c.Put("k4", decisionFor("d4"))

	_, ok := c.Get("k1")
	assert.False(t, ok, "oldest entry should be evicted")
	for _, k := range []string{"k2", "k3", "k4"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "entry %s should survive", k)
	}
	assert.Equal(t, 3, c.Len())
}

func TestCache_EvictsExpiredBeforeLive(t *testing.T) {
	c := NewCache(time.Minute, 2)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("old", decisionFor("d1"))

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	c.Put("live", decisionFor("d2"))
	c.Put("live2", decisionFor("d3"))

	_, ok := c.Get("live")
	assert.True(t, ok)
	_, ok = c.Get("live2")
	assert.True(t, ok)
}

func TestCache_OverwriteRestartsTTL(t *testing.T) {
	c := NewCache(time.Minute, 10)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("k", decisionFor("d1"))

	c.now = func() time.Time { return base.Add(45 * time.Second) }
	c.Put("k", decisionFor("d2"))

	c.now = func() time.Time { return base.Add(90 * time.Second) }
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "d2", got.ID)
}

func TestKeyFor(t *testing.T) {
	explicit := &action.Action{ID: "a", DedupeKey: "webhook-42", SessionKey: action.MainKey(), Kind: action.KindPrompt, Payload: "x"}
	assert.Equal(t, "id:webhook-42", KeyFor(explicit))

	a := &action.Action{ID: "a", SessionKey: action.DirectKey("alice"), Kind: action.KindPrompt, Payload: "hello"}
	b := &action.Action{ID: "b", SessionKey: action.DirectKey("alice"), Kind: action.KindPrompt, Payload: "hello"}
	diff := &action.Action{ID: "c", SessionKey: action.DirectKey("alice"), Kind: action.KindPrompt, Payload: "other"}

	assert.Equal(t, KeyFor(a), KeyFor(b), "identical content hashes to identical keys")
	assert.NotEqual(t, KeyFor(a), KeyFor(diff))
	assert.Contains(t, KeyFor(a), "sig:")
}
