package defender

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/sentinel/internal/action"
)

func urlAction(payload string) *action.Action {
	act := promptAction(payload)
	act.Kind = action.KindURL
	return act
}

func TestReputation_MaliciousURLSignals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-rep-key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "url", r.URL.Query().Get("kind"))
		assert.Equal(t, "http://evil.example/payload", r.URL.Query().Get("value"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"malicious":true,"score":70,"label":"known malware distribution"}`))
	}))
	defer srv.Close()

	client := NewReputationClient(srv.URL, "test-rep-key", time.Second)
	require.NotNil(t, client)

	signals := client.Lookup(context.Background(), urlAction("http://evil.example/payload"))
	require.Len(t, signals, 1)
	assert.Equal(t, "reputation", signals[0].Name)
	assert.Equal(t, 70, signals[0].Score)
	assert.Equal(t, "known malware distribution", signals[0].Rationale)
}

func TestReputation_CleanURLIsNeutral(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"malicious":false,"score":0}`))
	}))
	defer srv.Close()

	client := NewReputationClient(srv.URL, "test-rep-key", time.Second)
	assert.Empty(t, client.Lookup(context.Background(), urlAction("https://example.com")))
}

func TestReputation_MaliciousWithoutScoreDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"malicious":true}`))
	}))
	defer srv.Close()

	client := NewReputationClient(srv.URL, "test-rep-key", time.Second)
	signals := client.Lookup(context.Background(), urlAction("http://sketchy.example"))
	require.Len(t, signals, 1)
	assert.Equal(t, 50, signals[0].Score)
	assert.NotEmpty(t, signals[0].Rationale)
}

func TestReputation_UpstreamFailureIsNeutral(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewReputationClient(srv.URL, "test-rep-key", time.Second)
	assert.Empty(t, client.Lookup(context.Background(), urlAction("http://evil.example")))
}

func TestReputation_TimeoutIsNeutral(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	client := NewReputationClient(srv.URL, "test-rep-key", 30*time.Millisecond)
	assert.Empty(t, client.Lookup(context.Background(), urlAction("http://slow.example")))
}

func TestReputation_SkipsNonURLKinds(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client := NewReputationClient(srv.URL, "test-rep-key", time.Second)
	assert.Empty(t, client.Lookup(context.Background(), promptAction("hello")))
	assert.False(t, called)
}

func TestNewReputationClient_DisabledWithoutKey(t *testing.T) {
	assert.Nil(t, NewReputationClient("https://rep.example", "", time.Second))
	assert.Nil(t, NewReputationClient("", "key", time.Second))

	// A nil client is safe to call.
	var c *ReputationClient
	assert.Empty(t, c.Lookup(context.Background(), urlAction("http://x")))
}
