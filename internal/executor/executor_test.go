package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/sentinel/internal/action"
	"github.com/openclaw/sentinel/internal/testutil"
)

func TestExecute_ReturnsEvalDecision(t *testing.T) {
	exec := New(2, 4, time.Second)
	act := testutil.PromptAction(action.MainKey(), "hello")

	want := &action.Decision{ID: "d1", ActionID: act.ID, Verdict: action.VerdictAllow}
	got, err := exec.Execute(context.Background(), act, func(context.Context) *action.Decision {
		return want
	})

	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestExecute_TimeoutFailsSafeToReview(t *testing.T) {
	exec := New(1, 1, 20*time.Millisecond)
	act := testutil.PromptAction(action.MainKey(), "slow")

	release := make(chan struct{})
	defer close(release)

	dec, err := exec.Execute(context.Background(), act, func(ctx context.Context) *action.Decision {
		<-release
		return &action.Decision{Verdict: action.VerdictAllow}
	})

	require.NoError(t, err)
	assert.Equal(t, action.VerdictReview, dec.Verdict)
	assert.Equal(t, act.ID, dec.ActionID)
	require.Len(t, dec.Signals, 1)
	assert.Equal(t, "evaluation_timeout", dec.Signals[0].Name)
}

func TestExecute_NilDecisionFailsSafe(t *testing.T) {
	exec := New(1, 1, time.Second)
	act := testutil.PromptAction(action.MainKey(), "broken")

	dec, err := exec.Execute(context.Background(), act, func(context.Context) *action.Decision {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, action.VerdictReview, dec.Verdict)
}

func TestExecute_FullAdmissionQueueReturnsErrCapacity(t *testing.T) {
	exec := New(1, 1, time.Second)
	key := action.MainKey()

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := exec.Execute(context.Background(), testutil.PromptAction(key, "occupier"), func(context.Context) *action.Decision {
			close(started)
			<-release
			return &action.Decision{Verdict: action.VerdictAllow}
		})
		assert.NoError(t, err)
	}()

	<-started
	_, err := exec.Execute(context.Background(), testutil.PromptAction(key, "rejected"), func(context.Context) *action.Decision {
		return &action.Decision{Verdict: action.VerdictAllow}
	})
	assert.ErrorIs(t, err, ErrCapacity)

	close(release)
	wg.Wait()
}

func TestExecute_ConcurrencyBoundedByWorkerCap(t *testing.T) {
	exec := New(1, 4, time.Second)
	key := action.MainKey()

	var mu sync.Mutex
	var inFlight, peak int

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.Execute(context.Background(), testutil.PromptAction(key, "work"), func(context.Context) *action.Decision {
				mu.Lock()
				inFlight++
				if inFlight > peak {
					peak = inFlight
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return &action.Decision{Verdict: action.VerdictAllow}
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
}

func TestExecute_CanceledContextWhileWaiting(t *testing.T) {
	exec := New(1, 2, time.Second)
	key := action.MainKey()

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		exec.Execute(context.Background(), testutil.PromptAction(key, "occupier"), func(context.Context) *action.Decision {
			close(started)
			<-release
			return &action.Decision{Verdict: action.VerdictAllow}
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Execute(ctx, testutil.PromptAction(key, "waiter"), func(context.Context) *action.Decision {
		return &action.Decision{Verdict: action.VerdictAllow}
	})
	assert.Error(t, err)
}
