// Package scheduler implements the per-session state machine that serializes
// evaluations: at most one action per session is ever in flight, follow-up
// submissions queue according to the configured queue mode, and group
// messages pass a mention gate before they are admitted at all.
package scheduler

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/sentinel/internal/action"
	"github.com/openclaw/sentinel/internal/defender"
)

// QueueMode controls what happens to submissions while a session is active.
type QueueMode string

const (
	QueueFollowup QueueMode = "followup"
	QueueSteer    QueueMode = "steer"
	QueueCollect  QueueMode = "collect"
)

// ActivationMode controls admission of group-chat actions.
type ActivationMode string

const (
	ActivateOnMention ActivationMode = "mention"
	ActivateAlways    ActivationMode = "always"
)

// Options configures a Scheduler.
type Options struct {
	QueueMode        QueueMode
	ActivationMode   ActivationMode
	QueueCapacity    int
	ToolHistoryLimit int
	// Payload prefixes that bypass mention gating in group chats.
	ControlPrefixes []string
	// Optional persistence for per-session counters. Nil disables it.
	Store *Store
}

type sessionState struct {
	key         action.SessionKey
	active      bool
	pending     []*action.Action
	toolHistory []action.ToolCall
	processed   uint64
	blocked     uint64
	reviewed    uint64
	lastSeenAt  time.Time
}

// Scheduler owns all SessionState. It is the single writer: evaluators only
// ever see read-only snapshots taken under the lock.
type Scheduler struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	opts     Options
}

// New builds a scheduler. Zero or negative capacities fall back to sane
// minimums.
func New(opts Options) *Scheduler {
	if opts.QueueMode == "" {
		opts.QueueMode = QueueFollowup
	}
	if opts.ActivationMode == "" {
		opts.ActivationMode = ActivateOnMention
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 16
	}
	if opts.ToolHistoryLimit <= 0 {
		opts.ToolHistoryLimit = 30
	}
	return &Scheduler{
		sessions: make(map[string]*sessionState),
		opts:     opts,
	}
}

// Submit admits one action. RunNow means the caller should dispatch the
// action for evaluation immediately; Queued means it will be handed back by
// a later OnCompleted; Dropped and Gated mean it will never be evaluated.
// The second return lists previously queued actions this submission
// superseded; they will never be evaluated either, and the caller must
// settle anyone waiting on them.
func (s *Scheduler) Submit(act *action.Action) (action.Admission, []*action.Action) {
	if gated := s.gate(act); gated {
		return action.AdmitGated, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.sessionLocked(act.SessionKey)
	state.lastSeenAt = time.Now().UTC()

	if !state.active {
		state.active = true
		s.recordToolCallLocked(state, act)
		return action.AdmitRunNow, nil
	}

	switch s.opts.QueueMode {
	case QueueSteer:
		// Latest intent wins; anything already pending is superseded.
		superseded := make([]*action.Action, len(state.pending))
		copy(superseded, state.pending)
		state.pending = state.pending[:0]
		state.pending = append(state.pending, act)
		return action.AdmitQueued, superseded
	case QueueCollect:
		if act.Kind == action.KindPrompt {
			for i, pend := range state.pending {
				if pend.Kind == action.KindPrompt {
					// The merged action carries the newest submission's
					// identity; the older prompt is folded in and settled
					// as superseded.
					merged := *act
					merged.Payload = pend.Payload + "\n\n" + act.Payload
					state.pending[i] = &merged
					return action.AdmitQueued, []*action.Action{pend}
				}
			}
		}
		fallthrough
	default: // QueueFollowup
		if len(state.pending) >= s.opts.QueueCapacity {
			log.Debug().Str("session", act.SessionKey.String()).Msg("session queue full, dropping action")
			return action.AdmitDrop, nil
		}
		state.pending = append(state.pending, act)
		return action.AdmitQueued, nil
	}
}

// OnCompleted transitions the session after an evaluation finished and
// returns the next pending action to dispatch, or nil when the session goes
// idle. The returned action is already marked active.
func (s *Scheduler) OnCompleted(key action.SessionKey) *action.Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[key.String()]
	if !ok {
		return nil
	}
	if len(state.pending) == 0 {
		state.active = false
		return nil
	}
	next := state.pending[0]
	copy(state.pending, state.pending[1:])
	state.pending = state.pending[:len(state.pending)-1]
	s.recordToolCallLocked(state, next)
	return next
}

// RecordDecision updates the session counters for one emitted decision.
func (s *Scheduler) RecordDecision(key action.SessionKey, dec *action.Decision) {
	s.mu.Lock()
	state := s.sessionLocked(key)
	state.processed++
	effective := dec.Verdict
	if dec.AuditOnly {
		effective = dec.WouldHave
	}
	switch effective {
	case action.VerdictBlock:
		state.blocked++
	case action.VerdictReview:
		state.reviewed++
	}
	snapshot := SessionSummary{
		SessionKey: key.String(),
		Processed:  state.processed,
		Blocked:    state.blocked,
		Reviewed:   state.reviewed,
		LastSeenAt: state.lastSeenAt,
	}
	s.mu.Unlock()

	if s.opts.Store != nil {
		if err := s.opts.Store.SaveCounters(snapshot); err != nil {
			log.Error().Err(err).Str("session", key.String()).Msg("persisting session counters")
		}
	}
}

// View returns a read-only snapshot of the session for evaluators.
func (s *Scheduler) View(key action.SessionKey) *action.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.sessionLocked(key)
	history := make([]action.ToolCall, len(state.toolHistory))
	copy(history, state.toolHistory)
	return &action.SessionView{
		SessionKey:  key,
		ToolHistory: history,
		Processed:   state.processed,
		Blocked:     state.blocked,
	}
}

// SessionSummary is the externally visible projection of one session.
type SessionSummary struct {
	SessionKey string    `json:"session_key"`
	Active     bool      `json:"active"`
	Pending    int       `json:"pending"`
	Processed  uint64    `json:"processed"`
	Blocked    uint64    `json:"blocked"`
	Reviewed   uint64    `json:"reviewed"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Sessions lists all known sessions for the operator API.
func (s *Scheduler) Sessions() []SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionSummary, 0, len(s.sessions))
	for keyStr, state := range s.sessions {
		out = append(out, SessionSummary{
			SessionKey: keyStr,
			Active:     state.active,
			Pending:    len(state.pending),
			Processed:  state.processed,
			Blocked:    state.blocked,
			Reviewed:   state.reviewed,
			LastSeenAt: state.lastSeenAt,
		})
	}
	return out
}

// Reset discards a session entirely, including pending actions and history.
// The discarded pending actions are returned so waiters on them can be
// settled.
func (s *Scheduler) Reset(key action.SessionKey) []*action.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sessions[key.String()]
	if !ok {
		return nil
	}
	delete(s.sessions, key.String())
	return state.pending
}

// gate applies mention gating. Only group chats are gated; control-command
// prefixes bypass the gate so operators can act without being mentioned.
func (s *Scheduler) gate(act *action.Action) bool {
	if act.ChatType != action.ChatGroup || s.opts.ActivationMode != ActivateOnMention {
		return false
	}
	if act.WasMentioned {
		return false
	}
	payload := strings.TrimSpace(act.Payload)
	for _, prefix := range s.opts.ControlPrefixes {
		if prefix != "" && strings.HasPrefix(payload, prefix) {
			return false
		}
	}
	return true
}

// sessionLocked resolves or lazily creates the session state. Persisted
// counters are restored on first touch. Caller holds the lock.
func (s *Scheduler) sessionLocked(key action.SessionKey) *sessionState {
	keyStr := key.String()
	state, ok := s.sessions[keyStr]
	if !ok {
		state = &sessionState{key: key, lastSeenAt: time.Now().UTC()}
		if s.opts.Store != nil {
			if saved, err := s.opts.Store.LoadCounters(keyStr); err != nil {
				log.Debug().Err(err).Str("session", keyStr).Msg("loading session counters")
			} else if saved != nil {
				state.processed = saved.Processed
				state.blocked = saved.Blocked
				state.reviewed = saved.Reviewed
			}
		}
		s.sessions[keyStr] = state
	}
	return state
}

// recordToolCallLocked appends the tool call the action is about to perform
// so loop detection sees it as the newest history entry. Caller holds the
// lock.
func (s *Scheduler) recordToolCallLocked(state *sessionState, act *action.Action) {
	if act.Kind != action.KindToolCall {
		return
	}
	tool := defender.NormalizeToolName(act.ToolName)
	if tool == "" {
		return
	}
	state.toolHistory = append(state.toolHistory, action.ToolCall{
		Tool:        tool,
		Fingerprint: act.ToolFingerprint(tool),
	})
	if overflow := len(state.toolHistory) - s.opts.ToolHistoryLimit; overflow > 0 {
		state.toolHistory = append(state.toolHistory[:0], state.toolHistory[overflow:]...)
	}
}
