package action

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SessionKind enumerates the closed set of session partitions.
type SessionKind string

const (
	SessionMain    SessionKind = "main"
	SessionDirect  SessionKind = "direct"
	SessionGroup   SessionKind = "group"
	SessionChannel SessionKind = "channel"
	SessionCron    SessionKind = "cron"
	SessionHook    SessionKind = "hook"
	SessionNode    SessionKind = "node"
)

// SessionKey identifies one conversation or automation context. It is the
// scheduler partition key: all ordering and queue-policy guarantees hold per
// SessionKey. Main has an empty ID; Group IDs are "channel/group_id".
type SessionKey struct {
	Kind SessionKind `json:"kind"`
	ID   string      `json:"id,omitempty"`
}

// MainKey is the key for the operator's primary session.
func MainKey() SessionKey { return SessionKey{Kind: SessionMain} }

// DirectKey partitions by peer.
func DirectKey(peer string) SessionKey {
	return SessionKey{Kind: SessionDirect, ID: normalizeID(peer)}
}

// GroupKey partitions by channel and group id.
func GroupKey(channel, groupID string) SessionKey {
	return SessionKey{Kind: SessionGroup, ID: normalizeID(channel) + "/" + normalizeID(groupID)}
}

// ChannelKey partitions by broadcast channel.
func ChannelKey(channelID string) SessionKey {
	return SessionKey{Kind: SessionChannel, ID: normalizeID(channelID)}
}

// CronKey partitions by scheduled job.
func CronKey(jobID string) SessionKey {
	return SessionKey{Kind: SessionCron, ID: normalizeID(jobID)}
}

// HookKey partitions by webhook.
func HookKey(hookID string) SessionKey {
	return SessionKey{Kind: SessionHook, ID: normalizeID(hookID)}
}

// NodeKey partitions by device node.
func NodeKey(nodeID string) SessionKey {
	return SessionKey{Kind: SessionNode, ID: normalizeID(nodeID)}
}

// String renders the canonical form used for lookups and logs: "main",
// "direct:peer", "group:discord/g-42".
func (k SessionKey) String() string {
	if k.Kind == SessionMain {
		return "main"
	}
	return string(k.Kind) + ":" + k.ID
}

// ParseSessionKey normalizes a session key string to its canonical variant.
// Accepted aliases: "dm" for direct, "job" for cron, "webhook" for hook,
// "device" for node, and the bare word "main" (or an empty string) for Main.
func ParseSessionKey(raw string) (SessionKey, error) {
	trimmed := strings.TrimSpace(strings.ToLower(raw))
	if trimmed == "" || trimmed == "main" {
		return MainKey(), nil
	}

	kindPart, id, found := strings.Cut(trimmed, ":")
	if !found {
		return SessionKey{}, fmt.Errorf("session key %q missing kind prefix", raw)
	}
	id = normalizeID(id)
	if id == "" {
		return SessionKey{}, fmt.Errorf("session key %q has empty id", raw)
	}

	switch kindPart {
	case "direct", "dm":
		return SessionKey{Kind: SessionDirect, ID: id}, nil
	case "group":
		if !strings.Contains(id, "/") {
			return SessionKey{}, fmt.Errorf("group session key %q must be channel/group_id", raw)
		}
		return SessionKey{Kind: SessionGroup, ID: id}, nil
	case "channel":
		return SessionKey{Kind: SessionChannel, ID: id}, nil
	case "cron", "job":
		return SessionKey{Kind: SessionCron, ID: id}, nil
	case "hook", "webhook":
		return SessionKey{Kind: SessionHook, ID: id}, nil
	case "node", "device":
		return SessionKey{Kind: SessionNode, ID: id}, nil
	default:
		return SessionKey{}, fmt.Errorf("unknown session kind %q", kindPart)
	}
}

// MarshalJSON renders the canonical string form so keys are stable in logs,
// quarantine records, and API responses.
func (k SessionKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON accepts either the canonical string form or the structured
// {kind, id} object form.
func (k *SessionKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := ParseSessionKey(s)
		if perr != nil {
			return perr
		}
		*k = parsed
		return nil
	}
	var obj struct {
		Kind SessionKind `json:"kind"`
		ID   string      `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	k.Kind = obj.Kind
	k.ID = normalizeID(obj.ID)
	return nil
}

func normalizeID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
