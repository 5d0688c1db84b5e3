// Package session implements session-key routing, the per-key session
// lifecycle with context rotation, usage tracking, and context
// restoration for fresh agent sessions.
package session

import (
	"fmt"
	"strings"
)

// Peer kinds a session key can address.
const (
	PeerKindUser    = "user"
	PeerKindChannel = "channel"
)

const keyPrefix = "agent"

// Key is the stable routing identifier for one conversation:
// agent:{agent}:{platform}:{peerKind}:{peerId}. It is the primary key
// for session lookups and file paths.
type Key struct {
	Agent    string
	Platform string
	PeerKind string
	PeerID   string
}

// NewKey builds a validated session key.
func NewKey(agent, platform, peerKind, peerID string) (Key, error) {
	k := Key{Agent: agent, Platform: platform, PeerKind: peerKind, PeerID: peerID}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks all segments are present and peerKind is known.
func (k Key) Validate() error {
	if k.Agent == "" {
		return fmt.Errorf("invalid session key: empty agent")
	}
	if k.Platform == "" {
		return fmt.Errorf("invalid session key: empty platform")
	}
	if k.PeerKind != PeerKindUser && k.PeerKind != PeerKindChannel {
		return fmt.Errorf("invalid session key: peer kind %q must be %q or %q", k.PeerKind, PeerKindUser, PeerKindChannel)
	}
	if k.PeerID == "" {
		return fmt.Errorf("invalid session key: empty peer id")
	}
	return nil
}

// String serializes the key to its canonical form.
func (k Key) String() string {
	return strings.Join([]string{keyPrefix, k.Agent, k.Platform, k.PeerKind, k.PeerID}, ":")
}

// ParseKey parses the canonical form back into a Key.
// ParseKey(k.String()) always round-trips.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 5)
	if len(parts) != 5 || parts[0] != keyPrefix {
		return Key{}, fmt.Errorf("invalid session key %q: want agent:{agent}:{platform}:{peerKind}:{peerId}", s)
	}
	return NewKey(parts[1], parts[2], parts[3], parts[4])
}
