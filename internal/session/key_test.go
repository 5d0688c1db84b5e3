package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_RoundTrip(t *testing.T) {
	key, err := NewKey("main", "telegram", PeerKindUser, "42")
	require.NoError(t, err)
	assert.Equal(t, "agent:main:telegram:user:42", key.String())

	parsed, err := ParseKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestKey_PeerIDWithColons(t *testing.T) {
	key, err := NewKey("main", "slack", PeerKindChannel, "T01:C42")
	require.NoError(t, err)

	parsed, err := ParseKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, "T01:C42", parsed.PeerID)
	assert.Equal(t, key, parsed)
}

func TestKey_Validation(t *testing.T) {
	cases := []struct {
		name                              string
		agent, platform, peerKind, peerID string
	}{
		{"empty agent", "", "telegram", PeerKindUser, "42"},
		{"empty platform", "main", "", PeerKindUser, "42"},
		{"bad peer kind", "main", "telegram", "group", "42"},
		{"empty peer id", "main", "telegram", PeerKindUser, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewKey(tc.agent, tc.platform, tc.peerKind, tc.peerID)
			assert.Error(t, err)
		})
	}
}

func TestParseKey_Malformed(t *testing.T) {
	for _, s := range []string{
		"",
		"agent:main:telegram:user",
		"bot:main:telegram:user:42",
		"agent:main:telegram:robot:42",
	} {
		_, err := ParseKey(s)
		assert.Error(t, err, "input %q", s)
	}
}
