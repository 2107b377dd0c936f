package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewKeysSanitizesPrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "crossrtp:"},
		{"   ", "crossrtp:"},
		{"rtp", "rtp:"},
		{"rtp:", "rtp:"},
		{"rtp::", "rtp:"},
		{"rtp:::::", "rtp:"},
		{"my:ns", "my:ns:"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, NewKeys(c.in).Prefix(), "prefix %q", c.in)
	}
}

func TestKeyLayout(t *testing.T) {
	k := NewKeys("rtp")
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	require.Equal(t, "rtp:compute", k.ComputeChannel())
	require.Equal(t, "rtp:resp:req-1", k.Resp("req-1"))
	require.Equal(t, "rtp:pending:11111111-2222-3333-4444-555555555555", k.Pending(id))
	require.Equal(t, "rtp:cooldown:11111111-2222-3333-4444-555555555555", k.Cooldown(id))
	require.Equal(t, "rtp:presence:11111111-2222-3333-4444-555555555555", k.Presence(id))
	require.Equal(t, "rtp:spawn:11111111-2222-3333-4444-555555555555", k.Spawn(id))
}
