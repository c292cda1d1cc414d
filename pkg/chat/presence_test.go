package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryApplyIsIdempotent(t *testing.T) {
	r := NewRegistry()
	entry := PresenceEntry{UserID: "u2", Handle: "+1666"}
	require.True(t, r.Apply(entry))
	require.False(t, r.Apply(entry))
	require.Equal(t, []PresenceEntry{entry}, r.Snapshot())
}

func TestRegistryKeepsDiscoveryOrder(t *testing.T) {
	r := NewRegistry()
	r.Apply(PresenceEntry{UserID: "c", Handle: "hc"})
	r.Apply(PresenceEntry{UserID: "a", Handle: "ha"})
	r.Apply(PresenceEntry{UserID: "b", Handle: "hb"})
	r.Apply(PresenceEntry{UserID: "a", Handle: "ha-changed"})

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "c", snap[0].UserID)
	require.Equal(t, "a", snap[1].UserID)
	require.Equal(t, "b", snap[2].UserID)
	require.Equal(t, "ha", snap[1].Handle, "repeat announce does not overwrite")
}

func TestRegistryIgnoresEmptyUserID(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.Apply(PresenceEntry{Handle: "ghost"}))
	require.Equal(t, 0, r.Len())
}
