package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vardaan112/PelotonIQ-sub000/internal/auth"
)

func TestSubscriptionSetAddRemove(t *testing.T) {
	set := NewSubscriptionSet()

	added := set.AddAll([]string{"race.positions", "race.gaps", "race.positions"})
	assert.Equal(t, []string{"race.positions", "race.gaps"}, added)
	assert.Equal(t, 2, set.Count())
	assert.True(t, set.Has("race.gaps"))

	// Re-adding held topics is a no-op.
	assert.Empty(t, set.AddAll([]string{"race.gaps"}))

	removed := set.RemoveAll([]string{"race.gaps", "race.weather"})
	assert.Equal(t, []string{"race.gaps"}, removed)
	assert.Equal(t, []string{"race.positions"}, set.List())
}

func TestSubscriptionSetListSorted(t *testing.T) {
	set := NewSubscriptionSet()
	set.AddAll([]string{"race.weather", "race.gaps", "race.positions"})
	assert.Equal(t, []string{"race.gaps", "race.positions", "race.weather"}, set.List())
}

func testSession(id string) *Session {
	s := &Session{id: id, claims: &auth.Claims{UserID: id}}
	return s
}

func TestSubscriptionIndexAddRemove(t *testing.T) {
	idx := NewSubscriptionIndex()
	a, b := testSession("a"), testSession("b")

	idx.AddAll([]string{"race.positions", "race.gaps"}, a)
	idx.AddAll([]string{"race.positions"}, b)
	// Duplicate registration is dropped.
	idx.AddAll([]string{"race.positions"}, a)

	assert.Equal(t, 2, idx.Count("race.positions"))
	assert.Equal(t, 1, idx.Count("race.gaps"))

	idx.RemoveAll([]string{"race.positions"}, a)
	require.Equal(t, 1, idx.Count("race.positions"))
	assert.Same(t, b, idx.Sessions("race.positions")[0])

	// Last subscriber gone drops the topic entirely.
	idx.RemoveAll([]string{"race.positions"}, b)
	assert.Nil(t, idx.Sessions("race.positions"))
}

func TestSubscriptionIndexSnapshotImmutable(t *testing.T) {
	idx := NewSubscriptionIndex()
	a, b := testSession("a"), testSession("b")
	idx.AddAll([]string{"race.positions"}, a)
	idx.AddAll([]string{"race.positions"}, b)

	snapshot := idx.Sessions("race.positions")
	require.Len(t, snapshot, 2)

	idx.RemoveAll([]string{"race.positions"}, a)

	// Readers holding the old snapshot still see both sessions.
	assert.Len(t, snapshot, 2)
	assert.Len(t, idx.Sessions("race.positions"), 1)
}

func TestSubscriptionIndexDropSession(t *testing.T) {
	idx := NewSubscriptionIndex()
	a, b := testSession("a"), testSession("b")
	idx.AddAll([]string{"race.positions", "race.gaps", "race.weather"}, a)
	idx.AddAll([]string{"race.gaps"}, b)

	assert.Equal(t, 3, idx.DropSession(a))
	assert.Equal(t, 0, idx.Count("race.positions"))
	assert.Equal(t, 1, idx.Count("race.gaps"))

	assert.Equal(t, 0, idx.DropSession(a))
}

func TestAuthorizeTopics(t *testing.T) {
	viewer := &auth.Claims{
		UserID:      "u-1",
		Role:        "viewer",
		Permissions: []string{auth.PermRealtime, auth.PermRaceData},
	}

	valid, invalid := authorizeTopics(viewer, []string{
		"race.positions",
		"team.tactics",
		"bogus.topic",
		"race.positions",
	})
	assert.Equal(t, []string{"race.positions"}, valid)
	assert.Equal(t, []string{"team.tactics", "bogus.topic"}, invalid)
}

func TestAuthorizeTopicsWildcard(t *testing.T) {
	viewer := &auth.Claims{
		Role:        "viewer",
		Permissions: []string{auth.PermRaceData},
	}

	valid, invalid := authorizeTopics(viewer, []string{WildcardRace})
	assert.Empty(t, invalid)
	assert.Equal(t, []string{
		"race.gaps",
		"race.positions",
		"race.splits",
		"race.status",
		"race.tactical-events",
		"race.weather",
	}, valid)

	// Wildcard plus an explicit race topic does not duplicate it.
	valid, _ = authorizeTopics(viewer, []string{"race.gaps", WildcardRace})
	assert.Len(t, valid, 6)

	// Without race-data the wildcard itself is rejected.
	noPerms := &auth.Claims{Role: "viewer"}
	valid, invalid = authorizeTopics(noPerms, []string{WildcardRace})
	assert.Empty(t, valid)
	assert.Equal(t, []string{WildcardRace}, invalid)
}

func TestAuthorizeTopicsAdmin(t *testing.T) {
	admin := &auth.Claims{UserID: "u-9", Role: auth.RoleAdmin}

	valid, invalid := authorizeTopics(admin, []string{"team.tactics", "system.status"})
	assert.Equal(t, []string{"team.tactics", "system.status"}, valid)
	assert.Empty(t, invalid)

	// Unknown topics stay invalid even for admins.
	valid, invalid = authorizeTopics(admin, []string{"race.unknown"})
	assert.Empty(t, valid)
	assert.Equal(t, []string{"race.unknown"}, invalid)
}

func TestExpandTopics(t *testing.T) {
	out := expandTopics([]string{WildcardRace, "team.tactics"})
	assert.Len(t, out, 7)
	assert.Contains(t, out, "race.positions")
	assert.Contains(t, out, "team.tactics")
}
