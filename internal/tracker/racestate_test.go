package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttackDetectedWhenFourRidersJump(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	// Four riders gain seven places inside the window.
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("att-%d", i)
		require.NoError(t, tr.ApplyPosition(RiderPosition{
			RiderID: id, Timestamp: now.Add(-20 * time.Second), Position: 15 + i,
		}))
		require.NoError(t, tr.ApplyPosition(RiderPosition{
			RiderID: id, Timestamp: now, Position: 8 + i,
		}))
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, tr.ApplyPosition(RiderPosition{
			RiderID: fmt.Sprintf("fld-%d", i), Timestamp: now, Position: 50 + i,
		}))
	}

	sit := tr.deriveSituation(tr.AllPositions(), nil, now)
	assert.Equal(t, SituationAttacking, sit)
}

func TestAttackNeedsFourMovers(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("att-%d", i)
		require.NoError(t, tr.ApplyPosition(RiderPosition{
			RiderID: id, Timestamp: now.Add(-20 * time.Second), Position: 15 + i,
		}))
		require.NoError(t, tr.ApplyPosition(RiderPosition{
			RiderID: id, Timestamp: now, Position: 8 + i,
		}))
	}

	sit := tr.deriveSituation(tr.AllPositions(), nil, now)
	assert.Equal(t, SituationStable, sit)
}

func TestSprintDetectedWhenFieldWindsUp(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	positions := make([]RiderPosition, 0, 12)
	for i := 0; i < 12; i++ {
		positions = append(positions, RiderPosition{
			RiderID:   fmt.Sprintf("spr-%d", i),
			Timestamp: now,
			Position:  i + 1,
			Speed:     16,
			Latitude:  45 + float64(i)*0.00005, // ~5.5 m spacing
			Longitude: 6,
			GroupID:   "group-1",
		})
	}
	groups := []Group{{ID: "group-1", Size: 12, Type: GroupPeloton}}

	sit := tr.deriveSituation(positions, groups, now)
	assert.Equal(t, SituationSprint, sit)
}

func TestSprintRejectedWhenGroupScattered(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	positions := make([]RiderPosition, 0, 12)
	for i := 0; i < 12; i++ {
		positions = append(positions, RiderPosition{
			RiderID:   fmt.Sprintf("spr-%d", i),
			Timestamp: now,
			Position:  i + 1,
			Speed:     16,
			Latitude:  45 + float64(i)*0.005, // ~556 m spacing
			Longitude: 6,
			GroupID:   "group-1",
		})
	}
	groups := []Group{{ID: "group-1", Size: 12, Type: GroupPeloton}}

	sit := tr.deriveSituation(positions, groups, now)
	assert.Equal(t, SituationStable, sit)
}

func TestClimbDetectedOnSlowSpeedsAndGain(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("clm-%d", i)
		require.NoError(t, tr.ApplyPosition(RiderPosition{
			RiderID: id, Timestamp: now.Add(-40 * time.Second), Speed: 6, Altitude: 100,
		}))
		require.NoError(t, tr.ApplyPosition(RiderPosition{
			RiderID: id, Timestamp: now, Speed: 6, Altitude: 160,
		}))
	}

	sit := tr.deriveSituation(tr.AllPositions(), nil, now)
	assert.Equal(t, SituationClimb, sit)
}

func TestClimbNeedsAltitudeGain(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	// Slow speeds on the flat: a feed zone, not a climb.
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("clm-%d", i)
		require.NoError(t, tr.ApplyPosition(RiderPosition{
			RiderID: id, Timestamp: now.Add(-40 * time.Second), Speed: 6, Altitude: 100,
		}))
		require.NoError(t, tr.ApplyPosition(RiderPosition{
			RiderID: id, Timestamp: now, Speed: 6, Altitude: 110,
		}))
	}

	sit := tr.deriveSituation(tr.AllPositions(), nil, now)
	assert.Equal(t, SituationStable, sit)
}

func TestBreakawaySituationNeedsSustainedGap(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	lead := 70.0
	groups := []Group{
		{ID: "group-1", Type: GroupBreakaway, Size: 3, GapToNext: &lead},
		{ID: "group-2", Type: GroupChase, Size: 12},
	}
	sit := tr.deriveSituation(nil, groups, now)
	assert.Equal(t, SituationBreakaway, sit)

	// At exactly the threshold the break is not established; the chase
	// read wins instead.
	borderline := 60.0
	groups[0].GapToNext = &borderline
	sit = tr.deriveSituation(nil, groups, now)
	assert.Equal(t, SituationChasing, sit)
}

func TestChasingWhenChaseGroupTrails(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	gap := 30.0
	groups := []Group{
		{ID: "group-1", Type: GroupSmall, Size: 4, GapToNext: &gap},
		{ID: "group-2", Type: GroupChase, Size: 15},
	}
	sit := tr.deriveSituation(nil, groups, now)
	assert.Equal(t, SituationChasing, sit)
}

func TestStableByDefault(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	require.NoError(t, tr.ApplyPosition(RiderPosition{RiderID: "r1", Timestamp: now, Position: 1, Speed: 11}))
	require.NoError(t, tr.ApplyPosition(RiderPosition{RiderID: "r2", Timestamp: now, Position: 2, Speed: 11}))

	groups := []Group{{ID: "group-1", Type: GroupBreakaway, Size: 2}}
	sit := tr.deriveSituation(tr.AllPositions(), groups, now)
	assert.Equal(t, SituationStable, sit, "leading break without a gap reading stays stable")
}
