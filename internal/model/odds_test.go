package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentChange(t *testing.T) {
	assert.InDelta(t, 20.0, PercentChange(-150, -180), 0.001)
	assert.InDelta(t, 25.0, PercentChange(120, 150), 0.001)
	assert.InDelta(t, -10.0, PercentChange(-200, -180), 0.001)
	// Sign flips compare magnitudes, not signed values.
	assert.InDelta(t, 0.0, PercentChange(-150, 150), 0.001)
	assert.Equal(t, 0.0, PercentChange(0, 150))
}

func TestImpliedProbability(t *testing.T) {
	assert.InDelta(t, 0.6, ImpliedProbability(-150), 0.001)
	assert.InDelta(t, 0.4, ImpliedProbability(150), 0.001)
	assert.InDelta(t, 0.5, ImpliedProbability(100), 0.001)
	assert.Equal(t, 0.0, ImpliedProbability(0))
}

func TestSnapshotKey(t *testing.T) {
	s := &OddsSnapshot{FightID: "fight-1", Sportsbook: "draftkings"}
	assert.Equal(t, "fight-1:draftkings", s.Key())
}

func TestMaxChangePct(t *testing.T) {
	m := &OddsMovement{Fighter1ChangePct: -12.5, Fighter2ChangePct: 8.0}
	assert.Equal(t, 12.5, m.MaxChangePct())
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityUrgent.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Equal(t, 0, Priority("bogus").Rank())
}

func TestPreferenceMatching(t *testing.T) {
	prefs := &UserPreferences{
		UserID:           "user-1",
		AlertTypes:       []string{EventTypeOddsMovement},
		FollowedFighters: []string{"fighter-9"},
		MinimumPriority:  PriorityMedium,
		Enabled:          true,
	}

	evt := &AlertEvent{Type: EventTypeOddsMovement, Priority: PriorityHigh}
	assert.True(t, prefs.Matches(evt))

	evt.Priority = PriorityLow
	assert.False(t, prefs.Matches(evt), "below the priority floor")

	evt.Priority = PriorityHigh
	evt.FighterID = "fighter-9"
	assert.True(t, prefs.Matches(evt))
	evt.FighterID = "fighter-unknown"
	assert.False(t, prefs.Matches(evt), "unfollowed fighter")

	evt = &AlertEvent{Type: "fight_result", Priority: PriorityUrgent}
	assert.False(t, prefs.Matches(evt), "unsubscribed type")

	prefs.Enabled = false
	evt = &AlertEvent{Type: EventTypeOddsMovement, Priority: PriorityUrgent}
	assert.False(t, prefs.Matches(evt))
}
