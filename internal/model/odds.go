package model

import (
	"math"
	"time"
)

// MovementType classifies how far the line moved between two snapshots.
type MovementType string

const (
	MovementSignificant MovementType = "significant"
	MovementReverse     MovementType = "reverse"
	MovementSteam       MovementType = "steam"
)

// OddsSnapshot is one sportsbook's moneyline for a fight at a point in time.
// Snapshots are immutable once created and keyed by (FightID, Sportsbook).
type OddsSnapshot struct {
	FightID           string             `json:"fight_id" db:"fight_id"`
	Sportsbook        string             `json:"sportsbook" db:"sportsbook"`
	Timestamp         time.Time          `json:"timestamp" db:"timestamp"`
	MoneylineFighter1 float64            `json:"moneyline_fighter1" db:"moneyline_fighter1"`
	MoneylineFighter2 float64            `json:"moneyline_fighter2" db:"moneyline_fighter2"`
	MethodOdds        map[string]float64 `json:"method_odds,omitempty"`
	RoundOdds         map[string]float64 `json:"round_odds,omitempty"`
}

// Key returns the history bucket this snapshot belongs to.
func (s *OddsSnapshot) Key() string {
	return s.FightID + ":" + s.Sportsbook
}

// OddsMovement is the transient comparison of two consecutive snapshots for
// the same (fight, sportsbook) key. Movements are derived on demand and never
// persisted.
type OddsMovement struct {
	FightID           string        `json:"fight_id"`
	Sportsbook        string        `json:"sportsbook"`
	Previous          *OddsSnapshot `json:"previous"`
	Current           *OddsSnapshot `json:"current"`
	Fighter1ChangePct float64       `json:"fighter1_change_pct"`
	Fighter2ChangePct float64       `json:"fighter2_change_pct"`
	Fighter1ProbDelta float64       `json:"fighter1_prob_delta"`
	Fighter2ProbDelta float64       `json:"fighter2_prob_delta"`
	Type              MovementType  `json:"type"`
	DetectedAt        time.Time     `json:"detected_at"`
}

// MaxChangePct returns the larger absolute percentage change of the two
// fighters, the value classification is based on.
func (m *OddsMovement) MaxChangePct() float64 {
	return math.Max(math.Abs(m.Fighter1ChangePct), math.Abs(m.Fighter2ChangePct))
}

// PercentChange computes the signed percentage change between two American
// odds values. The comparison runs on absolute values: the sign of a
// moneyline encodes favorite/underdog, not magnitude.
func PercentChange(old, new float64) float64 {
	if old == 0 {
		return 0
	}
	return (math.Abs(new) - math.Abs(old)) / math.Abs(old) * 100
}

// ImpliedProbability converts American odds to an implied win probability.
func ImpliedProbability(odds float64) float64 {
	if odds == 0 {
		return 0
	}
	if odds > 0 {
		return 100 / (odds + 100)
	}
	return math.Abs(odds) / (math.Abs(odds) + 100)
}
