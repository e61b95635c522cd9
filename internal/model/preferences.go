package model

import "time"

// AlertThresholds holds a user's per-alert tuning knobs. They ride along on
// routed payloads so channels can render them.
type AlertThresholds struct {
	OddsMovementPct             float64       `json:"odds_movement_pct" db:"odds_movement_pct"`
	PredictionConfidenceChange  float64       `json:"prediction_confidence_change" db:"prediction_confidence_change"`
	MinimumNotificationInterval time.Duration `json:"minimum_notification_interval"`
}

// UserPreferences describes what a user wants to hear about and how. Owned by
// the external preferences store; the router only caches reads.
type UserPreferences struct {
	UserID           string          `json:"user_id" db:"user_id"`
	FollowedFighters []string        `json:"followed_fighters"`
	WeightClasses    []string        `json:"weight_classes"`
	AlertTypes       []string        `json:"alert_types"`
	DeliveryMethods  []string        `json:"delivery_methods"`
	MinimumPriority  Priority        `json:"minimum_priority" db:"minimum_priority"`
	Thresholds       AlertThresholds `json:"thresholds"`
	Enabled          bool            `json:"enabled" db:"enabled"`
}

// WantsAlertType reports whether the user subscribed to the given alert type.
func (p *UserPreferences) WantsAlertType(alertType string) bool {
	for _, t := range p.AlertTypes {
		if t == alertType {
			return true
		}
	}
	return false
}

// FollowsFighter reports whether the user follows the given fighter.
func (p *UserPreferences) FollowsFighter(fighterID string) bool {
	for _, f := range p.FollowedFighters {
		if f == fighterID {
			return true
		}
	}
	return false
}

// Matches applies the full preference filter to an event: alert type
// subscribed, priority at or above the user's floor, and, when the event
// names a fighter, that fighter followed.
func (p *UserPreferences) Matches(event *AlertEvent) bool {
	if !p.Enabled {
		return false
	}
	if !p.WantsAlertType(event.Type) {
		return false
	}
	if event.Priority.Rank() < p.MinimumPriority.Rank() {
		return false
	}
	if event.FighterID != "" && !p.FollowsFighter(event.FighterID) {
		return false
	}
	return true
}
