// Package postgres implements the external preferences lookup boundary on
// top of the user-preferences database. The pipeline itself never writes
// here; preference ownership stays with the preferences service.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/oddspulse/alertd/internal/model"
	"github.com/oddspulse/alertd/internal/preferences"
)

type preferencesRow struct {
	UserID                      string         `db:"user_id"`
	FollowedFighters            pq.StringArray `db:"followed_fighters"`
	WeightClasses               pq.StringArray `db:"weight_classes"`
	AlertTypes                  pq.StringArray `db:"alert_types"`
	DeliveryMethods             pq.StringArray `db:"delivery_methods"`
	MinimumPriority             string         `db:"minimum_priority"`
	OddsMovementPct             float64        `db:"odds_movement_pct"`
	PredictionConfidenceChange  float64        `db:"prediction_confidence_change"`
	MinNotificationIntervalSecs int64          `db:"min_notification_interval_secs"`
	Enabled                     bool           `db:"enabled"`
}

type PreferencesRepository struct {
	db *sqlx.DB
}

func NewPreferencesRepository(db *sqlx.DB) preferences.Store {
	return &PreferencesRepository{db: db}
}

func (r *PreferencesRepository) GetUserPreferences(ctx context.Context, userID string) (*model.UserPreferences, error) {
	var row preferencesRow
	err := r.db.GetContext(ctx, &row, `
		SELECT user_id, followed_fighters, weight_classes, alert_types,
		       delivery_methods, minimum_priority, odds_movement_pct,
		       prediction_confidence_change, min_notification_interval_secs,
		       enabled
		FROM user_preferences
		WHERE user_id = $1`, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences for user %s: %w", userID, err)
	}
	return row.toModel(), nil
}

func (r *PreferencesRepository) GetUsersByAlertType(ctx context.Context, alertType string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT user_id FROM user_preferences
		WHERE enabled AND $1 = ANY(alert_types)`, alertType)
	if err != nil {
		return nil, fmt.Errorf("failed to list users for alert type %s: %w", alertType, err)
	}
	return ids, nil
}

func (r *PreferencesRepository) GetUsersByFighter(ctx context.Context, fighterID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT user_id FROM user_preferences
		WHERE enabled AND $1 = ANY(followed_fighters)`, fighterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list followers of fighter %s: %w", fighterID, err)
	}
	return ids, nil
}

func (row *preferencesRow) toModel() *model.UserPreferences {
	return &model.UserPreferences{
		UserID:           row.UserID,
		FollowedFighters: row.FollowedFighters,
		WeightClasses:    row.WeightClasses,
		AlertTypes:       row.AlertTypes,
		DeliveryMethods:  row.DeliveryMethods,
		MinimumPriority:  model.Priority(row.MinimumPriority),
		Thresholds: model.AlertThresholds{
			OddsMovementPct:             row.OddsMovementPct,
			PredictionConfidenceChange:  row.PredictionConfidenceChange,
			MinimumNotificationInterval: time.Duration(row.MinNotificationIntervalSecs) * time.Second,
		},
		Enabled: row.Enabled,
	}
}
