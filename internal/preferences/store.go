// Package preferences defines the boundary to the external user-preferences
// service. The pipeline only reads through it; ownership of the data stays
// with the external store.
package preferences

import (
	"context"

	"github.com/oddspulse/alertd/internal/model"
)

// Store is implemented by the external preferences service. Lookups return
// (nil, nil) when the user has no preferences on file.
type Store interface {
	GetUserPreferences(ctx context.Context, userID string) (*model.UserPreferences, error)
	GetUsersByAlertType(ctx context.Context, alertType string) ([]string, error)
	GetUsersByFighter(ctx context.Context, fighterID string) ([]string, error)
}
