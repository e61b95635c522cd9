// Package channel defines the uniform delivery contract the dispatcher
// depends on. Concrete adapters (email, push, SMS) live in subpackages or
// outside the pipeline entirely.
package channel

import (
	"context"

	"github.com/oddspulse/alertd/internal/model"
)

// Channel is one pluggable delivery mechanism.
type Channel interface {
	// Type identifies the channel ("email", "push", "sms").
	Type() string

	// Send delivers one rendered payload. A failed delivery is reported in
	// the result; the error return is reserved for payloads the channel
	// cannot act on at all.
	Send(ctx context.Context, payload *model.NotificationPayload) (*model.DeliveryResult, error)

	// Available reports whether the channel can currently accept sends.
	Available() bool
}
