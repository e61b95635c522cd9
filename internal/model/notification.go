package model

import (
	"time"
)

// Delivery channel types. Concrete adapters live behind the channel contract.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

// RoutedNotification is the router's output: one per (event, matched user).
// Transient, produced and immediately handed to the dispatcher.
type RoutedNotification struct {
	Event           *AlertEvent            `json:"event"`
	UserID          string                 `json:"user_id"`
	Payload         map[string]interface{} `json:"payload"`
	DeliveryMethods []string               `json:"delivery_methods"`
	ScheduledAt     time.Time              `json:"scheduled_at"`
}

// NotificationPayload is the rendered, channel-agnostic message handed to a
// channel adapter.
type NotificationPayload struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Subject      string                 `json:"subject"`
	Content      string                 `json:"content"`
	Priority     Priority               `json:"priority"`
	Metadata     map[string]string      `json:"metadata,omitempty"`
	TemplateData map[string]interface{} `json:"template_data,omitempty"`
}

// DeliveryResult is a channel adapter's verdict for a single send.
// RetryAfter, when set on a failure, overrides the dispatcher's backoff.
type DeliveryResult struct {
	Success    bool          `json:"success"`
	MessageID  string        `json:"message_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// DeliveryStatus tracks a single attempt thread's state machine:
// PENDING -> SENT, or PENDING -> RETRY_SCHEDULED -> PENDING -> ... -> FAILED.
type DeliveryStatus string

const (
	DeliveryPending        DeliveryStatus = "pending"
	DeliverySent           DeliveryStatus = "sent"
	DeliveryRetryScheduled DeliveryStatus = "retry_scheduled"
	DeliveryFailed         DeliveryStatus = "failed"
)

// DeliveryAttempt is one append-only history record per send attempt.
// Attempt numbers are monotonic per (notification, channel), starting at 1.
type DeliveryAttempt struct {
	ID             string         `json:"id"`
	NotificationID string         `json:"notification_id"`
	Channel        string         `json:"channel"`
	Attempt        int            `json:"attempt"`
	Status         DeliveryStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}
