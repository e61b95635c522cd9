// Package event provides the observability fan-out used across the pipeline.
// Listeners are invoked synchronously in registration order on the emitting
// goroutine; there is no buffering or backpressure, so listeners must be
// cheap and must not block.
package event

import (
	"sync"
)

// Observability event names emitted by the pipeline components.
const (
	OddsMovementDetected = "oddsMovementDetected"
	AlertTriggered       = "alertTriggered"
	ThresholdsUpdated    = "thresholdsUpdated"
	HistoryCleared       = "historyCleared"

	EventQueued     = "eventQueued"
	ConsumerError   = "consumerError"
	EventDeadLetter = "eventDeadLetter"

	EventProcessed         = "eventProcessed"
	ProcessingError        = "processingError"
	UserPreferencesUpdated = "userPreferencesUpdated"
	UserPreferencesRemoved = "userPreferencesRemoved"

	DeliverySuccess   = "deliverySuccess"
	DeliveryRetry     = "deliveryRetry"
	DeliveryFailed    = "deliveryFailed"
	DeliveryError     = "deliveryError"
	ChannelRegistered = "channelRegistered"
	ChannelRemoved    = "channelRemoved"
	TemplateAdded     = "templateAdded"
	TemplateRemoved   = "templateRemoved"
)

// Payload carries event fields to listeners. Listeners must not mutate it.
type Payload map[string]interface{}

// Listener receives one emitted event.
type Listener func(name string, payload Payload)

// Emitter is a typed callback registry. Zero value is not usable; construct
// with NewEmitter.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
	all       []Listener
}

func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[string][]Listener),
	}
}

// Subscribe registers a listener for one event name.
func (e *Emitter) Subscribe(name string, l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[name] = append(e.listeners[name], l)
}

// SubscribeAll registers a listener for every event.
func (e *Emitter) SubscribeAll(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, l)
}

// Emit delivers the event to all-event listeners first, then named listeners,
// each in registration order.
func (e *Emitter) Emit(name string, payload Payload) {
	e.mu.RLock()
	all := e.all
	named := e.listeners[name]
	e.mu.RUnlock()

	for _, l := range all {
		l(name, payload)
	}
	for _, l := range named {
		l(name, payload)
	}
}
