// Package dispatch owns the last pipeline stage: rendering notifications and
// pushing them through registered delivery channels with per-(event, user,
// channel) retry. One channel's failure never blocks or fails another
// channel's delivery of the same notification.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oddspulse/alertd/internal/channel"
	"github.com/oddspulse/alertd/internal/model"
	apperrors "github.com/oddspulse/alertd/pkg/errors"
	"github.com/oddspulse/alertd/pkg/event"
	"github.com/oddspulse/alertd/pkg/logger"
	"github.com/oddspulse/alertd/pkg/metrics"
)

type Config struct {
	BatchSize    int
	MaxRetries   int
	RetryDelay   time.Duration
	TrackHistory bool
	// HistoryLimit bounds retained attempts per (notification, channel).
	// Zero keeps everything.
	HistoryLimit int
}

// ChannelStats is the per-channel success/failure tally.
type ChannelStats struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type DeliveryStats struct {
	TotalAttempts int                     `json:"total_attempts"`
	Successes     int                     `json:"successes"`
	Retries       int                     `json:"retries"`
	Failures      int                     `json:"failures"`
	PerChannel    map[string]ChannelStats `json:"per_channel"`
}

type Dispatcher struct {
	cfg     Config
	emitter *event.Emitter
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	channels  map[string]channel.Channel
	templates map[string]*Template
	pending   []*model.RoutedNotification
	draining  bool
	stopped   bool
	// Retry timers keyed by notificationID|channel, cancelled on channel
	// removal and shutdown so an armed retry cannot outlive its channel.
	timers  map[string]*time.Timer
	history map[string][]*model.DeliveryAttempt
}

func New(cfg Config, emitter *event.Emitter, log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Dispatcher{
		cfg:       cfg,
		emitter:   emitter,
		logger:    log,
		metrics:   m,
		channels:  make(map[string]channel.Channel),
		templates: make(map[string]*Template),
		timers:    make(map[string]*time.Timer),
		history:   make(map[string][]*model.DeliveryAttempt),
	}
}

// RegisterChannel makes a delivery channel available by its type.
func (d *Dispatcher) RegisterChannel(c channel.Channel) {
	d.mu.Lock()
	d.channels[c.Type()] = c
	d.mu.Unlock()
	d.emitter.Emit(event.ChannelRegistered, event.Payload{"channel": c.Type()})
}

// RemoveChannel unregisters a channel and cancels every retry still armed
// for it.
func (d *Dispatcher) RemoveChannel(channelType string) {
	d.mu.Lock()
	delete(d.channels, channelType)
	for key, timer := range d.timers {
		if timerChannel(key) == channelType {
			timer.Stop()
			delete(d.timers, key)
		}
	}
	d.mu.Unlock()
	d.emitter.Emit(event.ChannelRemoved, event.Payload{"channel": channelType})
}

// Dispatch queues a routed notification for delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, n *model.RoutedNotification) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return apperrors.NewInternal(fmt.Errorf("dispatcher stopped"))
	}
	d.pending = append(d.pending, n)
	kick := !d.draining
	if kick {
		d.draining = true
	}
	d.mu.Unlock()

	if kick {
		go d.drain(ctx)
	}
	return nil
}

// drain pulls batches off the internal queue. Within a batch every
// user x channel pair is delivered concurrently; batches run one after
// another, so batch size is the concurrency bound.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 || d.stopped {
			d.draining = false
			d.mu.Unlock()
			return
		}
		n := d.cfg.BatchSize
		if n > len(d.pending) {
			n = len(d.pending)
		}
		batch := d.pending[:n]
		d.pending = d.pending[n:]
		d.mu.Unlock()

		var wg sync.WaitGroup
		for _, rn := range batch {
			payload := d.render(rn)
			for _, method := range rn.DeliveryMethods {
				wg.Add(1)
				go func(method string) {
					defer wg.Done()
					d.deliver(ctx, method, payload, 1)
				}(method)
			}
		}
		wg.Wait()
	}
}

// deliver runs one attempt for a (notification, channel) pair. Attempt
// numbers start at 1 and increase by exactly 1 per retry.
func (d *Dispatcher) deliver(ctx context.Context, channelType string, payload *model.NotificationPayload, attempt int) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	ch, registered := d.channels[channelType]
	d.mu.Unlock()

	if !registered {
		d.failImmediately(payload, channelType, attempt, "channel not registered")
		return
	}
	if !ch.Available() {
		d.failImmediately(payload, channelType, attempt, "channel unavailable")
		return
	}

	result, err := ch.Send(ctx, payload)
	if err != nil {
		result = &model.DeliveryResult{Success: false, Error: err.Error()}
	}

	if result.Success {
		d.recordAttempt(payload, channelType, attempt, model.DeliverySent, "")
		if d.metrics != nil {
			d.metrics.DeliverySuccess.WithLabelValues(channelType).Inc()
		}
		d.emitter.Emit(event.DeliverySuccess, event.Payload{
			"notification_id": payload.ID,
			"channel":         channelType,
			"attempt":         attempt,
		})
		return
	}

	if attempt >= d.cfg.MaxRetries {
		d.recordAttempt(payload, channelType, attempt, model.DeliveryFailed, result.Error)
		if d.metrics != nil {
			d.metrics.DeliveryFailed.WithLabelValues(channelType).Inc()
		}
		d.logger.Error(fmt.Errorf("%s", result.Error), "delivery failed terminally",
			"notification_id", payload.ID, "channel", channelType, "attempt", attempt)
		d.emitter.Emit(event.DeliveryFailed, event.Payload{
			"notification_id": payload.ID,
			"channel":         channelType,
			"attempt":         attempt,
			"error":           result.Error,
		})
		return
	}

	delay := d.cfg.RetryDelay << (attempt - 1)
	if result.RetryAfter > 0 {
		delay = result.RetryAfter
	}

	d.recordAttempt(payload, channelType, attempt, model.DeliveryRetryScheduled, result.Error)
	if d.metrics != nil {
		d.metrics.DeliveryRetries.WithLabelValues(channelType).Inc()
	}
	d.emitter.Emit(event.DeliveryRetry, event.Payload{
		"notification_id": payload.ID,
		"channel":         channelType,
		"attempt":         attempt,
		"retry_in":        delay.String(),
	})
	d.scheduleRetry(ctx, channelType, payload, attempt+1, delay)
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, channelType string, payload *model.NotificationPayload, nextAttempt int, delay time.Duration) {
	key := timerKey(payload.ID, channelType)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.timers[key] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		_, armed := d.timers[key]
		delete(d.timers, key)
		d.mu.Unlock()
		if !armed {
			// Cancelled between firing and running.
			return
		}
		d.deliver(ctx, channelType, payload, nextAttempt)
	})
}

// failImmediately reports a delivery error with no retry, used when the
// target channel is missing or unavailable.
func (d *Dispatcher) failImmediately(payload *model.NotificationPayload, channelType string, attempt int, reason string) {
	d.recordAttempt(payload, channelType, attempt, model.DeliveryFailed, reason)
	if d.metrics != nil {
		d.metrics.DeliveryFailed.WithLabelValues(channelType).Inc()
	}
	d.logger.Warn("delivery error", "notification_id", payload.ID, "channel", channelType, "reason", reason)
	d.emitter.Emit(event.DeliveryError, event.Payload{
		"notification_id": payload.ID,
		"channel":         channelType,
		"error":           reason,
	})
}

func (d *Dispatcher) recordAttempt(payload *model.NotificationPayload, channelType string, attempt int, status model.DeliveryStatus, errMsg string) {
	if !d.cfg.TrackHistory {
		return
	}
	rec := &model.DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: payload.ID,
		Channel:        channelType,
		Attempt:        attempt,
		Status:         status,
		Error:          errMsg,
		Timestamp:      time.Now(),
	}

	key := timerKey(payload.ID, channelType)
	d.mu.Lock()
	hist := append(d.history[key], rec)
	if d.cfg.HistoryLimit > 0 && len(hist) > d.cfg.HistoryLimit {
		hist = hist[len(hist)-d.cfg.HistoryLimit:]
	}
	d.history[key] = hist
	d.mu.Unlock()
}

// GetDeliveryStats aggregates the attempt history.
func (d *Dispatcher) GetDeliveryStats() DeliveryStats {
	stats := DeliveryStats{PerChannel: make(map[string]ChannelStats)}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, attempts := range d.history {
		for _, a := range attempts {
			stats.TotalAttempts++
			cs := stats.PerChannel[a.Channel]
			switch a.Status {
			case model.DeliverySent:
				stats.Successes++
				cs.Success++
			case model.DeliveryRetryScheduled:
				stats.Retries++
			case model.DeliveryFailed:
				stats.Failures++
				cs.Failed++
			}
			stats.PerChannel[a.Channel] = cs
		}
	}
	return stats
}

// AttemptHistory returns the recorded attempts for one (notification,
// channel) pair, oldest first.
func (d *Dispatcher) AttemptHistory(notificationID, channelType string) []*model.DeliveryAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := d.history[timerKey(notificationID, channelType)]
	out := make([]*model.DeliveryAttempt, len(hist))
	copy(out, hist)
	return out
}

// Stop cancels all armed retries and refuses further dispatches.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
	d.pending = nil
}

func timerKey(notificationID, channelType string) string {
	return notificationID + "|" + channelType
}

func timerChannel(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[i+1:]
		}
	}
	return ""
}
