// Package router matches alert events against user preferences and fans each
// event out into per-user routed notifications. Preferences are owned by an
// external store; the router keeps a short-TTL read-through cache.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/oddspulse/alertd/internal/model"
	"github.com/oddspulse/alertd/internal/preferences"
	apperrors "github.com/oddspulse/alertd/pkg/errors"
	"github.com/oddspulse/alertd/pkg/event"
	"github.com/oddspulse/alertd/pkg/logger"
	"github.com/oddspulse/alertd/pkg/metrics"
)

const (
	defaultCacheTTL       = 5 * time.Minute
	prefsKeyPrefix        = "prefs:"
	typeUsersKeyPrefix    = "users:type:"
	fighterUsersKeyPrefix = "users:fighter:"
)

type Config struct {
	MaxConcurrentEvents int
	CacheTTL            time.Duration
}

// Dispatcher consumes routed notifications. The notification dispatcher
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *model.RoutedNotification) error
}

// Stats are the router's running counters. AvgProcessingMs is an incremental
// average over all drained events.
type Stats struct {
	Processed       uint64  `json:"processed"`
	Filtered        uint64  `json:"filtered"`
	Errored         uint64  `json:"errored"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
}

type Router struct {
	cfg        Config
	store      preferences.Store
	dispatcher Dispatcher
	cache      *cache.Cache
	emitter    *event.Emitter
	logger     *logger.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	queue    []*model.AlertEvent
	draining bool
	stats    Stats
	avgCount uint64
}

func New(cfg Config, store preferences.Store, dispatcher Dispatcher, emitter *event.Emitter, log *logger.Logger, m *metrics.Metrics) *Router {
	if cfg.MaxConcurrentEvents <= 0 {
		cfg.MaxConcurrentEvents = 100
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &Router{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		cache:      cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		emitter:    emitter,
		logger:     log,
		metrics:    m,
	}
}

// AddEvent buffers an event for the drain loop. It fails fast with a
// capacity error when the buffer is full and never blocks otherwise.
func (r *Router) AddEvent(ctx context.Context, evt *model.AlertEvent) error {
	r.mu.Lock()
	if len(r.queue) >= r.cfg.MaxConcurrentEvents {
		r.mu.Unlock()
		return apperrors.NewCapacity("event buffer full")
	}
	r.queue = append(r.queue, evt)
	kick := !r.draining
	if kick {
		r.draining = true
	}
	r.mu.Unlock()

	if kick {
		go r.drain(ctx)
	}
	r.emitter.Emit(event.EventQueued, event.Payload{
		"event_id": evt.ID,
		"stage":    "router",
	})
	return nil
}

// drain processes buffered events one at a time, each to completion before
// the next starts.
func (r *Router) drain(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.draining = false
			r.mu.Unlock()
			return
		}
		evt := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.processOne(ctx, evt)
	}
}

func (r *Router) processOne(ctx context.Context, evt *model.AlertEvent) {
	start := time.Now()
	notifications, err := r.Route(ctx, evt)
	elapsed := time.Since(start)

	r.mu.Lock()
	r.avgCount++
	r.stats.AvgProcessingMs += (float64(elapsed.Milliseconds()) - r.stats.AvgProcessingMs) / float64(r.avgCount)
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.RoutingLatency.Observe(elapsed.Seconds())
	}

	if err != nil {
		r.mu.Lock()
		r.stats.Errored++
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.RoutingErrors.Inc()
		}
		r.logger.Error(err, "failed to route event", "event_id", evt.ID)
		r.emitter.Emit(event.ProcessingError, event.Payload{
			"event_id": evt.ID,
			"error":    err.Error(),
		})
		return
	}

	if len(notifications) == 0 {
		// No matching user is normal operation, not a failure.
		r.mu.Lock()
		r.stats.Filtered++
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.EventsFiltered.Inc()
		}
		return
	}

	for _, n := range notifications {
		if err := r.dispatcher.Dispatch(ctx, n); err != nil {
			r.logger.Error(err, "failed to dispatch notification",
				"event_id", evt.ID, "user_id", n.UserID)
		}
	}

	r.mu.Lock()
	r.stats.Processed++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.EventsRouted.Inc()
	}
	r.emitter.Emit(event.EventProcessed, event.Payload{
		"event_id":   evt.ID,
		"recipients": len(notifications),
	})
}

// Route resolves an event's target users and returns one routed notification
// per match. Events addressed to a specific user skip the preference scan
// but still require the user to exist and be enabled.
func (r *Router) Route(ctx context.Context, evt *model.AlertEvent) ([]*model.RoutedNotification, error) {
	matched, err := r.resolveTargets(ctx, evt)
	if err != nil {
		return nil, err
	}

	notifications := make([]*model.RoutedNotification, 0, len(matched))
	for _, prefs := range matched {
		notifications = append(notifications, r.buildNotification(evt, prefs))
	}
	return notifications, nil
}

// resolveTargets returns a stable snapshot of matching preferences. The
// filter runs over copies fetched up front, never over live cache state.
func (r *Router) resolveTargets(ctx context.Context, evt *model.AlertEvent) ([]*model.UserPreferences, error) {
	if evt.UserID != "" {
		prefs, err := r.userPreferences(ctx, evt.UserID)
		if err != nil {
			return nil, err
		}
		if prefs == nil || !prefs.Enabled {
			return nil, nil
		}
		return []*model.UserPreferences{prefs}, nil
	}

	// Followers of the named fighter are the only possible matches for a
	// fighter-tagged event, so that list is the cheaper candidate set.
	var userIDs []string
	var err error
	if evt.FighterID != "" {
		userIDs, err = r.usersByFighter(ctx, evt.FighterID)
	} else {
		userIDs, err = r.usersByAlertType(ctx, evt.Type)
	}
	if err != nil {
		return nil, err
	}

	matched := make([]*model.UserPreferences, 0, len(userIDs))
	for _, id := range userIDs {
		prefs, err := r.userPreferences(ctx, id)
		if err != nil {
			r.logger.Warn("skipping user, preference lookup failed", "user_id", id, "error", err.Error())
			continue
		}
		if prefs == nil || !prefs.Matches(evt) {
			continue
		}
		matched = append(matched, prefs)
	}
	return matched, nil
}

func (r *Router) buildNotification(evt *model.AlertEvent, prefs *model.UserPreferences) *model.RoutedNotification {
	payload := make(map[string]interface{}, len(evt.Payload)+1)
	for k, v := range evt.Payload {
		payload[k] = v
	}
	payload["thresholds"] = prefs.Thresholds

	// Urgent events go out immediately. So does everything else today;
	// non-urgent scheduling is where delivery batching would hook in.
	scheduled := time.Now()

	return &model.RoutedNotification{
		Event:           evt,
		UserID:          prefs.UserID,
		Payload:         payload,
		DeliveryMethods: append([]string(nil), prefs.DeliveryMethods...),
		ScheduledAt:     scheduled,
	}
}

func (r *Router) userPreferences(ctx context.Context, userID string) (*model.UserPreferences, error) {
	if v, ok := r.cache.Get(prefsKeyPrefix + userID); ok {
		return v.(*model.UserPreferences), nil
	}
	prefs, err := r.store.GetUserPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if prefs != nil {
		r.cache.SetDefault(prefsKeyPrefix+userID, prefs)
	}
	return prefs, nil
}

func (r *Router) usersByAlertType(ctx context.Context, alertType string) ([]string, error) {
	if v, ok := r.cache.Get(typeUsersKeyPrefix + alertType); ok {
		return v.([]string), nil
	}
	ids, err := r.store.GetUsersByAlertType(ctx, alertType)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(typeUsersKeyPrefix+alertType, ids)
	return ids, nil
}

func (r *Router) usersByFighter(ctx context.Context, fighterID string) ([]string, error) {
	if v, ok := r.cache.Get(fighterUsersKeyPrefix + fighterID); ok {
		return v.([]string), nil
	}
	ids, err := r.store.GetUsersByFighter(ctx, fighterID)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(fighterUsersKeyPrefix+fighterID, ids)
	return ids, nil
}

// UpdateUserPreferences refreshes the cached entry after an external change.
func (r *Router) UpdateUserPreferences(prefs *model.UserPreferences) {
	r.cache.SetDefault(prefsKeyPrefix+prefs.UserID, prefs)
	for _, t := range prefs.AlertTypes {
		r.cache.Delete(typeUsersKeyPrefix + t)
	}
	r.emitter.Emit(event.UserPreferencesUpdated, event.Payload{"user_id": prefs.UserID})
}

// RemoveUserPreferences drops the cached entry for a user.
func (r *Router) RemoveUserPreferences(userID string) {
	r.cache.Delete(prefsKeyPrefix + userID)
	r.emitter.Emit(event.UserPreferencesRemoved, event.Payload{"user_id": userID})
}

// Stats returns a copy of the running counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
