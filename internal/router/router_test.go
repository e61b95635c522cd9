package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddspulse/alertd/internal/model"
	apperrors "github.com/oddspulse/alertd/pkg/errors"
	"github.com/oddspulse/alertd/pkg/event"
	"github.com/oddspulse/alertd/pkg/logger"
)

type fakeStore struct {
	mu        sync.Mutex
	prefs     map[string]*model.UserPreferences
	byType    map[string][]string
	byFighter map[string][]string
	prefCalls int
	err       error
}

func (s *fakeStore) GetUserPreferences(_ context.Context, userID string) (*model.UserPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.prefs[userID], nil
}

func (s *fakeStore) GetUsersByAlertType(_ context.Context, alertType string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.byType[alertType], nil
}

func (s *fakeStore) GetUsersByFighter(_ context.Context, fighterID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.byFighter[fighterID], nil
}

type captureDispatcher struct {
	mu   sync.Mutex
	sent []*model.RoutedNotification
}

func (d *captureDispatcher) Dispatch(_ context.Context, n *model.RoutedNotification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return nil
}

func (d *captureDispatcher) notifications() []*model.RoutedNotification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*model.RoutedNotification(nil), d.sent...)
}

func prefsFor(userID string) *model.UserPreferences {
	return &model.UserPreferences{
		UserID:          userID,
		AlertTypes:      []string{model.EventTypeOddsMovement},
		DeliveryMethods: []string{model.ChannelEmail},
		MinimumPriority: model.PriorityLow,
		Thresholds:      model.AlertThresholds{OddsMovementPct: 10},
		Enabled:         true,
	}
}

func newTestRouter(store *fakeStore, d Dispatcher) *Router {
	return New(Config{MaxConcurrentEvents: 5}, store, d, event.NewEmitter(), logger.Nop(), nil)
}

func movementEvent() *model.AlertEvent {
	return &model.AlertEvent{
		ID:       "evt-1",
		Type:     model.EventTypeOddsMovement,
		FightID:  "fight-1",
		Priority: model.PriorityMedium,
		Payload: map[string]interface{}{
			"movement_type": "steam",
		},
		Timestamp: time.Now(),
	}
}

func TestRouteExplicitUserSkipsPreferenceScan(t *testing.T) {
	store := &fakeStore{prefs: map[string]*model.UserPreferences{
		"user-1": prefsFor("user-1"),
	}}
	rtr := newTestRouter(store, &captureDispatcher{})

	evt := movementEvent()
	evt.UserID = "user-1"
	// Not subscribed to this type, but an addressed event only checks enabled.
	store.prefs["user-1"].AlertTypes = nil

	notifications, err := rtr.Route(context.Background(), evt)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, "user-1", notifications[0].UserID)
}

func TestRouteExplicitUserDisabledOrUnknown(t *testing.T) {
	disabled := prefsFor("user-1")
	disabled.Enabled = false
	store := &fakeStore{prefs: map[string]*model.UserPreferences{"user-1": disabled}}
	rtr := newTestRouter(store, &captureDispatcher{})

	evt := movementEvent()
	evt.UserID = "user-1"
	notifications, err := rtr.Route(context.Background(), evt)
	require.NoError(t, err)
	assert.Empty(t, notifications)

	evt.UserID = "user-missing"
	notifications, err = rtr.Route(context.Background(), evt)
	require.NoError(t, err)
	assert.Empty(t, notifications)
}

func TestRouteFiltersByPreferences(t *testing.T) {
	interested := prefsFor("user-1")
	wrongType := prefsFor("user-2")
	wrongType.AlertTypes = []string{"fight_result"}
	tooPicky := prefsFor("user-3")
	tooPicky.MinimumPriority = model.PriorityUrgent
	disabled := prefsFor("user-4")
	disabled.Enabled = false

	store := &fakeStore{
		prefs: map[string]*model.UserPreferences{
			"user-1": interested, "user-2": wrongType,
			"user-3": tooPicky, "user-4": disabled,
		},
		byType: map[string][]string{
			model.EventTypeOddsMovement: {"user-1", "user-2", "user-3", "user-4"},
		},
	}
	rtr := newTestRouter(store, &captureDispatcher{})

	notifications, err := rtr.Route(context.Background(), movementEvent())
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, "user-1", notifications[0].UserID)
}

func TestRouteFighterEventTargetsFollowers(t *testing.T) {
	follower := prefsFor("user-1")
	follower.FollowedFighters = []string{"fighter-9"}
	store := &fakeStore{
		prefs:     map[string]*model.UserPreferences{"user-1": follower},
		byFighter: map[string][]string{"fighter-9": {"user-1"}},
	}
	rtr := newTestRouter(store, &captureDispatcher{})

	evt := movementEvent()
	evt.FighterID = "fighter-9"
	notifications, err := rtr.Route(context.Background(), evt)
	require.NoError(t, err)
	require.Len(t, notifications, 1)

	evt.FighterID = "fighter-unknown"
	notifications, err = rtr.Route(context.Background(), evt)
	require.NoError(t, err)
	assert.Empty(t, notifications)
}

func TestNotificationCarriesThresholdsAndMethods(t *testing.T) {
	p := prefsFor("user-1")
	p.DeliveryMethods = []string{model.ChannelEmail, model.ChannelPush}
	store := &fakeStore{
		prefs:  map[string]*model.UserPreferences{"user-1": p},
		byType: map[string][]string{model.EventTypeOddsMovement: {"user-1"}},
	}
	rtr := newTestRouter(store, &captureDispatcher{})

	evt := movementEvent()
	notifications, err := rtr.Route(context.Background(), evt)
	require.NoError(t, err)
	require.Len(t, notifications, 1)

	n := notifications[0]
	assert.Equal(t, []string{model.ChannelEmail, model.ChannelPush}, n.DeliveryMethods)
	assert.Equal(t, "steam", n.Payload["movement_type"])
	assert.Equal(t, p.Thresholds, n.Payload["thresholds"])
	assert.False(t, n.ScheduledAt.IsZero())
	// The event payload itself is left untouched.
	_, leaked := evt.Payload["thresholds"]
	assert.False(t, leaked)
}

func TestPreferenceLookupsAreCached(t *testing.T) {
	store := &fakeStore{
		prefs:  map[string]*model.UserPreferences{"user-1": prefsFor("user-1")},
		byType: map[string][]string{model.EventTypeOddsMovement: {"user-1"}},
	}
	rtr := newTestRouter(store, &captureDispatcher{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := rtr.Route(ctx, movementEvent())
		require.NoError(t, err)
	}

	store.mu.Lock()
	calls := store.prefCalls
	store.mu.Unlock()
	assert.Equal(t, 1, calls, "repeat routes served from cache")
}

func TestUpdateUserPreferencesRefreshesCache(t *testing.T) {
	store := &fakeStore{
		prefs:  map[string]*model.UserPreferences{"user-1": prefsFor("user-1")},
		byType: map[string][]string{model.EventTypeOddsMovement: {"user-1"}},
	}
	rtr := newTestRouter(store, &captureDispatcher{})
	ctx := context.Background()

	_, err := rtr.Route(ctx, movementEvent())
	require.NoError(t, err)

	updated := prefsFor("user-1")
	updated.Enabled = false
	rtr.UpdateUserPreferences(updated)

	notifications, err := rtr.Route(ctx, movementEvent())
	require.NoError(t, err)
	assert.Empty(t, notifications, "cache reflects the update without a store read")
}

func TestAddEventRefusesWhenBufferFull(t *testing.T) {
	store := &fakeStore{}
	rtr := New(Config{MaxConcurrentEvents: 2}, store, &captureDispatcher{}, event.NewEmitter(), logger.Nop(), nil)

	// Hold the drain goroutine off by filling the buffer under lock.
	rtr.mu.Lock()
	rtr.queue = append(rtr.queue, movementEvent(), movementEvent())
	rtr.draining = true
	rtr.mu.Unlock()

	err := rtr.AddEvent(context.Background(), movementEvent())
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCapacity, appErr.Code)
}

func TestDrainDispatchesAndCounts(t *testing.T) {
	store := &fakeStore{
		prefs:  map[string]*model.UserPreferences{"user-1": prefsFor("user-1")},
		byType: map[string][]string{model.EventTypeOddsMovement: {"user-1"}},
	}
	d := &captureDispatcher{}
	rtr := newTestRouter(store, d)
	ctx := context.Background()

	require.NoError(t, rtr.AddEvent(ctx, movementEvent()))

	unmatched := movementEvent()
	unmatched.Type = "fight_result"
	require.NoError(t, rtr.AddEvent(ctx, unmatched))

	require.Eventually(t, func() bool {
		s := rtr.Stats()
		return s.Processed == 1 && s.Filtered == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, d.notifications(), 1)
}

func TestStoreErrorCountsAsErrored(t *testing.T) {
	store := &fakeStore{err: errors.New("store offline")}
	rtr := newTestRouter(store, &captureDispatcher{})
	emitted := make(chan event.Payload, 1)
	rtr.emitter.Subscribe(event.ProcessingError, func(_ string, p event.Payload) {
		emitted <- p
	})

	require.NoError(t, rtr.AddEvent(context.Background(), movementEvent()))

	select {
	case p := <-emitted:
		assert.Equal(t, "evt-1", p["event_id"])
	case <-time.After(time.Second):
		t.Fatal("expected processingError event")
	}
	assert.Equal(t, uint64(1), rtr.Stats().Errored)
}
