package detector

import (
	"context"
	"math"
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

type captureSink struct {
	mu     sync.Mutex
	events []*model.AlertEvent
}

func (s *captureSink) Enqueue(_ context.Context, evt *model.AlertEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return "1-0", nil
}

func (s *captureSink) all() []*model.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.AlertEvent(nil), s.events...)
}

func newTestDetector(cfg Config, sink AlertSink) *Detector {
	return New(cfg, sink, event.NewEmitter(), logger.Nop(), nil)
}

func defaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			SignificantPct: 10,
			ReversePct:     15,
			SteamPct:       25,
		},
		MinimumOddsValue:     100,
		MinTimeBetweenAlerts: 5 * time.Minute,
	}
}

func snapshot(fight, book string, f1, f2 float64, at time.Time) *model.OddsSnapshot {
	return &model.OddsSnapshot{
		FightID:           fight,
		Sportsbook:        book,
		Timestamp:         at,
		MoneylineFighter1: f1,
		MoneylineFighter2: f2,
	}
}

func TestSteamMovementTriggersUrgentAlert(t *testing.T) {
	sink := &captureSink{}
	d := newTestDetector(defaultConfig(), sink)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -150, 120, now)))
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -180, 150, now.Add(time.Minute))))

	events := sink.all()
	require.Len(t, events, 1)
	evt := events[0]
	assert.Equal(t, model.EventTypeOddsMovement, evt.Type)
	assert.Equal(t, "fight-1", evt.FightID)
	assert.Equal(t, model.PriorityUrgent, evt.Priority)
	assert.Equal(t, string(model.MovementSteam), evt.Payload["movement_type"])
	assert.InDelta(t, 20.0, evt.Payload["fighter1_change_pct"].(float64), 0.01)
	assert.InDelta(t, 25.0, evt.Payload["fighter2_change_pct"].(float64), 0.01)
}

func TestSmallMovementEmitsNothing(t *testing.T) {
	sink := &captureSink{}
	d := newTestDetector(defaultConfig(), sink)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -150, 120, now)))
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -155, 125, now.Add(time.Minute))))

	assert.Empty(t, sink.all())
}

func TestClassificationLadder(t *testing.T) {
	tests := []struct {
		name     string
		f1, f2   float64
		want     model.MovementType
		priority model.Priority
	}{
		{"significant", -167, 120, model.MovementSignificant, model.PriorityMedium},
		{"reverse", -175, 120, model.MovementReverse, model.PriorityHigh},
		{"steam", -190, 120, model.MovementSteam, model.PriorityUrgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captureSink{}
			d := newTestDetector(defaultConfig(), sink)
			ctx := context.Background()
			now := time.Now()

			require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "fanduel", -150, 120, now)))
			require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "fanduel", tt.f1, tt.f2, now.Add(time.Minute))))

			events := sink.all()
			require.Len(t, events, 1)
			assert.Equal(t, string(tt.want), events[0].Payload["movement_type"])
			assert.Equal(t, tt.priority, events[0].Priority)
		})
	}
}

func TestCooldownSuppressesSecondAlert(t *testing.T) {
	sink := &captureSink{}
	d := newTestDetector(defaultConfig(), sink)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -150, 120, now)))
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -200, 160, now.Add(time.Minute))))
	// Qualifying again two minutes later, inside the five minute window.
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -260, 210, now.Add(3*time.Minute))))

	assert.Len(t, sink.all(), 1)
}

func TestCooldownIsGlobalPerFight(t *testing.T) {
	sink := &captureSink{}
	d := newTestDetector(defaultConfig(), sink)
	ctx := context.Background()
	now := time.Now()

	// Two books qualify back to back; only the first may alert.
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -150, 120, now)))
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "fanduel", -150, 120, now)))
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -200, 160, now.Add(time.Minute))))
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "fanduel", -200, 160, now.Add(time.Minute))))

	assert.Len(t, sink.all(), 1)
}

func TestSeparateFightsAlertIndependently(t *testing.T) {
	sink := &captureSink{}
	d := newTestDetector(defaultConfig(), sink)
	ctx := context.Background()
	now := time.Now()

	for _, fight := range []string{"fight-1", "fight-2"} {
		require.NoError(t, d.AddSnapshot(ctx, snapshot(fight, "draftkings", -150, 120, now)))
		require.NoError(t, d.AddSnapshot(ctx, snapshot(fight, "draftkings", -200, 160, now.Add(time.Minute))))
	}

	assert.Len(t, sink.all(), 2)
}

func TestSnapshotValidation(t *testing.T) {
	d := newTestDetector(defaultConfig(), &captureSink{})
	ctx := context.Background()

	tests := []struct {
		name  string
		snap  *model.OddsSnapshot
		field string
	}{
		{"missing fight id", snapshot("", "draftkings", -150, 120, time.Now()), "fight_id"},
		{"missing sportsbook", snapshot("fight-1", "", -150, 120, time.Now()), "sportsbook"},
		{"zero timestamp", snapshot("fight-1", "draftkings", -150, 120, time.Time{}), "timestamp"},
		{"NaN odds", snapshot("fight-1", "draftkings", math.NaN(), 120, time.Now()), "moneyline_fighter1"},
		{"odds below minimum", snapshot("fight-1", "draftkings", -150, 50, time.Now()), "moneyline_fighter2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.AddSnapshot(ctx, tt.snap)
			require.Error(t, err)
			verrs, ok := err.(apperrors.ValidationErrors)
			require.True(t, ok)
			fields := make([]string, 0, len(verrs))
			for _, v := range verrs {
				fields = append(fields, v.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := Config{
		// Zero thresholds classify every movement as steam so every
		// snapshot is stored.
		Thresholds:       Thresholds{},
		MinimumOddsValue: 100,
		MaxHistoryPerKey: 5,
	}
	sink := &captureSink{}
	d := newTestDetector(cfg, sink)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 10; i++ {
		require.NoError(t, d.AddSnapshot(ctx,
			snapshot("fight-1", "draftkings", -150-float64(i), 120, now.Add(time.Duration(i)*time.Minute))))
	}

	d.mu.Lock()
	hist := d.history["fight-1:draftkings"]
	d.mu.Unlock()
	require.Len(t, hist, 5)
	// Oldest evicted first.
	assert.Equal(t, -155.0, hist[0].MoneylineFighter1)
}

func TestGetRecentMovementsRecomputesFromHistory(t *testing.T) {
	cfg := Config{
		Thresholds:       Thresholds{SignificantPct: 10, ReversePct: 15, SteamPct: 25},
		MinimumOddsValue: 100,
	}
	sink := &captureSink{}
	d := newTestDetector(cfg, sink)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -150, 120, now.Add(-3*time.Hour))))
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -200, 160, now.Add(-90*time.Minute))))
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -260, 210, now.Add(-10*time.Minute))))

	recent := d.GetRecentMovements("fight-1", 2*time.Hour)
	require.Len(t, recent, 1)
	assert.Equal(t, "fight-1", recent[0].FightID)

	all := d.GetRecentMovements("fight-1", 4*time.Hour)
	assert.Len(t, all, 2)

	assert.Empty(t, d.GetRecentMovements("fight-2", 4*time.Hour))
}

func TestClearHistory(t *testing.T) {
	d := newTestDetector(defaultConfig(), &captureSink{})
	ctx := context.Background()
	now := time.Now()

	cleared := false
	d.emitter.Subscribe(event.HistoryCleared, func(_ string, _ event.Payload) { cleared = true })

	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -150, 120, now)))
	d.ClearHistory("fight-1")

	d.mu.Lock()
	_, ok := d.history["fight-1:draftkings"]
	d.mu.Unlock()
	assert.False(t, ok)
	assert.True(t, cleared)
}

func TestBatchModeBuffersUntilTick(t *testing.T) {
	cfg := defaultConfig()
	cfg.Batch = &BatchConfig{Interval: time.Hour, MaxPerTick: 10}
	sink := &captureSink{}
	d := newTestDetector(cfg, sink)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -150, 120, now)))
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -200, 160, now.Add(time.Minute))))
	assert.Empty(t, sink.all(), "nothing processes before the tick")

	d.tick(ctx)
	assert.Len(t, sink.all(), 1)
}

func TestBatchTickDrainsAtMostMaxPerTick(t *testing.T) {
	cfg := defaultConfig()
	cfg.Batch = &BatchConfig{Interval: time.Hour, MaxPerTick: 3}
	sink := &captureSink{}
	d := newTestDetector(cfg, sink)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.AddSnapshot(ctx,
			snapshot("fight-1", "draftkings", -150, 120, now.Add(time.Duration(i)*time.Minute))))
	}

	d.tick(ctx)
	d.mu.Lock()
	remaining := len(d.pending)
	d.mu.Unlock()
	assert.Equal(t, 2, remaining)
}

// gatedSink blocks inside Enqueue until its gate is closed, holding the
// caller mid-process.
type gatedSink struct {
	mu     sync.Mutex
	events []*model.AlertEvent
	gate   chan struct{}
}

func (s *gatedSink) Enqueue(_ context.Context, evt *model.AlertEvent) (string, error) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	<-s.gate
	return "1-0", nil
}

func (s *gatedSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestConcurrentIngestionIsSerializedPerKey(t *testing.T) {
	cfg := defaultConfig()
	cfg.MinTimeBetweenAlerts = 0
	sink := &gatedSink{gate: make(chan struct{})}
	d := newTestDetector(cfg, sink)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -150, 120, now)))

	// Qualifying move; the sink holds this call mid-process.
	go func() {
		_ = d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -200, 160, now.Add(time.Minute)))
	}()
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	// Sub-threshold against the in-flight snapshot, qualifying against the
	// old baseline. It must wait for the first call to finish and then
	// compare against -200, not -150.
	done := make(chan struct{})
	go func() {
		_ = d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -205, 164, now.Add(2*time.Minute)))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second snapshot processed while the first was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.gate)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second snapshot never finished")
	}
	assert.Equal(t, 1, sink.count())
}

func TestThresholdUpdatesDuringIngestion(t *testing.T) {
	cfg := defaultConfig()
	cfg.MinTimeBetweenAlerts = 0
	sink := &captureSink{}
	d := newTestDetector(cfg, sink)
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			d.UpdateThresholds(Thresholds{SignificantPct: 10, ReversePct: 15, SteamPct: 25})
		}
	}()
	for i := 0; i < 200; i++ {
		require.NoError(t, d.AddSnapshot(ctx,
			snapshot("fight-1", "draftkings", -150-float64(i), 120, now.Add(time.Duration(i)*time.Second))))
	}
	wg.Wait()

	// Classification still follows the final thresholds.
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-2", "draftkings", -150, 120, now)))
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-2", "draftkings", -180, 150, now.Add(time.Minute))))
	events := sink.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "fight-2", last.FightID)
	assert.Equal(t, model.PriorityUrgent, last.Priority)
}

func TestUpdateThresholds(t *testing.T) {
	sink := &captureSink{}
	d := newTestDetector(defaultConfig(), sink)
	ctx := context.Background()
	now := time.Now()

	updated := false
	d.emitter.Subscribe(event.ThresholdsUpdated, func(_ string, _ event.Payload) { updated = true })
	d.UpdateThresholds(Thresholds{SignificantPct: 50, ReversePct: 60, SteamPct: 70})
	assert.True(t, updated)

	// A 25% move no longer qualifies.
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -150, 120, now)))
	require.NoError(t, d.AddSnapshot(ctx, snapshot("fight-1", "draftkings", -180, 150, now.Add(time.Minute))))
	assert.Empty(t, sink.all())
}
