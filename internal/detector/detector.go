// Package detector turns streams of sportsbook odds snapshots into alert
// events. It keeps a bounded per-(fight, sportsbook) history, classifies the
// movement between consecutive snapshots, and rate-limits alerts per fight.
package detector

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/oddspulse/alertd/internal/model"
	"github.com/oddspulse/alertd/pkg/errors"
	"github.com/oddspulse/alertd/pkg/event"
	"github.com/oddspulse/alertd/pkg/logger"
	"github.com/oddspulse/alertd/pkg/metrics"
)

const defaultMaxHistoryPerKey = 100

// Thresholds are the classification cut-offs, in percent. Callers must keep
// Steam >= Reverse >= Significant; the detector does not enforce the order
// and classification is ill-defined without it.
type Thresholds struct {
	SignificantPct float64
	ReversePct     float64
	SteamPct       float64
}

// BatchConfig enables batched ingestion: snapshots buffer in a FIFO and a
// periodic tick drains up to MaxPerTick of them.
type BatchConfig struct {
	Interval   time.Duration
	MaxPerTick int
}

type Config struct {
	Thresholds           Thresholds
	MinimumOddsValue     float64
	MinTimeBetweenAlerts time.Duration
	MaxHistoryPerKey     int
	Batch                *BatchConfig
}

// AlertSink receives qualifying, non-suppressed alert events. The durable
// queue's Enqueue satisfies it.
type AlertSink interface {
	Enqueue(ctx context.Context, evt *model.AlertEvent) (string, error)
}

// Detector is the movement detection stage. Snapshot processing is serialized
// internally, so AddSnapshot is safe for concurrent callers; each snapshot is
// classified against the baseline left by the previous one, never a stale
// read.
type Detector struct {
	cfg     Config
	sink    AlertSink
	emitter *event.Emitter
	logger  *logger.Logger
	metrics *metrics.Metrics

	// procMu serializes process end to end, enqueue included. Without it
	// two concurrent snapshots for one key could both classify against the
	// same baseline.
	procMu sync.Mutex

	mu       sync.Mutex
	history  map[string][]*model.OddsSnapshot
	cooldown map[string]*rate.Limiter

	pending  []*model.OddsSnapshot
	inflight bool
	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, sink AlertSink, emitter *event.Emitter, log *logger.Logger, m *metrics.Metrics) *Detector {
	if cfg.MaxHistoryPerKey <= 0 {
		cfg.MaxHistoryPerKey = defaultMaxHistoryPerKey
	}
	return &Detector{
		cfg:      cfg,
		sink:     sink,
		emitter:  emitter,
		logger:   log,
		metrics:  m,
		history:  make(map[string][]*model.OddsSnapshot),
		cooldown: make(map[string]*rate.Limiter),
		stop:     make(chan struct{}),
	}
}

// AddSnapshot ingests one snapshot. In synchronous mode it is processed
// immediately; in batched mode it is buffered for the next tick. Validation
// failures are returned as errors.ValidationErrors.
func (d *Detector) AddSnapshot(ctx context.Context, snap *model.OddsSnapshot) error {
	if errs := d.validate(snap); len(errs) > 0 {
		if d.metrics != nil {
			d.metrics.SnapshotsRejected.Inc()
		}
		return errs
	}

	if d.cfg.Batch != nil {
		d.mu.Lock()
		d.pending = append(d.pending, snap)
		d.mu.Unlock()
		return nil
	}

	d.process(ctx, snap)
	return nil
}

// Start launches the batch drain loop. No-op in synchronous mode.
func (d *Detector) Start(ctx context.Context) {
	if d.cfg.Batch == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(d.cfg.Batch.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			case <-ticker.C:
				d.tick(ctx)
			}
		}
	}()
}

// Stop halts the batch drain loop.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// tick drains up to MaxPerTick buffered snapshots. The in-flight flag keeps
// ticks from overlapping when a drain outlasts the interval.
func (d *Detector) tick(ctx context.Context) {
	d.mu.Lock()
	if d.inflight || len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	d.inflight = true
	n := d.cfg.Batch.MaxPerTick
	if n <= 0 || n > len(d.pending) {
		n = len(d.pending)
	}
	batch := d.pending[:n]
	d.pending = d.pending[n:]
	d.mu.Unlock()

	for _, snap := range batch {
		d.process(ctx, snap)
	}

	d.mu.Lock()
	d.inflight = false
	d.mu.Unlock()
}

// process compares the snapshot against the last stored one for its key.
// A snapshot is stored only when it is the first for its key or when it
// produced a qualifying, non-suppressed movement; everything else is
// compared and discarded, so the next comparison runs against the last
// alert-worthy baseline.
func (d *Detector) process(ctx context.Context, snap *model.OddsSnapshot) {
	d.procMu.Lock()
	defer d.procMu.Unlock()

	if d.metrics != nil {
		d.metrics.SnapshotsIngested.Inc()
	}

	key := snap.Key()
	d.mu.Lock()
	hist := d.history[key]
	if len(hist) == 0 {
		d.appendLocked(key, snap)
		d.mu.Unlock()
		return
	}
	prev := hist[len(hist)-1]
	d.mu.Unlock()

	movement := d.classify(prev, snap)
	if movement == nil {
		return
	}
	if d.metrics != nil {
		d.metrics.MovementsDetected.WithLabelValues(string(movement.Type)).Inc()
	}
	d.emitter.Emit(event.OddsMovementDetected, event.Payload{
		"fight_id":   movement.FightID,
		"sportsbook": movement.Sportsbook,
		"type":       string(movement.Type),
		"max_change": movement.MaxChangePct(),
	})

	// Cooldown is global per fight: multiple qualifying books within the
	// window collapse into one alert.
	if !d.allowAlert(snap.FightID) {
		if d.metrics != nil {
			d.metrics.AlertsSuppressed.Inc()
		}
		d.logger.Debug("alert suppressed by cooldown", "fight_id", snap.FightID)
		return
	}

	d.mu.Lock()
	d.appendLocked(key, snap)
	d.mu.Unlock()

	evt := d.buildEvent(movement)
	if _, err := d.sink.Enqueue(ctx, evt); err != nil {
		d.logger.Error(err, "failed to enqueue alert event", "fight_id", snap.FightID)
		return
	}
	if d.metrics != nil {
		d.metrics.AlertsTriggered.Inc()
	}
	d.emitter.Emit(event.AlertTriggered, event.Payload{
		"event_id": evt.ID,
		"fight_id": evt.FightID,
		"type":     string(movement.Type),
		"priority": string(evt.Priority),
	})
}

func (d *Detector) appendLocked(key string, snap *model.OddsSnapshot) {
	hist := append(d.history[key], snap)
	if len(hist) > d.cfg.MaxHistoryPerKey {
		hist = hist[len(hist)-d.cfg.MaxHistoryPerKey:]
	}
	d.history[key] = hist
}

// allowAlert consumes the per-fight cooldown token. Limiters refill one token
// per MinTimeBetweenAlerts, so the first alert always passes.
func (d *Detector) allowAlert(fightID string) bool {
	if d.cfg.MinTimeBetweenAlerts <= 0 {
		return true
	}
	d.mu.Lock()
	lim, ok := d.cooldown[fightID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.cfg.MinTimeBetweenAlerts), 1)
		d.cooldown[fightID] = lim
	}
	d.mu.Unlock()
	return lim.Allow()
}

// classify compares two consecutive snapshots and returns the movement, or
// nil when the change stays below the significant threshold.
func (d *Detector) classify(prev, cur *model.OddsSnapshot) *model.OddsMovement {
	f1 := model.PercentChange(prev.MoneylineFighter1, cur.MoneylineFighter1)
	f2 := model.PercentChange(prev.MoneylineFighter2, cur.MoneylineFighter2)
	maxChange := math.Max(math.Abs(f1), math.Abs(f2))

	d.mu.Lock()
	t := d.cfg.Thresholds
	d.mu.Unlock()

	var mtype model.MovementType
	switch {
	case maxChange >= t.SteamPct:
		mtype = model.MovementSteam
	case maxChange >= t.ReversePct:
		mtype = model.MovementReverse
	case maxChange >= t.SignificantPct:
		mtype = model.MovementSignificant
	default:
		return nil
	}

	return &model.OddsMovement{
		FightID:           cur.FightID,
		Sportsbook:        cur.Sportsbook,
		Previous:          prev,
		Current:           cur,
		Fighter1ChangePct: f1,
		Fighter2ChangePct: f2,
		Fighter1ProbDelta: model.ImpliedProbability(cur.MoneylineFighter1) - model.ImpliedProbability(prev.MoneylineFighter1),
		Fighter2ProbDelta: model.ImpliedProbability(cur.MoneylineFighter2) - model.ImpliedProbability(prev.MoneylineFighter2),
		Type:              mtype,
		DetectedAt:        time.Now(),
	}
}

func (d *Detector) buildEvent(m *model.OddsMovement) *model.AlertEvent {
	var prio model.Priority
	switch m.Type {
	case model.MovementSteam:
		prio = model.PriorityUrgent
	case model.MovementReverse:
		prio = model.PriorityHigh
	default:
		prio = model.PriorityMedium
	}

	return &model.AlertEvent{
		ID:       uuid.NewString(),
		Type:     model.EventTypeOddsMovement,
		FightID:  m.FightID,
		Priority: prio,
		Payload: map[string]interface{}{
			"sportsbook":          m.Sportsbook,
			"movement_type":       string(m.Type),
			"fighter1_change_pct": m.Fighter1ChangePct,
			"fighter2_change_pct": m.Fighter2ChangePct,
			"fighter1_prob_delta": m.Fighter1ProbDelta,
			"fighter2_prob_delta": m.Fighter2ProbDelta,
			"moneyline_fighter1":  m.Current.MoneylineFighter1,
			"moneyline_fighter2":  m.Current.MoneylineFighter2,
		},
		Timestamp: time.Now(),
	}
}

// GetRecentMovements re-walks the stored history for a fight and recomputes
// movements from snapshots newer than now minus the window. Nothing is
// persisted; the result is derived on every call.
func (d *Detector) GetRecentMovements(fightID string, window time.Duration) []*model.OddsMovement {
	cutoff := time.Now().Add(-window)

	d.mu.Lock()
	byKey := make(map[string][]*model.OddsSnapshot)
	for key, hist := range d.history {
		if len(hist) == 0 || hist[0].FightID != fightID {
			continue
		}
		snaps := make([]*model.OddsSnapshot, 0, len(hist))
		for _, s := range hist {
			if s.Timestamp.After(cutoff) {
				snaps = append(snaps, s)
			}
		}
		byKey[key] = snaps
	}
	d.mu.Unlock()

	var movements []*model.OddsMovement
	for _, snaps := range byKey {
		for i := 1; i < len(snaps); i++ {
			if m := d.classify(snaps[i-1], snaps[i]); m != nil {
				movements = append(movements, m)
			}
		}
	}
	return movements
}

// UpdateThresholds swaps the classification cut-offs.
func (d *Detector) UpdateThresholds(t Thresholds) {
	d.mu.Lock()
	d.cfg.Thresholds = t
	d.mu.Unlock()
	d.emitter.Emit(event.ThresholdsUpdated, event.Payload{
		"significant": t.SignificantPct,
		"reverse":     t.ReversePct,
		"steam":       t.SteamPct,
	})
}

// ClearHistory drops all stored snapshots and the cooldown state for a fight.
func (d *Detector) ClearHistory(fightID string) {
	d.mu.Lock()
	for key, hist := range d.history {
		if len(hist) > 0 && hist[0].FightID == fightID {
			delete(d.history, key)
		}
	}
	delete(d.cooldown, fightID)
	d.mu.Unlock()
	d.emitter.Emit(event.HistoryCleared, event.Payload{"fight_id": fightID})
}

func (d *Detector) validate(snap *model.OddsSnapshot) errors.ValidationErrors {
	var errs errors.ValidationErrors
	if snap.FightID == "" {
		errs = errs.Invalid("fight_id", "is required", snap.FightID)
	}
	if snap.Sportsbook == "" {
		errs = errs.Invalid("sportsbook", "is required", snap.Sportsbook)
	}
	if snap.Timestamp.IsZero() {
		errs = errs.Invalid("timestamp", "is required", snap.Timestamp)
	}
	for field, v := range map[string]float64{
		"moneyline_fighter1": snap.MoneylineFighter1,
		"moneyline_fighter2": snap.MoneylineFighter2,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = errs.Invalid(field, "must be a finite number", v)
			continue
		}
		if math.Abs(v) < d.cfg.MinimumOddsValue {
			errs = errs.Invalid(field, "odds magnitude below minimum", v)
		}
	}
	return errs
}
