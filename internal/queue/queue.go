// Package queue is the durable event log between movement detection and
// routing. Events live in a Redis stream from enqueue until acknowledged;
// competing consumers in one group each see a message exclusively while it
// is unacknowledged. Retries re-enqueue a fresh message, terminal failures
// land in a separate dead-letter stream.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oddspulse/alertd/internal/model"
	"github.com/oddspulse/alertd/pkg/event"
	"github.com/oddspulse/alertd/pkg/logger"
	"github.com/oddspulse/alertd/pkg/metrics"
)

// HandlerFunc processes one dequeued alert event. Any returned error feeds
// the retry/dead-letter state machine; it never stops the consumer loop.
type HandlerFunc func(ctx context.Context, evt *model.AlertEvent) error

// streamClient is the slice of go-redis the queue uses. *redis.Client
// satisfies it; tests substitute a fake.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XInfoGroups(ctx context.Context, stream string) *redis.XInfoGroupsCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
}

type Config struct {
	Stream           string
	DeadLetterStream string
	Group            string
	Consumer         string
	BatchSize        int64
	BlockTimeout     time.Duration
	MaxRetries       int
}

// GroupStats describes one consumer group on the event log.
type GroupStats struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	LastDeliveredID string `json:"last_delivered_id"`
}

type Stats struct {
	Length       int64        `json:"length"`
	Groups       []GroupStats `json:"groups"`
	TotalPending int64        `json:"total_pending"`
}

type Queue struct {
	cfg     Config
	client  streamClient
	emitter *event.Emitter
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	running  bool
	done     chan struct{}
}

func New(cfg Config, client *redis.Client, emitter *event.Emitter, log *logger.Logger, m *metrics.Metrics) *Queue {
	return newQueue(cfg, client, emitter, log, m)
}

func newQueue(cfg Config, client streamClient, emitter *event.Emitter, log *logger.Logger, m *metrics.Metrics) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Queue{
		cfg:      cfg,
		client:   client,
		emitter:  emitter,
		logger:   log,
		metrics:  m,
		handlers: make(map[string]HandlerFunc),
	}
}

// Initialize creates the consumer group at the tail of the event log. Safe to
// call repeatedly: an already-existing group is not an error, anything else
// is propagated.
func (q *Queue) Initialize(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", q.cfg.Group, err)
	}
	return nil
}

// RegisterHandler binds a handler to an event type. Events of a type with no
// handler are acknowledged and dropped.
func (q *Queue) RegisterHandler(eventType string, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[eventType] = h
}

// Enqueue appends the event to the durable log and returns the message id.
func (q *Queue) Enqueue(ctx context.Context, evt *model.AlertEvent) (string, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	vals, err := eventToValues(evt, "")
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	msgID, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: vals,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue event: %w", err)
	}

	if q.metrics != nil {
		q.metrics.EventsEnqueued.Inc()
	}
	q.emitter.Emit(event.EventQueued, event.Payload{
		"message_id": msgID,
		"event_id":   evt.ID,
		"type":       evt.Type,
	})
	return msgID, nil
}

// StartConsuming launches the consumer loop. It first drains this consumer's
// own pending entries (messages delivered before a crash but never acked),
// then reads new messages in batches.
func (q *Queue) StartConsuming(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.done = make(chan struct{})
	done := q.done
	q.mu.Unlock()

	go q.consume(ctx, done)
}

// StopConsuming signals the consumer loop to exit after its current read.
func (q *Queue) StopConsuming() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	q.running = false
	close(q.done)
}

func (q *Queue) consume(ctx context.Context, done chan struct{}) {
	q.logger.Info("queue consumer started", "consumer", q.cfg.Consumer, "group", q.cfg.Group)
	q.reclaimOwn(ctx, done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    q.cfg.BatchSize,
			Block:    q.cfg.BlockTimeout,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error(err, "failed to read from event log")
			q.emitter.Emit(event.ConsumerError, event.Payload{"error": err.Error()})
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg)
			}
		}
	}
}

// reclaimOwn re-reads messages already delivered to this consumer's name but
// left unacknowledged by a previous run. Reading with id "0" returns only
// this consumer's pending entries.
func (q *Queue) reclaimOwn(ctx context.Context, done chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, "0"},
			Count:    q.cfg.BatchSize,
		}).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			q.logger.Error(err, "failed to reclaim pending messages")
			return
		}

		total := 0
		for _, stream := range streams {
			total += len(stream.Messages)
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg)
			}
		}
		if total == 0 {
			return
		}
		q.logger.Info("reclaimed pending messages", "count", total)
	}
}

func (q *Queue) handleMessage(ctx context.Context, msg redis.XMessage) {
	evt, err := parseEvent(msg.Values)
	if err != nil {
		q.logger.Error(err, "dropping malformed message", "message_id", msg.ID)
		q.ack(ctx, msg.ID)
		if q.metrics != nil {
			q.metrics.EventsDropped.Inc()
		}
		return
	}

	q.mu.Lock()
	handler, ok := q.handlers[evt.Type]
	q.mu.Unlock()
	if !ok {
		// Explicit degradation, not a failure: nobody asked for this type.
		q.logger.Warn("no handler registered, dropping event", "type", evt.Type, "event_id", evt.ID)
		q.ack(ctx, msg.ID)
		if q.metrics != nil {
			q.metrics.EventsDropped.Inc()
		}
		return
	}

	if err := q.invoke(ctx, handler, evt); err != nil {
		q.handleFailure(ctx, msg.ID, evt, err)
		return
	}

	q.ack(ctx, msg.ID)
	if q.metrics != nil {
		q.metrics.EventsAcked.Inc()
	}
}

// invoke shields the consumer loop from handler panics.
func (q *Queue) invoke(ctx context.Context, h HandlerFunc, evt *model.AlertEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, evt)
}

// handleFailure increments the attempt count and either re-enqueues a fresh
// message (retry) or copies the event to the dead-letter stream. The original
// message is acknowledged in both paths; a retry is a new message, never a
// redelivery of the same id.
func (q *Queue) handleFailure(ctx context.Context, msgID string, evt *model.AlertEvent, handlerErr error) {
	evt.Attempts++

	if evt.Attempts < q.cfg.MaxRetries {
		vals, err := eventToValues(evt, handlerErr.Error())
		if err == nil {
			err = q.client.XAdd(ctx, &redis.XAddArgs{
				Stream: q.cfg.Stream,
				Values: vals,
			}).Err()
		}
		if err != nil {
			// Leave the original unacked so it is reclaimed later.
			q.logger.Error(err, "failed to re-enqueue event", "event_id", evt.ID)
			return
		}
		if q.metrics != nil {
			q.metrics.EventsRetried.Inc()
		}
		q.logger.Warn("event handling failed, re-enqueued",
			"event_id", evt.ID, "attempts", evt.Attempts, "error", handlerErr.Error())
		q.ack(ctx, msgID)
		return
	}

	if err := q.deadLetter(ctx, msgID, evt, handlerErr); err != nil {
		q.logger.Error(err, "failed to dead-letter event", "event_id", evt.ID)
		return
	}
	q.ack(ctx, msgID)
}

func (q *Queue) deadLetter(ctx context.Context, msgID string, evt *model.AlertEvent, handlerErr error) error {
	vals, err := eventToValues(evt, "")
	if err != nil {
		return err
	}
	vals["originalMessageId"] = msgID
	vals["error"] = handlerErr.Error()
	// The event's own timestamp stays under "timestamp"; the dead-letter
	// time gets its own key.
	vals["deadLetteredAt"] = time.Now().Format(time.RFC3339Nano)

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.DeadLetterStream,
		Values: vals,
	}).Err(); err != nil {
		return err
	}

	if q.metrics != nil {
		q.metrics.EventsDeadLettered.Inc()
	}
	q.emitter.Emit(event.EventDeadLetter, event.Payload{
		"event_id":            evt.ID,
		"original_message_id": msgID,
		"attempts":            evt.Attempts,
		"error":               handlerErr.Error(),
	})
	q.logger.Error(handlerErr, "event dead-lettered", "event_id", evt.ID, "attempts", evt.Attempts)
	return nil
}

func (q *Queue) ack(ctx context.Context, msgID string) {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, msgID).Err(); err != nil {
		q.logger.Error(err, "failed to ack message", "message_id", msgID)
	}
}

// GetStats reports log length, consumer-group descriptors and the aggregate
// pending count.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	length, err := q.client.XLen(ctx, q.cfg.Stream).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read stream length: %w", err)
	}

	stats := &Stats{Length: length}
	groups, err := q.client.XInfoGroups(ctx, q.cfg.Stream).Result()
	if err != nil {
		// A stream that has never been written to has no groups.
		if strings.Contains(err.Error(), "no such key") {
			return stats, nil
		}
		return nil, fmt.Errorf("failed to read consumer groups: %w", err)
	}
	for _, g := range groups {
		stats.Groups = append(stats.Groups, GroupStats{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
		})
		stats.TotalPending += g.Pending
	}
	return stats, nil
}

// Peek returns up to count records from the head of the event log without
// consuming them. The message id encodes the append time in milliseconds,
// which for a re-enqueued retry is the time of the failed attempt.
func (q *Queue) Peek(ctx context.Context, count int64) ([]*model.QueuedEvent, error) {
	msgs, err := q.client.XRangeN(ctx, q.cfg.Stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	queued := make([]*model.QueuedEvent, 0, len(msgs))
	for _, msg := range msgs {
		evt, err := parseEvent(msg.Values)
		if err != nil {
			q.logger.Warn("skipping malformed record", "message_id", msg.ID)
			continue
		}
		qe := &model.QueuedEvent{MessageID: msg.ID, Event: evt}
		if v, ok := msg.Values["lastError"].(string); ok {
			qe.LastError = v
		}
		if ms, err := strconv.ParseInt(strings.SplitN(msg.ID, "-", 2)[0], 10, 64); err == nil {
			qe.LastAttempt = time.UnixMilli(ms)
		}
		queued = append(queued, qe)
	}
	return queued, nil
}

// DeadLetters returns up to count records from the head of the dead-letter
// stream, for ops inspection.
func (q *Queue) DeadLetters(ctx context.Context, count int64) ([]*model.DeadLetter, error) {
	msgs, err := q.client.XRangeN(ctx, q.cfg.DeadLetterStream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter stream: %w", err)
	}

	letters := make([]*model.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		evt, err := parseEvent(msg.Values)
		if err != nil {
			q.logger.Warn("skipping malformed dead-letter record", "message_id", msg.ID)
			continue
		}
		dl := &model.DeadLetter{Event: evt}
		if v, ok := msg.Values["originalMessageId"].(string); ok {
			dl.OriginalMessageID = v
		}
		if v, ok := msg.Values["error"].(string); ok {
			dl.Error = v
		}
		if v, ok := msg.Values["deadLetteredAt"].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				dl.Timestamp = ts
			}
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

// eventToValues flattens an event into the persisted key/value layout.
func eventToValues(evt *model.AlertEvent, lastError string) (map[string]interface{}, error) {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, err
	}
	vals := map[string]interface{}{
		"id":        evt.ID,
		"type":      evt.Type,
		"data":      string(data),
		"priority":  string(evt.Priority),
		"timestamp": evt.Timestamp.Format(time.RFC3339Nano),
		"attempts":  strconv.Itoa(evt.Attempts),
	}
	if evt.FightID != "" {
		vals["fightId"] = evt.FightID
	}
	if evt.FighterID != "" {
		vals["fighterId"] = evt.FighterID
	}
	if evt.UserID != "" {
		vals["userId"] = evt.UserID
	}
	if lastError != "" {
		vals["lastError"] = lastError
	}
	return vals, nil
}

func parseEvent(values map[string]interface{}) (*model.AlertEvent, error) {
	str := func(key string) string {
		if v, ok := values[key].(string); ok {
			return v
		}
		return ""
	}

	evt := &model.AlertEvent{
		ID:        str("id"),
		Type:      str("type"),
		FightID:   str("fightId"),
		FighterID: str("fighterId"),
		UserID:    str("userId"),
		Priority:  model.Priority(str("priority")),
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, fmt.Errorf("record missing id or type")
	}

	if raw := str("data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &evt.Payload); err != nil {
			return nil, fmt.Errorf("malformed payload: %w", err)
		}
	}
	if raw := str("timestamp"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("malformed timestamp: %w", err)
		}
		evt.Timestamp = ts
	}
	if raw := str("attempts"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed attempt count: %w", err)
		}
		evt.Attempts = n
	}
	return evt, nil
}
