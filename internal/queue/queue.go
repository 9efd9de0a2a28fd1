// Package queue is the coordination channel between gateways and persistence
// workers: an append-only Redis stream read through a consumer group.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultStream = "y:worker"
	DefaultGroup  = "workers"

	fieldRoom      = "room"
	fieldAction    = "action"
	fieldAppType   = "appType"
	fieldTimestamp = "timestamp"
)

// Action is the lifecycle signal carried by an entry.
type Action string

const (
	ActionActivity Action = "activity"
	ActionEmpty    Action = "empty"
)

var (
	ErrMalformedEntry = errors.New("queue: malformed entry")
	errMissingClient  = errors.New("queue: redis client is required")
	errMissingRoom    = errors.New("queue: room is required")
	errUnknownAction  = errors.New("queue: unknown action")
)

// Event is what producers append.
type Event struct {
	Room      string
	Action    Action
	AppType   string
	Timestamp time.Time
}

// Entry is a consumed event. Err is set for entries that could not be decoded;
// they still carry an ID so they can be acknowledged.
type Entry struct {
	ID string
	Event
	Err error
}

// Config configures a Queue.
type Config struct {
	Client *redis.Client
	Stream string
	Group  string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Queue appends to and consumes from the work stream.
type Queue struct {
	client *redis.Client
	stream string
	group  string
	clock  func() time.Time
	logger *zap.Logger
}

func New(cfg Config) (*Queue, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	group := cfg.Group
	if group == "" {
		group = DefaultGroup
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client: cfg.Client,
		stream: stream,
		group:  group,
		clock:  clock,
		logger: logger,
	}, nil
}

func (q *Queue) Stream() string {
	return q.stream
}

// Append writes one event and returns its stream id.
func (q *Queue) Append(ctx context.Context, event Event) (string, error) {
	if strings.TrimSpace(event.Room) == "" {
		return "", errMissingRoom
	}
	if event.Action != ActionActivity && event.Action != ActionEmpty {
		return "", fmt.Errorf("%w: %q", errUnknownAction, event.Action)
	}
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = q.clock()
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			fieldRoom:      event.Room,
			fieldAction:    string(event.Action),
			fieldAppType:   event.AppType,
			fieldTimestamp: timestamp.UTC().Format(time.RFC3339Nano),
		},
	}).Result()
}

// EnsureGroup creates the consumer group and the stream when missing.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Read fetches up to count new entries for the consumer, blocking up to block.
// A missing group is created on the fly.
func (q *Queue) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	args := &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}
	streams, err := q.client.XReadGroup(ctx, args).Result()
	if err != nil && isNoGroup(err) {
		q.logger.Info("creating consumer group", zap.String("stream", q.stream), zap.String("group", q.group))
		if groupErr := q.EnsureGroup(ctx); groupErr != nil {
			return nil, groupErr
		}
		streams, err = q.client.XReadGroup(ctx, args).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, stream := range streams {
		for _, message := range stream.Messages {
			entries = append(entries, decodeEntry(message))
		}
	}
	return entries, nil
}

// Ack acknowledges processed entries.
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return q.client.XAck(ctx, q.stream, q.group, ids...).Err()
}

// RecentActivity reports whether an activity entry for room was appended
// within window among the newest scan entries.
func (q *Queue) RecentActivity(ctx context.Context, room string, window time.Duration, scan int64) (bool, error) {
	messages, err := q.client.XRevRangeN(ctx, q.stream, "+", "-", scan).Result()
	if err != nil {
		return false, err
	}
	threshold := q.clock().Add(-window)
	for _, message := range messages {
		entry := decodeEntry(message)
		if entry.Err != nil || entry.Room != room || entry.Action != ActionActivity {
			continue
		}
		appended, err := IDTime(entry.ID)
		if err != nil {
			continue
		}
		if !appended.Before(threshold) {
			return true, nil
		}
	}
	return false, nil
}

// LatestAction returns the newest action recorded for room among the newest
// scan entries.
func (q *Queue) LatestAction(ctx context.Context, room string, scan int64) (Entry, bool, error) {
	messages, err := q.client.XRevRangeN(ctx, q.stream, "+", "-", scan).Result()
	if err != nil {
		return Entry{}, false, err
	}
	for _, message := range messages {
		entry := decodeEntry(message)
		if entry.Err == nil && entry.Room == room {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

// IDTime extracts the append time encoded in a stream id.
func IDTime(id string) (time.Time, error) {
	millis, _, _ := strings.Cut(id, "-")
	value, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: parse id %q: %w", id, err)
	}
	return time.UnixMilli(value), nil
}

// CompareIDs orders two stream ids.
func CompareIDs(left, right string) int {
	leftMillis, leftSeq := splitID(left)
	rightMillis, rightSeq := splitID(right)
	switch {
	case leftMillis < rightMillis:
		return -1
	case leftMillis > rightMillis:
		return 1
	case leftSeq < rightSeq:
		return -1
	case leftSeq > rightSeq:
		return 1
	default:
		return 0
	}
}

func splitID(id string) (uint64, uint64) {
	millisText, seqText, _ := strings.Cut(id, "-")
	millis, _ := strconv.ParseUint(millisText, 10, 64)
	seq, _ := strconv.ParseUint(seqText, 10, 64)
	return millis, seq
}

func decodeEntry(message redis.XMessage) Entry {
	entry := Entry{ID: message.ID}
	room, _ := message.Values[fieldRoom].(string)
	action, _ := message.Values[fieldAction].(string)
	appType, _ := message.Values[fieldAppType].(string)
	entry.Room = room
	entry.Action = Action(action)
	entry.AppType = appType
	if raw, ok := message.Values[fieldTimestamp].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.Timestamp = parsed
		}
	}
	switch {
	case strings.TrimSpace(room) == "":
		entry.Err = fmt.Errorf("%w: missing room", ErrMalformedEntry)
	case entry.Action != ActionActivity && entry.Action != ActionEmpty:
		entry.Err = fmt.Errorf("%w: action %q", ErrMalformedEntry, action)
	}
	return entry
}

func isNoGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "NOGROUP")
}
