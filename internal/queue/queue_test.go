package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, server *miniredis.Miniredis, clock func() time.Time) *Queue {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	queue, err := New(Config{Client: client, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	return queue
}

func TestAppendReadAck(t *testing.T) {
	server := miniredis.RunT(t)
	queue := newTestQueue(t, server, nil)
	ctx := context.Background()

	if _, err := queue.Append(ctx, Event{Room: "text:demo", Action: ActionActivity, AppType: "text"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := queue.Append(ctx, Event{Room: "text:demo", Action: ActionEmpty, AppType: "text"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	entries, err := queue.Read(ctx, "worker-1", 10, -1)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Room != "text:demo" || entries[1].Action != ActionEmpty || entries[1].AppType != "text" {
		t.Fatalf("unexpected entry %+v", entries[1])
	}
	if entries[0].Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be decoded")
	}

	again, err := queue.Read(ctx, "worker-1", 10, -1)
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("delivered entries must not be redelivered to new reads, got %d", len(again))
	}

	if err := queue.Ack(ctx, entries[0].ID, entries[1].ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	pending, err := queue.client.XPending(ctx, DefaultStream, DefaultGroup).Result()
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending entries after ack, got %d", pending.Count)
	}
}

func TestAppendRejectsInvalidEvents(t *testing.T) {
	server := miniredis.RunT(t)
	queue := newTestQueue(t, server, nil)
	if _, err := queue.Append(context.Background(), Event{Action: ActionActivity}); !errors.Is(err, errMissingRoom) {
		t.Fatalf("expected missing room error, got %v", err)
	}
	if _, err := queue.Append(context.Background(), Event{Room: "r", Action: "joined"}); !errors.Is(err, errUnknownAction) {
		t.Fatalf("expected unknown action error, got %v", err)
	}
}

func TestReadFlagsMalformedEntries(t *testing.T) {
	server := miniredis.RunT(t)
	queue := newTestQueue(t, server, nil)
	ctx := context.Background()

	if err := queue.client.XAdd(ctx, &redis.XAddArgs{Stream: DefaultStream, Values: map[string]interface{}{"foo": "bar"}}).Err(); err != nil {
		t.Fatalf("raw append failed: %v", err)
	}
	entries, err := queue.Read(ctx, "worker-1", 10, -1)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(entries) != 1 || !errors.Is(entries[0].Err, ErrMalformedEntry) {
		t.Fatalf("expected one malformed entry, got %+v", entries)
	}
}

func TestRecentActivityAndLatestAction(t *testing.T) {
	server := miniredis.RunT(t)
	queue := newTestQueue(t, server, nil)
	ctx := context.Background()

	for _, event := range []Event{
		{Room: "text:live", Action: ActionActivity},
		{Room: "text:gone", Action: ActionEmpty},
	} {
		if _, err := queue.Append(ctx, event); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	live, err := queue.RecentActivity(ctx, "text:live", time.Minute, 50)
	if err != nil || !live {
		t.Fatalf("expected recent activity for text:live, got %v err=%v", live, err)
	}
	gone, err := queue.RecentActivity(ctx, "text:gone", time.Minute, 50)
	if err != nil || gone {
		t.Fatalf("empty entries must not count as activity, got %v err=%v", gone, err)
	}

	latest, found, err := queue.LatestAction(ctx, "text:gone", 50)
	if err != nil || !found || latest.Action != ActionEmpty {
		t.Fatalf("expected latest action empty, got %+v found=%v err=%v", latest, found, err)
	}
	if _, found, _ := queue.LatestAction(ctx, "text:never", 50); found {
		t.Fatalf("unexpected entry for unknown room")
	}
}

func TestRecentActivityIgnoresOldEntries(t *testing.T) {
	server := miniredis.RunT(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	server.SetTime(now.Add(-2 * time.Minute))
	queue := newTestQueue(t, server, func() time.Time { return now })

	if _, err := queue.Append(context.Background(), Event{Room: "text:stale", Action: ActionActivity}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	active, err := queue.RecentActivity(context.Background(), "text:stale", time.Minute, 50)
	if err != nil || active {
		t.Fatalf("activity older than the window must not count, got %v err=%v", active, err)
	}
}

func TestMaintainTrimsByAge(t *testing.T) {
	server := miniredis.RunT(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := newTestQueue(t, server, func() time.Time { return now })
	ctx := context.Background()

	server.SetTime(now.Add(-30 * time.Hour))
	for i := 0; i < 3; i++ {
		if _, err := queue.Append(ctx, Event{Room: "text:old", Action: ActionActivity}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	server.SetTime(now)
	for i := 0; i < 2; i++ {
		if _, err := queue.Append(ctx, Event{Room: "text:new", Action: ActionActivity}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	result, err := queue.Maintain(ctx, MaintenanceOptions{MaxLength: 10000, MaxAge: 24 * time.Hour, PendingGrace: 2 * time.Hour})
	if err != nil {
		t.Fatalf("maintain failed: %v", err)
	}
	if result.Trimmed != 3 {
		t.Fatalf("expected 3 trimmed entries, got %+v", result)
	}
	length, _ := queue.client.XLen(ctx, DefaultStream).Result()
	if length != 2 {
		t.Fatalf("expected 2 entries left, got %d", length)
	}
}

func TestMaintainTrimsByLength(t *testing.T) {
	server := miniredis.RunT(t)
	queue := newTestQueue(t, server, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := queue.Append(ctx, Event{Room: "text:busy", Action: ActionActivity}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	result, err := queue.Maintain(ctx, MaintenanceOptions{MaxLength: 2, MaxAge: 24 * time.Hour})
	if err != nil {
		t.Fatalf("maintain failed: %v", err)
	}
	if result.Trimmed != 3 {
		t.Fatalf("expected 3 trimmed entries, got %+v", result)
	}
}

func TestMaintainKeepsPendingWithinGrace(t *testing.T) {
	server := miniredis.RunT(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	current := now
	queue := newTestQueue(t, server, func() time.Time { return current })
	ctx := context.Background()
	options := MaintenanceOptions{MaxLength: 10000, MaxAge: 24 * time.Hour, PendingGrace: 2 * time.Hour}

	server.SetTime(now.Add(-30 * time.Hour))
	if _, err := queue.Append(ctx, Event{Room: "text:retry", Action: ActionEmpty}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	server.SetTime(now.Add(-time.Hour))
	entries, err := queue.Read(ctx, "worker-1", 10, -1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected to claim the entry, got %d err=%v", len(entries), err)
	}
	server.SetTime(now)

	result, err := queue.Maintain(ctx, options)
	if err != nil {
		t.Fatalf("maintain failed: %v", err)
	}
	if result.Reclaimed != 0 || result.Trimmed != 0 {
		t.Fatalf("pending entry within grace must survive, got %+v", result)
	}

	current = now.Add(2 * time.Hour)
	server.SetTime(current)
	result, err = queue.Maintain(ctx, options)
	if err != nil {
		t.Fatalf("maintain failed: %v", err)
	}
	if result.Reclaimed != 1 || result.Trimmed != 1 {
		t.Fatalf("stale pending entry should be reclaimed and trimmed, got %+v", result)
	}
}

func TestCompareIDs(t *testing.T) {
	if CompareIDs("5-1", "5-2") >= 0 || CompareIDs("10-0", "9-5") <= 0 || CompareIDs("3-3", "3-3") != 0 {
		t.Fatalf("unexpected id ordering")
	}
	at, err := IDTime("1700000000000-4")
	if err != nil || at.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected id time %v err=%v", at, err)
	}
}
