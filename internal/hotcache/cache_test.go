package hotcache

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/crdt"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, server *miniredis.Miniredis, instanceID string) *Cache {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), DB: 1})
	cache, err := New(Config{Client: client, Namespace: "text", InstanceID: instanceID})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Destroy() })
	return cache
}

func textUpdate(t *testing.T, value string) []byte {
	t.Helper()
	document := crdt.New()
	if err := document.SetText("quill", value); err != nil {
		t.Fatalf("failed to build update: %v", err)
	}
	return document.EncodeStateAsUpdate(nil)
}

func TestBindStateRejectsSecondBinding(t *testing.T) {
	server := miniredis.RunT(t)
	cache := newTestCache(t, server, "instance-a")
	ctx := context.Background()

	if _, err := cache.BindState(ctx, "text:demo", crdt.New()); err != nil {
		t.Fatalf("first bind failed: %v", err)
	}
	if _, err := cache.BindState(ctx, "text:demo", crdt.New()); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
	cache.Unbind("text:demo")
	if _, err := cache.BindState(ctx, "text:demo", crdt.New()); err != nil {
		t.Fatalf("rebind after unbind failed: %v", err)
	}
}

func TestBindStateReplaysCachedUpdates(t *testing.T) {
	server := miniredis.RunT(t)
	cache := newTestCache(t, server, "instance-a")
	ctx := context.Background()

	if err := cache.Client().RPush(ctx, UpdatesKey("text:demo"), textUpdate(t, "cached")).Err(); err != nil {
		t.Fatalf("failed to seed list: %v", err)
	}
	document := crdt.New()
	if _, err := cache.BindState(ctx, "text:demo", document); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if document.Text("quill") != "cached" {
		t.Fatalf("expected cached text to be replayed, got %q", document.Text("quill"))
	}
}

func TestBindStatePushesSeededDocument(t *testing.T) {
	server := miniredis.RunT(t)
	cache := newTestCache(t, server, "instance-a")

	seeded, err := crdt.FromUpdate(textUpdate(t, "from store"))
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	if _, err := cache.BindState(context.Background(), "text:seeded", seeded); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	entries, err := server.DB(1).List(UpdatesKey("text:seeded"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected the seeded state in the list, got %d entries err=%v", len(entries), err)
	}
}

func TestPublishReachesOtherInstancesOnly(t *testing.T) {
	server := miniredis.RunT(t)
	cacheA := newTestCache(t, server, "instance-a")
	cacheB := newTestCache(t, server, "instance-b")
	ctx := context.Background()

	bindingA, err := cacheA.BindState(ctx, "text:demo", crdt.New())
	if err != nil {
		t.Fatalf("bind A failed: %v", err)
	}
	documentB := crdt.New()
	bindingB, err := cacheB.BindState(ctx, "text:demo", documentB)
	if err != nil {
		t.Fatalf("bind B failed: %v", err)
	}

	if err := bindingA.Publish(ctx, textUpdate(t, "U1")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case update := <-bindingB.Remote():
		if len(update) == 0 {
			t.Fatalf("expected a non-empty remote update")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected remote update on instance B")
	}
	if documentB.Text("quill") != "U1" {
		t.Fatalf("expected instance B document to contain U1, got %q", documentB.Text("quill"))
	}

	select {
	case <-bindingA.Remote():
		t.Fatal("publisher should not receive its own update")
	case <-time.After(200 * time.Millisecond):
	}

	entries, err := server.DB(1).List(UpdatesKey("text:demo"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one cached update, got %d err=%v", len(entries), err)
	}
}

func TestDiscoverRoomsSkipsInternalKeys(t *testing.T) {
	server := miniredis.RunT(t)
	cache := newTestCache(t, server, "instance-a")
	ctx := context.Background()

	for _, key := range []string{"text:a:updates", "text:b:updates", "y:internal:updates", "text:a:meta"} {
		if err := cache.Client().RPush(ctx, key, "x").Err(); err != nil {
			t.Fatalf("failed to seed %s: %v", key, err)
		}
	}
	rooms, err := cache.DiscoverRooms(ctx, 2)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	sort.Strings(rooms)
	if len(rooms) != 2 || rooms[0] != "text:a" || rooms[1] != "text:b" {
		t.Fatalf("unexpected rooms %v", rooms)
	}
}

func TestDeleteRoomRemovesOnlyThatRoom(t *testing.T) {
	server := miniredis.RunT(t)
	cache := newTestCache(t, server, "instance-a")
	ctx := context.Background()

	neighbours := []string{"text:ab:updates", "text:a:b:updates"}
	for _, key := range append([]string{"text:a:updates"}, neighbours...) {
		if err := cache.Client().RPush(ctx, key, "x").Err(); err != nil {
			t.Fatalf("failed to seed %s: %v", key, err)
		}
	}
	deleted, err := cache.DeleteRoom(ctx, "text:a")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 key deleted, got %d", deleted)
	}
	if server.DB(1).Exists("text:a:updates") {
		t.Fatalf("room updates should be gone")
	}
	for _, key := range neighbours {
		if !server.DB(1).Exists(key) {
			t.Fatalf("neighbouring room %s must survive", key)
		}
	}
}

func TestReleaseLeavesNewerBindingInPlace(t *testing.T) {
	server := miniredis.RunT(t)
	cache := newTestCache(t, server, "instance-a")
	ctx := context.Background()

	stale, err := cache.BindState(ctx, "text:demo", crdt.New())
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	cache.Unbind("text:demo")
	current, err := cache.BindState(ctx, "text:demo", crdt.New())
	if err != nil {
		t.Fatalf("rebind failed: %v", err)
	}

	stale.Release()
	if bound, ok := cache.Lookup("text:demo"); !ok || bound != current {
		t.Fatalf("releasing a stale binding must not unbind the current one")
	}

	current.Release()
	if _, ok := cache.Lookup("text:demo"); ok {
		t.Fatalf("releasing the current binding should unbind the room")
	}
	select {
	case _, open := <-current.Remote():
		if open {
			t.Fatalf("remote channel should be closed after release")
		}
	case <-time.After(time.Second):
		t.Fatalf("remote channel was not closed after release")
	}
}
