package presence

import (
	"errors"
	"testing"
)

func encodeStates(states map[uint64]string, clock uint64) []byte {
	entries := make([]entry, 0, len(states))
	for clientID, state := range states {
		entries = append(entries, entry{clientID: clientID, clock: clock, state: []byte(state)})
	}
	return encode(entries)
}

func TestApplyUpdateTracksAddedAndUpdated(t *testing.T) {
	awareness := New()

	change, err := awareness.ApplyUpdate(encodeStates(map[uint64]string{7: `{"user":"a"}`}, 1), "conn-1")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(change.Added) != 1 || change.Added[0] != 7 {
		t.Fatalf("expected client 7 added, got %+v", change)
	}

	change, err = awareness.ApplyUpdate(encodeStates(map[uint64]string{7: `{"user":"b"}`}, 2), "conn-1")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(change.Updated) != 1 {
		t.Fatalf("expected client 7 updated, got %+v", change)
	}

	stale, err := awareness.ApplyUpdate(encodeStates(map[uint64]string{7: `{"user":"old"}`}, 1), "conn-1")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !stale.Empty() {
		t.Fatalf("stale clock should be ignored, got %+v", stale)
	}
	state, ok := awareness.State(7)
	if !ok || string(state) != `{"user":"b"}` {
		t.Fatalf("unexpected state %q", state)
	}
}

func TestRemoveOriginDropsControlledClients(t *testing.T) {
	awareness := New()
	if _, err := awareness.ApplyUpdate(encodeStates(map[uint64]string{1: `{}`, 2: `{}`}, 1), "conn-a"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := awareness.ApplyUpdate(encodeStates(map[uint64]string{3: `{}`}, 1), "conn-b"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	removed := awareness.RemoveOrigin("conn-a")
	if len(removed) != 2 || removed[0] != 1 || removed[1] != 2 {
		t.Fatalf("expected clients 1 and 2 removed, got %v", removed)
	}
	active := awareness.ActiveClients()
	if len(active) != 1 || active[0] != 3 {
		t.Fatalf("expected only client 3 active, got %v", active)
	}

	peer := New()
	if _, err := peer.ApplyUpdate(encodeStates(map[uint64]string{1: `{}`}, 1), ""); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	change, err := peer.ApplyUpdate(awareness.EncodeUpdate(removed), "")
	if err != nil {
		t.Fatalf("apply removal failed: %v", err)
	}
	if len(change.Removed) != 1 || change.Removed[0] != 1 {
		t.Fatalf("peer should drop client 1, got %+v", change)
	}
}

func TestApplyUpdateRejectsTruncatedPayload(t *testing.T) {
	payload := encodeStates(map[uint64]string{9: `{"cursor":4}`}, 3)
	_, err := New().ApplyUpdate(payload[:len(payload)-3], "conn")
	if !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("expected ErrMalformedUpdate, got %v", err)
	}
}
