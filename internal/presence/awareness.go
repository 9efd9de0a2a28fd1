// Package presence tracks ephemeral per-client awareness states (cursors,
// selections, user names) using the y-protocols awareness wire layout:
// varuint count, then per entry varuint clientID, varuint clock, varstring JSON.
package presence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrMalformedUpdate = errors.New("presence: malformed awareness update")

var nullState = []byte("null")

// Change lists the client ids touched by an update.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// IDs returns every touched client id.
func (c Change) IDs() []uint64 {
	ids := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	return append(ids, c.Removed...)
}

// Empty reports whether the update changed nothing.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type clientState struct {
	clock uint64
	state []byte
}

// Awareness holds the presence states of one room.
type Awareness struct {
	mu         sync.Mutex
	clients    map[uint64]clientState
	controlled map[string]map[uint64]struct{}
}

func New() *Awareness {
	return &Awareness{
		clients:    make(map[uint64]clientState),
		controlled: make(map[string]map[uint64]struct{}),
	}
}

type entry struct {
	clientID uint64
	clock    uint64
	state    []byte
}

// ApplyUpdate merges an encoded update. Client ids carried by the update are
// recorded as controlled by origin so they can be dropped when it disconnects.
func (a *Awareness) ApplyUpdate(update []byte, origin string) (Change, error) {
	entries, err := decode(update)
	if err != nil {
		return Change{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var change Change
	for _, incoming := range entries {
		current, known := a.clients[incoming.clientID]
		removal := isNull(incoming.state)
		currentlyActive := known && current.state != nil
		accept := !known || current.clock < incoming.clock ||
			(current.clock == incoming.clock && removal && currentlyActive)
		if !accept {
			continue
		}

		if origin != "" && !removal {
			owned, ok := a.controlled[origin]
			if !ok {
				owned = make(map[uint64]struct{})
				a.controlled[origin] = owned
			}
			owned[incoming.clientID] = struct{}{}
		}

		switch {
		case removal:
			a.clients[incoming.clientID] = clientState{clock: incoming.clock}
			if currentlyActive {
				change.Removed = append(change.Removed, incoming.clientID)
			}
		case !currentlyActive:
			a.clients[incoming.clientID] = clientState{clock: incoming.clock, state: incoming.state}
			change.Added = append(change.Added, incoming.clientID)
		default:
			a.clients[incoming.clientID] = clientState{clock: incoming.clock, state: incoming.state}
			change.Updated = append(change.Updated, incoming.clientID)
		}
	}
	return change, nil
}

// RemoveOrigin marks every client controlled by origin as offline and returns
// their ids.
func (a *Awareness) RemoveOrigin(origin string) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	owned := a.controlled[origin]
	delete(a.controlled, origin)

	removed := make([]uint64, 0, len(owned))
	for clientID := range owned {
		current, ok := a.clients[clientID]
		if !ok || current.state == nil {
			continue
		}
		a.clients[clientID] = clientState{clock: current.clock + 1}
		removed = append(removed, clientID)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed
}

// ActiveClients returns the ids with a live state, sorted.
func (a *Awareness) ActiveClients() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.clients))
	for clientID, current := range a.clients {
		if current.state != nil {
			ids = append(ids, clientID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// State returns the JSON state of a client.
func (a *Awareness) State(clientID uint64) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	current, ok := a.clients[clientID]
	if !ok || current.state == nil {
		return nil, false
	}
	return append([]byte(nil), current.state...), true
}

// EncodeUpdate encodes the given clients. Removed clients are encoded with a
// null state so peers drop them.
func (a *Awareness) EncodeUpdate(clientIDs []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := make([]entry, 0, len(clientIDs))
	for _, clientID := range clientIDs {
		current, ok := a.clients[clientID]
		if !ok {
			continue
		}
		state := current.state
		if state == nil {
			state = nullState
		}
		entries = append(entries, entry{clientID: clientID, clock: current.clock, state: state})
	}
	return encode(entries)
}

func isNull(state []byte) bool {
	return len(state) == 0 || string(state) == string(nullState)
}

func encode(entries []entry) []byte {
	out := binary.AppendUvarint(nil, uint64(len(entries)))
	for _, item := range entries {
		out = binary.AppendUvarint(out, item.clientID)
		out = binary.AppendUvarint(out, item.clock)
		out = binary.AppendUvarint(out, uint64(len(item.state)))
		out = append(out, item.state...)
	}
	return out
}

func decode(update []byte) ([]entry, error) {
	reader := &varReader{buf: update}
	count, err := reader.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(update)) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformedUpdate, count)
	}
	entries := make([]entry, 0, count)
	for i := uint64(0); i < count; i++ {
		clientID, err := reader.uvarint()
		if err != nil {
			return nil, err
		}
		clock, err := reader.uvarint()
		if err != nil {
			return nil, err
		}
		state, err := reader.bytes()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{clientID: clientID, clock: clock, state: state})
	}
	return entries, nil
}

type varReader struct {
	buf []byte
	pos int
}

func (r *varReader) uvarint() (uint64, error) {
	value, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, ErrMalformedUpdate
	}
	r.pos += n
	return value, nil
}

func (r *varReader) bytes() ([]byte, error) {
	length, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(len(r.buf)-r.pos) {
		return nil, ErrMalformedUpdate
	}
	out := append([]byte(nil), r.buf[r.pos:r.pos+int(length)]...)
	r.pos += int(length)
	return out, nil
}
