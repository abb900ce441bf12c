// Package rooms tracks which participants are currently members of which
// room.
//
// A room is a named rendezvous point: signaling fans out to the other members
// of the sender's current room. Rooms are ephemeral per call; the registry is
// process-lifetime state only and starts empty on every restart.
package rooms

import "sync"

// Registry maps room identifiers to their current member sets.
//
// M is the participant handle type (typically a pointer to the broker's
// per-connection peer). Any string is a valid room identifier; rooms are
// created implicitly on first join and reaped when their member set empties.
//
// All methods are safe for concurrent use. Mutations and reads share one
// mutex, so every membership snapshot handed out reflects all joins and
// leaves ordered before it. Room cardinality is expected to be low (one room
// per active call), so a single lock is sufficient.
type Registry[M comparable] struct {
	mu      sync.Mutex
	rooms   map[string]map[M]struct{}
	current map[M]string
}

func NewRegistry[M comparable]() *Registry[M] {
	return &Registry[M]{
		rooms:   make(map[string]map[M]struct{}),
		current: make(map[M]string),
	}
}

// Join adds m to roomID, creating the room if it does not exist yet, and
// returns the other members that were present at the moment of the join.
// The returned slice is the fan-out set for a peer-joined notification; it
// never contains m itself.
//
// Re-joining the current room is idempotent. Joining a different room moves
// the membership: m is removed from its old room first. The old room's
// remaining members are not notified of the departure; this mirrors the
// observed relay behavior and is a known gap rather than a guarantee.
func (r *Registry[M]) Join(roomID string, m M) []M {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.current[m]; ok {
		if prev == roomID {
			return r.othersLocked(roomID, m)
		}
		r.removeLocked(prev, m)
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[M]struct{})
		r.rooms[roomID] = members
	}

	others := make([]M, 0, len(members))
	for other := range members {
		others = append(others, other)
	}

	members[m] = struct{}{}
	r.current[m] = roomID
	return others
}

// Leave removes m from whatever room it currently belongs to and reports the
// room it left. It is a no-op when m is not in any room.
func (r *Registry[M]) Leave(m M) (roomID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok = r.current[m]
	if !ok {
		return "", false
	}
	r.removeLocked(roomID, m)
	return roomID, true
}

// Peers returns the other members of m's current room. It returns nil when m
// is not in any room, which callers treat as "drop silently".
func (r *Registry[M]) Peers(m M) []M {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.current[m]
	if !ok {
		return nil
	}
	return r.othersLocked(roomID, m)
}

// PeersOf returns the members of roomID excluding except.
func (r *Registry[M]) PeersOf(roomID string, except M) []M {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.othersLocked(roomID, except)
}

// RoomOf returns the identifier of m's current room.
func (r *Registry[M]) RoomOf(m M) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.current[m]
	return roomID, ok
}

// Rooms returns the number of rooms with at least one member.
func (r *Registry[M]) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Members returns the current member count of roomID (0 for unknown rooms).
func (r *Registry[M]) Members(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomID])
}

func (r *Registry[M]) othersLocked(roomID string, except M) []M {
	members := r.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	others := make([]M, 0, len(members))
	for other := range members {
		if other == except {
			continue
		}
		others = append(others, other)
	}
	if len(others) == 0 {
		return nil
	}
	return others
}

func (r *Registry[M]) removeLocked(roomID string, m M) {
	delete(r.current, m)
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, m)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}
