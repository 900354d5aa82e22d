package runtime

import (
	"sync"

	"rescue-chat/contract"
	"rescue-chat/domain"
	"rescue-chat/domain/event"
)

// ConnID identifies a single live connection. A user may hold several
// connections at once (one per tab or device).
type ConnID string

// Registry tracks live connections, the user each one authenticated as,
// and the rooms each one joined. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	sinks map[ConnID]contract.EventSink
	owner map[ConnID]domain.UserID
	users map[domain.UserID]map[ConnID]struct{}
	rooms map[event.Room]map[ConnID]struct{}
	conns map[ConnID]map[event.Room]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sinks: make(map[ConnID]contract.EventSink),
		owner: make(map[ConnID]domain.UserID),
		users: make(map[domain.UserID]map[ConnID]struct{}),
		rooms: make(map[event.Room]map[ConnID]struct{}),
		conns: make(map[ConnID]map[event.Room]struct{}),
	}
}

// Register adds an anonymous connection. It replaces any sink previously
// registered under the same id.
func (r *Registry) Register(id ConnID, sink contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[id] = sink
}

// Bind associates a connection with the user it authenticated as.
func (r *Registry) Bind(id ConnID, userID domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sinks[id]; !ok {
		return
	}
	r.owner[id] = userID
	set, ok := r.users[userID]
	if !ok {
		set = make(map[ConnID]struct{})
		r.users[userID] = set
	}
	set[id] = struct{}{}
}

// Owner reports which user a connection authenticated as.
func (r *Registry) Owner(id ConnID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.owner[id]
	return userID, ok
}

// JoinRoom subscribes a connection to a room.
func (r *Registry) JoinRoom(id ConnID, room event.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sinks[id]; !ok {
		return
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[ConnID]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}

	joined, ok := r.conns[id]
	if !ok {
		joined = make(map[event.Room]struct{})
		r.conns[id] = joined
	}
	joined[room] = struct{}{}
}

// LeaveRoom unsubscribes a connection from a room. Empty room sets are
// dropped so the maps only ever hold live state.
func (r *Registry) LeaveRoom(id ConnID, room event.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveRoomLocked(id, room)
}

func (r *Registry) leaveRoomLocked(id ConnID, room event.Room) {
	if members, ok := r.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.conns[id]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.conns, id)
		}
	}
}

// Remove drops a connection and everything attached to it: its sink, its
// room memberships and its slot in the owning user's connection set.
// Removing an unknown id is a no-op.
func (r *Registry) Remove(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.conns[id] {
		if members, ok := r.rooms[room]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.conns, id)
	if userID, ok := r.owner[id]; ok {
		if set, ok := r.users[userID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.users, userID)
			}
		}
		delete(r.owner, id)
	}
	delete(r.sinks, id)
}

// Sink returns the event sink of a single connection.
func (r *Registry) Sink(id ConnID) (contract.EventSink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sinks[id]
	return sink, ok
}

// RoomSinks returns the sinks of every room member, minus the excluded
// connection and minus every connection owned by the excluded user.
func (r *Registry) RoomSinks(room event.Room, exceptConn ConnID, exceptUser domain.UserID) []contract.EventSink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	sinks := make([]contract.EventSink, 0, len(members))
	for id := range members {
		if id == exceptConn {
			continue
		}
		if exceptUser != "" && r.owner[id] == exceptUser {
			continue
		}
		if sink, ok := r.sinks[id]; ok {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}

// ConnectionCount reports the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// UserConnectionCount reports how many connections a user currently holds.
func (r *Registry) UserConnectionCount(userID domain.UserID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}
