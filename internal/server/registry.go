package server

import "sync"

// Registry maps (room, participant) to the live client bound to it. Rooms
// are kept as a nested map so a broadcast only walks its own room.
//
// The hub goroutine is the only writer; the lock keeps readers such as the
// stats endpoint consistent with it.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]*Client),
	}
}

// Bind records client under key, replacing any earlier entry. The displaced
// client is returned when it differs from client.
func (r *Registry) Bind(key Key, client *Client) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[key.Room]
	if !ok {
		members = make(map[string]*Client)
		r.rooms[key.Room] = members
	}

	previous := members[key.Participant]
	members[key.Participant] = client
	if previous == client {
		return nil
	}
	return previous
}

// Unbind removes the entry for key only while it still belongs to client,
// so a late close from a replaced socket cannot evict its successor.
func (r *Registry) Unbind(key Key, client *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[key.Room]
	if !ok {
		return false
	}
	if current, exists := members[key.Participant]; !exists || current != client {
		return false
	}

	delete(members, key.Participant)
	if len(members) == 0 {
		delete(r.rooms, key.Room)
	}
	return true
}

// Lookup returns the client bound to key.
func (r *Registry) Lookup(key Key) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.rooms[key.Room][key.Participant]
	return client, ok
}

// Peers returns a snapshot of every client in room except the one bound to
// exclude.
func (r *Registry) Peers(room string, exclude Key) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	peers := make([]*Client, 0, len(members))
	for participant, client := range members {
		if room == exclude.Room && participant == exclude.Participant {
			continue
		}
		peers = append(peers, client)
	}
	return peers
}

// Len returns the number of bound entries across all rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, members := range r.rooms {
		n += len(members)
	}
	return n
}

// Rooms returns the number of rooms with at least one entry.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// RoomSize returns the number of entries in room.
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}
