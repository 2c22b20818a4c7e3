package membership

import (
	"context"
	"sync"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
)

// memoryStore implements Store with an in-process map. Membership is not
// shared between instances, so this is only suitable for single-node
// deployments and unit tests.
type memoryStore struct {
	common.Component
	mu    sync.RWMutex
	rooms map[string]map[string]bool
}

// CreateInMemoryStore define an in-process membership store
func CreateInMemoryStore() Store {
	logTags := log.Fields{"module": "membership", "component": "in-memory"}
	return &memoryStore{
		Component: common.Component{LogTags: logTags},
		rooms:     make(map[string]map[string]bool),
	}
}

// Join add a user to a room's membership set
func (s *memoryStore) Join(ctxt context.Context, room, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[room] == nil {
		s.rooms[room] = make(map[string]bool)
	}
	s.rooms[room][username] = true
	return nil
}

// Leave remove a user from a room's membership set
func (s *memoryStore) Leave(ctxt context.Context, room, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.rooms[room]; ok {
		delete(members, username)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	return nil
}

// IsMember check whether a user is currently in a room's membership set
func (s *memoryStore) IsMember(ctxt context.Context, room, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[room][username], nil
}

// Members fetch the current membership set of a room
func (s *memoryStore) Members(ctxt context.Context, room string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]string, 0, len(s.rooms[room]))
	for username := range s.rooms[room] {
		members = append(members, username)
	}
	return members, nil
}

// Ping verify the backing store is reachable
func (s *memoryStore) Ping(ctxt context.Context) error {
	return nil
}
