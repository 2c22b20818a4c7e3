// Package membership tracks which users are currently connected to which
// rooms. The store is shared between gateway instances, so every instance
// sees the same membership regardless of which instance a user connected to.
package membership

import "context"

// Store per-room membership sets backed by a shared store.
//
// All operations are atomic against the backing store. An unreachable store
// returns a common.DependencyError; implementations never answer "member" or
// "not member" from a failed call.
type Store interface {
	// Join add a user to a room's membership set. Joining twice is a no-op.
	Join(ctxt context.Context, room, username string) error
	// Leave remove a user from a room's membership set. Leaving a room the
	// user is not in is a no-op.
	Leave(ctxt context.Context, room, username string) error
	// IsMember check whether a user is currently in a room's membership set
	IsMember(ctxt context.Context, room, username string) (bool, error)
	// Members fetch the current membership set of a room
	Members(ctxt context.Context, room string) ([]string, error)
	// Ping verify the backing store is reachable
	Ping(ctxt context.Context) error
}
