package domain

import (
	"context"
	"time"

	"github.com/verse-pbc/groups-relay/internal/config"
	"github.com/verse-pbc/groups-relay/internal/storage"
	nostr "github.com/nbd-wtf/go-nostr"
)

// NodeInterface defines the core capabilities required by the relay.
type NodeInterface interface {
	// Database access
	DB() *storage.DB

	// Configuration access
	Config() *config.Config

	// Event processing
	// BroadcastEvent(ctx context.Context, evt *nostr.Event) error
	// QueryEvents(filter nostr.Filter) ([]nostr.Event, error)

	// Connection management
	RegisterConn(conn WebSocketConnection)
	UnregisterConn(conn WebSocketConnection)
	GetActiveConnectionCount() int64
	GetConnectionCount() int        // For health checks
	GetStartTime() time.Time        // For health checks

	// Validation
	GetValidator() EventValidator

	// Event dispatcher access
	GetEventDispatcher() *storage.EventDispatcher

	// Group routing and state access
	GetGroupRouter() GroupRouter
	GetGroupRegistry() GroupRegistry
}

// GroupRouter accepts a signature-checked client event and returns the
// OK outcome once the event's owning group has authorized and applied it.
// Implemented by internal/relay.Router; declared here, rather than
// imported, to avoid a cycle (relay already depends on domain).
type GroupRouter interface {
	Route(ctx context.Context, evt nostr.Event, actorPubkey string, authenticated bool) (accepted bool, reason string)
}

// GroupSnapshot is a read-only view of a single group's state, used by the
// subscription engine to gate private-group reads.
type GroupSnapshot interface {
	Exists() bool
	IsDeleted() bool
	IsPrivate() bool
	IsMember(pubkey string) bool
}

// GroupRegistry looks up the current snapshot for a group by id.
type GroupRegistry interface {
	GroupSnapshot(groupID string) (GroupSnapshot, bool)
}

// EventDispatcherClient represents a client that receives real-time event notifications
type EventDispatcherClient interface {
	// AddEventDispatcherClient registers the client for real-time event notifications
	AddEventDispatcherClient(clientID string) chan *nostr.Event

	// RemoveEventDispatcherClient unregisters the client from real-time event notifications
	RemoveEventDispatcherClient(clientID string)
}
