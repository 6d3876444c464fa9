package application

import (
	"github.com/verse-pbc/groups-relay/internal/config"
	"github.com/verse-pbc/groups-relay/internal/domain"
	"github.com/verse-pbc/groups-relay/internal/storage"
)

// DB returns the node's database instance.
func (n *Node) DB() *storage.DB {
	return n.db
}

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// GetValidator returns the node's plugin validator.
func (n *Node) GetValidator() domain.EventValidator {
	return n.Validator
}

// GetEventDispatcher returns the node's event dispatcher.
func (n *Node) GetEventDispatcher() *storage.EventDispatcher {
	return n.EventDispatcher
}

// GetGroupRouter returns the router that dispatches client events to the
// processor that owns the group they address.
func (n *Node) GetGroupRouter() domain.GroupRouter {
	return n.groupRouter
}

// GetGroupRegistry returns read-only access to live group state, used by
// the subscription engine to gate private-group reads.
func (n *Node) GetGroupRegistry() domain.GroupRegistry {
	return n.groupRegistry
}
