package relay

import (
	"testing"
	"time"

	"github.com/verse-pbc/groups-relay/internal/config"
	"github.com/verse-pbc/groups-relay/internal/domain"
	"github.com/verse-pbc/groups-relay/internal/storage"
	nostr "github.com/nbd-wtf/go-nostr"
)

// fakeGroupRegistry lets tests stub group snapshots without spinning up a
// real Registry and its owning processor goroutines.
type fakeGroupRegistry struct {
	snapshots map[string]Snapshot
}

func (f *fakeGroupRegistry) GroupSnapshot(groupID string) (domain.GroupSnapshot, bool) {
	s, ok := f.snapshots[groupID]
	if !ok {
		return nil, false
	}
	return s, true
}

// fakeNode implements domain.NodeInterface with the bare minimum needed to
// exercise authorizedForGroupRead; every unused method is a zero-value stub.
type fakeNode struct {
	registry domain.GroupRegistry
}

func (f *fakeNode) DB() *storage.DB                                { return nil }
func (f *fakeNode) Config() *config.Config                         { return nil }
func (f *fakeNode) RegisterConn(conn domain.WebSocketConnection)   {}
func (f *fakeNode) UnregisterConn(conn domain.WebSocketConnection) {}
func (f *fakeNode) GetActiveConnectionCount() int64                { return 0 }
func (f *fakeNode) GetConnectionCount() int                        { return 0 }
func (f *fakeNode) GetStartTime() time.Time                        { return time.Time{} }
func (f *fakeNode) GetValidator() domain.EventValidator             { return nil }
func (f *fakeNode) GetEventDispatcher() *storage.EventDispatcher    { return nil }
func (f *fakeNode) GetGroupRouter() domain.GroupRouter              { return nil }
func (f *fakeNode) GetGroupRegistry() domain.GroupRegistry          { return f.registry }

func newTestConnection(registry domain.GroupRegistry) *WsConnection {
	return &WsConnection{node: &fakeNode{registry: registry}}
}

func TestAuthorizedForGroupRead_NoGroupTag_AlwaysAllowed(t *testing.T) {
	c := newTestConnection(&fakeGroupRegistry{})
	evt := &nostr.Event{Kind: 1}

	if !c.authorizedForGroupRead(evt, "anyone") {
		t.Error("expected events with no h tag to pass through unfiltered")
	}
}

func TestAuthorizedForGroupRead_UnknownGroup_AllowedThrough(t *testing.T) {
	c := newTestConnection(&fakeGroupRegistry{snapshots: map[string]Snapshot{}})
	evt := &nostr.Event{Kind: 9, Tags: nostr.Tags{{"h", "g1"}}}

	if !c.authorizedForGroupRead(evt, "anyone") {
		t.Error("expected a group the registry has no record of to pass through unfiltered")
	}
}

func TestAuthorizedForGroupRead_PublicGroup_AllowedThrough(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	registry := &fakeGroupRegistry{snapshots: map[string]Snapshot{"g1": g.snapshot()}}
	c := newTestConnection(registry)
	evt := &nostr.Event{Kind: 9, Tags: nostr.Tags{{"h", "g1"}}}

	if !c.authorizedForGroupRead(evt, "stranger") {
		t.Error("expected a public group's content to be readable by anyone")
	}
}

func TestAuthorizedForGroupRead_PrivateGroup_MemberAllowed(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	g.Metadata.Private = true
	g.addMember("member1", nil)
	registry := &fakeGroupRegistry{snapshots: map[string]Snapshot{"g1": g.snapshot()}}
	c := newTestConnection(registry)
	evt := &nostr.Event{Kind: 9, Tags: nostr.Tags{{"h", "g1"}}}

	if !c.authorizedForGroupRead(evt, "member1") {
		t.Error("expected a member to read a private group's content")
	}
}

func TestAuthorizedForGroupRead_PrivateGroup_NonMemberRejected(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	g.Metadata.Private = true
	registry := &fakeGroupRegistry{snapshots: map[string]Snapshot{"g1": g.snapshot()}}
	c := newTestConnection(registry)
	evt := &nostr.Event{Kind: 9, Tags: nostr.Tags{{"h", "g1"}}}

	if c.authorizedForGroupRead(evt, "stranger") {
		t.Error("expected a non-member to be rejected from reading a private group's content")
	}
	if c.authorizedForGroupRead(evt, "") {
		t.Error("expected an unauthenticated reader to be rejected from a private group's content")
	}
}
