package relay

import (
	"strings"
	"time"
)

// Metadata holds the editable descriptive fields of a group, set by
// kind 9007 (create) and kind 9002 (edit-metadata).
type Metadata struct {
	Name    string
	About   string
	Picture string
	Private bool
	Closed  bool
}

// Invite is a relay-registered code minted by kind 9009 that grants
// membership to whoever redeems it in a kind 9021 join request.
type Invite struct {
	Code         string
	CreatorPubkey string
	RolesGranted []string
	ConsumedBy   string
}

// Group is the live, mutable record of a single NIP-29 group. A Group
// value is owned exclusively by the Processor goroutine that was created
// for its ID; nothing else may read or write its fields directly. Other
// goroutines only ever see a Snapshot, built from a Group under the
// owning processor's control.
type Group struct {
	ID        string
	CreatedAt time.Time
	Deleted   bool

	Metadata Metadata

	// Members maps pubkey -> lowercase role name -> present. "admin" is
	// the only role the authorizer treats specially; any other role
	// name is carried through to the materialized role list as-is.
	Members map[string]map[string]bool

	Invites map[string]*Invite

	// JoinRequests holds pubkeys with a pending, unapproved kind 9021
	// request against a closed group, in arrival order.
	JoinRequests []string
}

// roleAdmin is the only role name the authorizer treats specially. Roles
// are matched case-insensitively, so every role token is lowercased
// before it is stored.
const roleAdmin = "admin"

func newGroup(id, creatorPubkey string, createdAt time.Time) *Group {
	return &Group{
		ID:        id,
		CreatedAt: createdAt,
		Members: map[string]map[string]bool{
			creatorPubkey: {roleAdmin: true},
		},
		Invites: make(map[string]*Invite),
	}
}

func (g *Group) isMember(pubkey string) bool {
	_, ok := g.Members[pubkey]
	return ok
}

func (g *Group) isAdmin(pubkey string) bool {
	roles, ok := g.Members[pubkey]
	return ok && roles[roleAdmin]
}

func (g *Group) adminCount() int {
	n := 0
	for _, roles := range g.Members {
		if roles[roleAdmin] {
			n++
		}
	}
	return n
}

// addMember grants pubkey the given roles, lowercasing and deduping them
// (role matching is case-insensitive; canonical form is lowercase).
func (g *Group) addMember(pubkey string, roles []string) {
	set, ok := g.Members[pubkey]
	if !ok {
		set = make(map[string]bool)
		g.Members[pubkey] = set
	}
	for _, r := range roles {
		set[strings.ToLower(r)] = true
	}
	g.removeFromJoinRequests(pubkey)
}

func (g *Group) removeMember(pubkey string) {
	delete(g.Members, pubkey)
}

func (g *Group) removeFromJoinRequests(pubkey string) {
	if len(g.JoinRequests) == 0 {
		return
	}
	out := g.JoinRequests[:0]
	for _, p := range g.JoinRequests {
		if p != pubkey {
			out = append(out, p)
		}
	}
	g.JoinRequests = out
}

// Snapshot is an immutable, point-in-time copy of a group's state, safe to
// hand to readers (subscription-time privacy gating, cross-goroutine
// authorization checks) without synchronizing with the owning processor.
type Snapshot struct {
	Loaded    bool
	ID        string
	Deleted   bool
	Metadata  Metadata
	Members   map[string]map[string]bool
	AdminSet  map[string]bool
}

func (g *Group) snapshot() Snapshot {
	members := make(map[string]map[string]bool, len(g.Members))
	admins := make(map[string]bool)
	for pk, roles := range g.Members {
		rc := make(map[string]bool, len(roles))
		for r, v := range roles {
			rc[r] = v
		}
		members[pk] = rc
		if roles[roleAdmin] {
			admins[pk] = true
		}
	}
	return Snapshot{
		Loaded:   true,
		ID:       g.ID,
		Deleted:  g.Deleted,
		Metadata: g.Metadata,
		Members:  members,
		AdminSet: admins,
	}
}

// IsMember reports whether pubkey holds any role in the snapshot.
func (s Snapshot) IsMember(pubkey string) bool {
	_, ok := s.Members[pubkey]
	return ok
}

// IsAdmin reports whether pubkey holds the admin role in the snapshot.
func (s Snapshot) IsAdmin(pubkey string) bool {
	return s.AdminSet[pubkey]
}

// Exists reports whether this snapshot reflects a group that has actually
// been created, satisfying domain.GroupSnapshot.
func (s Snapshot) Exists() bool { return s.Loaded }

// IsDeleted reports whether the group was tombstoned by a kind 9008 event.
func (s Snapshot) IsDeleted() bool { return s.Deleted }

// IsPrivate reports whether the group's metadata marks it private.
func (s Snapshot) IsPrivate() bool { return s.Metadata.Private }
