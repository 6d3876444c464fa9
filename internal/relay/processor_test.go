package relay

import (
	"strings"
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

func newTestProcessor(id string, g *Group) (*Processor, *[]*nostr.Event) {
	var broadcasted []*nostr.Event
	p := &Processor{
		id: id,
		deps: ProcessorDeps{
			Authorizer:   NewAuthorizer(""),
			Materializer: NewMaterializer("", ""),
			Broadcast: func(evt *nostr.Event) {
				broadcasted = append(broadcasted, evt)
			},
		},
		group: g,
	}
	p.snapshot.store(Snapshot{ID: id})
	return p, &broadcasted
}

func applyEvt(p *Processor, evt *nostr.Event, pubkey string) (bool, string) {
	cmd := &command{evt: *evt, auth: AuthState{Authenticated: true, Pubkey: pubkey}}
	return p.apply(cmd, zap.NewNop())
}

func TestProcessor_Apply_CreateGroup(t *testing.T) {
	p, broadcast := newTestProcessor("g1", nil)

	evt := &nostr.Event{Kind: 9007, PubKey: "admin1", CreatedAt: nostr.Timestamp(time.Now().Unix())}
	ok, reason := applyEvt(p, evt, "admin1")

	if !ok {
		t.Fatalf("expected create to succeed, got reason %q", reason)
	}
	if p.group == nil || !p.group.isAdmin("admin1") {
		t.Fatal("expected group created with admin1 as admin")
	}
	if len(*broadcast) != 1 {
		t.Errorf("expected the create event to be broadcast, got %d events", len(*broadcast))
	}
	if !p.snapshot.load().Exists() {
		t.Error("expected snapshot to reflect the newly created group")
	}
}

func TestProcessor_Apply_RemoveLastAdmin_Rejected(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	p, _ := newTestProcessor("g1", g)

	evt := &nostr.Event{Kind: 9001, PubKey: "admin1", Tags: nostr.Tags{{"p", "admin1"}}}
	ok, reason := applyEvt(p, evt, "admin1")

	if ok {
		t.Fatal("expected removing the last admin to be rejected")
	}
	if !strings.HasPrefix(reason, ReasonRestricted) {
		t.Errorf("expected restricted reason, got %q", reason)
	}
	if !g.isAdmin("admin1") {
		t.Error("expected admin1 to remain admin after a rejected removal")
	}
}

func TestProcessor_Apply_RemoveMember_Allowed(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	g.addMember("admin2", []string{"admin"})
	p, _ := newTestProcessor("g1", g)

	evt := &nostr.Event{Kind: 9001, PubKey: "admin1", Tags: nostr.Tags{{"p", "admin2"}}}
	ok, reason := applyEvt(p, evt, "admin1")

	if !ok {
		t.Fatalf("expected removal to succeed, got reason %q", reason)
	}
	if g.isMember("admin2") {
		t.Error("expected admin2 to be removed")
	}
}

func TestProcessor_Apply_EditMetadata(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	p, _ := newTestProcessor("g1", g)

	evt := &nostr.Event{Kind: 9002, PubKey: "admin1", Tags: nostr.Tags{{"name", "New Name"}, {"private"}}}
	ok, reason := applyEvt(p, evt, "admin1")

	if !ok {
		t.Fatalf("expected metadata edit to succeed, got reason %q", reason)
	}
	if g.Metadata.Name != "New Name" {
		t.Errorf("expected name updated, got %q", g.Metadata.Name)
	}
	if !g.Metadata.Private {
		t.Error("expected group to become private")
	}
}

func TestProcessor_Apply_JoinRequest_OpenGroup(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	p, _ := newTestProcessor("g1", g)

	evt := &nostr.Event{Kind: 9021, PubKey: "newcomer"}
	ok, reason := applyEvt(p, evt, "newcomer")

	if !ok {
		t.Fatalf("expected join to succeed, got reason %q", reason)
	}
	if !g.isMember("newcomer") {
		t.Error("expected newcomer to be added as a member of an open group")
	}
}

func TestProcessor_Apply_JoinRequest_ClosedGroup_QueuesRequest(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	g.Metadata.Closed = true
	p, _ := newTestProcessor("g1", g)

	evt := &nostr.Event{Kind: 9021, PubKey: "newcomer"}
	ok, _ := applyEvt(p, evt, "newcomer")

	if !ok {
		t.Fatal("expected the join request itself to be accepted and queued")
	}
	if g.isMember("newcomer") {
		t.Error("expected newcomer to not be a member of a closed group without an invite")
	}
	if len(g.JoinRequests) != 1 || g.JoinRequests[0] != "newcomer" {
		t.Errorf("expected newcomer queued in join requests, got %v", g.JoinRequests)
	}
}

func TestProcessor_Apply_JoinRequest_ConsumesInvite(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	g.Metadata.Closed = true
	g.Invites["invite1"] = &Invite{Code: "invite1", CreatorPubkey: "admin1", RolesGranted: []string{"moderator"}}
	p, _ := newTestProcessor("g1", g)

	evt := &nostr.Event{Kind: 9021, PubKey: "newcomer", Tags: nostr.Tags{{"code", "invite1"}}}
	ok, reason := applyEvt(p, evt, "newcomer")

	if !ok {
		t.Fatalf("expected invite-backed join to succeed, got reason %q", reason)
	}
	if !g.isMember("newcomer") {
		t.Error("expected newcomer added as a member via invite")
	}
	if g.Invites["invite1"].ConsumedBy != "newcomer" {
		t.Errorf("expected invite marked consumed by newcomer, got %q", g.Invites["invite1"].ConsumedBy)
	}
}

func TestProcessor_Apply_JoinRequest_ExistingMemberNotQueued(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	g.Metadata.Closed = true
	g.addMember("member1", nil)
	p, _ := newTestProcessor("g1", g)

	evt := &nostr.Event{Kind: 9021, PubKey: "member1"}
	ok, reason := applyEvt(p, evt, "member1")

	if !ok {
		t.Fatalf("expected the request itself to be accepted, got reason %q", reason)
	}
	if len(g.JoinRequests) != 0 {
		t.Errorf("expected an already-member's join request to not be queued, got %v", g.JoinRequests)
	}
}

func TestProcessor_Apply_LeaveRequest(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	g.addMember("member1", nil)
	p, _ := newTestProcessor("g1", g)

	evt := &nostr.Event{Kind: 9022, PubKey: "member1"}
	ok, _ := applyEvt(p, evt, "member1")

	if !ok {
		t.Fatal("expected leave to succeed")
	}
	if g.isMember("member1") {
		t.Error("expected member1 to be removed after leaving")
	}
}

func TestProcessor_Apply_GroupContent_BroadcastsWithoutStateChange(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	p, broadcast := newTestProcessor("g1", g)

	evt := &nostr.Event{Kind: 9, PubKey: "admin1", Content: "hello"}
	ok, reason := applyEvt(p, evt, "admin1")

	if !ok {
		t.Fatalf("expected content event to be accepted, got reason %q", reason)
	}
	if len(*broadcast) != 1 || (*broadcast)[0].Content != "hello" {
		t.Errorf("expected the content event broadcast verbatim, got %v", *broadcast)
	}
}

func TestProcessor_Apply_DeleteGroup(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	p, _ := newTestProcessor("g1", g)

	evt := &nostr.Event{Kind: 9008, PubKey: "admin1"}
	ok, reason := applyEvt(p, evt, "admin1")

	if !ok {
		t.Fatalf("expected delete-group to succeed, got reason %q", reason)
	}
	if !g.Deleted {
		t.Error("expected group marked deleted")
	}
}

func TestProcessor_Apply_CreateInvite_MissingCode_Rejected(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	p, _ := newTestProcessor("g1", g)

	evt := &nostr.Event{Kind: 9009, PubKey: "admin1"}
	ok, reason := applyEvt(p, evt, "admin1")

	if ok {
		t.Fatal("expected invite creation without a code tag to be rejected")
	}
	if !strings.HasPrefix(reason, ReasonInvalid) {
		t.Errorf("expected invalid reason, got %q", reason)
	}
}

func TestProcessor_Apply_Unauthenticated_Rejected(t *testing.T) {
	g := newGroup("g1", "admin1", time.Now())
	p, _ := newTestProcessor("g1", g)

	evt := &nostr.Event{Kind: 9, PubKey: "admin1"}
	cmd := &command{evt: *evt, auth: AuthState{}}
	ok, reason := p.apply(cmd, zap.NewNop())

	if ok {
		t.Fatal("expected unauthenticated command to be rejected")
	}
	if !strings.HasPrefix(reason, ReasonAuthRequired) {
		t.Errorf("expected auth-required reason, got %q", reason)
	}
}

func TestTagValues(t *testing.T) {
	evt := &nostr.Event{Tags: nostr.Tags{{"p", "alice"}, {"p", "bob"}, {"e", "eventid"}}}
	got := tagValues(evt, "p")
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("tagValues() = %v", got)
	}
}

func TestFirstTagValue(t *testing.T) {
	evt := &nostr.Event{Tags: nostr.Tags{{"code", "abc123"}}}
	if got := firstTagValue(evt, "code"); got != "abc123" {
		t.Errorf("firstTagValue() = %q, want %q", got, "abc123")
	}
	if got := firstTagValue(evt, "missing"); got != "" {
		t.Errorf("firstTagValue() for missing key = %q, want empty", got)
	}
}

func TestRolesForTarget(t *testing.T) {
	evt := &nostr.Event{Tags: nostr.Tags{{"p", "alice", "Admin"}, {"p", "bob"}}}

	roles := rolesForTarget(evt, "alice")
	if len(roles) != 2 || roles[0] != "member" || roles[1] != "admin" {
		t.Errorf("rolesForTarget(alice) = %v, expected roles lowercased", roles)
	}

	roles = rolesForTarget(evt, "bob")
	if len(roles) != 1 || roles[0] != "member" {
		t.Errorf("rolesForTarget(bob) = %v", roles)
	}
}

func TestApplyMetadataEdit(t *testing.T) {
	m := &Metadata{Private: true, Closed: true}
	evt := &nostr.Event{Tags: nostr.Tags{{"public"}, {"open"}, {"about", "a new description"}}}

	applyMetadataEdit(m, evt)

	if m.Private {
		t.Error("expected 'public' tag to clear Private")
	}
	if m.Closed {
		t.Error("expected 'open' tag to clear Closed")
	}
	if m.About != "a new description" {
		t.Errorf("expected About updated, got %q", m.About)
	}
}

func TestReasonPrefix(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{ReasonInvalid + "bad event", ReasonInvalid},
		{ReasonAuthRequired + "no auth", ReasonAuthRequired},
		{ReasonRestricted + "not admin", ReasonRestricted},
		{ReasonBlocked + "group missing", ReasonBlocked},
		{ReasonError + "store down", ReasonError},
		{"totally unrecognized", "unknown: "},
	}
	for _, tt := range tests {
		if got := reasonPrefix(tt.reason); got != tt.want {
			t.Errorf("reasonPrefix(%q) = %q, want %q", tt.reason, got, tt.want)
		}
	}
}
