package relay

import (
	"testing"
	"time"
)

func TestNewGroup(t *testing.T) {
	created := time.Now()
	g := newGroup("group1", "creatorpubkey", created)

	if g.ID != "group1" {
		t.Errorf("expected ID %q, got %q", "group1", g.ID)
	}
	if !g.isAdmin("creatorpubkey") {
		t.Error("expected creator to be admin")
	}
	if g.adminCount() != 1 {
		t.Errorf("expected 1 admin, got %d", g.adminCount())
	}
	if g.Deleted {
		t.Error("expected new group to not be deleted")
	}
}

func TestGroup_AddRemoveMember(t *testing.T) {
	g := newGroup("group1", "admin1", time.Now())

	g.addMember("member1", []string{"moderator"})
	if !g.isMember("member1") {
		t.Fatal("expected member1 to be a member")
	}
	if g.isAdmin("member1") {
		t.Error("member1 should not be admin")
	}

	g.removeMember("member1")
	if g.isMember("member1") {
		t.Error("expected member1 to be removed")
	}
}

func TestGroup_AddMember_ClearsJoinRequest(t *testing.T) {
	g := newGroup("group1", "admin1", time.Now())
	g.JoinRequests = []string{"pending1", "pending2"}

	g.addMember("pending1", nil)

	if len(g.JoinRequests) != 1 || g.JoinRequests[0] != "pending2" {
		t.Errorf("expected pending1 removed from join requests, got %v", g.JoinRequests)
	}
}

func TestGroup_RemoveFromJoinRequests_NotPresent(t *testing.T) {
	g := newGroup("group1", "admin1", time.Now())
	g.JoinRequests = []string{"pending1"}

	g.removeFromJoinRequests("someoneelse")

	if len(g.JoinRequests) != 1 {
		t.Errorf("expected join requests unaffected, got %v", g.JoinRequests)
	}
}

func TestGroup_AddMember_LowercasesAndDedupesRoles(t *testing.T) {
	g := newGroup("group1", "admin1", time.Now())

	g.addMember("member1", []string{"Moderator", "MODERATOR", "moderator"})

	roles := g.Members["member1"]
	if len(roles) != 1 || !roles["moderator"] {
		t.Errorf("expected a single deduped lowercase 'moderator' role, got %v", roles)
	}
}

func TestGroup_AddMember_AdminRoleIsCaseInsensitive(t *testing.T) {
	g := newGroup("group1", "admin1", time.Now())

	g.addMember("member1", []string{"Admin"})

	if !g.isAdmin("member1") {
		t.Error("expected an 'Admin' role tag to be recognized as the admin role")
	}
}

func TestGroup_AdminCount_LastAdmin(t *testing.T) {
	g := newGroup("group1", "admin1", time.Now())
	g.addMember("admin2", []string{"admin"})

	if g.adminCount() != 2 {
		t.Fatalf("expected 2 admins, got %d", g.adminCount())
	}

	g.removeMember("admin2")
	if g.adminCount() != 1 {
		t.Errorf("expected 1 admin remaining, got %d", g.adminCount())
	}
}

func TestGroup_Snapshot(t *testing.T) {
	g := newGroup("group1", "admin1", time.Now())
	g.addMember("member1", []string{"moderator"})
	g.Metadata.Private = true

	snap := g.snapshot()

	if !snap.Exists() {
		t.Error("expected snapshot to exist")
	}
	if snap.IsDeleted() {
		t.Error("expected snapshot to not be deleted")
	}
	if !snap.IsPrivate() {
		t.Error("expected snapshot to reflect private metadata")
	}
	if !snap.IsAdmin("admin1") {
		t.Error("expected admin1 to remain admin in snapshot")
	}
	if !snap.IsMember("member1") {
		t.Error("expected member1 to be a member in snapshot")
	}
	if snap.IsMember("stranger") {
		t.Error("expected stranger to not be a member")
	}
}

func TestGroup_Snapshot_IsIndependentCopy(t *testing.T) {
	g := newGroup("group1", "admin1", time.Now())
	snap := g.snapshot()

	// Mutating the live group after taking a snapshot must not affect it.
	g.addMember("member1", []string{"moderator"})

	if snap.IsMember("member1") {
		t.Error("snapshot should not observe mutations made after it was taken")
	}
}

func TestSnapshot_Zero_NotLoaded(t *testing.T) {
	var snap Snapshot
	if snap.Exists() {
		t.Error("expected zero-value snapshot to report not existing")
	}
}
