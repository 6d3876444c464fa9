package relay

import (
	"strings"
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

func evtFrom(pubkey string, kind int) *nostr.Event {
	return &nostr.Event{PubKey: pubkey, Kind: kind}
}

func TestAuthorize_RejectsUnauthenticated(t *testing.T) {
	a := NewAuthorizer("")
	evt := evtFrom("alice", 9)
	ok, reason := a.Authorize(evt, nil, AuthState{})
	if ok {
		t.Fatal("expected unauthenticated event to be rejected")
	}
	if !strings.HasPrefix(reason, ReasonAuthRequired) {
		t.Errorf("expected auth-required reason, got %q", reason)
	}
}

func TestAuthorize_RejectsMismatchedPubkey(t *testing.T) {
	a := NewAuthorizer("")
	evt := evtFrom("alice", 9)
	ok, reason := a.Authorize(evt, nil, AuthState{Authenticated: true, Pubkey: "bob"})
	if ok {
		t.Fatal("expected mismatched session pubkey to be rejected")
	}
	if !strings.HasPrefix(reason, ReasonAuthRequired) {
		t.Errorf("expected auth-required reason, got %q", reason)
	}
}

func TestAuthorize_CreateGroup(t *testing.T) {
	a := NewAuthorizer("")
	auth := AuthState{Authenticated: true, Pubkey: "alice"}

	t.Run("succeeds when group does not exist", func(t *testing.T) {
		evt := evtFrom("alice", 9007)
		ok, reason := a.Authorize(evt, nil, auth)
		if !ok {
			t.Fatalf("expected create to succeed, got reason %q", reason)
		}
	})

	t.Run("succeeds when group was previously deleted", func(t *testing.T) {
		g := newGroup("g1", "alice", time.Now())
		g.Deleted = true
		evt := evtFrom("alice", 9007)
		ok, _ := a.Authorize(evt, g, auth)
		if !ok {
			t.Fatal("expected create over a deleted group to succeed")
		}
	})

	t.Run("rejects when group already exists", func(t *testing.T) {
		g := newGroup("g1", "alice", time.Now())
		evt := evtFrom("alice", 9007)
		ok, reason := a.Authorize(evt, g, auth)
		if ok {
			t.Fatal("expected create over an existing group to fail")
		}
		if !strings.HasPrefix(reason, ReasonBlocked) {
			t.Errorf("expected blocked reason, got %q", reason)
		}
	})
}

func TestAuthorize_AdminOnlyCommands(t *testing.T) {
	a := NewAuthorizer("")
	g := newGroup("g1", "admin1", time.Now())
	g.addMember("member1", nil)

	for _, kind := range []int{9000, 9001, 9002, 9008, 9009} {
		t.Run("admin succeeds", func(t *testing.T) {
			evt := evtFrom("admin1", kind)
			ok, reason := a.Authorize(evt, g, AuthState{Authenticated: true, Pubkey: "admin1"})
			if !ok {
				t.Errorf("kind %d: expected admin to be authorized, got reason %q", kind, reason)
			}
		})

		t.Run("non-admin rejected", func(t *testing.T) {
			evt := evtFrom("member1", kind)
			ok, reason := a.Authorize(evt, g, AuthState{Authenticated: true, Pubkey: "member1"})
			if ok {
				t.Errorf("kind %d: expected non-admin to be rejected", kind)
			}
			if !strings.HasPrefix(reason, ReasonRestricted) {
				t.Errorf("kind %d: expected restricted reason, got %q", kind, reason)
			}
		})

		t.Run("missing group rejected", func(t *testing.T) {
			evt := evtFrom("admin1", kind)
			ok, reason := a.Authorize(evt, nil, AuthState{Authenticated: true, Pubkey: "admin1"})
			if ok {
				t.Errorf("kind %d: expected missing group to be rejected", kind)
			}
			if !strings.HasPrefix(reason, ReasonBlocked) {
				t.Errorf("kind %d: expected blocked reason, got %q", kind, reason)
			}
		})
	}
}

func TestAuthorize_OperatorBypassesAdminRequirement(t *testing.T) {
	a := NewAuthorizer("Operator1")
	g := newGroup("g1", "admin1", time.Now())

	evt := evtFrom("operator1", 9002)
	ok, reason := a.Authorize(evt, g, AuthState{Authenticated: true, Pubkey: "operator1"})
	if !ok {
		t.Fatalf("expected operator to bypass admin requirement (case-insensitively), got reason %q", reason)
	}
}

func TestAuthorize_JoinRequest(t *testing.T) {
	a := NewAuthorizer("")
	g := newGroup("g1", "admin1", time.Now())

	evt := evtFrom("newcomer", 9021)
	ok, reason := a.Authorize(evt, g, AuthState{Authenticated: true, Pubkey: "newcomer"})
	if !ok {
		t.Fatalf("expected join request from a non-member to succeed, got reason %q", reason)
	}
}

func TestAuthorize_LeaveRequest(t *testing.T) {
	a := NewAuthorizer("")
	g := newGroup("g1", "admin1", time.Now())
	g.addMember("member1", nil)

	t.Run("member can leave", func(t *testing.T) {
		evt := evtFrom("member1", 9022)
		ok, _ := a.Authorize(evt, g, AuthState{Authenticated: true, Pubkey: "member1"})
		if !ok {
			t.Fatal("expected member to be able to leave")
		}
	})

	t.Run("non-member cannot leave", func(t *testing.T) {
		evt := evtFrom("stranger", 9022)
		ok, reason := a.Authorize(evt, g, AuthState{Authenticated: true, Pubkey: "stranger"})
		if ok {
			t.Fatal("expected non-member leave request to be rejected")
		}
		if !strings.HasPrefix(reason, ReasonRestricted) {
			t.Errorf("expected restricted reason, got %q", reason)
		}
	})
}

func TestAuthorize_GroupContent(t *testing.T) {
	a := NewAuthorizer("")

	t.Run("open group accepts anyone", func(t *testing.T) {
		g := newGroup("g1", "admin1", time.Now())
		evt := evtFrom("stranger", 9)
		ok, reason := a.Authorize(evt, g, AuthState{Authenticated: true, Pubkey: "stranger"})
		if !ok {
			t.Fatalf("expected open group to accept any poster, got reason %q", reason)
		}
	})

	t.Run("closed group requires membership", func(t *testing.T) {
		g := newGroup("g1", "admin1", time.Now())
		g.Metadata.Closed = true
		evt := evtFrom("stranger", 9)
		ok, reason := a.Authorize(evt, g, AuthState{Authenticated: true, Pubkey: "stranger"})
		if ok {
			t.Fatal("expected closed group to reject a non-member poster")
		}
		if !strings.HasPrefix(reason, ReasonRestricted) {
			t.Errorf("expected restricted reason, got %q", reason)
		}
	})

	t.Run("closed group accepts members", func(t *testing.T) {
		g := newGroup("g1", "admin1", time.Now())
		g.Metadata.Closed = true
		g.addMember("member1", nil)
		evt := evtFrom("member1", 9)
		ok, reason := a.Authorize(evt, g, AuthState{Authenticated: true, Pubkey: "member1"})
		if !ok {
			t.Fatalf("expected closed group to accept a member poster, got reason %q", reason)
		}
	})

	t.Run("nonexistent group rejected", func(t *testing.T) {
		evt := evtFrom("stranger", 9)
		ok, reason := a.Authorize(evt, nil, AuthState{Authenticated: true, Pubkey: "stranger"})
		if ok {
			t.Fatal("expected content addressed to a nonexistent group to be rejected")
		}
		if !strings.HasPrefix(reason, ReasonBlocked) {
			t.Errorf("expected blocked reason, got %q", reason)
		}
	})
}
