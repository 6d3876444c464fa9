package relay

import (
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

func newSignedMaterializer(t *testing.T) (*Materializer, string) {
	t.Helper()
	privkey := nostr.GeneratePrivateKey()
	pubkey, err := nostr.GetPublicKey(privkey)
	if err != nil {
		t.Fatalf("failed to derive pubkey: %v", err)
	}
	return NewMaterializer(privkey, pubkey), pubkey
}

// hasTag reports whether evt carries a tag whose first element is name.
func hasTag(evt *nostr.Event, name string) bool {
	for _, tag := range evt.Tags {
		if len(tag) > 0 && tag[0] == name {
			return true
		}
	}
	return false
}

// pTagValues returns the second element of every "p" tag on evt.
func pTagValues(evt *nostr.Event) []string {
	var out []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			out = append(out, tag[1])
		}
	}
	return out
}

func TestMaterializer_Build_ProducesFourSignedKinds(t *testing.T) {
	m, relayPubkey := newSignedMaterializer(t)
	g := newGroup("g1", "admin1", time.Now())
	g.addMember("member1", []string{"member"})

	events := m.Build(g)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}

	wantKinds := []int{39000, 39001, 39002, 39003}
	for i, evt := range events {
		if evt == nil {
			t.Fatalf("event %d: expected non-nil event when relay key is configured", i)
		}
		if evt.Kind != wantKinds[i] {
			t.Errorf("event %d: expected kind %d, got %d", i, wantKinds[i], evt.Kind)
		}
		if evt.PubKey != relayPubkey {
			t.Errorf("event %d: expected relay pubkey %q, got %q", i, relayPubkey, evt.PubKey)
		}
		if evt.ID == "" || evt.Sig == "" {
			t.Errorf("event %d: expected signed event with id and sig set", i)
		}
		ok, err := evt.CheckSignature()
		if err != nil || !ok {
			t.Errorf("event %d: expected valid signature, ok=%v err=%v", i, ok, err)
		}
		if got := getDTag(evt); got != g.ID {
			t.Errorf("event %d: expected d tag %q, got %q", i, g.ID, got)
		}
	}
}

func TestMaterializer_Build_NoKeyConfigured_ReturnsNilEvents(t *testing.T) {
	m := NewMaterializer("", "")
	g := newGroup("g1", "admin1", time.Now())

	events := m.Build(g)
	for i, evt := range events {
		if evt != nil {
			t.Errorf("event %d: expected nil when no relay key is configured, got %+v", i, evt)
		}
	}
}

func TestMaterializer_MetadataEvent_PrivacyAndOpenness(t *testing.T) {
	m, _ := newSignedMaterializer(t)

	t.Run("public open group", func(t *testing.T) {
		g := newGroup("g1", "admin1", time.Now())
		evt := m.metadataEvent(g)
		if !hasTag(evt, "public") {
			t.Error("expected 'public' tag on a non-private group")
		}
		if !hasTag(evt, "open") {
			t.Error("expected 'open' tag on a non-closed group")
		}
	})

	t.Run("private closed group", func(t *testing.T) {
		g := newGroup("g1", "admin1", time.Now())
		g.Metadata.Private = true
		g.Metadata.Closed = true
		evt := m.metadataEvent(g)
		if !hasTag(evt, "private") {
			t.Error("expected 'private' tag on a private group")
		}
		if !hasTag(evt, "closed") {
			t.Error("expected 'closed' tag on a closed group")
		}
	})
}

func TestMaterializer_AdminsEvent_OnlyListsAdmins(t *testing.T) {
	m, _ := newSignedMaterializer(t)
	g := newGroup("g1", "admin1", time.Now())
	g.addMember("member1", []string{"member"})
	g.addMember("admin2", []string{"admin"})

	evt := m.adminsEvent(g)

	admins := pTagValues(evt)
	if len(admins) != 2 {
		t.Fatalf("expected 2 admin p-tags, got %d", len(admins))
	}
	seen := map[string]bool{}
	for _, pk := range admins {
		seen[pk] = true
	}
	if !seen["admin1"] || !seen["admin2"] {
		t.Errorf("expected both admins listed, got %v", seen)
	}
	if seen["member1"] {
		t.Error("expected non-admin member to be excluded from admins event")
	}
}

func TestMaterializer_MembersEvent_ListsEveryone(t *testing.T) {
	m, _ := newSignedMaterializer(t)
	g := newGroup("g1", "admin1", time.Now())
	g.addMember("member1", []string{"member"})

	evt := m.membersEvent(g)

	members := pTagValues(evt)
	if len(members) != 2 {
		t.Fatalf("expected 2 member p-tags (admin1 + member1), got %d", len(members))
	}
}

func TestMaterializer_MembersEvent_IsDeterministicOrdering(t *testing.T) {
	m, _ := newSignedMaterializer(t)
	g := newGroup("g1", "admin1", time.Now())
	g.addMember("zeta", nil)
	g.addMember("alpha", nil)

	members1 := pTagValues(m.membersEvent(g))
	members2 := pTagValues(m.membersEvent(g))

	if len(members1) != len(members2) {
		t.Fatalf("expected stable tag count across calls")
	}
	for i := range members1 {
		if members1[i] != members2[i] {
			t.Errorf("expected stable ordering at index %d: %q vs %q", i, members1[i], members2[i])
		}
	}
}

func TestMaterializer_Tombstone(t *testing.T) {
	m, relayPubkey := newSignedMaterializer(t)

	evt := m.Tombstone("g1")
	if evt == nil {
		t.Fatal("expected tombstone event when relay key is configured")
	}
	if evt.Kind != 39000 {
		t.Errorf("expected kind 39000, got %d", evt.Kind)
	}
	if evt.PubKey != relayPubkey {
		t.Errorf("expected relay pubkey, got %q", evt.PubKey)
	}
	if got := getDTag(evt); got != "g1" {
		t.Errorf("expected d tag 'g1', got %q", got)
	}
	ok, err := evt.CheckSignature()
	if err != nil || !ok {
		t.Errorf("expected valid signature, ok=%v err=%v", ok, err)
	}
}

func TestMaterializer_Tombstone_NoKeyConfigured(t *testing.T) {
	m := NewMaterializer("", "")
	if evt := m.Tombstone("g1"); evt != nil {
		t.Errorf("expected nil tombstone when no relay key is configured, got %+v", evt)
	}
}
