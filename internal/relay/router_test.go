package relay

import (
	"context"
	"strings"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
)

func TestGetHTag(t *testing.T) {
	tests := []struct {
		name string
		tags nostr.Tags
		want string
	}{
		{"present", nostr.Tags{{"h", "group1"}}, "group1"},
		{"absent", nostr.Tags{{"e", "eventid"}}, ""},
		{"empty", nostr.Tags{}, ""},
		{"malformed short tag ignored", nostr.Tags{{"h"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := &nostr.Event{Tags: tt.tags}
			if got := getHTag(evt); got != tt.want {
				t.Errorf("getHTag() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetDTag(t *testing.T) {
	evt := &nostr.Event{Tags: nostr.Tags{{"d", "group1"}}}
	if got := getDTag(evt); got != "group1" {
		t.Errorf("getDTag() = %q, want %q", got, "group1")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		kind      int
		tags      nostr.Tags
		wantClass Class
		wantID    string
	}{
		{"create group", 9007, nostr.Tags{{"h", "g1"}}, ClassCreateGroup, "g1"},
		{"put user", 9000, nostr.Tags{{"h", "g1"}}, ClassGroupManagement, "g1"},
		{"remove user", 9001, nostr.Tags{{"h", "g1"}}, ClassGroupManagement, "g1"},
		{"edit metadata", 9002, nostr.Tags{{"h", "g1"}}, ClassGroupManagement, "g1"},
		{"delete event", 9005, nostr.Tags{{"h", "g1"}}, ClassGroupManagement, "g1"},
		{"delete group", 9008, nostr.Tags{{"h", "g1"}}, ClassGroupManagement, "g1"},
		{"create invite", 9009, nostr.Tags{{"h", "g1"}}, ClassGroupManagement, "g1"},
		{"join request", 9021, nostr.Tags{{"h", "g1"}}, ClassUserRequest, "g1"},
		{"leave request", 9022, nostr.Tags{{"h", "g1"}}, ClassUserRequest, "g1"},
		{"chat message", 9, nostr.Tags{{"h", "g1"}}, ClassGroupContent, "g1"},
		{"thread", 11, nostr.Tags{{"h", "g1"}}, ClassGroupContent, "g1"},
		{"long form", 30023, nostr.Tags{{"h", "g1"}}, ClassGroupContent, "g1"},
		{"relay-signed metadata", 39000, nostr.Tags{{"d", "g1"}}, ClassRelaySignedState, "g1"},
		{"relay-signed admins", 39001, nostr.Tags{{"d", "g1"}}, ClassRelaySignedState, "g1"},
		{"relay-signed members", 39002, nostr.Tags{{"d", "g1"}}, ClassRelaySignedState, "g1"},
		{"relay-signed roles", 39003, nostr.Tags{{"d", "g1"}}, ClassRelaySignedState, "g1"},
		{"unrelated kind without h tag", 1, nostr.Tags{}, ClassUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := &nostr.Event{Kind: tt.kind, Tags: tt.tags}
			class, id := classify(evt)
			if class != tt.wantClass {
				t.Errorf("classify() class = %v, want %v", class, tt.wantClass)
			}
			if id != tt.wantID {
				t.Errorf("classify() id = %q, want %q", id, tt.wantID)
			}
		})
	}
}

func TestRoute_RejectsEventWithBothHAndDTags(t *testing.T) {
	registry := NewRegistry(ProcessorDeps{
		Authorizer:   NewAuthorizer(""),
		Materializer: NewMaterializer("", ""),
	})
	defer registry.Shutdown()
	r := NewRouter(registry)

	evt := nostr.Event{Kind: 9, Tags: nostr.Tags{{"h", "g1"}, {"d", "g1"}}}
	accepted, reason := r.Route(context.Background(), evt, "alice", true)

	if accepted {
		t.Fatal("expected an event carrying both h and d tags to be rejected")
	}
	if !strings.HasPrefix(reason, ReasonInvalid) {
		t.Errorf("expected invalid reason, got %q", reason)
	}
}

func TestClassify_ArbitraryKindWithHTagIsContent(t *testing.T) {
	// Any other kind carrying an h tag is treated as group content, per
	// the router's fallback rule for member-gated content kinds.
	evt := &nostr.Event{Kind: 1234, Tags: nostr.Tags{{"h", "g1"}}}
	class, id := classify(evt)
	if class != ClassGroupContent {
		t.Errorf("expected ClassGroupContent for an unrecognized kind with an h tag, got %v", class)
	}
	if id != "g1" {
		t.Errorf("expected group id 'g1', got %q", id)
	}
}
