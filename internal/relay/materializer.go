package relay

import (
	"fmt"
	"sort"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Materializer turns a group's current state into the four relay-signed
// replaceable state events (kinds 39000-39003). It never decides when to
// emit; the owning Processor debounces and calls Build once per flush.
type Materializer struct {
	relayPrivkey string
	relayPubkey  string
}

// NewMaterializer builds a Materializer that signs with the relay's own
// identity key. If privkey is empty, Build and Tombstone return nil
// events and the caller should skip publication (used in tests and in
// degraded boot where no relay key was configured).
func NewMaterializer(privkey, pubkey string) *Materializer {
	return &Materializer{relayPrivkey: privkey, relayPubkey: pubkey}
}

// Build produces the metadata, admins, members, and roles events for g, in
// that fixed order, each addressed by a "d" tag equal to g.ID.
func (m *Materializer) Build(g *Group) []*nostr.Event {
	return []*nostr.Event{
		m.sign(m.metadataEvent(g)),
		m.sign(m.adminsEvent(g)),
		m.sign(m.membersEvent(g)),
		m.sign(m.rolesEvent(g)),
	}
}

func (m *Materializer) metadataEvent(g *Group) *nostr.Event {
	tags := nostr.Tags{{"d", g.ID}}
	if g.Metadata.Name != "" {
		tags = append(tags, nostr.Tag{"name", g.Metadata.Name})
	}
	if g.Metadata.About != "" {
		tags = append(tags, nostr.Tag{"about", g.Metadata.About})
	}
	if g.Metadata.Picture != "" {
		tags = append(tags, nostr.Tag{"picture", g.Metadata.Picture})
	}
	if g.Metadata.Private {
		tags = append(tags, nostr.Tag{"private"})
	} else {
		tags = append(tags, nostr.Tag{"public"})
	}
	if g.Metadata.Closed {
		tags = append(tags, nostr.Tag{"closed"})
	} else {
		tags = append(tags, nostr.Tag{"open"})
	}
	return &nostr.Event{Kind: 39000, CreatedAt: nostr.Now(), Tags: tags}
}

func (m *Materializer) adminsEvent(g *Group) *nostr.Event {
	tags := nostr.Tags{{"d", g.ID}}
	for _, pk := range sortedMemberKeys(g) {
		roles := g.Members[pk]
		if !roles[roleAdmin] {
			continue
		}
		tag := append(nostr.Tag{"p", pk}, sortedRoleNames(roles)...)
		tags = append(tags, tag)
	}
	return &nostr.Event{
		Kind:      39001,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   fmt.Sprintf("admins of %s", g.ID),
	}
}

func (m *Materializer) membersEvent(g *Group) *nostr.Event {
	tags := nostr.Tags{{"d", g.ID}}
	for _, pk := range sortedMemberKeys(g) {
		tags = append(tags, nostr.Tag{"p", pk})
	}
	return &nostr.Event{
		Kind:      39002,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   fmt.Sprintf("members of %s", g.ID),
	}
}

func (m *Materializer) rolesEvent(g *Group) *nostr.Event {
	tags := nostr.Tags{
		{"d", g.ID},
		{"role", "admin", "Full control over group metadata and membership"},
		{"role", "member", "Can read and post in the group"},
	}
	return &nostr.Event{
		Kind:      39003,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   fmt.Sprintf("available roles for %s", g.ID),
	}
}

// Tombstone produces an empty, tag-only 39000 that replaces a deleted
// group's materialized metadata slot. The three other replaceable slots
// are removed outright by the store's delete-by-group cascade rather than
// re-materialized, since an empty admins/members/roles list is
// indistinguishable from a group that was never populated.
func (m *Materializer) Tombstone(groupID string) *nostr.Event {
	return m.sign(&nostr.Event{
		Kind:      39000,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"d", groupID}},
	})
}

func (m *Materializer) sign(evt *nostr.Event) *nostr.Event {
	if m.relayPrivkey == "" {
		return nil
	}
	evt.PubKey = m.relayPubkey
	if err := evt.Sign(m.relayPrivkey); err != nil {
		return nil
	}
	return evt
}

func sortedMemberKeys(g *Group) []string {
	keys := make([]string, 0, len(g.Members))
	for pk := range g.Members {
		keys = append(keys, pk)
	}
	sort.Strings(keys)
	return keys
}

func sortedRoleNames(roles map[string]bool) []string {
	names := make([]string, 0, len(roles))
	for r := range roles {
		names = append(names, r)
	}
	sort.Strings(names)
	return names
}
