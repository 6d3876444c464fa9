package relay

import (
	"context"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Class is the router's classification of an inbound event, per the
// kind -> class table: which family of group operation it belongs to.
type Class int

const (
	ClassUnknown Class = iota
	ClassCreateGroup
	ClassGroupManagement
	ClassUserRequest
	ClassGroupContent
	ClassRelaySignedState
)

var groupManagementKinds = map[int]bool{
	9000: true, // put-user
	9001: true, // remove-user
	9002: true, // edit-metadata
	9005: true, // delete-event
	9008: true, // delete-group
	9009: true, // create-invite
}

var userRequestKinds = map[int]bool{
	9021: true, // join-request
	9022: true, // leave-request
}

var relaySignedStateKinds = map[int]bool{
	39000: true, 39001: true, 39002: true, 39003: true,
}

// getHTag returns the value of the first "h" tag, or "" if absent.
func getHTag(evt *nostr.Event) string {
	if t := evt.Tags.GetFirst([]string{"h", ""}); t != nil {
		return (*t)[1]
	}
	return ""
}

// getDTag returns the value of the first "d" tag, or "" if absent.
func getDTag(evt *nostr.Event) string {
	if t := evt.Tags.GetFirst([]string{"d", ""}); t != nil {
		return (*t)[1]
	}
	return ""
}

// classify returns the router's class for evt plus the group id it
// addresses.
func classify(evt *nostr.Event) (Class, string) {
	switch {
	case evt.Kind == 9007:
		return ClassCreateGroup, getHTag(evt)
	case userRequestKinds[evt.Kind]:
		return ClassUserRequest, getHTag(evt)
	case relaySignedStateKinds[evt.Kind]:
		return ClassRelaySignedState, getDTag(evt)
	case groupManagementKinds[evt.Kind]:
		return ClassGroupManagement, getHTag(evt)
	}
	if h := getHTag(evt); h != "" {
		return ClassGroupContent, h
	}
	return ClassUnknown, ""
}

// Router forwards events to the single Processor that owns the group they
// address, per the rule that each group has exactly one serial owning
// task. It never applies authorization or mutation itself.
type Router struct {
	registry      *Registry
	mailboxWait   time.Duration
	resultTimeout time.Duration
}

// NewRouter builds a Router over registry.
func NewRouter(registry *Registry) *Router {
	return &Router{
		registry:      registry,
		mailboxWait:   5 * time.Second,
		resultTimeout: 10 * time.Second,
	}
}

// Route classifies evt and, if it addresses a group, submits it to that
// group's serial mailbox and waits for the authorize-and-apply outcome.
// actorPubkey is the connection's authenticated identity, empty if the
// connection never completed NIP-42 AUTH.
func (r *Router) Route(ctx context.Context, evt nostr.Event, actorPubkey string, authenticated bool) (accepted bool, reason string) {
	if getHTag(&evt) != "" && getDTag(&evt) != "" {
		return false, ReasonInvalid + "event carries both h and d tags"
	}

	class, groupID := classify(&evt)

	if class == ClassRelaySignedState {
		return false, ReasonInvalid + "relay-signed kinds cannot be published by clients"
	}
	if class == ClassUnknown || groupID == "" {
		return false, ReasonInvalid + "missing group reference"
	}

	proc := r.registry.GetOrCreate(groupID)

	resultCh := make(chan outcome, 1)
	cmd := command{
		evt:    evt,
		auth:   AuthState{Authenticated: authenticated, Pubkey: actorPubkey},
		result: resultCh,
	}

	select {
	case proc.mailbox <- cmd:
	case <-ctx.Done():
		return false, ReasonError + "request canceled"
	case <-time.After(r.mailboxWait):
		return false, ReasonError + "group busy"
	}

	select {
	case res := <-resultCh:
		return res.accepted, res.reason
	case <-ctx.Done():
		return false, ReasonError + "request canceled"
	case <-time.After(r.resultTimeout):
		return false, ReasonError + "group processing timed out"
	}
}
