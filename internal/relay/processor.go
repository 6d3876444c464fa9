package relay

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/verse-pbc/groups-relay/internal/logger"
	"github.com/verse-pbc/groups-relay/internal/metrics"
	"github.com/verse-pbc/groups-relay/internal/storage"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// ProcessorDeps are the collaborators every group Processor shares.
type ProcessorDeps struct {
	Store            *storage.DB
	Authorizer       *Authorizer
	Materializer     *Materializer
	RelayPubkey      string
	SnapshotDebounce time.Duration
	Broadcast        func(*nostr.Event)
}

// command is one unit of work submitted to a group's mailbox.
type command struct {
	evt    nostr.Event
	auth   AuthState
	result chan<- outcome
}

type outcome struct {
	accepted bool
	reason   string
}

// Processor is the single owning task for one group's mutable state.
// Every command for a given group id passes through exactly one
// Processor's mailbox and is applied strictly in arrival order, which is
// what lets the authorizer and mutation logic below assume no concurrent
// readers or writers of the live Group.
type Processor struct {
	id      string
	mailbox chan command
	quit    chan struct{}
	deps    ProcessorDeps

	group    *Group
	snapshot atomicSnapshot
}

func newProcessor(id string, deps ProcessorDeps) *Processor {
	p := &Processor{
		id:      id,
		mailbox: make(chan command, 256),
		quit:    make(chan struct{}),
		deps:    deps,
	}
	p.snapshot.store(Snapshot{ID: id})
	return p
}

func (p *Processor) currentSnapshot() Snapshot {
	return p.snapshot.load()
}

func (p *Processor) stop() {
	close(p.quit)
}

// run is the owning goroutine's loop: load state once, then serially apply
// commands, debouncing materializer flushes behind a single timer.
func (p *Processor) run() {
	log := logger.New("group-processor").With(zap.String("group_id", p.id))

	loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	p.group = p.loadFromStore(loadCtx)
	cancel()
	if p.group != nil {
		p.snapshot.store(p.group.snapshot())
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		metrics.GroupProcessorQueueDepth.WithLabelValues(p.id).Set(float64(len(p.mailbox)))

		select {
		case <-p.quit:
			if debounce != nil {
				debounce.Stop()
				p.flush(log)
			}
			return

		case cmd := <-p.mailbox:
			accepted, reason := p.apply(&cmd, log)
			cmd.result <- outcome{accepted: accepted, reason: reason}

			if accepted {
				metrics.GroupEventsAccepted.WithLabelValues(strconv.Itoa(cmd.evt.Kind)).Inc()
				if debounce == nil {
					debounce = time.NewTimer(p.deps.SnapshotDebounce)
					debounceC = debounce.C
				} else {
					if !debounce.Stop() {
						<-debounceC
					}
					debounce.Reset(p.deps.SnapshotDebounce)
				}
			} else {
				metrics.GroupEventsRejected.WithLabelValues(reasonPrefix(reason)).Inc()
			}

		case <-debounceC:
			p.flush(log)
			debounce = nil
			debounceC = nil
		}
	}
}

// loadFromStore reconstructs a Group from its last materialized state
// events, letting a restarted relay pick up group membership without
// replaying the full event history. A group with no materialized metadata
// slot does not exist yet and is represented as nil until a 9007 creates it.
func (p *Processor) loadFromStore(ctx context.Context) *Group {
	if p.deps.Store == nil || p.deps.RelayPubkey == "" {
		return nil
	}

	metaEvt, err := p.deps.Store.GetAddressableEvent(ctx, p.deps.RelayPubkey, 39000, p.id)
	if err != nil {
		return nil
	}

	g := &Group{
		ID:        p.id,
		CreatedAt: metaEvt.CreatedAt.Time(),
		Members:   make(map[string]map[string]bool),
		Invites:   make(map[string]*Invite),
	}
	for _, t := range metaEvt.Tags {
		if len(t) == 0 {
			continue
		}
		switch t[0] {
		case "name":
			if len(t) > 1 {
				g.Metadata.Name = t[1]
			}
		case "about":
			if len(t) > 1 {
				g.Metadata.About = t[1]
			}
		case "picture":
			if len(t) > 1 {
				g.Metadata.Picture = t[1]
			}
		case "private":
			g.Metadata.Private = true
		case "closed":
			g.Metadata.Closed = true
		}
	}

	if membersEvt, err := p.deps.Store.GetAddressableEvent(ctx, p.deps.RelayPubkey, 39002, p.id); err == nil {
		for _, t := range membersEvt.Tags {
			if len(t) >= 2 && t[0] == "p" {
				g.Members[t[1]] = make(map[string]bool)
			}
		}
	}
	if adminsEvt, err := p.deps.Store.GetAddressableEvent(ctx, p.deps.RelayPubkey, 39001, p.id); err == nil {
		for _, t := range adminsEvt.Tags {
			if len(t) >= 2 && t[0] == "p" {
				roles, ok := g.Members[t[1]]
				if !ok {
					roles = make(map[string]bool)
					g.Members[t[1]] = roles
				}
				roles[roleAdmin] = true
				for _, r := range t[2:] {
					roles[strings.ToLower(r)] = true
				}
			}
		}
	}

	return g
}

// apply authorizes and, if accepted, mutates the live group, persists the
// event, and returns the OK outcome to send back to the publishing
// connection. It runs exclusively on the owning goroutine.
func (p *Processor) apply(cmd *command, log *zap.Logger) (bool, string) {
	evt := &cmd.evt

	ok, reason := p.deps.Authorizer.Authorize(evt, p.group, cmd.auth)
	if !ok {
		return false, reason
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch evt.Kind {
	case 9007:
		p.group = newGroup(p.id, evt.PubKey, evt.CreatedAt.Time())
		if err := p.persist(ctx, evt); err != nil {
			log.Warn("failed to persist create-group event", zap.Error(err))
			return false, ReasonError + "store unavailable"
		}

	case 9000:
		for _, pk := range tagValues(evt, "p") {
			p.group.addMember(pk, rolesForTarget(evt, pk))
		}
		if err := p.persist(ctx, evt); err != nil {
			return false, ReasonError + "store unavailable"
		}

	case 9001:
		targets := tagValues(evt, "p")
		remaining := p.group.adminCount()
		for _, pk := range targets {
			if p.group.isAdmin(pk) {
				remaining--
			}
		}
		if remaining < 1 {
			return false, ReasonRestricted + "last-admin"
		}
		for _, pk := range targets {
			p.group.removeMember(pk)
		}
		if err := p.persist(ctx, evt); err != nil {
			return false, ReasonError + "store unavailable"
		}

	case 9002:
		applyMetadataEdit(&p.group.Metadata, evt)
		if err := p.persist(ctx, evt); err != nil {
			return false, ReasonError + "store unavailable"
		}

	case 9005:
		if !p.authorizeDeletion(ctx, evt) {
			return false, ReasonRestricted + "not the author and not an admin"
		}
		for _, id := range tagValues(evt, "e") {
			if err := p.deps.Store.DeleteEventByID(ctx, id); err != nil {
				log.Warn("failed to delete referenced event", zap.String("event_id", id), zap.Error(err))
			}
		}
		if err := p.persist(ctx, evt); err != nil {
			return false, ReasonError + "store unavailable"
		}

	case 9008:
		p.group.Deleted = true
		if p.deps.Store != nil {
			if err := p.deps.Store.DeleteGroupEvents(ctx, p.id); err != nil {
				log.Warn("failed to delete group events", zap.Error(err))
			}
		}
		if tomb := p.deps.Materializer.Tombstone(p.id); tomb != nil && p.deps.Store != nil {
			if err := p.deps.Store.InsertAddressableEvent(ctx, *tomb); err != nil {
				log.Warn("failed to persist tombstone", zap.Error(err))
			}
			p.broadcast(tomb)
		}
		p.snapshot.store(p.group.snapshot())
		return true, ""

	case 9009:
		code := firstTagValue(evt, "code")
		if code == "" {
			return false, ReasonInvalid + "missing invite code"
		}
		p.group.Invites[code] = &Invite{
			Code:          code,
			CreatorPubkey: evt.PubKey,
			RolesGranted:  tagValues(evt, "role"),
		}
		if err := p.persist(ctx, evt); err != nil {
			return false, ReasonError + "store unavailable"
		}

	case 9021:
		code := firstTagValue(evt, "code")
		if inv, ok := p.group.Invites[code]; ok && inv.ConsumedBy == "" {
			inv.ConsumedBy = evt.PubKey
			p.group.addMember(evt.PubKey, append([]string{"member"}, inv.RolesGranted...))
		} else if !p.group.Metadata.Closed {
			p.group.addMember(evt.PubKey, []string{"member"})
		} else if !p.group.isMember(evt.PubKey) {
			p.group.JoinRequests = append(p.group.JoinRequests, evt.PubKey)
		}
		if err := p.persist(ctx, evt); err != nil {
			return false, ReasonError + "store unavailable"
		}

	case 9022:
		p.group.removeMember(evt.PubKey)
		if err := p.persist(ctx, evt); err != nil {
			return false, ReasonError + "store unavailable"
		}

	default:
		// Group-addressed content (kind 9, 11, 30023, or anything else
		// bearing an h tag): store and fan out verbatim, no state change.
		if err := p.persist(ctx, evt); err != nil {
			return false, ReasonError + "store unavailable"
		}
		p.broadcast(evt)
		return true, ""
	}

	p.snapshot.store(p.group.snapshot())
	p.broadcast(evt)
	return true, ""
}

// authorizeDeletion applies the per-tag rule for kind 9005: the deleter
// must be a group admin, or must have authored every event it references.
func (p *Processor) authorizeDeletion(ctx context.Context, evt *nostr.Event) bool {
	if p.group.isAdmin(evt.PubKey) {
		return true
	}
	for _, id := range tagValues(evt, "e") {
		target, err := p.deps.Store.GetEventByID(ctx, id)
		if err != nil {
			continue
		}
		if target.PubKey != evt.PubKey {
			return false
		}
	}
	return true
}

func (p *Processor) persist(ctx context.Context, evt *nostr.Event) error {
	if p.deps.Store == nil {
		return nil
	}
	return p.deps.Store.InsertEvent(ctx, *evt)
}

func (p *Processor) broadcast(evt *nostr.Event) {
	if p.deps.Broadcast != nil {
		p.deps.Broadcast(evt)
	}
}

// flush materializes and persists the four replaceable state events for
// the group's current snapshot, debounced so a burst of membership
// mutations collapses into a single write and fan-out.
func (p *Processor) flush(log *zap.Logger) {
	if p.group == nil || p.group.Deleted || p.deps.Materializer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, evt := range p.deps.Materializer.Build(p.group) {
		if evt == nil {
			continue
		}
		if p.deps.Store != nil {
			if err := p.deps.Store.InsertAddressableEvent(ctx, *evt); err != nil {
				log.Warn("failed to persist materialized state", zap.Int("kind", evt.Kind), zap.Error(err))
				continue
			}
		}
		p.broadcast(evt)
	}
	metrics.MaterializerFlushes.Inc()
}

func tagValues(evt *nostr.Event, key string) []string {
	var out []string
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == key {
			out = append(out, t[1])
		}
	}
	return out
}

func firstTagValue(evt *nostr.Event, key string) string {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}

// rolesForTarget returns the roles listed for a specific p tag's target,
// lowercased to their canonical form, e.g. ["p", "<pubkey>", "Admin"]
// grants the admin role alongside member.
func rolesForTarget(evt *nostr.Event, pubkey string) []string {
	roles := []string{"member"}
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "p" && t[1] == pubkey {
			for _, r := range t[2:] {
				roles = append(roles, strings.ToLower(r))
			}
		}
	}
	return roles
}

func applyMetadataEdit(m *Metadata, evt *nostr.Event) {
	for _, t := range evt.Tags {
		if len(t) == 0 {
			continue
		}
		switch t[0] {
		case "name":
			if len(t) > 1 {
				m.Name = t[1]
			}
		case "about":
			if len(t) > 1 {
				m.About = t[1]
			}
		case "picture":
			if len(t) > 1 {
				m.Picture = t[1]
			}
		case "private":
			m.Private = true
		case "public":
			m.Private = false
		case "closed":
			m.Closed = true
		case "open":
			m.Closed = false
		}
	}
}

func reasonPrefix(reason string) string {
	for _, p := range []string{ReasonInvalid, ReasonAuthRequired, ReasonRestricted, ReasonDuplicate, ReasonBlocked, ReasonError} {
		if len(reason) >= len(p) && reason[:len(p)] == p {
			return p
		}
	}
	return "unknown: "
}
