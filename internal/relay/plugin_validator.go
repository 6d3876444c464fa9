package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/verse-pbc/groups-relay/internal/config"
	"github.com/verse-pbc/groups-relay/internal/domain"
	"github.com/verse-pbc/groups-relay/internal/metrics"
	"github.com/verse-pbc/groups-relay/internal/relay/nips"
	"github.com/verse-pbc/groups-relay/internal/storage"
	nostr "github.com/nbd-wtf/go-nostr"
)

// ValidationLimits defines your limit fields
type ValidationLimits struct {
	MaxContentLength  int
	MaxTagsLength     int
	MaxTagsPerEvent   int
	MaxTagElements    int
	MaxFutureSeconds  int
	OldestEventTime   int64
	RelayStartupTime  time.Time
	MaxMetadataLength int
	AllowedKinds      map[int]bool
	RequiredTags      map[int][]string
	MaxCreatedAt      int64
	MinCreatedAt      int64
}

// PluginValidator implements EventValidator
type PluginValidator struct {
	config    *config.Config
	blacklist map[string]bool
	mu        sync.RWMutex // protects blacklist and limits.AllowedKinds
	limits    ValidationLimits

	verifiedPubkeys map[string]time.Time
	db              *storage.DB
}

// Ensure PluginValidator implements domain.EventValidator
var _ domain.EventValidator = (*PluginValidator)(nil)

// NewPluginValidator returns a PluginValidator with default settings
func NewPluginValidator(cfg *config.Config, database *storage.DB) *PluginValidator {
	// Use configuration values for content length limits
	maxContentLength := cfg.Relay.ThrottlingConfig.MaxContentLen
	if maxContentLength == 0 {
		maxContentLength = 64000 // fallback default
	}

	defaultLimits := ValidationLimits{
		MaxContentLength:  maxContentLength, // Use configured value
		MaxTagsLength:     10000,
		MaxTagsPerEvent:   256,
		MaxTagElements:    16,
		MaxFutureSeconds:  300,
		OldestEventTime:   1609459200, // Jan 1, 2021
		RelayStartupTime:  time.Now(),
		MaxMetadataLength: 10000,
		AllowedKinds: map[int]bool{
			9:  true, // group chat message
			11: true, // group thread
			30023: true, // long-form post addressed into a group

			9000: true, // put-user
			9001: true, // remove-user
			9002: true, // edit-metadata
			9005: true, // delete-event
			9007: true, // create-group
			9008: true, // delete-group
			9009: true, // create-invite
			9021: true, // join-request
			9022: true, // leave-request

			22242: true, // NIP-42 AUTH

			39000: true, // relay-signed: metadata
			39001: true, // relay-signed: admins
			39002: true, // relay-signed: members
			39003: true, // relay-signed: roles
		},
		RequiredTags: map[int][]string{
			9000:  {"h"},
			9001:  {"h"},
			9002:  {"h"},
			9005:  {"h"},
			9007:  {"h"},
			9008:  {"h"},
			9009:  {"h"},
			9021:  {"h"},
			9022:  {"h"},
			9:     {"h"},
			11:    {"h"},
			30023: {"h"},
			39000: {"d"},
			39001: {"d"},
			39002: {"d"},
			39003: {"d"},
		},
		MaxCreatedAt: time.Now().Unix() + 300,    // 5 minutes in future
		MinCreatedAt: time.Now().Unix() - 172800, // 2 days in past
	}

	return &PluginValidator{
		config:          cfg,
		blacklist:       make(map[string]bool),
		limits:          defaultLimits,
		verifiedPubkeys: make(map[string]time.Time),
		db:              database,
	}
}

// ValidateEvent checks an event thoroughly
func (pv *PluginValidator) ValidateEvent(ctx context.Context, event nostr.Event) (bool, string) {

	// Check context cancellation at strategic points
	if ctx.Err() != nil {
		return false, "operation canceled"
	}

	// 1. Basic structure checks
	if len(event.ID) != 64 || !isHexString(event.ID) {
		return false, "invalid event ID format"
	}

	if len(event.PubKey) != 64 || !isHexString(event.PubKey) {
		return false, "invalid pubkey format"
	}

	if len(event.Sig) != 128 || !isHexString(event.Sig) {
		return false, "invalid signature format"
	}

	// 2. Check if kind is allowed. Any other kind carrying an "h" tag is
	// accepted here as group content and left for the router to classify;
	// everything else is rejected.
	pv.mu.RLock()
	kindAllowed := pv.limits.AllowedKinds[event.Kind]
	pv.mu.RUnlock()
	if !kindAllowed && getHTag(&event) == "" {
		return false, fmt.Sprintf("unsupported event kind: %d", event.Kind)
	}

	// 3. Check blacklist (case-insensitive)
	pv.mu.RLock()
	banned := pv.blacklist[strings.ToLower(event.PubKey)]
	pv.mu.RUnlock()
	if banned {
		return false, "pubkey is blacklisted"
	}

	// 4. Verify event ID matches content
	computedID := event.GetID()
	if computedID != event.ID {
		return false, "event ID does not match content"
	}

	// 5. Check timestamps
	now := time.Now().Unix()
	maxFutureTime := now + int64(pv.limits.MaxFutureSeconds)

	if event.CreatedAt.Time().Unix() > maxFutureTime {
		return false, fmt.Sprintf("event timestamp is too far in the future (max %d seconds)", pv.limits.MaxFutureSeconds)
	}

	if event.CreatedAt.Time().Unix() < pv.limits.OldestEventTime {
		return false, "event timestamp is too old"
	}

	// 6. NIP-40: Check expiration timestamp
	if expTime, hasExpiration := nips.GetExpirationTime(event); hasExpiration {
		if time.Now().After(expTime) {
			return false, "event has expired"
		}
		// Validate expiration tag format
		if err := nips.ValidateExpirationTag(event); err != nil {
			return false, fmt.Sprintf("invalid expiration tag: %v", err)
		}
	}

	// 6b. NIP-13: Proof of Work validation
	if err := nips.ValidatePoW(event, pv.config.Relay.MinPowDifficulty); err != nil {
		return false, err.Error()
	}

	// 6. Content length check
	if len(event.Content) > pv.limits.MaxContentLength {
		return false, fmt.Sprintf("content exceeds maximum length of %d bytes", pv.limits.MaxContentLength)
	}

	// 7. Tags validation
	tagsSize := 0
	for _, tag := range event.Tags {
		if len(tag) > pv.limits.MaxTagElements {
			return false, "tag has too many elements"
		}
		for _, elem := range tag {
			tagsSize += len(elem)
		}
	}

	if tagsSize > pv.limits.MaxTagsLength {
		return false, "tags exceed maximum total size"
	}

	if len(event.Tags) > pv.limits.MaxTagsPerEvent {
		return false, "too many tags"
	}

	// 8. Kind-specific required tags
	if requiredTags, hasRequirements := pv.limits.RequiredTags[event.Kind]; hasRequirements {
		for _, requiredTag := range requiredTags {
			found := false
			for _, tag := range event.Tags {
				if len(tag) > 0 && tag[0] == requiredTag {
					found = true
					break
				}
			}
			if !found {
				return false, fmt.Sprintf("missing required '%s' tag", requiredTag)
			}
		}
	}

	// NIP-specific validation using dedicated validators
	if err := pv.validateWithDedicatedNIPs(&event); err != nil {
		return false, fmt.Sprintf("NIP validation failed: %v", err)
	}

	return true, ""
}

// validateWithDedicatedNIPs validates events using dedicated NIP validation functions
func (pv *PluginValidator) validateWithDedicatedNIPs(event *nostr.Event) error {
	switch event.Kind {
	case 30023:
		return nips.ValidateLongFormContent(event)
	default:
		if nips.IsParameterizedReplaceableKind(event.Kind) {
			return nips.ValidateParameterizedReplaceableEvent(event)
		}
	}

	return nil
}

// ValidateFilter ensures a filter is within safe limits
func (pv *PluginValidator) ValidateFilter(f nostr.Filter) error {
	// Apply limit cap
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 500
	}

	// Validate time range
	if f.Since != nil && f.Until != nil && f.Since.Time().Unix() > f.Until.Time().Unix() {
		return fmt.Errorf("'since' timestamp is after 'until' timestamp")
	}

	// Don't allow queries too far in the future
	now := time.Now().Unix()
	maxFutureTime := now + int64(pv.limits.MaxFutureSeconds)
	if f.Until != nil && f.Until.Time().Unix() > maxFutureTime {
		return fmt.Errorf("'until' timestamp is too far in the future")
	}

	// Check IDs format
	for _, id := range f.IDs {
		if len(id) != 64 || !isHexString(id) {
			return fmt.Errorf("invalid event ID: %s", id)
		}
	}

	// Check authors format
	for _, author := range f.Authors {
		if len(author) != 64 || !isHexString(author) {
			return fmt.Errorf("invalid pubkey in authors: %s", author)
		}
	}

	// Prevent excessive tag filters
	if len(f.Tags) > 10 {
		return fmt.Errorf("too many tag filters (max 10)")
	}

	// Check tag values
	for _, values := range f.Tags {
		if len(values) > 20 {
			return fmt.Errorf("too many values in tag filter (max 20)")
		}
	}

	return nil
}

// AddBlacklistedPubkey adds a pubkey to the blacklist
func (pv *PluginValidator) AddBlacklistedPubkey(pubkey string) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	pv.blacklist[strings.ToLower(pubkey)] = true
}

// RemoveBlacklistedPubkey removes a pubkey from the blacklist
func (pv *PluginValidator) RemoveBlacklistedPubkey(pubkey string) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	delete(pv.blacklist, strings.ToLower(pubkey))
}

// GetBlacklistedPubkeys returns a copy of all blacklisted pubkeys
func (pv *PluginValidator) GetBlacklistedPubkeys() []string {
	pv.mu.RLock()
	defer pv.mu.RUnlock()
	pubkeys := make([]string, 0, len(pv.blacklist))
	for k := range pv.blacklist {
		pubkeys = append(pubkeys, k)
	}
	return pubkeys
}

// GetAllowedKinds returns all allowed event kinds, in no particular order
func (pv *PluginValidator) GetAllowedKinds() []int {
	pv.mu.RLock()
	defer pv.mu.RUnlock()
	kinds := make([]int, 0, len(pv.limits.AllowedKinds))
	for k := range pv.limits.AllowedKinds {
		kinds = append(kinds, k)
	}
	return kinds
}

// AddAllowedKind adds an event kind to the allowed kinds map
func (pv *PluginValidator) AddAllowedKind(kind int) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	pv.limits.AllowedKinds[kind] = true
}

// RemoveAllowedKind removes an event kind from the allowed kinds map
func (pv *PluginValidator) RemoveAllowedKind(kind int) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	delete(pv.limits.AllowedKinds, kind)
}

// ValidateAndProcessEvent performs validation and processing of incoming events
func (pv *PluginValidator) ValidateAndProcessEvent(ctx context.Context, event nostr.Event) (bool, string, error) {
	// Check event size using configured limit
	if len(event.Content) > pv.limits.MaxContentLength {
		return false, fmt.Sprintf("invalid: event content too large (max %d bytes)", pv.limits.MaxContentLength), nil
	}

	// Create a timeout context for database operations
	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Direct database check for duplicates with retry
	var exists bool
	var err error
	for i := 0; i < 3; i++ {
		exists, err = pv.db.EventExists(dbCtx, event.ID)
		if err == nil {
			break
		}
		if i < 2 {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		return false, "error checking event existence", fmt.Errorf("database error after retries: %w", err)
	}

	if exists {
		metrics.DuplicateEvents.Inc()
		return true, "duplicate: event already exists", nil
	}

	// Verify event ID matches content (prevents ID spoofing)
	computedID := event.GetID()
	if computedID != event.ID {
		return false, "invalid: event ID does not match content", nil
	}

	// Verify signature (important for security)
	valid, err := event.CheckSignature()
	if err != nil || !valid {
		return false, "invalid: signature verification failed", nil
	}

	// Perform base validation
	valid, reason := pv.ValidateEvent(dbCtx, event)
	if !valid {
		return false, reason, nil
	}

	return true, "", nil
}
