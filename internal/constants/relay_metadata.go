package constants

import (
	"time"
	
	"github.com/verse-pbc/groups-relay/internal/config"
	"github.com/verse-pbc/groups-relay/internal/identity"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"
)

// Database constants
const (
	DatabaseName = "shugur"
)

// Default relay metadata constants
const (
	DefaultRelayDescription = "Relay-based groups for Nostr: moderated, closed and open groups with relay-managed membership and roles."
	DefaultRelayContact     = "support@shugur.com"
	DefaultRelaySoftware    = "shugur"
	DefaultRelayVersion     = "2.0.0"
	DefaultRelayIcon        = "https://avatars.githubusercontent.com/u/198367099?s=400&u=2bc76d4fe6f57a1c39ef00fd784dd0bf85d79bda&v=4"
)

// DefaultSupportedNIPs lists the NIPs supported by the relay
var DefaultSupportedNIPs = []interface{}{
	1,  // NIP-01: Basic protocol flow description
	9,  // NIP-09: Event Deletion Request
	11, // NIP-11: Relay Information Document
	13, // NIP-13: Proof of Work
	20, // NIP-20: Command Results
	23, // NIP-23: Long-form Content
	29, // NIP-29: Relay-based Groups
	33, // NIP-33: Parameterized Replaceable Events
	40, // NIP-40: Expiration Timestamp
	42, // NIP-42: Authentication of clients to relays
	45, // NIP-45: Counting Events
	50, // NIP-50: Search Capability
	65, // NIP-65: Relay List Metadata
}

// CustomNIP represents a custom NIP implementation
type CustomNIP struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Link        string `json:"link"`
}

// DefaultCustomNIPs lists custom NIPs implemented by this relay, beyond DefaultSupportedNIPs
var DefaultCustomNIPs = []CustomNIP{}

// Relay limitations and settings
const (
	MaxMessageLength = 2048
	MaxSubscriptions = 100
	MaxFilters       = 100
	MaxLimit         = 100
	MaxSubIDLength   = 100
	MaxEventTags     = 100
	MaxContentLength = 2048
	MinPowDifficulty = 0
	AuthRequired     = false
	PaymentRequired  = false
	RestrictedWrites = false
)

// Database operation constants
const (
	DefaultQueryPrealloc = 500           // Default query result preallocation size
	MaxDBRetries         = 3             // Maximum database connection retry attempts
	DBRetryDelay         = 1             // Database retry delay in seconds
	
	// Database connection pool constants (production-optimized)
	// Pool sizes are calculated based on expected load patterns:
	// Small scale: Up to 200 WebSocket connections
	// Medium scale: 200-2000 WebSocket connections  
	// Large scale: 2000+ WebSocket connections
	DBPoolSmallMaxConns     = 8   // For small deployments (up to 200 WS connections)
	DBPoolSmallMinConns     = 2   // Minimum idle connections for small deployments
	DBPoolMediumMaxConns    = 25  // For medium deployments (200-2000 WS connections) 
	DBPoolMediumMinConns    = 5   // Minimum idle connections for medium deployments
	DBPoolLargeMaxConns     = 50  // For large deployments (2000+ WS connections)
	DBPoolLargeMinConns     = 10  // Minimum idle connections for large deployments
)

// Duration constants
const (
	DBConnMaxLifetime    = 60 * time.Minute  // Connection max lifetime (1 hour)
	DBConnMaxIdleTime    = 15 * time.Minute  // Max idle time (15 minutes)
	DBConnAcquireTimeout = 10 * time.Second  // Timeout for acquiring connection
)

// Timeout constants (in seconds)
const (
	ClusterSettingTimeout = 10 // Timeout for cluster setting operations
	ChangefeedTestTimeout = 5  // Timeout for changefeed capability tests
	HealthCheckTimeout    = 5  // Timeout for health check operations
)

// DefaultRelayMetadata returns the default relay metadata document
func DefaultRelayMetadata(cfg *config.Config) nip11.RelayInformationDocument {
	// Get or create relay identity, using configured public key if provided
	relayIdentity, err := identity.GetOrCreateRelayIdentityWithConfig(cfg.Relay.PublicKey)
	if err != nil {
		// Fallback to default if identity system fails
		relayIdentity = &identity.RelayIdentity{
			RelayID:   "relay-unknown",
			PublicKey: "unknown",
		}
	}

	// Use relay name from config, fallback to "shugur-relay" if empty
	relayName := cfg.Relay.Name
	if relayName == "" {
		relayName = "shugur-relay"
	}

	// Use relay description from config, fallback to default if empty
	relayDescription := cfg.Relay.Description
	if relayDescription == "" {
		relayDescription = DefaultRelayDescription
	}

	// Use relay contact from config, fallback to default if empty
	relayContact := cfg.Relay.Contact
	if relayContact == "" {
		relayContact = DefaultRelayContact
	}

	// Use relay icon from config, fallback to default if empty
	relayIcon := cfg.Relay.Icon
	if relayIcon == "" {
		relayIcon = DefaultRelayIcon
	}

	// Use relay banner from config if provided
	relayBanner := cfg.Relay.Banner

	// Use actual configuration values for limitations where available, fallback to constants
	maxContentLength := cfg.Relay.ThrottlingConfig.MaxContentLen
	if maxContentLength == 0 {
		maxContentLength = MaxContentLength // fallback to default constant
	}

	return nip11.RelayInformationDocument{
		Name:          relayName,
		Description:   relayDescription,
		Contact:       relayContact,
		PubKey:        relayIdentity.PublicKey,
		SupportedNIPs: DefaultSupportedNIPs,
		Software:      DefaultRelaySoftware,
		Version:       config.Version,
		Icon:          relayIcon,
		Banner:        relayBanner,
		Limitation: &nip11.RelayLimitationDocument{
			MaxMessageLength: maxContentLength, // Use actual configured content length
			MaxSubscriptions: MaxSubscriptions, // Use constant (configurable via config if needed)
			MaxLimit:         MaxLimit,         // Use constant (configurable via config if needed)
			MaxSubidLength:   MaxSubIDLength,   // Use constant (configurable via config if needed)
			MaxEventTags:     MaxEventTags,     // Use constant (configurable via config if needed)
			MaxContentLength: maxContentLength, // Use actual configured content length
			MinPowDifficulty: MinPowDifficulty, // Use constant (configurable via config if needed)
			AuthRequired:     AuthRequired,     // Use constant (configurable via config if needed)
			PaymentRequired:  PaymentRequired,  // Use constant (configurable via config if needed)
			RestrictedWrites: RestrictedWrites, // Use constant (configurable via config if needed)
		},
	}
}
