package doip

import (
	"bytes"
	"sync"
	"time"
)

// Identity is the process wide identification of the DoIP entity, reported in
// vehicle announcements.
type Identity struct {
	VIN            [vinLength]byte
	EID            [eidLength]byte
	GID            [gidLength]byte
	LogicalAddress uint16
	FurtherAction  byte
	SyncStatus     *byte
}

// InvalidVIN is reported while the VIN is not configured.
var InvalidVIN = [vinLength]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// VINFromString copies s into a VIN, padding short input with the invalid marker.
func VINFromString(s string) [vinLength]byte {
	v := InvalidVIN
	copy(v[:], s)
	return v
}

// Announcement builds the vehicle announcement for this identity.
func (id Identity) Announcement() *VehicleAnnouncement {
	m := &VehicleAnnouncement{
		VIN:            id.VIN,
		LogicalAddress: id.LogicalAddress,
		EID:            id.EID,
		GID:            id.GID,
		FurtherAction:  id.FurtherAction,
	}
	if id.SyncStatus != nil {
		s := *id.SyncStatus
		m.SyncStatus = &s
	}
	return m
}

// MatchEID reports whether eid addresses this entity.
func (id Identity) MatchEID(eid [eidLength]byte) bool {
	return bytes.Equal(id.EID[:], eid[:])
}

// MatchVIN reports whether vin addresses this entity.
func (id Identity) MatchVIN(vin [vinLength]byte) bool {
	return bytes.Equal(id.VIN[:], vin[:])
}

// IdentityProvider is the read only accessor to the entity identity.
type IdentityProvider interface {
	Identity() Identity
}

// StaticIdentity holds an identity initialised at boot. VIN and GID may be
// updated by the synchronization logic.
type StaticIdentity struct {
	mu sync.RWMutex
	id Identity
}

// NewStaticIdentity returns a provider for id.
func NewStaticIdentity(id Identity) *StaticIdentity {
	return &StaticIdentity{id: id}
}

// Identity returns a snapshot.
func (s *StaticIdentity) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// SyncVIN stores the synchronized VIN and GID.
func (s *StaticIdentity) SyncVIN(vin [vinLength]byte, gid [gidLength]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id.VIN = vin
	s.id.GID = gid
	st := SyncStatusSynchronized
	s.id.SyncStatus = &st
}

// ActivationRequest is the input of an ActivationPolicy decision.
type ActivationRequest struct {
	SourceAddress  uint16
	ActivationType byte
	OpenSockets    int
	Authenticated  bool // TLS handshake completed
	ReserveForOEM  []byte
}

// ActivationPolicy decides whether a routing activation is granted.
// Grant returns RoutingSuccessfullyActivated or a denial code.
type ActivationPolicy interface {
	Grant(r ActivationRequest) byte
}

// ActivationPolicyFunc adapts a function to ActivationPolicy.
type ActivationPolicyFunc func(r ActivationRequest) byte

// Grant calls f(r).
func (f ActivationPolicyFunc) Grant(r ActivationRequest) byte { return f(r) }

// DefaultPolicy accepts the standard activation types and optionally requires TLS.
type DefaultPolicy struct {
	RequireAuthentication bool
}

// Grant implements ActivationPolicy.
func (p DefaultPolicy) Grant(r ActivationRequest) byte {
	switch r.ActivationType {
	case ActivationDefault, ActivationWWHOBD, ActivationCentralSecurity:
	default:
		return RoutingDeniedUnsupportedType
	}
	if p.RequireAuthentication && !r.Authenticated {
		return RoutingDeniedMissingAuthentication
	}
	return RoutingSuccessfullyActivated
}

// unrecoverableDenial reports whether code closes the socket right away.
func unrecoverableDenial(code byte) bool {
	switch code {
	case RoutingDeniedSADifferent, RoutingDeniedRejectedConfirmation, RoutingDeniedUnsupportedType:
		return true
	}
	return false
}

// Config holds the entity tunables. Zero values are replaced by DefaultConfig.
type Config struct {
	ProtocolVersion uint8
	NodeType        byte

	// External test equipment address range, Table 39
	ClientAddressMin uint16
	ClientAddressMax uint16
	// SubnetAddresses are the logical addresses reachable through SubnetTransport.
	SubnetAddresses []uint16

	AllowMultipleSocketsPerSA bool
	MaxSockets                int
	MaxActivationDenials      int

	MaxDataSize       uint32 // largest payload accepted by the header check
	MaxDiagnosticSize uint32 // largest diagnostic user data forwarded
	OutboundQueue     int

	InitialInactivity time.Duration // T_TCP_Initial_Inactivity
	GeneralInactivity time.Duration // T_TCP_General_Inactivity
	AliveCheckTimeout time.Duration // T_TCP_Alive_Check
	WriteTimeout      time.Duration

	AnnounceWait     time.Duration // A_DoIP_Announce_Wait, upper bound of the random delay
	AnnounceInterval time.Duration // A_DoIP_Announce_Interval
	AnnounceCount    int           // A_DoIP_Announce_Num

	// PowerMode is the diagnostic power mode input; nil reports not supported.
	PowerMode func() byte
}

// DefaultConfig returns the timing values of ISO 13400-2 Table 47.
func DefaultConfig() Config {
	return Config{
		ProtocolVersion:      ProtocolVersion2012,
		NodeType:             NodeTypeGateway,
		ClientAddressMin:     0x0E00,
		ClientAddressMax:     0x0FFF,
		MaxSockets:           4,
		MaxActivationDenials: 3,
		MaxDataSize:          4096,
		MaxDiagnosticSize:    4092,
		OutboundQueue:        16,
		InitialInactivity:    2 * time.Second,
		GeneralInactivity:    5 * time.Minute,
		AliveCheckTimeout:    500 * time.Millisecond,
		WriteTimeout:         2 * time.Second,
		AnnounceWait:         500 * time.Millisecond,
		AnnounceInterval:     500 * time.Millisecond,
		AnnounceCount:        3,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = d.ProtocolVersion
	}
	if c.ClientAddressMin == 0 && c.ClientAddressMax == 0 {
		c.ClientAddressMin, c.ClientAddressMax = d.ClientAddressMin, d.ClientAddressMax
	}
	if c.MaxSockets <= 0 {
		c.MaxSockets = d.MaxSockets
	}
	if c.MaxActivationDenials <= 0 {
		c.MaxActivationDenials = d.MaxActivationDenials
	}
	if c.MaxDataSize == 0 {
		c.MaxDataSize = d.MaxDataSize
	}
	if c.MaxDiagnosticSize == 0 && c.MaxDataSize > diagAddrLength {
		c.MaxDiagnosticSize = c.MaxDataSize - diagAddrLength
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = d.OutboundQueue
	}
	if c.InitialInactivity <= 0 {
		c.InitialInactivity = d.InitialInactivity
	}
	if c.GeneralInactivity <= 0 {
		c.GeneralInactivity = d.GeneralInactivity
	}
	if c.AliveCheckTimeout <= 0 {
		c.AliveCheckTimeout = d.AliveCheckTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = d.AnnounceInterval
	}
	if c.AnnounceCount <= 0 {
		c.AnnounceCount = d.AnnounceCount
	}
	return c
}

func (c Config) powerMode() byte {
	if c.PowerMode == nil {
		return PowerModeNotSupported
	}
	return c.PowerMode()
}

func (c Config) clientAddress(sa uint16) bool {
	return sa >= c.ClientAddressMin && sa <= c.ClientAddressMax
}
