package doip

import (
	"sort"
	"sync"
	"time"
)

// SocketID identifies one accepted TCP connection for the life of the process.
type SocketID uint64

// RouteKind tells where a resolved target address lives.
type RouteKind int

const (
	// RouteSocket targets a tester connected on a registered socket.
	RouteSocket RouteKind = iota + 1
	// RouteSubnet targets an ECU behind the sub-network transport.
	RouteSubnet
)

// Route is the result of resolving a target address.
type Route struct {
	Kind   RouteKind
	Socket SocketID
}

// RoutingEntry binds a tester source address to the socket it activated.
type RoutingEntry struct {
	SourceAddress  uint16
	Socket         SocketID
	ActivationType byte
	RegisteredAt   time.Time
}

// Table is the shared address routing table. Lookups share the lock,
// Register and Deregister take it exclusively.
type Table struct {
	mu       sync.RWMutex
	bySA     map[uint16][]RoutingEntry
	bySocket map[SocketID]uint16
	subnet   map[uint16]struct{}

	clientMin, clientMax uint16
	allowMulti           bool
	maxEntries           int
}

// NewTable creates a table with the client range, capacity and sub-network
// addresses of cfg.
func NewTable(cfg Config) *Table {
	cfg = cfg.withDefaults()
	t := &Table{
		bySA:       make(map[uint16][]RoutingEntry),
		bySocket:   make(map[SocketID]uint16),
		subnet:     make(map[uint16]struct{}),
		clientMin:  cfg.ClientAddressMin,
		clientMax:  cfg.ClientAddressMax,
		allowMulti: cfg.AllowMultipleSocketsPerSA,
		maxEntries: cfg.MaxSockets,
	}
	for _, a := range cfg.SubnetAddresses {
		t.subnet[a] = struct{}{}
	}
	return t
}

// Register binds sa to socket. Re-registering the same pair is a no-op.
func (t *Table) Register(sa uint16, socket SocketID, activationType byte) error {
	if sa < t.clientMin || sa > t.clientMax {
		return ErrUnknownSourceAddress
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.bySocket[socket]; ok {
		if cur == sa {
			return nil
		}
		return &ActivationDeniedError{Code: RoutingDeniedSADifferent}
	}
	if entries := t.bySA[sa]; len(entries) > 0 && !t.allowMulti {
		return &ConflictError{SourceAddress: sa, Holder: entries[0].Socket}
	}
	if t.maxEntries > 0 && len(t.bySocket) >= t.maxEntries {
		return ErrNoFreeSocket
	}

	t.bySA[sa] = append(t.bySA[sa], RoutingEntry{
		SourceAddress:  sa,
		Socket:         socket,
		ActivationType: activationType,
		RegisteredAt:   time.Now(),
	})
	t.bySocket[socket] = sa
	return nil
}

// Deregister removes the entry of socket. It returns false if none existed.
func (t *Table) Deregister(socket SocketID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sa, ok := t.bySocket[socket]
	if !ok {
		return false
	}
	delete(t.bySocket, socket)

	entries := t.bySA[sa]
	for i := range entries {
		if entries[i].Socket == socket {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(t.bySA, sa)
	} else {
		t.bySA[sa] = entries
	}
	return true
}

// Lookup returns the socket registered for a tester address. With multiple
// sockets per SA the most recent registration wins.
func (t *Table) Lookup(ta uint16) (SocketID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookupLocked(ta)
}

func (t *Table) lookupLocked(ta uint16) (SocketID, bool) {
	entries := t.bySA[ta]
	if len(entries) == 0 {
		return 0, false
	}
	return entries[len(entries)-1].Socket, true
}

// Resolve returns where a diagnostic message for ta must go.
func (t *Table) Resolve(ta uint16) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resolveLocked(ta)
}

func (t *Table) resolveLocked(ta uint16) (Route, bool) {
	if s, ok := t.lookupLocked(ta); ok {
		return Route{Kind: RouteSocket, Socket: s}, true
	}
	if _, ok := t.subnet[ta]; ok {
		return Route{Kind: RouteSubnet}, true
	}
	return Route{}, false
}

// withRoute resolves ta and runs fn while holding the read lock, so no
// deregistration can complete while fn delivers to the resolved socket.
func (t *Table) withRoute(ta uint16, fn func(Route, bool) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.resolveLocked(ta)
	return fn(r, ok)
}

// SourceAddress returns the address bound to socket.
func (t *Table) SourceAddress(socket SocketID) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sa, ok := t.bySocket[socket]
	return sa, ok
}

// Sockets returns the registered sockets in ascending order.
func (t *Table) Sockets() []SocketID {
	t.mu.RLock()
	out := make([]SocketID, 0, len(t.bySocket))
	for s := range t.bySocket {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered sockets.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bySocket)
}

// Entries returns a snapshot of all routing entries.
func (t *Table) Entries() []RoutingEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []RoutingEntry
	for _, e := range t.bySA {
		out = append(out, e...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Socket < out[j].Socket })
	return out
}
