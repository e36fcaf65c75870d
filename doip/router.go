package doip

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// SubnetTransport hands diagnostic data to the vehicle sub-network. The payload
// is opaque; la is the logical address of the target ECU.
type SubnetTransport interface {
	Send(la uint16, data []byte) error
}

// RouteOutcome is the result of routing one diagnostic message.
type RouteOutcome int

const (
	RouteForwarded RouteOutcome = iota
	NoRouteToTarget
	TargetUnreachable
)

func (o RouteOutcome) String() string {
	switch o {
	case RouteForwarded:
		return "forwarded"
	case NoRouteToTarget:
		return "no route to target"
	default:
		return "target unreachable"
	}
}

// Err returns the route resolution error of o, nil when forwarded.
func (o RouteOutcome) Err() error {
	switch o {
	case RouteForwarded:
		return nil
	case NoRouteToTarget:
		return ErrNoRouteToTarget
	default:
		return ErrTargetUnreachable
	}
}

// request is the tester waiting for an answer of one sub-network ECU.
type request struct {
	tester uint16
	socket SocketID
}

// endpoint is the router side of one connection: its outbound queue and its
// alive check mailbox. done is closed once the socket left the table.
type endpoint struct {
	out   chan Msg
	probe chan chan bool
	done  chan struct{}
}

// Router receive the diagnostic message from a session and send it into the
// right outbound queue, or down to the sub-network transport.
type Router struct {
	sync.Mutex
	table   *Table
	link    SubnetTransport
	m       map[SocketID]*endpoint
	pending map[uint16]request // ECU address -> outstanding request
	log     Logger
}

// NewRouter creates a new router to dispatch diagnostic messages to the right
// socket according to the target address.
func NewRouter(table *Table, link SubnetTransport, log Logger) *Router {
	if log == nil {
		log = discardLogger()
	}
	return &Router{
		table:   table,
		link:    link,
		m:       make(map[SocketID]*endpoint),
		pending: make(map[uint16]request),
		log:     log,
	}
}

// attach adds a new endpoint when a new connection is established.
func (r *Router) attach(id SocketID, queue int) *endpoint {
	ep := &endpoint{
		out:   make(chan Msg, queue),
		probe: make(chan chan bool, 1),
		done:  make(chan struct{}),
	}
	r.Lock()
	r.m[id] = ep
	r.Unlock()
	return ep
}

// detach removes the endpoint. The caller must have deregistered id from the
// table first.
func (r *Router) detach(id SocketID) {
	r.Lock()
	ep, ok := r.m[id]
	delete(r.m, id)
	for ecu, req := range r.pending {
		if req.socket == id {
			delete(r.pending, ecu)
		}
	}
	r.Unlock()
	if ok {
		close(ep.done)
	}
}

func (r *Router) endpoint(id SocketID) *endpoint {
	r.Lock()
	defer r.Unlock()
	return r.m[id]
}

// Resolve reports where a message for ta would be routed.
func (r *Router) Resolve(ta uint16) (Route, bool) {
	return r.table.Resolve(ta)
}

// Route forwards m to the socket or sub-network owning its target address.
func (r *Router) Route(m *DiagMsg) RouteOutcome {
	return r.route(0, m)
}

// route is Route for a message received on socket from.
func (r *Router) route(from SocketID, m *DiagMsg) RouteOutcome {
	var toSubnet bool
	err := r.table.withRoute(m.TargetAddress, func(rt Route, ok bool) error {
		if !ok {
			return ErrNoRouteToTarget
		}
		if rt.Kind == RouteSubnet {
			toSubnet = true
			return nil
		}
		return r.deliver(rt.Socket, m)
	})
	switch {
	case err == ErrNoRouteToTarget:
		r.log.Debugf("Router: no route for 0x%04x", m.TargetAddress)
		return NoRouteToTarget
	case err != nil:
		r.log.Debugf("Router: failed to deliver to 0x%04x: %v", m.TargetAddress, err)
		return TargetUnreachable
	case toSubnet:
		return r.forward(from, m)
	}
	return RouteForwarded
}

// deliver runs under the table read lock.
func (r *Router) deliver(id SocketID, m *DiagMsg) error {
	ep := r.endpoint(id)
	if ep == nil {
		return ErrTargetUnreachable
	}
	select {
	case ep.out <- m:
		return nil
	case <-ep.done:
		return ErrTargetUnreachable
	default:
		return ErrTargetUnreachable
	}
}

// forward hands m to the sub-network. An ECU serves one tester at a time: a
// request from another tester while one is outstanding is refused.
func (r *Router) forward(from SocketID, m *DiagMsg) RouteOutcome {
	if r.link == nil {
		return TargetUnreachable
	}
	req := request{tester: m.SourceAddress, socket: from}
	r.Lock()
	if cur, busy := r.pending[m.TargetAddress]; busy && cur != req {
		r.Unlock()
		r.log.Debugf("Router: 0x%04x busy with 0x%04x, refuse 0x%04x", m.TargetAddress, cur.tester, m.SourceAddress)
		return TargetUnreachable
	}
	r.pending[m.TargetAddress] = req
	r.Unlock()

	if err := r.link.Send(m.TargetAddress, m.Userdata); err != nil {
		r.log.Debugf("Router: sub-network send to 0x%04x failed: %v", m.TargetAddress, err)
		r.release(m.TargetAddress, req)
		return TargetUnreachable
	}
	return RouteForwarded
}

func (r *Router) release(ecu uint16, req request) {
	r.Lock()
	if r.pending[ecu] == req {
		delete(r.pending, ecu)
	}
	r.Unlock()
}

// Indicate routes a response received from ECU source on the sub-network back
// to the tester with the outstanding request. A response pending answer
// (7F xx 78) keeps the request outstanding.
func (r *Router) Indicate(source uint16, data []byte) error {
	r.Lock()
	req, ok := r.pending[source]
	if ok && !responsePending(data) {
		delete(r.pending, source)
	}
	r.Unlock()
	if !ok {
		return ErrNoRouteToTarget
	}
	m := &DiagMsg{
		SourceAddress: source,
		TargetAddress: req.tester,
		Userdata:      data,
	}
	return r.Route(m).Err()
}

func responsePending(data []byte) bool {
	return len(data) == 3 && data[0] == 0x7F && data[2] == 0x78
}

// Probe asks the connection id for an alive check. It reports false only when
// the connection is gone, after its table entry was removed. If ctx expires
// first the connection is assumed alive.
func (r *Router) Probe(ctx context.Context, id SocketID) bool {
	ep := r.endpoint(id)
	if ep == nil {
		return false
	}
	reply := make(chan bool, 1)
	select {
	case ep.probe <- reply:
	case <-ep.done:
		return false
	case <-ctx.Done():
		return true
	}
	select {
	case ok := <-reply:
		if !ok {
			<-ep.done
		}
		return ok
	case <-ep.done:
		return false
	case <-ctx.Done():
		return true
	}
}

// ProbeAll alive checks ids concurrently and returns how many were dead.
func (r *Router) ProbeAll(ctx context.Context, ids []SocketID) int {
	var (
		wg   sync.WaitGroup
		dead atomic.Int32
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id SocketID) {
			defer wg.Done()
			if !r.Probe(ctx, id) {
				dead.Inc()
			}
		}(id)
	}
	wg.Wait()
	return int(dead.Load())
}
