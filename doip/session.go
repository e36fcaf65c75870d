package doip

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"
)

// Connection states
const (
	StateRegistered       = "registered"
	StateRoutingActivated = "routing_activated"
	StateClosed           = "closed"

	eventActivate = "activate"
	eventClose    = "close"
)

// inbound is one frame, or the error that ended framing, handed from the
// reader goroutine to the session loop.
type inbound struct {
	hdr     GenericHeader
	payload []byte
	err     error
}

// session owns one accepted TCP connection and drives its state machine.
type session struct {
	id   SocketID
	conn net.Conn
	srv  *Server
	cfg  Config
	ep   *endpoint
	fsm  *fsm.FSM
	log  Logger

	sa             uint16
	bound          bool
	activationType byte
	activationSeen bool
	authenticated  bool
	denials        int

	registeredAt time.Time
	lastActivity *atomic.Int64 // unix nanoseconds

	inactivity *time.Timer
	alive      *time.Timer
	probes     []chan bool

	done chan struct{}
}

func newSession(srv *Server, id SocketID, conn net.Conn) *session {
	s := &session{
		id:           id,
		conn:         conn,
		srv:          srv,
		cfg:          srv.cfg,
		log:          srv.log.WithField("socket", id).WithField("peer", conn.RemoteAddr().String()),
		registeredAt: time.Now(),
		lastActivity: atomic.NewInt64(time.Now().UnixNano()),
		done:         make(chan struct{}),
	}
	_, s.authenticated = conn.(*tls.Conn)
	s.fsm = fsm.NewFSM(
		StateRegistered,
		fsm.Events{
			{Name: eventActivate, Src: []string{StateRegistered}, Dst: StateRoutingActivated},
			{Name: eventClose, Src: []string{StateRegistered, StateRoutingActivated}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debugf("state %s -> %s", e.Src, e.Dst)
			},
		},
	)
	s.ep = srv.router.attach(id, s.cfg.OutboundQueue)
	return s
}

// State returns the current connection state.
func (s *session) State() string { return s.fsm.Current() }

// run is the session loop. Messages of the connection are handled strictly in
// arrival order; it returns once the connection is closed.
func (s *session) run(ctx context.Context) {
	frames := make(chan inbound)
	go s.readLoop(frames)

	s.inactivity = time.NewTimer(s.cfg.InitialInactivity)
	defer s.inactivity.Stop()

	for {
		select {
		case f := <-frames:
			if err := s.handleFrame(ctx, f); err != nil {
				s.close(err)
				return
			}
		case m := <-s.ep.out:
			if err := s.write(m); err != nil {
				s.close(err)
				return
			}
		case reply := <-s.ep.probe:
			if err := s.startAliveCheck(reply); err != nil {
				s.close(err)
				return
			}
		case <-s.aliveC():
			s.close(ErrAliveCheckTimeout)
			return
		case <-s.inactivity.C:
			if s.activationSeen {
				s.close(ErrGeneralInactivity)
			} else {
				s.close(ErrInitialInactivity)
			}
			return
		case <-ctx.Done():
			s.close(ctx.Err())
			return
		}
	}
}

// readLoop reads one header and payload at a time. Payloads that must be
// discarded are skipped on the stream so framing is kept.
func (s *session) readLoop(frames chan<- inbound) {
	emit := func(f inbound) bool {
		select {
		case frames <- f:
			return true
		case <-s.done:
			return false
		}
	}

	hdr := make([]byte, HeaderLength)
	for {
		if _, err := io.ReadFull(s.conn, hdr); err != nil {
			emit(inbound{err: err})
			return
		}
		h, err := DecodeHeader(hdr)
		if errors.Is(err, ErrInvalidVersionCheck) || (err == nil && !supportedVersion(h.Version, h.PayloadType)) {
			emit(inbound{hdr: h, err: ErrInvalidVersionCheck})
			return
		}
		if err == nil {
			err = h.Validate(s.cfg.MaxDataSize)
		}
		if err != nil {
			if _, derr := io.CopyN(io.Discard, s.conn, int64(h.PayloadLength)); derr != nil {
				emit(inbound{err: derr})
				return
			}
			if !emit(inbound{hdr: h, err: err}) {
				return
			}
			continue
		}

		payload := make([]byte, h.PayloadLength)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			emit(inbound{err: err})
			return
		}
		if !emit(inbound{hdr: h, payload: payload}) {
			return
		}
	}
}

func (s *session) handleFrame(ctx context.Context, f inbound) error {
	if f.err != nil {
		switch {
		case errors.Is(f.err, ErrInvalidVersionCheck):
			s.log.Debugf("incorrect pattern %02x %02x", f.hdr.Version, f.hdr.InverseVersion)
			s.nack(HeaderIncorrectPatternFormat)
			return f.err
		case errors.Is(f.err, ErrUnsupportedPayloadType):
			s.log.Debugf("unknown payload type %s", f.hdr.PayloadType)
			return s.nack(HeaderUnknownPayloadType)
		case errors.Is(f.err, ErrMessageTooLarge):
			s.log.Debugf("payload of %d bytes too large", f.hdr.PayloadLength)
			return s.nack(HeaderMessageTooLarge)
		}
		return f.err
	}

	m, err := Unpack(f.hdr.PayloadType, f.payload)
	if err != nil {
		s.log.Debugf("discard: %v", err)
		return s.nack(HeaderInvalidPayloadLength)
	}
	s.touch()

	switch r := m.(type) {
	case *ActivationReq:
		return s.handleActivation(ctx, r)
	case *AliveChkRes:
		s.handleAliveResponse(r)
		return nil
	case *DiagMsg:
		return s.handleDiagnostic(r)
	case *EntityStatusReq:
		return s.write(s.srv.EntityStatus())
	case *PowerModeReq:
		return s.write(&PowerModeRes{Mode: s.cfg.powerMode()})
	default:
		// UDP only, or sent by entities only
		s.log.Debugf("payload type %s not accepted on TCP", m.Type())
		return s.nack(HeaderUnknownPayloadType)
	}
}

func (s *session) handleActivation(ctx context.Context, r *ActivationReq) error {
	if !s.activationSeen {
		s.activationSeen = true
		s.resetInactivity()
	}

	code := s.activate(ctx, r)
	res := &ActivationRes{
		TesterAddress: r.SourceAddress,
		EntityAddress: s.srv.identity.Identity().LogicalAddress,
		Code:          code,
	}
	if err := s.write(res); err != nil {
		return err
	}

	if code == RoutingSuccessfullyActivated {
		s.denials = 0
		s.log.Infof("routing activated for 0x%04x", r.SourceAddress)
		return nil
	}
	s.denials++
	s.log.Infof("routing activation for 0x%04x denied (0x%02x), %d/%d", r.SourceAddress, code, s.denials, s.cfg.MaxActivationDenials)
	if unrecoverableDenial(code) || s.denials >= s.cfg.MaxActivationDenials {
		return &ActivationDeniedError{Code: code}
	}
	return nil
}

// activate returns the routing activation response code for r.
func (s *session) activate(ctx context.Context, r *ActivationReq) byte {
	if !s.cfg.clientAddress(r.SourceAddress) {
		return RoutingDeniedUnknownSA
	}
	if s.bound && s.sa != r.SourceAddress {
		return RoutingDeniedSADifferent
	}

	code := s.srv.activationPolicy().Grant(ActivationRequest{
		SourceAddress:  r.SourceAddress,
		ActivationType: r.ActivationType,
		OpenSockets:    s.srv.OpenSockets(),
		Authenticated:  s.authenticated,
		ReserveForOEM:  r.ReserveForOEM,
	})
	if code != RoutingSuccessfullyActivated {
		return code
	}

	if err := s.register(ctx, r); err != nil {
		return denialCode(err)
	}
	if s.fsm.Can(eventActivate) {
		if err := s.fsm.Event(ctx, eventActivate); err != nil {
			s.log.Errorf("activate: %v", err)
		}
	}
	s.sa = r.SourceAddress
	s.bound = true
	s.activationType = r.ActivationType
	return RoutingSuccessfullyActivated
}

// register binds the source address in the table. A conflicting holder, or
// every holder when the table is full, is alive checked first; dead ones are
// closed and the registration retried once.
func (s *session) register(ctx context.Context, r *ActivationReq) error {
	err := s.srv.table.Register(r.SourceAddress, s.id, r.ActivationType)
	if err == nil {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, 2*s.cfg.AliveCheckTimeout)
	defer cancel()

	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		if s.srv.router.Probe(pctx, conflict.Holder) {
			return err
		}
	case errors.Is(err, ErrNoFreeSocket):
		if s.srv.router.ProbeAll(pctx, s.srv.table.Sockets()) == 0 {
			return err
		}
	default:
		return err
	}
	return s.srv.table.Register(r.SourceAddress, s.id, r.ActivationType)
}

func (s *session) handleDiagnostic(r *DiagMsg) error {
	if s.State() != StateRoutingActivated || r.SourceAddress != s.sa {
		if err := s.write(diagAck(r, true, DiagnosticNackInvalidSA)); err != nil {
			s.log.Debugf("failed to send diagnostic NACK to 0x%04x: %v", r.SourceAddress, err)
		}
		return ErrUnknownSourceAddress
	}
	if uint32(len(r.Userdata)) > s.cfg.MaxDiagnosticSize {
		return s.write(diagAck(r, true, DiagnosticNackMessageTooLarge))
	}
	if _, ok := s.srv.router.Resolve(r.TargetAddress); !ok {
		s.log.Debugf("unknown target address 0x%04x", r.TargetAddress)
		return s.write(diagAck(r, true, DiagnosticNackUnknownTA))
	}
	if err := s.write(diagAck(r, false, DiagnosticAckConfirmed)); err != nil {
		return err
	}

	switch s.srv.router.route(s.id, r) {
	case RouteForwarded:
		return nil
	case NoRouteToTarget:
		return s.write(diagAck(r, true, DiagnosticNackUnknownTA))
	default:
		return s.write(diagAck(r, true, DiagnosticNackTargetUnreachable))
	}
}

func diagAck(r *DiagMsg, negative bool, code byte) *DiagAck {
	return &DiagAck{
		Negative:      negative,
		SourceAddress: r.TargetAddress,
		TargetAddress: r.SourceAddress,
		Code:          code,
	}
}

func (s *session) startAliveCheck(reply chan bool) error {
	s.probes = append(s.probes, reply)
	if s.alive != nil {
		return nil
	}
	if err := s.write(&AliveChkReq{}); err != nil {
		return err
	}
	s.alive = time.NewTimer(s.cfg.AliveCheckTimeout)
	return nil
}

func (s *session) handleAliveResponse(r *AliveChkRes) {
	if s.alive == nil {
		return
	}
	if s.bound && r.SourceAddress != s.sa {
		s.log.Debugf("alive check response from 0x%04x, bound to 0x%04x", r.SourceAddress, s.sa)
	}
	s.alive.Stop()
	s.alive = nil
	for _, p := range s.probes {
		p <- true
	}
	s.probes = nil
}

func (s *session) aliveC() <-chan time.Time {
	if s.alive == nil {
		return nil
	}
	return s.alive.C
}

// touch refreshes the general inactivity timer on every valid message.
func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
	if s.activationSeen {
		s.resetInactivity()
	}
}

func (s *session) resetInactivity() {
	if !s.inactivity.Stop() {
		select {
		case <-s.inactivity.C:
		default:
		}
	}
	s.inactivity.Reset(s.cfg.GeneralInactivity)
}

func (s *session) nack(code byte) error {
	return s.write(&GenericNACK{Code: code})
}

// write sends one message; the session loop is the only writer.
func (s *session) write(m Msg) error {
	b, err := Marshal(s.cfg.ProtocolVersion, m)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_, err = s.conn.Write(b)
	return err
}

// close leaves the table before the socket is reported closed, so no route
// resolves to it afterwards.
func (s *session) close(cause error) {
	if err := s.fsm.Event(context.Background(), eventClose); err != nil {
		s.log.Debugf("close: %v", err)
	}
	s.srv.table.Deregister(s.id)
	s.srv.router.detach(s.id)
	close(s.done)

	if s.alive != nil {
		s.alive.Stop()
		s.alive = nil
	}
	for _, p := range s.probes {
		p <- false
	}
	s.probes = nil

	s.conn.Close()
	s.srv.open.Dec()

	switch Classify(cause) {
	case ClassTimeout, ClassFraming, ClassRouting, ClassPayload:
		idle := time.Since(time.Unix(0, s.lastActivity.Load()))
		s.log.Infof("closed after %s, idle %s: %v", time.Since(s.registeredAt).Round(time.Millisecond), idle.Round(time.Millisecond), cause)
	default:
		s.log.Debugf("closed: %v", cause)
	}
}
