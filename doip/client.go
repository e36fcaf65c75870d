package doip

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	readTimeout = 5 * time.Second
	dialTimeout = 10 * time.Second

	maxPayloadSize = 1 << 16
)

// DoIP is the test equipment side of a DoIP connection.
type DoIP struct {
	log            Logger
	source         uint16
	server         string
	version        uint8
	readTimeout    time.Duration
	maxPayload     uint32
	tlsConfig      *tls.Config
	answerAlive    bool
	entityAddress  uint16
	mtx            sync.Mutex
	inChan         chan Msg
	errChan        chan error
	running        chan struct{}
	connection     net.Conn
	activationType byte
}

type doIPError int

const (
	noError                         doIPError = 0
	timeout                         doIPError = 1
	unmatchedSrcAddr                doIPError = 2
	incorrectPatternFormat          doIPError = 7
	invalidPayloadLength            doIPError = 8
	negativeAck                     doIPError = 9
	positiveAck                     doIPError = 10
	routingActivationResponseFailed doIPError = 11
	sessionDisconnected             doIPError = 12
	unknownPayloadType              doIPError = 13
	unknownError                    doIPError = 14
)

func (d doIPError) Error() string {
	switch d {
	case noError:
		return fmt.Sprintf("#%02d <DoIP: No error>", d)
	case timeout:
		return fmt.Sprintf("#%02d <DoIP: Receive timeout>", d)
	case unmatchedSrcAddr:
		return fmt.Sprintf("#%02d <DoIP: Unmatched src address>", d)
	case incorrectPatternFormat:
		return fmt.Sprintf("#%02d <DoIP: Header incorrect pattern format, close socket>", d)
	case invalidPayloadLength:
		return fmt.Sprintf("#%02d <DoIP: Invalid payload length, close socket>", d)
	case negativeAck:
		return fmt.Sprintf("#%02d <DoIP: Negative ACK response>", d)
	case positiveAck:
		return fmt.Sprintf("#%02d <DoIP: Positive ACK response>", d)
	case routingActivationResponseFailed:
		return fmt.Sprintf("#%02d <DoIP: Routing activation failed>", d)
	case sessionDisconnected:
		return fmt.Sprintf("#%02d <DoIP: Session disconnected>", d)
	case unknownPayloadType:
		return fmt.Sprintf("#%02d <DoIP: Unknown payload type>", d)
	default:
		return fmt.Sprintf("#%02d <DoIP: Unknown error>", unknownError)
	}
}

func (d doIPError) IsTimeout() bool {
	return d == timeout
}

func (d doIPError) IsDisconnected() bool {
	return d == sessionDisconnected
}

// NackError is returned by Receive when the entity answered with a negative
// acknowledgement.
type NackError struct {
	Type PayloadType
	Code byte
}

func (e *NackError) Error() string {
	return fmt.Sprintf("DoIP: %s code 0x%02x", e.Type, e.Code)
}

// Unwrap lets errors.Is(err, negativeAck) hold.
func (e *NackError) Unwrap() error { return negativeAck }

// IsTimeout reports whether err is a receive timeout of the client.
func IsTimeout(err error) bool {
	var e doIPError
	return errors.As(err, &e) && e.IsTimeout()
}

// IsDisconnected reports whether err means the connection is gone.
func IsDisconnected(err error) bool {
	var e doIPError
	return errors.As(err, &e) && e.IsDisconnected()
}

// NewDoIP creates a tester client with source address sourceAddress for the
// entity at server.
func NewDoIP(logger Logger, sourceAddress uint16, server string) *DoIP {
	if logger == nil {
		logger = discardLogger()
	}
	return &DoIP{
		log:         logger,
		source:      sourceAddress,
		server:      server,
		version:     protocolVersion,
		readTimeout: readTimeout,
		maxPayload:  maxPayloadSize,
		answerAlive: true,
	}
}

// SetReadTimeout set a custom read timeout
func (d *DoIP) SetReadTimeout(timeout time.Duration) {
	d.readTimeout = timeout
}

// SetMaxPayloadSize bounds the payload length accepted from the entity. A
// larger message closes the connection. Call it before Dial.
func (d *DoIP) SetMaxPayloadSize(n uint32) {
	d.maxPayload = n
}

// SetTLSConfig makes Dial use TLS.
func (d *DoIP) SetTLSConfig(cfg *tls.Config) {
	d.tlsConfig = cfg
}

// SetActivationType selects the activation type sent by Connect.
func (d *DoIP) SetActivationType(t byte) {
	d.activationType = t
}

// AnswerAliveCheck enables or disables the automatic alive check response.
// When disabled, alive check requests are handed to ReceiveMsg.
func (d *DoIP) AnswerAliveCheck(on bool) {
	d.mtx.Lock()
	d.answerAlive = on
	d.mtx.Unlock()
}

// EntityAddress returns the logical address reported by the last successful
// routing activation.
func (d *DoIP) EntityAddress() uint16 {
	return d.entityAddress
}

// Connect dials the entity and activates routing.
func (d *DoIP) Connect() error {
	if err := d.Dial(); err != nil {
		return err
	}
	if _, err := d.Activate(d.activationType); err != nil {
		d.log.Debugf("Activation handshake failed %v", err)
		// close the connection and stop the input loop
		d.Disconnect()
		return err
	}
	return nil
}

// Dial opens the TCP connection without routing activation.
func (d *DoIP) Dial() error {
	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if d.tlsConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", d.server, d.tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", d.server)
	}
	if err != nil {
		d.log.Debugf("Dial %s failed: %v", d.server, err)
		return err
	}

	d.mtx.Lock()
	d.connection = conn
	d.inChan = make(chan Msg, 16)
	d.errChan = make(chan error, 1)
	d.running = make(chan struct{})
	d.mtx.Unlock()

	// pass connection to inputLoop to avoid a race with Disconnect
	go d.inputLoop(conn, d.inChan, d.errChan, d.running)
	return nil
}

// Disconnect : closes the connection to the server
func (d *DoIP) Disconnect() {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.connection == nil {
		return
	}
	close(d.running)
	if err := d.connection.Close(); err != nil {
		d.log.Debugf("Failed to close the socket (%v)", err)
	}
	d.connection = nil
}

// Activate sends a routing activation request and waits for the response.
// A response other than successfully activated is returned together with an error.
func (d *DoIP) Activate(activationType byte) (*ActivationRes, error) {
	err := d.SendMsg(&ActivationReq{SourceAddress: d.source, ActivationType: activationType})
	if err != nil {
		return nil, err
	}
	m, err := d.receiveType(RoutingActivationResponse)
	if err != nil {
		return nil, err
	}
	res := m.(*ActivationRes)
	if res.TesterAddress != d.source {
		return res, unmatchedSrcAddr
	}
	if res.Code != RoutingSuccessfullyActivated {
		return res, fmt.Errorf("%w: code 0x%02x", routingActivationResponseFailed, res.Code)
	}
	d.entityAddress = res.EntityAddress
	return res, nil
}

// SendMsg frames and writes m.
func (d *DoIP) SendMsg(m Msg) error {
	b, err := Marshal(d.version, m)
	if err != nil {
		return err
	}
	return d.write(b)
}

// SendRaw writes already framed bytes.
func (d *DoIP) SendRaw(b []byte) error {
	return d.write(b)
}

func (d *DoIP) write(b []byte) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.connection == nil {
		d.log.Debugf("Attempt to send when not connected")
		return sessionDisconnected
	}
	_, err := d.connection.Write(b)
	return err
}

// Send writes a diagnostic message for targetAddress.
func (d *DoIP) Send(targetAddress uint16, data []byte) error {
	return d.SendMsg(&DiagMsg{SourceAddress: d.source, TargetAddress: targetAddress, Userdata: data})
}

// Exchange sends data to targetAddress and returns the next diagnostic
// message addressed to the tester.
func (d *DoIP) Exchange(targetAddress uint16, data []byte) ([]byte, error) {
	if err := d.Send(targetAddress, data); err != nil {
		return nil, err
	}
	_, _, readData, err := d.Receive()
	return readData, err
}

// ReceiveMsg returns the next message from the entity.
func (d *DoIP) ReceiveMsg() (Msg, error) {
	select {
	case m, ok := <-d.inChan:
		if ok {
			return m, nil
		}
		// the loop reports its failure before closing inChan
		if err, ok := <-d.errChan; ok {
			return nil, err
		}
		return nil, sessionDisconnected
	case err, ok := <-d.errChan:
		if !ok {
			// messages read before the close are still delivered
			if m, ok := <-d.inChan; ok {
				return m, nil
			}
			return nil, sessionDisconnected
		}
		return nil, err
	case <-time.After(d.readTimeout):
		return nil, timeout
	}
}

// Receive returns the next diagnostic message. Positive acknowledgements are
// skipped; negative ones and generic NACKs are returned as *NackError.
func (d *DoIP) Receive() (source uint16, target uint16, data []byte, err error) {
	for {
		m, err := d.ReceiveMsg()
		if err != nil {
			return 0, 0, nil, err
		}
		switch r := m.(type) {
		case *DiagMsg:
			if r.TargetAddress != d.source {
				return r.SourceAddress, r.TargetAddress, nil, unmatchedSrcAddr
			}
			return r.SourceAddress, r.TargetAddress, r.Userdata, nil
		case *DiagAck:
			if r.Negative {
				return r.SourceAddress, r.TargetAddress, nil, &NackError{Type: r.Type(), Code: r.Code}
			}
		case *GenericNACK:
			return 0, 0, nil, &NackError{Type: r.Type(), Code: r.Code}
		default:
			d.log.Debugf("DoIP: drop %s while waiting for a diagnostic message", m.Type())
		}
	}
}

// receiveType waits for a message of type t, returning generic NACKs as errors.
func (d *DoIP) receiveType(t PayloadType) (Msg, error) {
	for {
		m, err := d.ReceiveMsg()
		if err != nil {
			return nil, err
		}
		if m.Type() == t {
			return m, nil
		}
		if n, ok := m.(*GenericNACK); ok {
			return nil, &NackError{Type: n.Type(), Code: n.Code}
		}
		d.log.Debugf("DoIP: drop %s while waiting for %s", m.Type(), t)
	}
}

// inputLoop: waits for incoming data on the socket
// First, reads the header and extracts the package size
// Reads the package payload according to the size
// Drops message / sets errors as specified in the ISO or sends the message up
func (d *DoIP) inputLoop(connection net.Conn, inChan chan<- Msg, errChan chan<- error, running <-chan struct{}) {
	defer close(inChan)
	defer close(errChan)

	stopped := func() bool {
		select {
		case <-running:
			return true
		default:
			return false
		}
	}

	var header [HeaderLength]byte
	for {
		n, err := io.ReadFull(connection, header[:])
		if err != nil {
			if !stopped() && err != io.EOF && err != io.ErrUnexpectedEOF {
				d.log.Debugf("DoIP: Failed to read from socket (recv: %v of %v, err: %v)", n, HeaderLength, err)
			}
			return
		}
		h, err := DecodeHeader(header[:])
		if errors.Is(err, ErrInvalidVersionCheck) {
			d.log.Debugf("DoIP Protocol Error")
			errChan <- incorrectPatternFormat
			return
		}
		if err := h.Validate(d.maxPayload); err != nil {
			d.log.Debugf("DoIP: %s of %d bytes exceeds %d", h.PayloadType, h.PayloadLength, d.maxPayload)
			errChan <- invalidPayloadLength
			return
		}

		payload := make([]byte, h.PayloadLength)
		n, err = io.ReadFull(connection, payload)
		if err != nil {
			if !stopped() && err != io.EOF && err != io.ErrUnexpectedEOF {
				d.log.Debugf("DoIP: Failed to read from socket (recv: %v of %v, err: %v)", n, h.PayloadLength, err)
			}
			return
		}

		m, err := Unpack(h.PayloadType, payload)
		if err != nil {
			d.log.Debugf("DoIP: drop %s: %v", h.PayloadType, err)
			continue
		}

		if _, ok := m.(*AliveChkReq); ok {
			d.mtx.Lock()
			answer := d.answerAlive
			d.mtx.Unlock()
			if answer {
				if err := d.SendMsg(&AliveChkRes{SourceAddress: d.source}); err != nil {
					d.log.Debugf("DoIP: alive check response: %v", err)
				}
				continue
			}
		}

		select {
		case inChan <- m:
		case <-running:
			return
		}
	}
}

// VehicleInfo is one answer to a vehicle identification request.
type VehicleInfo struct {
	Addr net.Addr
	*VehicleAnnouncement
}

// DiscoverVehicles sends a vehicle identification request to addr, typically
// the broadcast address on port 13400, and collects announcements until ctx is
// done. req is one of the three vehicle identification requests, nil for the
// plain one.
func DiscoverVehicles(ctx context.Context, addr string, req Msg) ([]VehicleInfo, error) {
	if req == nil {
		req = &VehicleIDRequest{}
	}
	var out []VehicleInfo
	err := exchangeUDP(ctx, addr, req, func(src net.Addr, m Msg) bool {
		if a, ok := m.(*VehicleAnnouncement); ok {
			out = append(out, VehicleInfo{Addr: src, VehicleAnnouncement: a})
		}
		return false
	})
	return out, err
}

// RequestUDP sends req to addr and returns the first reply.
func RequestUDP(ctx context.Context, addr string, req Msg) (Msg, error) {
	var res Msg
	err := exchangeUDP(ctx, addr, req, func(_ net.Addr, m Msg) bool {
		res = m
		return true
	})
	if err == nil && res == nil {
		err = timeout
	}
	return res, err
}

// exchangeUDP reads replies until fn returns true or ctx is done.
func exchangeUDP(ctx context.Context, addr string, req Msg, fn func(net.Addr, Msg) bool) error {
	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return err
	}
	pc, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return err
	}
	defer pc.Close()

	b, err := Marshal(protocolVersion, req)
	if err != nil {
		return err
	}
	if _, err := pc.WriteTo(b, dst); err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		pc.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { pc.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := pc.ReadFrom(buf)
		if err != nil {
			var neterr net.Error
			if errors.As(err, &neterr) && neterr.Timeout() {
				return nil
			}
			return err
		}
		_, m, err := Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		if fn(src, m) {
			return nil
		}
	}
}
