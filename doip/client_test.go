package doip

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEntity is a scripted entity accepting a single tester connection.
type fakeEntity struct {
	t    *testing.T
	l    net.Listener
	conn net.Conn
}

func newFakeEntity(t *testing.T) *fakeEntity {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return &fakeEntity{t: t, l: l}
}

func (f *fakeEntity) addr() string { return f.l.Addr().String() }

func (f *fakeEntity) accept() {
	f.t.Helper()
	conn, err := f.l.Accept()
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })
	f.conn = conn
}

func (f *fakeEntity) read() Msg {
	f.t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(time.Second))
	var hdr [HeaderLength]byte
	_, err := io.ReadFull(f.conn, hdr[:])
	require.NoError(f.t, err)
	h, err := DecodeHeader(hdr[:])
	require.NoError(f.t, err)
	payload := make([]byte, h.PayloadLength)
	_, err = io.ReadFull(f.conn, payload)
	require.NoError(f.t, err)
	m, err := Unpack(h.PayloadType, payload)
	require.NoError(f.t, err)
	return m
}

func (f *fakeEntity) send(m Msg) {
	f.t.Helper()
	b, err := Marshal(ProtocolVersion2012, m)
	require.NoError(f.t, err)
	_, err = f.conn.Write(b)
	require.NoError(f.t, err)
}

// dialed returns a tester connected to f without routing activation.
func (f *fakeEntity) dialed(sa uint16) *DoIP {
	f.t.Helper()
	c := NewDoIP(loge, sa, f.addr())
	c.SetReadTimeout(300 * time.Millisecond)
	require.NoError(f.t, c.Dial())
	f.t.Cleanup(c.Disconnect)
	f.accept()
	return c
}

func TestClientNotConnected(t *testing.T) {
	c := NewDoIP(loge, 0x0E80, "127.0.0.1:1")
	assert.EqualError(t, c.Send(0x0001, []byte{0x10}), "#12 <DoIP: Session disconnected>")
	c.Disconnect()
}

func TestClientDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	c := NewDoIP(loge, 0x0E80, addr)
	assert.Error(t, c.Connect())
}

func TestClientActivate(t *testing.T) {
	f := newFakeEntity(t)
	c := f.dialed(0x0E80)

	done := make(chan error, 1)
	go func() {
		_, err := c.Activate(ActivationCentralSecurity)
		done <- err
	}()

	req, ok := f.read().(*ActivationReq)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0E80), req.SourceAddress)
	assert.Equal(t, ActivationCentralSecurity, req.ActivationType)

	// unrelated traffic before the response is dropped
	f.send(&PowerModeRes{Mode: PowerModeReady})
	f.send(&ActivationRes{TesterAddress: 0x0E80, EntityAddress: 0x1234, Code: RoutingSuccessfullyActivated})
	require.NoError(t, <-done)
	assert.Equal(t, uint16(0x1234), c.EntityAddress())
}

func TestClientActivationErrors(t *testing.T) {
	f := newFakeEntity(t)
	c := f.dialed(0x0E80)

	go f.send(&ActivationRes{TesterAddress: 0x0E81, EntityAddress: 0x1000, Code: RoutingSuccessfullyActivated})
	_, err := c.Activate(ActivationDefault)
	assert.ErrorIs(t, err, unmatchedSrcAddr)
	f.read()

	go f.send(&ActivationRes{TesterAddress: 0x0E80, EntityAddress: 0x1000, Code: RoutingDeniedUnknownSA})
	res, err := c.Activate(ActivationDefault)
	assert.ErrorIs(t, err, routingActivationResponseFailed)
	require.NotNil(t, res)
	assert.Equal(t, RoutingDeniedUnknownSA, res.Code)
	f.read()

	go f.send(&GenericNACK{Code: HeaderMessageTooLarge})
	_, err = c.Activate(ActivationDefault)
	var nack *NackError
	require.ErrorAs(t, err, &nack)
	assert.Equal(t, HeaderMessageTooLarge, nack.Code)
}

func TestClientAnswersAliveCheck(t *testing.T) {
	f := newFakeEntity(t)
	f.dialed(0x0E80)

	f.send(&AliveChkReq{})
	assert.Equal(t, &AliveChkRes{SourceAddress: 0x0E80}, f.read())
}

func TestClientAliveCheckDisabled(t *testing.T) {
	f := newFakeEntity(t)
	c := f.dialed(0x0E80)
	c.AnswerAliveCheck(false)

	f.send(&AliveChkReq{})
	m, err := c.ReceiveMsg()
	require.NoError(t, err)
	assert.IsType(t, &AliveChkReq{}, m)
}

func TestClientReceive(t *testing.T) {
	f := newFakeEntity(t)
	c := f.dialed(0x0E80)

	f.send(&DiagAck{SourceAddress: 0x0001, TargetAddress: 0x0E80})
	f.send(&DiagMsg{SourceAddress: 0x0001, TargetAddress: 0x0E80, Userdata: []byte{0x50, 0x03}})
	src, ta, data, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0001), src)
	assert.Equal(t, uint16(0x0E80), ta)
	assert.Equal(t, []byte{0x50, 0x03}, data)

	f.send(&DiagAck{Negative: true, SourceAddress: 0x0001, TargetAddress: 0x0E80, Code: DiagnosticNackTargetUnreachable})
	_, _, _, err = c.Receive()
	var nack *NackError
	require.ErrorAs(t, err, &nack)
	assert.Equal(t, DiagnosticNackTargetUnreachable, nack.Code)
	assert.ErrorIs(t, err, negativeAck)

	f.send(&DiagMsg{SourceAddress: 0x0001, TargetAddress: 0x0E81, Userdata: []byte{0x50}})
	_, _, _, err = c.Receive()
	assert.ErrorIs(t, err, unmatchedSrcAddr)

	_, _, _, err = c.Receive()
	assert.True(t, IsTimeout(err))
}

func TestClientSkipsUndecodable(t *testing.T) {
	f := newFakeEntity(t)
	c := f.dialed(0x0E80)

	_, err := f.conn.Write(rawFrame(0x02, 0xFD, DiagnosticMessage, []byte{0x00}))
	require.NoError(t, err)
	_, err = f.conn.Write(rawFrame(0x02, 0xFD, PayloadType(0x7777), []byte{1, 2}))
	require.NoError(t, err)
	f.send(&PowerModeRes{Mode: PowerModeNotReady})

	m, err := c.ReceiveMsg()
	require.NoError(t, err)
	assert.Equal(t, &PowerModeRes{Mode: PowerModeNotReady}, m)
}

func TestClientInvalidHeader(t *testing.T) {
	f := newFakeEntity(t)
	c := f.dialed(0x0E80)

	_, err := f.conn.Write(rawFrame(0x02, 0x02, AliveCheckRequest, nil))
	require.NoError(t, err)
	_, err = c.ReceiveMsg()
	assert.True(t, errors.Is(err, incorrectPatternFormat))

	_, err = c.ReceiveMsg()
	assert.True(t, IsDisconnected(err))
}

func TestClientRejectsOversizedPayload(t *testing.T) {
	f := newFakeEntity(t)
	c := f.dialed(0x0E80)

	h := GenericHeader{Version: 0x02, InverseVersion: 0xFD, PayloadType: DiagnosticMessage, PayloadLength: 0xFFFFFFF0}
	_, err := f.conn.Write(EncodeHeader(h))
	require.NoError(t, err)

	_, err = c.ReceiveMsg()
	assert.ErrorIs(t, err, invalidPayloadLength)
	_, err = c.ReceiveMsg()
	assert.True(t, IsDisconnected(err))
}

func TestClientPeerClose(t *testing.T) {
	f := newFakeEntity(t)
	c := f.dialed(0x0E80)

	f.send(&PowerModeRes{Mode: PowerModeReady})
	f.conn.Close()

	// messages read before the close are still delivered
	m, err := c.ReceiveMsg()
	require.NoError(t, err)
	assert.IsType(t, &PowerModeRes{}, m)

	_, err = c.ReceiveMsg()
	assert.EqualError(t, err, "#12 <DoIP: Session disconnected>")
}
