package doip

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ClassNone},
		{ErrInvalidVersionCheck, ClassFraming},
		{ErrIncompleteHeader, ClassFraming},
		{fmt.Errorf("%w: short", ErrMalformedPayload), ClassPayload},
		{ErrMessageTooLarge, ClassPayload},
		{&ConflictError{SourceAddress: 0x0E00, Holder: 1}, ClassRouting},
		{&ActivationDeniedError{Code: RoutingDeniedMissingAuthentication}, ClassRouting},
		{ErrNoFreeSocket, ClassRouting},
		{ErrNoRouteToTarget, ClassRouteResolution},
		{ErrTargetUnreachable, ClassRouteResolution},
		{ErrGeneralInactivity, ClassTimeout},
		{ErrAliveCheckTimeout, ClassTimeout},
		{io.EOF, ClassTransport},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
	assert.Equal(t, "route-resolution", ClassRouteResolution.String())
}

func TestErrorMessages(t *testing.T) {
	assert.EqualError(t, ErrInvalidVersionCheck, "DoIP: invalid protocol version check")
	assert.EqualError(t, &ConflictError{SourceAddress: 0x0E00, Holder: 3}, "DoIP: source address 0x0e00 already registered on socket 3")
	assert.EqualError(t, &ActivationDeniedError{Code: 0x06}, "DoIP: routing activation denied (0x06)")

	err := fmt.Errorf("activate: %w", &ActivationDeniedError{Code: 0x04})
	assert.True(t, errors.Is(err, ErrRoutingActivationDenied))
	assert.Equal(t, RoutingDeniedMissingAuthentication, denialCode(err))
}

func TestUnrecoverableDenial(t *testing.T) {
	for code := 0; code < 0x10; code++ {
		want := code == 0x02 || code == 0x05 || code == 0x06
		assert.Equal(t, want, unrecoverableDenial(byte(code)), "0x%02x", code)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy{}
	assert.Equal(t, RoutingSuccessfullyActivated, p.Grant(ActivationRequest{ActivationType: ActivationDefault}))
	assert.Equal(t, RoutingSuccessfullyActivated, p.Grant(ActivationRequest{ActivationType: ActivationCentralSecurity}))
	assert.Equal(t, RoutingDeniedUnsupportedType, p.Grant(ActivationRequest{ActivationType: 0x02}))

	p.RequireAuthentication = true
	assert.Equal(t, RoutingDeniedMissingAuthentication, p.Grant(ActivationRequest{}))
	assert.Equal(t, RoutingSuccessfullyActivated, p.Grant(ActivationRequest{Authenticated: true}))
}

func TestClientErrors(t *testing.T) {
	assert.EqualError(t, sessionDisconnected, "#12 <DoIP: Session disconnected>")
	assert.EqualError(t, timeout, "#01 <DoIP: Receive timeout>")
	assert.True(t, IsTimeout(fmt.Errorf("x: %w", timeout)))
	assert.True(t, IsDisconnected(sessionDisconnected))
	assert.False(t, IsDisconnected(io.EOF))

	nack := &NackError{Type: DiagnosticMessageNegativeAcknowledge, Code: DiagnosticNackUnknownTA}
	assert.ErrorIs(t, nack, negativeAck)
	assert.EqualError(t, nack, "DoIP: DiagnosticMessageNACK code 0x03")
}

func TestConfigDefaults(t *testing.T) {
	c := Config{MaxDataSize: 100}.withDefaults()
	assert.Equal(t, uint32(96), c.MaxDiagnosticSize)
	assert.Equal(t, ProtocolVersion2012, c.ProtocolVersion)
	assert.Equal(t, uint16(0x0E00), c.ClientAddressMin)
	assert.Equal(t, uint16(0x0FFF), c.ClientAddressMax)
	assert.Equal(t, 3, c.MaxActivationDenials)
	assert.Equal(t, PowerModeNotSupported, c.powerMode())

	// too small to carry any user data
	c = Config{MaxDataSize: 3}.withDefaults()
	assert.Equal(t, uint32(0), c.MaxDiagnosticSize)
}

func TestStaticIdentitySync(t *testing.T) {
	s := testIdentity()
	assert.Nil(t, s.Identity().SyncStatus)

	gid := [6]byte{9, 9, 9, 9, 9, 9}
	s.SyncVIN(VINFromString("WAUZZZ8V0JA000002"), gid)
	id := s.Identity()
	assert.Equal(t, gid, id.GID)
	assert.True(t, id.MatchVIN(VINFromString("WAUZZZ8V0JA000002")))
	if assert.NotNil(t, id.SyncStatus) {
		assert.Equal(t, SyncStatusSynchronized, *id.SyncStatus)
	}
}
