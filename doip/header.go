package doip

import (
	"encoding/binary"
	"fmt"
)

// PayloadType represent the type of data
type PayloadType uint16

func (t PayloadType) String() string {
	if n, ok := payloadTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(0x%04x)", uint16(t))
}

var payloadTypeNames = map[PayloadType]string{
	GenericHeaderNegativeAcknowledge:     "GenericHeaderNACK",
	VehicleIdentificationRequest:         "VehicleIdentificationRequest",
	VehicleIdentificationRequestEID:      "VehicleIdentificationRequestEID",
	VehicleIdentificationRequestVIN:      "VehicleIdentificationRequestVIN",
	VehicleAnnouncementMessage:           "VehicleAnnouncement",
	RoutingActivationRequest:             "RoutingActivationRequest",
	RoutingActivationResponse:            "RoutingActivationResponse",
	AliveCheckRequest:                    "AliveCheckRequest",
	AliveCheckResponse:                   "AliveCheckResponse",
	EntityStatusRequest:                  "EntityStatusRequest",
	EntityStatusResponse:                 "EntityStatusResponse",
	DiagnosticPowerModeRequest:           "DiagnosticPowerModeRequest",
	DiagnosticPowerModeResponse:          "DiagnosticPowerModeResponse",
	DiagnosticMessage:                    "DiagnosticMessage",
	DiagnosticMessagePositiveAcknowledge: "DiagnosticMessageACK",
	DiagnosticMessageNegativeAcknowledge: "DiagnosticMessageNACK",
}

// Known reports whether t is a payload type this package can decode.
func (t PayloadType) Known() bool {
	_, ok := payloadTypeNames[t]
	return ok
}

// GenericHeader is the 8 byte prefix of every DoIP message.
//
//	[version:1][inverse version:1][payload type:2][payload length:4]
type GenericHeader struct {
	Version        uint8
	InverseVersion uint8
	PayloadType    PayloadType
	PayloadLength  uint32
}

// NewHeader returns a header for the given type and length using version v.
func NewHeader(v uint8, t PayloadType, length uint32) GenericHeader {
	return GenericHeader{
		Version:        v,
		InverseVersion: ^v,
		PayloadType:    t,
		PayloadLength:  length,
	}
}

// DecodeHeader parses the generic header at the start of b.
//
// ErrIncompleteHeader means the caller must buffer more bytes and retry.
// ErrUnsupportedPayloadType is returned together with a fully parsed header so the
// caller can answer with a NACK and skip PayloadLength bytes.
func DecodeHeader(b []byte) (GenericHeader, error) {
	if len(b) < HeaderLength {
		return GenericHeader{}, ErrIncompleteHeader
	}
	h := GenericHeader{
		Version:        b[0],
		InverseVersion: b[1],
		PayloadType:    PayloadType(binary.BigEndian.Uint16(b[2:4])),
		PayloadLength:  binary.BigEndian.Uint32(b[4:8]),
	}
	if h.Version^h.InverseVersion != 0xFF {
		return h, ErrInvalidVersionCheck
	}
	if !h.PayloadType.Known() {
		return h, ErrUnsupportedPayloadType
	}
	return h, nil
}

// EncodeHeader returns the wire form of h.
func EncodeHeader(h GenericHeader) []byte {
	b := make([]byte, HeaderLength)
	putHeader(b, h)
	return b
}

func putHeader(b []byte, h GenericHeader) {
	b[0] = h.Version
	b[1] = h.InverseVersion
	binary.BigEndian.PutUint16(b[2:4], uint16(h.PayloadType))
	binary.BigEndian.PutUint32(b[4:8], h.PayloadLength)
}

// Validate checks the declared length against the maximum the receiver can process.
func (h GenericHeader) Validate(max uint32) error {
	if max > 0 && h.PayloadLength > max {
		return ErrMessageTooLarge
	}
	return nil
}

// Marshal frames m with a generic header of version v. The payload length is always
// taken from the packed payload.
func Marshal(v uint8, m Msg) ([]byte, error) {
	p, err := Pack(m)
	if err != nil {
		return nil, err
	}
	b := make([]byte, HeaderLength+len(p))
	putHeader(b, NewHeader(v, m.Type(), uint32(len(p))))
	copy(b[HeaderLength:], p)
	return b, nil
}

// Unmarshal decodes one complete framed message.
func Unmarshal(b []byte) (GenericHeader, Msg, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return h, nil, err
	}
	if uint64(len(b)-HeaderLength) != uint64(h.PayloadLength) {
		return h, nil, fmt.Errorf("%w: header declares %d bytes, got %d", ErrMalformedPayload, h.PayloadLength, len(b)-HeaderLength)
	}
	m, err := Unpack(h.PayloadType, b[HeaderLength:])
	return h, m, err
}

// supportedVersion reports whether the entity accepts version v for payload type t.
func supportedVersion(v uint8, t PayloadType) bool {
	switch v {
	case ProtocolVersion2010, ProtocolVersion2012, ProtocolVersion2019:
		return true
	case ProtocolVersionDefault:
		switch t {
		case VehicleIdentificationRequest, VehicleIdentificationRequestEID, VehicleIdentificationRequestVIN:
			return true
		}
	}
	return false
}
