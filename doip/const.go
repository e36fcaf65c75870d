package doip

// Protocol versions, Table 16
const (
	ProtocolVersion2010    uint8 = 0x01 // ISO/DIS 13400-2:2010
	ProtocolVersion2012    uint8 = 0x02 // ISO 13400-2:2012
	ProtocolVersion2019    uint8 = 0x03 // ISO 13400-2:2019
	ProtocolVersionDefault uint8 = 0xFF // only valid on vehicle identification requests

	protocolVersion        uint8 = ProtocolVersion2012
	inverseProtocolVersion uint8 = ^protocolVersion
)

const (
	// HeaderLength is the size of the generic DoIP header.
	HeaderLength = 8

	// Port is used for UDP_DISCOVERY and TCP_DATA.
	Port = 13400
	// TLSPort is used for TCP_DATA over TLS.
	TLSPort = 3496
)

//Table 17: DoIP Payload types
const (
	GenericHeaderNegativeAcknowledge     PayloadType = 0x0000
	VehicleIdentificationRequest         PayloadType = 0x0001
	VehicleIdentificationRequestEID      PayloadType = 0x0002
	VehicleIdentificationRequestVIN      PayloadType = 0x0003
	VehicleAnnouncementMessage           PayloadType = 0x0004
	RoutingActivationRequest             PayloadType = 0x0005
	RoutingActivationResponse            PayloadType = 0x0006
	AliveCheckRequest                    PayloadType = 0x0007
	AliveCheckResponse                   PayloadType = 0x0008
	EntityStatusRequest                  PayloadType = 0x4001
	EntityStatusResponse                 PayloadType = 0x4002
	DiagnosticPowerModeRequest           PayloadType = 0x4003
	DiagnosticPowerModeResponse          PayloadType = 0x4004
	DiagnosticMessage                    PayloadType = 0x8001
	DiagnosticMessagePositiveAcknowledge PayloadType = 0x8002
	DiagnosticMessageNegativeAcknowledge PayloadType = 0x8003
)

//Table 19: Generic DoIP header NACK codes
const (
	HeaderIncorrectPatternFormat byte = 0x00 // close socket
	HeaderUnknownPayloadType     byte = 0x01 // discard message
	HeaderMessageTooLarge        byte = 0x02 // discard message
	HeaderOutOfMemory            byte = 0x03 // discard message
	HeaderInvalidPayloadLength   byte = 0x04 // discard message
)

//Table 25: Routing activation response code values
const (
	RoutingDeniedUnknownSA             byte = 0x00
	RoutingDeniedNoFreeSocket          byte = 0x01
	RoutingDeniedSADifferent           byte = 0x02
	RoutingDeniedSAAlreadyActive       byte = 0x03
	RoutingDeniedMissingAuthentication byte = 0x04
	RoutingDeniedRejectedConfirmation  byte = 0x05
	RoutingDeniedUnsupportedType       byte = 0x06
	RoutingSuccessfullyActivated       byte = 0x10
	RoutingConfirmationRequired        byte = 0x11
)

//Table 24: Routing activation types
const (
	ActivationDefault         byte = 0x00
	ActivationWWHOBD          byte = 0x01
	ActivationCentralSecurity byte = 0xE0
)

//Table 28/30: Diagnostic message ACK and NACK codes
const (
	DiagnosticAckConfirmed          byte = 0x00
	DiagnosticNackInvalidSA         byte = 0x02
	DiagnosticNackUnknownTA         byte = 0x03
	DiagnosticNackMessageTooLarge   byte = 0x04
	DiagnosticNackOutOfMemory       byte = 0x05
	DiagnosticNackTargetUnreachable byte = 0x06
	DiagnosticNackUnknownNetwork    byte = 0x07
	DiagnosticNackTransportError    byte = 0x08
)

// Node types reported in the entity status response
const (
	NodeTypeGateway byte = 0x00
	NodeTypeNode    byte = 0x01
)

// Diagnostic power modes
const (
	PowerModeNotReady     byte = 0x00
	PowerModeReady        byte = 0x01
	PowerModeNotSupported byte = 0x02
)

// Further action codes
const (
	FurtherActionNone            byte = 0x00
	FurtherActionCentralSecurity byte = 0x10
)

// VIN/GID sync status
const (
	SyncStatusSynchronized byte = 0x00
	SyncStatusIncomplete   byte = 0x10
)
