package doip

import (
	"encoding/binary"
	"fmt"
)

// Field widths, Table 18 onwards
const (
	vinLength = 17
	eidLength = 6
	gidLength = 6

	// source and target address ahead of diagnostic user data
	diagAddrLength = 4
)

// mhs returns the map
var (
	mhUnpack = map[PayloadType]func([]byte) (Msg, error){
		GenericHeaderNegativeAcknowledge:     unpackNACK,
		VehicleIdentificationRequest:         unpackVIR,
		VehicleIdentificationRequestEID:      unpackVIREID,
		VehicleIdentificationRequestVIN:      unpackVIRVIN,
		VehicleAnnouncementMessage:           unpackVAM,
		RoutingActivationRequest:             unpackReqRA,
		RoutingActivationResponse:            unpackResRA,
		AliveCheckRequest:                    unpackReqAC,
		AliveCheckResponse:                   unpackResAC,
		EntityStatusRequest:                  unpackReqES,
		EntityStatusResponse:                 unpackResES,
		DiagnosticPowerModeRequest:           unpackReqPM,
		DiagnosticPowerModeResponse:          unpackResPM,
		DiagnosticMessage:                    unpackDM,
		DiagnosticMessagePositiveAcknowledge: unpackAckDM(false),
		DiagnosticMessageNegativeAcknowledge: unpackAckDM(true),
	}

	mhPack = map[PayloadType]func(Msg) ([]byte, error){
		GenericHeaderNegativeAcknowledge:     packNACK,
		VehicleIdentificationRequest:         packEmpty,
		VehicleIdentificationRequestEID:      packVIREID,
		VehicleIdentificationRequestVIN:      packVIRVIN,
		VehicleAnnouncementMessage:           packVAM,
		RoutingActivationRequest:             packReqRA,
		RoutingActivationResponse:            packResRA,
		AliveCheckRequest:                    packEmpty,
		AliveCheckResponse:                   packResAC,
		EntityStatusRequest:                  packEmpty,
		EntityStatusResponse:                 packResES,
		DiagnosticPowerModeRequest:           packEmpty,
		DiagnosticPowerModeResponse:          packResPM,
		DiagnosticMessage:                    packDM,
		DiagnosticMessagePositiveAcknowledge: packAckDM,
		DiagnosticMessageNegativeAcknowledge: packAckDM,
	}
)

// Unpack the raw payload bytes into the formated Message
func Unpack(id PayloadType, b []byte) (Msg, error) {
	if f, ok := mhUnpack[id]; ok {
		return f(b)
	}
	return nil, ErrUnsupportedPayloadType
}

// Pack the Msg into payload bytes, without the generic header
func Pack(m Msg) ([]byte, error) {
	if m == nil {
		return nil, ErrPackNoExist
	}
	if f, ok := mhPack[m.Type()]; ok {
		return f(m)
	}
	return nil, ErrPackNoExist
}

// Msg represent a typed DoIP payload
type Msg interface {
	Type() PayloadType
}

func malformed(id PayloadType, got int, want string) error {
	return fmt.Errorf("%w: %s payload is %d bytes, want %s", ErrMalformedPayload, id, got, want)
}

// GenericNACK is sent when a generic header can't be processed.
type GenericNACK struct {
	Code byte
}

// Type returns the payload type
func (m *GenericNACK) Type() PayloadType { return GenericHeaderNegativeAcknowledge }

// VehicleIDRequest asks every entity to identify itself.
type VehicleIDRequest struct{}

// Type returns the payload type
func (m *VehicleIDRequest) Type() PayloadType { return VehicleIdentificationRequest }

// VehicleIDRequestEID asks the entity with a matching EID to identify itself.
type VehicleIDRequestEID struct {
	EID [eidLength]byte
}

// Type returns the payload type
func (m *VehicleIDRequestEID) Type() PayloadType { return VehicleIdentificationRequestEID }

// VehicleIDRequestVIN asks the entities of a matching VIN to identify themselves.
type VehicleIDRequestVIN struct {
	VIN [vinLength]byte
}

// Type returns the payload type
func (m *VehicleIDRequestVIN) Type() PayloadType { return VehicleIdentificationRequestVIN }

// VehicleAnnouncement is both the vehicle announcement and the vehicle
// identification response.
type VehicleAnnouncement struct {
	VIN            [vinLength]byte
	LogicalAddress uint16
	EID            [eidLength]byte
	GID            [gidLength]byte
	FurtherAction  byte
	SyncStatus     *byte // optional trailing VIN/GID sync status
}

// Type returns the payload type
func (m *VehicleAnnouncement) Type() PayloadType { return VehicleAnnouncementMessage }

// ActivationReq : routing activation request, Table 23
type ActivationReq struct {
	SourceAddress  uint16
	ActivationType byte
	ReserveForStd  [4]byte
	ReserveForOEM  []byte // nil or 4 bytes
}

// Type returns the payload type
func (m *ActivationReq) Type() PayloadType { return RoutingActivationRequest }

// ActivationRes : routing activation response, Table 25
type ActivationRes struct {
	TesterAddress uint16
	EntityAddress uint16
	Code          byte
	ReserveForStd [4]byte
	ReserveForOEM []byte // nil or 4 bytes
}

// Type returns the payload type
func (m *ActivationRes) Type() PayloadType { return RoutingActivationResponse }

// AliveChkReq AliveCheck
type AliveChkReq struct{}

// Type returns the payload type
func (m *AliveChkReq) Type() PayloadType { return AliveCheckRequest }

// AliveChkRes AliveCheck
type AliveChkRes struct {
	SourceAddress uint16
}

// Type returns the payload type
func (m *AliveChkRes) Type() PayloadType { return AliveCheckResponse }

// EntityStatusReq asks for the node type and socket usage.
type EntityStatusReq struct{}

// Type returns the payload type
func (m *EntityStatusReq) Type() PayloadType { return EntityStatusRequest }

// EntityStatusRes reports the node type and socket usage.
type EntityStatusRes struct {
	NodeType    byte
	MaxSockets  byte
	OpenSockets byte
	MaxDataSize *uint32 // optional
}

// Type returns the payload type
func (m *EntityStatusRes) Type() PayloadType { return EntityStatusResponse }

// PowerModeReq asks for the diagnostic power mode.
type PowerModeReq struct{}

// Type returns the payload type
func (m *PowerModeReq) Type() PayloadType { return DiagnosticPowerModeRequest }

// PowerModeRes reports the diagnostic power mode.
type PowerModeRes struct {
	Mode byte
}

// Type returns the payload type
func (m *PowerModeRes) Type() PayloadType { return DiagnosticPowerModeResponse }

// DiagMsg carries opaque diagnostic data between logical addresses.
type DiagMsg struct {
	SourceAddress uint16
	TargetAddress uint16
	Userdata      []byte
}

// Type returns the payload type
func (m *DiagMsg) Type() PayloadType { return DiagnosticMessage }

// DiagAck is the positive or negative diagnostic message acknowledgement.
type DiagAck struct {
	Negative      bool
	SourceAddress uint16
	TargetAddress uint16
	Code          byte   // 0: Ack 1..0xFF NAck
	PreviousData  []byte // optional echo of the acknowledged user data
}

// Type returns the payload type
func (m *DiagAck) Type() PayloadType {
	if m.Negative {
		return DiagnosticMessageNegativeAcknowledge
	}
	return DiagnosticMessagePositiveAcknowledge
}

func packEmpty(m Msg) ([]byte, error) {
	return []byte{}, nil
}

func packNACK(m Msg) ([]byte, error) {
	r, ok := m.(*GenericNACK)
	if !ok {
		return nil, ErrPackNoExist
	}
	return []byte{r.Code}, nil
}

func unpackNACK(b []byte) (Msg, error) {
	if len(b) != 1 {
		return nil, malformed(GenericHeaderNegativeAcknowledge, len(b), "1")
	}
	return &GenericNACK{Code: b[0]}, nil
}

func unpackVIR(b []byte) (Msg, error) {
	if len(b) != 0 {
		return nil, malformed(VehicleIdentificationRequest, len(b), "0")
	}
	return &VehicleIDRequest{}, nil
}

func unpackVIREID(b []byte) (Msg, error) {
	if len(b) != eidLength {
		return nil, malformed(VehicleIdentificationRequestEID, len(b), "6")
	}
	m := &VehicleIDRequestEID{}
	copy(m.EID[:], b)
	return m, nil
}

func packVIREID(m Msg) ([]byte, error) {
	r, ok := m.(*VehicleIDRequestEID)
	if !ok {
		return nil, ErrPackNoExist
	}
	return append([]byte{}, r.EID[:]...), nil
}

func unpackVIRVIN(b []byte) (Msg, error) {
	if len(b) != vinLength {
		return nil, malformed(VehicleIdentificationRequestVIN, len(b), "17")
	}
	m := &VehicleIDRequestVIN{}
	copy(m.VIN[:], b)
	return m, nil
}

func packVIRVIN(m Msg) ([]byte, error) {
	r, ok := m.(*VehicleIDRequestVIN)
	if !ok {
		return nil, ErrPackNoExist
	}
	return append([]byte{}, r.VIN[:]...), nil
}

// VIN(17) LA(2) EID(6) GID(6) FA(1) [SYNC(1)]
func unpackVAM(b []byte) (Msg, error) {
	ll := len(b)
	if !(ll == 32 || ll == 33) {
		return nil, malformed(VehicleAnnouncementMessage, ll, "32 or 33")
	}
	m := &VehicleAnnouncement{
		LogicalAddress: binary.BigEndian.Uint16(b[17:19]),
		FurtherAction:  b[31],
	}
	copy(m.VIN[:], b[0:17])
	copy(m.EID[:], b[19:25])
	copy(m.GID[:], b[25:31])
	if ll == 33 {
		s := b[32]
		m.SyncStatus = &s
	}
	return m, nil
}

func packVAM(m Msg) ([]byte, error) {
	r, ok := m.(*VehicleAnnouncement)
	if !ok {
		return nil, ErrPackNoExist
	}
	ln := 32
	if r.SyncStatus != nil {
		ln++
	}
	w := make([]byte, ln)
	copy(w[0:17], r.VIN[:])
	binary.BigEndian.PutUint16(w[17:19], r.LogicalAddress)
	copy(w[19:25], r.EID[:])
	copy(w[25:31], r.GID[:])
	w[31] = r.FurtherAction
	if r.SyncStatus != nil {
		w[32] = *r.SyncStatus
	}
	return w, nil
}

// SA(2) TYPE(1) RES(4) [OEM(4)]
func unpackReqRA(b []byte) (Msg, error) {
	ll := len(b)
	if !(ll == 7 || ll == 11) {
		return nil, malformed(RoutingActivationRequest, ll, "7 or 11")
	}
	m := &ActivationReq{
		SourceAddress:  binary.BigEndian.Uint16(b[0:2]),
		ActivationType: b[2],
	}
	copy(m.ReserveForStd[:], b[3:7])
	if ll == 11 {
		m.ReserveForOEM = append([]byte{}, b[7:11]...)
	}
	return m, nil
}

func packReqRA(m Msg) ([]byte, error) {
	r, ok := m.(*ActivationReq)
	if !ok {
		return nil, ErrPackNoExist
	}
	if r.ReserveForOEM != nil && len(r.ReserveForOEM) != 4 {
		return nil, malformed(RoutingActivationRequest, 7+len(r.ReserveForOEM), "7 or 11")
	}
	ln := 7 + len(r.ReserveForOEM)
	w := make([]byte, ln)
	binary.BigEndian.PutUint16(w[0:2], r.SourceAddress)
	w[2] = r.ActivationType
	copy(w[3:7], r.ReserveForStd[:])
	copy(w[7:], r.ReserveForOEM)
	return w, nil
}

// TESTER(2) ENTITY(2) CODE(1) RES(4) [OEM(4)]
func unpackResRA(b []byte) (Msg, error) {
	ll := len(b)
	if !(ll == 9 || ll == 13) {
		return nil, malformed(RoutingActivationResponse, ll, "9 or 13")
	}
	m := &ActivationRes{
		TesterAddress: binary.BigEndian.Uint16(b[0:2]),
		EntityAddress: binary.BigEndian.Uint16(b[2:4]),
		Code:          b[4],
	}
	copy(m.ReserveForStd[:], b[5:9])
	if ll == 13 {
		m.ReserveForOEM = append([]byte{}, b[9:13]...)
	}
	return m, nil
}

func packResRA(m Msg) ([]byte, error) {
	r, ok := m.(*ActivationRes)
	if !ok {
		return nil, ErrPackNoExist
	}
	if r.ReserveForOEM != nil && len(r.ReserveForOEM) != 4 {
		return nil, malformed(RoutingActivationResponse, 9+len(r.ReserveForOEM), "9 or 13")
	}
	w := make([]byte, 9+len(r.ReserveForOEM))
	binary.BigEndian.PutUint16(w[0:2], r.TesterAddress)
	binary.BigEndian.PutUint16(w[2:4], r.EntityAddress)
	w[4] = r.Code
	copy(w[5:9], r.ReserveForStd[:])
	copy(w[9:], r.ReserveForOEM)
	return w, nil
}

func unpackReqAC(b []byte) (Msg, error) {
	if len(b) != 0 {
		return nil, malformed(AliveCheckRequest, len(b), "0")
	}
	return &AliveChkReq{}, nil
}

func unpackResAC(b []byte) (Msg, error) {
	if len(b) != 2 {
		return nil, malformed(AliveCheckResponse, len(b), "2")
	}
	return &AliveChkRes{SourceAddress: binary.BigEndian.Uint16(b)}, nil
}

func packResAC(m Msg) ([]byte, error) {
	r, ok := m.(*AliveChkRes)
	if !ok {
		return nil, ErrPackNoExist
	}
	w := make([]byte, 2)
	binary.BigEndian.PutUint16(w, r.SourceAddress)
	return w, nil
}

func unpackReqES(b []byte) (Msg, error) {
	if len(b) != 0 {
		return nil, malformed(EntityStatusRequest, len(b), "0")
	}
	return &EntityStatusReq{}, nil
}

// NT(1) MCTS(1) NCTS(1) [MDS(4)]
func unpackResES(b []byte) (Msg, error) {
	ll := len(b)
	if !(ll == 3 || ll == 7) {
		return nil, malformed(EntityStatusResponse, ll, "3 or 7")
	}
	m := &EntityStatusRes{NodeType: b[0], MaxSockets: b[1], OpenSockets: b[2]}
	if ll == 7 {
		mds := binary.BigEndian.Uint32(b[3:7])
		m.MaxDataSize = &mds
	}
	return m, nil
}

func packResES(m Msg) ([]byte, error) {
	r, ok := m.(*EntityStatusRes)
	if !ok {
		return nil, ErrPackNoExist
	}
	w := []byte{r.NodeType, r.MaxSockets, r.OpenSockets}
	if r.MaxDataSize != nil {
		w = binary.BigEndian.AppendUint32(w, *r.MaxDataSize)
	}
	return w, nil
}

func unpackReqPM(b []byte) (Msg, error) {
	if len(b) != 0 {
		return nil, malformed(DiagnosticPowerModeRequest, len(b), "0")
	}
	return &PowerModeReq{}, nil
}

func unpackResPM(b []byte) (Msg, error) {
	if len(b) != 1 {
		return nil, malformed(DiagnosticPowerModeResponse, len(b), "1")
	}
	return &PowerModeRes{Mode: b[0]}, nil
}

func packResPM(m Msg) ([]byte, error) {
	r, ok := m.(*PowerModeRes)
	if !ok {
		return nil, ErrPackNoExist
	}
	return []byte{r.Mode}, nil
}

// SA(2) TA(2) DATA(1..n)
func unpackDM(b []byte) (Msg, error) {
	ll := len(b)
	if ll <= 4 {
		return nil, malformed(DiagnosticMessage, ll, "at least 5")
	}
	m := &DiagMsg{
		SourceAddress: binary.BigEndian.Uint16(b[0:2]),
		TargetAddress: binary.BigEndian.Uint16(b[2:4]),
		Userdata:      append([]byte{}, b[4:]...),
	}
	return m, nil
}

func packDM(m Msg) ([]byte, error) {
	r, ok := m.(*DiagMsg)
	if !ok {
		return nil, ErrPackNoExist
	}
	if len(r.Userdata) == 0 {
		return nil, malformed(DiagnosticMessage, 4, "at least 5")
	}
	w := make([]byte, 4+len(r.Userdata))
	binary.BigEndian.PutUint16(w[0:2], r.SourceAddress)
	binary.BigEndian.PutUint16(w[2:4], r.TargetAddress)
	copy(w[4:], r.Userdata)
	return w, nil
}

// SA(2) TA(2) CODE(1) [PREVIOUS(n)]
func unpackAckDM(negative bool) func([]byte) (Msg, error) {
	return func(b []byte) (Msg, error) {
		ll := len(b)
		if ll < 5 {
			id := DiagnosticMessagePositiveAcknowledge
			if negative {
				id = DiagnosticMessageNegativeAcknowledge
			}
			return nil, malformed(id, ll, "at least 5")
		}
		m := &DiagAck{
			Negative:      negative,
			SourceAddress: binary.BigEndian.Uint16(b[0:2]),
			TargetAddress: binary.BigEndian.Uint16(b[2:4]),
			Code:          b[4],
		}
		if ll > 5 {
			m.PreviousData = append([]byte{}, b[5:]...)
		}
		return m, nil
	}
}

func packAckDM(m Msg) ([]byte, error) {
	r, ok := m.(*DiagAck)
	if !ok {
		return nil, ErrPackNoExist
	}
	w := make([]byte, 5+len(r.PreviousData))
	binary.BigEndian.PutUint16(w[0:2], r.SourceAddress)
	binary.BigEndian.PutUint16(w[2:4], r.TargetAddress)
	w[4] = r.Code
	copy(w[5:], r.PreviousData)
	return w, nil
}
