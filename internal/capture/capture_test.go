package capture

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshenhu/doipgw/doip"
)

var (
	tester = net.IP{192, 168, 100, 10}
	entity = net.IP{192, 168, 100, 20}
)

type pcapBuilder struct {
	t   *testing.T
	buf bytes.Buffer
	w   *pcapgo.Writer
	ts  time.Time
}

func newPcap(t *testing.T) *pcapBuilder {
	b := &pcapBuilder{t: t, ts: time.Unix(1700000000, 0)}
	b.w = pcapgo.NewWriter(&b.buf)
	require.NoError(t, b.w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	return b
}

func (b *pcapBuilder) write(transport gopacket.SerializableLayer, ip *layers.IPv4, payload ...gopacket.SerializableLayer) {
	b.t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	all := append([]gopacket.SerializableLayer{eth, ip, transport}, payload...)
	require.NoError(b.t, gopacket.SerializeLayers(buf, opts, all...))

	b.ts = b.ts.Add(time.Millisecond)
	require.NoError(b.t, b.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     b.ts,
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}, buf.Bytes()))
}

func (b *pcapBuilder) tcp(srcPort, dstPort uint16, payload ...gopacket.SerializableLayer) {
	b.t.Helper()
	src, dst := tester, entity
	if srcPort == doip.Port {
		src, dst = entity, tester
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort), ACK: true, PSH: true, Window: 1024}
	require.NoError(b.t, tcp.SetNetworkLayerForChecksum(ip))
	b.write(tcp, ip, payload...)
}

func (b *pcapBuilder) udp(srcPort, dstPort uint16, payload ...gopacket.SerializableLayer) {
	b.t.Helper()
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: tester, DstIP: entity}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(b.t, udp.SetNetworkLayerForChecksum(ip))
	b.write(udp, ip, payload...)
}

func records(t *testing.T, b *pcapBuilder) []Record {
	t.Helper()
	var out []Record
	require.NoError(t, Each(bytes.NewReader(b.buf.Bytes()), func(r Record) error {
		out = append(out, r)
		return nil
	}))
	return out
}

func TestDecodeSession(t *testing.T) {
	b := newPcap(t)
	b.udp(50000, doip.Port, &DoIP{Msg: &doip.VehicleIDRequest{}})
	b.tcp(50001, doip.Port, &DoIP{Msg: &doip.ActivationReq{SourceAddress: 0x0E00, ActivationType: doip.ActivationDefault}})
	b.tcp(doip.Port, 50001, &DoIP{Msg: &doip.ActivationRes{TesterAddress: 0x0E00, EntityAddress: 0x1000, Code: doip.RoutingSuccessfullyActivated}})
	// ack and response in one segment
	b.tcp(doip.Port, 50001,
		&DoIP{Msg: &doip.DiagAck{SourceAddress: 0x0001, TargetAddress: 0x0E00}},
		&DoIP{Msg: &doip.DiagMsg{SourceAddress: 0x0001, TargetAddress: 0x0E00, Userdata: []byte{0x62, 0xF1, 0x90}}})
	b.tcp(50002, 80, gopacket.Payload([]byte("GET / HTTP/1.1\r\n\r\n")))

	recs := records(t, b)
	require.Len(t, recs, 5)

	assert.Equal(t, "udp", recs[0].Transport)
	assert.Equal(t, "192.168.100.10:50000", recs[0].Src)
	assert.Equal(t, doip.VehicleIdentificationRequest, recs[0].Header.PayloadType)
	assert.IsType(t, &doip.VehicleIDRequest{}, recs[0].Msg)

	assert.Equal(t, "tcp", recs[1].Transport)
	assert.Equal(t, "192.168.100.20:13400", recs[1].Dst)
	req, ok := recs[1].Msg.(*doip.ActivationReq)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0E00), req.SourceAddress)

	assert.IsType(t, &doip.ActivationRes{}, recs[2].Msg)
	assert.IsType(t, &doip.DiagAck{}, recs[3].Msg)

	dm, ok := recs[4].Msg.(*doip.DiagMsg)
	require.True(t, ok)
	assert.Equal(t, []byte{0x62, 0xF1, 0x90}, dm.Userdata)
	assert.Equal(t, recs[3].Timestamp, recs[4].Timestamp)
	assert.Contains(t, recs[4].String(), "DiagnosticMessage")
}

func TestDecodeDamaged(t *testing.T) {
	full, err := doip.Marshal(doip.ProtocolVersion2012, &doip.DiagMsg{SourceAddress: 0x0E00, TargetAddress: 0x0001, Userdata: []byte{0x10, 0x03}})
	require.NoError(t, err)

	b := newPcap(t)
	b.tcp(50001, doip.Port, gopacket.Payload(full[:len(full)-1]))
	b.tcp(50001, doip.Port, gopacket.Payload([]byte{0x02, 0xFD, 0x77, 0x77, 0, 0, 0, 1, 0xAA}))
	b.tcp(50001, doip.Port, gopacket.Payload([]byte{0x02, 0xFD, 0x00, 0x05, 0, 0, 0, 1, 0xAA}))
	b.tcp(50001, doip.Port, gopacket.Payload([]byte{0x02, 0x02, 0x00, 0x01, 0, 0, 0, 0}))

	recs := records(t, b)
	require.Len(t, recs, 3)

	assert.Nil(t, recs[0].Msg)
	assert.ErrorIs(t, recs[0].Err, io.ErrUnexpectedEOF)
	assert.Equal(t, doip.DiagnosticMessage, recs[0].Header.PayloadType)

	assert.Nil(t, recs[1].Msg)
	assert.ErrorIs(t, recs[1].Err, doip.ErrUnsupportedPayloadType)

	assert.Nil(t, recs[2].Msg)
	assert.ErrorIs(t, recs[2].Err, doip.ErrMalformedPayload)
	assert.Contains(t, recs[2].String(), "<")
}

func TestDecodingLayerParser(t *testing.T) {
	raw, err := doip.Marshal(doip.ProtocolVersion2012, &doip.AliveChkRes{SourceAddress: 0x0E00})
	require.NoError(t, err)

	var d DoIP
	parser := gopacket.NewDecodingLayerParser(LayerTypeDoIP, &d)
	decoded := []gopacket.LayerType{}
	require.NoError(t, parser.DecodeLayers(raw, &decoded))
	assert.Equal(t, []gopacket.LayerType{LayerTypeDoIP}, decoded)
	assert.Equal(t, &doip.AliveChkRes{SourceAddress: 0x0E00}, d.Msg)
}

func TestReadFile(t *testing.T) {
	b := newPcap(t)
	b.udp(50000, doip.Port, &DoIP{Msg: &doip.EntityStatusReq{}})
	path := filepath.Join(t.TempDir(), "doip.pcap")
	require.NoError(t, os.WriteFile(path, b.buf.Bytes(), 0644))

	recs, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.IsType(t, &doip.EntityStatusReq{}, recs[0].Msg)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)
}

func TestEachStops(t *testing.T) {
	b := newPcap(t)
	b.udp(50000, doip.Port, &DoIP{Msg: &doip.VehicleIDRequest{}})
	b.udp(50000, doip.Port, &DoIP{Msg: &doip.VehicleIDRequest{}})

	stop := errors.New("stop")
	n := 0
	err := Each(bytes.NewReader(b.buf.Bytes()), func(Record) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)

	assert.Error(t, Each(bytes.NewReader([]byte("not a pcap")), func(Record) error { return nil }))
}
