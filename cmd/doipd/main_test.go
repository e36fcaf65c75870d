package main

import (
	"bytes"
	"context"
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
	"github.com/eshenhu/doipgw/internal/capture"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name string, b []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, b, 0644))
	return path
}

const testYAML = `
entity:
  vin: "WAUZZZ8V0JA000001"
  eid: "00:1a:37:00:00:01"
  logical_address: 0x1010
network:
  tcp_listen: "127.0.0.1:0"
  udp_listen: "127.0.0.1:0"
  announce_addr: "127.0.0.1:9"
routing:
  subnet_addresses: [0x0001]
timing:
  announce_wait: 10ms
  announce_interval: 10ms
log:
  level: error
`

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "doipd dev")
}

func TestConfigDump(t *testing.T) {
	path := writeFile(t, "doipd.yaml", []byte(testYAML))

	out, err := execute(t, "--config", path, "config", "dump")
	require.NoError(t, err)
	assert.Contains(t, out, "logical_address: 4112")
	assert.Contains(t, out, "announce_wait: 10ms")

	out, err = execute(t, "--config", path, "config", "dump", "--format", "toml")
	require.NoError(t, err)
	assert.Contains(t, out, "[entity]")

	_, err = execute(t, "--config", path, "config", "dump", "--format", "xml")
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))

	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
	udp := &layers.UDP{SrcPort: 50000, DstPort: layers.UDPPort(doip.Port)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	eth := &layers.Ethernet{SrcMAC: net.HardwareAddr{0, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4}

	pkt := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(pkt, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, &capture.DoIP{Msg: &doip.VehicleIDRequest{}}))
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(pkt.Bytes()),
		Length:        len(pkt.Bytes()),
	}, pkt.Bytes()))

	path := writeFile(t, "doip.pcap", buf.Bytes())
	out, err := execute(t, "decode", path)
	require.NoError(t, err)
	assert.Contains(t, out, "VehicleIdentificationRequest")
	assert.Contains(t, out, "1 message(s), 0 undecodable")

	out, err = execute(t, "decode", "--errors", path)
	require.NoError(t, err)
	assert.Contains(t, out, "0 message(s)")

	_, err = execute(t, "decode")
	assert.Error(t, err)
}

func runTestDiscovery(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := doip.DefaultConfig()
	cfg.PowerMode = func() byte { return doip.PowerModeReady }
	id := doip.NewStaticIdentity(doip.Identity{
		VIN:            doip.VINFromString("WAUZZZ8V0JA000001"),
		EID:            [6]byte{0x00, 0x1a, 0x37, 0, 0, 0x01},
		LogicalAddress: 0x1010,
	})
	d := doip.NewDiscovery(cfg, id, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(ctx, pc)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return pc.LocalAddr().String()
}

func TestDiscover(t *testing.T) {
	addr := runTestDiscovery(t)

	out, err := execute(t, "discover", "--addr", addr, "--timeout", "300ms")
	require.NoError(t, err)
	assert.Contains(t, out, "Discovered 1")
	assert.Contains(t, out, "WAUZZZ8V0JA000001")
	assert.Contains(t, out, "0x1010")

	out, err = execute(t, "discover", "--addr", addr, "--timeout", "300ms", "--eid", "00:1a:37:00:00:02", "--output", "json")
	require.NoError(t, err)
	assert.Contains(t, out, "[]")

	out, err = execute(t, "discover", "--addr", addr, "--timeout", "300ms", "--power-mode", "--output", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"Mode": 1`)

	_, err = execute(t, "discover", "--addr", addr, "--vin", "short")
	assert.Error(t, err)
	_, err = execute(t, "discover", "--addr", addr, "--vin", "WAUZZZ8V0JA000001", "--status")
	assert.Error(t, err)
}

func TestServeStops(t *testing.T) {
	path := writeFile(t, "doipd.yaml", []byte(testYAML))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runServe(ctx, path, true) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeBadConfig(t *testing.T) {
	path := writeFile(t, "doipd.yaml", []byte("log:\n  level: loud\n"))
	assert.Error(t, runServe(context.Background(), path, false))
}
