package capture

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/eshenhu/doipgw/doip"
)

// Record is one DoIP message found in a capture.
type Record struct {
	Timestamp time.Time
	Transport string // tcp or udp
	Src, Dst  string
	Header    doip.GenericHeader
	Msg       doip.Msg
	Err       error
}

func (r Record) String() string {
	body := fmt.Sprintf("%+v", r.Msg)
	if r.Msg == nil {
		body = fmt.Sprintf("<%v>", r.Err)
	}
	return fmt.Sprintf("%s %s %s -> %s v%d %s len=%d %s",
		r.Timestamp.Format("15:04:05.000000"), r.Transport, r.Src, r.Dst,
		r.Header.Version, r.Header.PayloadType, r.Header.PayloadLength, body)
}

// ReadFile decodes every DoIP message of the pcap file at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}
	defer f.Close()

	var out []Record
	err = Each(f, func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// Each streams the DoIP messages of a pcap to fn in capture order. Packets
// without a DoIP layer are skipped. An error from fn stops the walk.
func Each(r io.Reader, fn func(Record) error) error {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("read pcap header: %w", err)
	}

	src := gopacket.NewPacketSource(pr, pr.LinkType())
	for {
		pkt, err := src.NextPacket()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}
		if err := walk(pkt, fn); err != nil {
			return err
		}
	}
}

func walk(pkt gopacket.Packet, fn func(Record) error) error {
	base := Record{Timestamp: pkt.Metadata().Timestamp}

	var srcIP, dstIP net.IP
	if nl := pkt.NetworkLayer(); nl != nil {
		switch ip := nl.(type) {
		case *layers.IPv4:
			srcIP, dstIP = ip.SrcIP, ip.DstIP
		case *layers.IPv6:
			srcIP, dstIP = ip.SrcIP, ip.DstIP
		}
	}
	switch tl := pkt.TransportLayer().(type) {
	case *layers.TCP:
		base.Transport = "tcp"
		base.Src = hostPort(srcIP, int(tl.SrcPort))
		base.Dst = hostPort(dstIP, int(tl.DstPort))
	case *layers.UDP:
		base.Transport = "udp"
		base.Src = hostPort(srcIP, int(tl.SrcPort))
		base.Dst = hostPort(dstIP, int(tl.DstPort))
	}

	for _, l := range pkt.Layers() {
		d, ok := l.(*DoIP)
		if !ok {
			continue
		}
		rec := base
		rec.Header, rec.Msg, rec.Err = d.Header, d.Msg, d.Err
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func hostPort(ip net.IP, port int) string {
	if ip == nil {
		return strconv.Itoa(port)
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}
