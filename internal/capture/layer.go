// Package capture decodes DoIP traffic with gopacket.
package capture

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/eshenhu/doipgw/doip"
)

// LayerTypeDoIP is the gopacket layer type of one DoIP message.
var LayerTypeDoIP = gopacket.RegisterLayerType(
	1340,
	gopacket.LayerTypeMetadata{
		Name:    "DoIP",
		Decoder: gopacket.DecodeFunc(decodeDoIP),
	},
)

func init() {
	layers.RegisterTCPPortLayerType(layers.TCPPort(doip.Port), LayerTypeDoIP)
	layers.RegisterUDPPortLayerType(layers.UDPPort(doip.Port), LayerTypeDoIP)
}

// DoIP is a single framed message. A TCP segment carrying several messages
// decodes into consecutive DoIP layers.
//
//	[version:1][inverse version:1][payload type:2][payload length:4][payload]
type DoIP struct {
	layers.BaseLayer

	Header doip.GenericHeader
	// Msg is nil when the payload type is unknown or the payload is malformed.
	Msg doip.Msg
	// Err explains a nil Msg.
	Err error
}

// LayerType implements gopacket.Layer.
func (d *DoIP) LayerType() gopacket.LayerType { return LayerTypeDoIP }

// CanDecode implements gopacket.DecodingLayer.
func (d *DoIP) CanDecode() gopacket.LayerClass { return LayerTypeDoIP }

// NextLayerType implements gopacket.DecodingLayer.
func (d *DoIP) NextLayerType() gopacket.LayerType {
	switch {
	case len(d.Payload) == 0:
		return gopacket.LayerTypeZero
	case len(d.Payload) >= doip.HeaderLength:
		return LayerTypeDoIP
	}
	return gopacket.LayerTypePayload
}

// DecodeFromBytes implements gopacket.DecodingLayer.
func (d *DoIP) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	*d = DoIP{}

	h, err := doip.DecodeHeader(data)
	switch {
	case errors.Is(err, doip.ErrIncompleteHeader):
		df.SetTruncated()
		return err
	case errors.Is(err, doip.ErrInvalidVersionCheck):
		return err
	}
	d.Header = h

	end := uint64(doip.HeaderLength) + uint64(h.PayloadLength)
	if end > uint64(len(data)) {
		// message continues in the next segment
		df.SetTruncated()
		d.BaseLayer = layers.BaseLayer{Contents: data}
		d.Err = io.ErrUnexpectedEOF
		return nil
	}
	d.BaseLayer = layers.BaseLayer{Contents: data[:end], Payload: data[end:]}

	if err != nil {
		d.Err = err
		return nil
	}
	d.Msg, d.Err = doip.Unpack(h.PayloadType, data[doip.HeaderLength:end])
	return nil
}

// SerializeTo implements gopacket.SerializableLayer. Version defaults to
// ISO 13400-2:2012.
func (d *DoIP) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if d.Msg == nil {
		return fmt.Errorf("capture: nothing to serialize")
	}
	v := d.Header.Version
	if v == 0 {
		v = doip.ProtocolVersion2012
	}
	raw, err := doip.Marshal(v, d.Msg)
	if err != nil {
		return err
	}
	bytes, err := b.PrependBytes(len(raw))
	if err != nil {
		return err
	}
	copy(bytes, raw)
	return nil
}

func decodeDoIP(data []byte, p gopacket.PacketBuilder) error {
	d := &DoIP{}
	if err := d.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(d)
	next := d.NextLayerType()
	if next == gopacket.LayerTypeZero {
		return nil
	}
	return p.NextDecoder(next)
}
