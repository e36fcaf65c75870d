package doip

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"
)

// maxDatagram bounds the UDP discovery payloads, the largest is an announcement.
const maxDatagram = 512

// Discovery answers vehicle identification, entity status and power mode
// requests on UDP. Malformed or unexpected datagrams are dropped without reply.
type Discovery struct {
	// Status reports the entity status, typically Server.EntityStatus. Entity
	// status requests are ignored when nil.
	Status func() *EntityStatusRes
	// ResponseDelay returns the delay applied before answering a vehicle
	// identification request. Nil answers immediately.
	ResponseDelay func() time.Duration

	cfg      Config
	identity IdentityProvider
	log      Logger
}

// NewDiscovery creates the UDP handler of an entity.
func NewDiscovery(cfg Config, identity IdentityProvider, log Logger) *Discovery {
	if log == nil {
		log = discardLogger()
	}
	return &Discovery{
		cfg:      cfg.withDefaults(),
		identity: identity,
		log:      log.WithField("component", "discovery"),
	}
}

// RandomDelay returns a ResponseDelay drawing uniformly from [0, max).
func RandomDelay(max time.Duration) func() time.Duration {
	return func() time.Duration {
		if max <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(max)))
	}
}

// ListenAndServe listens on addr, ":13400" if empty, and serves until ctx is done.
func (d *Discovery) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = ":" + strconv.Itoa(Port)
	}
	pc, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return err
	}
	return d.Serve(ctx, pc)
}

// Serve reads requests from pc until ctx is done. pc is closed on return.
// Replies leave through the interface the request arrived on.
func (d *Discovery) Serve(ctx context.Context, pc net.PacketConn) error {
	p := ipv4.NewPacketConn(pc)
	if err := p.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		d.log.Debugf("control messages unavailable: %v", err)
	}

	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()
	defer pc.Close()

	d.log.Infof("Started discovery at %s", pc.LocalAddr())
	buf := make([]byte, maxDatagram)
	for {
		n, cm, src, err := p.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var neterr net.Error
			if errors.As(err, &neterr) && neterr.Timeout() {
				continue
			}
			return err
		}

		res := d.handle(buf[:n])
		if res == nil {
			continue
		}
		var wcm *ipv4.ControlMessage
		if cm != nil {
			wcm = &ipv4.ControlMessage{IfIndex: cm.IfIndex}
		}

		if _, isAnnouncement := res.(*VehicleAnnouncement); isAnnouncement && d.ResponseDelay != nil {
			if delay := d.ResponseDelay(); delay > 0 {
				time.AfterFunc(delay, func() { d.reply(p, res, wcm, src) })
				continue
			}
		}
		d.reply(p, res, wcm, src)
	}
}

// handle returns the response to one datagram, nil when it is to be ignored.
func (d *Discovery) handle(b []byte) Msg {
	h, m, err := Unmarshal(b)
	if err != nil {
		d.log.Debugf("ignore datagram: %v", err)
		return nil
	}
	if !supportedVersion(h.Version, h.PayloadType) {
		d.log.Debugf("ignore %s with version 0x%02x", h.PayloadType, h.Version)
		return nil
	}

	id := d.identity.Identity()
	switch r := m.(type) {
	case *VehicleIDRequest:
		return id.Announcement()
	case *VehicleIDRequestEID:
		if id.MatchEID(r.EID) {
			return id.Announcement()
		}
	case *VehicleIDRequestVIN:
		if id.MatchVIN(r.VIN) {
			return id.Announcement()
		}
	case *EntityStatusReq:
		if d.Status != nil {
			return d.Status()
		}
	case *PowerModeReq:
		return &PowerModeRes{Mode: d.cfg.powerMode()}
	default:
		d.log.Debugf("ignore %s", m.Type())
	}
	return nil
}

func (d *Discovery) reply(p *ipv4.PacketConn, m Msg, cm *ipv4.ControlMessage, dst net.Addr) {
	b, err := Marshal(d.cfg.ProtocolVersion, m)
	if err != nil {
		d.log.Errorf("marshal %s: %v", m.Type(), err)
		return
	}
	if _, err := p.WriteTo(b, cm, dst); err != nil {
		d.log.Debugf("reply to %s: %v", dst, err)
	}
}

// Announce sends the vehicle announcement AnnounceCount times to dst, every
// AnnounceInterval, after a random wait of up to AnnounceWait.
func (d *Discovery) Announce(ctx context.Context, pc net.PacketConn, dst net.Addr) error {
	wait := RandomDelay(d.cfg.AnnounceWait)()
	t := time.NewTimer(wait)
	defer t.Stop()

	for i := 0; i < d.cfg.AnnounceCount; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		b, err := Marshal(d.cfg.ProtocolVersion, d.identity.Identity().Announcement())
		if err != nil {
			return err
		}
		if _, err := pc.WriteTo(b, dst); err != nil {
			return err
		}
		d.log.Debugf("announcement %d/%d sent to %s", i+1, d.cfg.AnnounceCount, dst)
		t.Reset(d.cfg.AnnounceInterval)
	}
	return nil
}
