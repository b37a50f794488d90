// Package ingress implements the two receive callbacks that replace the
// default protocol-stack ingress for the AP and STA interfaces: per-frame
// classification, optional DHCP sniffing, optional header rewriting, and
// the forward/deliver decision. Both callbacks must be fast and
// allocation-free; they read the bridging state through a lock-free
// snapshot rather than any lock, and never block.
package ingress

import (
	"go.uber.org/zap"

	"github.com/repeatercore/wifirepeater/pkg/bridge"
	"github.com/repeatercore/wifirepeater/pkg/dhcpsniff"
	"github.com/repeatercore/wifirepeater/pkg/frame"
	"github.com/repeatercore/wifirepeater/pkg/hoststack"
	"github.com/repeatercore/wifirepeater/pkg/macnat"
	"github.com/repeatercore/wifirepeater/pkg/radio"
)

const (
	minEthernetLen = 14
	minDHCPLen     = 286
	etherTypeIPv4  = 0x0800
)

// Mode selects the broadcast-filter optimization from the design: in
// ModeFiltered, only ARP broadcasts destined for the repeater itself are
// delivered to the host IP stack; every other non-unicast frame is
// forwarded at L2 only. ModeFull delivers every multicast/broadcast frame
// to the host stack as well as forwarding it, matching mDNS/ARP
// visibility at the cost of extra host-stack traffic.
type Mode int

const (
	ModeFull Mode = iota
	ModeFiltered
)

// Callbacks composes the sniffer, rewriters and MAC-NAT table into the
// two ingress entry points the radio driver invokes.
type Callbacks struct {
	Driver  radio.Driver
	Host    hoststack.Stack
	Table   *macnat.Table
	Sniffer *dhcpsniff.Sniffer
	State   func() bridge.Snapshot
	Logger  *zap.Logger
	Mode    Mode
}

func (c *Callbacks) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// OnSTARx handles a frame received from the upstream AP.
func (c *Callbacks) OnSTARx(buf radio.Buffer) {
	f := buf.Frame()
	if len(f) < minEthernetLen {
		buf.Free()
		return
	}

	// Inline precheck before any function call: short-circuits before
	// the sniffer runs for the ~99.9% of frames that aren't DHCP.
	if len(f) >= minDHCPLen && frame.EtherType(f) == etherTypeIPv4 && isInboundDHCPACK(f) {
		_, _, derived := c.Sniffer.Process(f)
		if derived {
			c.applyDerivedAPConfig()
		}
	}

	snap := c.State()
	clientCount := len(c.Driver.APClients())
	dst := frame.DstMAC(f)

	if clientCount > 1 && !dst.IsMulticast() {
		frame.RewriteDownstream(f, snap.ClientMAC, c.Table)
		dst = frame.DstMAC(f)
	}

	if err := c.Driver.Transmit("ap", f); err != nil {
		c.logger().Debug("forward to AP failed", zap.Error(err))
	}

	switch {
	case dst.IsMulticast(), dst == snap.OriginalSTAMAC, dst == snap.ClientMAC:
		buf.Deliver()
	default:
		buf.Free()
	}
}

// OnAPRx handles a frame received from a downstream client.
func (c *Callbacks) OnAPRx(buf radio.Buffer) {
	f := buf.Frame()
	if len(f) < minEthernetLen {
		buf.Free()
		return
	}

	snap := c.State()
	clientCount := len(c.Driver.APClients())
	src := frame.SrcMAC(f)

	if clientCount > 1 && !src.IsMulticast() && src != snap.ClientMAC {
		frame.RewriteUpstream(f, snap.ClientMAC, c.Table)
	}

	dst := frame.DstMAC(f)
	delivered := false

	if dst.IsMulticast() {
		// Per the forward/deliver pairing rule, both only happen when the
		// STA is connected: an unconnected STA has nowhere upstream to
		// forward to, and nothing to mirror into the host AP stack either.
		if snap.STAConnected {
			if err := c.Driver.Transmit("sta", f); err != nil {
				c.logger().Debug("forward upstream failed", zap.Error(err))
			}
			if c.Mode == ModeFull || (c.Mode == ModeFiltered && frame.EtherType(f) == 0x0806 && dst == snap.APMAC) {
				buf.Deliver()
				delivered = true
			}
		}
	} else if dst == snap.APMAC {
		buf.Deliver()
		delivered = true
	} else if snap.STAConnected {
		if err := c.Driver.Transmit("sta", f); err != nil {
			c.logger().Debug("forward upstream failed", zap.Error(err))
		}
	}

	if !delivered {
		buf.Free()
	}
}

func (c *Callbacks) applyDerivedAPConfig() {
	cfg, ok := c.Sniffer.Config()
	if !ok {
		return
	}
	if err := c.Host.Configure("ap", hoststack.IPConfig{IP: cfg.IP, Netmask: cfg.Netmask, Gateway: cfg.Gateway}); err != nil {
		c.logger().Warn("configure AP interface from sniffed subnet failed", zap.Error(err))
		return
	}
	if err := c.Host.StopDHCPServer("ap"); err != nil {
		c.logger().Warn("stop AP DHCP server after sniff failed", zap.Error(err))
	}
}

// isInboundDHCPACK checks the cheap, fixed-offset header fields the
// inline precheck needs (IP protocol UDP, ports 67->68); it does not
// parse options or validate the magic cookie, leaving that to
// dhcpsniff.Inspect.
func isInboundDHCPACK(f []byte) bool {
	ipOff := minEthernetLen
	if len(f) < ipOff+20 {
		return false
	}
	verIHL := f[ipOff]
	if verIHL>>4 != 4 {
		return false
	}
	ihl := int(verIHL&0x0f) * 4
	if ihl < 20 || f[ipOff+9] != 17 {
		return false
	}
	udpOff := ipOff + ihl
	if len(f) < udpOff+4 {
		return false
	}
	srcPort := uint16(f[udpOff])<<8 | uint16(f[udpOff+1])
	dstPort := uint16(f[udpOff+2])<<8 | uint16(f[udpOff+3])
	return srcPort == 67 && dstPort == 68
}
