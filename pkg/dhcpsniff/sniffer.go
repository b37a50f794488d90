// Package dhcpsniff recognizes upstream DHCP ACKs on the wire while the
// STA interface's own DHCP client is disabled during bridging, feeding
// the MAC-NAT table and deriving a usable management address for the AP
// interface from the observed subnet.
package dhcpsniff

import (
	"encoding/binary"

	"github.com/repeatercore/wifirepeater/pkg/macnat"
)

const (
	ethHeaderLen    = 14
	dhcpOpBOOTREPLY = 2
	// minACKFrameLen is the shortest frame that can hold the Ethernet,
	// IPv4 (no options), UDP and fixed DHCP headers, the magic cookie, a
	// message-type option and the end marker.
	minACKFrameLen = 286
)

var dhcpMagicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

// Info is the information extracted from a recognized DHCP ACK.
type Info struct {
	YIAddr  uint32 // offered client address, network byte order as uint32
	Mask    uint32 // option 1, zero if absent
	Router  uint32 // option 3 (first address), zero if absent
	CHAddr  macnat.MAC
	MsgType byte
}

// Inspect parses frame as a candidate DHCP ACK. The caller is expected to
// have already verified (cheaply, inline on the ingress hot path) that the
// frame is IPv4/UDP with source port 67 and destination port 68 and at
// least 286 bytes long; Inspect re-derives the header offsets itself from
// the IP header's IHL rather than trusting fixed offsets, and bounds every
// access against len(frame), so a malformed frame that slipped past the
// precheck is simply rejected rather than read out of bounds. Inspect also
// rejects any frame shorter than 286 bytes itself.
func Inspect(frame []byte) (Info, bool) {
	if len(frame) < minACKFrameLen {
		return Info{}, false
	}
	if binary.BigEndian.Uint16(frame[12:14]) != 0x0800 {
		return Info{}, false
	}

	ipOff := ethHeaderLen
	verIHL := frame[ipOff]
	if verIHL>>4 != 4 {
		return Info{}, false
	}
	ihl := int(verIHL&0x0f) * 4
	if ihl < 20 || len(frame) < ipOff+ihl+8 {
		return Info{}, false
	}
	if frame[ipOff+9] != 17 { // protocol = UDP
		return Info{}, false
	}

	udpOff := ipOff + ihl
	if binary.BigEndian.Uint16(frame[udpOff:udpOff+2]) != 67 ||
		binary.BigEndian.Uint16(frame[udpOff+2:udpOff+4]) != 68 {
		return Info{}, false
	}

	dhcpOff := udpOff + 8
	const dhcpFixedLen = 236
	if len(frame) < dhcpOff+dhcpFixedLen+4 {
		return Info{}, false
	}

	if frame[dhcpOff] != dhcpOpBOOTREPLY {
		return Info{}, false
	}
	cookieOff := dhcpOff + 236
	var cookie [4]byte
	copy(cookie[:], frame[cookieOff:cookieOff+4])
	if cookie != dhcpMagicCookie {
		return Info{}, false
	}

	info := Info{
		YIAddr: binary.BigEndian.Uint32(frame[dhcpOff+16 : dhcpOff+20]),
	}
	copy(info.CHAddr[:], frame[dhcpOff+28:dhcpOff+34])

	optOff := cookieOff + 4
	msgType, mask, router, ok := walkOptions(frame, optOff)
	if !ok || msgType != 5 {
		return Info{}, false
	}
	info.MsgType = msgType
	info.Mask = mask
	info.Router = router

	return info, true
}

// walkOptions scans the DHCP options area starting at off, stopping at the
// 0xFF end marker, skipping 0x00 pad bytes, and bounded by len(frame). It
// collects option 53 (message type), option 1 (subnet mask) and option 3
// (router, first address only).
func walkOptions(frame []byte, off int) (msgType byte, mask, router uint32, ok bool) {
	for off < len(frame) {
		tag := frame[off]
		if tag == 0xFF {
			return msgType, mask, router, msgType != 0
		}
		if tag == 0x00 {
			off++
			continue
		}
		if off+1 >= len(frame) {
			break
		}
		length := int(frame[off+1])
		valOff := off + 2
		if valOff+length > len(frame) {
			break
		}
		switch tag {
		case 53:
			if length >= 1 {
				msgType = frame[valOff]
			}
		case 1:
			if length >= 4 {
				mask = binary.BigEndian.Uint32(frame[valOff : valOff+4])
			}
		case 3:
			if length >= 4 {
				router = binary.BigEndian.Uint32(frame[valOff : valOff+4])
			}
		}
		off = valOff + length
	}
	return msgType, mask, router, msgType != 0
}

// Config is the AP management address derived from the first observed ACK
// in a bridging session.
type Config struct {
	IP      uint32
	Netmask uint32
	Gateway uint32
}

// Sniffer wraps Inspect with the per-session, once-only AP-address
// derivation latch and feeds recognized (yiaddr, chaddr) pairs into a
// MAC-NAT table.
type Sniffer struct {
	table   *macnat.Table
	latched bool
	cfg     Config
}

// New returns a Sniffer feeding table.
func New(table *macnat.Table) *Sniffer {
	return &Sniffer{table: table}
}

// Reset clears the once-per-session derivation latch, called when a
// bridging session ends (MAC restore) so the next session derives fresh.
func (s *Sniffer) Reset() {
	s.latched = false
	s.cfg = Config{}
}

// Process inspects frame; if it is a recognized DHCP ACK it learns
// (yiaddr, chaddr) into the MAC-NAT table and, on the first ACK of the
// session, derives the AP management address. derived is true only on the
// call that performed the derivation.
func (s *Sniffer) Process(frame []byte) (info Info, recognized bool, derived bool) {
	info, recognized = Inspect(frame)
	if !recognized {
		return Info{}, false, false
	}

	s.table.Learn(info.YIAddr, info.CHAddr)

	if s.latched {
		return info, true, false
	}
	if info.Mask != 0 {
		s.cfg = deriveAPConfig(info)
		s.latched = true
		return info, true, true
	}
	return info, true, false
}

// Config returns the derived AP management configuration, if any.
func (s *Sniffer) Config() (Config, bool) {
	return s.cfg, s.latched
}

// deriveAPConfig picks the highest host address in the subnet (broadcast
// address minus one); on collision with the client address or the gateway
// it decrements and retries up to ten times, then falls back to
// client_ip-1 or client_ip+1.
func deriveAPConfig(info Info) Config {
	clientIP := info.YIAddr
	mask := info.Mask
	gateway := info.Router

	broadcast := (clientIP & mask) | ^mask
	candidate := broadcast - 1

	for i := 0; i < 10; i++ {
		if candidate != clientIP && candidate != gateway {
			return Config{IP: candidate, Netmask: mask, Gateway: gateway}
		}
		candidate--
	}

	fallback := clientIP - 1
	if fallback != gateway {
		return Config{IP: fallback, Netmask: mask, Gateway: gateway}
	}
	return Config{IP: clientIP + 1, Netmask: mask, Gateway: gateway}
}
