// Package frame implements the in-place Ethernet/IP/ARP/DHCP rewrite
// primitives that let multiple downstream clients share the single MAC
// address cloned onto the STA interface.
package frame

import (
	"encoding/binary"

	"github.com/repeatercore/wifirepeater/pkg/macnat"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
)

// Ethernet header offsets.
const (
	dstOff       = 0
	srcOff       = 6
	etherTypeOff = 12
	ethHeaderLen = 14
)

func etherType(frame []byte) uint16 {
	return binary.BigEndian.Uint16(frame[etherTypeOff : etherTypeOff+2])
}

func dstMAC(frame []byte) macnat.MAC {
	var m macnat.MAC
	copy(m[:], frame[dstOff:dstOff+6])
	return m
}

// RewriteUpstream mutates a frame received on the AP interface from a
// non-primary client before it is transmitted upstream: it learns the
// client's (IP, MAC) into table, fixes up DHCP client->server messages so
// the server's unicast reply is not dropped by the STA radio's hardware
// MAC filter, and finally stamps the Ethernet source with the cloned
// client MAC. It never allocates and never fails; malformed or short
// frames are left as untouched as the invariants allow.
func RewriteUpstream(f []byte, clientMAC macnat.MAC, table *macnat.Table) {
	if len(f) >= 14 {
		switch etherType(f) {
		case etherTypeIPv4:
			if len(f) >= 34 {
				rewriteUpstreamIPv4(f, table)
			}
		case etherTypeARP:
			if len(f) >= 42 {
				rewriteUpstreamARP(f, clientMAC, table)
			}
		}
	}

	if len(f) >= 14 {
		copy(f[srcOff:srcOff+6], clientMAC[:])
	}
}

func rewriteUpstreamIPv4(f []byte, table *macnat.Table) {
	srcIP := binary.BigEndian.Uint32(f[26:30])
	var srcMAC macnat.MAC
	copy(srcMAC[:], f[srcOff:srcOff+6])
	table.Learn(srcIP, srcMAC)

	ihl := int(f[14]&0x0f) * 4
	if ihl < 20 {
		return
	}
	udpOff := 14 + ihl
	if len(f) < udpOff+8 {
		return
	}
	if binary.BigEndian.Uint16(f[udpOff:udpOff+2]) != 68 ||
		binary.BigEndian.Uint16(f[udpOff+2:udpOff+4]) != 67 {
		return
	}

	dhcpOff := udpOff + 8
	if len(f) < dhcpOff+12 {
		return
	}
	// Set the broadcast flag (high bit of the DHCP flags field) so the
	// server replies via broadcast instead of unicasting to chaddr, which
	// the STA radio's hardware filter would otherwise drop (STA's MAC is
	// the cloned primary's, not chaddr).
	f[dhcpOff+10] |= 0x80
	// RFC 768 permits a zero UDP checksum for IPv4; zeroing it here avoids
	// having to recompute it after the flags edit.
	f[udpOff+6] = 0
	f[udpOff+7] = 0
}

func rewriteUpstreamARP(f []byte, clientMAC macnat.MAC, table *macnat.Table) {
	senderIP := binary.BigEndian.Uint32(f[28:32])
	var senderMAC macnat.MAC
	copy(senderMAC[:], f[22:28])
	table.Learn(senderIP, senderMAC)

	copy(f[22:28], clientMAC[:])
}

// RewriteDownstream mutates a frame received on the STA interface before
// delivery to the AP transmit path, retargeting the Ethernet (and, for
// ARP, inner) destination address from the cloned client MAC to whichever
// client the MAC-NAT table says actually owns the destination IP. The
// caller must only invoke this when client_count > 1 and the destination
// is not multicast/broadcast.
func RewriteDownstream(f []byte, clientMAC macnat.MAC, table *macnat.Table) {
	if len(f) < 14 {
		return
	}

	switch etherType(f) {
	case etherTypeIPv4:
		if len(f) >= 34 {
			rewriteDownstreamIPv4(f, clientMAC, table)
		}
	case etherTypeARP:
		if len(f) >= 42 {
			rewriteDownstreamARP(f, clientMAC, table)
		}
	}
}

func rewriteDownstreamIPv4(f []byte, clientMAC macnat.MAC, table *macnat.Table) {
	dstIP := binary.BigEndian.Uint32(f[30:34])
	mac, ok := table.LookupByIP(dstIP)
	if !ok || mac == clientMAC {
		return
	}
	copy(f[dstOff:dstOff+6], mac[:])
}

func rewriteDownstreamARP(f []byte, clientMAC macnat.MAC, table *macnat.Table) {
	targetIP := binary.BigEndian.Uint32(f[38:42])
	mac, ok := table.LookupByIP(targetIP)
	if !ok || mac == clientMAC {
		return
	}
	copy(f[dstOff:dstOff+6], mac[:])
	copy(f[32:38], mac[:])
}

// DstMAC returns the Ethernet destination address of f. Exposed for the
// ingress package's forwarding/delivery decisions.
func DstMAC(f []byte) macnat.MAC {
	return dstMAC(f)
}

// SrcMAC returns the Ethernet source address of f.
func SrcMAC(f []byte) macnat.MAC {
	var m macnat.MAC
	copy(m[:], f[srcOff:srcOff+6])
	return m
}

// EtherType returns the Ethernet EtherType field of f. The caller must
// ensure len(f) >= 14.
func EtherType(f []byte) uint16 {
	return etherType(f)
}
