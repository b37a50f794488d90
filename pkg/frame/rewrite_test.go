package frame

import (
	"encoding/binary"
	"testing"

	"github.com/repeatercore/wifirepeater/pkg/macnat"
)

func hwaddr(last byte) macnat.MAC {
	return macnat.MAC{0x02, 0, 0, 0, 0, last}
}

func buildIPv4Frame(dst, src macnat.MAC, srcIP, dstIP [4]byte) []byte {
	f := make([]byte, 34)
	copy(f[dstOff:dstOff+6], dst[:])
	copy(f[srcOff:srcOff+6], src[:])
	binary.BigEndian.PutUint16(f[etherTypeOff:etherTypeOff+2], etherTypeIPv4)
	f[14] = 0x45
	copy(f[26:30], srcIP[:])
	copy(f[30:34], dstIP[:])
	return f
}

func buildARPFrame(dst, src macnat.MAC, senderIP, senderMAC, targetIP [4]byte, targetMAC macnat.MAC) []byte {
	f := make([]byte, 42)
	copy(f[dstOff:dstOff+6], dst[:])
	copy(f[srcOff:srcOff+6], src[:])
	binary.BigEndian.PutUint16(f[etherTypeOff:etherTypeOff+2], etherTypeARP)
	copy(f[22:28], senderMAC[:])
	copy(f[28:32], senderIP[:])
	copy(f[32:38], targetMAC[:])
	copy(f[38:42], targetIP[:])
	return f
}

func TestRewriteUpstreamIPv4LearnsAndRestampsSource(t *testing.T) {
	tbl := macnat.New(4)
	client := hwaddr(0x02)
	cloned := hwaddr(0x01)

	f := buildIPv4Frame(cloned, client, [4]byte{10, 0, 0, 21}, [4]byte{10, 0, 0, 1})
	RewriteUpstream(f, cloned, tbl)

	if SrcMAC(f) != cloned {
		t.Fatalf("expected source MAC to be cloned MAC, got %v", SrcMAC(f))
	}
	mac, ok := tbl.LookupByIP(binary.BigEndian.Uint32([]byte{10, 0, 0, 21}))
	if !ok || mac != client {
		t.Fatalf("expected table to learn client IP->MAC, got %v %v", mac, ok)
	}
}

func TestRewriteUpstreamDHCPSetsBroadcastFlagAndZeroesChecksum(t *testing.T) {
	tbl := macnat.New(4)
	client := hwaddr(0x03)
	cloned := hwaddr(0x01)

	dhcp := make([]byte, 240)
	binary.BigEndian.PutUint16(dhcp[10:12], 0x0000) // flags initially 0

	udp := make([]byte, 8+len(dhcp))
	binary.BigEndian.PutUint16(udp[0:2], 68)
	binary.BigEndian.PutUint16(udp[2:4], 67)
	binary.BigEndian.PutUint16(udp[6:8], 0xABCD) // non-zero checksum
	copy(udp[8:], dhcp)

	ip := make([]byte, 20+len(udp))
	ip[0] = 0x45
	ip[9] = 17
	copy(ip[20:], udp)

	f := make([]byte, 14+len(ip))
	copy(f[dstOff:dstOff+6], cloned[:])
	copy(f[srcOff:srcOff+6], client[:])
	binary.BigEndian.PutUint16(f[etherTypeOff:etherTypeOff+2], etherTypeIPv4)
	copy(f[14:], ip)

	RewriteUpstream(f, cloned, tbl)

	udpOff := 14 + 20
	dhcpOff := udpOff + 8
	if f[dhcpOff+10]&0x80 == 0 {
		t.Fatalf("expected broadcast flag to be set")
	}
	if f[udpOff+6] != 0 || f[udpOff+7] != 0 {
		t.Fatalf("expected UDP checksum to be zeroed")
	}
	if SrcMAC(f) != cloned {
		t.Fatalf("expected source MAC stamped with cloned MAC")
	}
}

func TestRewriteUpstreamARPLearnsAndOverwritesSenderHW(t *testing.T) {
	tbl := macnat.New(4)
	client := hwaddr(0x04)
	cloned := hwaddr(0x01)

	f := buildARPFrame(cloned, client,
		[4]byte{10, 0, 0, 30}, [4]byte{0, 0, 0, 0},
		[4]byte{10, 0, 0, 1}, macnat.MAC{})
	copy(f[22:28], client[:]) // sender hw addr = client

	RewriteUpstream(f, cloned, tbl)

	var senderHW macnat.MAC
	copy(senderHW[:], f[22:28])
	if senderHW != cloned {
		t.Fatalf("expected ARP sender hw addr overwritten with cloned MAC, got %v", senderHW)
	}
	mac, ok := tbl.LookupByIP(binary.BigEndian.Uint32([]byte{10, 0, 0, 30}))
	if !ok || mac != client {
		t.Fatalf("expected ARP sender learned into table")
	}
}

func TestRewriteDownstreamIPv4RetargetsKnownClient(t *testing.T) {
	tbl := macnat.New(4)
	cloned := hwaddr(0x01)
	clientB := hwaddr(0x02)
	tbl.Learn(binary.BigEndian.Uint32([]byte{10, 0, 0, 21}), clientB)

	f := buildIPv4Frame(cloned, hwaddr(0x99), [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 21})
	RewriteDownstream(f, cloned, tbl)

	if DstMAC(f) != clientB {
		t.Fatalf("expected downstream rewrite to client B MAC, got %v", DstMAC(f))
	}
}

func TestRewriteDownstreamUnknownDestinationLeftUnchanged(t *testing.T) {
	tbl := macnat.New(4)
	cloned := hwaddr(0x01)

	f := buildIPv4Frame(cloned, hwaddr(0x99), [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 99})
	RewriteDownstream(f, cloned, tbl)

	if DstMAC(f) != cloned {
		t.Fatalf("expected destination left unchanged when no mapping exists")
	}
}

func TestRewriteDownstreamARPRetargetsBothFields(t *testing.T) {
	tbl := macnat.New(4)
	cloned := hwaddr(0x01)
	clientB := hwaddr(0x02)
	tbl.Learn(binary.BigEndian.Uint32([]byte{10, 0, 0, 21}), clientB)

	f := buildARPFrame(cloned, hwaddr(0x99),
		[4]byte{10, 0, 0, 1}, [4]byte{}, [4]byte{10, 0, 0, 21}, cloned)
	RewriteDownstream(f, cloned, tbl)

	if DstMAC(f) != clientB {
		t.Fatalf("expected Ethernet dst retargeted to client B")
	}
	var targetHW macnat.MAC
	copy(targetHW[:], f[32:38])
	if targetHW != clientB {
		t.Fatalf("expected ARP target hw retargeted to client B")
	}
}
