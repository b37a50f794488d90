// Package macnat implements the fixed-capacity IPv4-to-hardware-address
// table that lets several downstream clients share a single cloned MAC
// address upstream while still receiving their own traffic downstream.
package macnat

import "sync"

// MAC is a six-octet hardware address. A fixed array rather than a slice
// keeps equality comparisons and the broadcast/multicast check branch-free
// and gives the zero value ("no address") an unambiguous meaning.
type MAC [6]byte

// IsMulticast reports whether the broadcast/multicast bit (bit 0 of the
// first octet) is set.
func (m MAC) IsMulticast() bool {
	return m[0]&0x01 != 0
}

// IsZero reports whether m is the all-zero address.
func (m MAC) IsZero() bool {
	return m == MAC{}
}

func (m MAC) String() string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 17)
	for i, b := range m {
		buf[i*3] = hex[b>>4]
		buf[i*3+1] = hex[b&0xf]
		if i != 5 {
			buf[i*3+2] = ':'
		}
	}
	return string(buf)
}

type entry struct {
	used     bool
	ip       uint32
	mac      MAC
	lastSeen uint64
}

// Table is a fixed-capacity, linearly-scanned associative store mapping
// IPv4 addresses (network byte order, as a uint32) to hardware addresses.
// It deliberately avoids a hash map: at the capacities this table is sized
// for (N <= 16) a dense array scan is cache-friendly and the eviction
// policy stays trivial. Every method takes the Table's own mutex, so a
// Table can be shared across goroutines without an outside lock; unlike
// the embedded target this design was distilled from, Go goroutines are
// genuinely concurrent.
type Table struct {
	mu      sync.Mutex
	entries []entry
	// clock is a monotonically increasing logical counter, not a wall
	// clock read, so Learn stays allocation- and syscall-free on the
	// ingress hot path while still producing a strict LRU order.
	clock uint64
}

// DefaultCapacity matches the reference capacity from the design (N = 8).
const DefaultCapacity = 8

// New returns an empty Table with room for capacity entries.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{entries: make([]entry, capacity)}
}

// Learn records that ip is currently reachable at mac, following the
// four-case resolution order from the design: exact match is a no-op,
// an IP match with a changed MAC overwrites, a MAC match with a changed
// IP overwrites, otherwise the pair is inserted (evicting the
// least-recently-seen slot if the table is full). learn never fails;
// it simply declines to record an invalid entry.
func (t *Table) Learn(ip uint32, mac MAC) {
	if ip == 0 || mac.IsMulticast() || mac.IsZero() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.clock++
	now := t.clock

	var byIP, byMAC = -1, -1
	free := -1
	for i := range t.entries {
		e := &t.entries[i]
		if !e.used {
			if free == -1 {
				free = i
			}
			continue
		}
		if e.ip == ip && byIP == -1 {
			byIP = i
		}
		if e.mac == mac && byMAC == -1 {
			byMAC = i
		}
	}

	if byIP != -1 {
		e := &t.entries[byIP]
		if e.mac == mac {
			// Case (a): exact match, hot path — do not touch lastSeen.
			return
		}
		// Case (b): IP reassigned to a new device.
		e.mac = mac
		e.lastSeen = now
		return
	}

	if byMAC != -1 {
		// Case (c): DHCP renewal, same device got a new IP.
		e := &t.entries[byMAC]
		e.ip = ip
		e.lastSeen = now
		return
	}

	if free != -1 {
		t.entries[free] = entry{used: true, ip: ip, mac: mac, lastSeen: now}
		return
	}

	// Case (d): table full, evict the least-recently-seen slot.
	oldest := 0
	for i := 1; i < len(t.entries); i++ {
		if t.entries[i].lastSeen < t.entries[oldest].lastSeen {
			oldest = i
		}
	}
	t.entries[oldest] = entry{used: true, ip: ip, mac: mac, lastSeen: now}
}

// LookupByIP returns the hardware address learned for ip, if any.
func (t *Table) LookupByIP(ip uint32) (MAC, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		e := &t.entries[i]
		if e.used && e.ip == ip {
			return e.mac, true
		}
	}
	return MAC{}, false
}

// Clear marks every entry unused. Called at the end of a bridging session
// (MAC restore) so stale mappings never survive into the next session.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		t.entries[i] = entry{}
	}
	t.clock = 0
}

// Len reports the number of currently used entries. Exposed for tests and
// status reporting, not part of the hot path.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.entries {
		if t.entries[i].used {
			n++
		}
	}
	return n
}
