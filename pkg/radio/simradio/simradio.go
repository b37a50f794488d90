// Package simradio is a software-only radio.Driver used by tests and the
// demo command. It simulates the STA/AP association lifecycle in memory
// so the bridging core can be exercised without real WiFi hardware, the
// same way the teacher's demo command simulates subscriber provisioning
// in software instead of driving real OLT/eBPF hardware.
package simradio

import (
	"context"
	"errors"
	"sync"

	"github.com/repeatercore/wifirepeater/pkg/hoststack"
	"github.com/repeatercore/wifirepeater/pkg/radio"
)

// Driver is an in-memory radio.Driver. It starts no goroutine of its own:
// events are sent into a buffered channel on the goroutine that calls it.
type Driver struct {
	mu         sync.Mutex
	staMAC     radio.HardwareAddr
	connected  bool
	pinned     radio.Config
	powerSave  radio.PowerSaveMode
	apClients  []radio.HardwareAddr
	apIngress  func(radio.Buffer)
	staIngress func(radio.Buffer)
	events     chan radio.Event
	closed     bool
	host       hoststack.Stack

	// failNextSetMAC/failNextConnect let tests force the fallback paths
	// the worker must take on driver-level failure.
	failNextSetMAC  bool
	failNextConnect bool
}

// New returns a Driver whose STA interface starts at originalMAC. host may
// be nil (as in tests that never deliver a data frame); when set, it is
// the target of the Buffer's deliver closure for every frame handed to
// DeliverSTAFrame/DeliverAPFrame, the same way a real driver wires a
// received frame's terminal delivery op to the host IP stack.
func New(originalMAC radio.HardwareAddr, host hoststack.Stack) *Driver {
	return &Driver{
		staMAC: originalMAC,
		events: make(chan radio.Event, 32),
		host:   host,
	}
}

func (d *Driver) Events() <-chan radio.Event { return d.events }

func (d *Driver) emit(evt radio.Event) {
	d.events <- evt
}

func (d *Driver) SetSTAMAC(mac radio.HardwareAddr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNextSetMAC {
		d.failNextSetMAC = false
		return errors.New("simradio: simulated SetSTAMAC failure")
	}
	d.staMAC = mac
	return nil
}

func (d *Driver) STAMAC() radio.HardwareAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.staMAC
}

func (d *Driver) Configure(cfg radio.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pinned = cfg
	return nil
}

func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.failNextConnect {
		d.failNextConnect = false
		d.mu.Unlock()
		return errors.New("simradio: simulated Connect failure")
	}
	d.connected = true
	bssid := d.pinned.PinBSSID
	channel := d.pinned.PinChannel
	d.mu.Unlock()

	d.emit(radio.Event{Kind: radio.EventSTAConnected, BSSID: bssid, Channel: channel})
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()

	d.emit(radio.Event{Kind: radio.EventSTADisconnected, Reason: "requested"})
	return nil
}

func (d *Driver) Transmit(iface string, frame []byte) error {
	return nil
}

func (d *Driver) APClients() []radio.HardwareAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]radio.HardwareAddr, len(d.apClients))
	copy(out, d.apClients)
	return out
}

func (d *Driver) RegisterIngress(iface string, cb func(radio.Buffer)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch iface {
	case "ap":
		d.apIngress = cb
	case "sta":
		d.staIngress = cb
	}
}

func (d *Driver) SetPowerSave(mode radio.PowerSaveMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.powerSave = mode
	return nil
}

// --- Test/demo control surface, not part of radio.Driver ---

// FailNextSetMAC arranges for the next SetSTAMAC call to fail.
func (d *Driver) FailNextSetMAC() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNextSetMAC = true
}

// FailNextConnect arranges for the next Connect call to fail.
func (d *Driver) FailNextConnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNextConnect = true
}

// SimulateClientJoin adds mac to the AP client list and emits AP_CLIENT_JOIN.
func (d *Driver) SimulateClientJoin(mac radio.HardwareAddr, aid int) {
	d.mu.Lock()
	d.apClients = append(d.apClients, mac)
	d.mu.Unlock()
	d.emit(radio.Event{Kind: radio.EventAPClientJoin, ClientMAC: mac, AID: aid})
}

// SimulateClientLeave removes mac from the AP client list and emits
// AP_CLIENT_LEAVE.
func (d *Driver) SimulateClientLeave(mac radio.HardwareAddr, aid int) {
	d.mu.Lock()
	for i, c := range d.apClients {
		if c == mac {
			d.apClients = append(d.apClients[:i], d.apClients[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	d.emit(radio.Event{Kind: radio.EventAPClientLeave, ClientMAC: mac, AID: aid})
}

// SimulateSTADisconnect emits an unsolicited STA_DISCONNECTED, as if the
// upstream AP dropped the association outside of a worker-driven sequence.
func (d *Driver) SimulateSTADisconnect(reason string) {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	d.emit(radio.Event{Kind: radio.EventSTADisconnected, Reason: reason})
}

// SimulateSTAGotIP emits EventSTAGotIP, as if the STA's DHCP client just
// completed a lease for ip/netmask.
func (d *Driver) SimulateSTAGotIP(ip, netmask uint32) {
	d.emit(radio.Event{Kind: radio.EventSTAGotIP, STAIP: ip, STANetmask: netmask})
}

// SimulateSTALostIP emits EventSTALostIP, as if the STA's DHCP client lease
// expired or the uplink association dropped its address.
func (d *Driver) SimulateSTALostIP() {
	d.emit(radio.Event{Kind: radio.EventSTALostIP})
}

// DeliverSTAFrame simulates the driver receiving frame on the STA
// interface, invoking the registered ingress callback synchronously with
// a Buffer whose deliver closure hands the frame to the host stack (if
// one is configured) and whose free closure is a no-op release.
func (d *Driver) DeliverSTAFrame(frame []byte) (delivered bool, freed bool) {
	d.mu.Lock()
	cb := d.staIngress
	d.mu.Unlock()
	if cb == nil {
		return false, false
	}
	buf := radio.NewBuffer(frame, func(f []byte) {
		delivered = true
		if d.host != nil {
			d.host.Deliver("sta", f)
		}
	}, func([]byte) { freed = true })
	cb(buf)
	return delivered, freed
}

// DeliverAPFrame simulates the driver receiving frame on the AP interface.
func (d *Driver) DeliverAPFrame(frame []byte) (delivered bool, freed bool) {
	d.mu.Lock()
	cb := d.apIngress
	d.mu.Unlock()
	if cb == nil {
		return false, false
	}
	buf := radio.NewBuffer(frame, func(f []byte) {
		delivered = true
		if d.host != nil {
			d.host.Deliver("ap", f)
		}
	}, func([]byte) { freed = true })
	cb(buf)
	return delivered, freed
}

// Connected reports whether the simulated STA is currently associated.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}
