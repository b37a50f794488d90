// Package radio defines the boundary between the bridging core and the
// WiFi radio driver: the inbound event stream, the outbound control
// operations, and the move-only buffer type that carries ownership of a
// received frame across the ingress callback.
package radio

import (
	"context"
	"time"

	"github.com/repeatercore/wifirepeater/pkg/macnat"
)

// HardwareAddr is a six-octet radio hardware address.
type HardwareAddr = macnat.MAC

// EventKind identifies the inbound events the driver emits.
type EventKind int

const (
	EventSTAStart EventKind = iota
	EventSTAConnected
	EventSTADisconnected
	EventAPClientJoin
	EventAPClientLeave
	EventSTAGotIP
	EventSTALostIP
)

func (k EventKind) String() string {
	switch k {
	case EventSTAStart:
		return "sta_start"
	case EventSTAConnected:
		return "sta_connected"
	case EventSTADisconnected:
		return "sta_disconnected"
	case EventAPClientJoin:
		return "ap_client_join"
	case EventAPClientLeave:
		return "ap_client_leave"
	case EventSTAGotIP:
		return "sta_got_ip"
	case EventSTALostIP:
		return "sta_lost_ip"
	default:
		return "unknown"
	}
}

// Event is a single inbound radio event. Not every field is populated for
// every Kind: BSSID/Channel are set on EventSTAConnected, ClientMAC/AID on
// the AP_CLIENT_* events, Reason on EventSTADisconnected, STAIP/STANetmask
// on EventSTAGotIP (mirroring the esp_netif_ip_info_t the upstream DHCP
// client hands the driver when it completes a lease).
type Event struct {
	Kind       EventKind
	BSSID      HardwareAddr
	Channel    int
	ClientMAC  HardwareAddr
	AID        int
	Reason     string
	STAIP      uint32
	STANetmask uint32
}

// Config pins (or releases) the STA association target.
type Config struct {
	// PinBSSID/PinChannel, when set, force the next Connect to associate
	// to this BSSID/channel rather than scanning.
	PinBSSID   HardwareAddr
	PinChannel int
	AllowScan  bool
}

// PowerSaveMode mirrors the two power-save levels the core cares about.
type PowerSaveMode int

const (
	PowerSaveOff PowerSaveMode = iota
	PowerSaveMinModem
)

// Driver is the outbound control surface the core uses to manipulate the
// radio: set/get the STA MAC, pin/unpin association parameters, drive the
// connect/disconnect lifecycle, transmit frames, and query the
// authoritative AP client list. A concrete Driver also owns the goroutine
// that emits Events and invokes the registered ingress callbacks.
type Driver interface {
	// SetSTAMAC sets the STA interface's hardware address. Must be called
	// while the STA is disconnected.
	SetSTAMAC(mac HardwareAddr) error
	// STAMAC returns the STA interface's current hardware address.
	STAMAC() HardwareAddr

	// Configure pins or releases the STA association parameters for the
	// next Connect call.
	Configure(cfg Config) error

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Transmit sends frame out the named interface ("ap" or "sta"). It
	// never takes ownership of frame; the caller retains it.
	Transmit(iface string, frame []byte) error

	// APClients returns the authoritative, driver-owned list of currently
	// associated downstream clients. Callers must derive counts from this
	// list rather than keeping their own increment/decrement counter.
	APClients() []HardwareAddr

	// RegisterIngress installs the callback invoked on the driver's own
	// goroutine for every frame received on iface ("ap" or "sta").
	RegisterIngress(iface string, cb func(Buffer))

	SetPowerSave(mode PowerSaveMode) error

	// Events returns the channel the driver emits inbound Events on. The
	// channel is closed when the driver is stopped.
	Events() <-chan Event
}

// DefaultDisconnectTimeout and DefaultConnectTimeout are the bounded waits
// the worker uses around disconnect/connect respectively.
const (
	DefaultDisconnectTimeout = 5 * time.Second
	DefaultConnectTimeout    = 15 * time.Second
	ReconnectDelay           = 1 * time.Second
)
