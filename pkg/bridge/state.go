package bridge

import "github.com/repeatercore/wifirepeater/pkg/macnat"

// State is one of the four reachable bridging states.
type State int

const (
	StateIdle State = iota
	StateMACChanging
	StateBridging
	StateMACRestoring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateMACChanging:
		return "MAC_CHANGING"
	case StateBridging:
		return "BRIDGING"
	case StateMACRestoring:
		return "MAC_RESTORING"
	default:
		return "UNKNOWN"
	}
}

// CloningState names the client currently impersonated on STA, if any.
// ClientMAC and MACCloned are always changed together: when MACCloned is
// false, the STA hardware address equals the original factory address.
type CloningState struct {
	ClientMAC macnat.MAC
	MACCloned bool
}

// UpstreamAnchor is the BSSID/channel pair latched on first successful
// STA association. Once set it is cleared only by a restore or by the
// clone-timeout fallback, so reconnections after MAC changes pin to the
// same AP.
type UpstreamAnchor struct {
	BSSID   macnat.MAC
	Channel int
}

// Snapshot is the lock-free view of the hot flags the ingress callbacks
// read on every frame. It is published as an immutable value by the actor
// goroutine via atomic.Pointer, so a reader never observes a torn mix of
// old and new fields.
type Snapshot struct {
	State            State
	MACCloned        bool
	ClientMAC        macnat.MAC
	STAConnected     bool
	ForwardingActive bool
	OriginalSTAMAC   macnat.MAC
	APMAC            macnat.MAC
}

// Status is the richer, not-hot-path read-only view an external HTTP
// configuration server consumes.
type Status struct {
	State            string
	MACCloned        bool
	ClientCount      int
	STAAddress       string
	ForwardingActive bool
}

// MetricsSink receives state observations on every transition. Modeled as
// a small interface, not a concrete dependency, so the bridge package
// never needs to import the metrics package — satisfied by
// *metrics.Metrics in cmd/repeater's wiring.
type MetricsSink interface {
	SetState(state string)
	SetCloned(cloned bool)
	SetForwarding(active bool)
	SetClientCount(n int)
}
