// Package bridge implements the IDLE/MAC_CHANGING/BRIDGING/MAC_RESTORING
// state machine that coordinates MAC cloning with the STA radio's
// connect/disconnect lifecycle. It is modeled as a single actor: one
// owned state struct mutated only on its own goroutine, and one input
// source (the radio driver's event channel) carrying every transition
// trigger. The hot flags ingress callbacks need are published outward
// through a lock-free atomic snapshot rather than shared via a mutex.
package bridge

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/repeatercore/wifirepeater/pkg/dhcpsniff"
	"github.com/repeatercore/wifirepeater/pkg/hoststack"
	"github.com/repeatercore/wifirepeater/pkg/macnat"
	"github.com/repeatercore/wifirepeater/pkg/radio"
)

// Config configures a Machine.
type Config struct {
	Driver  radio.Driver
	Host    hoststack.Stack
	Table   *macnat.Table
	Sniffer *dhcpsniff.Sniffer
	Logger  *zap.Logger
	Metrics MetricsSink

	OriginalSTAMAC  macnat.MAC
	APMAC           macnat.MAC
	FactoryAPConfig hoststack.IPConfig
}

// DefaultFactoryAPConfig is the AP management address restored at the end
// of every bridging session: 192.168.4.1/24.
func DefaultFactoryAPConfig() hoststack.IPConfig {
	return hoststack.IPConfig{
		IP:      ipv4(192, 168, 4, 1),
		Netmask: ipv4(255, 255, 255, 0),
	}
}

func ipv4(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

var (
	linkLocalPlaceholder = ipv4(169, 254, 1, 1)
	linkLocalMask        = ipv4(255, 255, 0, 0)
	linkLocalNetwork     = ipv4(169, 254, 0, 0)
)

func isLinkLocalIPv4(ip uint32) bool {
	return ip&linkLocalMask == linkLocalNetwork
}

func ipv4String(ip uint32) string {
	return net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip)).String()
}

// Machine is the bridging state machine actor.
type Machine struct {
	driver  radio.Driver
	host    hoststack.Stack
	table   *macnat.Table
	sniffer *dhcpsniff.Sniffer
	logger  *zap.Logger
	metrics MetricsSink

	originalSTAMAC  macnat.MAC
	apMAC           macnat.MAC
	factoryAPConfig hoststack.IPConfig

	snapshot atomic.Pointer[Snapshot]

	// Everything below is mutated only on the run() goroutine; no lock
	// is needed because only one goroutine ever touches it, and the
	// watchers outside the actor only ever see the published Snapshot.
	state               State
	cloning             CloningState
	candidates          []macnat.MAC
	anchor              UpstreamAnchor
	anchorSet           bool
	staConnected        bool
	forwarding          bool
	reconnectSuppressed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMachine constructs a Machine in its pre-Start configuration. Call
// Start to bring it up to IDLE and begin processing radio events.
func NewMachine(cfg Config) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := cfg.FactoryAPConfig
	if factory.IP == 0 {
		factory = DefaultFactoryAPConfig()
	}

	m := &Machine{
		driver:          cfg.Driver,
		host:            cfg.Host,
		table:           cfg.Table,
		sniffer:         cfg.Sniffer,
		logger:          logger,
		metrics:         cfg.Metrics,
		originalSTAMAC:  cfg.OriginalSTAMAC,
		apMAC:           cfg.APMAC,
		factoryAPConfig: factory,
	}
	m.publish()
	return m
}

// Start establishes the IDLE baseline (STA DHCP client running, AP at its
// factory address with its DHCP server on, power-save at MIN_MODEM) and
// launches the actor goroutine that processes radio events.
func (m *Machine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if err := m.host.StartDHCPClient("sta"); err != nil {
		return err
	}
	if err := m.host.Configure("ap", m.factoryAPConfig); err != nil {
		return err
	}
	if err := m.host.StartDHCPServer("ap"); err != nil {
		return err
	}
	if err := m.driver.SetPowerSave(radio.PowerSaveMinModem); err != nil {
		m.logger.Warn("set power save failed", zap.Error(err))
	}

	m.state = StateIdle
	m.publish()

	m.wg.Add(1)
	go m.run(runCtx)
	return nil
}

// Stop cancels the actor goroutine and any in-flight reconnect timers and
// waits for them to exit.
func (m *Machine) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Snapshot returns the current hot-flag snapshot. Safe to call from any
// goroutine without locking; used by the ingress callbacks.
func (m *Machine) Snapshot() Snapshot {
	return *m.snapshot.Load()
}

// Status returns the richer read-only view consumed by an external HTTP
// configuration server. client_count is always recomputed from the
// driver's authoritative AP client list, never tracked by increment.
func (m *Machine) Status() Status {
	snap := m.Snapshot()
	return Status{
		State:            snap.State.String(),
		MACCloned:        snap.MACCloned,
		ClientCount:      len(m.driver.APClients()),
		STAAddress:       m.driver.STAMAC().String(),
		ForwardingActive: snap.ForwardingActive,
	}
}

func (m *Machine) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-m.driver.Events():
			if !ok {
				return
			}
			m.handleEvent(ctx, evt)
		}
	}
}

func (m *Machine) handleEvent(ctx context.Context, evt radio.Event) {
	switch evt.Kind {
	case radio.EventSTAStart:
		// Informational only.
	case radio.EventSTAConnected:
		m.onSTAConnected(evt)
	case radio.EventSTADisconnected:
		m.onSTADisconnected(ctx)
	case radio.EventAPClientJoin:
		m.onAPClientJoin(ctx, evt.ClientMAC)
	case radio.EventAPClientLeave:
		m.onAPClientLeave(ctx, evt.ClientMAC)
	case radio.EventSTAGotIP:
		m.onSTAGotIP(evt)
	case radio.EventSTALostIP:
		m.onSTALostIP()
	}
}

// onSTAGotIP mirrors a freshly acquired STA address onto the AP interface:
// same IP/netmask, gateway unset, AP DHCP server stopped. Only applies in
// BRIDGING or IDLE; a MAC_CHANGING/MAC_RESTORING sequence owns the AP
// config itself and must not have it overwritten mid-sequence. Link-local
// (169.254.0.0/16) and zero addresses are the placeholder set on "sta"
// while no real lease is held, never a real uplink address, so both are
// ignored.
func (m *Machine) onSTAGotIP(evt radio.Event) {
	if m.state != StateBridging && m.state != StateIdle {
		return
	}
	if evt.STAIP == 0 || isLinkLocalIPv4(evt.STAIP) {
		m.logger.Warn("ignoring non-routable STA IP for AP mirror", zap.String("ip", ipv4String(evt.STAIP)))
		return
	}

	if err := m.host.StopDHCPServer("ap"); err != nil {
		m.logger.Warn("stop AP DHCP server for IP mirror failed", zap.Error(err))
	}
	cfg := hoststack.IPConfig{IP: evt.STAIP, Netmask: evt.STANetmask}
	if err := m.host.Configure("ap", cfg); err != nil {
		m.logger.Warn("mirror STA IP onto AP interface failed", zap.Error(err))
		return
	}
	m.logger.Info("mirrored STA IP onto AP interface", zap.String("ip", ipv4String(evt.STAIP)))
}

// onSTALostIP restores the AP interface to its factory management address
// and re-enables its DHCP server once the STA's uplink lease is gone.
func (m *Machine) onSTALostIP() {
	if err := m.host.Configure("ap", m.factoryAPConfig); err != nil {
		m.logger.Warn("restore factory AP config after STA IP loss failed", zap.Error(err))
	}
	if err := m.host.StartDHCPServer("ap"); err != nil {
		m.logger.Warn("restart AP DHCP server after STA IP loss failed", zap.Error(err))
	}
	m.logger.Info("restored AP management IP after STA lost its IP")
}

func (m *Machine) onSTAConnected(evt radio.Event) {
	m.staConnected = true
	if !m.anchorSet {
		m.anchor = UpstreamAnchor{BSSID: evt.BSSID, Channel: evt.Channel}
		m.anchorSet = true
	}
	if m.cloning.MACCloned {
		m.startForwarding()
	}
	m.publish()
}

func (m *Machine) onSTADisconnected(ctx context.Context) {
	m.staConnected = false
	m.forwarding = false
	m.publish()

	if !m.reconnectSuppressed {
		m.scheduleReconnect(ctx, radio.ReconnectDelay)
	}
}

func (m *Machine) onAPClientJoin(ctx context.Context, client macnat.MAC) {
	switch m.state {
	case StateIdle:
		m.candidates = []macnat.MAC{client}
		m.state = StateMACChanging
		m.publish()
		m.runClone(ctx, client)
	default:
		// BRIDGING with mac_cloned: additional client, MAC-NAT handles it.
		// MAC_CHANGING/MAC_RESTORING: bookkeeping only, no new transition
		// while a sequence is already in flight.
		m.addCandidate(client)
	}
}

func (m *Machine) onAPClientLeave(ctx context.Context, client macnat.MAC) {
	wasPrimary := len(m.candidates) > 0 && m.candidates[0] == client
	m.removeCandidate(client)

	if m.state != StateBridging || !wasPrimary {
		return
	}

	if len(m.candidates) > 0 {
		target := m.candidates[0]
		m.state = StateMACChanging
		m.publish()
		m.runClone(ctx, target)
		return
	}

	m.state = StateMACRestoring
	m.publish()
	m.runRestore(ctx)
}

func (m *Machine) addCandidate(mac macnat.MAC) {
	for _, c := range m.candidates {
		if c == mac {
			return
		}
	}
	m.candidates = append(m.candidates, mac)
}

func (m *Machine) removeCandidate(mac macnat.MAC) {
	for i, c := range m.candidates {
		if c == mac {
			m.candidates = append(m.candidates[:i], m.candidates[i+1:]...)
			return
		}
	}
}

func (m *Machine) scheduleReconnect(ctx context.Context, delay time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := m.driver.Connect(ctx); err != nil {
			m.logger.Debug("auto-reconnect attempt failed", zap.Error(err))
		}
	}()
}

func (m *Machine) startForwarding() {
	// Gated explicitly on state == BRIDGING rather than mac_cloned alone,
	// so forwarding cannot start while a restore is clearing mac_cloned
	// but hasn't yet transitioned out of MAC_RESTORING.
	if m.state == StateBridging && m.staConnected && m.cloning.MACCloned {
		m.forwarding = true
		if err := m.driver.SetPowerSave(radio.PowerSaveOff); err != nil {
			m.logger.Warn("set power save off failed", zap.Error(err))
		}
	}
}

func (m *Machine) publish() {
	snap := &Snapshot{
		State:            m.state,
		MACCloned:        m.cloning.MACCloned,
		ClientMAC:        m.cloning.ClientMAC,
		STAConnected:     m.staConnected,
		ForwardingActive: m.forwarding,
		OriginalSTAMAC:   m.originalSTAMAC,
		APMAC:            m.apMAC,
	}
	m.snapshot.Store(snap)

	if m.metrics != nil {
		m.metrics.SetState(snap.State.String())
		m.metrics.SetCloned(snap.MACCloned)
		m.metrics.SetForwarding(snap.ForwardingActive)
		if m.driver != nil {
			m.metrics.SetClientCount(len(m.driver.APClients()))
		}
	}
}
