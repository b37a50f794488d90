package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/repeatercore/wifirepeater/pkg/hoststack"
	"github.com/repeatercore/wifirepeater/pkg/macnat"
	"github.com/repeatercore/wifirepeater/pkg/radio"
)

// waitOutcome reports how awaitEvent concluded.
type waitOutcome int

const (
	waitOK waitOutcome = iota
	waitTimedOut
)

// awaitEvent blocks the actor goroutine on driver.Events() until an event
// of kind arrives or timeout elapses. Because the actor is single
// goroutine, calling this from inside handleEvent's call chain is what
// serializes CLONE/RESTORE sequences: the actor simply cannot read
// another top-level event while it is parked here, so "at most one
// worker in flight" is a structural property rather than something a
// separate mutex has to enforce. Events that don't match kind are not
// dropped — join/leave events are drained into the candidate list so a
// late leave of the outgoing primary cannot desynchronize it from the
// MAC actually being cloned.
func (m *Machine) awaitEvent(ctx context.Context, kind radio.EventKind, timeout time.Duration) (radio.Event, waitOutcome) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return radio.Event{}, waitTimedOut
		case <-timer.C:
			return radio.Event{}, waitTimedOut
		case evt, ok := <-m.driver.Events():
			if !ok {
				return radio.Event{}, waitTimedOut
			}
			if evt.Kind == kind {
				return evt, waitOK
			}
			m.drainSideEvent(evt)
		}
	}
}

func (m *Machine) drainSideEvent(evt radio.Event) {
	switch evt.Kind {
	case radio.EventAPClientJoin:
		m.addCandidate(evt.ClientMAC)
	case radio.EventAPClientLeave:
		m.removeCandidate(evt.ClientMAC)
	case radio.EventSTADisconnected:
		m.staConnected = false
		m.forwarding = false
	case radio.EventSTAConnected:
		m.staConnected = true
	case radio.EventSTAGotIP:
		m.onSTAGotIP(evt)
	case radio.EventSTALostIP:
		m.onSTALostIP()
	}
	m.publish()
}

// runClone executes the disconnect -> set-MAC -> reconnect sequence that
// impersonates target's address on STA.
func (m *Machine) runClone(ctx context.Context, target macnat.MAC) {
	m.logger.Info("cloning client MAC onto STA", zap.String("target", target.String()))

	m.forwarding = false
	m.reconnectSuppressed = true
	m.publish()

	if err := m.driver.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect failed during clone", zap.Error(err))
	}
	if _, outcome := m.awaitEvent(ctx, radio.EventSTADisconnected, radio.DefaultDisconnectTimeout); outcome == waitTimedOut {
		m.logger.Warn("timed out waiting for STA disconnect during clone")
		m.cloneFallback(ctx)
		return
	}
	m.staConnected = false

	if err := m.host.StopDHCPClient("sta"); err != nil {
		m.logger.Warn("stop STA DHCP client failed", zap.Error(err))
	}
	// The host network layer refuses an interface with no address at
	// all; a link-local placeholder satisfies it without affecting the
	// bridged traffic, which never touches the STA IP stack.
	if err := m.host.Configure("sta", hoststack.IPConfig{IP: linkLocalPlaceholder, Netmask: linkLocalMask}); err != nil {
		m.logger.Warn("configure STA placeholder address failed", zap.Error(err))
	}

	if err := m.driver.SetSTAMAC(target); err != nil {
		m.logger.Warn("set STA MAC failed, falling back to original", zap.Error(err))
		m.cloneFallback(ctx)
		return
	}

	m.cloning = CloningState{ClientMAC: target, MACCloned: true}
	m.publish()

	cfg := radio.Config{AllowScan: true}
	if m.anchorSet {
		cfg = radio.Config{PinBSSID: m.anchor.BSSID, PinChannel: m.anchor.Channel}
	}
	if err := m.driver.Configure(cfg); err != nil {
		m.logger.Warn("pin association config failed during clone", zap.Error(err))
		m.cloneTimeoutFallback(ctx)
		return
	}

	m.reconnectSuppressed = false
	if err := m.driver.Connect(ctx); err != nil {
		m.logger.Warn("reconnect failed during clone", zap.Error(err))
		m.cloneTimeoutFallback(ctx)
		return
	}

	connectEvt, outcome := m.awaitEvent(ctx, radio.EventSTAConnected, radio.DefaultConnectTimeout)
	if outcome == waitTimedOut {
		m.logger.Warn("timed out waiting for STA connect during clone")
		m.cloneTimeoutFallback(ctx)
		return
	}

	m.staConnected = true
	if !m.anchorSet {
		m.anchor = UpstreamAnchor{BSSID: connectEvt.BSSID, Channel: connectEvt.Channel}
		m.anchorSet = true
	}
	m.state = StateBridging
	m.startForwarding()
	m.publish()

	m.logger.Info("bridging active", zap.String("client", target.String()))
}

// cloneFallback handles a failure before the STA hardware address has
// actually changed (disconnect timeout, SetSTAMAC error): restore the
// original address (a no-op if it was never changed), issue a plain
// reconnect, and return to IDLE.
func (m *Machine) cloneFallback(ctx context.Context) {
	if err := m.driver.SetSTAMAC(m.originalSTAMAC); err != nil {
		m.logger.Warn("restore original STA MAC failed", zap.Error(err))
	}
	m.cloning = CloningState{}
	m.reconnectSuppressed = false
	if err := m.driver.Connect(ctx); err != nil {
		m.logger.Warn("plain reconnect failed after clone fallback", zap.Error(err))
	}
	m.state = StateIdle
	m.forwarding = false
	m.publish()
}

// cloneTimeoutFallback handles a failure after the STA hardware address
// was already changed to the target (configure/reconnect error, or the
// post-reconnect connect timeout): unwind all the way back to IDLE,
// including restarting the STA DHCP client and unpinning the anchor.
func (m *Machine) cloneTimeoutFallback(ctx context.Context) {
	m.reconnectSuppressed = true
	if err := m.driver.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect failed during clone timeout fallback", zap.Error(err))
	}
	m.awaitEvent(ctx, radio.EventSTADisconnected, radio.DefaultDisconnectTimeout)
	m.staConnected = false

	if err := m.driver.SetSTAMAC(m.originalSTAMAC); err != nil {
		m.logger.Warn("restore original STA MAC failed", zap.Error(err))
	}
	m.cloning = CloningState{}
	m.anchorSet = false

	if err := m.host.StartDHCPClient("sta"); err != nil {
		m.logger.Warn("restart STA DHCP client failed", zap.Error(err))
	}

	m.reconnectSuppressed = false
	if err := m.driver.Connect(ctx); err != nil {
		m.logger.Warn("reconnect failed after clone timeout fallback", zap.Error(err))
	}

	m.state = StateIdle
	m.forwarding = false
	m.publish()
}

// runRestore executes the disconnect -> restore-original-MAC -> reconnect
// sequence that reverts STA to its factory identity at the end of a
// bridging session.
func (m *Machine) runRestore(ctx context.Context) {
	m.logger.Info("restoring original STA MAC")

	m.forwarding = false
	m.reconnectSuppressed = true
	m.publish()

	if err := m.driver.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect failed during restore", zap.Error(err))
	}
	m.awaitEvent(ctx, radio.EventSTADisconnected, radio.DefaultDisconnectTimeout)
	m.staConnected = false

	if err := m.driver.SetSTAMAC(m.originalSTAMAC); err != nil {
		m.logger.Warn("restore original STA MAC failed", zap.Error(err))
	}
	// Clear mac_cloned before any CONNECTED event can fire, so the event
	// handler's "STA CONNECTED while mac_cloned -> start forwarding" rule
	// cannot race a stray forwarding start during MAC_RESTORING.
	m.cloning = CloningState{}
	m.publish()

	if err := m.host.StartDHCPClient("sta"); err != nil {
		m.logger.Warn("restart STA DHCP client failed", zap.Error(err))
	}

	m.table.Clear()
	m.sniffer.Reset()
	if err := m.host.Configure("ap", m.factoryAPConfig); err != nil {
		m.logger.Warn("restore factory AP config failed", zap.Error(err))
	}
	if err := m.host.StartDHCPServer("ap"); err != nil {
		m.logger.Warn("restart AP DHCP server failed", zap.Error(err))
	}

	m.anchorSet = false
	m.reconnectSuppressed = false
	if err := m.driver.Connect(ctx); err != nil {
		m.logger.Warn("reconnect failed during restore", zap.Error(err))
	}

	if _, outcome := m.awaitEvent(ctx, radio.EventSTAConnected, radio.DefaultConnectTimeout); outcome == waitTimedOut {
		m.logger.Warn("timed out waiting for STA connect after restore; leaving periodic auto-reconnect to recover")
	} else {
		m.staConnected = true
	}

	m.state = StateIdle
	m.candidates = nil
	m.publish()

	m.logger.Info("restore complete")
}
