package bridge

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/repeatercore/wifirepeater/pkg/dhcpsniff"
	"github.com/repeatercore/wifirepeater/pkg/hoststack"
	"github.com/repeatercore/wifirepeater/pkg/hoststack/memstack"
	"github.com/repeatercore/wifirepeater/pkg/macnat"
	"github.com/repeatercore/wifirepeater/pkg/radio/simradio"
)

func originalMAC() macnat.MAC { return macnat.MAC{0x00, 0x11, 0x22, 0x33, 0x44, 0x55} }
func apMAC() macnat.MAC       { return macnat.MAC{0x00, 0x11, 0x22, 0x33, 0x44, 0x56} }
func clientA() macnat.MAC     { return macnat.MAC{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01} }
func clientB() macnat.MAC     { return macnat.MAC{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0x02} }

func newTestMachine(t *testing.T) (*Machine, *simradio.Driver, *memstack.Stack) {
	t.Helper()
	host := memstack.New()
	driver := simradio.New(originalMAC(), host)
	table := macnat.New(8)
	sniffer := dhcpsniff.New(table)

	m := NewMachine(Config{
		Driver:         driver,
		Host:           host,
		Table:          table,
		Sniffer:        sniffer,
		Logger:         zaptest.NewLogger(t),
		OriginalSTAMAC: originalMAC(),
		APMAC:          apMAC(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		m.Stop()
	})
	return m, driver, host
}

func waitForState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if m.Snapshot().State == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %v, got %v", want, m.Snapshot().State)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestScenario1_SingleClientBridging(t *testing.T) {
	m, driver, _ := newTestMachine(t)

	driver.SimulateClientJoin(clientA(), 1)
	waitForState(t, m, StateBridging)

	snap := m.Snapshot()
	if !snap.MACCloned || snap.ClientMAC != clientA() {
		t.Fatalf("expected MAC cloned to client A, got %+v", snap)
	}
	if !snap.ForwardingActive {
		t.Fatalf("expected forwarding active in BRIDGING")
	}
	if driver.STAMAC() != clientA() {
		t.Fatalf("expected STA MAC to equal client A's MAC, got %v", driver.STAMAC())
	}
}

func TestScenario2_TwoClientMACNAT(t *testing.T) {
	m, driver, _ := newTestMachine(t)

	driver.SimulateClientJoin(clientA(), 1)
	waitForState(t, m, StateBridging)

	driver.SimulateClientJoin(clientB(), 2)
	// Joining while BRIDGING with mac_cloned stays in BRIDGING.
	time.Sleep(20 * time.Millisecond)
	if m.Snapshot().State != StateBridging {
		t.Fatalf("expected to remain in BRIDGING after second client joins")
	}
	if len(driver.APClients()) != 2 {
		t.Fatalf("expected two AP clients")
	}
}

func TestScenario5_PrimaryLeavesOthersRemain(t *testing.T) {
	m, driver, _ := newTestMachine(t)

	driver.SimulateClientJoin(clientA(), 1)
	waitForState(t, m, StateBridging)
	driver.SimulateClientJoin(clientB(), 2)
	time.Sleep(20 * time.Millisecond)

	driver.SimulateClientLeave(clientA(), 1)
	// The state reads BRIDGING (cloned to A) until the leave event is
	// processed, so wait for the re-clone to finish rather than for the
	// state alone.
	deadline := time.After(2 * time.Second)
	for s := m.Snapshot(); s.State != StateBridging || s.ClientMAC != clientB(); s = m.Snapshot() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for re-clone to client B, got %+v", s)
		case <-time.After(time.Millisecond):
		}
	}

	snap := m.Snapshot()
	if snap.ClientMAC != clientB() {
		t.Fatalf("expected re-clone to target client B, got %v", snap.ClientMAC)
	}
	if driver.STAMAC() != clientB() {
		t.Fatalf("expected STA MAC to be client B's MAC, got %v", driver.STAMAC())
	}
}

func TestScenario6_LastClientLeavesRestores(t *testing.T) {
	m, driver, host := newTestMachine(t)

	driver.SimulateClientJoin(clientA(), 1)
	waitForState(t, m, StateBridging)

	driver.SimulateClientLeave(clientA(), 1)
	waitForState(t, m, StateIdle)

	snap := m.Snapshot()
	if snap.MACCloned {
		t.Fatalf("expected mac_cloned false after restore")
	}
	if driver.STAMAC() != originalMAC() {
		t.Fatalf("expected STA MAC restored to original, got %v", driver.STAMAC())
	}
	cfg, ok := host.Config("ap")
	if !ok || cfg != DefaultFactoryAPConfig() {
		t.Fatalf("expected AP restored to factory config, got %+v", cfg)
	}
	if !host.DHCPServerRunning("ap") {
		t.Fatalf("expected AP DHCP server running after restore")
	}
}

func TestMACChangeFailureFallsBackToIdle(t *testing.T) {
	m, driver, _ := newTestMachine(t)
	driver.FailNextSetMAC()

	driver.SimulateClientJoin(clientA(), 1)
	// The machine starts in IDLE, so first wait for the fallback's plain
	// reconnect before checking that the clone attempt ended in IDLE.
	deadline := time.After(2 * time.Second)
	for !driver.Connected() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the fallback reconnect")
		case <-time.After(time.Millisecond):
		}
	}
	waitForState(t, m, StateIdle)

	snap := m.Snapshot()
	if snap.MACCloned {
		t.Fatalf("expected mac_cloned false after SetSTAMAC failure")
	}
	if driver.STAMAC() != originalMAC() {
		t.Fatalf("expected STA MAC left at original address, got %v", driver.STAMAC())
	}
}

func TestInvariantIdleImpliesNotClonedNotForwarding(t *testing.T) {
	m, _, _ := newTestMachine(t)
	snap := m.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("expected to start in IDLE")
	}
	if snap.MACCloned || snap.ForwardingActive {
		t.Fatalf("IDLE must imply not cloned and not forwarding")
	}
}

func TestSTADisconnectStopsForwardingAndAutoReconnects(t *testing.T) {
	m, driver, _ := newTestMachine(t)
	driver.SimulateClientJoin(clientA(), 1)
	waitForState(t, m, StateBridging)

	driver.SimulateSTADisconnect("link lost")
	deadline := time.After(time.Second)
	for m.Snapshot().ForwardingActive {
		select {
		case <-deadline:
			t.Fatalf("expected forwarding to stop immediately on disconnect")
		case <-time.After(time.Millisecond):
		}
	}

	// auto-reconnect after ~1s should bring the STA back up.
	deadline = time.After(3 * time.Second)
	for !driver.Connected() {
		select {
		case <-deadline:
			t.Fatalf("expected auto-reconnect to bring STA back up")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitForConfig(t *testing.T, host *memstack.Stack, iface string, want hoststack.IPConfig) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if cfg, ok := host.Config(iface); ok && cfg == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s config %+v", iface, want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSTAGotIPMirrorsOntoAPInterface(t *testing.T) {
	m, driver, host := newTestMachine(t)
	driver.SimulateClientJoin(clientA(), 1)
	waitForState(t, m, StateBridging)

	staIP := ipv4(203, 0, 113, 5)
	staMask := ipv4(255, 255, 255, 0)
	driver.SimulateSTAGotIP(staIP, staMask)

	waitForConfig(t, host, "ap", hoststack.IPConfig{IP: staIP, Netmask: staMask})
	deadline := time.After(time.Second)
	for host.DHCPServerRunning("ap") {
		select {
		case <-deadline:
			t.Fatalf("expected AP DHCP server to be stopped after IP mirror")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSTAGotIPIgnoresLinkLocalAndZero(t *testing.T) {
	m, driver, host := newTestMachine(t)
	driver.SimulateClientJoin(clientA(), 1)
	waitForState(t, m, StateBridging)

	before, _ := host.Config("ap")

	driver.SimulateSTAGotIP(linkLocalPlaceholder, linkLocalMask)
	time.Sleep(20 * time.Millisecond)
	if cfg, _ := host.Config("ap"); cfg != before {
		t.Fatalf("link-local STA IP must not be mirrored onto AP, got %+v", cfg)
	}

	driver.SimulateSTAGotIP(0, 0)
	time.Sleep(20 * time.Millisecond)
	if cfg, _ := host.Config("ap"); cfg != before {
		t.Fatalf("zero STA IP must not be mirrored onto AP, got %+v", cfg)
	}
}

func TestSTALostIPRestoresFactoryAPConfig(t *testing.T) {
	m, driver, host := newTestMachine(t)
	driver.SimulateClientJoin(clientA(), 1)
	waitForState(t, m, StateBridging)

	driver.SimulateSTAGotIP(ipv4(203, 0, 113, 5), ipv4(255, 255, 255, 0))
	waitForConfig(t, host, "ap", hoststack.IPConfig{IP: ipv4(203, 0, 113, 5), Netmask: ipv4(255, 255, 255, 0)})

	driver.SimulateSTALostIP()
	waitForConfig(t, host, "ap", DefaultFactoryAPConfig())
	deadline := time.After(time.Second)
	for !host.DHCPServerRunning("ap") {
		select {
		case <-deadline:
			t.Fatalf("expected AP DHCP server to be restarted after STA lost its IP")
		case <-time.After(time.Millisecond):
		}
	}
}
