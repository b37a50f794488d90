package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/repeatercore/wifirepeater/pkg/bridge"
	"github.com/repeatercore/wifirepeater/pkg/dhcpsniff"
	"github.com/repeatercore/wifirepeater/pkg/hoststack/memstack"
	"github.com/repeatercore/wifirepeater/pkg/macnat"
	"github.com/repeatercore/wifirepeater/pkg/radio/simradio"
)

var (
	demoClients  int
	demoDuration time.Duration
)

// demoSTAIP/demoSTANetmask are the simulated address the STA "acquires"
// from the upstream AP's DHCP server partway through the demo, purely to
// exercise the AP-mirror step outside of a real DHCP client.
const (
	demoSTAIP      = uint32(203<<24 | 0<<16 | 113<<8 | 5)
	demoSTANetmask = uint32(255<<24 | 255<<16 | 255<<8 | 0)
)

func init() {
	demoCmd.Flags().IntVar(&demoClients, "clients", 2,
		"Number of downstream clients to simulate joining and leaving")
	demoCmd.Flags().DurationVar(&demoDuration, "duration", 20*time.Second,
		"Demo duration before showing final status")
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a repeater demo with a simulated radio driver",
	Long: `Run a demonstration of the full bridging lifecycle against
pkg/radio/simradio, an in-memory radio.Driver.

This simulates:
  1. A downstream client joining, triggering MAC cloning and bridging
  2. A second client joining while already bridging (MAC-NAT)
  3. The primary client leaving, re-cloning to the remaining client
  4. The last client leaving, restoring the original STA MAC

No WiFi hardware required - runs on any platform.`,
	RunE: runDemo,
}

// DemoRunner drives the bridging core against a simulated radio and
// prints state transitions and a final status summary.
type DemoRunner struct {
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startAt time.Time

	driver  *simradio.Driver
	host    *memstack.Stack
	machine *bridge.Machine

	originalSTAMAC macnat.MAC
	apMAC          macnat.MAC
	clientMACs     []macnat.MAC
}

func runDemo(cmd *cobra.Command, args []string) error {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logger, err := logConfig.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())

	runner := &DemoRunner{
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		startAt: time.Now(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nReceived interrupt, shutting down...")
		cancel()
	}()

	return runner.Run()
}

func (d *DemoRunner) Run() error {
	d.printBanner()

	if err := d.initComponents(); err != nil {
		return fmt.Errorf("init components: %w", err)
	}

	d.wg.Add(1)
	go d.runScenario()

	select {
	case <-d.ctx.Done():
	case <-time.After(demoDuration):
	}

	d.printFinalStatus()

	d.cancel()
	d.wg.Wait()
	d.machine.Stop()
	return nil
}

func (d *DemoRunner) printBanner() {
	fmt.Print(`
╔══════════════════════════════════════════════════════════════╗
║        WiFi Repeater Demo: MAC Clone / Bridge / Restore       ║
╚══════════════════════════════════════════════════════════════╝
`)
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Clients:  %d\n", demoClients)
	fmt.Printf("  Duration: %s\n", demoDuration)
	fmt.Println()
}

func (d *DemoRunner) initComponents() error {
	d.log("[INIT] Initializing simulated radio, host stack and bridging core...")

	original, err := randomMAC()
	if err != nil {
		return err
	}
	apMAC, err := randomMAC()
	if err != nil {
		return err
	}
	d.originalSTAMAC = original
	d.apMAC = apMAC

	for i := 0; i < demoClients; i++ {
		mac, err := randomMAC()
		if err != nil {
			return err
		}
		d.clientMACs = append(d.clientMACs, mac)
	}

	d.host = memstack.New()
	d.driver = simradio.New(d.originalSTAMAC, d.host)
	table := macnat.New(macnat.DefaultCapacity)
	sniffer := dhcpsniff.New(table)

	d.machine = bridge.NewMachine(bridge.Config{
		Driver:         d.driver,
		Host:           d.host,
		Table:          table,
		Sniffer:        sniffer,
		Logger:         d.logger,
		OriginalSTAMAC: d.originalSTAMAC,
		APMAC:          d.apMAC,
	})

	if err := d.machine.Start(d.ctx); err != nil {
		return fmt.Errorf("start bridging core: %w", err)
	}

	d.log("[INIT] Original STA MAC: %s, AP MAC: %s", d.originalSTAMAC, d.apMAC)
	return nil
}

func (d *DemoRunner) runScenario() {
	defer d.wg.Done()

	if len(d.clientMACs) == 0 {
		return
	}

	first := d.clientMACs[0]
	d.log("[SCENARIO] Client %s joins", first)
	d.driver.SimulateClientJoin(first, 1)
	d.waitForState(bridge.StateBridging)
	d.reportStatus()

	d.log("[SCENARIO] STA acquires an uplink IP, mirroring it onto the AP interface")
	d.driver.SimulateSTAGotIP(demoSTAIP, demoSTANetmask)
	time.Sleep(100 * time.Millisecond)
	d.reportStatus()

	for i := 1; i < len(d.clientMACs); i++ {
		mac := d.clientMACs[i]
		d.log("[SCENARIO] Client %s joins (MAC-NAT, already bridging)", mac)
		d.driver.SimulateClientJoin(mac, i+1)
		time.Sleep(100 * time.Millisecond)
		d.reportStatus()
	}

	time.Sleep(1 * time.Second)

	for i := 0; i < len(d.clientMACs)-1; i++ {
		mac := d.clientMACs[i]
		d.log("[SCENARIO] Client %s leaves, re-cloning to next candidate", mac)
		d.driver.SimulateClientLeave(mac, i+1)
		d.waitForState(bridge.StateBridging)
		d.reportStatus()
		time.Sleep(500 * time.Millisecond)
	}

	last := d.clientMACs[len(d.clientMACs)-1]
	d.log("[SCENARIO] Last client %s leaves, restoring original MAC", last)
	d.driver.SimulateClientLeave(last, len(d.clientMACs))
	d.waitForState(bridge.StateIdle)
	d.reportStatus()
}

func (d *DemoRunner) waitForState(want bridge.State) {
	deadline := time.After(5 * time.Second)
	for {
		if d.machine.Snapshot().State == want {
			return
		}
		select {
		case <-d.ctx.Done():
			return
		case <-deadline:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (d *DemoRunner) reportStatus() {
	status := d.machine.Status()
	d.log("[STATUS] state=%s mac_cloned=%t clients=%d sta=%s forwarding=%t",
		status.State, status.MACCloned, status.ClientCount, status.STAAddress, status.ForwardingActive)
}

func (d *DemoRunner) printFinalStatus() {
	elapsed := time.Since(d.startAt)
	status := d.machine.Status()

	fmt.Println()
	fmt.Println("══════════════════════════════════════════════════════════════")
	fmt.Println("Final Status")
	fmt.Println("══════════════════════════════════════════════════════════════")
	fmt.Printf("  Elapsed:            %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Bridging state:     %s\n", status.State)
	fmt.Printf("  MAC cloned:         %t\n", status.MACCloned)
	fmt.Printf("  Client count:       %d\n", status.ClientCount)
	fmt.Printf("  STA address:        %s\n", status.STAAddress)
	fmt.Printf("  Forwarding active:  %t\n", status.ForwardingActive)
	fmt.Println("══════════════════════════════════════════════════════════════")
}

func (d *DemoRunner) log(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}
