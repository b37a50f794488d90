package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/repeatercore/wifirepeater/pkg/bridge"
	"github.com/repeatercore/wifirepeater/pkg/config"
	"github.com/repeatercore/wifirepeater/pkg/dhcpsniff"
	"github.com/repeatercore/wifirepeater/pkg/hoststack/memstack"
	"github.com/repeatercore/wifirepeater/pkg/ingress"
	"github.com/repeatercore/wifirepeater/pkg/macnat"
	"github.com/repeatercore/wifirepeater/pkg/metrics"
	"github.com/repeatercore/wifirepeater/pkg/radio/simradio"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "repeater",
	Short: "Single-radio WiFi repeater bridging core",
	Long: `repeater implements a layer-2 WiFi repeater that clones a
downstream client's MAC address onto its own uplink STA interface,
sharing the connection with MAC-NAT while retaining per-client
addressing on the AP side.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the repeater bridging core",
	RunE:  runRepeater,
}

var (
	configFile  string
	logLevel    string
	metricsAddr string
	macnatSize  int

	upstreamSSID     string
	upstreamPassword string
	apSSID           string
	apPassword       string
	authMode         string
	txPower          int
	maxClients       int
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/wifirepeater/config.yaml",
		"Configuration file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics listen address")
	runCmd.Flags().IntVar(&macnatSize, "macnat-size", macnat.DefaultCapacity,
		"MAC-NAT table capacity")

	runCmd.Flags().StringVar(&upstreamSSID, "upstream-ssid", "",
		"Upstream network SSID to associate to")
	runCmd.Flags().StringVar(&upstreamPassword, "upstream-password", "",
		"Upstream network password")
	runCmd.Flags().StringVar(&apSSID, "ap-ssid", "repeater",
		"SSID advertised to downstream clients")
	runCmd.Flags().StringVar(&apPassword, "ap-password", "",
		"Password for the downstream AP SSID")
	runCmd.Flags().StringVar(&authMode, "auth-mode", "wpa2-psk",
		"Downstream AP authentication mode: open, wpa2-psk, wpa3-sae")
	runCmd.Flags().IntVar(&txPower, "tx-power", 20,
		"Downstream AP transmit power in dBm")
	runCmd.Flags().IntVar(&maxClients, "max-clients", 8,
		"Maximum simultaneously bridged downstream clients")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(demoCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("repeater version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

func runRepeater(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Flags explicitly set on the command line take precedence over the
	// config file, which in turn takes precedence over built-in defaults.
	cfg, err := config.Load(configFile, config.Default())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("upstream-ssid") {
		cfg.UpstreamSSID = upstreamSSID
	}
	if cmd.Flags().Changed("upstream-password") {
		cfg.UpstreamPassword = upstreamPassword
	}
	if cmd.Flags().Changed("ap-ssid") {
		cfg.APSSID = apSSID
	}
	if cmd.Flags().Changed("ap-password") {
		cfg.APPassword = apPassword
	}
	if cmd.Flags().Changed("auth-mode") {
		cfg.AuthMode = config.AuthMode(authMode)
	}
	if cmd.Flags().Changed("tx-power") {
		cfg.TXPower = txPower
	}
	if cmd.Flags().Changed("max-clients") {
		cfg.MaxClients = maxClients
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("Starting repeater",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("upstream_ssid", cfg.UpstreamSSID),
		zap.String("ap_ssid", cfg.APSSID),
		zap.Int("max_clients", cfg.MaxClients),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	originalSTAMAC, err := randomMAC()
	if err != nil {
		return fmt.Errorf("failed to generate STA MAC: %w", err)
	}
	apMAC, err := randomMAC()
	if err != nil {
		return fmt.Errorf("failed to generate AP MAC: %w", err)
	}

	host := memstack.New()
	driver := simradio.New(originalSTAMAC, host)
	table := macnat.New(macnatSize)
	sniffer := dhcpsniff.New(table)

	m := metrics.New()
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	go func() {
		logger.Info("Starting metrics server", zap.String("addr", cfg.MetricsAddr))
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	machine := bridge.NewMachine(bridge.Config{
		Driver:         driver,
		Host:           host,
		Table:          table,
		Sniffer:        sniffer,
		Logger:         logger,
		Metrics:        m,
		OriginalSTAMAC: originalSTAMAC,
		APMAC:          apMAC,
	})

	cb := &ingress.Callbacks{
		Driver:  driver,
		Host:    host,
		Table:   table,
		Sniffer: sniffer,
		State:   machine.Snapshot,
		Logger:  logger,
		Mode:    ingress.ModeFull,
	}
	driver.RegisterIngress("ap", cb.OnAPRx)
	driver.RegisterIngress("sta", cb.OnSTARx)

	if err := machine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridging core: %w", err)
	}

	logger.Info("Repeater started successfully",
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("sta_mac", originalSTAMAC.String()),
		zap.String("ap_mac", apMAC.String()),
	)
	logger.Info("Press Ctrl+C to stop")

	<-ctx.Done()
	machine.Stop()
	logger.Info("Repeater stopped")
	return nil
}

func randomMAC() (macnat.MAC, error) {
	var mac macnat.MAC
	if _, err := rand.Read(mac[:]); err != nil {
		return mac, err
	}
	mac[0] &^= 0x01 // clear multicast bit
	mac[0] |= 0x02  // set locally-administered bit
	return mac, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	cfg.Encoding = "json"
	return cfg.Build()
}
