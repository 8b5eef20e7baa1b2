package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/aranet-relay/internal/agent"
	"github.com/chaz8081/aranet-relay/internal/alert"
	"github.com/chaz8081/aranet-relay/internal/ble"
	"github.com/chaz8081/aranet-relay/internal/collector"
	"github.com/chaz8081/aranet-relay/internal/config"
	"github.com/chaz8081/aranet-relay/internal/prompt"
	"github.com/chaz8081/aranet-relay/internal/recovery"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/aranet-relay/config.yaml)")
	envFile := flag.String("env-file", ".env", "dotenv file read before the config; missing is fine")
	testAlert := flag.Bool("test-alert", false, "send one test alert and exit")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// A test alert only needs the alert section.
	validate := cfg.Validate
	if *testAlert {
		validate = cfg.ValidateAlert
	}
	if err := validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	alerter := newAlerter(cfg)

	if *testAlert {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		report := alert.Report{DeviceID: cfg.Device.ID, Detail: "test alert from aranet-relay", Time: time.Now()}
		if err := alerter.Alert(ctx, report); err != nil {
			log.Fatalf("test alert failed: %v", err)
		}
		log.Println("Test alert sent")
		return
	}

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// BLE stack
	adapter := ble.NewTinyGoAdapter()
	locator := ble.NewLocator(adapter, ble.DefaultLocatorOptions())

	clientOpts := ble.DefaultClientOptions()
	clientOpts.ServiceUUID = cfg.Device.ServiceUUID
	clientOpts.CharacteristicUUID = cfg.Device.CharacteristicUUID
	client := ble.NewClient(adapter, clientOpts)

	pairer := ble.NewBlueZPairer(cfg.Device.Adapter)
	defer pairer.Close()
	pairing := ble.NewPairingAgent(pairer, prompt.NewConsole(os.Stdin, os.Stdout), ble.DefaultPairOptions())

	// Adapter recovery
	host := recovery.NewSystemHost(cfg.Device.Adapter, cfg.Recovery.ServiceUnit)
	defer host.Close()
	recoverer := recovery.New(host, recovery.DefaultOptions())

	// Collector
	submitter, closeCollector := newCollector(cfg)
	defer closeCollector()
	log.Printf("Collector ready (kind: %s)", cfg.Collector.Kind)

	opts := agent.DefaultOptions()
	opts.DeviceID = cfg.Device.ID
	opts.Target = cfg.Device.TargetName
	opts.NeedsPairing = cfg.Device.NeedsPairing
	opts.PollInterval = time.Duration(cfg.PollingInterval) * time.Second

	a := agent.New(agent.Deps{
		Locator:   locator,
		Pairer:    pairing,
		Reader:    client,
		Recoverer: recoverer,
		Collector: submitter,
		Alerter:   alerter,
	}, opts)

	log.Println("Ready! Ctrl+C to quit.")

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agent: %v", err)
	}
	log.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path. On first run it writes a default config for
// the operator to fill in; environment variables alone are also enough.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	written, err := config.WriteDefault()
	if err != nil {
		log.Printf("Could not write default config: %v", err)
	} else if written != "" {
		log.Printf("Wrote default config to %s", written)
	}

	// No config file, use defaults plus environment
	log.Println("No config file found, using defaults and environment")
	cfg := config.Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newCollector builds the configured collector and its cleanup func.
func newCollector(cfg *config.Config) (agent.Collector, func()) {
	timeout := time.Duration(cfg.Collector.Timeout) * time.Second
	if cfg.Collector.Kind == "mqtt" {
		m := cfg.Collector.MQTT
		c := collector.NewMQTTCollector(collector.MQTTOptions{
			Broker:   m.Broker,
			Topic:    m.Topic,
			ClientID: m.ClientID,
			Username: m.Username,
			Password: m.Password,
			QoS:      byte(m.QoS),
			Timeout:  timeout,
		})
		return c, c.Close
	}
	return collector.NewHTTPCollector(cfg.Collector.Endpoint, cfg.Collector.APIKey, timeout), func() {}
}

// newAlerter mails alerts when SendGrid is configured and logs them
// otherwise. Either way delivery is rate limited.
func newAlerter(cfg *config.Config) alert.Sender {
	var sender alert.Sender = alert.LogSender{}
	if cfg.Alert.SendGridAPIKey != "" {
		sender = alert.NewSendGridSender(cfg.Alert.SendGridAPIKey, cfg.Alert.From, cfg.Alert.To, 30*time.Second)
	}
	return alert.NewThrottled(sender, time.Duration(cfg.Alert.MinInterval)*time.Second, cfg.Alert.Burst)
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	alerts := "log only"
	if cfg.Alert.SendGridAPIKey != "" {
		alerts = "email to " + cfg.Alert.To
	}
	fmt.Println("=== aranet-relay ===")
	fmt.Printf("  Device:    %s\n", cfg.Device.ID)
	fmt.Printf("  Target:    %s (adapter %s)\n", cfg.Device.TargetName, cfg.Device.Adapter)
	fmt.Printf("  Pairing:   %t\n", cfg.Device.NeedsPairing)
	fmt.Printf("  Interval:  %s\n", time.Duration(cfg.PollingInterval)*time.Second)
	fmt.Printf("  Collector: %s\n", cfg.Collector.Kind)
	fmt.Printf("  Alerts:    %s\n", alerts)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("====================")
}
