// Command lockerctl connects to a paired locker over the Bluefruit UART
// service and sends it commands.
//
// Usage:
//
//	lockerctl [flags] [COMMAND...]
//
// With positional commands, each is sent in order and lockerctl exits.
// Otherwise commands are read from stdin, one per line.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/chaz8081/locker-controller/internal/ble"
	"github.com/chaz8081/locker-controller/internal/config"
	"github.com/chaz8081/locker-controller/internal/console"
	"github.com/chaz8081/locker-controller/internal/directory"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "lockerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lockerctl", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to config file (default: ~/.config/locker-controller/config.yaml)")
	deviceName := fs.StringP("device", "d", "", "paired device name to connect to")
	list := fs.BoolP("list", "l", false, "list paired devices and exit")
	scan := fs.Bool("scan", false, "scan for advertising UART devices and exit")
	initConfig := fs.Bool("init-config", false, "write the default config file and exit")
	verbose := fs.BoolP("verbose", "v", false, "enable debug logging")
	noColor := fs.Bool("no-color", false, "disable colored output")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *noColor {
		color.NoColor = true
	}

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		} else {
			fmt.Printf("Wrote default config to %s\n", path)
		}
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}
	if *deviceName != "" {
		cfg.Device.Name = *deviceName
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	setupLogging(cfg.LogLevel)

	transport := ble.NewTinyGoTransport()
	if *scan {
		return scanDevices(transport, cfg)
	}

	dir := directory.New(newSource(cfg))
	mgr := ble.NewManager(transport, sessionOptions(cfg))
	defer mgr.Close()
	ctrl := console.NewController(dir, console.ManagerConnector(mgr), os.Stdout)
	defer ctrl.Close()

	if *list {
		return ctrl.ListDevices(ctx)
	}

	printBanner(cfg)

	ok, err := ctrl.CheckPaired(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	commands := fs.Args()
	if cfg.Device.Name != "" {
		if err := ctrl.Select(ctx, cfg.Device.Name); err != nil && len(commands) > 0 {
			return err
		}
	} else if len(commands) > 0 {
		return fmt.Errorf("no device selected: use --device or set device.name in the config")
	}

	if len(commands) > 0 {
		for _, cmd := range commands {
			if err := ctrl.Send(ctx, cmd); err != nil {
				return err
			}
		}
		return nil
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Println("Type \"help\" for commands. Ctrl+C to quit.")
	}
	return ctrl.Run(ctx, os.Stdin, interactive)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Debug("no config file found, using defaults")
	return config.Default(), nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func newSource(cfg *config.Config) directory.Source {
	if cfg.Directory.Backend == "static" {
		devices := make(directory.StaticSource, 0, len(cfg.Directory.Devices))
		for _, d := range cfg.Directory.Devices {
			devices = append(devices, ble.Device{Name: d.Name, Address: d.Address})
		}
		return devices
	}
	return directory.NewBlueZSource(cfg.Device.Adapter)
}

func sessionOptions(cfg *config.Config) ble.Options {
	return ble.Options{
		ConnectTimeout:      cfg.Timeouts.Connect,
		PostConnectSettle:   settleOption(cfg.Timeouts.PostConnectSettle),
		DiscoveryTimeout:    cfg.Timeouts.Discovery,
		PostDiscoverySettle: settleOption(cfg.Timeouts.PostDiscoverySettle),
		SendTimeout:         cfg.Timeouts.Send,
		MaxWriteBytes:       cfg.UART.MaxWriteBytes,
	}
}

// settleOption maps a configured settle to ble.Options, where zero would
// mean the default. A zero in the config file turns the settle off.
func settleOption(d time.Duration) time.Duration {
	if d == 0 {
		return ble.NoSettle
	}
	return d
}

func scanDevices(scanner ble.Scanner, cfg *config.Config) error {
	fmt.Printf("Scanning for UART devices (%s)...\n", cfg.Timeouts.Scan)
	devices, err := ble.ScanForDevices(scanner, cfg.Timeouts.Scan)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("  %-24s %s  %d dBm\n", d.Name, d.Address, d.RSSI)
	}
	return nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	device := cfg.Device.Name
	if device == "" {
		device = "(none, use \"use NAME\")"
	}
	fmt.Println("=== lockerctl ===")
	fmt.Printf("  Device:     %s\n", device)
	fmt.Printf("  Directory:  %s\n", directoryLabel(cfg))
	fmt.Printf("  Timeouts:   connect %s, send %s\n", cfg.Timeouts.Connect, cfg.Timeouts.Send)
	fmt.Printf("  Log:        %s\n", cfg.LogLevel)
	fmt.Println("=================")
}

func directoryLabel(cfg *config.Config) string {
	if cfg.Directory.Backend == "static" {
		names := make([]string, 0, len(cfg.Directory.Devices))
		for _, d := range cfg.Directory.Devices {
			names = append(names, d.Name)
		}
		return "static (" + strings.Join(names, ", ") + ")"
	}
	return "bluez " + cfg.Device.Adapter
}
