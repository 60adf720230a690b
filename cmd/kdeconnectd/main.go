// Command kdeconnectd is a reference KDE Connect device daemon.
//
// It wires together the device core (pkg/manager, pkg/device), a
// file-backed certificate store, a YAML device cache, and the mDNS
// discovery adapter into a runnable process: advertise this device on
// the LAN, browse for peers, and activate the ones already marked
// allowed from a previous run.
//
// Usage:
//
//	kdeconnectd [flags]
//
// Flags:
//
//	-device-id string     stable identifier for this device (default derived from hostname)
//	-device-name string   user-visible name advertised to peers (default hostname)
//	-device-type string   "desktop", "laptop", "phone", or "tablet" (default "desktop")
//	-state-dir string     directory for certificates and the device cache (default "./kdeconnectd-state")
//	-interface string     restrict mDNS to one network interface (default: all)
//	-config string        optional YAML config file; flags take precedence over it
//	-log-level string     debug, info, warn, or error (default "info")
//	-protocol-log string  optional file path to additionally log protocol events to
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/kdeconnectd/devicecore/internal/corelog"
	"github.com/kdeconnectd/devicecore/pkg/cert"
	"github.com/kdeconnectd/devicecore/pkg/devicecache"
	"github.com/kdeconnectd/devicecore/pkg/discovery"
	"github.com/kdeconnectd/devicecore/pkg/discovery/mdns"
	"github.com/kdeconnectd/devicecore/pkg/handler"
	"github.com/kdeconnectd/devicecore/pkg/manager"
)

// fileConfig is the shape of the optional YAML config file. Any field
// a flag also covers is overridden by that flag when the flag was set
// on the command line.
type fileConfig struct {
	DeviceID    string `yaml:"deviceId"`
	DeviceName  string `yaml:"deviceName"`
	DeviceType  string `yaml:"deviceType"`
	StateDir    string `yaml:"stateDir"`
	Interface   string `yaml:"interface"`
	LogLevel    string `yaml:"logLevel"`
	ProtocolLog string `yaml:"protocolLog"`
}

// Config holds the daemon's resolved configuration, flags merged over
// whatever the config file supplied.
type Config struct {
	DeviceID    string
	DeviceName  string
	DeviceType  string
	StateDir    string
	Interface   string
	ConfigFile  string
	LogLevel    string
	ProtocolLog string
}

var config Config

func init() {
	flag.StringVar(&config.DeviceID, "device-id", "", "stable identifier for this device (default derived from hostname)")
	flag.StringVar(&config.DeviceName, "device-name", "", "user-visible name advertised to peers (default hostname)")
	flag.StringVar(&config.DeviceType, "device-type", "desktop", `"desktop", "laptop", "phone", or "tablet"`)
	flag.StringVar(&config.StateDir, "state-dir", "./kdeconnectd-state", "directory for certificates and the device cache")
	flag.StringVar(&config.Interface, "interface", "", "restrict mDNS to one network interface")
	flag.StringVar(&config.ConfigFile, "config", "", "optional YAML config file")
	flag.StringVar(&config.LogLevel, "log-level", "info", "debug, info, warn, or error")
	flag.StringVar(&config.ProtocolLog, "protocol-log", "", "optional file path to additionally log protocol events to")
}

func main() {
	// A config file can set any of the above, but flags on the command
	// line win; peek -config ourselves since flag.Parse gives no way to
	// tell "flag set" from "flag left at its default" after the fact.
	configPath := peekConfigFlag(os.Args[1:])
	if configPath != "" {
		if err := applyFileConfig(configPath); err != nil {
			log.Fatalf("kdeconnectd: reading config file: %v", err)
		}
	}
	flag.Parse()

	if config.DeviceID == "" || config.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "kdeconnectd"
		}
		if config.DeviceID == "" {
			config.DeviceID = hostname
		}
		if config.DeviceName == "" {
			config.DeviceName = hostname
		}
	}

	var logger corelog.Logger = corelog.NewSlogAdapter(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(config.LogLevel),
	})))

	if config.ProtocolLog != "" {
		logFile, err := os.OpenFile(config.ProtocolLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("kdeconnectd: opening protocol log: %v", err)
		}
		defer logFile.Close()
		fileAdapter := corelog.NewSlogAdapter(slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})))
		logger = corelog.NewMultiLogger(logger, fileAdapter)
		log.Printf("kdeconnectd: also logging protocol events to %s", config.ProtocolLog)
	}

	log.Printf("kdeconnectd: device_id=%s name=%q type=%s state_dir=%s", config.DeviceID, config.DeviceName, config.DeviceType, config.StateDir)

	certStore := cert.NewFileStore(config.StateDir)
	cache, err := devicecache.Open(filepath.Join(config.StateDir, "devices.yaml"), logger)
	if err != nil {
		log.Fatalf("kdeconnectd: opening device cache: %v", err)
	}

	registry := handler.NewRegistry()
	// Capability handlers register themselves here before LoadCache so
	// that devices already marked allowed attach their handlers on the
	// first activation pass; none ship with the core (spec.md §1
	// excludes capability handler implementations from scope).

	mgr := manager.New(certStore, cache, registry, logger)
	if err := mgr.LoadCache(); err != nil {
		log.Fatalf("kdeconnectd: loading device cache: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := &mdns.Adapter{Interface: config.Interface}

	found := make(chan discovery.DiscoveredDevice, 8)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-found:
				mgr.HandleDiscovered(d)
			}
		}
	}()

	go func() {
		if err := adapter.Browse(ctx, found); err != nil {
			log.Printf("kdeconnectd: mdns browse stopped: %v", err)
		}
	}()

	self := discovery.DiscoveredDevice{
		DeviceID:   config.DeviceID,
		DeviceName: config.DeviceName,
		DeviceType: config.DeviceType,
	}
	go func() {
		if err := adapter.Advertise(ctx, self); err != nil {
			log.Printf("kdeconnectd: mdns advertise stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("kdeconnectd: received signal: %v", sig)
	case <-ctx.Done():
	}

	log.Println("kdeconnectd: shutting down")
	if err := mgr.Shutdown(); err != nil {
		log.Printf("kdeconnectd: shutdown errors: %v", err)
	}
}

// peekConfigFlag scans args for -config/--config without invoking the
// package flag.FlagSet, so the file it names can be loaded before
// flag.Parse applies the values given on the command line.
func peekConfigFlag(args []string) string {
	for i, a := range args {
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case len(a) > 8 && a[:8] == "-config=":
			return a[8:]
		case len(a) > 9 && a[:9] == "--config=":
			return a[9:]
		}
	}
	return ""
}

func applyFileConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if fc.DeviceID != "" {
		config.DeviceID = fc.DeviceID
	}
	if fc.DeviceName != "" {
		config.DeviceName = fc.DeviceName
	}
	if fc.DeviceType != "" {
		config.DeviceType = fc.DeviceType
	}
	if fc.StateDir != "" {
		config.StateDir = fc.StateDir
	}
	if fc.Interface != "" {
		config.Interface = fc.Interface
	}
	if fc.LogLevel != "" {
		config.LogLevel = fc.LogLevel
	}
	if fc.ProtocolLog != "" {
		config.ProtocolLog = fc.ProtocolLog
	}
	return nil
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
