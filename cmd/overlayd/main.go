// Package main provides the overlay daemon executable.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/earendil-project/overlayd/pkg/config"
	"github.com/earendil-project/overlayd/pkg/daemon"
	"github.com/earendil-project/overlayd/pkg/fingerprint"
	"github.com/earendil-project/overlayd/pkg/logger"
	"github.com/earendil-project/overlayd/pkg/oniontransport"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "", "path to configuration file (YAML)")
	controlAddr := flag.String("control-addr", "", "administrative control listen address (default: from config)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("overlayd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	var cfg *config.Config
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	if *controlAddr != "" {
		cfg.ControlListenAddr = *controlAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(level, os.Stdout)
	log.Info("starting overlayd", "version", version, "build_time", buildTime)

	id, err := loadOrGenerateIdentity(cfg.IdentityKeyPath)
	if err != nil {
		log.Error("failed to load identity", "error", err)
		os.Exit(1)
	}
	log.Info("loaded identity", "fingerprint", id.Public().Fingerprint())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, id, log); err != nil {
		log.Error("application error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// tcpTransport is the built-in overlay.PacketTransport: plain TCP.
// Deployments with an obfuscated pipe supply their own implementation to
// daemon.New instead.
type tcpTransport struct{}

func (tcpTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (tcpTransport) Listen(ctx context.Context, addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// memoryDHT is the built-in overlay.DHT: a process-local map. It serves
// single-node setups and tests; a networked deployment supplies a real
// distributed table.
type memoryDHT struct {
	mu   sync.RWMutex
	data map[fingerprint.Fingerprint][]byte
}

func newMemoryDHT() *memoryDHT {
	return &memoryDHT{data: make(map[fingerprint.Fingerprint][]byte)}
}

func (d *memoryDHT) Insert(ctx context.Context, key fingerprint.Fingerprint, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[key] = append([]byte(nil), value...)
	return nil
}

func (d *memoryDHT) Get(ctx context.Context, key fingerprint.Fingerprint) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.data[key], nil
}

func run(ctx context.Context, cfg *config.Config, id fingerprint.IdentitySecret, log *logger.Logger) error {
	dir := oniontransport.NewStaticDirectory()
	fwd, err := oniontransport.New(id, dir)
	if err != nil {
		return fmt.Errorf("construct onion transport: %w", err)
	}
	dir.Publish(id.Public().Fingerprint(), fwd.PublicOnionKey())

	d := daemon.New(cfg, id, fwd, newMemoryDHT(), tcpTransport{}, log)
	fwd.SetSink(d.ForwardRawPacket)

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	defer d.Stop()

	log.Info("control surface listening", "address", cfg.ControlListenAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("context cancelled", "reason", ctx.Err())
	}

	log.Info("initiating graceful shutdown")
	return nil
}

// loadOrGenerateIdentity reads a 32-byte hex-encoded seed from path,
// generating and persisting a fresh one on first run.
func loadOrGenerateIdentity(path string) (fingerprint.IdentitySecret, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(string(trimNewline(data)))
		if err != nil {
			return fingerprint.IdentitySecret{}, fmt.Errorf("identity key file is not valid hex: %w", err)
		}
		return fingerprint.FromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return fingerprint.IdentitySecret{}, err
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return fingerprint.IdentitySecret{}, fmt.Errorf("generate identity seed: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return fingerprint.IdentitySecret{}, fmt.Errorf("persist identity seed: %w", err)
	}
	return fingerprint.FromSeed(seed), nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
