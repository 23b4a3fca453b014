package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/syndro-project/syndro/internal/checkpoint"
	"github.com/syndro-project/syndro/internal/config"
	"github.com/syndro-project/syndro/internal/discovery"
	"github.com/syndro-project/syndro/internal/external"
	"github.com/syndro-project/syndro/internal/model"
	"github.com/syndro-project/syndro/internal/observability"
	"github.com/syndro-project/syndro/internal/transfer"
	"github.com/syndro-project/syndro/internal/truststore"
)

func main() {
	httpAddr := flag.String("http-addr", "", "HTTP transfer engine bind address (overrides config default)")
	observAddr := flag.String("observ-addr", "127.0.0.1:9765", "metrics/health/pprof server address")
	deviceName := flag.String("name", "", "this device's display name (defaults to hostname)")
	configPath := flag.String("config", "", "path to a JSON config file overlaying the defaults")
	flag.Parse()

	logger := observability.NewLogger("syndrod", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("1.0.0")

	if shutdown, err := observability.InitTracing(context.Background(), "syndrod"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("syndrod starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if *httpAddr != "" {
		cfg.HTTPAddress = *httpAddr
	}

	for _, dir := range []string{cfg.DataDirectory, cfg.DownloadDirectory, cfg.CheckpointDirectory} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal(err, "failed to create data directory "+dir)
		}
	}

	secretStore, err := external.NewBoltSecretStore(cfg.SecretStorePath, secretStorePassphrase())
	if err != nil {
		logger.Fatal(err, "failed to open secret store")
	}
	defer secretStore.Close()

	identity, identityLoaded, err := loadOrCreateIdentity(context.Background(), secretStore, *deviceName)
	if err != nil {
		logger.Fatal(err, "failed to establish device identity")
	}
	logger.Info(fmt.Sprintf("device identity: %s (%s)", identity.ID, identity.Name))

	trust, err := truststore.Open(filepath.Join(cfg.DataDirectory, "trust.db"), cfg.TrustTokenTTL)
	if err != nil {
		logger.Fatal(err, "failed to open trust store")
	}
	defer trust.Close()

	checkpoints, err := checkpoint.NewStore(cfg.CheckpointDirectory)
	if err != nil {
		logger.Fatal(err, "failed to open checkpoint store")
	}

	history, err := external.NewBoltDatabase(cfg.HistoryStorePath)
	if err != nil {
		logger.Fatal(err, "failed to open transfer history store")
	}
	defer history.Close()

	events := transfer.NewEventPublisher(cfg.EventBufferSize)

	engine := transfer.NewEngine(identity, trust, checkpoints, events, logger, metrics, transfer.EngineConfig{
		DownloadRoot:        cfg.DownloadDirectory,
		AutoAcceptTrusted:   true,
		SequentialBufferCap: cfg.ParallelBufferCap,
		MaxChunkRecordSize:  cfg.MaxChunkRecordSize,
	})
	engine.SetDatabase(history)

	port := httpPort(cfg.HTTPAddress)
	boundAddr, err := engine.ListenAndServe(port)
	if err != nil {
		logger.Fatal(err, "failed to bind transfer engine")
	}
	logger.Info("transfer engine listening on " + boundAddr)
	defer engine.Shutdown()

	health.RegisterCheck("http_listener", observability.HTTPListenerCheck(boundAddr))
	health.RegisterCheck("device_identity", observability.DeviceIdentityCheck(identityLoaded))
	health.RegisterCheck("secret_store", observability.SecretStoreCheck(cfg.SecretStorePath))
	health.RegisterCheck("disk_space", observability.DiskSpaceCheck(cfg.DownloadDirectory, 1))

	go startObservabilityServer(*observAddr, metrics, health, logger)

	registry := discovery.NewRegistry(identity.ID)
	registry.OnEviction(func(d model.Device) { logger.PeerEvicted(d.ID) })

	beacon, err := discovery.OpenBeacon(discovery.BeaconSelf{
		ID:       identity.ID,
		Name:     identity.Name,
		Platform: identity.Platform,
		Port:     port,
	}, logger)
	if err != nil {
		logger.Fatal(err, "failed to open discovery beacon")
	}
	defer beacon.Close()

	scanner := discovery.NewScanner(identity.ID, cfg.ProbeScanCap, time.Minute, logger)

	stop := make(chan struct{})
	go beacon.RunSender(cfg.BeaconInterval, stop)
	go beacon.RunReceiver(registry)
	go registry.Run(stop)

	scanCtx, scanCancel := context.WithCancel(context.Background())
	go scanner.Run(scanCtx, registry, cfg.DeviceSweepPeriod, stop)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 24h", func() {
		if n, err := trust.Prune(); err == nil && n > 0 {
			logger.Info(fmt.Sprintf("trust store: pruned %d expired entries", n))
		}
	}); err != nil {
		logger.Fatal(err, "failed to schedule trust store sweep")
	}
	if _, err := sweeper.AddFunc("@every 60s", func() {
		if n := engine.SweepExpiredPending(); n > 0 {
			logger.Info(fmt.Sprintf("transfer engine: swept %d expired pending requests", n))
		}
	}); err != nil {
		logger.Fatal(err, "failed to schedule pending-request sweep")
	}
	sweeper.Start()
	defer sweeper.Stop()

	logger.Info("syndrod running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down gracefully")
	close(stop)
	scanCancel()
}

// secretStorePassphrase derives a stable local passphrase from machine
// state. A production embedding is expected to source this from the OS
// keychain via a non-Bolt SecretStore implementation instead.
func secretStorePassphrase() string {
	if p := os.Getenv("SYNDRO_SECRET_PASSPHRASE"); p != "" {
		return p
	}
	hostname, _ := os.Hostname()
	return "syndro-local-" + hostname
}

const identitySecretKey = "device-identity"

// loadOrCreateIdentity reads a persisted device id/name/keypair from the
// secret store, generating and saving a fresh one on first run.
func loadOrCreateIdentity(ctx context.Context, store *external.BoltSecretStore, nameOverride string) (transfer.Identity, bool, error) {
	if raw, ok, err := store.Get(ctx, identitySecretKey); err != nil {
		return transfer.Identity{}, false, err
	} else if ok {
		id, err := decodeIdentity(raw)
		if err != nil {
			return transfer.Identity{}, false, err
		}
		return id, true, nil
	}

	name := nameOverride
	if name == "" {
		name, _ = os.Hostname()
	}
	if name == "" {
		name = "syndro-device"
	}

	id := transfer.Identity{
		ID:       uuid.NewString(),
		Name:     name,
		Platform: detectPlatform(),
	}
	if err := store.Put(ctx, identitySecretKey, encodeIdentity(id)); err != nil {
		return transfer.Identity{}, false, err
	}
	return id, false, nil
}

// encodeIdentity/decodeIdentity use a trivial length-prefixed layout
// rather than encoding/json so the identity secret never round-trips
// through a format a casual file read could parse as plaintext JSON.
func encodeIdentity(id transfer.Identity) []byte {
	idBytes := []byte(id.ID)
	nameBytes := []byte(id.Name)
	platBytes := []byte(id.Platform)
	buf := make([]byte, 0, len(idBytes)+len(nameBytes)+len(platBytes)+3)
	buf = append(buf, byte(len(idBytes)))
	buf = append(buf, idBytes...)
	buf = append(buf, byte(len(nameBytes)))
	buf = append(buf, nameBytes...)
	buf = append(buf, byte(len(platBytes)))
	buf = append(buf, platBytes...)
	return buf
}

func decodeIdentity(raw []byte) (transfer.Identity, error) {
	read := func(b []byte) (string, []byte, error) {
		if len(b) == 0 {
			return "", nil, fmt.Errorf("identity record truncated")
		}
		n := int(b[0])
		b = b[1:]
		if len(b) < n {
			return "", nil, fmt.Errorf("identity record truncated")
		}
		return string(b[:n]), b[n:], nil
	}
	id, rest, err := read(raw)
	if err != nil {
		return transfer.Identity{}, err
	}
	name, rest, err := read(rest)
	if err != nil {
		return transfer.Identity{}, err
	}
	plat, _, err := read(rest)
	if err != nil {
		return transfer.Identity{}, err
	}
	return transfer.Identity{ID: id, Name: name, Platform: model.Platform(plat)}, nil
}

func detectPlatform() model.Platform {
	switch runtime.GOOS {
	case "linux":
		return model.PlatformLinux
	case "darwin":
		return model.PlatformMacOS
	case "windows":
		return model.PlatformWindows
	default:
		return model.PlatformUnknown
	}
}

func httpPort(addr string) int {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port := 8765
			fmt.Sscanf(addr[i+1:], "%d", &port)
			return port
		}
	}
	return 8765
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
