// Command meshsyncd runs the peer time-sync mesh and synchronized
// playback daemon: it maintains per-peer clock-offset estimation,
// schedules sample-accurate playback against a shared circular buffer,
// and serves AirPlay sinks over its RTP transport. Startup loads config,
// opens the local diagnostics store, brings up the peer registry and
// AirPlay transport, then serves the status HTTP surface until signalled.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meshsync/meshsync/internal/airplay"
	"github.com/meshsync/meshsync/internal/config"
	"github.com/meshsync/meshsync/internal/diagnostics"
	"github.com/meshsync/meshsync/internal/metrics"
	"github.com/meshsync/meshsync/internal/peer"
	"github.com/meshsync/meshsync/internal/sink"
	"github.com/meshsync/meshsync/internal/statusapi"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting meshsyncd",
		"http_port", cfg.HTTPPort,
		"airplay_base_port", cfg.AirplayBasePort,
		"data_dir", cfg.DataDir,
	)

	diag, err := diagnostics.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to open diagnostics store", "error", err)
		os.Exit(1)
	}
	defer diag.Close()

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	localDescriptor := peer.Descriptor{
		UUID:         localStableUUID(cfg.DataDir),
		InstanceUUID: uuid.NewString(),
		Name:         hostnameOrDefault(),
		Version:      "dev",
		Capacities:   []peer.Capacity{peer.CapSharedStateKeeper, peer.CapAirplaySink},
	}
	localPeer := peer.NewLocal(localDescriptor, logger)
	peerManager := peer.NewManager(localPeer, logger)

	peerCfg := peer.Config{
		RingCapacity:        100,
		TimekeeperRefresh:   cfg.TimekeeperRefresh,
		InitRequestCount:    cfg.TimesyncInitRequests,
		InitRequestInterval: 10 * time.Millisecond,
		MsDiffToUpdate:      float64(cfg.MsDiffToUpdateTimeDelta),
		NoResponseTimeout:   cfg.NoResponseTimeout,
	}
	peerManager.SetConfig(peerCfg)

	registerRPCHandlers(peerManager)

	registry := &sinkRegistry{}
	sources := newSourceRegistry()

	recordSyncEvents(appCtx, peerManager, diag, logger)

	// rendezvous.New is the client the out-of-scope peer discovery
	// collaborator (spec's WebRTC/WebSocket rendezvous transport) uses to
	// exchange bootstrap offers once it dials in; this daemon only
	// validates that a relay was configured; constructing and driving the
	// client itself belongs to that collaborator, not to this process.
	if cfg.RendezvousURL != "" {
		logger.Info("rendezvous relay configured", "url", cfg.RendezvousURL)
	}

	airplayTransport, airplayPort, err := bindAirplay(cfg, logger)
	if err != nil {
		logger.Error("failed to bind airplay transport", "error", err)
		os.Exit(1)
	}
	defer airplayTransport.Close()
	logger.Info("airplay transport bound", "port", airplayPort)

	registerPipeHandler(peerManager, sources, registry, airplayTransport, cfg, logger)

	collector := metrics.NewCollector(peerManager, registry, airplayTransport, time.Now(), logger)
	prometheus.MustRegister(collector)

	statusSrv := statusapi.New(peerManager, registry.All, diag, cfg.StatusRateLimit, cfg.StatusRateBurst, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      statusSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// The status server and the AirPlay transport run as independent
	// goroutines; errgroup collapses whichever fails first into a single
	// error the shutdown select below can react to.
	g, _ := errgroup.WithContext(appCtx)
	g.Go(func() error {
		logger.Info("status http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("status http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := airplayTransport.Serve(); err != nil {
			return fmt.Errorf("airplay transport: %w", err)
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		if err := g.Wait(); err != nil {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("background service error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down")
	appCancel()
	registry.StopAll()
	statusSrv.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("meshsyncd stopped")
}

// sinkRegistry is the process-wide set of active sinks, consulted by the
// status HTTP surface and mutated by the "pipe" RPC handler, which runs
// on its own goroutine per inbound request — hence the mutex.
type sinkRegistry struct {
	mu    sync.Mutex
	sinks []*sink.Sink
}

func (r *sinkRegistry) All() []*sink.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*sink.Sink{}, r.sinks...)
}

func (r *sinkRegistry) StopAll() {
	r.mu.Lock()
	sinks := append([]*sink.Sink{}, r.sinks...)
	r.mu.Unlock()
	for _, s := range sinks {
		s.Unpipe()
	}
}

// UnderrunCount implements metrics.BufferStatsProvider by summing every
// registered sink's dropout count.
func (r *sinkRegistry) UnderrunCount() uint64 {
	var total uint64
	for _, s := range r.All() {
		total += s.UnderrunCount()
	}
	return total
}

// registerRPCHandlers installs the RPC handlers this process answers on
// behalf of remote peers. Concrete handlers beyond ping/pipe (e.g.
// volume-set) live with the collaborator that owns that state; only the
// registry wiring belongs here.
func registerRPCHandlers(mgr *peer.Manager) {
	mgr.RegisterHandler("ping", func(ctx context.Context, body any) (any, error) {
		return "pong", nil
	})
}

// recordSyncEvents subscribes to peer lifecycle events and appends a
// diagnostics row whenever a connected peer's committed delta changes,
// giving the sync diagnostics store (component L) something to persist
// without coupling the peer package to SQLite.
func recordSyncEvents(ctx context.Context, mgr *peer.Manager, diag *diagnostics.Store, logger *slog.Logger) {
	events := mgr.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type != peer.EventConnectedPeer || ev.Peer.IsLocal() {
					continue
				}
				p := ev.Peer
				p.OnTimeDeltaUpdated(func(delta float64) {
					err := diag.Record(diagnostics.SyncEvent{
						PeerUUID: p.Descriptor().UUID,
						TS:       time.Now().UnixMilli(),
						DeltaMS:  delta,
						RTTMs:    0,
						RingLen:  0,
					})
					if err != nil {
						logger.Debug("recording sync event failed", "error", err)
					}
				})
			}
		}
	}()
}

// bindAirplay binds the single AirPlay UDP socket, starting at
// cfg.AirplayBasePort and retrying on EADDRINUSE. The caller is responsible
// for running Serve on the returned transport.
func bindAirplay(cfg *config.Config, logger *slog.Logger) (*airplay.Transport, int, error) {
	conn, port, err := airplay.BindWithRetry(cfg.AirplayBasePort, 32)
	if err != nil {
		return nil, 0, err
	}
	sessionID := randomSessionID()
	transport := airplay.New(conn, sessionID, airplay.Handler{}, logger)
	return transport, port, nil
}

// randomSessionID generates the 32-bit session identifier stamped into
// every outbound AirPlay RTP packet.
func randomSessionID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "meshsync-node"
	}
	return h
}

// localStableUUID derives (and persists) this process's stable peer uuid
// from a file in dataDir, so it survives restarts as a stable identity.
func localStableUUID(dataDir string) string {
	path := dataDir + "/peer_uuid"
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		return string(b)
	}
	id := uuid.NewString()
	_ = os.MkdirAll(dataDir, 0o750)
	_ = os.WriteFile(path, []byte(id), 0o640)
	return id
}
