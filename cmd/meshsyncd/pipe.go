package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/meshsync/meshsync/internal/airplay"
	"github.com/meshsync/meshsync/internal/config"
	"github.com/meshsync/meshsync/internal/peer"
	"github.com/meshsync/meshsync/internal/playback"
	"github.com/meshsync/meshsync/internal/raop"
	"github.com/meshsync/meshsync/internal/sink"
)

// sourceRegistry holds the local playback sources available to be piped
// to a sink, keyed by source id. The out-of-scope audio capture
// collaborator registers a Source here once it starts producing chunks;
// this daemon only consumes the registry, it never produces sources
// itself.
type sourceRegistry struct {
	mu      sync.Mutex
	sources map[string]playback.Source
}

func newSourceRegistry() *sourceRegistry {
	return &sourceRegistry{sources: make(map[string]playback.Source)}
}

func (r *sourceRegistry) Register(id string, src playback.Source) {
	r.mu.Lock()
	r.sources[id] = src
	r.mu.Unlock()
}

func (r *sourceRegistry) Get(id string) (playback.Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	return src, ok
}

// Add registers sk so it is included in All/StopAll and the buffer
// underrun total the metrics collector reports.
func (r *sinkRegistry) Add(sk *sink.Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, sk)
	r.mu.Unlock()
}

// pipeRequest is the "pipe" RPC body: bind sourceID (a registered local
// source) to the AirPlay receiver reachable at host (bare IP or
// hostname, RTSP default port 5000).
type pipeRequest struct {
	SourceID string `json:"source_id"`
	Host     string `json:"host"`
}

// decodePipeRequest accepts either a concrete pipeRequest (same-process
// callers, tests) or the map[string]any shape an inbound RPC body takes
// once decoded off the wire as JSON.
func decodePipeRequest(body any) (pipeRequest, error) {
	switch v := body.(type) {
	case pipeRequest:
		return v, nil
	case map[string]any:
		req := pipeRequest{}
		if s, ok := v["source_id"].(string); ok {
			req.SourceID = s
		}
		if h, ok := v["host"].(string); ok {
			req.Host = h
		}
		if req.SourceID == "" || req.Host == "" {
			return req, fmt.Errorf("pipe: source_id and host are required")
		}
		return req, nil
	default:
		return pipeRequest{}, fmt.Errorf("pipe: unrecognized body type %T", body)
	}
}

// registerPipeHandler installs the "pipe" RPC handler: given a registered
// local source and a reachable AirPlay receiver, it runs the RAOP pairing
// handshake against transport's already-bound local port, learns the
// receiver's data port, and starts a sink scheduler sending encrypted
// audio to it.
func registerPipeHandler(mgr *peer.Manager, sources *sourceRegistry, sinks *sinkRegistry, transport *airplay.Transport, cfg *config.Config, logger *slog.Logger) {
	mgr.RegisterHandler("pipe", func(ctx context.Context, body any) (any, error) {
		req, err := decodePipeRequest(body)
		if err != nil {
			return nil, err
		}

		src, ok := sources.Get(req.SourceID)
		if !ok {
			return nil, fmt.Errorf("pipe: unknown source %q", req.SourceID)
		}

		rtspAddr := fmt.Sprintf("%s:5000", req.Host)
		session, handshake, dataPort, err := raop.Pair(
			ctx, rtspAddr, cfg.LocalIP(), "", "",
			transport.LocalPort(), transport.LocalPort(),
			cfg.SampleRate, cfg.Channels, logger,
		)
		if err != nil {
			return nil, fmt.Errorf("pipe: raop pairing with %s: %w", req.Host, err)
		}

		clientAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", req.Host, dataPort))
		if err != nil {
			handshake.Close()
			return nil, fmt.Errorf("pipe: resolving receiver data port: %w", err)
		}
		transport.SetClientPort(clientAddr)

		device := airplay.NewDevice(transport, session, cfg.SampleRate, cfg.Channels, cfg.ChunkSamples, logger)
		sk := sink.New(req.Host, device, nil, cfg.MaxLatencyMS, logger)
		if err := sk.Pipe(ctx, req.SourceID, src); err != nil {
			handshake.Close()
			return nil, fmt.Errorf("pipe: starting scheduler: %w", err)
		}
		sinks.Add(sk)

		logger.Info("piped source to airplay sink", "source_id", req.SourceID, "host", req.Host)
		return "ok", nil
	})
}
