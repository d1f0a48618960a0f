// Package config loads meshsync's runtime configuration from CLI flags and
// environment variables.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the meshsync daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int

	AirplayBasePort int
	SampleRate      int
	Channels        int
	ChunkSamples    int
	MaxLatencyMS    int

	NoResponseTimeout       time.Duration
	TimekeeperRefresh       time.Duration
	TimesyncInitRequests    int
	MsDiffToUpdateTimeDelta int
	FramesPerPacket         int

	RendezvousURL   string
	RendezvousToken string
	ConversationTTL time.Duration

	StatusRateLimit int
	StatusRateBurst int

	LogLevel  string
	LogFormat string
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 9090
	defaultAirplayBasePort = 6000
	defaultSampleRate      = 48000
	defaultChannels        = 2
	defaultChunkSamples    = 480
	defaultMaxLatencyMS    = 2000

	defaultNoResponseTimeout    = 15 * time.Second
	defaultTimekeeperRefresh    = 100 * time.Millisecond
	defaultTimesyncInitReqs     = 10
	defaultMsDiffToUpdateDelta  = 5
	defaultFramesPerPacket      = 352
	defaultConversationExpire   = 5 * time.Minute
	defaultStatusRateLimit      = 50
	defaultStatusRateBurst      = 100
	defaultLogLevel             = "info"
	defaultLogFormat            = "text"
)

// envPrefix is the prefix for all meshsync environment variables.
const envPrefix = "MESHSYNC_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("meshsync", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sync diagnostics store")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "status HTTP surface listen port")
	fs.IntVar(&cfg.AirplayBasePort, "airplay-base-port", defaultAirplayBasePort, "base UDP port to try when binding the AirPlay transport")
	fs.IntVar(&cfg.SampleRate, "sample-rate", defaultSampleRate, "source sample rate in Hz")
	fs.IntVar(&cfg.Channels, "channels", defaultChannels, "source channel count")
	fs.IntVar(&cfg.ChunkSamples, "chunk-samples", defaultChunkSamples, "samples per audio chunk")
	fs.IntVar(&cfg.MaxLatencyMS, "max-latency-ms", defaultMaxLatencyMS, "bound on circular buffer latency, in milliseconds")
	fs.DurationVar(&cfg.NoResponseTimeout, "no-response-timeout", defaultNoResponseTimeout, "peer link heartbeat timeout")
	fs.DurationVar(&cfg.TimekeeperRefresh, "timekeeper-refresh", defaultTimekeeperRefresh, "interval between periodic timekeep requests")
	fs.IntVar(&cfg.TimesyncInitRequests, "timesync-init-requests", defaultTimesyncInitReqs, "number of rapid probes fired on peer connect")
	fs.IntVar(&cfg.MsDiffToUpdateTimeDelta, "ms-diff-to-update", defaultMsDiffToUpdateDelta, "minimum drift in ms before committing a new time delta")
	fs.IntVar(&cfg.FramesPerPacket, "frames-per-packet", defaultFramesPerPacket, "AirPlay ALAC frames per RTP packet")
	fs.StringVar(&cfg.RendezvousURL, "rendezvous-url", "", "base URL of the rendezvous relay HTTP API")
	fs.StringVar(&cfg.RendezvousToken, "rendezvous-token", "", "bearer token for the rendezvous relay, if required")
	fs.DurationVar(&cfg.ConversationTTL, "conversation-expire", defaultConversationExpire, "rendezvous relay conversation expiry")
	fs.IntVar(&cfg.StatusRateLimit, "status-rate-limit", defaultStatusRateLimit, "status HTTP surface requests/sec allowed per client IP")
	fs.IntVar(&cfg.StatusRateBurst, "status-rate-burst", defaultStatusRateBurst, "status HTTP surface token bucket burst size per client IP")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. CLI flags take precedence.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	strVars := map[string]*string{
		"data-dir":         &cfg.DataDir,
		"rendezvous-url":   &cfg.RendezvousURL,
		"rendezvous-token": &cfg.RendezvousToken,
		"log-level":        &cfg.LogLevel,
		"log-format":       &cfg.LogFormat,
	}
	intVars := map[string]*int{
		"http-port":              &cfg.HTTPPort,
		"airplay-base-port":      &cfg.AirplayBasePort,
		"sample-rate":            &cfg.SampleRate,
		"channels":               &cfg.Channels,
		"chunk-samples":          &cfg.ChunkSamples,
		"max-latency-ms":         &cfg.MaxLatencyMS,
		"timesync-init-requests": &cfg.TimesyncInitRequests,
		"ms-diff-to-update":      &cfg.MsDiffToUpdateTimeDelta,
		"frames-per-packet":      &cfg.FramesPerPacket,
		"status-rate-limit":      &cfg.StatusRateLimit,
		"status-rate-burst":      &cfg.StatusRateBurst,
	}
	durVars := map[string]*time.Duration{
		"no-response-timeout": &cfg.NoResponseTimeout,
		"timekeeper-refresh":  &cfg.TimekeeperRefresh,
		"conversation-expire": &cfg.ConversationTTL,
	}

	for flagName, dst := range strVars {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envPrefix + envName(flagName)); ok && val != "" {
			*dst = val
		}
	}
	for flagName, dst := range intVars {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envPrefix + envName(flagName)); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				*dst = v
			}
		}
	}
	for flagName, dst := range durVars {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envPrefix + envName(flagName)); ok && val != "" {
			if v, err := time.ParseDuration(val); err == nil {
				*dst = v
			}
		}
	}
}

// envName converts a dash-separated flag name to SCREAMING_SNAKE_CASE.
func envName(flagName string) string {
	return strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.AirplayBasePort < 1024 || c.AirplayBasePort > 65000 {
		return fmt.Errorf("airplay-base-port must be between 1024 and 65000, got %d", c.AirplayBasePort)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample-rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.ChunkSamples <= 0 {
		return fmt.Errorf("chunk-samples must be positive, got %d", c.ChunkSamples)
	}
	if c.MaxLatencyMS <= 0 {
		return fmt.Errorf("max-latency-ms must be positive, got %d", c.MaxLatencyMS)
	}
	if c.TimesyncInitRequests <= 0 {
		return fmt.Errorf("timesync-init-requests must be positive, got %d", c.TimesyncInitRequests)
	}
	if c.StatusRateLimit <= 0 {
		return fmt.Errorf("status-rate-limit must be positive, got %d", c.StatusRateLimit)
	}
	if c.StatusRateBurst <= 0 {
		return fmt.Errorf("status-rate-burst must be positive, got %d", c.StatusRateBurst)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// LocalIP attempts to detect the machine's primary non-loopback IPv4
// address, used to advertise this peer's reachable address. Falls back to
// "127.0.0.1" if detection fails.
func (c *Config) LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
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
