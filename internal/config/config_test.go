package config

import (
	"log/slog"
	"os"
	"testing"
)

func clearMeshsyncEnv(t *testing.T) {
	for _, env := range []string{
		"MESHSYNC_DATA_DIR", "MESHSYNC_HTTP_PORT", "MESHSYNC_AIRPLAY_BASE_PORT",
		"MESHSYNC_SAMPLE_RATE", "MESHSYNC_CHANNELS", "MESHSYNC_CHUNK_SAMPLES",
		"MESHSYNC_MAX_LATENCY_MS", "MESHSYNC_NO_RESPONSE_TIMEOUT",
		"MESHSYNC_TIMEKEEPER_REFRESH", "MESHSYNC_TIMESYNC_INIT_REQUESTS",
		"MESHSYNC_MS_DIFF_TO_UPDATE", "MESHSYNC_FRAMES_PER_PACKET",
		"MESHSYNC_RENDEZVOUS_URL", "MESHSYNC_RENDEZVOUS_TOKEN",
		"MESHSYNC_CONVERSATION_EXPIRE", "MESHSYNC_STATUS_RATE_LIMIT",
		"MESHSYNC_STATUS_RATE_BURST", "MESHSYNC_LOG_LEVEL", "MESHSYNC_LOG_FORMAT",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearMeshsyncEnv(t)
	os.Args = []string{"meshsyncd"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.AirplayBasePort != defaultAirplayBasePort {
		t.Errorf("AirplayBasePort = %d, want %d", cfg.AirplayBasePort, defaultAirplayBasePort)
	}
	if cfg.SampleRate != defaultSampleRate {
		t.Errorf("SampleRate = %d, want %d", cfg.SampleRate, defaultSampleRate)
	}
	if cfg.Channels != defaultChannels {
		t.Errorf("Channels = %d, want %d", cfg.Channels, defaultChannels)
	}
	if cfg.StatusRateLimit != defaultStatusRateLimit {
		t.Errorf("StatusRateLimit = %d, want %d", cfg.StatusRateLimit, defaultStatusRateLimit)
	}
	if cfg.StatusRateBurst != defaultStatusRateBurst {
		t.Errorf("StatusRateBurst = %d, want %d", cfg.StatusRateBurst, defaultStatusRateBurst)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearMeshsyncEnv(t)
	os.Args = []string{"meshsyncd"}
	t.Setenv("MESHSYNC_HTTP_PORT", "7070")
	t.Setenv("MESHSYNC_DATA_DIR", "/tmp/meshsync-test")
	t.Setenv("MESHSYNC_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want 7070", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/meshsync-test" {
		t.Errorf("DataDir = %q, want /tmp/meshsync-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearMeshsyncEnv(t)
	// CLI flags should override env vars.
	os.Args = []string{"meshsyncd", "--http-port", "3000", "--log-level", "warn"}
	t.Setenv("MESHSYNC_HTTP_PORT", "9090")
	t.Setenv("MESHSYNC_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	clearMeshsyncEnv(t)
	os.Args = []string{"meshsyncd", "--http-port", "99999"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidSampleRate(t *testing.T) {
	clearMeshsyncEnv(t)
	os.Args = []string{"meshsyncd", "--sample-rate", "0"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for non-positive sample rate, got nil")
	}
}

func TestValidateInvalidStatusRateLimit(t *testing.T) {
	clearMeshsyncEnv(t)
	os.Args = []string{"meshsyncd", "--status-rate-limit", "0"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for non-positive status rate limit, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearMeshsyncEnv(t)
	os.Args = []string{"meshsyncd", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateInvalidLogFormat(t *testing.T) {
	clearMeshsyncEnv(t)
	os.Args = []string{"meshsyncd", "--log-format", "xml"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log format, got nil")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
