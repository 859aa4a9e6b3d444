package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the CLAMSTREAM_ prefix.  Boolean values
// accept "1", "true", "yes" and "0", "false", "no" (case-insensitive).
// Numeric values that are not positive leave the current value alone.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	// clamd
	if v := os.Getenv("CLAMSTREAM_URL"); v != "" {
		cfg.URLs = splitList(v)
	}
	if v, ok := envBool("CLAMSTREAM_ENABLED"); ok {
		cfg.Enabled = v
	}
	if v := envInt("CLAMSTREAM_SOCKET_TIMEOUT"); v > 0 {
		cfg.SocketTimeout = millisDuration(v)
	}
	if v := envInt("CLAMSTREAM_CHUNK_SIZE"); v > 0 {
		cfg.ChunkSize = v
	}

	// Batch
	if v := envInt("CLAMSTREAM_CONCURRENCY"); v > 0 {
		cfg.Concurrency = v
	}
	if v := envFloat("CLAMSTREAM_RATE"); v > 0 {
		cfg.Rate = v
	}
	if v := envInt("CLAMSTREAM_MAX_FAILURES"); v > 0 {
		cfg.MaxFailures = v
	}

	// Transport
	if v := os.Getenv("CLAMSTREAM_PROXY"); v != "" {
		cfg.Proxy = v
	}

	// SSH tunnel
	if v := os.Getenv("CLAMSTREAM_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("CLAMSTREAM_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if v, ok := envBool("CLAMSTREAM_SSH_PASSWORD"); ok {
		cfg.SSHPassword = v
	}
	if v, ok := envBool("CLAMSTREAM_SSH_AGENT"); ok {
		cfg.UseSSHAgent = v
	}
	if v, ok := envBool("CLAMSTREAM_STRICT_HOSTKEY"); ok {
		cfg.StrictHostKey = v
	}
	if v := os.Getenv("CLAMSTREAM_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := envInt("CLAMSTREAM_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if v, ok := envBool("CLAMSTREAM_STATS"); ok {
		cfg.Stats = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

func envFloat(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}

// envBool reports the value of a boolean env var and whether it was
// set to something recognisable.
func envBool(key string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func millisDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
