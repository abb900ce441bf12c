// Package config loads broker configuration from environment variables with
// CLI flag overrides.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr     = "PEERWAVE_LISTEN_ADDR"
	envVarMode           = "PEERWAVE_MODE"
	envVarLogFormat      = "PEERWAVE_LOG_FORMAT"
	envVarLogLevel       = "PEERWAVE_LOG_LEVEL"
	envVarAllowedOrigins = "PEERWAVE_ALLOWED_ORIGINS"
	envVarStunURLs       = "PEERWAVE_STUN_URLS"

	envVarTurnURLs         = "PEERWAVE_TURN_URLS"
	envVarTurnSharedSecret = "PEERWAVE_TURN_SHARED_SECRET"
	envVarTurnRealm        = "PEERWAVE_TURN_REALM"
	envVarTurnTTL          = "PEERWAVE_TURN_TTL"

	envVarShutdownTimeout       = "PEERWAVE_SHUTDOWN_TIMEOUT"
	envVarSignalingIdleTimeout  = "PEERWAVE_SIGNALING_IDLE_TIMEOUT"
	envVarSignalingPingInterval = "PEERWAVE_SIGNALING_PING_INTERVAL"

	envVarMaxSignalingMessageBytes      = "PEERWAVE_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "PEERWAVE_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendBufferMessages            = "PEERWAVE_SEND_BUFFER_MESSAGES"
)

const (
	// DefaultListenAddr matches the port the original deployment served
	// signaling on.
	DefaultListenAddr = ":3001"

	DefaultShutdownTimeout       = 5 * time.Second
	DefaultSignalingIdleTimeout  = 60 * time.Second
	DefaultSignalingPingInterval = 30 * time.Second

	// DefaultMaxSignalingMessageBytes is sized for SDP bodies, which dominate
	// signaling traffic.
	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSendBufferMessages            = 32

	DefaultTurnRealm = "peerwave"
	DefaultTurnTTL   = time.Hour
)

// DefaultStunURLs are used by clients that don't configure their own ICE
// servers.
var DefaultStunURLs = []string{"stun:stun.l.google.com:19302"}

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"

	DefaultMode = ModeProd
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string

	// AllowedOrigins is the browser Origin allowlist for HTTP routes and the
	// WebSocket upgrade. Entries are normalized origins or "*". Empty means
	// same-host only; dev mode implies "*" so a separate frontend origin works
	// out of the box, as the original deployment allowed.
	AllowedOrigins []string

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// StunURLs is served to clients via GET /ice so browsers and the CLI pick
	// up the same ICE configuration.
	StunURLs []string

	// TURN relay served via GET /ice with coturn-style short-lived
	// credentials. Disabled unless both TurnURLs and TurnSharedSecret are set.
	TurnURLs         []string
	TurnSharedSecret string
	TurnRealm        string
	TurnTTL          time.Duration

	// WebSocket hardening. The broker reads one message stream per connection;
	// these bound message size, rate, and idle lifetime.
	SignalingIdleTimeout          time.Duration
	SignalingPingInterval         time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// SendBufferMessages is the per-connection outbound queue depth. A peer
	// whose queue is full has messages dropped rather than stalling others.
	SendBufferMessages int
}

// TurnEnabled reports whether /ice should include a TURN server entry with
// minted credentials.
func (c Config) TurnEnabled() bool {
	return len(c.TurnURLs) > 0 && c.TurnSharedSecret != ""
}

// AllowAllOrigins reports whether the origin policy is a plain wildcard.
func (c Config) AllowAllOrigins() bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	fs := flag.NewFlagSet("peerwave-signal", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "TCP listen address")
	modeRaw := fs.String("mode", modeDefault, "run mode: dev or prod")
	logFormatRaw := fs.String("log-format", logFormatDefault, "log format: text or json")
	logLevelRaw := fs.String("log-level", logLevelDefault, "log level: debug, info, warn, error")
	allowedOriginsRaw := fs.String("allowed-origins", envOrDefault(lookup, envVarAllowedOrigins, ""), "comma-separated Origin allowlist (\"*\" allows all; empty means same-host)")
	stunURLsRaw := fs.String("stun-urls", envOrDefault(lookup, envVarStunURLs, ""), "comma-separated STUN URLs served to clients")
	turnURLsRaw := fs.String("turn-urls", envOrDefault(lookup, envVarTurnURLs, ""), "comma-separated TURN URLs served to clients (requires -turn-shared-secret)")
	turnSharedSecret := fs.String("turn-shared-secret", envOrDefault(lookup, envVarTurnSharedSecret, ""), "coturn REST shared secret for minting TURN credentials")
	turnRealm := fs.String("turn-realm", envOrDefault(lookup, envVarTurnRealm, DefaultTurnRealm), "username prefix embedded in minted TURN credentials")
	turnTTLRaw := fs.String("turn-ttl", envOrDefault(lookup, envVarTurnTTL, ""), "lifetime of minted TURN credentials")

	shutdownTimeoutRaw := fs.String("shutdown-timeout", envOrDefault(lookup, envVarShutdownTimeout, ""), "graceful shutdown timeout")
	idleTimeoutRaw := fs.String("signaling-idle-timeout", envOrDefault(lookup, envVarSignalingIdleTimeout, ""), "close connections with no traffic or pongs for this long")
	pingIntervalRaw := fs.String("signaling-ping-interval", envOrDefault(lookup, envVarSignalingPingInterval, ""), "WebSocket ping period (must be shorter than the idle timeout)")

	maxMessageBytes := fs.Int64("max-signaling-message-bytes", envInt64OrDefaultMust(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes), "maximum inbound signaling message size")
	maxMessagesPerSecond := fs.Int("max-signaling-messages-per-second", envIntOrDefaultMust(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond), "per-connection inbound message rate limit")
	sendBuffer := fs.Int("send-buffer-messages", envIntOrDefaultMust(lookup, envVarSendBufferMessages, DefaultSendBufferMessages), "per-connection outbound queue depth")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeRaw)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatRaw)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelRaw)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins := splitCommaList(*allowedOriginsRaw)
	if len(allowedOrigins) == 0 && mode == ModeDev {
		allowedOrigins = []string{"*"}
	}

	stunURLs := splitCommaList(*stunURLsRaw)
	if len(stunURLs) == 0 {
		stunURLs = DefaultStunURLs
	}

	turnURLs := splitCommaList(*turnURLsRaw)
	if len(turnURLs) > 0 && *turnSharedSecret == "" {
		return Config{}, fmt.Errorf("TURN URLs are configured but the shared secret is empty")
	}
	turnTTL, err := durationOrDefault(*turnTTLRaw, DefaultTurnTTL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid TURN TTL: %w", err)
	}

	shutdownTimeout, err := durationOrDefault(*shutdownTimeoutRaw, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("invalid shutdown timeout: %w", err)
	}
	idleTimeout, err := durationOrDefault(*idleTimeoutRaw, DefaultSignalingIdleTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("invalid signaling idle timeout: %w", err)
	}
	pingInterval, err := durationOrDefault(*pingIntervalRaw, DefaultSignalingPingInterval)
	if err != nil {
		return Config{}, fmt.Errorf("invalid signaling ping interval: %w", err)
	}
	if pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("signaling ping interval %s must be shorter than idle timeout %s", pingInterval, idleTimeout)
	}

	if *maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max signaling message bytes must be positive, got %d", *maxMessageBytes)
	}
	if *maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("max signaling messages per second must be positive, got %d", *maxMessagesPerSecond)
	}
	if *sendBuffer <= 0 {
		return Config{}, fmt.Errorf("send buffer messages must be positive, got %d", *sendBuffer)
	}

	return Config{
		ListenAddr:     *listenAddr,
		AllowedOrigins: allowedOrigins,
		Mode:           mode,
		LogFormat:      logFormat,
		LogLevel:       logLevel,

		ShutdownTimeout: shutdownTimeout,
		StunURLs:        stunURLs,

		TurnURLs:         turnURLs,
		TurnSharedSecret: *turnSharedSecret,
		TurnRealm:        *turnRealm,
		TurnTTL:          turnTTL,

		SignalingIdleTimeout:          idleTimeout,
		SignalingPingInterval:         pingInterval,
		MaxSignalingMessageBytes:      *maxMessageBytes,
		MaxSignalingMessagesPerSecond: *maxMessagesPerSecond,
		SendBufferMessages:            *sendBuffer,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

// envIntOrDefaultMust is used for flag defaults; a malformed env value falls
// back to the default rather than failing before flag parsing can report
// usage errors (an explicit flag value still wins).
func envIntOrDefaultMust(lookup func(string) (string, bool), key string, fallback int) int {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}

func envInt64OrDefaultMust(lookup func(string) (string, bool), key string, fallback int64) int64 {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func durationOrDefault(raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", raw)
	}
	return d, nil
}

func splitCommaList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
