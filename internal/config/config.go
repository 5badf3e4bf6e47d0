// Package config parses korvad's command-line configuration.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

type HttpTimeoutsConfig struct {
	Read     time.Duration
	Idle     time.Duration
	Write    time.Duration
	Shutdown time.Duration // how long we give the shutdown process to gracefully terminate
}

type HTTPConfig struct {
	Addr      string
	Timeouts  HttpTimeoutsConfig
	RateLimit RateLimitConfig
}

// RateLimitConfig bounds the Origin Server's "/item/<id>" surface per
// remote peer IP (§5's concurrency model permits this as an abuse guard
// on top of, not instead of, the per-lease InFlightRequests counter).
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// DiscoveryConfig governs the SSDP control point that searches for
// MediaRenderers (component F).
type DiscoveryConfig struct {
	SearchTarget   string        // ST sent in M-SEARCH
	SearchTimeout  time.Duration // MX header: how long renderers may wait before responding
	SearchInterval time.Duration // how often the control point re-searches
	Interfaces     []string      // restrict to these interfaces; empty means all
}

// LeaseConfig governs Host Lease idle eviction (component D).
type LeaseConfig struct {
	IdleTimeout time.Duration
}

// IconConfig governs the icon cache directory (component A).
type IconConfig struct {
	Dir       string // empty means resolve ${USER_CACHE_DIR}/korva/icons at startup
	AssetsDir string // install-time directory holding the built-in fallback icons, distinct from Dir
}

// PushConfig bounds the rate of Push calls the controller accepts,
// independent of the per-device push serialization described in §5.
type PushConfig struct {
	RatePerMinute int
	Burst         int
}

type LogConfig struct {
	Level slog.Level
}

// MetricsConfig governs the ambient Prometheus exporter. Addr empty
// disables it; it never shares a listener with the HTTP Origin Server's
// single "/item/<id>" URL space (§4.C).
type MetricsConfig struct {
	Addr string
}

type Config struct {
	HTTP      HTTPConfig
	Discovery DiscoveryConfig
	Lease     LeaseConfig
	Icon      IconConfig
	Push      PushConfig
	Logger    LogConfig
	Metrics   MetricsConfig

	// InstanceID tags one korvad process's log lines, so that runs can be
	// told apart across restarts; it is not part of any UPnP identity (the UDN a
	// renderer sees comes from the renderer itself, never from Korva).
	// DefaultConfig mints a fresh one with uuid.NewV7, the same way the
	// teacher's media.Registry mints per-entry mount IDs; -instance.id
	// overrides it for reproducible logs in tests or multi-process setups.
	InstanceID string
}

// interfaceListFlag collects one or more --discovery.interface flags into a
// slice, the way the teacher's mountFlag collects one or more --media.mount
// flags.
type interfaceListFlag []string

func (f *interfaceListFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *interfaceListFlag) Set(value string) error {
	for name := range strings.SplitSeq(value, ",") {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			*f = append(*f, trimmed)
		}
	}
	return nil
}

const (
	defaultSearchTarget = "urn:schemas-upnp-org:device:MediaRenderer:1"
	defaultIdleTimeout  = 30 * time.Second
	defaultAssetsDir    = "/usr/share/korva/icons"
)

func DefaultConfig() *Config {
	instanceID := ""
	if id, err := uuid.NewV7(); err == nil {
		instanceID = id.String()
	}

	return &Config{
		InstanceID: instanceID,
		HTTP: HTTPConfig{
			Addr: ":0",
			Timeouts: HttpTimeoutsConfig{
				Read:     5 * time.Second,
				Idle:     30 * time.Second,
				Write:    1 * time.Hour,
				Shutdown: 15 * time.Second,
			},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				Burst:             20,
			},
		},
		Discovery: DiscoveryConfig{
			SearchTarget:   defaultSearchTarget,
			SearchTimeout:  3 * time.Second,
			SearchInterval: 30 * time.Second,
			Interfaces:     nil,
		},
		Lease: LeaseConfig{
			IdleTimeout: defaultIdleTimeout,
		},
		Icon: IconConfig{
			Dir:       "",
			AssetsDir: defaultAssetsDir,
		},
		Push: PushConfig{
			RatePerMinute: 30,
			Burst:         5,
		},
		Logger: LogConfig{
			Level: slog.LevelInfo,
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}
}

func ParseArgs(cfg *Config, args []string, stderr io.Writer) error {
	defaultCfg := DefaultConfig()

	fs := flag.NewFlagSet("korvad", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [options]\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "Pushes local media files to DLNA/UPnP MediaRenderers on the network.")
		fmt.Fprintln(fs.Output(), "\nOptions:")
		fs.PrintDefaults()
	}

	fs.StringVar(&cfg.HTTP.Addr, "http.addr", defaultCfg.HTTP.Addr, "http origin server bind address (empty port picks an ephemeral one)")
	fs.IntVar(&cfg.HTTP.RateLimit.RequestsPerSecond, "http.rateLimit.rps", defaultCfg.HTTP.RateLimit.RequestsPerSecond, "per-peer-IP requests/second allowed against the origin server")
	fs.IntVar(&cfg.HTTP.RateLimit.Burst, "http.rateLimit.burst", defaultCfg.HTTP.RateLimit.Burst, "per-peer-IP burst size allowed against the origin server")

	fs.DurationVar(&cfg.Discovery.SearchTimeout, "discovery.searchTimeout", defaultCfg.Discovery.SearchTimeout, "SSDP M-SEARCH MX value")
	fs.DurationVar(&cfg.Discovery.SearchInterval, "discovery.searchInterval", defaultCfg.Discovery.SearchInterval, "how often to re-run SSDP discovery")

	var interfaces interfaceListFlag
	fs.Var(&interfaces, "discovery.interface", "restrict discovery to this network interface (repeatable)")

	fs.DurationVar(&cfg.Lease.IdleTimeout, "lease.idleTimeout", defaultCfg.Lease.IdleTimeout, "idle timeout before an unreferenced host lease is torn down")

	fs.StringVar(&cfg.Icon.Dir, "icon.dir", defaultCfg.Icon.Dir, "icon cache directory (default: $USER_CACHE_DIR/korva/icons)")
	fs.StringVar(&cfg.Icon.AssetsDir, "icon.assetsDir", defaultCfg.Icon.AssetsDir, "install-time directory holding the built-in fallback icons")

	fs.StringVar(&cfg.InstanceID, "instance.id", defaultCfg.InstanceID, "log correlation id for this process (default: a freshly minted UUIDv7)")

	fs.StringVar(&cfg.Metrics.Addr, "metrics.addr", defaultCfg.Metrics.Addr, "bind address for the Prometheus /metrics exporter (empty disables it)")

	var logLevelStr string
	fs.StringVar(&logLevelStr, "logger.level", "info", "log level (debug, info, warn, error)")

	fs.IntVar(&cfg.Push.RatePerMinute, "push.ratePerMinute", defaultCfg.Push.RatePerMinute, "maximum Push calls accepted per minute")
	fs.IntVar(&cfg.Push.Burst, "push.burst", defaultCfg.Push.Burst, "burst size for the Push rate limiter")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(interfaces) > 0 {
		cfg.Discovery.Interfaces = interfaces
	}
	cfg.Discovery.SearchTarget = defaultCfg.Discovery.SearchTarget

	level, err := validateLoggerLevel(logLevelStr)
	if err != nil {
		return err
	}
	cfg.Logger.Level = level

	if err := validateIdleTimeout(cfg.Lease.IdleTimeout); err != nil {
		return err
	}

	if err := validatePushRate(cfg.Push); err != nil {
		return err
	}

	if err := validateHTTPRateLimit(cfg.HTTP.RateLimit); err != nil {
		return err
	}

	return nil
}

func validateLoggerLevel(logLevelStr string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevelStr)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", logLevelStr, err)
	}
	return level, nil
}

func validateIdleTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("lease.idleTimeout must be positive, got %s", d)
	}
	return nil
}

func validatePushRate(p PushConfig) error {
	if p.RatePerMinute <= 0 {
		return fmt.Errorf("push.ratePerMinute must be positive, got %d", p.RatePerMinute)
	}
	if p.Burst <= 0 {
		return fmt.Errorf("push.burst must be positive, got %d", p.Burst)
	}
	return nil
}

func validateHTTPRateLimit(r RateLimitConfig) error {
	if r.RequestsPerSecond <= 0 {
		return fmt.Errorf("http.rateLimit.rps must be positive, got %d", r.RequestsPerSecond)
	}
	if r.Burst <= 0 {
		return fmt.Errorf("http.rateLimit.burst must be positive, got %d", r.Burst)
	}
	return nil
}
