// Package config parses and validates the rtprelay runtime configuration.
// Precedence: CLI flags > environment variables > defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/flowpbx/rtprelay/internal/relay"
)

// defaults
const (
	DefaultControlSpec = "unix:/var/run/rtprelay.sock"
	DefaultPIDFile     = "/var/run/rtprelay.pid"
	DefaultPortMin     = 35000
	DefaultPortMax     = 65000
	DefaultMaxTTL      = 60
	DefaultTOS         = 0xB8
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
)

// envPrefix is the prefix of all rtprelay environment variables.
const envPrefix = "RTPRELAY_"

// Config holds all runtime configuration for the relay daemon.
type Config struct {
	// Media bind addresses, one or (bridging) two.
	BindAddrs [2]net.IP
	Bridging  bool

	ControlSpec string // unix:PATH, udp:HOST:PORT or udp6:HOST:PORT
	PIDFile     string

	PortMin int
	PortMax int
	MaxTTL  int
	TOS     int
	DMode   bool

	RecordDir  string
	SpoolDir   string
	RecordRTCP bool

	NoFilesLimit int // NOFILE rlimit to request, 0 to leave alone

	Foreground  bool
	ShowVersion bool

	// Ambient surfaces.
	HTTPAddr        string        // status/metrics listener, "" disables
	AccountingDSN   string        // sqlite:PATH or postgres:DSN, "" disables
	RecordingMaxAge time.Duration // recording retention, 0 disables

	LogLevel  string
	LogFormat string

	// raw bind flags, resolved by validate
	listv4 string
	listv6 string
}

// Load parses configuration from CLI flags and environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{RecordRTCP: true}

	fs := flag.NewFlagSet("rtprelay", flag.ContinueOnError)

	fs.BoolVar(&cfg.Foreground, "f", false, "run in the foreground (process supervision is left to the service manager)")
	fs.StringVar(&cfg.listv4, "l", "", "IPv4 bind address, addr[/addr2] for bridging mode")
	fs.StringVar(&cfg.listv6, "6", "", "IPv6 bind address, addr[/addr2] for bridging mode")
	fs.StringVar(&cfg.ControlSpec, "s", DefaultControlSpec, "control socket: unix:PATH, udp:HOST:PORT or udp6:HOST:PORT")
	fs.IntVar(&cfg.TOS, "t", DefaultTOS, "IPv4 ToS for media sockets, 0 to disable")
	fs.BoolVar(&cfg.DMode, "2", false, "send small payloads twice (low-bitrate loss resilience)")
	fs.StringVar(&cfg.RecordDir, "r", "", "recording directory; enables the R command")
	fs.StringVar(&cfg.SpoolDir, "S", "", "recording spool directory (requires -r)")
	noRTCP := fs.Bool("R", false, "do not record RTCP streams")
	fs.StringVar(&cfg.PIDFile, "p", DefaultPIDFile, "PID file path")
	fs.IntVar(&cfg.MaxTTL, "T", DefaultMaxTTL, "session inactivity timeout in seconds")
	fs.IntVar(&cfg.NoFilesLimit, "L", 0, "raise the open-file limit to this value")
	fs.IntVar(&cfg.PortMin, "m", DefaultPortMin, "lowest media port")
	fs.IntVar(&cfg.PortMax, "M", DefaultPortMax, "highest media port")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "print protocol capabilities and exit")

	fs.StringVar(&cfg.HTTPAddr, "http-addr", "", "status/metrics HTTP listen address (disabled when empty)")
	fs.StringVar(&cfg.AccountingDSN, "accounting-dsn", "", "session accounting store: sqlite:PATH or postgres:DSN")
	fs.DurationVar(&cfg.RecordingMaxAge, "recording-max-age", 0, "delete recordings older than this (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	cfg.RecordRTCP = !*noRTCP

	applyEnvOverrides(fs, cfg)

	if cfg.ShowVersion {
		return cfg, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag not given on
// the command line, preserving CLI > env > default precedence. Only the
// ambient long flags have environment forms; the protocol-level short
// flags are CLI-only.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"http-addr":         envPrefix + "HTTP_ADDR",
		"accounting-dsn":    envPrefix + "ACCOUNTING_DSN",
		"recording-max-age": envPrefix + "RECORDING_MAX_AGE",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "http-addr":
			cfg.HTTPAddr = val
		case "accounting-dsn":
			cfg.AccountingDSN = val
		case "recording-max-age":
			if d, err := time.ParseDuration(val); err == nil {
				cfg.RecordingMaxAge = d
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks the configuration and resolves the bind addresses.
func (c *Config) validate() error {
	if c.PortMin < 1 || c.PortMin > 65535 {
		return fmt.Errorf("port_min not in the range 1-65535: %d", c.PortMin)
	}
	if c.PortMax < 1 || c.PortMax > 65535 {
		return fmt.Errorf("port_max not in the range 1-65535: %d", c.PortMax)
	}
	if c.PortMin > c.PortMax {
		return fmt.Errorf("port_min (%d) must not exceed port_max (%d)", c.PortMin, c.PortMax)
	}
	// RTP binds even ports, RTCP the adjacent odd ones; round both ends
	// inward to even RTP ports. The RTCP port of the highest pair is
	// PortMax+1.
	if c.PortMin%2 != 0 {
		c.PortMin++
	}
	if c.PortMax%2 != 0 {
		c.PortMax--
	}
	if c.PortMin > c.PortMax {
		return fmt.Errorf("port range %d-%d holds no even/odd pair", c.PortMin, c.PortMax)
	}

	if c.MaxTTL < 1 {
		return fmt.Errorf("session timeout must be positive, got %d", c.MaxTTL)
	}
	if c.RecordDir == "" && c.SpoolDir != "" {
		return fmt.Errorf("-S requires -r")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}

	if err := c.resolveBindAddrs(); err != nil {
		return err
	}

	if strings.HasPrefix(c.ControlSpec, "udp:") || strings.HasPrefix(c.ControlSpec, "udp6:") {
		if c.listv4 == "" && c.listv6 == "" {
			return fmt.Errorf("an explicit bind address is required in datagram control mode")
		}
	}
	return nil
}

// resolveBindAddrs turns the -l/-6 flags into the two bind interface
// slots. Outside bridging mode at most one address is allowed (none binds
// the IPv4 wildcard); bridging mode takes exactly two, each slot carrying
// one address family.
func (c *Config) resolveBindAddrs() error {
	v4 := splitBindFlag(c.listv4)
	v6 := splitBindFlag(c.listv6)
	c.Bridging = len(v4) == 2 || len(v6) == 2

	if len(v4) == 0 && len(v6) == 0 {
		// Wildcard IPv4 single-interface mode.
		c.BindAddrs[0] = net.IPv4zero
		return nil
	}

	if c.Bridging {
		for i := 0; i < 2; i++ {
			hasV4 := i < len(v4) && v4[i] != ""
			hasV6 := i < len(v6) && v6[i] != ""
			if hasV4 && hasV6 {
				return fmt.Errorf("either IPv4 or IPv6 may be configured for bridging interface %d, not both", i)
			}
			switch {
			case hasV4:
				ip, err := parseBindAddr(v4[i], false)
				if err != nil {
					return err
				}
				c.BindAddrs[i] = ip
			case hasV6:
				ip, err := parseBindAddr(v6[i], true)
				if err != nil {
					return err
				}
				c.BindAddrs[i] = ip
			default:
				return fmt.Errorf("incomplete bridging configuration: exactly 2 bind addresses required")
			}
		}
		return nil
	}

	if len(v4) == 1 && len(v6) == 1 {
		return fmt.Errorf("exactly 1 bind address required outside bridging mode, 2 provided")
	}
	if len(v4) == 1 {
		ip, err := parseBindAddr(v4[0], false)
		if err != nil {
			return err
		}
		c.BindAddrs[0] = ip
		return nil
	}
	ip, err := parseBindAddr(v6[0], true)
	if err != nil {
		return err
	}
	c.BindAddrs[0] = ip
	return nil
}

func splitBindFlag(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.SplitN(v, "/", 2)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseBindAddr resolves one bind address token; "*" means the wildcard.
func parseBindAddr(s string, ipv6 bool) (net.IP, error) {
	if s == "*" || s == "" {
		if ipv6 {
			return net.IPv6unspecified, nil
		}
		return net.IPv4zero, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("unparseable bind address %q", s)
	}
	if ipv6 != (ip.To4() == nil) {
		return nil, fmt.Errorf("bind address %q does not match its address family flag", s)
	}
	return ip, nil
}

// RelayOptions builds the engine options from the validated configuration.
func (c *Config) RelayOptions(logger *slog.Logger, sink relay.SessionSink) relay.Options {
	return relay.Options{
		BindAddrs:  c.BindAddrs,
		Bridging:   c.Bridging,
		PortMin:    c.PortMin,
		PortMax:    c.PortMax,
		TOS:        c.TOS,
		MaxTTL:     c.MaxTTL,
		DMode:      c.DMode,
		RecordDir:  c.RecordDir,
		SpoolDir:   c.SpoolDir,
		RecordRTCP: c.RecordRTCP,
		Logger:     logger,
		Sink:       sink,
	}
}

// SlogHandler returns a slog.Handler for the configured format and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level for the configured log level.
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
