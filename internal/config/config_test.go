package config

import (
	"net"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PortMin != DefaultPortMin || cfg.PortMax != DefaultPortMax {
		t.Errorf("port range = %d-%d, want defaults", cfg.PortMin, cfg.PortMax)
	}
	if cfg.MaxTTL != DefaultMaxTTL {
		t.Errorf("MaxTTL = %d, want %d", cfg.MaxTTL, DefaultMaxTTL)
	}
	if !cfg.RecordRTCP {
		t.Error("RecordRTCP should default to true")
	}
	if !cfg.BindAddrs[0].Equal(net.IPv4zero) {
		t.Errorf("default bind addr = %v, want wildcard", cfg.BindAddrs[0])
	}
	if cfg.Bridging {
		t.Error("bridging enabled without a second address")
	}
}

func TestLoadRoundsPortRangeInward(t *testing.T) {
	cfg, err := Load([]string{"-m", "10001", "-M", "10009"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PortMin != 10002 || cfg.PortMax != 10008 {
		t.Errorf("rounded range = %d-%d, want 10002-10008", cfg.PortMin, cfg.PortMax)
	}
}

func TestLoadBridgingMode(t *testing.T) {
	cfg, err := Load([]string{"-l", "10.0.0.1/192.168.1.1"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Bridging {
		t.Fatal("bridging not detected")
	}
	if !cfg.BindAddrs[0].Equal(net.ParseIP("10.0.0.1")) ||
		!cfg.BindAddrs[1].Equal(net.ParseIP("192.168.1.1")) {
		t.Errorf("bind addrs = %v", cfg.BindAddrs)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantSub string
	}{
		{"port min out of range", []string{"-m", "0"}, "port_min"},
		{"port max out of range", []string{"-M", "70000"}, "port_max"},
		{"inverted range", []string{"-m", "20000", "-M", "10000"}, "must not exceed"},
		{"empty rounded range", []string{"-m", "10001", "-M", "10001"}, "even/odd"},
		{"spool without recording", []string{"-S", "/tmp/spool"}, "-S requires -r"},
		{"bad ttl", []string{"-T", "0"}, "timeout"},
		{"bad log level", []string{"-log-level", "loud"}, "log-level"},
		{"bad log format", []string{"-log-format", "xml"}, "log-format"},
		{"bad bind address", []string{"-l", "not-an-ip"}, "unparseable bind address"},
		{"family mismatch", []string{"-6", "10.0.0.1"}, "address family"},
		{"two single addresses", []string{"-l", "10.0.0.1", "-6", "::1"}, "exactly 1"},
		{"datagram without bind", []string{"-s", "udp:127.0.0.1:9999"}, "explicit bind address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args)
			if err == nil {
				t.Fatalf("Load(%v) succeeded, want error containing %q", tt.args, tt.wantSub)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Load(%v) error = %v, want substring %q", tt.args, err, tt.wantSub)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RTPRELAY_LOG_LEVEL", "debug")
	t.Setenv("RTPRELAY_HTTP_ADDR", "127.0.0.1:9090")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (env)", cfg.LogLevel)
	}
	if cfg.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("HTTPAddr = %q, want env value", cfg.HTTPAddr)
	}
}

func TestCLIBeatsEnv(t *testing.T) {
	t.Setenv("RTPRELAY_LOG_LEVEL", "error")

	cfg, err := Load([]string{"-log-level", "warn"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want CLI value", cfg.LogLevel)
	}
}

func TestShowVersionSkipsValidation(t *testing.T) {
	cfg, err := Load([]string{"-v", "-m", "0"})
	if err != nil {
		t.Fatalf("Load with -v: %v", err)
	}
	if !cfg.ShowVersion {
		t.Error("ShowVersion not set")
	}
}
