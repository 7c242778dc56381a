// Package config manages goacld daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete goacld configuration.
type Config struct {
	Admin     AdminConfig       `koanf:"admin"`
	Metrics   MetricsConfig     `koanf:"metrics"`
	Log       LogConfig         `koanf:"log"`
	Dataplane DataplaneConfig   `koanf:"dataplane"`
	ACLs      []ACLConfig       `koanf:"acls"`
	Bindings  []BindingConfig   `koanf:"bindings"`
	Replay    ReplayConfig      `koanf:"replay"`
}

// AdminConfig holds the HTTP admin API configuration.
type AdminConfig struct {
	// Addr is the admin API listen address (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// DataplaneConfig holds the packet-pipeline parameters.
type DataplaneConfig struct {
	// Workers is the number of packet workers; 0 means one.
	Workers int `koanf:"workers"`

	// MaxInterfaces sizes the interface binding tables.
	MaxInterfaces int `koanf:"max_interfaces"`

	// SessionsPerWorker caps the sessions one worker may own.
	SessionsPerWorker int `koanf:"sessions_per_worker"`

	// SessionsPerInterface caps sessions per (interface, direction)
	// per worker.
	SessionsPerInterface int `koanf:"sessions_per_interface"`

	// ReclassifySessions enables policy-epoch session invalidation.
	ReclassifySessions bool `koanf:"reclassify_sessions"`

	// MatcherCapability selects the rule matcher variant; empty picks
	// the scalar matcher.
	MatcherCapability string `koanf:"matcher_capability"`

	// Timeouts per aging class.
	TransientTimeout      time.Duration `koanf:"transient_timeout"`
	EstablishedTimeout    time.Duration `koanf:"established_timeout"`
	TCPTransientTimeout   time.Duration `koanf:"tcp_transient_timeout"`
	TCPEstablishedTimeout time.Duration `koanf:"tcp_established_timeout"`

	// ExpireInterval is the per-worker aging sweep period.
	ExpireInterval time.Duration `koanf:"expire_interval"`
}

// RuleConfig is one declarative ACL rule.
type RuleConfig struct {
	// Src and Dst are CIDR prefixes; empty matches any address.
	Src string `koanf:"src"`
	Dst string `koanf:"dst"`

	// Proto is "tcp", "udp", "icmp", "icmp6", a numeric protocol, or
	// empty for any.
	Proto string `koanf:"proto"`

	// Port ranges, inclusive; zero values mean the full range. For
	// ICMP the source range constrains the type, the destination
	// range the code.
	SrcPortFirst uint16 `koanf:"src_port_first"`
	SrcPortLast  uint16 `koanf:"src_port_last"`
	DstPortFirst uint16 `koanf:"dst_port_first"`
	DstPortLast  uint16 `koanf:"dst_port_last"`

	// TCPFlagsMask/Value constrain TCP flags (flags&mask == value).
	TCPFlagsMask  uint8 `koanf:"tcp_flags_mask"`
	TCPFlagsValue uint8 `koanf:"tcp_flags_value"`

	// Action is "deny", "permit", or "reflect".
	Action string `koanf:"action"`
}

// ACLConfig is one declarative ACL.
type ACLConfig struct {
	Index uint32       `koanf:"index"`
	Tag   string       `koanf:"tag"`
	Rules []RuleConfig `koanf:"rules"`
}

// BindingConfig attaches an ordered ACL list to an interface arc.
type BindingConfig struct {
	// IfIndex is the interface index.
	IfIndex uint32 `koanf:"if_index"`

	// Direction is "input" or "output".
	Direction string `koanf:"direction"`

	// ACLIndices are evaluated in order.
	ACLIndices []uint32 `koanf:"acl_indices"`
}

// ReplayConfig drives the pcap frame source.
type ReplayConfig struct {
	// Path is the pcap file to replay; empty disables replay.
	Path string `koanf:"path"`

	// IfIndex is the ingress interface index stamped on replayed
	// packets.
	IfIndex uint32 `koanf:"if_index"`

	// L2 selects the L2-path entry points; otherwise packets enter
	// on the L3 path with the Ethernet header stripped.
	L2 bool `koanf:"l2"`

	// Loop replays the file continuously.
	Loop bool `koanf:"loop"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
// The timeout defaults mirror the classic stateful-ACL aging values:
// short lists for unconfirmed and closing flows, a multi-hour idle
// allowance for established TCP.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Dataplane: DataplaneConfig{
			Workers:               1,
			MaxInterfaces:         1024,
			SessionsPerWorker:     1 << 16,
			SessionsPerInterface:  1 << 14,
			ReclassifySessions:    true,
			TransientTimeout:      120 * time.Second,
			EstablishedTimeout:    300 * time.Second,
			TCPTransientTimeout:   120 * time.Second,
			TCPEstablishedTimeout: 7440 * time.Second,
			ExpireInterval:        time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for goacld
// configuration. Variables are named GOACL_<section>_<key>, e.g.,
// GOACL_ADMIN_ADDR.
const envPrefix = "GOACL_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (GOACL_ prefix), and merges on top
// of DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// GOACL_ADMIN_ADDR -> admin.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOACL_ADMIN_ADDR -> admin.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":                        defaults.Admin.Addr,
		"metrics.addr":                      defaults.Metrics.Addr,
		"metrics.path":                      defaults.Metrics.Path,
		"log.level":                         defaults.Log.Level,
		"log.format":                        defaults.Log.Format,
		"dataplane.workers":                 defaults.Dataplane.Workers,
		"dataplane.max_interfaces":          defaults.Dataplane.MaxInterfaces,
		"dataplane.sessions_per_worker":     defaults.Dataplane.SessionsPerWorker,
		"dataplane.sessions_per_interface":  defaults.Dataplane.SessionsPerInterface,
		"dataplane.reclassify_sessions":     defaults.Dataplane.ReclassifySessions,
		"dataplane.transient_timeout":       defaults.Dataplane.TransientTimeout.String(),
		"dataplane.established_timeout":     defaults.Dataplane.EstablishedTimeout.String(),
		"dataplane.tcp_transient_timeout":   defaults.Dataplane.TCPTransientTimeout.String(),
		"dataplane.tcp_established_timeout": defaults.Dataplane.TCPEstablishedTimeout.String(),
		"dataplane.expire_interval":         defaults.Dataplane.ExpireInterval.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAdminAddr indicates the admin listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrInvalidWorkers indicates a negative worker count.
	ErrInvalidWorkers = errors.New("dataplane.workers must be >= 0")

	// ErrInvalidRuleAction indicates an unrecognized rule action.
	ErrInvalidRuleAction = errors.New("rule action must be deny, permit, or reflect")

	// ErrInvalidRuleProto indicates an unrecognized rule protocol.
	ErrInvalidRuleProto = errors.New("rule proto is not recognized")

	// ErrInvalidRulePrefix indicates a rule prefix that does not parse.
	ErrInvalidRulePrefix = errors.New("rule prefix is invalid")

	// ErrInvalidDirection indicates a binding direction that is
	// neither input nor output.
	ErrInvalidDirection = errors.New("binding direction must be input or output")

	// ErrDuplicateACLIndex indicates two ACLs sharing an index.
	ErrDuplicateACLIndex = errors.New("duplicate acl index")

	// ErrUnknownACLIndex indicates a binding referencing an ACL that
	// is not declared.
	ErrUnknownACLIndex = errors.New("binding references unknown acl index")
)

// ValidActions lists the recognized rule action strings.
var ValidActions = map[string]bool{
	"deny":    true,
	"permit":  true,
	"reflect": true,
}

// ValidDirections lists the recognized binding direction strings.
var ValidDirections = map[string]bool{
	"input":  true,
	"output": true,
}

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}
	if cfg.Dataplane.Workers < 0 {
		return ErrInvalidWorkers
	}

	declared := make(map[uint32]struct{}, len(cfg.ACLs))
	for i, acl := range cfg.ACLs {
		if _, dup := declared[acl.Index]; dup {
			return fmt.Errorf("acls[%d] index %d: %w", i, acl.Index, ErrDuplicateACLIndex)
		}
		declared[acl.Index] = struct{}{}

		for j, rule := range acl.Rules {
			if err := validateRule(rule); err != nil {
				return fmt.Errorf("acls[%d].rules[%d]: %w", i, j, err)
			}
		}
	}

	for i, b := range cfg.Bindings {
		if !ValidDirections[b.Direction] {
			return fmt.Errorf("bindings[%d] direction %q: %w", i, b.Direction, ErrInvalidDirection)
		}
		for _, ai := range b.ACLIndices {
			if _, ok := declared[ai]; !ok {
				return fmt.Errorf("bindings[%d] acl %d: %w", i, ai, ErrUnknownACLIndex)
			}
		}
	}

	return nil
}

func validateRule(rule RuleConfig) error {
	if rule.Action != "" && !ValidActions[rule.Action] {
		return fmt.Errorf("action %q: %w", rule.Action, ErrInvalidRuleAction)
	}
	if _, err := ParseProto(rule.Proto); err != nil {
		return err
	}
	for _, p := range []string{rule.Src, rule.Dst} {
		if p == "" {
			continue
		}
		if _, err := netip.ParsePrefix(p); err != nil {
			return fmt.Errorf("prefix %q: %w", p, ErrInvalidRulePrefix)
		}
	}
	return nil
}

// protoNames maps the recognized protocol strings to their numbers.
var protoNames = map[string]uint8{
	"":      0,
	"any":   0,
	"icmp":  1,
	"tcp":   6,
	"udp":   17,
	"icmp6": 58,
}

// ParseProto maps a config protocol string to an IP protocol number.
func ParseProto(s string) (uint8, error) {
	if n, ok := protoNames[strings.ToLower(s)]; ok {
		return n, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < 0 || n > 255 {
		return 0, fmt.Errorf("proto %q: %w", s, ErrInvalidRuleProto)
	}
	return uint8(n), nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
