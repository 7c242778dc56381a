package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dantte-lp/goacl/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "goacl.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "{}\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Admin.Addr != ":8080" {
		t.Errorf("admin addr = %q", cfg.Admin.Addr)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics path = %q", cfg.Metrics.Path)
	}
	if cfg.Dataplane.Workers != 1 {
		t.Errorf("workers = %d", cfg.Dataplane.Workers)
	}
	if cfg.Dataplane.TCPEstablishedTimeout != 7440*time.Second {
		t.Errorf("tcp established timeout = %v", cfg.Dataplane.TCPEstablishedTimeout)
	}
	if !cfg.Dataplane.ReclassifySessions {
		t.Errorf("reclassify default = false, want true")
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
admin:
  addr: ":9000"
log:
  level: debug
  format: text
dataplane:
  workers: 4
  reclassify_sessions: false
  transient_timeout: 30s
acls:
  - index: 1
    tag: web
    rules:
      - proto: tcp
        dst_port_first: 80
        dst_port_last: 80
        action: reflect
      - action: deny
bindings:
  - if_index: 3
    direction: input
    acl_indices: [1]
replay:
  path: /tmp/capture.pcap
  if_index: 3
  l2: true
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Admin.Addr != ":9000" || cfg.Log.Level != "debug" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Dataplane.Workers != 4 || cfg.Dataplane.ReclassifySessions {
		t.Errorf("dataplane overrides not applied: %+v", cfg.Dataplane)
	}
	if cfg.Dataplane.TransientTimeout != 30*time.Second {
		t.Errorf("transient timeout = %v", cfg.Dataplane.TransientTimeout)
	}
	if len(cfg.ACLs) != 1 || len(cfg.ACLs[0].Rules) != 2 {
		t.Fatalf("acls = %+v", cfg.ACLs)
	}
	if cfg.ACLs[0].Rules[0].Action != "reflect" {
		t.Errorf("rule action = %q", cfg.ACLs[0].Rules[0].Action)
	}
	if len(cfg.Bindings) != 1 || cfg.Bindings[0].IfIndex != 3 {
		t.Errorf("bindings = %+v", cfg.Bindings)
	}
	if !cfg.Replay.L2 || cfg.Replay.Path == "" {
		t.Errorf("replay = %+v", cfg.Replay)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "{}\n")
	t.Setenv("GOACL_ADMIN_ADDR", ":7777")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Admin.Addr != ":7777" {
		t.Errorf("env override ignored: %q", cfg.Admin.Addr)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{
			"empty admin addr",
			func(c *config.Config) { c.Admin.Addr = "" },
			config.ErrEmptyAdminAddr,
		},
		{
			"bad rule action",
			func(c *config.Config) {
				c.ACLs = []config.ACLConfig{{Index: 1, Rules: []config.RuleConfig{{Action: "allow"}}}}
			},
			config.ErrInvalidRuleAction,
		},
		{
			"bad rule proto",
			func(c *config.Config) {
				c.ACLs = []config.ACLConfig{{Index: 1, Rules: []config.RuleConfig{{Proto: "sctp!"}}}}
			},
			config.ErrInvalidRuleProto,
		},
		{
			"bad rule prefix",
			func(c *config.Config) {
				c.ACLs = []config.ACLConfig{{Index: 1, Rules: []config.RuleConfig{{Src: "10.0.0.0/99"}}}}
			},
			config.ErrInvalidRulePrefix,
		},
		{
			"duplicate acl index",
			func(c *config.Config) {
				c.ACLs = []config.ACLConfig{{Index: 1}, {Index: 1}}
			},
			config.ErrDuplicateACLIndex,
		},
		{
			"bad binding direction",
			func(c *config.Config) {
				c.Bindings = []config.BindingConfig{{IfIndex: 1, Direction: "both"}}
			},
			config.ErrInvalidDirection,
		},
		{
			"unknown binding acl",
			func(c *config.Config) {
				c.Bindings = []config.BindingConfig{{IfIndex: 1, Direction: "input", ACLIndices: []uint32{9}}}
			},
			config.ErrUnknownACLIndex,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseProto(t *testing.T) {
	tests := []struct {
		in      string
		want    uint8
		wantErr bool
	}{
		{"", 0, false},
		{"any", 0, false},
		{"tcp", 6, false},
		{"TCP", 6, false},
		{"udp", 17, false},
		{"icmp", 1, false},
		{"icmp6", 58, false},
		{"47", 47, false},
		{"sctp!", 0, true},
		{"300", 0, true},
	}
	for _, tt := range tests {
		got, err := config.ParseProto(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseProto(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseProto(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	if config.ParseLogLevel("debug").String() != "DEBUG" {
		t.Errorf("debug level mismatch")
	}
	if config.ParseLogLevel("nonsense").String() != "INFO" {
		t.Errorf("unknown level should default to INFO")
	}
}
