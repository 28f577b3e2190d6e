package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canttool.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadToolConfig(t *testing.T) {
	path := writeConfig(t, `
address = "0x1A0"
bus = "bridge"
bridge_addr = "10.0.0.2:7711"
bridge_listen = true
state_timeout_ms = 250
send_timeout_ms = 10000
wait_time_ms = 5
recorder_path = "messages.db"
auth_key = "000102030405060708090a0b0c0d0e0f"
`)
	cfg, err := loadToolConfig(path)
	if err != nil {
		t.Fatalf("loadToolConfig failed: %v", err)
	}
	if cfg.Address != 0x1A0 {
		t.Errorf("address: expected 0x1A0, got %#x", cfg.Address)
	}
	if cfg.Bus != busBridge || cfg.BridgeAddr != "10.0.0.2:7711" || !cfg.BridgeListen {
		t.Errorf("bridge settings not applied: %+v", cfg)
	}
	if cfg.Params.StateTimeout != 250 || cfg.Params.SendTimeout != 10000 {
		t.Errorf("timeouts not applied: %+v", cfg.Params)
	}
	if cfg.Params.WaitTime != 5*time.Millisecond {
		t.Errorf("wait time not applied: %v", cfg.Params.WaitTime)
	}
	if cfg.RecorderPath != "messages.db" {
		t.Errorf("recorder path not applied: %q", cfg.RecorderPath)
	}
	wantKey := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	if !bytes.Equal(cfg.AuthKey, wantKey) {
		t.Errorf("auth key not applied: %x", cfg.AuthKey)
	}
}

func TestLoadToolConfigDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := loadToolConfig(path)
	if err != nil {
		t.Fatalf("loadToolConfig failed: %v", err)
	}
	if cfg.Address != 0x100 {
		t.Errorf("expected default address 0x100, got %#x", cfg.Address)
	}
	if cfg.Bus != busBridge {
		t.Errorf("expected default bus %q, got %q", busBridge, cfg.Bus)
	}
	if cfg.AuthKey != nil {
		t.Errorf("expected no auth key by default")
	}
}

func TestLoadToolConfigRejectsBadValues(t *testing.T) {
	cases := []string{
		`bus = "serial"`,
		`address = "zebra"`,
		`state_timeout_ms = 0`,
		`send_timeout_ms = -1`,
		`auth_key = "nothex"`,
	}
	for i, content := range cases {
		path := writeConfig(t, content)
		if _, err := loadToolConfig(path); err == nil {
			t.Errorf("case %d: expected error for %q", i, content)
		}
	}
}

func TestParseAddress(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint32
	}{
		{"0x100", 0x100},
		{"256", 256},
		{" 0x7FF ", 0x7FF},
	} {
		got, err := parseAddress(tc.in)
		if err != nil {
			t.Errorf("parseAddress(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseAddress(%q) = %#x, want %#x", tc.in, got, tc.want)
		}
	}
	if _, err := parseAddress("nope"); err == nil {
		t.Error("expected error for non-numeric address")
	}
}
