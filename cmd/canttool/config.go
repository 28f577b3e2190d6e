package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/LoveWonYoung/cantt/tp"
)

// Bus selection values for the config file.
const (
	busLoopback = "loopback"
	busBridge   = "bridge"
)

type fileConfig struct {
	Address        string `toml:"address"`
	Bus            string `toml:"bus"`
	BridgeAddr     string `toml:"bridge_addr"`
	BridgeListen   bool   `toml:"bridge_listen"`
	StateTimeoutMS int64  `toml:"state_timeout_ms"`
	SendTimeoutMS  int64  `toml:"send_timeout_ms"`
	WaitTimeMS     int64  `toml:"wait_time_ms"`
	RecorderPath   string `toml:"recorder_path"`
	AuthKey        string `toml:"auth_key"`
}

type toolConfig struct {
	Address      uint32
	Bus          string
	BridgeAddr   string
	BridgeListen bool
	Params       tp.Params
	RecorderPath string
	AuthKey      []byte
}

func defaultToolConfig() toolConfig {
	return toolConfig{
		Address: 0x100,
		Bus:     busBridge,
		Params:  tp.NewParams(),
	}
}

func loadToolConfig(path string) (toolConfig, error) {
	cfg := defaultToolConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return toolConfig{}, fmt.Errorf("load canttool config: %w", err)
	}

	if meta.IsDefined("address") {
		addr, err := parseAddress(raw.Address)
		if err != nil {
			return toolConfig{}, err
		}
		cfg.Address = addr
	}

	if meta.IsDefined("bus") {
		bus := strings.ToLower(strings.TrimSpace(raw.Bus))
		if bus != busLoopback && bus != busBridge {
			return toolConfig{}, fmt.Errorf("unknown bus %q", raw.Bus)
		}
		cfg.Bus = bus
	}

	if meta.IsDefined("bridge_addr") {
		cfg.BridgeAddr = strings.TrimSpace(raw.BridgeAddr)
	}

	if meta.IsDefined("bridge_listen") {
		cfg.BridgeListen = raw.BridgeListen
	}

	if meta.IsDefined("state_timeout_ms") {
		if raw.StateTimeoutMS <= 0 {
			return toolConfig{}, fmt.Errorf("state_timeout_ms must be positive")
		}
		cfg.Params.StateTimeout = uint32(raw.StateTimeoutMS)
	}

	if meta.IsDefined("send_timeout_ms") {
		if raw.SendTimeoutMS <= 0 {
			return toolConfig{}, fmt.Errorf("send_timeout_ms must be positive")
		}
		cfg.Params.SendTimeout = uint32(raw.SendTimeoutMS)
	}

	if meta.IsDefined("wait_time_ms") {
		if raw.WaitTimeMS < 0 {
			return toolConfig{}, fmt.Errorf("wait_time_ms must not be negative")
		}
		cfg.Params.WaitTime = time.Duration(raw.WaitTimeMS) * time.Millisecond
	}

	if meta.IsDefined("recorder_path") {
		cfg.RecorderPath = strings.TrimSpace(raw.RecorderPath)
	}

	if meta.IsDefined("auth_key") {
		key, err := hex.DecodeString(strings.TrimSpace(raw.AuthKey))
		if err != nil {
			return toolConfig{}, fmt.Errorf("parse auth_key: %w", err)
		}
		cfg.AuthKey = key
	}

	return cfg, nil
}

// parseAddress accepts decimal or 0x-prefixed frame identifiers.
func parseAddress(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("parse address %q: %w", s, err)
	}
	return uint32(v), nil
}
