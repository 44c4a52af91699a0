// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the flow cache's HCL configuration file.
package config

import (
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"flowcache.dev/flowcache/internal/errors"
	"flowcache.dev/flowcache/internal/flow"
)

// ClassTimeout is one protocol class's idle timeout override.
type ClassTimeout struct {
	Class   string `hcl:"class,label"`
	Seconds int64  `hcl:"seconds"`
}

// CacheConfig is the top-level flow_cache block.
type CacheConfig struct {
	MaxFlows                int64          `hcl:"max_flows,optional"`
	PruningTimeout          int64          `hcl:"pruning_timeout,optional"`
	CleanupFlows            int64          `hcl:"cleanup_flows,optional"`
	PruneFlows              int64          `hcl:"prune_flows,optional"`
	MoveToAllowlistOnExcess bool           `hcl:"move_to_allowlist_on_excess,optional"`
	IdleTimeouts            []ClassTimeout `hcl:"idle_timeout,block"`
}

// ListenConfig is the control plane HTTP listener block.
type ListenConfig struct {
	Address string `hcl:"address,optional"`
}

// Config is the root document: `flow_cache { ... }` plus `listen { ... }`.
type Config struct {
	Cache  CacheConfig   `hcl:"flow_cache,block"`
	Listen *ListenConfig `hcl:"listen,block"`
}

// Default returns the zero-value-safe defaults used when a block or
// attribute is absent from the file.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			MaxFlows:       1 << 16,
			PruningTimeout: 30,
			CleanupFlows:   32,
			PruneFlows:     5,
		},
		Listen: &ListenConfig{Address: "127.0.0.1:9191"},
	}
}

// Load reads and decodes the HCL file at path, filling in Default()'s
// values for anything the file omits.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, errors.KindIO, "read config file")
	}
	return Parse(path, data)
}

// Parse decodes raw HCL source, applying the same defaults as Load.
func Parse(filename string, data []byte) (Config, error) {
	cfg := Default()
	listen := *cfg.Listen
	cfg.Listen = nil

	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.KindValidation, "decode HCL config")
	}

	if cfg.Listen == nil {
		cfg.Listen = &listen
	}
	if cfg.Cache.MaxFlows <= 0 {
		return Config{}, errors.Errorf(errors.KindValidation, "flow_cache.max_flows must be positive, got %d", cfg.Cache.MaxFlows)
	}
	return cfg, nil
}

var classByName = map[string]flow.Class{
	"icmp": flow.ClassICMP,
	"ip":   flow.ClassIP,
	"tcp":  flow.ClassTCP,
	"udp":  flow.ClassUDP,
	"pdu":  flow.ClassPDU,
	"file": flow.ClassFile,
	"user": flow.ClassUser,
}

// IdleTimeoutMap converts the decoded idle_timeout blocks into the
// map[flow.Class]int64 shape cache.Config wants. Unknown class labels
// are rejected here rather than silently ignored; Load and Parse accept
// them without checking.
func (c CacheConfig) IdleTimeoutMap() (map[flow.Class]int64, error) {
	out := make(map[flow.Class]int64, len(c.IdleTimeouts))
	for _, t := range c.IdleTimeouts {
		class, ok := classByName[strings.ToLower(t.Class)]
		if !ok {
			return nil, errors.Errorf(errors.KindValidation, "idle_timeout: unknown protocol class %q", t.Class)
		}
		out[class] = t.Seconds
	}
	return out, nil
}
