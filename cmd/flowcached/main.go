// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command flowcached runs the flow cache as a standalone daemon: it
// loads an HCL config file, serves the control plane HTTP API, and
// sweeps idle flows on a fixed tick until told to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/prometheus/client_golang/prometheus"

	"flowcache.dev/flowcache/internal/config"
	"flowcache.dev/flowcache/internal/ctlplane"
	"flowcache.dev/flowcache/internal/flow"
	"flowcache.dev/flowcache/internal/flow/cache"
	"flowcache.dev/flowcache/internal/logging"
	"flowcache.dev/flowcache/internal/metrics"
	"flowcache.dev/flowcache/internal/offload"
	"flowcache.dev/flowcache/internal/packetkey"
)

func main() {
	configPath := flag.String("config", "", "path to the flow_cache.hcl configuration file")
	pcapPath := flag.String("pcap", "", "optional pcap file replayed through packetkey.Extract as a packet source")
	flag.Parse()

	log := logging.New(logging.DefaultConfig())

	if err := run(*configPath, *pcapPath, log); err != nil {
		log.Error("flowcached exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath, pcapPath string, log *logging.Logger) error {
	var cfg config.Config
	if configPath == "" {
		cfg = config.Default()
		log.Warn("no -config given, running with defaults")
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	idleTimeouts, err := cfg.Cache.IdleTimeoutMap()
	if err != nil {
		return fmt.Errorf("resolve idle timeouts: %w", err)
	}

	collector := metrics.New()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	// No kernel loader is wired here; a build that wants real hardware
	// offload constructs an *ebpf.Map from offload.MapSpec and passes it
	// to offload.New instead of nil. The shadow map still tracks
	// suspended flows for Resume/Sweep either way.
	mirror := offload.New(nil, log)
	defer mirror.Close()

	hooks := cache.Hooks{
		OnFlowRelease: func(rec *flow.Record, reason flow.EvictReason) {
			mirror.Resume(rec.Key)
		},
		OnSuspend: func(rec *flow.Record) {
			if err := mirror.Suspend(rec, time.Now().Unix()); err != nil {
				log.Warn("offload mirror suspend failed", "key", rec.Key, "error", err)
			}
		},
		OnResume: func(rec *flow.Record) {
			mirror.Resume(rec.Key)
		},
	}

	c := cache.New(cache.Config{
		MaxFlows:                int(cfg.Cache.MaxFlows),
		IdleTimeout:             idleTimeouts,
		PruningTimeout:          cfg.Cache.PruningTimeout,
		CleanupFlows:            int(cfg.Cache.CleanupFlows),
		PruneFlows:              int(cfg.Cache.PruneFlows),
		MoveToAllowlistOnExcess: cfg.Cache.MoveToAllowlistOnExcess,
	}, hooks, collector, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := ctlplane.New(c, registry, log, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	serveErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		serveErr <- server.Serve(ctx, cfg.Listen.Address)
	}()

	if pcapPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ingestPCAP(c, pcapPath, log); err != nil {
				log.Error("pcap ingestion stopped", "error", err)
			}
		}()
	}

	runTimeoutLoop(ctx, c, mirror, log)

	wg.Wait()
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("control plane: %w", err)
		}
	default:
	}

	purged := c.Purge()
	log.Info("flowcached shut down", "purged", purged)
	return nil
}

// runTimeoutLoop ticks Cache.Timeout once a second until ctx is
// cancelled, retiring up to 64 idle flows per tick, and sweeps the
// offload mirror for entries whose hardware hold expired.
func runTimeoutLoop(ctx context.Context, c *cache.Cache, mirror *offload.Mirror, log *logging.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("timeout loop stopping")
			return
		case <-ticker.C:
			now := time.Now().Unix()
			c.Timeout(64, now)
			for _, key := range mirror.Sweep(now) {
				if rec, ok := c.Find(key, now); ok {
					c.Release(rec, flow.ReasonIdleProtocolTimeout, true)
				}
			}
		}
	}
}

// suspendAfterPackets is the packet count at which ingestPCAP treats a
// flow as a candidate for hardware offload and calls Cache.Suspend. A
// real deployment would base this on a kernel-side flow classifier;
// this is the example/integration path, so a flat per-flow packet count
// stands in for that decision.
const suspendAfterPackets = 8

// ingestPCAP replays path's frames through packetkey.Extract, admitting
// each decoded flow into c exactly as a live capture loop would: a miss
// is an Allocate, a hit is a Find. It is the one non-test caller that
// drives Cache.Suspend, once a flow has carried enough packets.
func ingestPCAP(c *cache.Cache, path string, log *logging.Logger) error {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return fmt.Errorf("open pcap %s: %w", path, err)
	}
	defer handle.Close()

	packetCounts := make(map[flow.Key]int)
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range source.Packets() {
		now := time.Now().Unix()

		key, keyIsReversed, ok, err := packetkey.Extract(1, 0, 0, packet.Data())
		if err != nil {
			log.Warn("packetkey decode failed", "error", err)
			continue
		}
		if !ok {
			continue
		}

		if _, found := c.Find(key, now); !found {
			if _, err := c.Allocate(key, now, packetkey.ClientInitiated(keyIsReversed), keyIsReversed); err != nil {
				log.Warn("flow admission failed", "key", key, "error", err)
				continue
			}
		}

		packetCounts[key]++
		if packetCounts[key] == suspendAfterPackets {
			c.Suspend(key)
		}
	}
	return nil
}
