// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane exposes the flow cache's operator-facing HTTP API:
// dump commands, flow deletion, and Prometheus metrics.
package ctlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowcache.dev/flowcache/internal/flow"
	"flowcache.dev/flowcache/internal/flow/cache"
	"flowcache.dev/flowcache/internal/flow/dump"
	"flowcache.dev/flowcache/internal/flow/filter"
	"flowcache.dev/flowcache/internal/logging"
)

// Server is the control plane's HTTP server, backed by one flow Cache.
type Server struct {
	cache    *cache.Cache
	registry *prometheus.Registry
	log      *logging.Logger
	now      func() int64

	router     *mux.Router
	httpServer *http.Server

	mu             sync.Mutex
	instanceNumber uint32
}

// New builds a Server. now defaults to time.Now().Unix() when nil, and
// exists so tests can fix the clock.
func New(c *cache.Cache, registry *prometheus.Registry, log *logging.Logger, now func() int64) *Server {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	s := &Server{
		cache:    c,
		registry: registry,
		log:      log,
		now:      now,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1/flows").Subrouter()

	api.HandleFunc("/dump", s.handleDump).Methods("POST")
	api.HandleFunc("/dump-summary", s.handleDumpSummary).Methods("POST")
	api.HandleFunc("/delete", s.handleDelete).Methods("POST")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	} else {
		s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}
}

// Serve starts the HTTP listener and blocks until ctx is cancelled or an
// unrecoverable server error occurs.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control plane listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func classesFromQuery(r *http.Request) []flow.Class {
	if proto := r.URL.Query().Get("protocol"); proto != "" {
		if c, ok := protocolByName[proto]; ok {
			return []flow.Class{c}
		}
	}
	return []flow.Class{flow.ClassICMP, flow.ClassIP, flow.ClassTCP, flow.ClassUDP, flow.ClassPDU, flow.ClassFile, flow.ClassUser}
}

var protocolByName = map[string]flow.Class{
	"icmp": flow.ClassICMP,
	"ip":   flow.ClassIP,
	"tcp":  flow.ClassTCP,
	"udp":  flow.ClassUDP,
	"pdu":  flow.ClassPDU,
	"file": flow.ClassFile,
	"user": flow.ClassUser,
}

func filterFromQuery(r *http.Request) filter.Spec {
	q := r.URL.Query()
	var spec filter.Spec
	if v := q.Get("src_ip"); v != "" {
		if a, err := filter.ParseAddr(v); err == nil {
			spec.SrcIP = &a
		}
	}
	if v := q.Get("dst_ip"); v != "" {
		if a, err := filter.ParseAddr(v); err == nil {
			spec.DstIP = &a
		}
	}
	if v := q.Get("src_port"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			spec.SrcPort = uint16(p)
		}
	}
	if v := q.Get("dst_port"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			spec.DstPort = uint16(p)
		}
	}
	return spec
}

// handleDump runs a one-shot full dump synchronously to completion and
// streams the text output back. Binary mode returns application/octet-stream.
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	binary := r.URL.Query().Get("binary") == "true"
	count := 1000
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}

	s.mu.Lock()
	s.instanceNumber++
	instance := s.instanceNumber
	s.mu.Unlock()

	spec := filterFromQuery(r)
	classes := classesFromQuery(r)

	if binary {
		w.Header().Set("Content-Type", "application/octet-stream")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}

	task := dump.NewFullTask(newFlushWriter(w), binary, count, spec, instance, dump.NextDumpCode(), classes)
	now := s.now()
	for {
		hasMore, err := task.Execute(s.cache, now)
		if err != nil {
			s.log.Error("dump task failed", "error", err)
			return
		}
		if !hasMore {
			return
		}
	}
}

// handleDumpSummary runs the reduced histogram dump and returns its plain
// text report.
func (s *Server) handleDumpSummary(w http.ResponseWriter, r *http.Request) {
	spec := filterFromQuery(r)
	classes := classesFromQuery(r)

	task := dump.NewSummaryTask(spec, classes)
	task.Execute(s.cache, nil)
	report := dump.Reduce([]*dump.SummaryTask{task})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, report)
}

// handleDelete force-removes up to n flows, escalating internally from
// allowed-only through offloaded to all flows until n is satisfied.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	n := -1
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}
	if n < 0 {
		n = 1 << 30
	}

	removed := s.cache.DeleteFlows(n)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"removed": removed})
}

// handleStats reports the live node count per queue tag.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]int{}
	for _, c := range []flow.Class{flow.ClassICMP, flow.ClassIP, flow.ClassTCP, flow.ClassUDP, flow.ClassPDU, flow.ClassFile, flow.ClassUser} {
		resp[c.String()] = s.cache.NodeCount(uint8(c))
	}
	resp["ALLOWLIST"] = s.cache.NodeCount(uint8(flow.ClassAllowlist))
	resp["TOTAL"] = s.cache.NumNodes()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"healthy": true,
		"nodes":   s.cache.NumNodes(),
	})
}
