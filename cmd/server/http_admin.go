package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"centredsharp/internal/persistence/indexdb"
	"centredsharp/internal/server"
	"centredsharp/internal/transport/observer"
)

// indexStats is the part of the sqlite index the metrics page reads.
type indexStats interface {
	Stats() indexdb.Stats
}

func newAdminMux(srv *server.Server, idx *indexdb.SQLiteIndex, logger *zap.Logger) *http.ServeMux {
	var is indexStats
	if idx != nil {
		is = idx
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, srv.Stats(), is)
	})
	mux.HandleFunc("/admin/v1/state", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(srv.Stats())
	}))
	mux.HandleFunc("/admin/v1/flush", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		n, err := srv.FlushNow(ctx)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "blocks": n})
	}))

	obs := observer.NewServer(srv.Events(), func() any { return srv.Stats() }, logger)
	mux.HandleFunc("/admin/v1/observer/bootstrap", obs.BootstrapHandler())
	mux.HandleFunc("/admin/v1/observer/ws", obs.WSHandler())
	return mux
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeMetrics(rw http.ResponseWriter, s server.Stats, idx indexStats) {
	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s %v\n", name, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s counter\n", name)
		fmt.Fprintf(rw, "%s %d\n", name, v)
	}

	gauge("centred_sessions", "Current number of connected sessions.", s.Sessions)
	gauge("centred_loaded_blocks", "Blocks resident in memory.", s.Landscape.LoadedBlocks)
	gauge("centred_dirty_blocks", "Blocks changed since the last flush.", s.Landscape.DirtyBlocks)
	gauge("centred_referenced_blocks", "Blocks holding locked or selected items.", s.Landscape.ReferencedBlocks)
	gauge("centred_event_subscribers", "Connected observers.", s.EventSubs)

	counter("centred_sessions_accepted_total", "Accepted connections.", s.Accepted)
	counter("centred_disconnects_total", "Sessions torn down.", s.Disconnects)
	counter("centred_timeouts_total", "Sessions reaped for inactivity.", s.Timeouts)
	counter("centred_frames_total", "Dispatched frames.", s.Frames)
	counter("centred_handler_errors_total", "Frames whose handler failed.", s.HandlerErrors)
	counter("centred_edits_total", "Accepted edits.", s.Edits)
	counter("centred_flushes_total", "Successful flushes.", s.Flushes)
	counter("centred_flush_errors_total", "Failed flushes.", s.FlushErrors)
	counter("centred_events_dropped_total", "Observer events dropped on full queues.", s.EventsDropped)

	if idx == nil {
		return
	}
	is := idx.Stats()
	gauge("centred_index_queue_depth", "Pending sqlite index writes.", is.QueueDepth)
	fmt.Fprintf(rw, "# HELP centred_index_dropped_total Index rows dropped on a full queue.\n")
	fmt.Fprintf(rw, "# TYPE centred_index_dropped_total counter\n")
	fmt.Fprintf(rw, "centred_index_dropped_total{kind=%q} %d\n", "flush", is.DropFlushTotal)
	fmt.Fprintf(rw, "centred_index_dropped_total{kind=%q} %d\n", "session", is.DropSessionTotal)
	fmt.Fprintf(rw, "centred_index_dropped_total{kind=%q} %d\n", "edit", is.DropEditTotal)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
