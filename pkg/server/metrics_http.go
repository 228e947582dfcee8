package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :9702 by default — configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("gorelay_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("gorelay_connections_active", "Current active control connections.", "gauge",
		m.ActiveConnections.Load())
	write("gorelay_connections_total", "Lifetime TCP control connections accepted.", "counter",
		m.TotalConnections.Load())
	write("gorelay_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("gorelay_auth_success_total", "Successful register/login attempts.", "counter",
		m.SuccessfulAuths.Load())
	write("gorelay_auth_failed_total", "Failed register/login attempts.", "counter",
		m.FailedAuths.Load())

	write("gorelay_private_messages_total", "Direct messages persisted.", "counter",
		m.PrivateMessages.Load())
	write("gorelay_group_messages_total", "Group messages persisted.", "counter",
		m.GroupMessages.Load())
	write("gorelay_groups_created_total", "Groups created.", "counter",
		m.GroupsCreated.Load())
	write("gorelay_voice_notes_delivered_total", "Voice notes relayed to a live recipient.", "counter",
		m.VoiceNotesDelivered.Load())
	write("gorelay_voice_notes_queued_total", "Voice notes queued for offline recipients.", "counter",
		m.VoiceNotesQueued.Load())
	write("gorelay_notifications_dropped_total", "Fan-out packets lost to full client buffers.", "counter",
		m.NotificationsDropped.Load())

	write("gorelay_calls_initiated_total", "Call requests accepted.", "counter",
		m.CallsInitiated.Load())
	write("gorelay_calls_accepted_total", "Calls promoted to active.", "counter",
		m.CallsAccepted.Load())
	write("gorelay_calls_rejected_total", "Calls rejected while ringing.", "counter",
		m.CallsRejected.Load())
	write("gorelay_calls_ended_total", "Calls ended with a recorded duration.", "counter",
		m.CallsEnded.Load())

	write("gorelay_voice_packets_in_total", "Total UDP voice packets received.", "counter",
		m.VoicePacketsIn.Load())
	write("gorelay_voice_packets_out_total", "Total UDP voice packets forwarded.", "counter",
		m.VoicePacketsOut.Load())
	write("gorelay_voice_packets_dropped_total", "Dropped voice packets.", "counter",
		m.VoicePacketsDropped.Load())
	write("gorelay_voice_bytes_in_total", "Total voice bytes received.", "counter",
		m.VoiceBytesIn.Load())
	write("gorelay_voice_bytes_out_total", "Total voice bytes forwarded.", "counter",
		m.VoiceBytesOut.Load())
}
