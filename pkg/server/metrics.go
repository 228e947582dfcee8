package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP control connections accepted
	ActiveConnections atomic.Int64 // current active control connections
	SuccessfulAuths   atomic.Int64 // successful register/login attempts
	FailedAuths       atomic.Int64 // failed register/login attempts
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)

	// Messaging counters
	PrivateMessages      atomic.Int64 // direct messages persisted
	GroupMessages        atomic.Int64 // group messages persisted
	GroupsCreated        atomic.Int64 // groups created during this run
	VoiceNotesDelivered  atomic.Int64 // voice notes relayed to a live recipient
	VoiceNotesQueued     atomic.Int64 // voice notes held for an offline recipient
	NotificationsDropped atomic.Int64 // fan-out packets lost to a full client buffer

	// Call counters
	CallsInitiated atomic.Int64 // call requests accepted by the signaler
	CallsAccepted  atomic.Int64 // calls promoted to active
	CallsRejected  atomic.Int64 // calls rejected while ringing
	CallsEnded     atomic.Int64 // calls ended with a recorded duration

	// Voice relay counters
	VoicePacketsIn      atomic.Int64 // total UDP voice packets received
	VoicePacketsOut     atomic.Int64 // total UDP voice packets forwarded
	VoicePacketsDropped atomic.Int64 // packets dropped (no learned receiver address)
	VoiceBytesIn        atomic.Int64 // total voice bytes received
	VoiceBytesOut       atomic.Int64 // total voice bytes forwarded
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	PrivateMessages      int64 `json:"private_messages"`
	GroupMessages        int64 `json:"group_messages"`
	GroupsCreated        int64 `json:"groups_created"`
	VoiceNotesDelivered  int64 `json:"voice_notes_delivered"`
	VoiceNotesQueued     int64 `json:"voice_notes_queued"`
	NotificationsDropped int64 `json:"notifications_dropped"`

	CallsInitiated int64 `json:"calls_initiated"`
	CallsAccepted  int64 `json:"calls_accepted"`
	CallsRejected  int64 `json:"calls_rejected"`
	CallsEnded     int64 `json:"calls_ended"`

	VoicePacketsIn      int64 `json:"voice_packets_in"`
	VoicePacketsOut     int64 `json:"voice_packets_out"`
	VoicePacketsDropped int64 `json:"voice_packets_dropped"`
	VoiceBytesIn        int64 `json:"voice_bytes_in"`
	VoiceBytesOut       int64 `json:"voice_bytes_out"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:               uptime.Truncate(time.Second).String(),
		UptimeSeconds:        int64(uptime.Seconds()),
		ActiveConnections:    m.ActiveConnections.Load(),
		TotalConnections:     m.TotalConnections.Load(),
		SuccessfulAuths:      m.SuccessfulAuths.Load(),
		FailedAuths:          m.FailedAuths.Load(),
		TotalDisconnects:     m.TotalDisconnects.Load(),
		PrivateMessages:      m.PrivateMessages.Load(),
		GroupMessages:        m.GroupMessages.Load(),
		GroupsCreated:        m.GroupsCreated.Load(),
		VoiceNotesDelivered:  m.VoiceNotesDelivered.Load(),
		VoiceNotesQueued:     m.VoiceNotesQueued.Load(),
		NotificationsDropped: m.NotificationsDropped.Load(),
		CallsInitiated:       m.CallsInitiated.Load(),
		CallsAccepted:        m.CallsAccepted.Load(),
		CallsRejected:        m.CallsRejected.Load(),
		CallsEnded:           m.CallsEnded.Load(),
		VoicePacketsIn:       m.VoicePacketsIn.Load(),
		VoicePacketsOut:      m.VoicePacketsOut.Load(),
		VoicePacketsDropped:  m.VoicePacketsDropped.Load(),
		VoiceBytesIn:         m.VoiceBytesIn.Load(),
		VoiceBytesOut:        m.VoiceBytesOut.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"private_msgs", s.PrivateMessages,
		"group_msgs", s.GroupMessages,
		"calls_active", s.CallsAccepted-s.CallsEnded,
		"voice_pkts_in", s.VoicePacketsIn,
		"voice_pkts_out", s.VoicePacketsOut,
		"voice_pkts_dropped", s.VoicePacketsDropped,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
