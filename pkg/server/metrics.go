package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks relay runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime connections accepted (TCP and websocket)
	ActiveConnections atomic.Int64 // connections with a running dispatch loop
	SuccessfulLogins  atomic.Int64
	RejectedLogins    atomic.Int64 // bad first message, invalid or duplicate name
	TotalDisconnects  atomic.Int64

	// Relay counters
	MessagesRelayed    atomic.Int64 // user MESSAGEs broadcast
	Deliveries         atomic.Int64 // messages queued to recipients
	FilteredDeliveries atomic.Int64 // deliveries skipped because of a block
	DeliveryFailures   atomic.Int64 // closed or stalled recipients
	SlowConsumers      atomic.Int64 // recipients dropped for a full send queue

	// Moderation counters
	BlocksApplied   atomic.Int64
	UnblocksApplied atomic.Int64
	PolicyErrors    atomic.Int64 // rejected block/unblock and similar replies
	ProtocolErrors  atomic.Int64 // malformed frames, unknown kinds
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
	SuccessfulLogins  int64 `json:"successful_logins"`
	RejectedLogins    int64 `json:"rejected_logins"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	MessagesRelayed    int64 `json:"messages_relayed"`
	Deliveries         int64 `json:"deliveries"`
	FilteredDeliveries int64 `json:"filtered_deliveries"`
	DeliveryFailures   int64 `json:"delivery_failures"`
	SlowConsumers      int64 `json:"slow_consumers"`

	BlocksApplied   int64 `json:"blocks_applied"`
	UnblocksApplied int64 `json:"unblocks_applied"`
	PolicyErrors    int64 `json:"policy_errors"`
	ProtocolErrors  int64 `json:"protocol_errors"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:             uptime.Truncate(time.Second).String(),
		UptimeSeconds:      int64(uptime.Seconds()),
		ActiveConnections:  m.ActiveConnections.Load(),
		TotalConnections:   m.TotalConnections.Load(),
		SuccessfulLogins:   m.SuccessfulLogins.Load(),
		RejectedLogins:     m.RejectedLogins.Load(),
		TotalDisconnects:   m.TotalDisconnects.Load(),
		MessagesRelayed:    m.MessagesRelayed.Load(),
		Deliveries:         m.Deliveries.Load(),
		FilteredDeliveries: m.FilteredDeliveries.Load(),
		DeliveryFailures:   m.DeliveryFailures.Load(),
		SlowConsumers:      m.SlowConsumers.Load(),
		BlocksApplied:      m.BlocksApplied.Load(),
		UnblocksApplied:    m.UnblocksApplied.Load(),
		PolicyErrors:       m.PolicyErrors.Load(),
		ProtocolErrors:     m.ProtocolErrors.Load(),
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
func (m *Metrics) LogSummary(log *slog.Logger) {
	s := m.Snapshot()
	log.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"messages", s.MessagesRelayed,
		"deliveries", s.Deliveries,
		"filtered", s.FilteredDeliveries,
		"delivery_failures", s.DeliveryFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed. A non-positive interval disables it.
func (m *Metrics) StartPeriodicLog(log *slog.Logger, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(log)
			}
		}
	}()
}

// MustRegister exposes the counters on reg as Prometheus collectors that read
// the atomics at scrape time. sessions reports the current registry size.
func (m *Metrics) MustRegister(reg prometheus.Registerer, sessions func() int) {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "relaychat",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "relaychat",
			Name:      name,
			Help:      help,
		}, f)
	}

	reg.MustRegister(
		gauge("uptime_seconds", "Server uptime in seconds.", func() float64 {
			return time.Since(m.startTime).Seconds()
		}),
		gauge("connections_active", "Connections with a running dispatch loop.", func() float64 {
			return float64(m.ActiveConnections.Load())
		}),
		gauge("sessions_registered", "Logged-in users.", func() float64 {
			return float64(sessions())
		}),
		counter("connections_total", "Lifetime connections accepted.", &m.TotalConnections),
		counter("logins_total", "Successful logins.", &m.SuccessfulLogins),
		counter("logins_rejected_total", "Rejected logins.", &m.RejectedLogins),
		counter("disconnects_total", "Client disconnects.", &m.TotalDisconnects),
		counter("messages_relayed_total", "Chat messages broadcast.", &m.MessagesRelayed),
		counter("deliveries_total", "Messages queued to recipients.", &m.Deliveries),
		counter("deliveries_filtered_total", "Deliveries suppressed by a block.", &m.FilteredDeliveries),
		counter("delivery_failures_total", "Deliveries to closed or stalled recipients.", &m.DeliveryFailures),
		counter("slow_consumers_total", "Recipients dropped for a full send queue.", &m.SlowConsumers),
		counter("blocks_total", "Blocks applied.", &m.BlocksApplied),
		counter("unblocks_total", "Unblocks applied.", &m.UnblocksApplied),
		counter("policy_errors_total", "Refused block, unblock and login requests.", &m.PolicyErrors),
		counter("protocol_errors_total", "Malformed frames and unknown kinds.", &m.ProtocolErrors),
	)
}
