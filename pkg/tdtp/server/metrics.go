package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the server's counters: the data handler's hot loop updates
// PacketsSent and HeartbeatsSent, and the accept loop updates
// SessionsTotal and ChannelTerminations. A
// Server always has a non-nil Metrics; when the caller doesn't supply
// a registerer, NewMetrics registers into a private registry that is
// simply never scraped.
type Metrics struct {
	PacketsSent         prometheus.Counter
	HeartbeatsSent      prometheus.Counter
	SessionsTotal       prometheus.Counter
	ChannelTerminations prometheus.Counter
}

// NewMetrics creates and registers the server's counters against reg.
// Pass prometheus.NewRegistry() (or prometheus.DefaultRegisterer) to
// expose them; a non-nil reg is required.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tdtp_server_packets_sent_total",
			Help: "Measurement packets written to data connections.",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tdtp_server_heartbeats_sent_total",
			Help: "EMP heartbeat frames written while the supplier channel was empty.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tdtp_server_sessions_total",
			Help: "Connections accepted, regardless of connection type.",
		}),
		ChannelTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tdtp_server_channel_terminations_total",
			Help: "Times the supplier channel was observed disconnected.",
		}),
	}
	reg.MustRegister(m.PacketsSent, m.HeartbeatsSent, m.SessionsTotal, m.ChannelTerminations)
	return m
}
