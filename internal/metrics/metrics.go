// Package metrics holds the Prometheus collectors of the sync layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_reconnects_scheduled_total",
		Help: "Reconnect attempts scheduled after a transport failure, by channel",
	}, []string{"channel"})

	StreamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_events_received_total",
		Help: "Decoded push events, by channel and type",
	}, []string{"channel", "type"})

	DecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_decode_errors_total",
		Help: "Frames dropped because they could not be decoded, by channel",
	}, []string{"channel"})

	ConnectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livesync_connection_up",
		Help: "1 when the push channel is connected, 0 otherwise",
	}, []string{"channel"})

	JobsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_jobs_settled_total",
		Help: "Job waits settled, by winning source and outcome",
	}, []string{"source", "outcome"})

	JobPollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livesync_job_poll_errors_total",
		Help: "Status polls that failed and were retried",
	})

	DedupSuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_dedup_suppressed_total",
		Help: "Notifications suppressed as duplicates, by domain",
	}, []string{"domain"})

	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_bus_published_total",
		Help: "Local application events published, by topic",
	}, []string{"topic"})
)

// SetConnected records the up/down state of a channel.
func SetConnected(channel string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	ConnectionStatus.WithLabelValues(channel).Set(v)
}

// RecordJobSettled counts a settled job wait.
func RecordJobSettled(source, outcome string) {
	if source == "" {
		source = "none"
	}
	JobsSettledTotal.WithLabelValues(source, outcome).Inc()
}
