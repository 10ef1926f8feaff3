// Package metrics holds the Prometheus collectors shared by the delivery pipeline.
//
// Collectors are package-level and registered once in init so any package can
// record without threading a registry through constructors. Label sets are kept
// small and bounded; user or group identifiers are never used as labels.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BrokerPublishes counts broker publishes by target (direct, group, notice) and result.
	BrokerPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_broker_publishes_total",
			Help: "Broker publishes by target and result.",
		},
		[]string{"target", "result"},
	)

	// BrokerRetries counts publishes that needed a topology re-declaration.
	BrokerRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_broker_publish_retries_total",
			Help: "Publishes retried after re-declaring topology.",
		},
	)

	// Deliveries counts messages forwarded from a mailbox to a socket by kind.
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_deliveries_total",
			Help: "Messages forwarded from a user queue to a live connection.",
		},
		[]string{"kind"},
	)

	// ReadAcks counts message.read requests by outcome.
	ReadAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_read_acks_total",
			Help: "Client read acknowledgements by outcome.",
		},
		[]string{"outcome"},
	)

	// Notices counts notices by path: live (socket) or mailbox (broker).
	Notices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_notices_total",
			Help: "Notices dispatched by delivery path and result.",
		},
		[]string{"path", "result"},
	)

	// Evictions counts connections superseded by a newer login.
	Evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_presence_evictions_total",
			Help: "Connections superseded by a newer login of the same user.",
		},
	)

	// ChannelsLost counts sessions closed because the broker ended their consumer.
	ChannelsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_broker_channels_lost_total",
			Help: "Sessions closed after the broker ended their consumer stream.",
		},
	)

	// BrokerNacks counts publishes the broker refused to confirm.
	BrokerNacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_broker_nacks_total",
			Help: "Publishes negatively confirmed or left unconfirmed by the broker.",
		},
	)

	// GroupEventRetries counts group membership events retried after a topology error.
	GroupEventRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_group_event_retries_total",
			Help: "Group membership events retried after a topology error.",
		},
	)

	// ActiveSessions gauges the sessions currently in the Active state.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_sessions",
			Help: "Sessions currently consuming their user queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(BrokerPublishes, BrokerRetries, Deliveries, ReadAcks, Notices, Evictions,
		ChannelsLost, BrokerNacks, GroupEventRetries, ActiveSessions)
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
