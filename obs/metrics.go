package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	IRCClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beegate_irc_clients",
		Help: "Connected IRC clients.",
	})

	AccountsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beegate_accounts_online",
		Help: "Backend accounts currently logged in.",
	})

	Contacts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beegate_contacts",
		Help: "Contacts linked to an IRC identity.",
	})

	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beegate_messages_total",
			Help: "Messages bridged, by direction.",
		},
		[]string{"direction"},
	)

	RequestsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beegate_requests_swept_total",
		Help: "Backend requests dropped unanswered by the keepalive sweep.",
	})

	RepliesOrphaned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beegate_replies_orphaned_total",
		Help: "Backend replies that matched no pending request.",
	})

	Transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beegate_file_transfers_total",
			Help: "File transfers by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers the gateway metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		IRCClients,
		AccountsOnline,
		Contacts,
		Messages,
		RequestsSwept,
		RepliesOrphaned,
		Transfers,
	)
}
