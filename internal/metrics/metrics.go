package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections",
		Help: "Current number of live chat connections",
	})
	Rooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_rooms",
		Help: "Current number of rooms",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of broadcast chat messages",
	})
	AuthTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_auth_total",
		Help: "Authentication outcomes by result",
	}, []string{"result"})
	BotRepliesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_bot_replies_total",
		Help: "Total number of bot replies generated",
	})
	BlockedMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_blocked_messages_total",
		Help: "Messages rejected by the security filter",
	})
)

func init() {
	prometheus.MustRegister(Connections, Rooms, MessagesTotal, AuthTotal, BotRepliesTotal, BlockedMessagesTotal)
}
