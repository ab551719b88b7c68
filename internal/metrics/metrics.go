package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "safetalk"

var (
	TicketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_tickets_created_total",
		Help:      "Wait tickets published to the matchmaking pool.",
	})

	TicketsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_tickets_resolved_total",
			Help:      "Wait tickets resolved, by outcome.",
		},
		[]string{"outcome"},
	)

	MatchCommitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_commit_conflicts_total",
		Help:      "Mutual match commits lost to a concurrent writer.",
	})

	MatchWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_wait_seconds",
		Help:      "Time from ticket creation to a committed match.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
	})

	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Credit ledger operations, by kind and result.",
		},
		[]string{"op", "result"},
	)

	TimersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timers_expired_total",
		Help:      "Chat sessions whose time ran out.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chat_sessions_active",
		Help:      "Chat sessions with a live time accounting engine.",
	})

	PresenceSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_swept_total",
		Help:      "Stale presence records removed by the sweeper.",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Open websocket connections.",
	})
)
