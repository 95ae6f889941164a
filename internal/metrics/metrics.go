package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Platform metrics
var (
	PlatformCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tle_platform_calls_total",
			Help: "Outbound contest platform calls by method and result.",
		},
		[]string{"method", "result"},
	)
)

// Cache metrics
var (
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tle_cache_hits_total",
			Help: "Cache reads served from a fresh entry.",
		},
		[]string{"cache"},
	)

	CacheStaleServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tle_cache_stale_served_total",
			Help: "Cache reads served stale while a refresh ran in background.",
		},
		[]string{"cache"},
	)

	CacheRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tle_cache_refreshes_total",
			Help: "Cache refresh fetches by outcome.",
		},
		[]string{"cache", "outcome"},
	)

	CacheCoalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tle_cache_coalesced_total",
			Help: "Cache reads that joined an already in-flight refresh.",
		},
		[]string{"cache"},
	)
)

// Duel metrics
var (
	DuelTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tle_duel_transitions_total",
			Help: "Duel state machine transitions by target state.",
		},
		[]string{"to"},
	)

	DuelSettlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tle_duel_settlements_total",
			Help: "Duel rating settlements by outcome.",
		},
		[]string{"outcome"},
	)
)
