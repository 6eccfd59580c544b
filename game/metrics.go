package game

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	playsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spindle",
		Subsystem: "game",
		Name:      "plays_total",
		Help:      "Number of completed plays by outcome",
	}, []string{"outcome"})

	roundsClosedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spindle",
		Subsystem: "game",
		Name:      "rounds_closed_total",
		Help:      "Number of closed rounds",
	})

	evictionsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spindle",
		Subsystem: "game",
		Name:      "evictions_total",
		Help:      "Number of providers evicted for insolvency",
	})
)

const (
	outcomeWin     = "win"
	outcomeLoss    = "loss"
	outcomeEvicted = "evicted"
)
