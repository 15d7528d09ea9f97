// Package metrics holds the gateway's Prometheus instruments.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "copilotx"

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client requests by route, protocol mode and response status.",
		},
		[]string{"route", "mode", "status"},
	)

	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to the last byte written.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"route", "stream"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streaming responses currently being relayed.",
		},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Copilot token exchanges by outcome.",
		},
		[]string{"result"}, // "success" or "error"
	)

	StreamInterruptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_interruptions_total",
			Help:      "Upstream streams that ended without completing.",
		},
		[]string{"route", "reason"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Non-2xx upstream responses by endpoint and status.",
		},
		[]string{"endpoint", "status"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by upstream usage blocks.",
		},
		[]string{"model", "direction"}, // "input" or "output"
	)
)

// ObserveRequest records one finished client request.
func ObserveRequest(route, mode string, status int, stream bool, started time.Time) {
	RequestsTotal.WithLabelValues(route, mode, strconv.Itoa(status)).Inc()
	RequestLatency.WithLabelValues(route, strconv.FormatBool(stream)).Observe(time.Since(started).Seconds())
}

// ObserveRefresh is shaped to plug into auth.Options.OnRefresh.
func ObserveRefresh(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	TokenRefreshes.WithLabelValues(result).Inc()
}

func ObserveUsage(model string, input, output int) {
	if input > 0 {
		TokensTotal.WithLabelValues(model, "input").Add(float64(input))
	}
	if output > 0 {
		TokensTotal.WithLabelValues(model, "output").Add(float64(output))
	}
}
