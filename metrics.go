package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conn_open",
			Help: "Number of open client connections",
		},
	)

	connTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conn_total",
			Help: "Number of accepted client connections",
		},
	)

	requestSum = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "request_sum",
			Help: "Distribution of parsed requests by cache status",
		},
		[]string{"cache_status"},
	)

	requestMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "request_malformed",
			Help: "Number of requests dropped because the request line could not be parsed",
		},
	)

	requestBlocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "request_blocked",
			Help: "Number of requests refused by the blocklist",
		},
	)

	dialErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dial_errors",
			Help: "Number of failed upstream dials",
		},
		[]string{"kind"},
	)

	acceptErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accept_errors",
			Help: "Number of failed accepts on the proxy listener",
		},
	)

	acceptThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accept_throttled",
			Help: "Number of connections closed by the accept rate limit",
		},
	)

	tunnelBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnel_bytes",
			Help: "Number of bytes relayed through CONNECT tunnels",
		},
	)

	clientBytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "client_bytes_read",
			Help: "Number of bytes read from clients",
		},
	)

	clientBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "client_bytes_written",
			Help: "Number of bytes written to clients",
		},
	)

	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_hits",
			Help: "Number of requests served from the cache",
		},
	)

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses",
			Help: "Number of forward requests not found in the cache",
		},
	)

	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "log_events_dropped",
			Help: "Number of log events dropped on sink overflow",
		},
	)
)

func registerMetrics() {
	prometheus.MustRegister(connOpen, connTotal, requestSum, requestMalformed,
		requestBlocked, dialErrors, acceptErrors, acceptThrottled, tunnelBytes,
		clientBytesRead, clientBytesWritten, cacheHits, cacheMisses, eventsDropped)
}
