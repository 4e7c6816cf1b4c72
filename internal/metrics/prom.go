// internal/metrics/prom.go
// Package metrics centralises Prometheus metric registration for the broker
// and agent binaries.  It exposes typed collectors so that code can remain
// import-cycle-free.  The package registers with the global
// prometheus.DefaultRegisterer, which callers typically expose via the
// /metrics HTTP handler from the Prometheus client library.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    // Gauge metrics ---------------------------------------------------------
    QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "tunnel",
        Subsystem: "broker",
        Name:      "queue_depth",
        Help:      "Number of pending requests currently waiting in Q for an agent to pop.",
    })

    ReadyCount = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "tunnel",
        Subsystem: "broker",
        Name:      "ready_count",
        Help:      "Number of orphaned deposited responses held in R until the GC sweep reaps them.",
    })

    // Counter metrics -------------------------------------------------------
    IngressTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tunnel",
        Subsystem: "broker",
        Name:      "ingress_total",
        Help:      "Total public requests accepted by the ingress listener.",
    })

    ResponsesDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tunnel",
        Subsystem: "broker",
        Name:      "responses_delivered_total",
        Help:      "Total public replies served from an agent-deposited response.",
    })

    TimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tunnel",
        Subsystem: "broker",
        Name:      "timeouts_total",
        Help:      "Total public requests that timed out waiting for an agent response.",
    })

    ResponsesGCTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tunnel",
        Subsystem: "broker",
        Name:      "responses_gc_total",
        Help:      "Total orphaned responses reaped from R by the grace-period sweep.",
    })

    AuthFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tunnel",
        Subsystem: "broker",
        Name:      "auth_failures_total",
        Help:      "Total agent-protocol calls rejected for a missing, wrong, or undecodable secret.",
    })

    RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tunnel",
        Subsystem: "broker",
        Name:      "rate_limited_total",
        Help:      "Total public requests rejected by the ingress rate limiter before a RequestId was allocated.",
    })

    AgentPollTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tunnel",
        Subsystem: "broker",
        Name:      "agent_poll_total",
        Help:      "Total agent long-poll GET calls, including empty 204 polls, plus requests pushed over the WebSocket channel.",
    })
)

// Register exports all metrics; safe to call multiple times.
func Register() {
    once.Do(func() {
        prometheus.MustRegister(
            QueueDepth,
            ReadyCount,
            IngressTotal,
            ResponsesDeliveredTotal,
            TimeoutsTotal,
            ResponsesGCTotal,
            AuthFailuresTotal,
            RateLimitedTotal,
            AgentPollTotal,
        )
    })
}
