package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level collectors, registered via Register.
var (
	regOK atomic.Bool

	agentsInitialized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aps",
			Subsystem: "registry",
			Name:      "agents_initialized_total",
			Help:      "Number of agent sessions started, by assigned role.",
		}, []string{"role"},
	)
	processesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aps",
			Subsystem: "registry",
			Name:      "processes_created_total",
			Help:      "Number of process records created.",
		},
	)
	handoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aps",
			Subsystem: "registry",
			Name:      "handoffs_total",
			Help:      "Number of handoffs between roles.",
		}, []string{"from", "to"},
	)
	reportParseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aps",
			Subsystem: "registry",
			Name:      "report_parse_errors_total",
			Help:      "Process documents skipped by a status report because they failed to decode.",
		},
	)
	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aps",
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts, by result.",
		}, []string{"result"},
	)
	processesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aps",
			Subsystem: "registry",
			Name:      "processes",
			Help:      "Process records seen by the most recent status report.",
		},
	)
)

// Register registers all collectors with r. Calls after a successful
// registration are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{agentsInitialized, processesCreated, handoffs, reportParseErrors, webhookDeliveries, processesTracked}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register has succeeded.

func IncAgentInitialized(role string) {
	if regOK.Load() {
		agentsInitialized.WithLabelValues(role).Inc()
	}
}

func IncProcessCreated() {
	if regOK.Load() {
		processesCreated.Inc()
	}
}

func IncHandoff(from, to string) {
	if regOK.Load() {
		handoffs.WithLabelValues(from, to).Inc()
	}
}

func AddReportParseErrors(n int) {
	if regOK.Load() && n > 0 {
		reportParseErrors.Add(float64(n))
	}
}

func SetProcesses(n int) {
	if regOK.Load() {
		processesTracked.Set(float64(n))
	}
}

func IncWebhookDelivery(ok bool) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	webhookDeliveries.WithLabelValues(result).Inc()
}
