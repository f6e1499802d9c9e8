// Package metrics exposes pipeline counters for Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	RefreshValid     = "valid"
	RefreshRefreshed = "refreshed"
	RefreshFailed    = "failed"
	RefreshExpired   = "expired"

	RecoveryNavigated = "navigated"
	RecoveryExhausted = "exhausted"
	RecoveryFailed    = "not_refreshable"
)

// Recorder is what pipeline components depend on.
type Recorder interface {
	RecordRefresh(outcome string)
	RecordClassification(kind string)
	RecordRecovery(outcome string)
	RecordSignOut(gatewayOK bool)
}

type Collector struct {
	refresh        *prometheus.CounterVec
	classification *prometheus.CounterVec
	recovery       *prometheus.CounterVec
	signOut        *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_session_refresh_total",
			Help: "Token refresh coordinator decisions by outcome.",
		}, []string{"outcome"}),
		classification: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_route_classification_total",
			Help: "Classified requests by route kind.",
		}, []string{"kind"}),
		recovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_recovery_total",
			Help: "Downstream error recoveries by outcome.",
		}, []string{"outcome"}),
		signOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_sign_out_total",
			Help: "Sign-outs by gateway logout result.",
		}, []string{"gateway_ok"}),
	}

	reg.MustRegister(c.refresh, c.classification, c.recovery, c.signOut)
	return c
}

func (c *Collector) RecordRefresh(outcome string) {
	c.refresh.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordClassification(kind string) {
	c.classification.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordRecovery(outcome string) {
	c.recovery.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordSignOut(gatewayOK bool) {
	c.signOut.WithLabelValues(strconv.FormatBool(gatewayOK)).Inc()
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRefresh(string)        {}
func (Nop) RecordClassification(string) {}
func (Nop) RecordRecovery(string)       {}
func (Nop) RecordSignOut(bool)          {}
