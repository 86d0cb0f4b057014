// Package metrics is the governance engine's metrics registry: named
// counters, gauges, and histograms backed by prometheus/client_golang,
// exposed in standard Prometheus text-exposition format.
package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fixed metric catalog names.
const (
	ApprovalsCreatedTotal          = "approvals_created_total"
	ApprovalsApprovedTotal         = "approvals_approved_total"
	ApprovalsRejectedTotal         = "approvals_rejected_total"
	ApprovalDispatchSuccessTotal   = "approval_dispatch_success_total"
	ApprovalDispatchFailureTotal   = "approval_dispatch_failure_total"
	ApprovalConsumeCASSuccessTotal = "approval_consume_cas_success_total"
	ApprovalConsumeCASConflictTotal = "approval_consume_cas_conflict_total"
	ApprovalPendingGauge           = "approval_pending_gauge"
	ApprovalTimeSeconds            = "approval_time_seconds"
	ApprovalDispatchLatencySeconds = "approval_dispatch_latency_seconds"

	ApprovalChainStepsTotal         = "approval_chain_steps_total"
	ApprovalChainStepDecidedTotal   = "approval_chain_step_decided_total"
	ApprovalChainCompletedTotal     = "approval_chain_completed_total"
	ApprovalChainRejectedTotal      = "approval_chain_rejected_total"
	ApprovalChainStepPendingGauge   = "approval_chain_step_pending_gauge"
	ApprovalChainStepTimeSeconds    = "approval_chain_step_time_seconds"
)

var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

var helpText = map[string]string{
	ApprovalsCreatedTotal:           "Total governed action submissions that created an approval.",
	ApprovalsApprovedTotal:         "Total approvals that reached the approved state.",
	ApprovalsRejectedTotal:         "Total approvals that reached the rejected state.",
	ApprovalDispatchSuccessTotal:   "Total dispatches that completed with no failed step.",
	ApprovalDispatchFailureTotal:   "Total dispatches that completed with at least one failed step.",
	ApprovalConsumeCASSuccessTotal: "Total successful consume_for_dispatch compare-and-set transitions.",
	ApprovalConsumeCASConflictTotal: "Total consume_for_dispatch calls that lost the compare-and-set race.",
	ApprovalPendingGauge:           "Current number of approvals in the pending state.",
	ApprovalTimeSeconds:            "Time from approval creation to a terminal decision, in seconds.",
	ApprovalDispatchLatencySeconds: "Time spent executing a dispatch, in seconds.",

	ApprovalChainStepsTotal:       "Total chain step instances materialized.",
	ApprovalChainStepDecidedTotal: "Total chain step decisions recorded.",
	ApprovalChainCompletedTotal:   "Total chains that reached all_approved.",
	ApprovalChainRejectedTotal:    "Total chains that reached rejected.",
	ApprovalChainStepPendingGauge: "Current number of active chain steps awaiting a decision.",
	ApprovalChainStepTimeSeconds:  "Time from a chain step's activation to its decision, in seconds.",
}

// Registry is the governance engine's metrics registry. It wraps a
// dedicated prometheus.Registry so the engine's /metrics output is isolated
// from any other registry in the process.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// New builds a Registry pre-populated with the fixed metric catalog.
func New() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}

	for _, name := range []string{
		ApprovalsCreatedTotal, ApprovalsApprovedTotal, ApprovalsRejectedTotal,
		ApprovalDispatchSuccessTotal, ApprovalDispatchFailureTotal,
		ApprovalConsumeCASSuccessTotal, ApprovalConsumeCASConflictTotal,
		ApprovalChainStepsTotal, ApprovalChainStepDecidedTotal,
		ApprovalChainCompletedTotal, ApprovalChainRejectedTotal,
	} {
		r.registerCounter(name)
	}
	for _, name := range []string{ApprovalPendingGauge, ApprovalChainStepPendingGauge} {
		r.registerGauge(name)
	}
	for _, name := range []string{ApprovalTimeSeconds, ApprovalDispatchLatencySeconds, ApprovalChainStepTimeSeconds} {
		r.registerHistogram(name)
	}

	return r
}

func (r *Registry) registerCounter(name string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: helpText[name]})
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

func (r *Registry) registerGauge(name string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: helpText[name]})
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

func (r *Registry) registerHistogram(name string) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: helpText[name], Buckets: defaultBuckets})
	r.reg.MustRegister(h)
	r.histograms[name] = h
	return h
}

// Increment adds delta (default 1 when delta==0 is not meaningful for a
// counter, so callers pass an explicit positive delta) to a named counter,
// registering it on first use if it is outside the fixed catalog.
func (r *Registry) Increment(name string, delta float64) {
	r.mu.Lock()
	c, ok := r.counters[name]
	if !ok {
		c = r.registerCounter(name)
	}
	r.mu.Unlock()
	c.Add(delta)
}

// SetGauge sets a named gauge's value, registering it on first use.
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	g, ok := r.gauges[name]
	if !ok {
		g = r.registerGauge(name)
	}
	r.mu.Unlock()
	g.Set(value)
}

// Observe records a value into a named histogram, registering it on first use.
func (r *Registry) Observe(name string, value float64) {
	r.mu.Lock()
	h, ok := r.histograms[name]
	if !ok {
		h = r.registerHistogram(name)
	}
	r.mu.Unlock()
	h.Observe(value)
}

// Handler returns an http.Handler serving the standard Prometheus text
// exposition format for this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Series is one flattened metric observation returned by Snapshot.
type Series struct {
	Name  string
	Type  string
	Value float64
}

// Snapshot gathers the registry into a flat sequence of {name, type, value}.
// Histograms are flattened to their _count and _sum series.
func (r *Registry) Snapshot() ([]Series, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	var out []Series
	for _, mf := range families {
		name := mf.GetName()
		typ := mf.GetType().String()
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out = append(out, Series{Name: name, Type: "counter", Value: m.GetCounter().GetValue()})
			case m.GetGauge() != nil:
				out = append(out, Series{Name: name, Type: "gauge", Value: m.GetGauge().GetValue()})
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				out = append(out,
					Series{Name: name + "_count", Type: "histogram", Value: float64(h.GetSampleCount())},
					Series{Name: name + "_sum", Type: "histogram", Value: h.GetSampleSum()},
				)
			default:
				out = append(out, Series{Name: name, Type: typ})
			}
		}
	}
	return out, nil
}
