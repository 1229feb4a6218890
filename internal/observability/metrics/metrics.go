// Package metrics exports bridge counters to Prometheus. Collectors are
// fed from the event bus, so producers never import this package.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"modbridge/internal/eventbus"
	"modbridge/internal/reconcile"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "modbridge"

// Metrics holds the bridge collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec   // tenant, result
	cycleDuration *prometheus.HistogramVec // tenant
	lastCycle     *prometheus.GaugeVec     // tenant
	cycleItems    *prometheus.CounterVec   // tenant, outcome
	alertsPosted  *prometheus.CounterVec   // tenant
	alertsEdited  *prometheus.CounterVec   // tenant
	modlogAdded   *prometheus.CounterVec   // tenant
	actions       *prometheus.CounterVec   // tenant, command, result
	viewsRestored *prometheus.CounterVec   // outcome
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.init()
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.cycleDuration, m.lastCycle, m.cycleItems,
		m.alertsPosted, m.alertsEdited, m.modlogAdded, m.actions, m.viewsRestored,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) init() {
	m.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Reconcile cycles by tenant and result",
	}, []string{"tenant", "result"}) // result: ok, error

	m.cycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one reconcile cycle",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"tenant"})

	m.lastCycle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_cycle_timestamp_seconds",
		Help:      "Unix time the last cycle started",
	}, []string{"tenant"})

	m.cycleItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycle_items_total",
		Help:      "Queue items handled by cycles, by outcome",
	}, []string{"tenant", "outcome"}) // outcome: fetched, unchanged, skipped, failed, refreshed, stale

	m.alertsPosted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_posted_total",
		Help:      "Alert messages posted",
	}, []string{"tenant"})

	m.alertsEdited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_edited_total",
		Help:      "Alert messages edited by cycles",
	}, []string{"tenant"})

	m.modlogAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "modlog_entries_total",
		Help:      "Moderation log entries cached",
	}, []string{"tenant"})

	m.actions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "Moderator actions from Discord by command and result",
	}, []string{"tenant", "command", "result"})

	m.viewsRestored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "views_recovered_total",
		Help:      "Stored alert views processed at startup, by outcome",
	}, []string{"outcome"}) // outcome: restored, deleted, orphaned, failed, pruned
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// Observe folds one bus event into the collectors.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.CycleDone, eventbus.CycleFailed:
		rep, ok := e.Data.(reconcile.CycleReport)
		if !ok {
			return
		}
		result := "ok"
		if e.Type == eventbus.CycleFailed {
			result = "error"
		}
		m.cycles.WithLabelValues(e.Tenant, result).Inc()
		m.cycleDuration.WithLabelValues(e.Tenant).Observe(rep.Took.Seconds())
		if !rep.Started.IsZero() {
			m.lastCycle.WithLabelValues(e.Tenant).Set(float64(rep.Started.Unix()))
		}
		for outcome, n := range map[string]int{
			"fetched":   rep.Fetched,
			"unchanged": rep.Unchanged,
			"skipped":   rep.Skipped,
			"failed":    rep.Failed,
			"refreshed": rep.Refreshed,
			"stale":     rep.Stale,
		} {
			if n > 0 {
				m.cycleItems.WithLabelValues(e.Tenant, outcome).Add(float64(n))
			}
		}
		if rep.ModlogAdded > 0 {
			m.modlogAdded.WithLabelValues(e.Tenant).Add(float64(rep.ModlogAdded))
		}
	case eventbus.AlertPosted:
		m.alertsPosted.WithLabelValues(e.Tenant).Inc()
	case eventbus.AlertEdited:
		m.alertsEdited.WithLabelValues(e.Tenant).Inc()
	case eventbus.ActionApplied, eventbus.ActionFailed:
		a, _ := e.Data.(eventbus.ActionReport)
		result := "ok"
		if e.Type == eventbus.ActionFailed {
			result = "error"
		}
		m.actions.WithLabelValues(e.Tenant, a.Command, result).Inc()
	case eventbus.ViewsRestored:
		rep, ok := e.Data.(reconcile.RecoveryReport)
		if !ok {
			return
		}
		m.viewsRestored.WithLabelValues("restored").Add(float64(rep.Restored))
		m.viewsRestored.WithLabelValues("deleted").Add(float64(rep.Deleted))
		m.viewsRestored.WithLabelValues("orphaned").Add(float64(rep.Orphaned))
		m.viewsRestored.WithLabelValues("failed").Add(float64(rep.Failed))
		m.viewsRestored.WithLabelValues("pruned").Add(float64(rep.Pruned))
	}
}

// Consume observes events from bus until ctx ends.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
