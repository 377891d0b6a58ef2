package health

import (
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/arctek/actifix/internal/ticket"
)

// Version is stamped into actifix_info at build time.
var Version = "dev"

// Metrics exposes the health snapshot as Prometheus gauges on a private
// registry, so the default registry's Go runtime collectors never leak in.
type Metrics struct {
	registry *prometheus.Registry
	checker  *Checker

	info         *prometheus.GaugeVec
	ticketsTotal prometheus.Gauge
	ticketsOpen  prometheus.Gauge
	ticketsDone  prometheus.Gauge
	byPriority   *prometheus.GaugeVec
	healthStatus *prometheus.GaugeVec
	queueDepth   prometheus.Gauge
	dbBytes      prometheus.Gauge
	diskUsedPct  prometheus.Gauge
	slaBreaches  prometheus.Gauge
	generatedAt  prometheus.Gauge
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics(checker *Checker) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		checker:  checker,
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "actifix_info",
			Help: "Build information, value is always 1.",
		}, []string{"version"}),
		ticketsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actifix_tickets_total",
			Help: "Total tickets in the store.",
		}),
		ticketsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actifix_tickets_open",
			Help: "Open tickets.",
		}),
		ticketsDone: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actifix_tickets_completed",
			Help: "Completed tickets.",
		}),
		byPriority: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "actifix_tickets_by_priority",
			Help: "Tickets broken down by priority.",
		}, []string{"priority"}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "actifix_health_status",
			Help: "Health verdict, 1 on the active status label.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actifix_fallback_queue_depth",
			Help: "Entries waiting in the fallback queue.",
		}),
		dbBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actifix_database_bytes",
			Help: "Ticket database size including WAL.",
		}),
		diskUsedPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actifix_disk_used_percent",
			Help: "Disk usage of the data directory filesystem.",
		}),
		slaBreaches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actifix_sla_breaches",
			Help: "Open tickets currently past their SLA threshold.",
		}),
		generatedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actifix_generated_at",
			Help: "Unix timestamp of the last snapshot.",
		}),
	}

	m.registry.MustRegister(
		m.info, m.ticketsTotal, m.ticketsOpen, m.ticketsDone,
		m.byPriority, m.healthStatus, m.queueDepth, m.dbBytes,
		m.diskUsedPct, m.slaBreaches, m.generatedAt,
	)
	m.info.WithLabelValues(Version).Set(1)
	return m
}

// Update refreshes every gauge from a snapshot.
func (m *Metrics) Update(snap *Snapshot) {
	m.ticketsTotal.Set(float64(snap.TotalTickets))
	m.ticketsOpen.Set(float64(snap.OpenTickets))
	m.ticketsDone.Set(float64(snap.Completed))

	for _, p := range []ticket.Priority{ticket.PriorityP0, ticket.PriorityP1, ticket.PriorityP2, ticket.PriorityP3, ticket.PriorityP4} {
		m.byPriority.WithLabelValues(string(p)).Set(float64(snap.ByPriority[p]))
	}

	for _, s := range []Status{StatusHealthy, StatusDegraded, StatusCritical} {
		v := 0.0
		if snap.Status == s {
			v = 1
		}
		m.healthStatus.WithLabelValues(string(s)).Set(v)
	}

	m.queueDepth.Set(float64(snap.QueueDepth))
	m.dbBytes.Set(float64(snap.DatabaseBytes))
	m.diskUsedPct.Set(snap.DiskUsedPercent)
	m.slaBreaches.Set(float64(len(snap.SLABreaches)))
	m.generatedAt.Set(float64(snap.GeneratedAt.Unix()))
}

// WriteText dumps the current exposition in Prometheus text format,
// refreshing the gauges first.
func (m *Metrics) WriteText(w io.Writer) error {
	m.Update(m.checker.Check())

	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	return nil
}

// Handler serves the metrics endpoint, refreshing gauges on each scrape.
func (m *Metrics) Handler() http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Update(m.checker.Check())
		inner.ServeHTTP(w, r)
	})
}
