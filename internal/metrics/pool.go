package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolGauge ties a metric description to the pgxpool stat it reports.
type poolGauge struct {
	desc  *prometheus.Desc
	value func(*pgxpool.Stat) float64
}

type poolCollector struct {
	pool   *pgxpool.Pool
	gauges []poolGauge
}

// RegisterPoolMetrics exposes live pgxpool connection statistics as gauges,
// read fresh from the pool on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	newDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, nil, nil)
	}
	reg.MustRegister(&poolCollector{
		pool: pool,
		gauges: []poolGauge{
			{
				desc:  newDesc("canaryz_db_pool_acquired", "Number of currently acquired database connections."),
				value: func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) },
			},
			{
				desc:  newDesc("canaryz_db_pool_idle", "Number of idle database connections in the pool."),
				value: func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) },
			},
			{
				desc:  newDesc("canaryz_db_pool_total", "Total number of database connections in the pool."),
				value: func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) },
			},
			{
				desc:  newDesc("canaryz_db_pool_max", "Maximum number of database connections allowed in the pool."),
				value: func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) },
			},
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.value(stat))
	}
}
