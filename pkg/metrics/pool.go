package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStat is the part of *pgxpool.Stat exported as metrics.
type PoolStat interface {
	AcquiredConns() int32
	IdleConns() int32
	TotalConns() int32
	MaxConns() int32
	AcquireCount() int64
}

var (
	poolAcquired = prometheus.NewDesc("quarry_pool_acquired_conns",
		"Connections currently held by requests", []string{"database"}, nil)
	poolIdle = prometheus.NewDesc("quarry_pool_idle_conns",
		"Idle connections in the pool", []string{"database"}, nil)
	poolTotal = prometheus.NewDesc("quarry_pool_total_conns",
		"Open connections in the pool", []string{"database"}, nil)
	poolMax = prometheus.NewDesc("quarry_pool_max_conns",
		"Maximum size of the pool", []string{"database"}, nil)
	poolAcquires = prometheus.NewDesc("quarry_pool_acquires_total",
		"Successful connection acquisitions", []string{"database"}, nil)
)

// PoolCollector reports connection pool statistics per database at scrape time.
type PoolCollector struct {
	stats func() map[string]PoolStat
}

func NewPoolCollector(stats func() map[string]PoolStat) *PoolCollector {
	return &PoolCollector{stats: stats}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{poolAcquired, poolIdle, poolTotal, poolMax, poolAcquires} {
		ch <- d
	}
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for db, s := range c.stats() {
		ch <- prometheus.MustNewConstMetric(poolAcquired, prometheus.GaugeValue, float64(s.AcquiredConns()), db)
		ch <- prometheus.MustNewConstMetric(poolIdle, prometheus.GaugeValue, float64(s.IdleConns()), db)
		ch <- prometheus.MustNewConstMetric(poolTotal, prometheus.GaugeValue, float64(s.TotalConns()), db)
		ch <- prometheus.MustNewConstMetric(poolMax, prometheus.GaugeValue, float64(s.MaxConns()), db)
		ch <- prometheus.MustNewConstMetric(poolAcquires, prometheus.CounterValue, float64(s.AcquireCount()), db)
	}
}
