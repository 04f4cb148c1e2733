package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolStats is the subset of *pgxpool.Stat reported on each scrape.
type poolStats interface {
	AcquiredConns() int32
	IdleConns() int32
	TotalConns() int32
	MaxConns() int32
	AcquireCount() int64
	EmptyAcquireCount() int64
	CanceledAcquireCount() int64
	AcquireDuration() time.Duration
}

type poolMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(poolStats) float64
}

type poolCollector struct {
	stat    func() poolStats
	metrics []poolMetric
}

// RegisterPoolMetrics registers a collector that reads live pgxpool
// statistics on every scrape. The repository and the event poller share the
// pool, so acquire waits show up here before request latency degrades.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(newPoolCollector(func() poolStats { return pool.Stat() }))
}

func newPoolCollector(stat func() poolStats) *poolCollector {
	gauge := func(name, help string, value func(poolStats) float64) poolMetric {
		return poolMetric{
			desc:      prometheus.NewDesc(name, help, nil, nil),
			valueType: prometheus.GaugeValue,
			value:     value,
		}
	}
	counter := func(name, help string, value func(poolStats) float64) poolMetric {
		return poolMetric{
			desc:      prometheus.NewDesc(name, help, nil, nil),
			valueType: prometheus.CounterValue,
			value:     value,
		}
	}

	return &poolCollector{
		stat: stat,
		metrics: []poolMetric{
			gauge("rolloutz_db_pool_acquired", "Number of currently acquired database connections.",
				func(s poolStats) float64 { return float64(s.AcquiredConns()) }),
			gauge("rolloutz_db_pool_idle", "Number of idle database connections in the pool.",
				func(s poolStats) float64 { return float64(s.IdleConns()) }),
			gauge("rolloutz_db_pool_total", "Total number of database connections in the pool.",
				func(s poolStats) float64 { return float64(s.TotalConns()) }),
			gauge("rolloutz_db_pool_max", "Maximum number of database connections allowed in the pool.",
				func(s poolStats) float64 { return float64(s.MaxConns()) }),
			counter("rolloutz_db_pool_acquires_total", "Successful connection acquires from the pool.",
				func(s poolStats) float64 { return float64(s.AcquireCount()) }),
			counter("rolloutz_db_pool_empty_acquires_total", "Acquires that had to wait because the pool was empty.",
				func(s poolStats) float64 { return float64(s.EmptyAcquireCount()) }),
			counter("rolloutz_db_pool_canceled_acquires_total", "Acquires canceled by their context.",
				func(s poolStats) float64 { return float64(s.CanceledAcquireCount()) }),
			counter("rolloutz_db_pool_acquire_seconds_total", "Cumulative time spent acquiring connections.",
				func(s poolStats) float64 { return s.AcquireDuration().Seconds() }),
		},
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.stat()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(stat))
	}
}
