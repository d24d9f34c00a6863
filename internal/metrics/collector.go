package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultInterval = 15 * time.Second
	queryTimeout    = 5 * time.Second
)

// Collector samples job table counts and connection pool stats.
type Collector struct {
	pool *pgxpool.Pool

	jobs         *prometheus.GaugeVec
	lockedQueues prometheus.Gauge
	connsInUse   prometheus.Gauge
	connsIdle    prometheus.Gauge
	acquireWaits prometheus.Gauge
}

func NewCollector(pool *pgxpool.Pool, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		pool: pool,
		jobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs in the table by state (ready, scheduled, locked, failed).",
		}, []string{"state"}),
		lockedQueues: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locked_queues",
			Help:      "Named queues currently locked by a worker.",
		}),
		connsInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_connections_in_use",
			Help:      "Connections currently acquired from the pool.",
		}),
		connsIdle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_connections_idle",
			Help:      "Idle connections held by the pool.",
		}),
		acquireWaits: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_empty_acquires",
			Help:      "Cumulative acquires that had to wait for a connection.",
		}),
	}
}

// Start samples every interval until ctx ends.
func (c *Collector) Start(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := c.Collect(ctx); err != nil {
				logWarn(logger, "Job metrics collection failed", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Collect takes one sample.
func (c *Collector) Collect(ctx context.Context) error {
	stat := c.pool.Stat()
	c.connsInUse.Set(float64(stat.AcquiredConns()))
	c.connsIdle.Set(float64(stat.IdleConns()))
	c.acquireWaits.Set(float64(stat.EmptyAcquireCount()))

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var ready, scheduled, locked, failed, queues int64
	err := c.pool.QueryRow(queryCtx, `
		SELECT
			count(*) FILTER (WHERE is_available AND run_at <= now()),
			count(*) FILTER (WHERE is_available AND run_at > now()),
			count(*) FILTER (WHERE locked_at IS NOT NULL),
			count(*) FILTER (WHERE attempts >= max_attempts),
			(SELECT count(*) FROM graphile_worker._private_job_queues WHERE locked_at IS NOT NULL)
		FROM graphile_worker._private_jobs
	`).Scan(&ready, &scheduled, &locked, &failed, &queues)
	if err != nil {
		return err
	}
	c.jobs.WithLabelValues("ready").Set(float64(ready))
	c.jobs.WithLabelValues("scheduled").Set(float64(scheduled))
	c.jobs.WithLabelValues("locked").Set(float64(locked))
	c.jobs.WithLabelValues("failed").Set(float64(failed))
	c.lockedQueues.Set(float64(queues))
	return nil
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}
