// Package metrics samples the queue, the video catalog, the realtime hub,
// and the blob store on a fixed interval and serves the readings in
// Prometheus text format. Sampling is decoupled from scraping so a slow
// database can never stall the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-vod/internal/data"
	"github.com/technosupport/ts-vod/internal/log"
	"github.com/technosupport/ts-vod/internal/queue"
)

const sampleTimeout = 5 * time.Second

// JobCounter reports queue depth by state.
type JobCounter interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// VideoCounter reports catalog rows by processing status.
type VideoCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// ClientCounter reports connected websocket clients.
type ClientCounter interface {
	ClientCount() int
}

// DiskStater reports capacity of the volume backing the blob store.
type DiskStater interface {
	DiskUsage() (total, free uint64, err error)
}

// Config holds the sources the collector samples. All of them are
// required; main wires the live queue, video model, hub, and store.
type Config struct {
	Jobs     JobCounter
	Videos   VideoCounter
	Clients  ClientCounter
	Disk     DiskStater
	Interval time.Duration // defaults to 15s
}

// Collector owns a private registry so the exposition carries exactly the
// series registered here and nothing a dependency snuck into the default
// registry.
type Collector struct {
	cfg      Config
	registry *prometheus.Registry
	logger   zerolog.Logger

	up        *prometheus.GaugeVec
	queueJobs *prometheus.GaugeVec
	videos    *prometheus.GaugeVec
	clients   prometheus.Gauge
	diskTotal prometheus.Gauge
	diskFree  prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func NewCollector(cfg Config) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	reg := prometheus.NewRegistry()

	c := &Collector{
		cfg:      cfg,
		registry: reg,
		logger:   log.WithComponent("metrics"),
	}

	c.up = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vod_metrics_up",
		Help: "Status of sampled backends (1=up, 0=down)",
	}, []string{"component"})
	reg.MustRegister(c.up)

	c.queueJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vod_queue_jobs",
		Help: "Processing jobs by queue state",
	}, []string{"state"})
	reg.MustRegister(c.queueJobs)

	c.videos = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vod_videos",
		Help: "Catalog rows by processing status",
	}, []string{"status"})
	reg.MustRegister(c.videos)

	c.clients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vod_realtime_clients",
		Help: "Connected websocket clients",
	})
	reg.MustRegister(c.clients)

	c.diskTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vod_storage_disk_total_bytes",
		Help: "Capacity of the volume backing the blob store",
	})
	reg.MustRegister(c.diskTotal)

	c.diskFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vod_storage_disk_free_bytes",
		Help: "Free space on the volume backing the blob store",
	})
	reg.MustRegister(c.diskFree)

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vod_http_requests_total",
		Help: "HTTP requests by method, chi route pattern, and status",
	}, []string{"method", "route", "status"})
	reg.MustRegister(c.httpRequests)

	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vod_http_request_duration_seconds",
		Help:    "HTTP request latency by method and chi route pattern",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "route"})
	reg.MustRegister(c.httpDuration)

	return c
}

// Start samples immediately and then on every tick until ctx is done.
func (c *Collector) Start(ctx context.Context) {
	c.collect()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Handler serves the exposition for the private registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.collectQueue(ctx)
	}()
	go func() {
		defer wg.Done()
		c.collectCatalog(ctx)
	}()

	c.collectLocal()
	wg.Wait()
}

func (c *Collector) collectQueue(ctx context.Context) {
	stats, err := c.cfg.Jobs.Stats(ctx)
	if err != nil {
		c.up.WithLabelValues("queue").Set(0)
		c.logger.Warn().Err(err).Msg("queue sample failed")
		return
	}
	c.up.WithLabelValues("queue").Set(1)
	c.queueJobs.WithLabelValues(string(queue.StateWaiting)).Set(float64(stats.Waiting))
	c.queueJobs.WithLabelValues(string(queue.StateDelayed)).Set(float64(stats.Delayed))
	c.queueJobs.WithLabelValues(string(queue.StateActive)).Set(float64(stats.Active))
	c.queueJobs.WithLabelValues(string(queue.StateCompleted)).Set(float64(stats.Completed))
	c.queueJobs.WithLabelValues(string(queue.StateFailed)).Set(float64(stats.Failed))
}

func (c *Collector) collectCatalog(ctx context.Context) {
	counts, err := c.cfg.Videos.CountByStatus(ctx)
	if err != nil {
		c.up.WithLabelValues("database").Set(0)
		c.logger.Warn().Err(err).Msg("catalog sample failed")
		return
	}
	c.up.WithLabelValues("database").Set(1)
	// Every known status is written each pass so a drained status drops to
	// zero instead of freezing at its last reading.
	for _, status := range []data.VideoStatus{
		data.StatusUploading,
		data.StatusProcessing,
		data.StatusCompleted,
		data.StatusFailed,
	} {
		c.videos.WithLabelValues(string(status)).Set(float64(counts[string(status)]))
	}
}

func (c *Collector) collectLocal() {
	c.clients.Set(float64(c.cfg.Clients.ClientCount()))

	total, free, err := c.cfg.Disk.DiskUsage()
	if err != nil {
		c.up.WithLabelValues("storage").Set(0)
		c.logger.Warn().Err(err).Msg("disk sample failed")
		return
	}
	c.up.WithLabelValues("storage").Set(1)
	c.diskTotal.Set(float64(total))
	c.diskFree.Set(float64(free))
}
