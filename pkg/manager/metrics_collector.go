package manager

import (
	"strconv"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// MetricsCollector periodically exports catalog gauges from the local store
type MetricsCollector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(store storage.Store, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	err := c.store.View(func(r storage.Reader) error {
		plugins, err := r.ListPlugins()
		if err != nil {
			return err
		}
		enabled := 0
		for _, p := range plugins {
			if p.Enabled {
				enabled++
			}
		}
		metrics.PluginsTotal.WithLabelValues("installed").Set(float64(len(plugins)))
		metrics.PluginsTotal.WithLabelValues("enabled").Set(float64(enabled))

		routes, err := r.ListRoutes()
		if err != nil {
			return err
		}
		counts := map[bool]int{}
		for _, rt := range routes {
			counts[rt.Poisoned]++
		}
		for _, poisoned := range []bool{false, true} {
			metrics.RoutesTotal.WithLabelValues(strconv.FormatBool(poisoned)).Set(float64(counts[poisoned]))
		}

		nodes, err := r.ListNodes()
		if err != nil {
			return err
		}
		statuses := map[types.NodeStatus]int{}
		for _, n := range nodes {
			statuses[n.Status]++
		}
		for _, status := range []types.NodeStatus{types.NodeStatusOnline, types.NodeStatusOffline} {
			metrics.NodesTotal.WithLabelValues(string(status)).Set(float64(statuses[status]))
		}
		return nil
	})
	if err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to collect catalog metrics")
	}
}
