// Package metrics exposes queue health as a prometheus collector that
// gathers values at scrape time.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueDepthProvider exposes per-team waiting-call counts.
type QueueDepthProvider interface {
	QueueDepthByTeam(ctx context.Context) (map[string]int, error)
}

// BookedAgentsProvider exposes the number of agents with fired calls
// outstanding.
type BookedAgentsProvider interface {
	BookedAgentCount(ctx context.Context) (int, error)
}

// PresenceProvider exposes the number of connected agent frontends.
type PresenceProvider interface {
	ClientCount() int
}

// Collector is a prometheus.Collector for the call queue service.
type Collector struct {
	depth     QueueDepthProvider
	booked    BookedAgentsProvider
	presence  PresenceProvider
	startTime time.Time

	queueDepthDesc *prometheus.Desc
	bookedDesc     *prometheus.Desc
	onlineDesc     *prometheus.Desc
	uptimeDesc     *prometheus.Desc
}

// NewCollector creates the collector. Any provider may be nil if
// unavailable.
func NewCollector(depth QueueDepthProvider, booked BookedAgentsProvider, presence PresenceProvider, startTime time.Time) *Collector {
	return &Collector{
		depth:     depth,
		booked:    booked,
		presence:  presence,
		startTime: startTime,

		queueDepthDesc: prometheus.NewDesc(
			"callqueue_waiting_calls",
			"Number of calls currently waiting in the queue",
			[]string{"team_id"}, nil,
		),
		bookedDesc: prometheus.NewDesc(
			"callqueue_booked_agents",
			"Number of agents with a fired call leg outstanding",
			nil, nil,
		),
		onlineDesc: prometheus.NewDesc(
			"callqueue_online_agents",
			"Number of agent frontends with a live websocket connection",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callqueue_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepthDesc
	ch <- c.bookedDesc
	ch <- c.onlineDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.depth != nil {
		depths, err := c.depth.QueueDepthByTeam(ctx)
		if err != nil {
			slog.Error("metrics: failed to load queue depths", "error", err)
		} else {
			for teamID, count := range depths {
				ch <- prometheus.MustNewConstMetric(
					c.queueDepthDesc, prometheus.GaugeValue,
					float64(count), teamID,
				)
			}
		}
	}

	if c.booked != nil {
		count, err := c.booked.BookedAgentCount(ctx)
		if err != nil {
			slog.Error("metrics: failed to count booked agents", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.bookedDesc, prometheus.GaugeValue, float64(count),
			)
		}
	}

	if c.presence != nil {
		ch <- prometheus.MustNewConstMetric(
			c.onlineDesc, prometheus.GaugeValue, float64(c.presence.ClientCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
