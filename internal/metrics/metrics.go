package metrics

import (
	"time"

	"github.com/flowpbx/callsignal/internal/signal"
	"github.com/prometheus/client_golang/prometheus"
)

// RingStatsProvider exposes ring initiation counters.
type RingStatsProvider interface {
	Stats() signal.InitiatorStats
}

// TerminationStatsProvider exposes end-call outcome counters.
type TerminationStatsProvider interface {
	Stats() signal.ResolverStats
}

// RoomStatsProvider exposes live media room occupancy.
type RoomStatsProvider interface {
	Stats() (rooms, participants int)
}

// StreamCounter returns the number of open channel event streams.
type StreamCounter interface {
	ActiveStreams() int
}

// Collector is a prometheus.Collector that gathers call signaling metrics at
// scrape time.
type Collector struct {
	rings        RingStatsProvider
	terminations TerminationStatsProvider
	rooms        RoomStatsProvider
	streams      StreamCounter
	startTime    time.Time

	ringsDesc        *prometheus.Desc
	terminationsDesc *prometheus.Desc
	roomsDesc        *prometheus.Desc
	participantsDesc *prometheus.Desc
	streamsDesc      *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	rings RingStatsProvider,
	terminations TerminationStatsProvider,
	rooms RoomStatsProvider,
	streams StreamCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		rings:        rings,
		terminations: terminations,
		rooms:        rooms,
		streams:      streams,
		startTime:    startTime,

		ringsDesc: prometheus.NewDesc(
			"callsignal_rings_total",
			"Call announcements attempted, by result",
			[]string{"result"}, nil,
		),
		terminationsDesc: prometheus.NewDesc(
			"callsignal_terminations_total",
			"End-call requests handled, by outcome",
			[]string{"outcome"}, nil,
		),
		roomsDesc: prometheus.NewDesc(
			"callsignal_rooms_active",
			"Number of call rooms with at least one participant",
			nil, nil,
		),
		participantsDesc: prometheus.NewDesc(
			"callsignal_room_participants",
			"Participants across all active call rooms",
			nil, nil,
		),
		streamsDesc: prometheus.NewDesc(
			"callsignal_event_streams",
			"Open channel event websocket streams",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callsignal_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ringsDesc
	ch <- c.terminationsDesc
	ch <- c.roomsDesc
	ch <- c.participantsDesc
	ch <- c.streamsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.rings != nil {
		s := c.rings.Stats()
		ch <- prometheus.MustNewConstMetric(c.ringsDesc, prometheus.CounterValue, float64(s.Started), "started")
		ch <- prometheus.MustNewConstMetric(c.ringsDesc, prometheus.CounterValue, float64(s.Failed), "failed")
	}

	if c.terminations != nil {
		s := c.terminations.Stats()
		for _, o := range []struct {
			outcome signal.Outcome
			n       int64
		}{
			{signal.OutcomeEnded, s.Ended},
			{signal.OutcomeAlreadyEnded, s.AlreadyEnded},
			{signal.OutcomeNotFound, s.NotFound},
			{signal.OutcomeFailed, s.Failed},
		} {
			ch <- prometheus.MustNewConstMetric(
				c.terminationsDesc, prometheus.CounterValue,
				float64(o.n), string(o.outcome),
			)
		}
	}

	if c.rooms != nil {
		rooms, participants := c.rooms.Stats()
		ch <- prometheus.MustNewConstMetric(c.roomsDesc, prometheus.GaugeValue, float64(rooms))
		ch <- prometheus.MustNewConstMetric(c.participantsDesc, prometheus.GaugeValue, float64(participants))
	}

	if c.streams != nil {
		ch <- prometheus.MustNewConstMetric(
			c.streamsDesc, prometheus.GaugeValue,
			float64(c.streams.ActiveStreams()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
