package hub

import "github.com/prometheus/client_golang/prometheus"

// Metrics 订阅中心指标
type Metrics struct {
	openChannels   prometheus.Gauge
	snapshots      *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
	replaced       prometheus.Counter
}

// NewMetrics 创建指标，reg 为 nil 时不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plateify",
			Subsystem: "hub",
			Name:      "open_channels",
			Help:      "Number of live subscription channels",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plateify",
			Subsystem: "hub",
			Name:      "snapshots_delivered_total",
			Help:      "Snapshots delivered to observers",
		}, []string{"collection"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plateify",
			Subsystem: "hub",
			Name:      "decode_failures_total",
			Help:      "Documents dropped from a snapshot because they could not be decoded",
		}, []string{"collection"}),
		replaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plateify",
			Subsystem: "hub",
			Name:      "channels_replaced_total",
			Help:      "Channels closed because the same channel id was subscribed again",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.openChannels, m.snapshots, m.decodeFailures, m.replaced)
	}
	return m
}
