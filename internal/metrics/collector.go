package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "alnp"

var (
	descDiscovery = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "discovery", "total"),
		"Discovery exchanges by outcome.",
		[]string{"outcome"}, nil,
	)
	descControl = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "control", "envelopes_total"),
		"Control envelopes by direction.",
		[]string{"direction"}, nil,
	)
	descFrames = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "frames_total"),
		"Stream frames by direction.",
		[]string{"direction"}, nil,
	)
	descKeepalives = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "keepalives_total"),
		"Keepalives received.",
		nil, nil,
	)
	descActive = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "sessions", "active"),
		"Sessions currently tracked.",
		nil, nil,
	)
	descRecv = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "datagrams", "received_total"),
		"Datagrams received by kind.",
		[]string{"kind"}, nil,
	)
	descDrop = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "datagrams", "dropped_total"),
		"Datagrams dropped by reason.",
		[]string{"reason"}, nil,
	)
)

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descDiscovery, descControl, descFrames, descKeepalives, descActive, descRecv, descDrop} {
		ch <- d
	}
}

// Collect implements prometheus.Collector from a fresh snapshot.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	snap := m.Snapshot()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(descDiscovery, snap.Discovery.Sent, "sent")
	counter(descDiscovery, snap.Discovery.Answered, "answered")
	counter(descDiscovery, snap.Discovery.Verified, "verified")
	counter(descDiscovery, snap.Discovery.VerifyFail, "verify_fail")
	counter(descControl, snap.Control.Sent, "sent")
	counter(descControl, snap.Control.Accepted, "accepted")
	counter(descFrames, snap.Stream.FramesSent, "sent")
	counter(descFrames, snap.Stream.FramesReceived, "received")
	counter(descKeepalives, snap.Stream.Keepalives)
	ch <- prometheus.MustNewConstMetric(descActive, prometheus.GaugeValue, float64(snap.ActiveSessions))
	for _, k := range sortedKeys(snap.RecvByKind) {
		counter(descRecv, snap.RecvByKind[k], k)
	}
	for _, k := range sortedKeys(snap.DropByReason) {
		counter(descDrop, snap.DropByReason[k], k)
	}
}

// Registry returns a registry holding m plus the Go runtime collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(m, collectors.NewGoCollector())
	return reg
}
