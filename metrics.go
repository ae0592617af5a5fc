package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's prometheus collectors. Each daemon owns its own
// registry so several can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	Height          prometheus.Gauge
	Peers           prometheus.Gauge
	MempoolTxs      prometheus.Gauge
	ProofPoolSize   prometheus.Gauge
	UptimePercent   prometheus.Gauge
	LocalScore      prometheus.Gauge
	LatencyMs       prometheus.Gauge
	DownloadMbps    prometheus.Gauge
	UploadMbps      prometheus.Gauge
	StabilityPct    prometheus.Gauge
	BlocksProduced  prometheus.Counter
	BlocksAccepted  prometheus.Counter
	BlocksRejected  *prometheus.CounterVec
	Reorgs          prometheus.Counter
	TxsAccepted     prometheus.Counter
	ProofsSubmitted prometheus.Counter
	SpeedTestFails  prometheus.Counter
}

func NewMetrics() *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "netchain", Name: name, Help: help})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "netchain", Name: name, Help: help})
	}

	m := &Metrics{
		registry:        prometheus.NewRegistry(),
		Height:          gauge("chain_height", "Height of the best chain."),
		Peers:           gauge("p2p_peers", "Connected peers."),
		MempoolTxs:      gauge("mempool_transactions", "Transactions waiting in the mempool."),
		ProofPoolSize:   gauge("proof_pool_size", "Speed proofs waiting for inclusion."),
		UptimePercent:   gauge("uptime_percent", "Share of recent samples with at least one peer."),
		LocalScore:      gauge("poi_score", "PoI score of the last local measurement."),
		LatencyMs:       gauge("speedtest_latency_ms", "Median peer latency of the last speed test."),
		DownloadMbps:    gauge("speedtest_download_mbps", "Median download throughput of the last speed test."),
		UploadMbps:      gauge("speedtest_upload_mbps", "Median upload throughput of the last speed test."),
		StabilityPct:    gauge("speedtest_stability_percent", "Ping success ratio of the last speed test."),
		BlocksProduced:  counter("blocks_produced_total", "Blocks produced by this node."),
		BlocksAccepted:  counter("blocks_accepted_total", "Blocks connected to the main chain."),
		Reorgs:          counter("reorgs_total", "Chain reorganizations."),
		TxsAccepted:     counter("transactions_accepted_total", "Transactions admitted to the mempool."),
		ProofsSubmitted: counter("speed_proofs_submitted_total", "Speed proofs signed by this node."),
		SpeedTestFails:  counter("speedtest_failures_total", "Speed test rounds that measured no peer."),
		BlocksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netchain",
			Name:      "blocks_rejected_total",
			Help:      "Blocks rejected, by source.",
		}, []string{"source"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Height, m.Peers, m.MempoolTxs, m.ProofPoolSize, m.UptimePercent,
		m.LocalScore, m.LatencyMs, m.DownloadMbps, m.UploadMbps, m.StabilityPct,
		m.BlocksProduced, m.BlocksAccepted, m.BlocksRejected, m.Reorgs,
		m.TxsAccepted, m.ProofsSubmitted, m.SpeedTestFails,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
