// Package metrics exposes Prometheus instrumentation for the BSS and BDC
// subsystems as a single collector struct registered once at startup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "meshd"
	subsystemBSS = "bss"
	subsystemBDC = "bdc"
)

// Collector holds all mesh protocol Prometheus metrics.
type Collector struct {
	// BSS (Broadcast State Synchronisation) metrics.
	BSSItemsRegistered prometheus.Gauge
	BSSLocalUpdates    prometheus.Counter
	BSSSent            prometheus.Counter
	BSSSuppressed      prometheus.Counter
	BSSDroppedMalformed prometheus.Counter

	// BDC (Bulk Data Collection) metrics.
	BDCSessionsCompleted  prometheus.Counter
	BDCSessionsFailed     prometheus.Counter
	BDCSubPacketsSent     prometheus.Counter
	BDCSubPacketsReceived prometheus.Counter
	BDCSubPacketsDup      prometheus.Counter
	BDCRetransmitRequests prometheus.Counter
	BDCFaultsInjected     prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.BSSItemsRegistered,
		c.BSSLocalUpdates,
		c.BSSSent,
		c.BSSSuppressed,
		c.BSSDroppedMalformed,
		c.BDCSessionsCompleted,
		c.BDCSessionsFailed,
		c.BDCSubPacketsSent,
		c.BDCSubPacketsReceived,
		c.BDCSubPacketsDup,
		c.BDCRetransmitRequests,
		c.BDCFaultsInjected,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		BSSItemsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemBSS,
			Name:      "items_registered",
			Help:      "Number of BSS items currently registered in the item table.",
		}),
		BSSLocalUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBSS,
			Name:      "local_updates_total",
			Help:      "Total local Update() calls applied to registered items.",
		}),
		BSSSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBSS,
			Name:      "sent_total",
			Help:      "Total BSS update frames transmitted on a Trickle tick.",
		}),
		BSSSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBSS,
			Name:      "suppressed_total",
			Help:      "Total Trickle ticks where transmission was suppressed (c >= k).",
		}),
		BSSDroppedMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBSS,
			Name:      "dropped_malformed_total",
			Help:      "Total inbound BSS frames dropped for failing to decode.",
		}),
		BDCSessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBDC,
			Name:      "sessions_completed_total",
			Help:      "Total BDC receive sessions that reached Done.",
		}),
		BDCSessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBDC,
			Name:      "sessions_failed_total",
			Help:      "Total BDC receive sessions that reached Failed.",
		}),
		BDCSubPacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBDC,
			Name:      "subpackets_sent_total",
			Help:      "Total BDC sub-packet frames transmitted.",
		}),
		BDCSubPacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBDC,
			Name:      "subpackets_received_total",
			Help:      "Total BDC sub-packet frames accepted (excludes duplicates).",
		}),
		BDCSubPacketsDup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBDC,
			Name:      "subpackets_duplicate_total",
			Help:      "Total BDC sub-packet frames discarded as duplicates.",
		}),
		BDCRetransmitRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBDC,
			Name:      "retransmit_requests_total",
			Help:      "Total BDC retransmission requests, counted when a receiver issues one on timeout and when a sender handles one.",
		}),
		BDCFaultsInjected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBDC,
			Name:      "faults_injected_total",
			Help:      "Total sub-packets discarded by the test-only fault injector.",
		}),
	}
}
