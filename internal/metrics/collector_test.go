package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/lumenmesh/meshproto/internal/metrics"
)

func TestNewCollectorRegistersAllMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.BSSItemsRegistered == nil || c.BDCSessionsCompleted == nil {
		t.Fatal("collector has nil metrics")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestBSSCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.BSSSent.Inc()
	c.BSSSent.Inc()
	c.BSSSuppressed.Inc()

	if v := counterValue(t, c.BSSSent); v != 2 {
		t.Errorf("BSSSent = %v, want 2", v)
	}
	if v := counterValue(t, c.BSSSuppressed); v != 1 {
		t.Errorf("BSSSuppressed = %v, want 1", v)
	}
}

func TestBDCCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.BDCSubPacketsReceived.Inc()
	c.BDCSubPacketsReceived.Inc()
	c.BDCSubPacketsReceived.Inc()
	c.BDCSessionsCompleted.Inc()

	if v := counterValue(t, c.BDCSubPacketsReceived); v != 3 {
		t.Errorf("BDCSubPacketsReceived = %v, want 3", v)
	}
	if v := counterValue(t, c.BDCSessionsCompleted); v != 1 {
		t.Errorf("BDCSessionsCompleted = %v, want 1", v)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
