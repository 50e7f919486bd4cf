package metrics_test

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/downfa11-org/seglog/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func getHistogramCount(h prometheus.Histogram) uint64 {
	m := &dto.Metric{}
	_ = h.Write(m)
	return m.GetHistogram().GetSampleCount()
}

func TestObserveFlush(t *testing.T) {
	initial := getHistogramCount(metrics.FlushLatency)

	metrics.ObserveFlush(0.002)
	metrics.ObserveFlush(0.5)

	if got := getHistogramCount(metrics.FlushLatency); got != initial+2 {
		t.Fatalf("FlushLatency count expected %v, got %v", initial+2, got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	metrics.MembershipChanges.Inc()
	if getCounterValue(metrics.MembershipChanges) < 1 {
		t.Fatalf("MembershipChanges not incremented")
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{
		"seglog_entries_appended_total",
		"seglog_segments",
		"seglog_flush_latency_seconds",
		"seglog_membership_changes_total",
		"seglog_scan_distance_entries",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metric %s missing from exporter output", name)
		}
	}
}

func TestStartMetricsServer(t *testing.T) {
	srv, err := metrics.StartMetricsServer(0)
	if err != nil {
		t.Fatalf("start metrics server: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "seglog_segments") {
		t.Errorf("scrape missing seglog_segments")
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("close metrics server: %v", err)
	}
	if _, err := http.Get("http://" + srv.Addr() + "/metrics"); err == nil {
		t.Errorf("metrics server still serving after close")
	}
}

func TestStartMetricsServerPortInUse(t *testing.T) {
	srv, err := metrics.StartMetricsServer(0)
	if err != nil {
		t.Fatalf("start metrics server: %v", err)
	}
	defer srv.Close()

	_, port, _ := net.SplitHostPort(srv.Addr())
	p, _ := strconv.Atoi(port)
	if _, err := metrics.StartMetricsServer(p); err == nil {
		t.Errorf("expected error binding a port in use")
	}
}
