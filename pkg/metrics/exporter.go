package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/downfa11-org/seglog/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(EntriesAppended, SegmentRotations, SegmentsPruned, PruneDeferred, Segments)
	prometheus.MustRegister(OpenCursors, PooledReaders, ScanDistance, FlushLatency, MembershipChanges)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsServer serves /metrics until closed.
type MetricsServer struct {
	srv *http.Server
	ln  net.Listener
}

// StartMetricsServer binds the given port and serves /metrics in the
// background. Port 0 picks a free port.
func StartMetricsServer(port int) (*MetricsServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		util.Error("Failed to start metrics server: %v", err)
		return nil, fmt.Errorf("listen metrics port %d: %w", port, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	s := &MetricsServer{srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}, ln: ln}

	util.Info("Prometheus exporter listening on %s", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Error("Metrics server stopped: %v", err)
		}
	}()
	return s, nil
}

// Addr is the bound listen address.
func (s *MetricsServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *MetricsServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// ObserveFlush records a flush duration in seconds.
func ObserveFlush(elapsedSeconds float64) {
	FlushLatency.Observe(elapsedSeconds)
}
