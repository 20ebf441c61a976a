package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	// promauto registers automatically, so write a value to every
	// collector and read a few back.
	PacketsReceived.WithLabelValues("DHCPDISCOVER").Inc()
	PacketsSent.WithLabelValues("DHCPOFFER").Inc()
	PacketErrors.WithLabelValues("decode").Inc()
	PacketsDropped.WithLabelValues("backpressure").Inc()
	PacketProcessingDuration.WithLabelValues("DHCPDISCOVER").Observe(0.001)
	WorkersInFlight.Set(2)
	LeaseOperations.WithLabelValues("offer").Inc()
	LeasesActive.Set(42)
	LeasesOffered.Set(3)
	PoolAvailable.Set(200)
	PoolExhausted.Inc()
	ConflictProbes.WithLabelValues("icmp_probe", "clear").Inc()
	ConflictProbeDuration.WithLabelValues("icmp_probe").Observe(0.2)
	ServerStartTime.SetToCurrentTime()
	ServerInfo.WithLabelValues("dev").Set(1)

	if got := testutil.ToFloat64(LeasesActive); got != 42 {
		t.Errorf("LeasesActive = %v, want 42", got)
	}
	if got := testutil.ToFloat64(PoolAvailable); got != 200 {
		t.Errorf("PoolAvailable = %v, want 200", got)
	}
	if got := testutil.ToFloat64(PacketsDropped.WithLabelValues("backpressure")); got < 1 {
		t.Errorf("PacketsDropped{backpressure} = %v, want >= 1", got)
	}
	if got := testutil.ToFloat64(WorkersInFlight); got != 2 {
		t.Errorf("WorkersInFlight = %v, want 2", got)
	}
}

func TestMetricsNamespace(t *testing.T) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	for _, mf := range mfs {
		name := mf.GetName()
		// Skip standard go_* and process_* and promhttp_* metrics
		if strings.HasPrefix(name, "go_") ||
			strings.HasPrefix(name, "process_") ||
			strings.HasPrefix(name, "promhttp_") {
			continue
		}
		if !strings.HasPrefix(name, "kestrel_dhcpd_") {
			t.Errorf("metric %q does not have kestrel_dhcpd_ prefix", name)
		}
	}
}

func TestServerExposesMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer("127.0.0.1:0", logger)
	ln, err := s.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	PoolExhausted.Inc()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "kestrel_dhcpd_pool_exhausted_total") {
		t.Error("metrics output missing kestrel_dhcpd_pool_exhausted_total")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v after Stop", err)
	}
}
