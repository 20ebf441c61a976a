package conflict

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProber struct {
	conflict bool
	err      error
	block    bool
	deadline time.Time
	calls    int
}

func (f *fakeProber) Probe(ctx context.Context, _ net.IP) (bool, error) {
	f.calls++
	f.deadline, _ = ctx.Deadline()
	if f.block {
		<-ctx.Done()
		return false, nil
	}
	return f.conflict, f.err
}

func TestDetectorAvailable(t *testing.T) {
	tests := []struct {
		name   string
		prober *fakeProber
		want   bool
		result string
	}{
		{"clear", &fakeProber{}, true, "clear"},
		{"conflict", &fakeProber{conflict: true}, false, "conflict"},
		{"error counts as available", &fakeProber{err: errors.New("no route")}, true, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := "fake_" + tt.result
			before := testutil.ToFloat64(metrics.ConflictProbes.WithLabelValues(method, tt.result))

			d := NewDetector(tt.prober, method, 50*time.Millisecond, testLogger())
			if got := d.Available(context.Background(), net.IPv4(10, 0, 0, 5)); got != tt.want {
				t.Errorf("Available() = %v, want %v", got, tt.want)
			}
			if tt.prober.calls != 1 {
				t.Errorf("prober called %d times, want 1", tt.prober.calls)
			}

			after := testutil.ToFloat64(metrics.ConflictProbes.WithLabelValues(method, tt.result))
			if after != before+1 {
				t.Errorf("conflict_probes_total{result=%q} = %v, want %v", tt.result, after, before+1)
			}
		})
	}
}

func TestDetectorBoundsProbe(t *testing.T) {
	p := &fakeProber{block: true}
	d := NewDetector(p, "fake", 30*time.Millisecond, testLogger())

	start := time.Now()
	if !d.Available(context.Background(), net.IPv4(10, 0, 0, 5)) {
		t.Error("silent probe should report available")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("probe took %s, want about 30ms", elapsed)
	}
	if p.deadline.IsZero() {
		t.Error("probe context had no deadline")
	}
}

func TestDetectorDefaultTimeout(t *testing.T) {
	d := NewDetector(&fakeProber{}, "fake", 0, testLogger())
	if d.timeout != DefaultProbeTimeout {
		t.Errorf("timeout = %s, want %s", d.timeout, DefaultProbeTimeout)
	}
}

func TestDetectorDisabled(t *testing.T) {
	d := NewDetector(nil, "none", time.Second, testLogger())
	if !d.Available(context.Background(), net.IPv4(10, 0, 0, 5)) {
		t.Error("detector without prober should report available")
	}

	var nilDetector *Detector
	if !nilDetector.Available(context.Background(), net.IPv4(10, 0, 0, 5)) {
		t.Error("nil detector should report available")
	}
}

func TestNewFromMethodNone(t *testing.T) {
	d := NewFromMethod("none", false, 0, testLogger())
	if d.prober != nil {
		t.Errorf("method none built prober %T", d.prober)
	}
}

func TestNewFromMethodPing(t *testing.T) {
	d := NewFromMethod("ping", false, 0, testLogger())
	if _, ok := d.prober.(*PingProber); !ok {
		t.Errorf("method ping built prober %T, want *PingProber", d.prober)
	}
}
