// Package conflict checks whether a candidate address already answers on
// the network before it is offered.
//
// A probe is best effort: a reply proves the address is in use, but silence
// within the time budget does not prove that it is free. Hosts that drop
// ICMP are invisible to it.
package conflict

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/metrics"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/pkg/dhcpv4"
)

// DefaultProbeTimeout is the time budget of one probe.
const DefaultProbeTimeout = 200 * time.Millisecond

// Prober sends one liveness check to an address. It returns true when some
// host replied before ctx expired.
type Prober interface {
	Probe(ctx context.Context, ip net.IP) (conflict bool, err error)
}

// Detector bounds a Prober with a fixed timeout and records the outcome.
type Detector struct {
	prober  Prober
	method  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewDetector wraps prober. A nil prober disables probing, and every address
// is then reported available. method labels the metrics.
func NewDetector(prober Prober, method string, timeout time.Duration, logger *slog.Logger) *Detector {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Detector{
		prober:  prober,
		method:  method,
		timeout: timeout,
		logger:  logger,
	}
}

// Available probes ip and reports false only when a reply arrived within
// the timeout. Probe errors are logged and treated as available.
func (d *Detector) Available(ctx context.Context, ip net.IP) bool {
	if d == nil || d.prober == nil {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	conflict, err := d.prober.Probe(probeCtx, ip)
	duration := time.Since(start)
	metrics.ConflictProbeDuration.WithLabelValues(d.method).Observe(duration.Seconds())

	switch {
	case err != nil:
		metrics.ConflictProbes.WithLabelValues(d.method, "error").Inc()
		d.logger.Error("probe error, assuming clear",
			"ip", ip.String(),
			"method", d.method,
			"error", err,
			"duration", duration.String())
		return true
	case conflict:
		metrics.ConflictProbes.WithLabelValues(d.method, "conflict").Inc()
		d.logger.Warn("IP conflict detected",
			"ip", ip.String(),
			"method", d.method,
			"duration", duration.String())
		return false
	default:
		metrics.ConflictProbes.WithLabelValues(d.method, "clear").Inc()
		d.logger.Debug("IP clear after probe",
			"ip", ip.String(),
			"method", d.method,
			"duration", duration.String())
		return true
	}
}

// NewFromMethod builds the detector for a configured method name:
// "icmp", "ping" or "none".
func NewFromMethod(method string, privileged bool, timeout time.Duration, logger *slog.Logger) *Detector {
	switch method {
	case "icmp":
		p := NewICMPProber(logger)
		if !p.Available() {
			return NewDetector(nil, dhcpv4.DetectionICMPProbe, timeout, logger)
		}
		return NewDetector(p, dhcpv4.DetectionICMPProbe, timeout, logger)
	case "ping":
		return NewDetector(NewPingProber(privileged, logger), dhcpv4.DetectionPing, timeout, logger)
	default:
		logger.Warn("conflict detection disabled")
		return NewDetector(nil, "none", timeout, logger)
	}
}
