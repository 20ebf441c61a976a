package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-ping/ping"
)

// PingProber probes with github.com/go-ping/ping. Unlike ICMPProber it can
// run unprivileged over UDP ICMP sockets where the kernel allows it.
type PingProber struct {
	logger     *slog.Logger
	privileged bool
}

// NewPingProber creates a prober that sends one echo per probe.
func NewPingProber(privileged bool, logger *slog.Logger) *PingProber {
	return &PingProber{logger: logger, privileged: privileged}
}

// Probe sends one echo to target and waits until ctx expires.
func (p *PingProber) Probe(ctx context.Context, target net.IP) (bool, error) {
	pinger, err := ping.NewPinger(target.String())
	if err != nil {
		return false, fmt.Errorf("creating pinger for %s: %w", target, err)
	}

	timeout := DefaultProbeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return false, nil
	}

	pinger.SetPrivileged(p.privileged)
	pinger.Count = 1
	pinger.Timeout = timeout

	var replied atomic.Bool
	pinger.OnRecv = func(_ *ping.Packet) {
		replied.Store(true)
	}

	stop := context.AfterFunc(ctx, pinger.Stop)
	defer stop()

	if err := pinger.Run(); err != nil {
		return false, fmt.Errorf("pinging %s: %w", target, err)
	}

	if replied.Load() {
		p.logger.Debug("ping reply received", "ip", target.String())
		return true, nil
	}
	return false, nil
}
