package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/metrics"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/pkg/dhcpv4"
)

// Server defaults.
const (
	DefaultMaxInFlight  = 64
	DefaultReapInterval = 5 * time.Second
)

// ErrServerClosed is returned by Serve after Stop.
var ErrServerClosed = errors.New("dhcp: server closed")

// ServerOptions configures the UDP dispatcher.
type ServerOptions struct {
	BindAddress  string       // default 0.0.0.0:67
	Interface    string       // bound with SO_BINDTODEVICE where supported
	MaxInFlight  int          // datagrams handled at once; extra ones are dropped
	ReplyAddr    *net.UDPAddr // default 255.255.255.255:68
	ReapInterval time.Duration
}

// Server is the core DHCPv4 UDP server.
type Server struct {
	handler *Handler
	opts    ServerOptions
	logger  *slog.Logger
	sem     *semaphore.Weighted

	mu      sync.Mutex
	conn    net.PacketConn
	stopped bool
	wg      sync.WaitGroup
}

// NewServer creates a new DHCP server.
func NewServer(handler *Handler, opts ServerOptions, logger *slog.Logger) *Server {
	if opts.BindAddress == "" {
		opts.BindAddress = fmt.Sprintf("0.0.0.0:%d", dhcpv4.ServerPort)
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.ReplyAddr == nil {
		opts.ReplyAddr = &net.UDPAddr{IP: dhcpv4.BroadcastIP, Port: dhcpv4.ClientPort}
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	return &Server{
		handler: handler,
		opts:    opts,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(opts.MaxInFlight)),
	}
}

// Start binds the UDP socket and serves it in the background. A bind
// failure is returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	conn, err := listenUDP(ctx, s.opts.BindAddress, s.opts.Interface)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.BindAddress, err)
	}

	s.logger.Info("DHCP server started",
		"address", conn.LocalAddr().String(),
		"interface", s.opts.Interface,
		"max_in_flight", s.opts.MaxInFlight)

	ready := make(chan struct{})
	go func() {
		if err := s.serve(ctx, conn, ready); err != nil && !errors.Is(err, ErrServerClosed) {
			s.logger.Error("DHCP server stopped unexpectedly", "error", err)
		}
	}()
	<-ready
	return nil
}

// Serve reads datagrams from conn until Stop is called or ctx is done.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	return s.serve(ctx, conn, nil)
}

func (s *Server) serve(ctx context.Context, conn net.PacketConn, ready chan<- struct{}) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		if ready != nil {
			close(ready)
		}
		return ErrServerClosed
	}
	s.conn = conn
	s.wg.Add(2) // receive loop and reaper
	s.mu.Unlock()
	if ready != nil {
		close(ready)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.reap(loopCtx)

	// Cancelling ctx unblocks the pending read
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	// The socket stays open until every worker has written its reply
	var workers sync.WaitGroup
	defer func() {
		workers.Wait()
		conn.Close()
		s.wg.Done()
	}()
	for {
		buf := GetBuffer()
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			PutBuffer(buf)
			if s.isStopped() || ctx.Err() != nil {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("reading UDP packet", "error", err)
			continue
		}

		if !s.sem.TryAcquire(1) {
			PutBuffer(buf)
			metrics.PacketsDropped.WithLabelValues("backpressure").Inc()
			s.logger.Debug("all workers busy, dropping datagram",
				"src", src.String(),
				"size", n)
			continue
		}

		workers.Add(1)
		metrics.WorkersInFlight.Inc()
		go func(data []byte, length int, addr net.Addr) {
			defer workers.Done()
			defer s.sem.Release(1)
			defer metrics.WorkersInFlight.Dec()
			defer PutBuffer(data)

			// A started worker runs to completion even if the server stops
			s.processPacket(context.WithoutCancel(ctx), conn, data[:length], addr)
		}(buf, n, src)
	}
}

// reap returns expired offers to the pool until ctx is done.
func (s *Server) reap(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.handler.ExpireOffers(now)
		}
	}
}

// processPacket handles a single DHCP packet.
func (s *Server) processPacket(ctx context.Context, conn net.PacketConn, data []byte, src net.Addr) {
	pkt, err := DecodePacket(data)
	if err != nil {
		metrics.PacketErrors.WithLabelValues("decode").Inc()
		s.logger.Warn("dropping malformed packet",
			"error", err,
			"src", src.String(),
			"size", len(data))
		return
	}

	// Validate it's a BOOTREQUEST
	if pkt.Op != dhcpv4.OpCodeBootRequest {
		return
	}

	msgType := pkt.MessageType().String()
	metrics.PacketsReceived.WithLabelValues(msgType).Inc()
	start := time.Now()

	reply, err := s.handler.HandlePacket(ctx, pkt)

	metrics.PacketProcessingDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.PacketErrors.WithLabelValues("handler").Inc()
		level := slog.LevelError
		if errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrUnsupportedMessage) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "handling DHCP packet",
			"error", err,
			"mac", pkt.CHAddr.String(),
			"msg_type", msgType)
		return
	}

	if reply == nil {
		return // No response needed
	}

	replyBytes, err := reply.Encode()
	if err != nil {
		metrics.PacketErrors.WithLabelValues("encode").Inc()
		s.logger.Error("encoding reply",
			"error", err,
			"mac", pkt.CHAddr.String())
		return
	}

	if _, err := conn.WriteTo(replyBytes, s.opts.ReplyAddr); err != nil {
		metrics.PacketErrors.WithLabelValues("send").Inc()
		s.logger.Error("sending reply",
			"error", err,
			"dst", s.opts.ReplyAddr.String(),
			"mac", pkt.CHAddr.String())
		return
	}
	metrics.PacketsSent.WithLabelValues(reply.MessageType().String()).Inc()
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop stops reading new datagrams and waits for in-flight workers to send
// their replies. The socket is closed once the last one is done.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.conn != nil {
		s.conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("DHCP server stopped")
}

// Handler returns the packet handler.
func (s *Server) Handler() *Handler {
	return s.handler
}
