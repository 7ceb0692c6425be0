package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/bavix/devpair/internal/metrics"
)

const (
	readBufferSize       = 9000
	defaultQueryInterval = time.Second
	defaultRestartDelay  = 2 * time.Second
)

// PacketConn is the subset of a multicast socket the watcher needs.
type PacketConn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// ListenFunc opens a socket joined to the mDNS group on iface (nil means
// the system default) and returns the group address to query.
type ListenFunc func(ctx context.Context, iface *net.Interface) (PacketConn, net.Addr, error)

// Config tunes the watcher.
type Config struct {
	Service       string
	Interface     string
	QueryInterval time.Duration
	RestartDelay  time.Duration
}

// Watcher emits an Event for every usable response to its periodic query.
type Watcher struct {
	cfg    Config
	emit   func(Event)
	listen ListenFunc
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithListener replaces the multicast socket factory.
func WithListener(l ListenFunc) Option {
	return func(w *Watcher) { w.listen = l }
}

// New creates a watcher. emit must not block.
func New(cfg Config, emit func(Event), opts ...Option) *Watcher {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}

	if cfg.QueryInterval <= 0 {
		cfg.QueryInterval = defaultQueryInterval
	}

	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}

	w := &Watcher{cfg: cfg, emit: emit, listen: ListenMulticast}
	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Run blocks until ctx is done. A failure to open the first subscription
// is returned; later failures restart the subscription after RestartDelay.
func (w *Watcher) Run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx).With().Str("component", "discovery").Logger()

	iface, err := ResolveInterface(w.cfg.Interface)
	if err != nil {
		return fmt.Errorf("discovery interface: %w", err)
	}

	query, err := Query(w.cfg.Service)
	if err != nil {
		return fmt.Errorf("build mdns query: %w", err)
	}

	started := false

	for {
		pc, group, err := w.listen(ctx, iface)
		if err != nil {
			if !started {
				return fmt.Errorf("open mdns subscription: %w", err)
			}

			logger.Warn().Err(err).Msg("mdns subscription reopen failed")
		} else {
			started = true

			logger.Info().Str("service", w.cfg.Service).Msg("mdns discovery started")

			err = w.serve(ctx, &logger, pc, group, query)
			_ = pc.Close()

			if ctx.Err() != nil {
				return nil
			}

			logger.Warn().Err(err).Dur("delay", w.cfg.RestartDelay).Msg("mdns subscription lost, restarting")
		}

		metrics.M.DiscoveryRestart.Inc()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.RestartDelay):
		}
	}
}

func (w *Watcher) serve(ctx context.Context, logger *zerolog.Logger, pc PacketConn, group net.Addr, query []byte) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = pc.Close()
		case <-done:
		}
	}()

	buf := make([]byte, readBufferSize)
	next := time.Now()

	for {
		if now := time.Now(); !now.Before(next) {
			if _, err := pc.WriteTo(query, group); err != nil {
				logger.Debug().Err(err).Msg("mdns query send failed")
			}

			next = now.Add(w.cfg.QueryInterval)
		}

		if err := pc.SetReadDeadline(next); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, src, err := pc.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		w.handle(logger, buf[:n], src)
	}
}

func (w *Watcher) handle(logger *zerolog.Logger, packet []byte, src net.Addr) {
	var msg dns.Msg
	if err := msg.Unpack(packet); err != nil {
		logger.Trace().Err(err).Msg("undecodable mdns packet")

		return
	}

	if !msg.Response {
		return
	}

	ev, reason, ok := ParseResponse(&msg, w.cfg.Service)
	if !ok {
		// Responses for other services carry no address or no id; only
		// count those that mention ours.
		if mentions(&msg, w.cfg.Service) {
			metrics.M.DiscoveryDropped.Inc()
			logger.Warn().Str("reason", reason).Stringer("src", addrStringer{src}).Msg("unusable mdns record")
		}

		return
	}

	metrics.M.DiscoveryAccepted.Inc()
	logger.Debug().Str("hw_id", ev.HardwareID).Stringer("addr", ev.Addr).Msg("device discovered")

	w.emit(ev)
}

func mentions(msg *dns.Msg, service string) bool {
	service = dns.Fqdn(service)

	for _, rr := range records(msg) {
		if dns.IsSubDomain(service, rr.Header().Name) {
			return true
		}
	}

	return false
}

type addrStringer struct{ net.Addr }

func (a addrStringer) String() string {
	if a.Addr == nil {
		return ""
	}

	return a.Addr.String()
}
