// Package poller runs the loop that keeps the gauges in step with upsd.
//
// The poller is Healthy until a poll fails, then Failing until one succeeds
// again. While Failing every gauge reads 0. An I/O failure additionally
// replaces the NUT connection; a protocol failure keeps it.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sweeney/ups-exporter/internal/nut"
	"github.com/sweeney/ups-exporter/internal/publisher"
)

// MinInterval is the shortest poll interval; shorter ones are raised to it.
const MinInterval = time.Second

// offlineGrace bounds the offline announcement sent on shutdown.
const offlineGrace = 2 * time.Second

// Gauges receives poll results. *metrics.Registry implements it.
type Gauges interface {
	Update(vars []nut.Variable)
	Reset()
}

// Config holds the poll target and cadence.
type Config struct {
	UPSName  string
	Interval time.Duration
}

// Option customises a Poller.
type Option func(*Poller)

// WithClock replaces the wall clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Poller) { p.clock = clock }
}

// WithPublisher mirrors every poll result to pub.
func WithPublisher(pub publisher.Publisher, cfg publisher.PublishConfig) Option {
	return func(p *Poller) {
		p.pub = pub
		p.pubCfg = cfg
	}
}

// Poller owns the NUT connection for its whole lifetime, including Close.
// Run must not be called concurrently with Tick.
type Poller struct {
	ups      string
	interval time.Duration
	conn     nut.Conn
	dial     nut.Dialer
	gauges   Gauges
	logger   *slog.Logger
	clock    clockwork.Clock
	pub      publisher.Publisher
	pubCfg   publisher.PublishConfig
	failing  bool
	grace    time.Duration
}

// New returns a Poller reading cfg.UPSName over conn. dial is used to replace
// conn after an I/O error.
func New(conn nut.Conn, dial nut.Dialer, gauges Gauges, cfg Config, logger *slog.Logger, opts ...Option) *Poller {
	interval := cfg.Interval
	if interval < MinInterval {
		interval = MinInterval
	}
	p := &Poller{
		ups:      cfg.UPSName,
		interval: interval,
		conn:     conn,
		dial:     dial,
		gauges:   gauges,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		grace:    offlineGrace,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Failing reports whether the last poll failed.
func (p *Poller) Failing() bool {
	return p.failing
}

// Run polls immediately and then on every interval boundary measured from the
// start, until ctx is cancelled. A poll that overruns its slot is not followed
// by a catch-up poll; the next one waits for the next boundary. On return the
// NUT connection has been closed.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Polling UPS", "ups", p.ups, "interval", p.interval)

	start := p.clock.Now()
	p.Tick(ctx)

	timer := p.clock.NewTimer(p.untilNext(start))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		case <-timer.Chan():
			p.Tick(ctx)
			timer.Reset(p.untilNext(start))
		}
	}
}

func (p *Poller) untilNext(start time.Time) time.Duration {
	now := p.clock.Now()
	return nextTick(start, now, p.interval).Sub(now)
}

// nextTick returns the first boundary start+k*interval strictly after now.
func nextTick(start, now time.Time, interval time.Duration) time.Time {
	elapsed := now.Sub(start)
	if elapsed < 0 {
		return start
	}
	return start.Add((elapsed/interval + 1) * interval)
}

// Tick performs one poll and applies its outcome.
func (p *Poller) Tick(ctx context.Context) {
	p.logger.Debug("Polling UPS...")
	vars, err := p.conn.ListVars(ctx, p.ups)
	if err == nil {
		p.gauges.Update(vars)
		p.logger.Debug("Metrics updated", "variables", len(vars))
		if p.failing {
			p.logger.Info("Connection with the UPS has been reestablished", "ups", p.ups)
			p.failing = false
		}
		p.mirror(ctx, vars)
		return
	}

	if ctx.Err() != nil {
		// Shutting down: the round trip was abandoned, not lost.
		p.logger.Debug("Poll abandoned", "err", err)
		return
	}

	p.logger.Warn("Failed to poll the UPS", "ups", p.ups, "err", err)
	p.gauges.Reset()
	p.logger.Debug("Reset gauges to zero because the UPS was unreachable")
	p.failing = true
	p.mirrorOffline(ctx)

	if nut.IsIO(err) {
		p.reconnect(ctx)
	}
}

// reconnect replaces the connection. A failed dial keeps the old one, which
// will fail again on the next tick and trigger another attempt.
func (p *Poller) reconnect(ctx context.Context) {
	p.logger.Debug("Attempting to recreate connection due to I/O error")
	conn, err := p.dial(ctx)
	if err != nil {
		p.logger.Error("Failed to recreate connection", "err", err)
		return
	}
	if err := p.conn.Close(); err != nil {
		p.logger.Debug("Closing stale connection failed", "err", err)
	}
	p.conn = conn
	p.logger.Debug("Connection recreated successfully")
}

// shutdown closes the connection and announces the UPS offline. The run
// context is already done, so the announcement gets its own short deadline.
func (p *Poller) shutdown() {
	p.logger.Info("Attempting graceful shutdown")
	if err := p.conn.Close(); err != nil {
		p.logger.Warn("Closing NUT connection failed", "err", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.grace)
	defer cancel()
	p.mirrorOffline(ctx)
}

// mirror publishes a poll result. A stalled broker holds the loop for at
// most one interval.
func (p *Poller) mirror(ctx context.Context, vars []nut.Variable) {
	if p.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	if err := publisher.PublishAll(ctx, vars, p.pubCfg, p.pub); err != nil {
		p.logger.Warn("Mirroring poll to MQTT failed", "err", err)
	}
}

func (p *Poller) mirrorOffline(ctx context.Context) {
	if p.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	if err := publisher.PublishOffline(ctx, p.pubCfg, p.pub); err != nil {
		p.logger.Warn("Publishing offline announcement failed", "err", err)
	}
}
