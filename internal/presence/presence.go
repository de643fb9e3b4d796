// Package presence reports whether the remote is reachable.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/docsync/internal/remote"
)

// DefaultInterval is the probe period.
const DefaultInterval = 10 * time.Second

// Signal is a network presence source.
type Signal interface {
	Online() bool
	// Changes delivers the new value on every transition. Values may be
	// coalesced if the receiver falls behind; the last value always arrives.
	Changes() <-chan bool
}

// notifier holds the current value and a size-1 change channel.
type notifier struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

func newNotifier(online bool) notifier {
	return notifier{online: online, changes: make(chan bool, 1)}
}

func (n *notifier) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *notifier) Changes() <-chan bool {
	return n.changes
}

// set updates the value and reports whether it changed.
func (n *notifier) set(online bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.online == online {
		return false
	}
	n.online = online
	// Replace any undelivered value so the receiver sees the latest.
	select {
	case <-n.changes:
	default:
	}
	n.changes <- online
	return true
}

// Manual is a Signal set by hand.
type Manual struct {
	notifier
}

// NewManual returns a manual signal with the given initial value.
func NewManual(online bool) *Manual {
	return &Manual{notifier: newNotifier(online)}
}

// Set changes the value.
func (m *Manual) Set(online bool) {
	m.set(online)
}

// Prober derives presence from periodic pings.
type Prober struct {
	notifier
	pinger   remote.Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// ProberOptions configures a Prober.
type ProberOptions struct {
	Interval time.Duration
	// Timeout bounds one ping. Defaults to Interval.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewProber creates a prober. It reports offline until the first ping succeeds.
func NewProber(p remote.Pinger, opts ProberOptions) *Prober {
	pr := &Prober{
		notifier: newNotifier(false),
		pinger:   p,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
	}
	if pr.interval <= 0 {
		pr.interval = DefaultInterval
	}
	if pr.timeout <= 0 {
		pr.timeout = pr.interval
	}
	if pr.logger == nil {
		pr.logger = slog.Default()
	}
	return pr
}

// Probe pings once and updates the signal.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.pinger.Ping(ctx)
	online := err == nil
	if p.set(online) {
		if online {
			p.logger.Info("remote reachable")
		} else {
			p.logger.Warn("remote unreachable", "error", err)
		}
	}
	return online
}

// Run probes immediately and then every interval until ctx ends.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Always is a Signal that is permanently online.
type Always struct{}

func (Always) Online() bool { return true }

// Changes never delivers.
func (Always) Changes() <-chan bool { return nil }
