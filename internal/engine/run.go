package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run drives background work until ctx ends: it applies queue events to
// statuses, drains the queue on reconnect, on a timer and on request, runs
// the presence prober if there is one, and purges expired snapshots. On the
// way out it makes one bounded Flush attempt if the remote is reachable.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		"drain_interval", e.drainInterval,
		"purge_interval", e.purgeInterval,
		"online", e.presence.Online())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(e.status.Follow(gctx, e.events))
	})
	if p, ok := e.presence.(interface{ Run(context.Context) error }); ok {
		g.Go(func() error { return ignoreCanceled(p.Run(gctx)) })
	}
	g.Go(func() error { return e.drainLoop(gctx) })
	g.Go(func() error { return e.purgeLoop(gctx) })

	err := g.Wait()

	if e.presence.Online() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		if rep, ferr := e.Flush(fctx); ferr != nil {
			e.logger.Warn("flush on shutdown failed", "error", ferr)
		} else if rep.Attempted > 0 {
			e.logger.Info("flushed queue on shutdown", "drained", rep.Drained, "remaining", rep.Remaining)
		}
	}
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.drainInterval)
	defer ticker.Stop()
	changes := e.presence.Changes()

	// Catch up on anything queued by a previous run.
	if e.presence.Online() {
		e.drainNow(ctx, "startup")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case online := <-changes:
			if online {
				e.drainNow(ctx, "reconnect")
			}
		case <-ticker.C:
			e.reportContention()
			if e.presence.Online() {
				e.drainNow(ctx, "timer")
			}
		case <-e.kick:
			if e.presence.Online() {
				e.drainNow(ctx, "request")
			}
		}
	}
}

func (e *Engine) drainNow(ctx context.Context, reason string) {
	rep, err := e.Drain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("drain failed", "reason", reason, "error", err)
		}
		return
	}
	if rep.Attempted > 0 {
		e.logger.Debug("drain pass", "reason", reason, "drained", rep.Drained, "remaining", rep.Remaining)
	}
}

// reportContention logs every key whose lock wait queue is at or above
// contentionWarnDepth.
func (e *Engine) reportContention() {
	for key, depth := range e.locks.Stats() {
		if depth >= contentionWarnDepth {
			e.logger.Warn("key lock contended", "key", key, "waiters", depth)
		}
	}
}

func (e *Engine) purgeLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := e.snapshots.Purge(ctx)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("snapshot purge failed", "error", err)
				}
				continue
			}
			if n > 0 {
				e.logger.Info("purged expired snapshots", "count", n)
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
