package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/peer"
	"github.com/vaultmesh/vaultmesh/internal/witness"
)

// Loop turns trigger events into sync sessions. Elevation, discovery,
// and desync events target one peer; health checks broadcast to every
// known peer. All of them run through the same coordinator, so every
// triggered sync is consented, audited, and timeout-bounded.
type Loop struct {
	coord     *Coordinator
	discovery peer.Discovery
	source    peer.TriggerSource
	ticker    *peer.Triggers // receives periodicHealthCheck emissions
	interval  time.Duration
	audit     *witness.Witness
	logger    *slog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithHealthInterval enables the periodic health check. Zero disables
// it.
func WithHealthInterval(d time.Duration) LoopOption {
	return func(l *Loop) { l.interval = d }
}

// WithLoopLogger sets the structured logger.
func WithLoopLogger(lg *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = lg }
}

// NewLoop builds a trigger loop. When the health interval is set,
// ticks are emitted into triggers and consumed like any other event;
// source is usually the same triggers instance.
func NewLoop(coord *Coordinator, discovery peer.Discovery, source peer.TriggerSource,
	triggers *peer.Triggers, audit *witness.Witness, opts ...LoopOption) *Loop {
	l := &Loop{
		coord:     coord,
		discovery: discovery,
		source:    source,
		ticker:    triggers,
		audit:     audit,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes trigger events until ctx is cancelled or the source
// closes.
func (l *Loop) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if l.interval > 0 && l.ticker != nil {
		t := time.NewTicker(l.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			l.ticker.Emit(peer.TriggerEvent{Kind: peer.TriggerHealthCheck, At: time.Now()})
		case ev, ok := <-l.source.Events():
			if !ok {
				return nil
			}
			l.handle(ctx, ev)
		}
	}
}

// handle resolves an event's targets and starts one session per
// target. Sessions run asynchronously; outcomes surface through the
// witness log and the logger.
func (l *Loop) handle(ctx context.Context, ev peer.TriggerEvent) {
	if l.audit != nil {
		if err := l.audit.Record(ctx, witness.TriggerFired(ev.Kind, ev.Target)); err != nil {
			l.logger.Warn("audit record failed", "err", err)
		}
	}

	targets, err := l.resolve(ctx, ev)
	if err != nil {
		l.logger.Warn("resolving trigger targets failed", "kind", ev.Kind, "err", err)
		return
	}
	if len(targets) == 0 {
		l.logger.Debug("trigger matched no peers", "kind", ev.Kind, "target", ev.Target)
		return
	}

	for _, addr := range targets {
		h, err := l.coord.StartSync(ctx, addr)
		if err != nil {
			if IsCode(err, ErrCodeBusy) {
				l.logger.Debug("peer already syncing", "peer", addr.InstanceID)
				continue
			}
			l.logger.Warn("starting session failed", "peer", addr.InstanceID, "err", err)
			continue
		}
		go func(h *Handle) {
			if res, err := h.Wait(context.WithoutCancel(ctx)); err != nil {
				l.logger.Warn("triggered session failed",
					"session", h.SessionID, "peer", h.Peer.InstanceID, "err", err)
			} else {
				l.logger.Debug("triggered session finished",
					"session", h.SessionID, "status", res.Status)
			}
		}(h)
	}
}

// resolve maps an event to peer addresses: the named target when set,
// otherwise every peer discovery knows about.
func (l *Loop) resolve(ctx context.Context, ev peer.TriggerEvent) ([]peer.PeerAddress, error) {
	peers, err := l.discovery.FindPeers(ctx, peer.Filter{})
	if err != nil {
		return nil, err
	}
	if ev.Target == "" {
		return peers, nil
	}
	for _, p := range peers {
		if p.InstanceID == ev.Target {
			return []peer.PeerAddress{p}, nil
		}
	}
	return nil, nil
}
