package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/merge"
	"github.com/vaultmesh/vaultmesh/internal/peer"
	"github.com/vaultmesh/vaultmesh/internal/store"
	"github.com/vaultmesh/vaultmesh/internal/vault"
	"github.com/vaultmesh/vaultmesh/internal/witness"
)

// Phase is a step of the sync protocol.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseDiscovering         Phase = "discovering"
	PhaseAwaitingConsent     Phase = "awaiting_consent"
	PhaseExchangingInventory Phase = "exchanging_inventory"
	PhaseTransferringContent Phase = "transferring_content"
	PhaseMerging             Phase = "merging"
	PhaseConfirming          Phase = "confirming"
	PhaseCancelled           Phase = "cancelled"
)

// Cancellation reasons and completion statuses, recorded in the
// witness log.
const (
	ReasonConsentDeclined = "consent_declined"
	ReasonTransferFailed  = "transfer_failed"

	StatusMerged        = "merged"
	StatusAlreadySynced = "already_synced"
)

// Timeouts computes the per-session deadline: base plus an increment
// per transferred entry, capped.
type Timeouts struct {
	Base     time.Duration
	PerEntry time.Duration
	Cap      time.Duration
}

// DefaultTimeouts matches interactive sync expectations: small syncs
// finish inside the base window, bulk catch-ups get more headroom.
var DefaultTimeouts = Timeouts{
	Base:     30 * time.Second,
	PerEntry: 10 * time.Millisecond,
	Cap:      5 * time.Minute,
}

// For computes the deadline for a transfer of n entries.
func (t Timeouts) For(n int) time.Duration {
	d := t.Base + time.Duration(n)*t.PerEntry
	if d > t.Cap {
		return t.Cap
	}
	return d
}

// Result is the outcome of one session.
type Result struct {
	SessionID         string
	Peer              string
	Status            string // merged, already_synced, or empty when cancelled
	Reason            string // cancellation reason, empty on success
	EntriesMerged     int
	ConflictsRecorded int
	InventoryDigest   string
}

// Handle tracks a running session.
type Handle struct {
	SessionID string
	Peer      peer.PeerAddress

	mu     sync.Mutex
	phase  Phase
	result Result
	err    error
	done   chan struct{}
}

// Phase returns the session's current phase.
func (h *Handle) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

func (h *Handle) setPhase(p Phase) {
	h.mu.Lock()
	h.phase = p
	h.mu.Unlock()
}

// Wait blocks until the session finishes or ctx expires.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Coordinator runs sync sessions against peers. Sessions against
// distinct peers run concurrently; a second session against a peer
// that already has one running is refused.
type Coordinator struct {
	store     *store.Store
	engine    *merge.Engine
	transport peer.Transport
	consent   peer.Consent
	audit     *witness.Witness
	ids       Generator
	timeouts  Timeouts
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*Handle // keyed by peer address
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithConsent sets the local consent policy. Default allows everything.
func WithConsent(c peer.Consent) CoordinatorOption {
	return func(co *Coordinator) { co.consent = c }
}

// WithGenerator sets the session id generator.
func WithGenerator(g Generator) CoordinatorOption {
	return func(co *Coordinator) { co.ids = g }
}

// WithTimeouts overrides the session deadline computation.
func WithTimeouts(t Timeouts) CoordinatorOption {
	return func(co *Coordinator) { co.timeouts = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(co *Coordinator) { co.logger = l }
}

// NewCoordinator creates a session coordinator.
func NewCoordinator(st *store.Store, eng *merge.Engine, tr peer.Transport, audit *witness.Witness, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     st,
		engine:    eng,
		transport: tr,
		consent:   peer.AllowAll{},
		audit:     audit,
		ids:       UUIDv7Generator{},
		timeouts:  DefaultTimeouts,
		logger:    slog.Default(),
		active:    map[string]*Handle{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartSync begins a session against the peer and returns immediately.
// The session runs in its own goroutine; use Handle.Wait for the
// outcome.
func (c *Coordinator) StartSync(ctx context.Context, addr peer.PeerAddress) (*Handle, error) {
	c.mu.Lock()
	if existing, busy := c.active[addr.Addr]; busy {
		c.mu.Unlock()
		return nil, &Error{
			Code:      ErrCodeBusy,
			Message:   "session already running against peer",
			SessionID: existing.SessionID,
			Peer:      addr.InstanceID,
			Phase:     existing.Phase(),
		}
	}
	h := &Handle{
		SessionID: c.ids.Generate(),
		Peer:      addr,
		phase:     PhaseDiscovering,
		done:      make(chan struct{}),
	}
	c.active[addr.Addr] = h
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.active, addr.Addr)
			c.mu.Unlock()
			close(h.done)
		}()
		c.run(ctx, h)
	}()
	return h, nil
}

// run executes the phase machine for one session.
func (c *Coordinator) run(ctx context.Context, h *Handle) {
	res := Result{SessionID: h.SessionID, Peer: h.Peer.InstanceID}
	log := c.logger.With("session", h.SessionID, "peer", h.Peer.InstanceID)

	c.record(ctx, witness.SyncStarted(h.SessionID, h.Peer.InstanceID))

	fail := func(phase Phase, code ErrorCode, reason string, cause error) {
		h.setPhase(PhaseCancelled)
		res.Reason = reason
		c.record(ctx, witness.SyncCancelled(h.SessionID, h.Peer.InstanceID, reason))
		log.Warn("session cancelled", "phase", phase, "reason", reason, "err", cause)
		h.mu.Lock()
		h.result = res
		h.err = &Error{
			Code: code, Message: reason,
			SessionID: h.SessionID, Peer: h.Peer.InstanceID, Phase: phase, Err: cause,
		}
		h.mu.Unlock()
	}

	confirm := func(status string) {
		h.setPhase(PhaseConfirming)
		res.Status = status
		c.record(ctx, witness.SyncCompleted(h.SessionID, h.Peer.InstanceID, status,
			res.EntriesMerged, res.ConflictsRecorded, res.InventoryDigest))
		log.Info("session completed", "status", status,
			"entries_merged", res.EntriesMerged, "conflicts", res.ConflictsRecorded)
		h.mu.Lock()
		h.result = res
		h.mu.Unlock()
		h.setPhase(PhaseIdle)
	}

	// Consent, local side first.
	h.setPhase(PhaseAwaitingConsent)
	decision, err := c.consent.CheckConsent(ctx, peer.Intent{
		SessionID: h.SessionID,
		Initiator: c.store.InstanceID(),
		Peer:      h.Peer.InstanceID,
	})
	if err != nil {
		fail(PhaseAwaitingConsent, ErrCodeTransferFailed, ReasonTransferFailed, err)
		return
	}
	if !decision.Allow {
		c.record(ctx, witness.ConsentDeclined(h.SessionID, h.Peer.InstanceID))
		fail(PhaseAwaitingConsent, ErrCodeConsentDeclined, ReasonConsentDeclined,
			fmt.Errorf("local policy: %s", decision.Reason))
		return
	}

	localInv, err := c.store.ScanInventory(ctx)
	if err != nil {
		fail(PhaseAwaitingConsent, ErrCodeTransferFailed, ReasonTransferFailed, err)
		return
	}
	localDigest, err := localInv.Digest()
	if err != nil {
		fail(PhaseAwaitingConsent, ErrCodeTransferFailed, ReasonTransferFailed, err)
		return
	}

	// Hello carries the remote side's consent decision back.
	hello, err := c.hello(ctx, h, localDigest)
	if err != nil {
		fail(PhaseAwaitingConsent, ErrCodeTransferFailed, ReasonTransferFailed, err)
		return
	}
	if !hello.Accepted {
		c.record(ctx, witness.ConsentDeclined(h.SessionID, h.Peer.InstanceID))
		fail(PhaseAwaitingConsent, ErrCodeConsentDeclined, ReasonConsentDeclined,
			fmt.Errorf("peer declined: %s", hello.Reason))
		return
	}
	if hello.AlreadySynced {
		res.InventoryDigest = localDigest
		confirm(StatusAlreadySynced)
		return
	}

	// Inventory exchange and diff.
	h.setPhase(PhaseExchangingInventory)
	remoteInv, err := c.fetchInventory(ctx, h)
	if err != nil {
		fail(PhaseExchangingInventory, ErrCodeTransferFailed, ReasonTransferFailed, err)
		return
	}
	delta := merge.Diff(localInv, remoteInv)
	if delta.Empty() {
		res.InventoryDigest = localDigest
		confirm(StatusAlreadySynced)
		return
	}

	// Transfer and merge run under the computed deadline.
	deadline := c.timeouts.For(delta.HashCount())
	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	h.setPhase(PhaseTransferringContent)
	entries, err := c.fetchEntries(tctx, h, delta)
	if err != nil {
		fail(PhaseTransferringContent, timeoutCode(err), ReasonTransferFailed, err)
		return
	}

	h.setPhase(PhaseMerging)
	applied, err := c.engine.Apply(tctx, entries)
	if err != nil {
		fail(PhaseMerging, timeoutCode(err), ReasonTransferFailed, err)
		return
	}
	res.EntriesMerged = applied.EntriesMerged
	res.ConflictsRecorded = applied.ConflictsRecorded
	res.InventoryDigest = applied.InventoryDigest

	confirm(StatusMerged)
}

// timeoutCode distinguishes a blown deadline from other transfer
// failures; both cancel the session with reason transfer_failed.
func timeoutCode(err error) ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	return ErrCodeTransferFailed
}

func (c *Coordinator) hello(ctx context.Context, h *Handle, digest string) (peer.HelloResponse, error) {
	var resp peer.HelloResponse
	msg, err := peer.NewMessage(peer.KindHello, c.store.InstanceID(), peer.HelloRequest{
		Version:         peer.ProtocolVersion,
		SessionID:       h.SessionID,
		InventoryDigest: digest,
	})
	if err != nil {
		return resp, err
	}
	reply, err := c.transport.Request(ctx, h.Peer, msg)
	if err != nil {
		return resp, err
	}
	err = reply.DecodeBody(peer.KindHello, &resp)
	return resp, err
}

func (c *Coordinator) fetchInventory(ctx context.Context, h *Handle) (vault.Inventory, error) {
	msg, err := peer.NewMessage(peer.KindInventory, c.store.InstanceID(),
		peer.InventoryRequest{SessionID: h.SessionID})
	if err != nil {
		return nil, err
	}
	reply, err := c.transport.Request(ctx, h.Peer, msg)
	if err != nil {
		return nil, err
	}
	var resp peer.InventoryResponse
	if err := reply.DecodeBody(peer.KindInventory, &resp); err != nil {
		return nil, err
	}
	return resp.Inventory, nil
}

func (c *Coordinator) fetchEntries(ctx context.Context, h *Handle, delta merge.Delta) ([]vault.LogEntry, error) {
	msg, err := peer.NewMessage(peer.KindEntries, c.store.InstanceID(),
		peer.EntriesRequest{SessionID: h.SessionID, Missing: delta.Missing})
	if err != nil {
		return nil, err
	}
	reply, err := c.transport.Request(ctx, h.Peer, msg)
	if err != nil {
		return nil, err
	}
	var resp peer.EntriesResponse
	if err := reply.DecodeBody(peer.KindEntries, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// record writes a witness event, logging rather than failing the
// session if the audit write itself fails.
func (c *Coordinator) record(ctx context.Context, ev witness.Event) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(ctx, ev); err != nil {
		c.logger.Warn("audit record failed", "kind", ev.Kind, "err", err)
	}
}
