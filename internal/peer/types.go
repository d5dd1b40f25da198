package peer

import (
	"context"
	"time"
)

// PeerAddress identifies a reachable peer: its instance id and the
// address its sync API answers on.
type PeerAddress struct {
	InstanceID string `json:"instance_id"`
	Addr       string `json:"addr"` // host:port of the sync API
}

// Filter narrows discovery to peers whose advertised coordinate span
// overlaps the requested theta range. The zero value matches everyone.
type Filter struct {
	ThetaMin float64
	ThetaMax float64
}

// Matches reports whether a peer advertising the span [min,max]
// overlaps the filter.
func (f Filter) Matches(min, max float64) bool {
	if f.ThetaMin == 0 && f.ThetaMax == 0 {
		return true
	}
	return min <= f.ThetaMax && max >= f.ThetaMin
}

// Discovery finds peers to sync with.
type Discovery interface {
	FindPeers(ctx context.Context, filter Filter) ([]PeerAddress, error)
}

// Transport delivers one protocol message to a peer and returns its
// reply. Delivery failures are explicit errors, never silent drops.
type Transport interface {
	Request(ctx context.Context, addr PeerAddress, msg *Message) (*Message, error)
}

// Intent describes a proposed sync session, shown to the consent
// policy before any inventory is exchanged.
type Intent struct {
	SessionID string
	Initiator string // instance id proposing the session
	Peer      string // instance id being asked
}

// Decision is the outcome of a consent check.
type Decision struct {
	Allow  bool
	Reason string
}

// Consent gates a sync session. Checked exactly once per session by
// the initiator before inventory exchange, and again by the responder
// before it serves its inventory.
type Consent interface {
	CheckConsent(ctx context.Context, intent Intent) (Decision, error)
}

// AllowAll is the permissive consent policy.
type AllowAll struct{}

// CheckConsent implements Consent.
func (AllowAll) CheckConsent(context.Context, Intent) (Decision, error) {
	return Decision{Allow: true}, nil
}

// StaticPolicy is a consent policy from configuration: an explicit
// deny list, an explicit allow list, and a default for everyone else.
type StaticPolicy struct {
	Default bool
	Allow   []string // instance ids always allowed
	Deny    []string // instance ids always declined
}

// CheckConsent implements Consent.
func (p StaticPolicy) CheckConsent(_ context.Context, intent Intent) (Decision, error) {
	other := intent.Initiator
	if other == "" {
		other = intent.Peer
	}
	for _, id := range p.Deny {
		if id == other {
			return Decision{Allow: false, Reason: "peer on deny list"}, nil
		}
	}
	for _, id := range p.Allow {
		if id == other {
			return Decision{Allow: true}, nil
		}
	}
	if p.Default {
		return Decision{Allow: true}, nil
	}
	return Decision{Allow: false, Reason: "default policy declines"}, nil
}

// Trigger event kinds.
const (
	TriggerElevation   = "elevation"
	TriggerPeerFound   = "peerDiscovered"
	TriggerDesync      = "desyncDetected"
	TriggerHealthCheck = "periodicHealthCheck"
)

// TriggerEvent asks the session layer to start syncing. Target is an
// instance id when the event concerns one peer, or empty for a
// broadcast (health checks).
type TriggerEvent struct {
	Kind   string
	Target string
	At     time.Time
}

// TriggerSource emits trigger events. The channel closes when the
// source shuts down.
type TriggerSource interface {
	Events() <-chan TriggerEvent
}

// Triggers is a buffered in-memory TriggerSource. Discovery feeds it
// peerDiscovered events; the session layer's health ticker feeds it
// periodicHealthCheck events; tests feed it whatever they need.
type Triggers struct {
	ch chan TriggerEvent
}

// NewTriggers returns a trigger source with the given buffer size.
func NewTriggers(buffer int) *Triggers {
	return &Triggers{ch: make(chan TriggerEvent, buffer)}
}

// Emit queues an event, dropping it if the buffer is full. A dropped
// trigger is harmless: the next health check covers the same ground.
func (t *Triggers) Emit(ev TriggerEvent) {
	select {
	case t.ch <- ev:
	default:
	}
}

// Events implements TriggerSource.
func (t *Triggers) Events() <-chan TriggerEvent { return t.ch }

// Close closes the event channel.
func (t *Triggers) Close() { close(t.ch) }
