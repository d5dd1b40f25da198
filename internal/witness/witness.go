package witness

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/store"
)

// EventKind identifies an audit event.
type EventKind string

const (
	KindSyncStarted     EventKind = "sync_started"
	KindSyncCompleted   EventKind = "sync_completed"
	KindSyncCancelled   EventKind = "sync_cancelled"
	KindConsentDeclined EventKind = "consent_declined"
	KindTriggerFired    EventKind = "trigger_fired"
)

// Event is one audit record. Seq is assigned on record and orders the
// log; the timestamp is informational.
type Event struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Kind      EventKind      `json:"kind"`
	Peer      string         `json:"peer,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Witness records events into the audit_events table of the instance
// database and replays them for diagnostics.
type Witness struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Witness.
type Option func(*Witness)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(w *Witness) { w.now = now }
}

// New creates a Witness over the instance store's database.
func New(st *store.Store, opts ...Option) *Witness {
	w := &Witness{db: st.DB(), now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Record appends an event. The event's Seq and Timestamp are assigned
// here; callers fill kind, session, peer, and details.
func (w *Witness) Record(ctx context.Context, ev Event) error {
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("record %s: marshal details: %w", ev.Kind, err)
	}

	_, err = w.db.ExecContext(ctx, `
		INSERT INTO audit_events (ts, session_id, kind, peer, details)
		VALUES (?, ?, ?, ?, ?)
	`,
		w.now().UTC().Format(time.RFC3339Nano),
		ev.SessionID,
		string(ev.Kind),
		ev.Peer,
		string(detailsJSON),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", ev.Kind, err)
	}
	return nil
}

// Replay returns all events in record order. since=0 returns the whole
// log; larger values resume after a known position.
func (w *Witness) Replay(ctx context.Context, since int64) ([]Event, error) {
	return w.replay(ctx, `WHERE seq > ? ORDER BY seq ASC`, since)
}

// ReplaySession returns the events of one session in record order.
func (w *Witness) ReplaySession(ctx context.Context, sessionID string) ([]Event, error) {
	return w.replay(ctx, `WHERE session_id = ? ORDER BY seq ASC`, sessionID)
}

func (w *Witness) replay(ctx context.Context, where string, arg any) ([]Event, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT seq, ts, session_id, kind, peer, details FROM audit_events `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev               Event
			ts, kind, detail string
		)
		if err := rows.Scan(&ev.Seq, &ts, &ev.SessionID, &kind, &ev.Peer, &detail); err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		ev.Kind = EventKind(kind)
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("replay: timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(detail), &ev.Details); err != nil {
			return nil, fmt.Errorf("replay: details: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("replay: iterate: %w", err)
	}
	return events, nil
}

// SyncStarted builds the event recorded when a session leaves Idle.
func SyncStarted(sessionID, peer string) Event {
	return Event{SessionID: sessionID, Kind: KindSyncStarted, Peer: peer}
}

// SyncCompleted builds the terminal success event. status is either
// "merged" or "already_synced"; digest is the post-merge inventory
// digest.
func SyncCompleted(sessionID, peer, status string, entriesMerged, conflicts int, digest string) Event {
	return Event{
		SessionID: sessionID,
		Kind:      KindSyncCompleted,
		Peer:      peer,
		Details: map[string]any{
			"status":         status,
			"entries_merged": entriesMerged,
			"conflicts":      conflicts,
			"inventory":      digest,
		},
	}
}

// SyncCancelled builds the terminal failure event with a structured
// reason ("transfer_failed", "consent_declined", ...).
func SyncCancelled(sessionID, peer, reason string) Event {
	return Event{
		SessionID: sessionID,
		Kind:      KindSyncCancelled,
		Peer:      peer,
		Details:   map[string]any{"reason": reason},
	}
}

// ConsentDeclined builds the normal, non-error decline outcome event.
func ConsentDeclined(sessionID, peer string) Event {
	return Event{SessionID: sessionID, Kind: KindConsentDeclined, Peer: peer}
}

// TriggerFired builds the event recorded when an autonomous trigger
// starts (or requests) a sync.
func TriggerFired(kind, target string) Event {
	return Event{
		Kind:    KindTriggerFired,
		Details: map[string]any{"trigger": kind, "target": target},
	}
}
