package merge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/store"
	"github.com/vaultmesh/vaultmesh/internal/vault"
)

// Verifier checks the witness signature of a fetched entry. The engine
// never hardcodes trust: a real cryptographic scheme can replace the
// stub without touching the merge algorithm.
type Verifier interface {
	Verify(entry vault.LogEntry) error
}

// AcceptAll is the current stub verifier: every signature passes.
type AcceptAll struct{}

// Verify implements Verifier.
func (AcceptAll) Verify(vault.LogEntry) error { return nil }

// Engine applies fetched remote entries to the local store. Planning is
// synchronous, local computation; the only I/O is through the store.
type Engine struct {
	store    *store.Store
	verifier Verifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithVerifier replaces the stub signature verifier.
func WithVerifier(v Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithClock overrides the wall clock used for conflict detection
// timestamps, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine over the local store.
func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		verifier: AcceptAll{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of one merge application.
type Result struct {
	EntriesMerged     int
	ConflictsRecorded int
	Rejected          []vault.EntryRef
	Dropped           []vault.EntryRef // failed verification, never applied
	InventoryDigest   string           // post-merge, for the audit record
}

// Apply verifies, orders, and applies fetched remote entries in one
// all-or-nothing store transaction. Conflict detection happens inside
// that transaction, under the store's mutation lock, so a sibling
// committed by a concurrent session is still paired with this batch.
//
// Entries that fail content or signature verification are dropped
// individually; an unresolved parent ref likewise rejects only the
// offending entry and its descendants. Neither aborts the session.
func (e *Engine) Apply(ctx context.Context, fetched []vault.LogEntry) (Result, error) {
	var res Result

	verified := make([]vault.LogEntry, 0, len(fetched))
	for _, entry := range fetched {
		if err := entry.Node.Verify(); err != nil {
			e.logger.Warn("dropping entry with bad content hash",
				"ref", entry.Origin.String(), "err", err)
			res.Dropped = append(res.Dropped, entry.Origin)
			continue
		}
		if err := e.verifier.Verify(entry); err != nil {
			e.logger.Warn("dropping entry with unverifiable signature",
				"ref", entry.Origin.String(), "err", err)
			res.Dropped = append(res.Dropped, entry.Origin)
			continue
		}
		verified = append(verified, entry)
	}

	ordered, err := vault.SortCausal(verified)
	if err != nil {
		return res, fmt.Errorf("merge: %w", err)
	}

	applied, err := e.store.ApplyMerge(ctx, store.MergeBatch{
		Entries:    ordered,
		DetectedAt: e.now().UTC(),
	})
	if err != nil {
		return res, fmt.Errorf("merge: %w", err)
	}
	res.EntriesMerged = applied.EntriesMerged
	res.ConflictsRecorded = applied.ConflictsRecorded
	res.Rejected = applied.Rejected

	inv, err := e.store.ScanInventory(ctx)
	if err != nil {
		return res, fmt.Errorf("merge: %w", err)
	}
	if res.InventoryDigest, err = inv.Digest(); err != nil {
		return res, fmt.Errorf("merge: %w", err)
	}
	return res, nil
}

// SelectEntries picks, from a full log, the chains that cover a delta:
// every entry sealing a requested hash plus its transitive parents, so
// the receiver can always satisfy parent refs. The serving side runs
// this to answer a fetch request without shipping its whole log; the
// receiving side's idempotent apply skips entries it already holds.
func SelectEntries(log []vault.LogEntry, delta Delta) []vault.LogEntry {
	byRef := make(map[vault.EntryRef]vault.LogEntry, len(log))
	for _, entry := range log {
		byRef[entry.Origin] = entry
	}

	needHash := map[string]bool{}
	for key, hashes := range delta.Missing {
		for _, h := range hashes {
			needHash[key+"\x00"+h] = true
		}
	}

	selected := map[vault.EntryRef]bool{}
	var out []vault.LogEntry

	var include func(entry vault.LogEntry)
	include = func(entry vault.LogEntry) {
		if selected[entry.Origin] {
			return
		}
		selected[entry.Origin] = true
		for _, p := range entry.Parents {
			if parent, inLog := byRef[p]; inLog {
				include(parent)
			}
		}
		out = append(out, entry)
	}

	for _, entry := range log {
		if needHash[entry.Node.Coordinate.Key()+"\x00"+entry.Node.ContentHash] {
			include(entry)
		}
	}
	return out
}
