package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/merge"
	"github.com/vaultmesh/vaultmesh/internal/store"
	"github.com/vaultmesh/vaultmesh/internal/witness"
)

// sessionTTL bounds how long an accepted hello stays valid without the
// session completing.
const sessionTTL = 10 * time.Minute

// Server is the responding side of the sync protocol. It answers
// hello, inventory, and entries requests against the local store,
// gated by the consent policy.
type Server struct {
	store   *store.Store
	consent Consent
	audit   *witness.Witness
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]time.Time // accepted session id -> accepted at
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the structured logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerClock overrides the wall clock, for deterministic tests.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// WithServerWitness records declined consents to the audit log.
func WithServerWitness(w *witness.Witness) ServerOption {
	return func(s *Server) { s.audit = w }
}

// NewServer creates a serving side over the local store.
func NewServer(st *store.Store, consent Consent, opts ...ServerOption) *Server {
	s := &Server{
		store:    st,
		consent:  consent,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// dispatch answers one protocol message. Failures come back as error
// messages, never as a dropped reply.
func (s *Server) dispatch(ctx context.Context, msg *Message) *Message {
	var (
		reply *Message
		err   error
	)
	switch msg.Kind {
	case KindHello:
		reply, err = s.handleHello(ctx, msg)
	case KindInventory:
		reply, err = s.handleInventory(ctx, msg)
	case KindEntries:
		reply, err = s.handleEntries(ctx, msg)
	default:
		err = fmt.Errorf("unknown message kind %q", msg.Kind)
	}
	if err != nil {
		s.logger.Warn("request failed",
			"kind", msg.Kind, "from", msg.Instance, "err", err)
		return s.errorMessage(err)
	}
	return reply
}

func (s *Server) errorMessage(err error) *Message {
	reply, encErr := NewMessage(KindError, s.store.InstanceID(), ErrorBody{Error: err.Error()})
	if encErr != nil {
		return &Message{Kind: KindError, Instance: s.store.InstanceID()}
	}
	return reply
}

func (s *Server) handleHello(ctx context.Context, msg *Message) (*Message, error) {
	var req HelloRequest
	if err := msg.DecodeBody(KindHello, &req); err != nil {
		return nil, err
	}

	inv, err := s.store.ScanInventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan inventory: %w", err)
	}
	digest, err := inv.Digest()
	if err != nil {
		return nil, fmt.Errorf("inventory digest: %w", err)
	}

	resp := HelloResponse{Version: ProtocolVersion, InventoryDigest: digest}

	if req.Version != ProtocolVersion {
		resp.Reason = fmt.Sprintf("protocol version %d not supported", req.Version)
		return NewMessage(KindHello, s.store.InstanceID(), resp)
	}

	decision, err := s.consent.CheckConsent(ctx, Intent{
		SessionID: req.SessionID,
		Initiator: msg.Instance,
		Peer:      s.store.InstanceID(),
	})
	if err != nil {
		return nil, fmt.Errorf("consent check: %w", err)
	}
	if !decision.Allow {
		resp.Reason = decision.Reason
		s.logger.Info("declined sync request",
			"session", req.SessionID, "from", msg.Instance, "reason", decision.Reason)
		if s.audit != nil {
			if err := s.audit.Record(ctx, witness.ConsentDeclined(req.SessionID, msg.Instance)); err != nil {
				s.logger.Warn("audit record failed", "err", err)
			}
		}
		return NewMessage(KindHello, s.store.InstanceID(), resp)
	}

	resp.Accepted = true
	resp.AlreadySynced = digest == req.InventoryDigest

	s.mu.Lock()
	for id, at := range s.sessions {
		if s.now().Sub(at) > sessionTTL {
			delete(s.sessions, id)
		}
	}
	s.sessions[req.SessionID] = s.now()
	s.mu.Unlock()

	return NewMessage(KindHello, s.store.InstanceID(), resp)
}

// requireSession enforces that inventory and entries requests only
// arrive inside a consented session.
func (s *Server) requireSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.sessions[id]
	if !ok || s.now().Sub(at) > sessionTTL {
		return fmt.Errorf("session %s not accepted or expired", id)
	}
	return nil
}

func (s *Server) handleInventory(ctx context.Context, msg *Message) (*Message, error) {
	var req InventoryRequest
	if err := msg.DecodeBody(KindInventory, &req); err != nil {
		return nil, err
	}
	if err := s.requireSession(req.SessionID); err != nil {
		return nil, err
	}

	inv, err := s.store.ScanInventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan inventory: %w", err)
	}
	digest, err := inv.Digest()
	if err != nil {
		return nil, fmt.Errorf("inventory digest: %w", err)
	}
	return NewMessage(KindInventory, s.store.InstanceID(),
		InventoryResponse{Inventory: inv, Digest: digest})
}

func (s *Server) handleEntries(ctx context.Context, msg *Message) (*Message, error) {
	var req EntriesRequest
	if err := msg.DecodeBody(KindEntries, &req); err != nil {
		return nil, err
	}
	if err := s.requireSession(req.SessionID); err != nil {
		return nil, err
	}

	log, err := store.CollectEntries(s.store.EntriesSince(ctx, 0))
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	selected := merge.SelectEntries(log, merge.Delta{Missing: req.Missing})
	s.logger.Debug("serving entries",
		"session", req.SessionID, "requested_coords", len(req.Missing), "entries", len(selected))
	return NewMessage(KindEntries, s.store.InstanceID(),
		EntriesResponse{Entries: selected})
}

// Handler returns the HTTP surface of the server: one POST route per
// message kind under /v1/.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/hello", s.serveHTTP)
	mux.HandleFunc("POST /v1/inventory", s.serveHTTP)
	mux.HandleFunc("POST /v1/entries", s.serveHTTP)
	return mux
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "malformed message envelope", http.StatusBadRequest)
		return
	}
	reply := s.dispatch(r.Context(), &msg)

	w.Header().Set("Content-Type", "application/json")
	if reply.Kind == KindError {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		s.logger.Warn("writing reply failed", "err", err)
	}
}
