package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/memberlist"
)

// StaticDiscovery serves a fixed peer list, used for config seeds and
// tests. The filter is ignored: static peers are assumed relevant.
type StaticDiscovery struct {
	Peers []PeerAddress
}

// FindPeers implements Discovery.
func (d StaticDiscovery) FindPeers(context.Context, Filter) ([]PeerAddress, error) {
	return d.Peers, nil
}

// NodeMeta is the metadata each cluster member advertises through the
// SWIM gossip: where its sync API listens and which theta span its
// coordinates cover.
type NodeMeta struct {
	APIPort  int     `json:"api_port"`
	ThetaMin float64 `json:"theta_min"`
	ThetaMax float64 `json:"theta_max"`
}

// SwimConfig configures cluster membership.
type SwimConfig struct {
	NodeID   string
	BindAddr string
	BindPort int // SWIM gossip port, distinct from the API port
	Seeds    []string
	Meta     NodeMeta
}

// SwimDiscovery is memberlist-backed peer discovery. Joins and
// failures propagate through the SWIM protocol; FindPeers reads the
// current live member set.
type SwimDiscovery struct {
	ml     *memberlist.Memberlist
	nodeID string
	logger *slog.Logger
}

// swimDelegate advertises this node's metadata. The state-exchange
// hooks are unused: sync state moves over the API, not the gossip.
type swimDelegate struct {
	meta []byte
}

func (d *swimDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *swimDelegate) NotifyMsg([]byte)                {}
func (d *swimDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (d *swimDelegate) LocalState(bool) []byte          { return nil }
func (d *swimDelegate) MergeRemoteState([]byte, bool)   {}

// swimEvents feeds membership changes into the trigger source.
type swimEvents struct {
	nodeID   string
	triggers *Triggers
	logger   *slog.Logger
}

func (e *swimEvents) NotifyJoin(n *memberlist.Node) {
	if n.Name == e.nodeID {
		return
	}
	e.logger.Info("peer joined", "peer", n.Name, "addr", n.Address())
	if e.triggers != nil {
		e.triggers.Emit(TriggerEvent{Kind: TriggerPeerFound, Target: n.Name, At: time.Now()})
	}
}

func (e *swimEvents) NotifyLeave(n *memberlist.Node) {
	e.logger.Info("peer left", "peer", n.Name)
}

func (e *swimEvents) NotifyUpdate(n *memberlist.Node) {
	e.logger.Debug("peer updated", "peer", n.Name)
}

// NewSwimDiscovery joins (or forms) the SWIM cluster. Newly discovered
// peers are emitted on triggers as peerDiscovered events when a
// trigger source is given.
func NewSwimDiscovery(cfg SwimConfig, triggers *Triggers, logger *slog.Logger) (*SwimDiscovery, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meta, err := json.Marshal(cfg.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode node metadata: %w", err)
	}

	mlc := memberlist.DefaultLANConfig()
	mlc.Name = cfg.NodeID
	mlc.BindAddr = cfg.BindAddr
	mlc.BindPort = cfg.BindPort
	mlc.Delegate = &swimDelegate{meta: meta}
	mlc.Events = &swimEvents{nodeID: cfg.NodeID, triggers: triggers, logger: logger}

	ml, err := memberlist.Create(mlc)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}

	if len(cfg.Seeds) > 0 {
		joined, err := ml.Join(cfg.Seeds)
		if err != nil {
			// Not fatal: the cluster forms when a seed becomes reachable.
			logger.Warn("joining seeds failed", "seeds", cfg.Seeds, "err", err)
		} else {
			logger.Info("joined cluster", "seeds_reached", joined)
		}
	}

	return &SwimDiscovery{ml: ml, nodeID: cfg.NodeID, logger: logger}, nil
}

// FindPeers implements Discovery: the live member set minus this node,
// filtered by advertised theta span.
func (d *SwimDiscovery) FindPeers(_ context.Context, filter Filter) ([]PeerAddress, error) {
	var out []PeerAddress
	for _, member := range d.ml.Members() {
		if member.Name == d.nodeID {
			continue
		}
		var meta NodeMeta
		if err := json.Unmarshal(member.Meta, &meta); err != nil {
			d.logger.Warn("skipping peer with bad metadata", "peer", member.Name, "err", err)
			continue
		}
		if !filter.Matches(meta.ThetaMin, meta.ThetaMax) {
			continue
		}
		out = append(out, PeerAddress{
			InstanceID: member.Name,
			Addr:       fmt.Sprintf("%s:%d", member.Addr.String(), meta.APIPort),
		})
	}
	return out, nil
}

// Leave departs the cluster gracefully, then shuts the memberlist
// down.
func (d *SwimDiscovery) Leave(timeout time.Duration) error {
	if err := d.ml.Leave(timeout); err != nil {
		return fmt.Errorf("leave cluster: %w", err)
	}
	return d.ml.Shutdown()
}
