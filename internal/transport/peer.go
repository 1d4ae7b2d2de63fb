package transport

import (
	"bytes"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/sync"
)

// StaticPeerSet is a fixed, configuration-loaded peer list (spec.md §1's
// "peer set" is consumed only through this interface; no service
// discovery is implemented here).
type StaticPeerSet struct {
	self  clock.ReplicaID
	peers []sync.Peer
}

func NewStaticPeerSet(self clock.ReplicaID, peers []sync.Peer) *StaticPeerSet {
	filtered := make([]sync.Peer, 0, len(peers))
	for _, p := range peers {
		if p.ID != self {
			filtered = append(filtered, p)
		}
	}
	return &StaticPeerSet{self: self, peers: filtered}
}

func (s *StaticPeerSet) Peers() []sync.Peer { return s.peers }

// HTTPBroadcaster implements sync.Broadcaster by POSTing each outbound
// NetworkMessage to every peer's /sync endpoint. Per spec.md §7's
// TransportFailure, a failed delivery is logged and dropped: the CRDT's
// monotonicity means the next successful round re-converges, so the
// sender never retries it. Each POST runs synchronously with a 5-second
// client timeout, so Broadcast returns once every peer has answered or
// failed.
type HTTPBroadcaster struct {
	peers   sync.PeerSet
	client  *http.Client
	metrics *Metrics
	logger  *zap.Logger
}

func NewHTTPBroadcaster(peers sync.PeerSet, metrics *Metrics, logger *zap.Logger) *HTTPBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPBroadcaster{
		peers:   peers,
		client:  &http.Client{Timeout: 5 * time.Second},
		metrics: metrics,
		logger:  logger,
	}
}

func (b *HTTPBroadcaster) Broadcast(msg sync.NetworkMessage) {
	data, err := EncodeMessage(msg)
	if err != nil {
		b.logger.Error("failed to encode outbound message", zap.Error(err))
		if b.metrics != nil {
			b.metrics.RecordDropped("encode_error")
		}
		return
	}

	kindLabel := kindString(msg.Kind)
	for _, peer := range b.peers.Peers() {
		resp, err := b.client.Post(peer.Address+"/sync", "application/json", bytes.NewReader(data))
		if err != nil {
			b.logger.Warn("broadcast failed", zap.String("peer", peer.Address), zap.Error(err))
			if b.metrics != nil {
				b.metrics.RecordDropped("transport_error")
			}
			continue
		}
		resp.Body.Close()
		if b.metrics != nil {
			b.metrics.RecordSent(kindLabel)
		}
	}
}

func kindString(k sync.MessageKind) string {
	switch k {
	case sync.MsgState:
		return "state"
	case sync.MsgOperation:
		return "operation"
	case sync.MsgDelta:
		return "delta"
	default:
		return "unknown"
	}
}
