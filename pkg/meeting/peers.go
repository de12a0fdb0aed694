package meeting

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/LingByte/LingMeet/pkg/errors"
	"github.com/LingByte/LingMeet/pkg/logger"
	"github.com/LingByte/LingMeet/pkg/media"
	"github.com/LingByte/LingMeet/pkg/metrics"
	"github.com/LingByte/LingMeet/pkg/store"
)

// PeerManager keeps the full mesh: one Peer per remote participant, the
// shared set of outgoing local tracks, and the signaling fan-in.
type PeerManager struct {
	st        store.Store
	meetingID string
	localID   string
	rtcConfig webrtc.Configuration

	// onRemoteTrack receives every inbound track together with its
	// owner's participant id.
	onRemoteTrack func(remoteID string, stream *RemoteStream)

	mu     sync.Mutex
	peers  map[string]*Peer
	tracks map[string]*media.LocalTrack
	closed bool
}

func newPeerManager(st store.Store, meetingID, localID string, stunServers []string, onRemoteTrack func(string, *RemoteStream)) *PeerManager {
	var rtcConfig webrtc.Configuration
	if len(stunServers) > 0 {
		rtcConfig.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &PeerManager{
		st:            st,
		meetingID:     meetingID,
		localID:       localID,
		rtcConfig:     rtcConfig,
		onRemoteTrack: onRemoteTrack,
		peers:         make(map[string]*Peer),
		tracks:        make(map[string]*media.LocalTrack),
	}
}

// EnsurePeer creates the connection entry for a remote participant if it
// does not exist yet. Idempotent: a second call for the same id is a
// no-op, so discovering a participant twice never double-connects.
func (m *PeerManager) EnsurePeer(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.NewAppError(errors.ErrCodeSessionClosed, "peer manager closed")
	}
	if _, exists := m.peers[remoteID]; exists {
		m.mu.Unlock()
		return nil
	}

	pc, err := webrtc.NewPeerConnection(m.rtcConfig)
	if err != nil {
		m.mu.Unlock()
		return errors.WrapError(errors.ErrCodeNegotiationFailed, err)
	}

	peer := newPeer(m.localID, remoteID, pc, func(msg SignalMessage) error {
		_, err := m.st.Add(ctx, signalingPath(m.meetingID), msg.ToDoc())
		return err
	})
	m.peers[remoteID] = peer

	outgoing := make([]*media.LocalTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		outgoing = append(outgoing, t)
	}
	m.mu.Unlock()

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		peer.sendLocalCandidate(candidate.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		stream := &RemoteStream{
			StreamID: track.StreamID(),
			Purpose:  PurposeOfStreamID(track.StreamID()),
			Track:    track,
			Receiver: receiver,
		}
		logger.Info("remote track arrived",
			zap.String("peer", remoteID),
			zap.String("purpose", stream.Purpose),
		)
		if m.onRemoteTrack != nil {
			m.onRemoteTrack(remoteID, stream)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("peer connection state changed",
			zap.String("peer", remoteID),
			zap.String("state", state.String()),
		)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			m.DropPeer(remoteID)
		}
	})

	// Existing local tracks ride along before the first offer so they are
	// covered by the initial negotiation.
	for _, t := range outgoing {
		if err := peer.addTrack(t); err != nil {
			logger.Warn("failed to attach local track to new peer",
				zap.String("peer", remoteID), zap.Error(err))
		}
	}

	unsub, err := m.st.Subscribe(ctx, signalingPath(m.meetingID), func(snap store.Snapshot) {
		for _, change := range snap.Changes {
			if change.Kind != store.ChangeAdded {
				continue
			}
			msg := SignalFromDoc(change.Doc)
			if msg.To != m.localID || msg.From != remoteID {
				continue
			}
			if err := peer.handleSignal(msg); err != nil {
				logger.Error("signal handling failed",
					zap.String("peer", remoteID),
					zap.String("type", msg.Type),
					zap.Error(err),
				)
				// A broken description poisons the whole handshake.
				// Close the entry; the roster re-requests it on its
				// next snapshot, which restarts negotiation clean.
				if errors.HasCode(err, errors.ErrCodeInvalidDescription) ||
					errors.HasCode(err, errors.ErrCodeNegotiationFailed) {
					m.DropPeer(remoteID)
					return
				}
			}
		}
	})
	if err != nil {
		m.DropPeer(remoteID)
		return errors.WrapError(errors.ErrCodeSignalingReadFailed, err)
	}
	peer.setUnsubscribe(unsub)

	metrics.PeersActive.Inc()
	logger.Info("peer entry created",
		zap.String("peer", remoteID),
		zap.Bool("initiator", peer.initiator()),
	)
	return peer.startNegotiation()
}

// AttachTrack fans a local track out to every live connection and
// remembers it for peers created later.
func (m *PeerManager) AttachTrack(track *media.LocalTrack) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.tracks[track.ID()] = track
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	for _, p := range peers {
		if err := p.addTrack(track); err != nil {
			logger.Warn("failed to attach local track",
				zap.String("peer", p.RemoteID()), zap.Error(err))
		}
	}
}

// DetachTrack forgets a stopped local track. Live senders are left in
// place; the track has already gone silent at the source.
func (m *PeerManager) DetachTrack(trackID string) {
	m.mu.Lock()
	delete(m.tracks, trackID)
	m.mu.Unlock()
}

// DropPeer closes and removes one entry. Safe to call for unknown ids.
func (m *PeerManager) DropPeer(remoteID string) {
	m.mu.Lock()
	peer, exists := m.peers[remoteID]
	if exists {
		delete(m.peers, remoteID)
	}
	m.mu.Unlock()
	if exists {
		peer.Close()
		metrics.PeersActive.Dec()
	}
}

// Peer returns the entry for a remote id, or nil.
func (m *PeerManager) Peer(remoteID string) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[remoteID]
}

// PeerCount returns the number of live entries.
func (m *PeerManager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// CloseAll tears the mesh down. Idempotent.
func (m *PeerManager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	peers := m.peers
	m.peers = make(map[string]*Peer)
	m.tracks = make(map[string]*media.LocalTrack)
	m.mu.Unlock()

	for _, p := range peers {
		p.Close()
		metrics.PeersActive.Dec()
	}
	logger.Info("peer mesh closed", zap.Int("peers", len(peers)))
}
