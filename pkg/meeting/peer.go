package meeting

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/LingByte/LingMeet/pkg/constants"
	"github.com/LingByte/LingMeet/pkg/errors"
	"github.com/LingByte/LingMeet/pkg/logger"
	"github.com/LingByte/LingMeet/pkg/media"
	"github.com/LingByte/LingMeet/pkg/metrics"
	"github.com/LingByte/LingMeet/pkg/store"
)

// PeerState is the negotiation state of one peer connection entry.
type PeerState int

const (
	PeerStateNew PeerState = iota
	PeerStateNegotiating
	PeerStateConnected
	PeerStateClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerStateNew:
		return "new"
	case PeerStateNegotiating:
		return "negotiating"
	case PeerStateConnected:
		return "connected"
	case PeerStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Peer owns exactly one connection to one remote participant: the pion
// connection, the senders for our outgoing tracks, and the signaling
// subscription filtered to messages addressed to us from that peer.
type Peer struct {
	localID  string
	remoteID string

	mu            sync.Mutex
	pc            *webrtc.PeerConnection
	state         PeerState
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
	senders       map[string]*webrtc.RTPSender
	processed     map[string]struct{}
	unsubscribe   store.Unsubscribe
	closed        bool

	sendSignal func(msg SignalMessage) error
}

func newPeer(localID, remoteID string, pc *webrtc.PeerConnection, sendSignal func(SignalMessage) error) *Peer {
	return &Peer{
		localID:    localID,
		remoteID:   remoteID,
		pc:         pc,
		state:      PeerStateNew,
		senders:    make(map[string]*webrtc.RTPSender),
		processed:  make(map[string]struct{}),
		sendSignal: sendSignal,
	}
}

// RemoteID returns the fixed remote participant id of this entry.
func (p *Peer) RemoteID() string { return p.remoteID }

// State returns the current negotiation state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// initiator reports whether the local side creates the offer. The
// lexicographically smaller id always initiates so both sides agree
// without a round trip.
func (p *Peer) initiator() bool {
	return p.localID < p.remoteID
}

// startNegotiation creates and sends the offer when we are the initiator;
// the responder side just waits for the offer to arrive.
func (p *Peer) startNegotiation() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.NewAppError(errors.ErrCodePeerClosed, "peer entry closed")
	}
	p.state = PeerStateNegotiating
	if !p.initiator() {
		return nil
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return errors.WrapError(errors.ErrCodeNegotiationFailed, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return errors.WrapError(errors.ErrCodeNegotiationFailed, err)
	}
	return p.send(SignalMessage{
		Type: constants.SignalOffer,
		SDP:  offer.SDP,
		From: p.localID,
		To:   p.remoteID,
	})
}

// handleSignal applies one envelope addressed to us from our remote peer.
// Each message id is consumed at most once.
func (p *Peer) handleSignal(msg SignalMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if _, seen := p.processed[msg.ID]; seen {
		return nil
	}
	p.processed[msg.ID] = struct{}{}
	metrics.SignalsReceived.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case constants.SignalOffer:
		return p.handleOfferLocked(msg)
	case constants.SignalAnswer:
		return p.handleAnswerLocked(msg)
	case constants.SignalCandidate:
		return p.handleCandidateLocked(msg)
	default:
		logrus.WithField("type", msg.Type).Warn("ignoring unknown signal type")
		return nil
	}
}

func (p *Peer) handleOfferLocked(msg SignalMessage) error {
	if msg.SDP == "" {
		return errors.NewAppError(errors.ErrCodeInvalidDescription, "offer without sdp")
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return errors.WrapError(errors.ErrCodeInvalidDescription, err)
	}
	p.remoteDescSet = true
	p.flushPendingLocked()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return errors.WrapError(errors.ErrCodeNegotiationFailed, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return errors.WrapError(errors.ErrCodeNegotiationFailed, err)
	}
	// Local description is set: the responder side of the handshake is
	// complete as far as signaling goes.
	p.state = PeerStateConnected
	return p.send(SignalMessage{
		Type: constants.SignalAnswer,
		SDP:  answer.SDP,
		From: p.localID,
		To:   p.remoteID,
	})
}

func (p *Peer) handleAnswerLocked(msg SignalMessage) error {
	if msg.SDP == "" {
		return errors.NewAppError(errors.ErrCodeInvalidDescription, "answer without sdp")
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return errors.WrapError(errors.ErrCodeInvalidDescription, err)
	}
	p.remoteDescSet = true
	p.flushPendingLocked()
	p.state = PeerStateConnected
	return nil
}

// handleCandidateLocked applies a trickled candidate. Candidates arriving
// before the remote description are queued, never dropped.
func (p *Peer) handleCandidateLocked(msg SignalMessage) error {
	if !p.remoteDescSet {
		p.pending = append(p.pending, msg.Candidate)
		return nil
	}
	if err := p.pc.AddICECandidate(msg.Candidate); err != nil {
		logrus.WithError(err).WithField("peer", p.remoteID).Warn("failed to add ICE candidate")
	}
	return nil
}

func (p *Peer) flushPendingLocked() {
	for _, candidate := range p.pending {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			logrus.WithError(err).WithField("peer", p.remoteID).Warn("failed to add queued ICE candidate")
		}
	}
	p.pending = nil
}

// sendLocalCandidate trickles one locally discovered candidate to the
// fixed remote peer of this entry.
func (p *Peer) sendLocalCandidate(candidate webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if err := p.send(SignalMessage{
		Type:      constants.SignalCandidate,
		Candidate: candidate,
		From:      p.localID,
		To:        p.remoteID,
	}); err != nil {
		logger.Warn("failed to send ICE candidate, negotiation may stall",
			zap.String("peer", p.remoteID), zap.Error(err))
	}
}

// send writes an envelope to the signaling log. Caller holds p.mu.
func (p *Peer) send(msg SignalMessage) error {
	if err := p.sendSignal(msg); err != nil {
		return errors.WrapError(errors.ErrCodeSignalingWriteFailed, err)
	}
	metrics.SignalsSent.WithLabelValues(msg.Type).Inc()
	return nil
}

// addTrack attaches a local track to this connection. Additive only: a
// disabled track is stopped at the source, not renegotiated away, which
// avoids a second offer/answer cycle per toggle at the cost of stale
// senders on long-lived connections.
func (p *Peer) addTrack(track *media.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.NewAppError(errors.ErrCodePeerClosed, "peer entry closed")
	}
	if _, exists := p.senders[track.ID()]; exists {
		return nil
	}
	sender, err := p.pc.AddTrack(track.TrackLocal())
	if err != nil {
		return errors.WrapError(errors.ErrCodeNegotiationFailed, err)
	}
	p.senders[track.ID()] = sender
	return nil
}

// setUnsubscribe hands the entry its signaling subscription disposer.
func (p *Peer) setUnsubscribe(unsub store.Unsubscribe) {
	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.unsubscribe = unsub
	}
	p.mu.Unlock()
	if closed {
		// Closed while the subscription was being set up.
		unsub()
	}
}

// Close releases the connection and its signaling subscription. Idempotent.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.state = PeerStateClosed
	pc := p.pc
	unsub := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			logger.Warn("peer connection close failed", zap.String("peer", p.remoteID), zap.Error(err))
		}
	}
	logger.Info("peer entry closed", zap.String("peer", p.remoteID))
}
