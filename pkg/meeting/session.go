package meeting

import (
	"context"
	"sync"

	gonanoid "github.com/matoous/go-nanoid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/LingByte/LingMeet/pkg/constants"
	"github.com/LingByte/LingMeet/pkg/errors"
	"github.com/LingByte/LingMeet/pkg/logger"
	"github.com/LingByte/LingMeet/pkg/media"
	"github.com/LingByte/LingMeet/pkg/metrics"
	"github.com/LingByte/LingMeet/pkg/store"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	SessionStateIdle SessionState = iota
	SessionStateJoining
	SessionStateJoined
	SessionStateLeaving
	SessionStateLeft
	SessionStateFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateIdle:
		return "idle"
	case SessionStateJoining:
		return "joining"
	case SessionStateJoined:
		return "joined"
	case SessionStateLeaving:
		return "leaving"
	case SessionStateLeft:
		return "left"
	case SessionStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const participantIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Handlers carries the application callbacks for session events. All
// fields are optional. Callbacks run on internal goroutines and must not
// block for long.
type Handlers struct {
	OnMeetingJoined     func(meetingID, localID string)
	OnMeetingLeft       func()
	OnParticipantJoined func(p *Participant)
	OnParticipantLeft   func(p *Participant)
	OnPresenterChanged  func(participantID string)
	OnError             func(err error)
}

// JoinOptions configures one join attempt.
type JoinOptions struct {
	DisplayName   string
	MicEnabled    bool
	WebcamEnabled bool
	StunServers   []string

	// Custom tracks take precedence over device capture for their slot.
	CustomCameraTrack webrtc.TrackLocal
	CustomMicTrack    webrtc.TrackLocal
	CustomScreenTrack webrtc.TrackLocal
}

// Session drives one participant's membership in one meeting: ordered
// join, roster and pub/sub subscriptions, the peer mesh, media toggles,
// and teardown from any partial state.
type Session struct {
	st       store.Store
	mediaMgr *media.Manager
	handlers Handlers

	// idGen produces candidate participant ids; replaceable in tests to
	// force collisions.
	idGen func() (string, error)

	mu          sync.RWMutex
	state       SessionState
	meetingID   string
	localID     string
	displayName string
	micOn       bool
	webcamOn    bool
	screenOn    bool
	roster      *Roster
	peers       *PeerManager
	pubsub      *PubSub
	disposers   *disposerRegistry
	runCtx      context.Context
	cancel      context.CancelFunc

	// toggleMu serializes media toggles, including the screen track's
	// ended callback racing a manual toggle.
	toggleMu sync.Mutex

	// slotTrackIDs remembers the live track id per slot so a replaced or
	// released track can be forgotten by the mesh.
	slotMu       sync.Mutex
	slotTrackIDs map[media.Kind]string
}

// NewSession creates an idle session over the given store and media
// manager.
func NewSession(st store.Store, mediaMgr *media.Manager, handlers Handlers) *Session {
	s := &Session{
		st:       st,
		mediaMgr: mediaMgr,
		handlers: handlers,
		idGen: func() (string, error) {
			return gonanoid.Generate(participantIDAlphabet, constants.ParticipantIDLength)
		},
		state:        SessionStateIdle,
		disposers:    newDisposerRegistry(),
		slotTrackIDs: make(map[media.Kind]string),
	}
	mediaMgr.OnSlotChanged(s.onSlotChanged)
	return s
}

// onSlotChanged fans slot changes out to the peer mesh. Additive only: a
// released slot is forgotten for future peers but existing senders stay,
// already silent at the source.
func (s *Session) onSlotChanged(kind media.Kind, track *media.LocalTrack) {
	s.mu.RLock()
	peers := s.peers
	s.mu.RUnlock()
	if peers == nil {
		return
	}

	s.slotMu.Lock()
	prevID := s.slotTrackIDs[kind]
	if track == nil {
		delete(s.slotTrackIDs, kind)
	} else {
		s.slotTrackIDs[kind] = track.ID()
	}
	s.slotMu.Unlock()

	if prevID != "" {
		peers.DetachTrack(prevID)
	}
	if track != nil {
		peers.AttachTrack(track)
	}
}

// Join runs the ordered join sequence: validate the meeting, reserve a
// participant id, prime local media, publish the roster document, then
// start the roster and pub/sub subscriptions. Failures partway through
// unwind whatever came up and leave the session in the failed state,
// from which Join may be attempted again.
func (s *Session) Join(ctx context.Context, meetingID string, opts JoinOptions) error {
	s.mu.Lock()
	switch s.state {
	case SessionStateIdle, SessionStateLeft, SessionStateFailed:
	default:
		state := s.state
		s.mu.Unlock()
		return errors.NewAppErrorf(errors.ErrCodeJoinFailed, "cannot join from state %s", state)
	}
	s.state = SessionStateJoining
	s.mu.Unlock()

	if err := s.join(ctx, meetingID, opts); err != nil {
		s.disposers.Run()
		s.mu.Lock()
		s.state = SessionStateFailed
		s.roster, s.peers, s.pubsub = nil, nil, nil
		s.micOn, s.webcamOn, s.screenOn = false, false, false
		s.mu.Unlock()
		metrics.JoinFailures.Inc()
		logger.Error("join failed", zap.String("meetingId", meetingID), zap.Error(err))
		s.emitError(err)
		return err
	}

	s.mu.Lock()
	s.state = SessionStateJoined
	localID := s.localID
	s.mu.Unlock()
	logger.Info("joined meeting",
		zap.String("meetingId", meetingID),
		zap.String("participantId", localID),
	)
	if s.handlers.OnMeetingJoined != nil {
		s.handlers.OnMeetingJoined(meetingID, localID)
	}
	return nil
}

func (s *Session) join(ctx context.Context, meetingID string, opts JoinOptions) error {
	if err := ValidateMeeting(ctx, s.st, meetingID); err != nil {
		return err
	}

	localID, err := s.reserveParticipantID(ctx, meetingID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stun := opts.StunServers
	if len(stun) == 0 {
		stun = constants.DefaultStunServers
	}

	s.mediaMgr.SetStreamPrefix(localID)
	s.mediaMgr.SetCustomTrack(media.KindVideo, opts.CustomCameraTrack)
	s.mediaMgr.SetCustomTrack(media.KindAudio, opts.CustomMicTrack)
	s.mediaMgr.SetCustomTrack(media.KindScreen, opts.CustomScreenTrack)

	peers := newPeerManager(s.st, meetingID, localID, stun, func(remoteID string, stream *RemoteStream) {
		s.mu.RLock()
		roster := s.roster
		s.mu.RUnlock()
		if roster != nil {
			roster.AttachStream(remoteID, stream)
		}
	})
	roster := newRoster(s.st, meetingID, localID, RosterHandlers{
		OnParticipantJoined: s.handlers.OnParticipantJoined,
		OnParticipantLeft:   s.onParticipantLeft,
		OnPresenterChanged:  s.handlers.OnPresenterChanged,
	}, func(remoteID string) {
		if err := peers.EnsurePeer(runCtx, remoteID); err != nil {
			logger.Error("peer setup failed", zap.String("peer", remoteID), zap.Error(err))
			s.emitError(err)
		}
	})
	pubsub := newPubSub(s.st, meetingID, localID, opts.DisplayName)

	s.mu.Lock()
	s.meetingID = meetingID
	s.localID = localID
	s.displayName = opts.DisplayName
	s.micOn, s.webcamOn, s.screenOn = false, false, false
	s.roster = roster
	s.peers = peers
	s.pubsub = pubsub
	s.disposers = newDisposerRegistry()
	s.runCtx = runCtx
	s.cancel = cancel
	disposers := s.disposers
	s.mu.Unlock()

	disposers.add("cancel-context", cancel)
	disposers.add("stop-media", s.mediaMgr.StopAll)
	disposers.add("close-peers", peers.CloseAll)

	// Media before the roster document: when the first snapshot of us
	// reaches other clients the tracks are already attached, so the first
	// offer covers them.
	micOn := s.acquireInitial(runCtx, media.KindAudio, opts.MicEnabled)
	webcamOn := s.acquireInitial(runCtx, media.KindVideo, opts.WebcamEnabled)
	s.mu.Lock()
	s.micOn, s.webcamOn = micOn, webcamOn
	s.mu.Unlock()

	doc := (&Participant{
		DisplayName:        opts.DisplayName,
		MicEnabled:         micOn,
		WebcamEnabled:      webcamOn,
		ScreenShareEnabled: false,
		IsLocal:            false,
		HasAudioStream:     micOn,
		HasVideoStream:     webcamOn,
	}).ToDoc()
	doc["joinedAt"] = store.ServerTimestamp
	if err := s.st.Set(ctx, participantsPath(meetingID), localID, doc); err != nil {
		return errors.WrapError(errors.ErrCodeJoinFailed, err)
	}
	disposers.add("delete-participant-doc", func() {
		if err := s.st.Delete(context.Background(), participantsPath(meetingID), localID); err != nil {
			logger.Warn("participant doc cleanup failed",
				zap.String("participantId", localID), zap.Error(err))
		}
	})

	if err := roster.Start(runCtx); err != nil {
		return err
	}
	disposers.add("stop-roster", roster.Stop)

	if err := pubsub.Start(runCtx); err != nil {
		return err
	}
	disposers.add("stop-pubsub", pubsub.Stop)
	return nil
}

// reserveParticipantID generates an opaque id and proves it free with a
// point read. A collision retries with a fresh id a bounded number of
// times.
func (s *Session) reserveParticipantID(ctx context.Context, meetingID string) (string, error) {
	for attempt := 0; attempt < constants.MaxIDCollisionRetry; attempt++ {
		id, err := s.idGen()
		if err != nil {
			return "", errors.WrapError(errors.ErrCodeJoinFailed, err)
		}
		_, err = s.st.Get(ctx, participantsPath(meetingID), id)
		if err == store.ErrNotFound {
			return id, nil
		}
		if err != nil {
			return "", errors.WrapError(errors.ErrCodeStoreUnavailable, err)
		}
		logger.Warn("participant id collision, retrying", zap.String("id", id))
	}
	return "", errors.NewAppError(errors.ErrCodeIDCollision, "could not reserve a participant id")
}

// acquireInitial fills one slot during join when requested. Capture
// failure is non-fatal: the flag stays false and the join continues.
func (s *Session) acquireInitial(ctx context.Context, kind media.Kind, wanted bool) bool {
	if !wanted {
		return false
	}
	track, err := s.mediaMgr.Acquire(ctx, kind, media.DefaultConstraints(kind))
	if err != nil {
		s.emitError(err)
		return false
	}
	return track != nil
}

// onParticipantLeft drops the departed peer's connection entry before
// surfacing the event.
func (s *Session) onParticipantLeft(p *Participant) {
	s.mu.RLock()
	peers := s.peers
	s.mu.RUnlock()
	if peers != nil {
		peers.DropPeer(p.ID)
	}
	if s.handlers.OnParticipantLeft != nil {
		s.handlers.OnParticipantLeft(p)
	}
}

// Leave tears the session down. Idempotent from any state: leaving a
// session that never joined, already left, or failed partway is a no-op
// beyond draining whatever cleanup steps remain.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case SessionStateIdle, SessionStateLeft, SessionStateLeaving:
		s.mu.Unlock()
		return nil
	}
	s.state = SessionStateLeaving
	disposers := s.disposers
	s.mu.Unlock()

	disposers.Run()

	s.mu.Lock()
	s.state = SessionStateLeft
	s.roster, s.peers, s.pubsub = nil, nil, nil
	s.micOn, s.webcamOn, s.screenOn = false, false, false
	meetingID := s.meetingID
	s.mu.Unlock()

	logger.Info("left meeting", zap.String("meetingId", meetingID))
	if s.handlers.OnMeetingLeft != nil {
		s.handlers.OnMeetingLeft()
	}
	return nil
}

// ToggleMic flips the microphone slot.
func (s *Session) ToggleMic(ctx context.Context) error {
	return s.toggle(ctx, media.KindAudio)
}

// ToggleWebcam flips the camera slot.
func (s *Session) ToggleWebcam(ctx context.Context) error {
	return s.toggle(ctx, media.KindVideo)
}

// ToggleScreenShare flips the screen slot. When the produced track ends
// on its own the share is switched off through the same path.
func (s *Session) ToggleScreenShare(ctx context.Context) error {
	return s.toggle(ctx, media.KindScreen)
}

func (s *Session) toggle(ctx context.Context, kind media.Kind) error {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()
	return s.toggleLocked(ctx, kind)
}

func (s *Session) toggleLocked(ctx context.Context, kind media.Kind) error {
	s.mu.RLock()
	state := s.state
	on := s.slotFlag(kind)
	roster := s.roster
	meetingID := s.meetingID
	localID := s.localID
	s.mu.RUnlock()
	if state != SessionStateJoined {
		return errors.NewAppErrorf(errors.ErrCodeSessionNotJoined, "cannot toggle %s in state %s", kind, state)
	}

	flagField, streamField := flagFields(kind)

	if on {
		s.mediaMgr.Release(kind)
		s.setSlotFlag(kind, false)
		roster.SetLocalFlag(flagField, false)
		return s.updateLocalDoc(ctx, meetingID, localID, map[string]interface{}{
			flagField:   false,
			streamField: false,
		})
	}

	track, err := s.mediaMgr.Acquire(ctx, kind, media.DefaultConstraints(kind))
	if err != nil {
		// Denied or missing device: the prior state stands.
		return err
	}
	if kind == media.KindScreen {
		track.OnEnded(s.screenTrackEnded)
	}
	s.setSlotFlag(kind, true)
	roster.SetLocalFlag(flagField, true)
	return s.updateLocalDoc(ctx, meetingID, localID, map[string]interface{}{
		flagField:   true,
		streamField: true,
	})
}

// screenTrackEnded switches the share off when the capture source goes
// away, e.g. the user stops sharing at the OS level.
func (s *Session) screenTrackEnded() {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()
	s.mu.RLock()
	on := s.screenOn
	s.mu.RUnlock()
	if !on {
		return
	}
	if err := s.toggleLocked(context.Background(), media.KindScreen); err != nil {
		logger.Warn("screen share auto-stop failed", zap.Error(err))
	}
}

func (s *Session) updateLocalDoc(ctx context.Context, meetingID, localID string, fields map[string]interface{}) error {
	if err := s.st.Update(ctx, participantsPath(meetingID), localID, fields); err != nil {
		return errors.WrapError(errors.ErrCodeStoreUnavailable, err)
	}
	return nil
}

func (s *Session) slotFlag(kind media.Kind) bool {
	switch kind {
	case media.KindAudio:
		return s.micOn
	case media.KindVideo:
		return s.webcamOn
	case media.KindScreen:
		return s.screenOn
	default:
		return false
	}
}

func (s *Session) setSlotFlag(kind media.Kind, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case media.KindAudio:
		s.micOn = value
	case media.KindVideo:
		s.webcamOn = value
	case media.KindScreen:
		s.screenOn = value
	}
}

func flagFields(kind media.Kind) (flagField, streamField string) {
	switch kind {
	case media.KindAudio:
		return "micEnabled", "hasAudioStream"
	case media.KindScreen:
		return "screenShareEnabled", "hasScreenStream"
	default:
		return "webcamEnabled", "hasVideoStream"
	}
}

// Publish sends a message on a topic. Requires a joined session.
func (s *Session) Publish(ctx context.Context, topic, body string) error {
	pubsub, err := s.livePubSub()
	if err != nil {
		return err
	}
	return pubsub.Publish(ctx, topic, body)
}

// SubscribeTopic registers a topic handler and returns its disposer.
func (s *Session) SubscribeTopic(topic string, fn TopicHandler) (func(), error) {
	pubsub, err := s.livePubSub()
	if err != nil {
		return nil, err
	}
	return pubsub.SubscribeTopic(topic, fn), nil
}

// RaiseHand publishes on the raise-hand topic.
func (s *Session) RaiseHand(ctx context.Context) error {
	s.mu.RLock()
	name := s.displayName
	s.mu.RUnlock()
	return s.Publish(ctx, constants.TopicRaiseHand, name)
}

// SendChat publishes on the chat topic.
func (s *Session) SendChat(ctx context.Context, body string) error {
	return s.Publish(ctx, constants.TopicChat, body)
}

// ChatMessages returns the materialized chat log.
func (s *Session) ChatMessages() []TopicMessage {
	s.mu.RLock()
	pubsub := s.pubsub
	s.mu.RUnlock()
	if pubsub == nil {
		return nil
	}
	return pubsub.ChatMessages()
}

func (s *Session) livePubSub() (*PubSub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != SessionStateJoined || s.pubsub == nil {
		return nil, errors.NewAppErrorf(errors.ErrCodeSessionNotJoined, "no active session in state %s", s.state)
	}
	return s.pubsub, nil
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// MeetingID returns the joined meeting id, empty before the first join.
func (s *Session) MeetingID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meetingID
}

// LocalID returns the local participant id, empty before the first join.
func (s *Session) LocalID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localID
}

// Participants returns the current roster snapshot.
func (s *Session) Participants() []*Participant {
	s.mu.RLock()
	roster := s.roster
	s.mu.RUnlock()
	if roster == nil {
		return nil
	}
	return roster.Participants()
}

// LocalParticipant returns the roster record for the local participant,
// nil before the roster has seen it.
func (s *Session) LocalParticipant() *Participant {
	s.mu.RLock()
	roster := s.roster
	localID := s.localID
	s.mu.RUnlock()
	if roster == nil {
		return nil
	}
	return roster.Participant(localID)
}

// PresenterID returns the current presenter, empty when nobody shares.
func (s *Session) PresenterID() string {
	s.mu.RLock()
	roster := s.roster
	s.mu.RUnlock()
	if roster == nil {
		return ""
	}
	return roster.PresenterID()
}

// PeerCount returns the number of live peer connection entries.
func (s *Session) PeerCount() int {
	s.mu.RLock()
	peers := s.peers
	s.mu.RUnlock()
	if peers == nil {
		return 0
	}
	return peers.PeerCount()
}

func (s *Session) emitError(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}
