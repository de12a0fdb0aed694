package meeting

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/LingByte/LingMeet/pkg/errors"
	"github.com/LingByte/LingMeet/pkg/logger"
	"github.com/LingByte/LingMeet/pkg/store"
)

// RosterHandlers carries the callbacks fired as the participant set
// changes. All fields are optional.
type RosterHandlers struct {
	OnParticipantJoined func(p *Participant)
	OnParticipantLeft   func(p *Participant)
	OnPresenterChanged  func(participantID string)
}

// Roster mirrors the participants collection into memory. Every update
// rebuilds the full map from the snapshot and diffs it against the
// previous map, so a missed intermediate notification can never leave a
// stale entry behind.
type Roster struct {
	st        store.Store
	meetingID string
	localID   string
	handlers  RosterHandlers

	// ensurePeer is invoked for every remote id present in a snapshot,
	// outside the roster lock. The callee dedups live entries, so a
	// connection dropped after a failed negotiation is recreated the
	// next time the participant is observed.
	ensurePeer func(remoteID string)

	mu           sync.RWMutex
	participants map[string]*Participant
	localFlags   map[string]bool
	presenterID  string
	unsubscribe  store.Unsubscribe
	started      bool
}

func newRoster(st store.Store, meetingID, localID string, handlers RosterHandlers, ensurePeer func(string)) *Roster {
	return &Roster{
		st:           st,
		meetingID:    meetingID,
		localID:      localID,
		handlers:     handlers,
		ensurePeer:   ensurePeer,
		participants: make(map[string]*Participant),
		localFlags:   make(map[string]bool),
	}
}

// Start subscribes to the participants collection.
func (r *Roster) Start(ctx context.Context) error {
	unsub, err := r.st.Subscribe(ctx, participantsPath(r.meetingID), r.onSnapshot)
	if err != nil {
		return errors.WrapError(errors.ErrCodeSubscribeFailed, err)
	}
	r.mu.Lock()
	r.unsubscribe = unsub
	r.started = true
	r.mu.Unlock()
	return nil
}

// SetLocalFlag records an optimistic local media flag. The overlay is
// applied on every rebuild until the echoed document agrees, so the
// local participant's view flips immediately instead of waiting for the
// store round trip.
func (r *Roster) SetLocalFlag(field string, value bool) {
	r.mu.Lock()
	r.localFlags[field] = value
	if local, ok := r.participants[r.localID]; ok {
		applyFlag(local, field, value)
	}
	presenterChanged, presenterID := r.recomputePresenterLocked()
	r.mu.Unlock()

	if presenterChanged && r.handlers.OnPresenterChanged != nil {
		r.handlers.OnPresenterChanged(presenterID)
	}
}

// onSnapshot rebuilds the roster from a full collection snapshot.
func (r *Roster) onSnapshot(snap store.Snapshot) {
	next := make(map[string]*Participant, len(snap.Docs))
	for _, doc := range snap.Docs {
		p := ParticipantFromDoc(doc)
		p.IsLocal = doc.ID == r.localID
		next[doc.ID] = p
	}

	r.mu.Lock()
	prev := r.participants

	var joined, left []*Participant
	var remotes []string
	for id, p := range next {
		if id != r.localID {
			remotes = append(remotes, id)
		}
		old, existed := prev[id]
		if existed {
			// Inbound tracks only live in memory; carry them across
			// the rebuild.
			p.Streams = old.Streams
		} else {
			joined = append(joined, p)
		}
	}
	for id, p := range prev {
		if _, survives := next[id]; !survives {
			left = append(left, p)
		}
	}

	if local, ok := next[r.localID]; ok {
		for field, value := range r.localFlags {
			if flagOf(local, field) == value {
				// The echo caught up with the optimistic write.
				delete(r.localFlags, field)
				continue
			}
			applyFlag(local, field, value)
		}
	}

	r.participants = next
	presenterChanged, presenterID := r.recomputePresenterLocked()
	r.mu.Unlock()

	for _, id := range remotes {
		if r.ensurePeer != nil {
			r.ensurePeer(id)
		}
	}
	for _, p := range joined {
		logger.Info("participant joined", zap.String("participantId", p.ID), zap.String("displayName", p.DisplayName))
		if r.handlers.OnParticipantJoined != nil {
			r.handlers.OnParticipantJoined(p.Clone())
		}
	}
	for _, p := range left {
		logger.Info("participant left", zap.String("participantId", p.ID))
		if r.handlers.OnParticipantLeft != nil {
			r.handlers.OnParticipantLeft(p.Clone())
		}
	}
	if presenterChanged && r.handlers.OnPresenterChanged != nil {
		r.handlers.OnPresenterChanged(presenterID)
	}
}

// recomputePresenterLocked derives the presenter from screen-share flags.
// Among concurrent sharers the earliest joiner wins, so every client
// resolves the race the same way. Caller holds r.mu.
func (r *Roster) recomputePresenterLocked() (bool, string) {
	var sharers []*Participant
	for _, p := range r.participants {
		if p.ScreenShareEnabled {
			sharers = append(sharers, p)
		}
	}
	presenterID := ""
	if len(sharers) > 0 {
		sort.Slice(sharers, func(i, j int) bool {
			if sharers[i].JoinedAt.Equal(sharers[j].JoinedAt) {
				return sharers[i].ID < sharers[j].ID
			}
			return sharers[i].JoinedAt.Before(sharers[j].JoinedAt)
		})
		presenterID = sharers[0].ID
	}
	if presenterID == r.presenterID {
		return false, presenterID
	}
	r.presenterID = presenterID
	return true, presenterID
}

// AttachStream records an inbound track under its owner. Replaces any
// previous stream with the same purpose, which covers a toggled track
// being re-acquired with a fresh id.
func (r *Roster) AttachStream(participantID string, stream *RemoteStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[participantID]
	if !ok {
		// Track beat the roster document; park the owner until the
		// snapshot arrives.
		p = &Participant{ID: participantID}
		r.participants[participantID] = p
	}
	for i, s := range p.Streams {
		if s.Purpose == stream.Purpose {
			p.Streams[i] = stream
			return
		}
	}
	p.Streams = append(p.Streams, stream)
}

// Participants returns a copy of the current roster.
func (r *Roster) Participants() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Participant returns one entry by id, or nil.
func (r *Roster) Participant(id string) *Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.participants[id]; ok {
		return p.Clone()
	}
	return nil
}

// PresenterID returns the current presenter, or empty when nobody shares.
func (r *Roster) PresenterID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenterID
}

// Stop tears down the subscription. Idempotent.
func (r *Roster) Stop() {
	r.mu.Lock()
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.started = false
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func applyFlag(p *Participant, field string, value bool) {
	switch field {
	case "micEnabled":
		p.MicEnabled = value
	case "webcamEnabled":
		p.WebcamEnabled = value
	case "screenShareEnabled":
		p.ScreenShareEnabled = value
	}
}

func flagOf(p *Participant, field string) bool {
	switch field {
	case "micEnabled":
		return p.MicEnabled
	case "webcamEnabled":
		return p.WebcamEnabled
	case "screenShareEnabled":
		return p.ScreenShareEnabled
	default:
		return false
	}
}
