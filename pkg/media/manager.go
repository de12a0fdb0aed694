package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/LingByte/LingMeet/pkg/errors"
	"github.com/LingByte/LingMeet/pkg/logger"
)

// SlotObserver is notified after a slot changes. track is nil when the
// slot was released.
type SlotObserver func(kind Kind, track *LocalTrack)

// Manager owns the three local stream slots. Slots are mutated only
// through Acquire/Release; everyone else observes changes through
// OnSlotChanged and reads snapshots via CurrentTrack.
type Manager struct {
	mu        sync.Mutex
	provider  CaptureProvider
	prefix    string // stream id prefix, the local participant id
	slots     map[Kind]*LocalTrack
	custom    map[Kind]webrtc.TrackLocal
	observers []SlotObserver
	seq       int
}

// NewManager creates a slot manager backed by the given provider.
func NewManager(provider CaptureProvider) *Manager {
	return &Manager{
		provider: provider,
		slots:    make(map[Kind]*LocalTrack),
		custom:   make(map[Kind]webrtc.TrackLocal),
	}
}

// SetStreamPrefix sets the participant id used to build stream ids
// ("<participantID>:<purpose>"). Must be set before the first Acquire.
func (m *Manager) SetStreamPrefix(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefix = prefix
}

// SetCustomTrack supplies an externally-owned track for a slot. It takes
// precedence over device capture; only one producer populates a slot.
func (m *Manager) SetCustomTrack(kind Kind, track webrtc.TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if track == nil {
		delete(m.custom, kind)
		return
	}
	m.custom[kind] = track
}

// OnSlotChanged registers a slot-change observer.
func (m *Manager) OnSlotChanged(fn SlotObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// StreamID returns the msid for a slot kind.
func (m *Manager) StreamID(kind Kind) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamIDLocked(kind)
}

func (m *Manager) streamIDLocked(kind Kind) string {
	return m.prefix + ":" + kind.Purpose()
}

// Acquire fills a slot. Any existing track in the slot is stopped and
// released first. A supplied custom track wins over device capture; a
// capture failure leaves the slot absent and returns the coded error.
func (m *Manager) Acquire(ctx context.Context, kind Kind, c Constraints) (*LocalTrack, error) {
	m.mu.Lock()
	m.releaseLocked(kind)
	c.StreamID = m.streamIDLocked(kind)
	custom, hasCustom := m.custom[kind]
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	var track *LocalTrack
	if hasCustom {
		track = NewCustomTrack(fmt.Sprintf("%s-%d", kind, seq), kind, custom)
	} else {
		var err error
		track, err = m.provider.Capture(ctx, kind, c)
		if err != nil {
			logger.Warn("media capture failed, slot stays absent",
				zap.String("kind", string(kind)), zap.Error(err))
			m.notify(kind, nil)
			if errors.IsAppError(err) {
				return nil, err
			}
			return nil, errors.WrapError(errors.ErrCodeDeviceUnavailable, err)
		}
	}

	m.mu.Lock()
	m.slots[kind] = track
	m.mu.Unlock()

	logger.Info("media slot populated",
		zap.String("kind", string(kind)),
		zap.String("track", track.ID()),
		zap.Bool("custom", track.Custom()),
	)
	m.notify(kind, track)
	return track, nil
}

// Release stops and clears a slot. Releasing an empty slot is a no-op.
func (m *Manager) Release(kind Kind) {
	m.mu.Lock()
	released := m.releaseLocked(kind)
	m.mu.Unlock()
	if released {
		logger.Info("media slot released", zap.String("kind", string(kind)))
		m.notify(kind, nil)
	}
}

func (m *Manager) releaseLocked(kind Kind) bool {
	track, ok := m.slots[kind]
	if !ok {
		return false
	}
	delete(m.slots, kind)
	track.Stop()
	return true
}

// CurrentTrack returns the slot occupant or nil.
func (m *Manager) CurrentTrack(kind Kind) *LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[kind]
}

// StopAll releases every slot, for session teardown.
func (m *Manager) StopAll() {
	for _, kind := range []Kind{KindVideo, KindAudio, KindScreen} {
		m.Release(kind)
	}
}

func (m *Manager) notify(kind Kind, track *LocalTrack) {
	m.mu.Lock()
	observers := make([]SlotObserver, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(kind, track)
	}
}
