package media

import (
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/LingByte/LingMeet/pkg/constants"
)

// Kind identifies one of the three local stream slots.
type Kind string

const (
	KindVideo  Kind = "video"
	KindAudio  Kind = "audio"
	KindScreen Kind = "screen"
)

// Purpose maps a slot to the purpose tag carried in stream ids, so the
// receiving side classifies tracks from the id instead of guessing from
// track labels.
func (k Kind) Purpose() string {
	switch k {
	case KindVideo:
		return constants.PurposeCamera
	case KindAudio:
		return constants.PurposeMic
	case KindScreen:
		return constants.PurposeScreen
	default:
		return string(k)
	}
}

// LocalTrack 本地媒体轨道，占据一个槽位
type LocalTrack struct {
	id     string
	kind   Kind
	label  string
	custom bool
	track  webrtc.TrackLocal
	stopFn func()

	mu       sync.Mutex
	endedFns []func()
	ended    bool
	stopped  bool
}

// NewLocalTrack wraps a pion track for slot management. stopFn releases
// the underlying capture and may be nil for externally-owned tracks.
func NewLocalTrack(id string, kind Kind, label string, track webrtc.TrackLocal, stopFn func()) *LocalTrack {
	return &LocalTrack{
		id:     id,
		kind:   kind,
		label:  label,
		track:  track,
		stopFn: stopFn,
	}
}

// NewCustomTrack wraps an externally supplied track. The caller keeps
// ownership; Stop never touches the capture source.
func NewCustomTrack(id string, kind Kind, track webrtc.TrackLocal) *LocalTrack {
	t := NewLocalTrack(id, kind, "custom-"+string(kind), track, nil)
	t.custom = true
	return t
}

func (t *LocalTrack) ID() string { return t.id }

func (t *LocalTrack) Kind() Kind { return t.kind }

func (t *LocalTrack) Label() string { return t.label }

// Custom reports whether the track is externally owned.
func (t *LocalTrack) Custom() bool { return t.custom }

// TrackLocal exposes the underlying pion track for AddTrack.
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.track }

// OnEnded registers a callback for out-of-band termination (e.g. the OS
// screen-capture chrome stopping the share). Callbacks fire at most once.
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		go fn()
		return
	}
	t.endedFns = append(t.endedFns, fn)
}

// MarkEnded fires the ended observers. Capture providers call this when
// the source terminates outside our control; it is idempotent.
func (t *LocalTrack) MarkEnded() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := t.endedFns
	t.endedFns = nil
	t.mu.Unlock()

	for _, fn := range fns {
		go fn()
	}
}

// Stop releases the capture source. Idempotent; custom tracks are left
// running for their owner.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	stopFn := t.stopFn
	t.mu.Unlock()

	if stopFn != nil {
		stopFn()
	}
}
