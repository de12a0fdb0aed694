package media

import (
	"context"

	"github.com/LingByte/LingMeet/pkg/constants"
)

// Constraints carries the quality hints passed to a capture provider.
type Constraints struct {
	StreamID string // msid the produced track joins; encodes the purpose tag

	// video / screen
	Width     int
	Height    int
	FrameRate int

	// audio
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// CameraConstraints returns the default webcam hints (~720p).
func CameraConstraints() Constraints {
	return Constraints{
		Width:  constants.CameraIdealWidth,
		Height: constants.CameraIdealHeight,
	}
}

// MicConstraints returns the default microphone hints.
func MicConstraints() Constraints {
	return Constraints{
		SampleRate:       constants.MicSampleRate,
		Channels:         constants.MicChannels,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// ScreenConstraints returns the default screen-capture hints.
func ScreenConstraints() Constraints {
	return Constraints{
		Width:     constants.ScreenIdealWidth,
		Height:    constants.ScreenIdealHeight,
		FrameRate: constants.ScreenIdealFPS,
	}
}

// DefaultConstraints returns the hint set for a slot kind.
func DefaultConstraints(kind Kind) Constraints {
	switch kind {
	case KindAudio:
		return MicConstraints()
	case KindScreen:
		return ScreenConstraints()
	default:
		return CameraConstraints()
	}
}

// CaptureProvider produces device-sourced tracks. A provider that cannot
// serve a kind returns a DEVICE_UNAVAILABLE coded error; the slot stays
// absent and the session continues without that media kind.
type CaptureProvider interface {
	Capture(ctx context.Context, kind Kind, c Constraints) (*LocalTrack, error)
}
