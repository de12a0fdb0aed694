package media

import (
	"context"
	"fmt"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/pion/webrtc/v3"
	webrtcmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"

	"github.com/LingByte/LingMeet/pkg/constants"
	"github.com/LingByte/LingMeet/pkg/errors"
	"github.com/LingByte/LingMeet/pkg/logger"
)

// MalgoProvider captures the default microphone through malgo and feeds a
// PCMU sample track. Camera and screen capture have no portable device
// path in this library; those slots are fed by custom tracks or stay
// absent, which the session treats as non-fatal.
type MalgoProvider struct {
	allocated *malgo.AllocatedContext
}

// NewMalgoProvider initializes the audio backend context.
func NewMalgoProvider() (*MalgoProvider, error) {
	allocated, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", zap.String("message", message))
	})
	if err != nil {
		return nil, errors.WrapError(errors.ErrCodeDeviceUnavailable, err)
	}
	return &MalgoProvider{allocated: allocated}, nil
}

// Capture opens the default capture device for audio; other kinds report
// DEVICE_UNAVAILABLE so their slot degrades to absent.
func (p *MalgoProvider) Capture(ctx context.Context, kind Kind, c Constraints) (*LocalTrack, error) {
	if kind != KindAudio {
		return nil, errors.NewAppErrorf(errors.ErrCodeDeviceUnavailable,
			"no device capture path for %s; supply a custom track", kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sampleRate := c.SampleRate
	if sampleRate == 0 {
		sampleRate = constants.MicSampleRate
	}
	channels := c.Channels
	if channels == 0 {
		channels = constants.MicChannels
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: uint32(sampleRate)},
		"audio",
		c.StreamID,
	)
	if err != nil {
		return nil, errors.WrapError(errors.ErrCodeInternal, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = constants.MicFrameDurationMs
	deviceConfig.Alsa.NoMMap = 1

	onRecv := func(_, input []byte, frameCount uint32) {
		if len(input) == 0 {
			return
		}
		sample := webrtcmedia.Sample{
			Data:     EncodePCMU(input),
			Duration: time.Duration(frameCount) * time.Second / time.Duration(sampleRate),
		}
		if err := track.WriteSample(sample); err != nil {
			logger.Debug("mic sample write failed", zap.Error(err))
		}
	}

	device, err := malgo.InitDevice(p.allocated.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		return nil, errors.WrapError(errors.ErrCodeDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, errors.WrapError(errors.ErrCodeDeviceUnavailable, err)
	}

	local := NewLocalTrack(
		fmt.Sprintf("mic-%d", time.Now().UnixNano()),
		KindAudio,
		"malgo-default-capture",
		track,
		func() { device.Uninit() },
	)
	logger.Info("microphone capture started",
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	return local, nil
}

// Close releases the audio backend.
func (p *MalgoProvider) Close() error {
	if p.allocated == nil {
		return nil
	}
	err := p.allocated.Uninit()
	p.allocated.Free()
	p.allocated = nil
	return err
}
