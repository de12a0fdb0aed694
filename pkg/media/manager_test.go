package media

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LingByte/LingMeet/pkg/errors"
)

// fakeProvider serves capture requests from memory and records the
// constraints it saw.
type fakeProvider struct {
	mu       sync.Mutex
	seq      int
	failKind Kind
	failErr  error
	captured []Constraints
	stopped  []string
}

func newFakeTrack(t *testing.T, kind Kind, streamID string) webrtc.TrackLocal {
	t.Helper()
	mime := webrtc.MimeTypeVP8
	if kind == KindAudio {
		mime = webrtc.MimeTypePCMU
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		string(kind),
		streamID,
	)
	require.NoError(t, err)
	return track
}

func (f *fakeProvider) Capture(ctx context.Context, kind Kind, c Constraints) (*LocalTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == f.failKind && f.failErr != nil {
		return nil, f.failErr
	}
	f.captured = append(f.captured, c)
	f.seq++
	id := fmt.Sprintf("fake-%s-%d", kind, f.seq)
	mime := webrtc.MimeTypeVP8
	if kind == KindAudio {
		mime = webrtc.MimeTypePCMU
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		string(kind),
		c.StreamID,
	)
	if err != nil {
		return nil, err
	}
	return NewLocalTrack(id, kind, "fake-device", track, func() {
		f.mu.Lock()
		f.stopped = append(f.stopped, id)
		f.mu.Unlock()
	}), nil
}

func (f *fakeProvider) stoppedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stopped))
	copy(out, f.stopped)
	return out
}

func TestManagerAcquireRelease(t *testing.T) {
	provider := &fakeProvider{}
	mgr := NewManager(provider)
	mgr.SetStreamPrefix("alice123")

	track, err := mgr.Acquire(context.Background(), KindAudio, MicConstraints())
	require.NoError(t, err)
	require.NotNil(t, track)
	assert.Equal(t, KindAudio, track.Kind())
	assert.Same(t, track, mgr.CurrentTrack(KindAudio))

	// 流 id 携带用途标记
	assert.Equal(t, "alice123:mic", provider.captured[0].StreamID)

	mgr.Release(KindAudio)
	assert.Nil(t, mgr.CurrentTrack(KindAudio))
	assert.Equal(t, []string{track.ID()}, provider.stoppedIDs())

	// 释放空槽位是 no-op
	mgr.Release(KindAudio)
	assert.Len(t, provider.stoppedIDs(), 1)
}

func TestManagerReacquireReplacesSlot(t *testing.T) {
	provider := &fakeProvider{}
	mgr := NewManager(provider)
	mgr.SetStreamPrefix("p1")

	first, err := mgr.Acquire(context.Background(), KindVideo, CameraConstraints())
	require.NoError(t, err)
	second, err := mgr.Acquire(context.Background(), KindVideo, CameraConstraints())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	// 旧轨道在新采集前被停止
	assert.Equal(t, []string{first.ID()}, provider.stoppedIDs())
	assert.Same(t, second, mgr.CurrentTrack(KindVideo))
}

func TestManagerCustomTrackWins(t *testing.T) {
	provider := &fakeProvider{}
	mgr := NewManager(provider)
	mgr.SetStreamPrefix("p1")

	custom := newFakeTrack(t, KindVideo, "external")
	mgr.SetCustomTrack(KindVideo, custom)

	track, err := mgr.Acquire(context.Background(), KindVideo, CameraConstraints())
	require.NoError(t, err)
	assert.True(t, track.Custom())
	assert.Same(t, custom, track.TrackLocal())
	// 设备采集不应被调用
	assert.Empty(t, provider.captured)

	// 自定义轨道由外部持有，Release 不应停止它
	mgr.Release(KindVideo)
	assert.Empty(t, provider.stoppedIDs())

	// 清除后回落到设备采集
	mgr.SetCustomTrack(KindVideo, nil)
	track2, err := mgr.Acquire(context.Background(), KindVideo, CameraConstraints())
	require.NoError(t, err)
	assert.False(t, track2.Custom())
}

func TestManagerCaptureFailureLeavesSlotAbsent(t *testing.T) {
	provider := &fakeProvider{
		failKind: KindVideo,
		failErr:  errors.NewAppError(errors.ErrCodeDevicePermissionDenied, "camera denied"),
	}
	mgr := NewManager(provider)
	mgr.SetStreamPrefix("p1")

	var mu sync.Mutex
	var notified []*LocalTrack
	mgr.OnSlotChanged(func(kind Kind, track *LocalTrack) {
		mu.Lock()
		notified = append(notified, track)
		mu.Unlock()
	})

	track, err := mgr.Acquire(context.Background(), KindVideo, CameraConstraints())
	assert.Nil(t, track)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDevicePermissionDenied))
	assert.Nil(t, mgr.CurrentTrack(KindVideo))

	// 失败也会通知观察者槽位为空
	mu.Lock()
	require.Len(t, notified, 1)
	assert.Nil(t, notified[0])
	mu.Unlock()

	// 其他槽位不受影响
	audio, err := mgr.Acquire(context.Background(), KindAudio, MicConstraints())
	require.NoError(t, err)
	assert.NotNil(t, audio)
}

func TestManagerObserverSeesAcquireAndRelease(t *testing.T) {
	provider := &fakeProvider{}
	mgr := NewManager(provider)
	mgr.SetStreamPrefix("p1")

	type event struct {
		kind  Kind
		empty bool
	}
	var mu sync.Mutex
	var events []event
	mgr.OnSlotChanged(func(kind Kind, track *LocalTrack) {
		mu.Lock()
		events = append(events, event{kind: kind, empty: track == nil})
		mu.Unlock()
	})

	_, err := mgr.Acquire(context.Background(), KindScreen, ScreenConstraints())
	require.NoError(t, err)
	mgr.Release(KindScreen)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, event{kind: KindScreen, empty: false}, events[0])
	assert.Equal(t, event{kind: KindScreen, empty: true}, events[1])
}

func TestManagerStopAll(t *testing.T) {
	provider := &fakeProvider{}
	mgr := NewManager(provider)
	mgr.SetStreamPrefix("p1")

	_, err := mgr.Acquire(context.Background(), KindAudio, MicConstraints())
	require.NoError(t, err)
	_, err = mgr.Acquire(context.Background(), KindVideo, CameraConstraints())
	require.NoError(t, err)

	mgr.StopAll()
	assert.Nil(t, mgr.CurrentTrack(KindAudio))
	assert.Nil(t, mgr.CurrentTrack(KindVideo))
	assert.Len(t, provider.stoppedIDs(), 2)
}

func TestKindPurpose(t *testing.T) {
	assert.Equal(t, "camera", KindVideo.Purpose())
	assert.Equal(t, "mic", KindAudio.Purpose())
	assert.Equal(t, "screen", KindScreen.Purpose())
}

func TestLocalTrackOnEnded(t *testing.T) {
	track := NewLocalTrack("t1", KindScreen, "test", newFakeTrack(t, KindScreen, "s"), nil)

	fired := make(chan struct{}, 2)
	track.OnEnded(func() { fired <- struct{}{} })

	track.MarkEnded()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("ended callback did not fire")
	}

	// 重复 MarkEnded 不再触发
	track.MarkEnded()
	select {
	case <-fired:
		t.Fatal("ended callback fired twice")
	case <-time.After(50 * time.Millisecond):
	}

	// 已结束后注册的回调立即触发
	track.OnEnded(func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("late ended callback did not fire")
	}
}

func TestLocalTrackStopIdempotent(t *testing.T) {
	stops := 0
	track := NewLocalTrack("t1", KindAudio, "test", newFakeTrack(t, KindAudio, "s"), func() { stops++ })

	track.Stop()
	track.Stop()
	assert.Equal(t, 1, stops)
}
