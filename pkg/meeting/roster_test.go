package meeting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LingByte/LingMeet/pkg/store"
)

type rosterRecorder struct {
	mu        sync.Mutex
	joined    []string
	left      []string
	presenter []string
	ensured   map[string]int
}

func newRosterRecorder() *rosterRecorder {
	return &rosterRecorder{ensured: make(map[string]int)}
}

func (r *rosterRecorder) handlers() RosterHandlers {
	return RosterHandlers{
		OnParticipantJoined: func(p *Participant) {
			r.mu.Lock()
			r.joined = append(r.joined, p.ID)
			r.mu.Unlock()
		},
		OnParticipantLeft: func(p *Participant) {
			r.mu.Lock()
			r.left = append(r.left, p.ID)
			r.mu.Unlock()
		},
		OnPresenterChanged: func(id string) {
			r.mu.Lock()
			r.presenter = append(r.presenter, id)
			r.mu.Unlock()
		},
	}
}

func (r *rosterRecorder) ensurePeer(id string) {
	r.mu.Lock()
	r.ensured[id]++
	r.mu.Unlock()
}

func (r *rosterRecorder) joinedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.joined))
	copy(out, r.joined)
	return out
}

func (r *rosterRecorder) leftIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.left))
	copy(out, r.left)
	return out
}

func (r *rosterRecorder) presenterLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.presenter))
	copy(out, r.presenter)
	return out
}

func (r *rosterRecorder) ensuredCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensured[id]
}

func writeParticipant(t *testing.T, st store.Store, meetingID, id string, joinedAt time.Time, fields map[string]interface{}) {
	t.Helper()
	doc := (&Participant{DisplayName: id, JoinedAt: joinedAt}).ToDoc()
	for k, v := range fields {
		doc[k] = v
	}
	require.NoError(t, st.Set(context.Background(), participantsPath(meetingID), id, doc))
}

func TestRosterJoinAndLeaveEvents(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	rec := newRosterRecorder()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	writeParticipant(t, st, "m1", "remote1", base, nil)

	roster := newRoster(st, "m1", "local1", rec.handlers(), rec.ensurePeer)
	require.NoError(t, roster.Start(context.Background()))
	defer roster.Stop()

	// 初始快照中的参与者也触发加入事件
	assert.Eventually(t, func() bool {
		return len(rec.joinedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"remote1"}, rec.joinedIDs())

	writeParticipant(t, st, "m1", "remote2", base.Add(time.Second), nil)
	assert.Eventually(t, func() bool {
		return len(rec.joinedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, st.Delete(context.Background(), participantsPath("m1"), "remote1"))
	assert.Eventually(t, func() bool {
		return len(rec.leftIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"remote1"}, rec.leftIDs())

	got := roster.Participants()
	require.Len(t, got, 1)
	assert.Equal(t, "remote2", got[0].ID)
}

// 每次快照都为在场的远端请求连接条目；失败后被丢弃的条目
// 因此会在下一次观察时重建，去重由 PeerManager 负责
func TestRosterEnsuresPeerOnEverySnapshot(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	rec := newRosterRecorder()
	base := time.Now().UTC()

	roster := newRoster(st, "m1", "local1", rec.handlers(), rec.ensurePeer)
	require.NoError(t, roster.Start(context.Background()))
	defer roster.Stop()

	writeParticipant(t, st, "m1", "remote1", base, nil)
	writeParticipant(t, st, "m1", "local1", base, nil)

	assert.Eventually(t, func() bool {
		return rec.ensuredCount("remote1") >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// 已在场的远端在后续快照中再次被请求
	before := rec.ensuredCount("remote1")
	require.NoError(t, st.Update(context.Background(), participantsPath("m1"), "remote1",
		map[string]interface{}{"micEnabled": true}))
	assert.Eventually(t, func() bool {
		return rec.ensuredCount("remote1") > before
	}, 2*time.Second, 10*time.Millisecond)

	// 本地参与者不建连
	assert.Equal(t, 0, rec.ensuredCount("local1"))
}

func TestRosterMarksLocalParticipant(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	rec := newRosterRecorder()

	roster := newRoster(st, "m1", "local1", rec.handlers(), rec.ensurePeer)
	require.NoError(t, roster.Start(context.Background()))
	defer roster.Stop()

	writeParticipant(t, st, "m1", "local1", time.Now().UTC(), nil)
	assert.Eventually(t, func() bool {
		p := roster.Participant("local1")
		return p != nil && p.IsLocal
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRosterPresenterEarliestJoinerWins(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	rec := newRosterRecorder()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	roster := newRoster(st, "m1", "local1", rec.handlers(), rec.ensurePeer)
	require.NoError(t, roster.Start(context.Background()))
	defer roster.Stop()

	writeParticipant(t, st, "m1", "early", base, map[string]interface{}{"screenShareEnabled": false})
	writeParticipant(t, st, "m1", "late", base.Add(time.Minute), map[string]interface{}{"screenShareEnabled": true})

	assert.Eventually(t, func() bool {
		return roster.PresenterID() == "late"
	}, 2*time.Second, 10*time.Millisecond)

	// 两人同时共享时，较早加入者胜出
	require.NoError(t, st.Update(context.Background(), participantsPath("m1"), "early",
		map[string]interface{}{"screenShareEnabled": true}))
	assert.Eventually(t, func() bool {
		return roster.PresenterID() == "early"
	}, 2*time.Second, 10*time.Millisecond)

	// 胜出者停止共享后回落到另一位
	require.NoError(t, st.Update(context.Background(), participantsPath("m1"), "early",
		map[string]interface{}{"screenShareEnabled": false}))
	assert.Eventually(t, func() bool {
		return roster.PresenterID() == "late"
	}, 2*time.Second, 10*time.Millisecond)

	// 没有任何人共享时没有主讲人
	require.NoError(t, st.Update(context.Background(), participantsPath("m1"), "late",
		map[string]interface{}{"screenShareEnabled": false}))
	assert.Eventually(t, func() bool {
		return roster.PresenterID() == ""
	}, 2*time.Second, 10*time.Millisecond)

	log := rec.presenterLog()
	assert.Equal(t, []string{"late", "early", "late", ""}, log)
}

func TestRosterAttachStreamBeforeDoc(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	rec := newRosterRecorder()

	roster := newRoster(st, "m1", "local1", rec.handlers(), rec.ensurePeer)
	require.NoError(t, roster.Start(context.Background()))
	defer roster.Stop()

	// 轨道先于名册文档到达
	roster.AttachStream("remote1", &RemoteStream{StreamID: "remote1:camera", Purpose: "camera"})

	writeParticipant(t, st, "m1", "remote1", time.Now().UTC(), nil)
	assert.Eventually(t, func() bool {
		p := roster.Participant("remote1")
		return p != nil && p.DisplayName == "remote1" && len(p.Streams) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRosterAttachStreamReplacesSamePurpose(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	rec := newRosterRecorder()
	roster := newRoster(st, "m1", "local1", rec.handlers(), rec.ensurePeer)

	roster.AttachStream("remote1", &RemoteStream{StreamID: "remote1:camera", Purpose: "camera"})
	roster.AttachStream("remote1", &RemoteStream{StreamID: "remote1:camera", Purpose: "camera"})
	roster.AttachStream("remote1", &RemoteStream{StreamID: "remote1:mic", Purpose: "mic"})

	p := roster.Participant("remote1")
	require.NotNil(t, p)
	assert.Len(t, p.Streams, 2)
}

func TestRosterLocalFlagOverlay(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	rec := newRosterRecorder()
	roster := newRoster(st, "m1", "local1", rec.handlers(), rec.ensurePeer)
	require.NoError(t, roster.Start(context.Background()))
	defer roster.Stop()

	writeParticipant(t, st, "m1", "local1", time.Now().UTC(), map[string]interface{}{"micEnabled": false})
	assert.Eventually(t, func() bool {
		return roster.Participant("local1") != nil
	}, 2*time.Second, 10*time.Millisecond)

	// 本地翻转立即可见，无需等待存储回显
	roster.SetLocalFlag("micEnabled", true)
	p := roster.Participant("local1")
	require.NotNil(t, p)
	assert.True(t, p.MicEnabled)

	// 旧文档的回显不会盖掉本地乐观状态
	require.NoError(t, st.Update(context.Background(), participantsPath("m1"), "local1",
		map[string]interface{}{"displayName": "renamed"}))
	assert.Eventually(t, func() bool {
		p := roster.Participant("local1")
		return p != nil && p.DisplayName == "renamed"
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, roster.Participant("local1").MicEnabled)

	// 回显一致后覆盖层清除
	require.NoError(t, st.Update(context.Background(), participantsPath("m1"), "local1",
		map[string]interface{}{"micEnabled": true}))
	assert.Eventually(t, func() bool {
		roster.mu.RLock()
		defer roster.mu.RUnlock()
		return len(roster.localFlags) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, roster.Participant("local1").MicEnabled)
}

func TestRosterParticipantsSortedByJoinTime(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	rec := newRosterRecorder()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	roster := newRoster(st, "m1", "local1", rec.handlers(), rec.ensurePeer)
	require.NoError(t, roster.Start(context.Background()))
	defer roster.Stop()

	writeParticipant(t, st, "m1", "c", base.Add(2*time.Second), nil)
	writeParticipant(t, st, "m1", "a", base, nil)
	writeParticipant(t, st, "m1", "b", base.Add(time.Second), nil)

	assert.Eventually(t, func() bool {
		return len(roster.Participants()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	got := roster.Participants()
	ids := []string{got[0].ID, got[1].ID, got[2].ID}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}
