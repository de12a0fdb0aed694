package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectSnapshots(t *testing.T, st Store, path Path) (<-chan Snapshot, Unsubscribe) {
	t.Helper()
	ch := make(chan Snapshot, 64)
	unsub, err := st.Subscribe(context.Background(), path, func(snap Snapshot) {
		ch <- snap
	})
	require.NoError(t, err)
	return ch, unsub
}

func nextSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for snapshot")
		return Snapshot{}
	}
}

func TestMemStoreSetAndGet(t *testing.T) {
	st := NewMemStore()
	defer st.Close()
	ctx := context.Background()
	path := Path{"meetings", "m1", "participants"}

	err := st.Set(ctx, path, "p1", map[string]interface{}{"displayName": "alice"})
	require.NoError(t, err)

	doc, err := st.Get(ctx, path, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", doc.ID)
	assert.Equal(t, "alice", doc.Data["displayName"])

	// 读取的是副本，修改不应影响存储内容
	doc.Data["displayName"] = "mallory"
	doc2, err := st.Get(ctx, path, "p1")
	require.NoError(t, err)
	assert.Equal(t, "alice", doc2.Data["displayName"])
}

func TestMemStoreGetMissing(t *testing.T) {
	st := NewMemStore()
	defer st.Close()

	_, err := st.Get(context.Background(), Path{"meetings"}, "missing")
	assert.Equal(t, ErrNotFound, err)
}

func TestMemStoreAddGeneratesIDs(t *testing.T) {
	st := NewMemStore()
	defer st.Close()
	ctx := context.Background()
	path := Path{"meetings", "m1", "messages"}

	id1, err := st.Add(ctx, path, map[string]interface{}{"n": 1})
	require.NoError(t, err)
	id2, err := st.Add(ctx, path, map[string]interface{}{"n": 2})
	require.NoError(t, err)

	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, id1, id2)
}

func TestMemStoreUpdateMissing(t *testing.T) {
	st := NewMemStore()
	defer st.Close()

	err := st.Update(context.Background(), Path{"meetings"}, "missing", map[string]interface{}{"x": 1})
	assert.Equal(t, ErrNotFound, err)
}

func TestMemStoreDeleteMissingIsNoop(t *testing.T) {
	st := NewMemStore()
	defer st.Close()

	err := st.Delete(context.Background(), Path{"meetings"}, "missing")
	assert.NoError(t, err)
}

func TestMemStoreServerTimestamp(t *testing.T) {
	st := NewMemStore()
	defer st.Close()
	ctx := context.Background()
	path := Path{"meetings", "m1", "messages"}

	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, st.Set(ctx, path, "a", map[string]interface{}{"timestamp": ServerTimestamp}))
	require.NoError(t, st.Set(ctx, path, "b", map[string]interface{}{"timestamp": ServerTimestamp}))

	docA, err := st.Get(ctx, path, "a")
	require.NoError(t, err)
	docB, err := st.Get(ctx, path, "b")
	require.NoError(t, err)

	tsA, ok := docA.Data["timestamp"].(time.Time)
	require.True(t, ok, "sentinel should resolve to a time")
	tsB, ok := docB.Data["timestamp"].(time.Time)
	require.True(t, ok)

	assert.True(t, tsA.After(before))
	// 服务端时间戳严格递增
	assert.True(t, tsB.After(tsA))
}

func TestMemStoreSubscribeInitialSnapshot(t *testing.T) {
	st := NewMemStore()
	defer st.Close()
	ctx := context.Background()
	path := Path{"meetings", "m1", "participants"}

	require.NoError(t, st.Set(ctx, path, "p1", map[string]interface{}{"n": 1}))
	require.NoError(t, st.Set(ctx, path, "p2", map[string]interface{}{"n": 2}))

	ch, unsub := collectSnapshots(t, st, path)
	defer unsub()

	snap := nextSnapshot(t, ch)
	require.Len(t, snap.Docs, 2)
	require.Len(t, snap.Changes, 2)
	// 现有内容以 Added 变更的形式送达，且保持写入顺序
	assert.Equal(t, "p1", snap.Docs[0].ID)
	assert.Equal(t, "p2", snap.Docs[1].ID)
	for _, change := range snap.Changes {
		assert.Equal(t, ChangeAdded, change.Kind)
	}
}

func TestMemStoreSubscribeChangeKinds(t *testing.T) {
	st := NewMemStore()
	defer st.Close()
	ctx := context.Background()
	path := Path{"meetings", "m1", "participants"}

	ch, unsub := collectSnapshots(t, st, path)
	defer unsub()
	nextSnapshot(t, ch) // 空的初始快照

	require.NoError(t, st.Set(ctx, path, "p1", map[string]interface{}{"n": 1}))
	snap := nextSnapshot(t, ch)
	require.Len(t, snap.Changes, 1)
	assert.Equal(t, ChangeAdded, snap.Changes[0].Kind)
	assert.Equal(t, "p1", snap.Changes[0].Doc.ID)

	require.NoError(t, st.Update(ctx, path, "p1", map[string]interface{}{"n": 2}))
	snap = nextSnapshot(t, ch)
	require.Len(t, snap.Changes, 1)
	assert.Equal(t, ChangeModified, snap.Changes[0].Kind)
	assert.Equal(t, 2, snap.Changes[0].Doc.Data["n"])

	require.NoError(t, st.Delete(ctx, path, "p1"))
	snap = nextSnapshot(t, ch)
	require.Len(t, snap.Changes, 1)
	assert.Equal(t, ChangeRemoved, snap.Changes[0].Kind)
	assert.Empty(t, snap.Docs)
}

func TestMemStoreUnsubscribeStopsDelivery(t *testing.T) {
	st := NewMemStore()
	defer st.Close()
	ctx := context.Background()
	path := Path{"meetings", "m1", "participants"}

	var mu sync.Mutex
	count := 0
	unsub, err := st.Subscribe(ctx, path, func(Snapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, st.Set(ctx, path, "p1", map[string]interface{}{"n": 1}))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2 // 初始快照 + 一次变更
	}, 2*time.Second, 10*time.Millisecond)

	unsub()
	unsub() // 重复调用应当安全

	mu.Lock()
	seen := count
	mu.Unlock()
	require.NoError(t, st.Set(ctx, path, "p2", map[string]interface{}{"n": 2}))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, seen, count, "no deliveries after unsubscribe")
	mu.Unlock()
}

func TestMemStoreSubscriptionsAreIndependentPerPath(t *testing.T) {
	st := NewMemStore()
	defer st.Close()
	ctx := context.Background()

	chA, unsubA := collectSnapshots(t, st, Path{"meetings", "m1", "participants"})
	defer unsubA()
	chB, unsubB := collectSnapshots(t, st, Path{"meetings", "m2", "participants"})
	defer unsubB()
	nextSnapshot(t, chA)
	nextSnapshot(t, chB)

	require.NoError(t, st.Set(ctx, Path{"meetings", "m1", "participants"}, "p1", map[string]interface{}{"n": 1}))
	snap := nextSnapshot(t, chA)
	assert.Len(t, snap.Changes, 1)

	select {
	case <-chB:
		t.Fatal("subscription on another path must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

// 并发写入时每个订阅仍按存储顺序收到快照
func TestMemStoreConcurrentWrites(t *testing.T) {
	st := NewMemStore()
	defer st.Close()
	ctx := context.Background()
	path := Path{"meetings", "m1", "messages"}

	var mu sync.Mutex
	var sizes []int
	unsub, err := st.Subscribe(ctx, path, func(snap Snapshot) {
		mu.Lock()
		sizes = append(sizes, len(snap.Docs))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	const writers = 8
	const perWriter = 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				_ = st.Set(ctx, path, id, map[string]interface{}{"n": i})
			}
		}(w)
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sizes) > 0 && sizes[len(sizes)-1] == writers*perWriter
	}, 5*time.Second, 10*time.Millisecond)

	// 快照中的文档数单调不减
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(sizes); i++ {
		assert.GreaterOrEqual(t, sizes[i], sizes[i-1])
	}
}

func TestPathChild(t *testing.T) {
	base := Path{"meetings", "m1"}
	child := base.Child("participants")
	assert.Equal(t, "meetings/m1/participants", child.String())
	// Child 不应修改原路径
	assert.Equal(t, "meetings/m1", base.String())
}

func BenchmarkMemStoreSet(b *testing.B) {
	st := NewMemStore()
	defer st.Close()
	ctx := context.Background()
	path := Path{"meetings", "m1", "messages"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = st.Set(ctx, path, fmt.Sprintf("doc-%d", i), map[string]interface{}{"n": i})
	}
}
