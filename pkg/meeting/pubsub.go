package meeting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/LingByte/LingMeet/pkg/constants"
	"github.com/LingByte/LingMeet/pkg/errors"
	"github.com/LingByte/LingMeet/pkg/logger"
	"github.com/LingByte/LingMeet/pkg/metrics"
	"github.com/LingByte/LingMeet/pkg/store"
)

const (
	dedupTTL     = 10 * time.Minute
	dedupCleanup = 30 * time.Minute
)

// TopicHandler receives messages published on a subscribed topic,
// including the subscriber's own.
type TopicHandler func(msg TopicMessage)

// PubSub is topic messaging over the shared messages collection. Every
// message id is delivered to local handlers at most once even when the
// store re-notifies, and the chat topic keeps a materialized ascending
// log for late subscribers.
type PubSub struct {
	st        store.Store
	meetingID string
	localID   string
	localName string
	dedup     *cache.Cache

	mu          sync.Mutex
	handlers    map[string]map[int]TopicHandler
	nextHandler int
	chatLog     []TopicMessage
	unsubscribe store.Unsubscribe
}

func newPubSub(st store.Store, meetingID, localID, localName string) *PubSub {
	return &PubSub{
		st:        st,
		meetingID: meetingID,
		localID:   localID,
		localName: localName,
		dedup:     cache.New(dedupTTL, dedupCleanup),
		handlers:  make(map[string]map[int]TopicHandler),
	}
}

// Start subscribes to the messages collection.
func (ps *PubSub) Start(ctx context.Context) error {
	unsub, err := ps.st.Subscribe(ctx, messagesPath(ps.meetingID), ps.onSnapshot)
	if err != nil {
		return errors.WrapError(errors.ErrCodeSubscribeFailed, err)
	}
	ps.mu.Lock()
	ps.unsubscribe = unsub
	ps.mu.Unlock()
	return nil
}

// Publish writes one message. The timestamp is assigned by the store so
// ordering is consistent across clients.
func (ps *PubSub) Publish(ctx context.Context, topic, body string) error {
	msg := TopicMessage{
		Topic:      topic,
		SenderID:   ps.localID,
		SenderName: ps.localName,
		Body:       body,
	}
	if _, err := ps.st.Add(ctx, messagesPath(ps.meetingID), msg.ToDoc()); err != nil {
		return errors.WrapError(errors.ErrCodeStoreUnavailable, err)
	}
	metrics.TopicMessages.WithLabelValues(topic, "published").Inc()
	return nil
}

// SubscribeTopic registers a handler for one topic and returns its
// disposer. Multiple handlers per topic are independent.
func (ps *PubSub) SubscribeTopic(topic string, fn TopicHandler) func() {
	ps.mu.Lock()
	if ps.handlers[topic] == nil {
		ps.handlers[topic] = make(map[int]TopicHandler)
	}
	id := ps.nextHandler
	ps.nextHandler++
	ps.handlers[topic][id] = fn
	ps.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ps.mu.Lock()
			delete(ps.handlers[topic], id)
			ps.mu.Unlock()
		})
	}
}

// ChatMessages returns the materialized chat log in ascending timestamp
// order, so a subscriber arriving late still sees the whole history.
func (ps *PubSub) ChatMessages() []TopicMessage {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]TopicMessage, len(ps.chatLog))
	copy(out, ps.chatLog)
	return out
}

func (ps *PubSub) onSnapshot(snap store.Snapshot) {
	var fresh []TopicMessage
	for _, change := range snap.Changes {
		if change.Kind != store.ChangeAdded {
			continue
		}
		msg := TopicMessageFromDoc(change.Doc)
		// cache.Add fails when the key exists, which makes it an atomic
		// seen-check.
		if err := ps.dedup.Add(msg.ID, struct{}{}, cache.DefaultExpiration); err != nil {
			continue
		}
		fresh = append(fresh, msg)
	}
	if len(fresh) == 0 {
		return
	}

	ps.mu.Lock()
	chatGrew := false
	for _, msg := range fresh {
		if msg.Topic == constants.TopicChat {
			ps.chatLog = append(ps.chatLog, msg)
			chatGrew = true
		}
	}
	if chatGrew {
		sort.SliceStable(ps.chatLog, func(i, j int) bool {
			return ps.chatLog[i].Timestamp.Before(ps.chatLog[j].Timestamp)
		})
	}
	dispatch := make([]struct {
		fn  TopicHandler
		msg TopicMessage
	}, 0, len(fresh))
	for _, msg := range fresh {
		for _, fn := range ps.handlers[msg.Topic] {
			dispatch = append(dispatch, struct {
				fn  TopicHandler
				msg TopicMessage
			}{fn, msg})
		}
	}
	ps.mu.Unlock()

	for _, d := range dispatch {
		metrics.TopicMessages.WithLabelValues(d.msg.Topic, "delivered").Inc()
		d.fn(d.msg)
	}
	logger.Debug("topic messages delivered", zap.Int("count", len(fresh)))
}

// Stop tears down the subscription and handlers. Idempotent.
func (ps *PubSub) Stop() {
	ps.mu.Lock()
	unsub := ps.unsubscribe
	ps.unsubscribe = nil
	ps.handlers = make(map[string]map[int]TopicHandler)
	ps.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
