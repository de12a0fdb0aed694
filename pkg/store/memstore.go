package store

import (
	"context"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid"
)

// MemStore is an in-process Store used by tests and single-process demos.
// Every subscription gets its own delivery goroutine draining a FIFO queue,
// so snapshots arrive in store order without ever blocking writers.
type MemStore struct {
	mu          sync.Mutex
	collections map[string]*memCollection
	subs        map[string]map[int]*memSub
	nextSubID   int
	lastTS      time.Time
	closed      bool
}

type memCollection struct {
	docs  map[string]map[string]interface{}
	order []string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		collections: make(map[string]*memCollection),
		subs:        make(map[string]map[int]*memSub),
	}
}

// now returns a strictly increasing server timestamp.
func (m *MemStore) now() time.Time {
	ts := time.Now().UTC()
	if !ts.After(m.lastTS) {
		ts = m.lastTS.Add(time.Nanosecond)
	}
	m.lastTS = ts
	return ts
}

func (m *MemStore) collection(key string) *memCollection {
	col, ok := m.collections[key]
	if !ok {
		col = &memCollection{docs: make(map[string]map[string]interface{})}
		m.collections[key] = col
	}
	return col
}

// snapshotLocked builds a copy-on-read snapshot of the collection.
func (m *MemStore) snapshotLocked(key string, changes []Change) Snapshot {
	col := m.collection(key)
	docs := make([]Document, 0, len(col.order))
	for _, id := range col.order {
		docs = append(docs, Document{ID: id, Data: cloneData(col.docs[id])})
	}
	return Snapshot{Docs: docs, Changes: changes}
}

func (m *MemStore) notifyLocked(key string, snap Snapshot) {
	for _, sub := range m.subs[key] {
		sub.push(snap)
	}
}

// Add creates a document with a generated id.
func (m *MemStore) Add(ctx context.Context, path Path, data map[string]interface{}) (string, error) {
	id, err := gonanoid.Nanoid()
	if err != nil {
		return "", err
	}
	if err := m.Set(ctx, path, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// Set creates or replaces a document.
func (m *MemStore) Set(ctx context.Context, path Path, id string, data map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := path.String()
	col := m.collection(key)
	resolved := resolveTimestamps(data, m.now())

	kind := ChangeAdded
	if _, exists := col.docs[id]; exists {
		kind = ChangeModified
	} else {
		col.order = append(col.order, id)
	}
	col.docs[id] = resolved

	change := Change{Kind: kind, Doc: Document{ID: id, Data: cloneData(resolved)}}
	m.notifyLocked(key, m.snapshotLocked(key, []Change{change}))
	return nil
}

// Update merges fields into an existing document.
func (m *MemStore) Update(ctx context.Context, path Path, id string, fields map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := path.String()
	col := m.collection(key)
	doc, exists := col.docs[id]
	if !exists {
		return ErrNotFound
	}
	for k, v := range resolveTimestamps(fields, m.now()) {
		doc[k] = v
	}

	change := Change{Kind: ChangeModified, Doc: Document{ID: id, Data: cloneData(doc)}}
	m.notifyLocked(key, m.snapshotLocked(key, []Change{change}))
	return nil
}

// Delete removes a document; deleting a missing id is a no-op.
func (m *MemStore) Delete(ctx context.Context, path Path, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := path.String()
	col := m.collection(key)
	doc, exists := col.docs[id]
	if !exists {
		return nil
	}
	delete(col.docs, id)
	for i, oid := range col.order {
		if oid == id {
			col.order = append(col.order[:i], col.order[i+1:]...)
			break
		}
	}

	change := Change{Kind: ChangeRemoved, Doc: Document{ID: id, Data: cloneData(doc)}}
	m.notifyLocked(key, m.snapshotLocked(key, []Change{change}))
	return nil
}

// Get reads one document.
func (m *MemStore) Get(ctx context.Context, path Path, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	col := m.collection(path.String())
	doc, exists := col.docs[id]
	if !exists {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: cloneData(doc)}, nil
}

// Subscribe opens an ordered change feed. The handler first receives the
// current contents as Added changes, then every subsequent change.
func (m *MemStore) Subscribe(ctx context.Context, path Path, handler func(Snapshot)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()

	key := path.String()
	sub := newMemSub(handler)
	m.nextSubID++
	subID := m.nextSubID
	if m.subs[key] == nil {
		m.subs[key] = make(map[int]*memSub)
	}
	m.subs[key][subID] = sub

	// Initial snapshot: everything currently in the collection shows up
	// as an Added change, mirroring a fresh listener attach.
	initial := m.snapshotLocked(key, nil)
	for _, doc := range initial.Docs {
		initial.Changes = append(initial.Changes, Change{Kind: ChangeAdded, Doc: doc})
	}
	sub.push(initial)
	m.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[key], subID)
			m.mu.Unlock()
			sub.stop()
		})
	}, nil
}

// Close tears down all subscriptions.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for key, subs := range m.subs {
		for id, sub := range subs {
			sub.stop()
			delete(subs, id)
		}
		delete(m.subs, key)
	}
	return nil
}

// memSub is a single subscription with an unbounded FIFO queue so writers
// never block on slow handlers.
type memSub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Snapshot
	closed  bool
	handler func(Snapshot)
}

func newMemSub(handler func(Snapshot)) *memSub {
	s := &memSub{handler: handler}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memSub) push(snap Snapshot) {
	s.mu.Lock()
	if !s.closed {
		s.pending = append(s.pending, snap)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *memSub) run() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.pending) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		snap := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.handler(snap)
	}
}

func (s *memSub) stop() {
	s.mu.Lock()
	s.closed = true
	s.pending = nil // no deliveries after unsubscribe
	s.cond.Signal()
	s.mu.Unlock()
}
