package store

import (
	"context"
	"strings"
	"time"

	"github.com/LingByte/LingMeet/pkg/errors"
)

// Path is a collection path, e.g. Path{"meetings", meetingID, "participants"}.
type Path []string

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Child returns the path extended by the given segments.
func (p Path) Child(segments ...string) Path {
	child := make(Path, 0, len(p)+len(segments))
	child = append(child, p...)
	child = append(child, segments...)
	return child
}

// serverTimestamp is a write sentinel; the store replaces it with its own
// clock so all subscribers order messages against one timeline.
type serverTimestamp struct{}

// ServerTimestamp marks a field to be filled with the store's clock at
// write time.
var ServerTimestamp = serverTimestamp{}

// Document is a point-in-time copy of a stored document. Data is always a
// fresh map; callers may mutate it freely.
type Document struct {
	ID   string
	Data map[string]interface{}
}

// ChangeKind classifies a document change within a snapshot.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one document-level change delivered with a snapshot.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Snapshot carries the full collection contents plus the changes that
// produced this delivery. Docs are ordered by creation.
type Snapshot struct {
	Docs    []Document
	Changes []Change
}

// Unsubscribe tears down a subscription. Safe to call more than once.
type Unsubscribe func()

// Store is the document-store boundary the session core signals through.
// Implementations must deliver snapshots for a given subscription in
// store order, one at a time.
type Store interface {
	// Add creates a document with an auto-generated id.
	Add(ctx context.Context, path Path, data map[string]interface{}) (string, error)
	// Set creates or replaces the document with the given id.
	Set(ctx context.Context, path Path, id string, data map[string]interface{}) error
	// Update merges fields into an existing document.
	Update(ctx context.Context, path Path, id string, fields map[string]interface{}) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, path Path, id string) error
	// Get reads a single document.
	Get(ctx context.Context, path Path, id string) (Document, error)
	// Subscribe opens an ordered change feed over a collection. The handler
	// receives an initial snapshot of the current contents before any
	// subsequent change.
	Subscribe(ctx context.Context, path Path, handler func(Snapshot)) (Unsubscribe, error)
	// Close releases the store client and every open subscription.
	Close() error
}

// ErrNotFound is returned by Get for missing documents.
var ErrNotFound = errors.NewAppError(errors.ErrCodeNotFound, "document not found")

// resolveTimestamps replaces ServerTimestamp sentinels with now, returning
// a copied map so the caller's map is never retained.
func resolveTimestamps(data map[string]interface{}, now time.Time) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

func cloneData(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
