package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/LingByte/LingMeet/pkg/logger"
	"github.com/LingByte/LingMeet/pkg/metrics"
)

// RetryPolicy bounds write retries. Wait doubles per attempt starting
// from BaseWait.
type RetryPolicy struct {
	MaxAttempts int
	BaseWait    time.Duration
}

// RetryStore wraps a Store with bounded exponential backoff on writes.
// Keeping retries here leaves the session state machine free of retry
// bookkeeping. Reads and subscriptions pass through untouched: a failed
// read already stalls only the one negotiation that issued it.
type RetryStore struct {
	inner  Store
	policy RetryPolicy
}

// NewRetryStore wraps inner with the given policy.
func NewRetryStore(inner Store, policy RetryPolicy) *RetryStore {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseWait <= 0 {
		policy.BaseWait = 100 * time.Millisecond
	}
	return &RetryStore{inner: inner, policy: policy}
}

func (r *RetryStore) retry(ctx context.Context, op string, fn func() error) error {
	wait := r.policy.BaseWait
	var err error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || err == ErrNotFound {
			return err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}
		metrics.StoreRetries.Inc()
		logger.Warn("store write failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

func (r *RetryStore) Add(ctx context.Context, path Path, data map[string]interface{}) (string, error) {
	var id string
	err := r.retry(ctx, "add", func() error {
		var addErr error
		id, addErr = r.inner.Add(ctx, path, data)
		return addErr
	})
	return id, err
}

func (r *RetryStore) Set(ctx context.Context, path Path, id string, data map[string]interface{}) error {
	return r.retry(ctx, "set", func() error {
		return r.inner.Set(ctx, path, id, data)
	})
}

func (r *RetryStore) Update(ctx context.Context, path Path, id string, fields map[string]interface{}) error {
	return r.retry(ctx, "update", func() error {
		return r.inner.Update(ctx, path, id, fields)
	})
}

func (r *RetryStore) Delete(ctx context.Context, path Path, id string) error {
	return r.retry(ctx, "delete", func() error {
		return r.inner.Delete(ctx, path, id)
	})
}

func (r *RetryStore) Get(ctx context.Context, path Path, id string) (Document, error) {
	return r.inner.Get(ctx, path, id)
}

func (r *RetryStore) Subscribe(ctx context.Context, path Path, handler func(Snapshot)) (Unsubscribe, error) {
	return r.inner.Subscribe(ctx, path, handler)
}

func (r *RetryStore) Close() error {
	return r.inner.Close()
}
