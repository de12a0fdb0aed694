package meeting

import (
	"sync"

	"go.uber.org/zap"

	"github.com/LingByte/LingMeet/pkg/logger"
)

// disposerRegistry accumulates named cleanup steps as a session acquires
// resources. Run executes them in reverse order, best effort: a panicking
// or failing step is logged and the rest still run, so leaving from a
// half-joined session never leaks the parts that did come up.
type disposerRegistry struct {
	mu    sync.Mutex
	steps []disposerStep
}

type disposerStep struct {
	name string
	fn   func()
}

func newDisposerRegistry() *disposerRegistry {
	return &disposerRegistry{}
}

func (r *disposerRegistry) add(name string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, disposerStep{name: name, fn: fn})
}

// Run drains the registry. A second call finds it empty and is a no-op.
func (r *disposerRegistry) Run() {
	r.mu.Lock()
	steps := r.steps
	r.steps = nil
	r.mu.Unlock()

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("cleanup step panicked",
						zap.String("step", step.name), zap.Any("panic", rec))
				}
			}()
			step.fn()
		}()
	}
}
