package taskserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// recurringRunner schedules named cron callbacks; shared by the in-proc
// and Redis adapters. Standard 5-field expressions.
type recurringRunner struct {
	cron *cron.Cron
	log  *zap.Logger

	mu  sync.Mutex
	ctx context.Context
	ids map[string]cron.EntryID
}

func newRecurringRunner(log *zap.Logger) *recurringRunner {
	return &recurringRunner{
		cron: cron.New(),
		log:  log,
		ids:  make(map[string]cron.EntryID),
	}
}

func (r *recurringRunner) add(id, expr string, fn func(context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ids[id]; exists {
		return fmt.Errorf("taskserver: recurring task %q already registered", id)
	}
	entryID, err := r.cron.AddFunc(expr, func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("recurring task panicked",
					zap.String("task_id", id),
					zap.Any("panic", rec))
			}
		}()
		r.mu.Lock()
		ctx := r.ctx
		r.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("taskserver: recurring task %q: %w", id, err)
	}
	r.ids[id] = entryID
	return nil
}

func (r *recurringRunner) start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
}

func (r *recurringRunner) stop() {
	<-r.cron.Stop().Done()
}
