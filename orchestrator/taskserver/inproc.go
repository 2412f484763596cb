package taskserver

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/FlowForge/orchestrator/clock"
	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

const serverNameInProc = "inproc"

// InProcConfig sizes the in-process backend.
type InProcConfig struct {
	Workers   int // goroutines draining the queue (default 4)
	QueueSize int // buffered channel capacity (default 256)
}

type inprocTask struct {
	handle TaskHandle
	d      workflow.Dispatch
}

// InProc runs dispatches on a worker pool inside the orchestrator
// process. The default backend: no broker, at-most-once, good enough
// because the reaper resurrects anything lost in a crash.
type InProc struct {
	runner Runner
	st     store.Store
	clock  clock.Clock
	log    *zap.Logger
	cfg    InProcConfig

	queue     chan inprocTask
	recurring *recurringRunner

	mu        sync.Mutex
	started   bool
	cancels   map[TaskHandle]context.CancelFunc
	cancelled map[TaskHandle]struct{}
	stop      context.CancelFunc
	group     *errgroup.Group
}

func NewInProc(runner Runner, st store.Store, clk clock.Clock, cfg InProcConfig, log *zap.Logger) *InProc {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &InProc{
		runner:    runner,
		st:        st,
		clock:     clk,
		log:       log,
		cfg:       cfg,
		queue:     make(chan inprocTask, cfg.QueueSize),
		recurring: newRecurringRunner(log),
		cancels:   make(map[TaskHandle]context.CancelFunc),
		cancelled: make(map[TaskHandle]struct{}),
	}
}

func (s *InProc) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("taskserver: inproc already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.worker(gctx)
			return nil
		})
	}
	s.group = g
	s.recurring.start(runCtx)
	s.started = true
	s.log.Info("task server started",
		zap.String("server", serverNameInProc),
		zap.Int("workers", s.cfg.Workers))
	return nil
}

func (s *InProc) Enqueue(ctx context.Context, d workflow.Dispatch) (TaskHandle, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return "", ErrNotRunning
	}

	handle := TaskHandle(store.NewExternalID())
	s.recordJob(ctx, handle, d)

	select {
	case s.queue <- inprocTask{handle: handle, d: d}:
		return handle, nil
	default:
		return "", ErrQueueFull
	}
}

func (s *InProc) EnqueueRecurring(id, cronExpr string, fn func(context.Context)) error {
	return s.recurring.add(id, cronExpr, fn)
}

// Cancel interrupts a running task's context and tombstones a queued one
// so the worker skips it. Advisory only: the authoritative Cancelled CAS
// on the metadata row has already happened by the time this is called.
func (s *InProc) Cancel(_ context.Context, handle TaskHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[handle] = struct{}{}
	if cancel, running := s.cancels[handle]; running {
		cancel()
	}
	return nil
}

func (s *InProc) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	stop := s.stop
	group := s.group
	s.mu.Unlock()

	s.recurring.stop()
	stop()

	done := make(chan struct{})
	go func() {
		// Workers never return errors; Wait only synchronizes exit.
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("taskserver: inproc drain: %w", ctx.Err())
	}
}

func (s *InProc) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			s.execute(ctx, t)
		}
	}
}

func (s *InProc) execute(ctx context.Context, t inprocTask) {
	s.mu.Lock()
	if _, skip := s.cancelled[t.handle]; skip {
		delete(s.cancelled, t.handle)
		s.mu.Unlock()
		s.completeJob(t.handle)
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancels[t.handle] = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, t.handle)
		delete(s.cancelled, t.handle)
		s.mu.Unlock()
		s.completeJob(t.handle)
	}()

	if err := s.runner(runCtx, t.d); err != nil {
		s.log.Error("dispatch execution failed to record its outcome",
			zap.Int64("metadata_id", t.d.MetadataID),
			zap.String("workflow", t.d.WorkflowName),
			zap.Error(err))
	}
}

// recordJob mirrors the enqueue into background_jobs; best-effort, the
// mirror is dashboard material, not state.
func (s *InProc) recordJob(ctx context.Context, handle TaskHandle, d workflow.Dispatch) {
	metadataID := d.MetadataID
	job := &store.BackgroundJob{
		MetadataID: &metadataID,
		TaskHandle: string(handle),
		Server:     serverNameInProc,
		State:      jobStateEnqueued,
		EnqueuedAt: s.clock.Now(),
	}
	if err := s.st.RecordBackgroundJob(ctx, job); err != nil {
		s.log.Warn("record background job", zap.String("task_handle", string(handle)), zap.Error(err))
	}
}

// completeJob runs on a fresh context: it is reached during shutdown when
// the worker context is already cancelled, and the mirror should still be
// closed out.
func (s *InProc) completeJob(handle TaskHandle) {
	if err := s.st.CompleteBackgroundJob(context.Background(), string(handle), s.clock.Now()); err != nil {
		s.log.Warn("complete background job", zap.String("task_handle", string(handle)), zap.Error(err))
	}
}
