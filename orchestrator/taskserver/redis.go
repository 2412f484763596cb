package taskserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/FlowForge/orchestrator/clock"
	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

const (
	serverNameRedis = "redis"

	// brpopTimeout bounds each blocking pop so workers notice shutdown.
	brpopTimeout = time.Second

	// tombstoneTTL caps how long a cancellation marker lives when its
	// task never surfaces (already popped, or lost).
	tombstoneTTL = 24 * time.Hour
)

// RedisServerConfig configures the Redis-backed task server.
type RedisServerConfig struct {
	QueueKey string // list holding pending dispatch envelopes
	Workers  int    // BRPOP consumers (default 4)
}

// redisEnvelope is the wire format on the queue list.
type redisEnvelope struct {
	Handle   TaskHandle        `json:"handle"`
	Dispatch workflow.Dispatch `json:"dispatch"`
}

// RedisServer pushes dispatches onto a Redis list and drains it with
// blocking-pop workers, so execution can outlive (or live outside) the
// orchestrator process. Cancellation is a tombstone set consulted before
// execution; in-flight work cannot be interrupted remotely.
type RedisServer struct {
	client *redis.Client
	runner Runner
	st     store.Store
	clock  clock.Clock
	log    *zap.Logger
	cfg    RedisServerConfig

	recurring *recurringRunner

	mu      sync.Mutex
	started bool
	stop    context.CancelFunc
	group   *errgroup.Group
}

func NewRedisServer(client *redis.Client, runner Runner, st store.Store, clk clock.Clock, cfg RedisServerConfig, log *zap.Logger) *RedisServer {
	if cfg.QueueKey == "" {
		cfg.QueueKey = "flowforge:dispatch"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &RedisServer{
		client:    client,
		runner:    runner,
		st:        st,
		clock:     clk,
		log:       log,
		cfg:       cfg,
		recurring: newRecurringRunner(log),
	}
}

func (s *RedisServer) tombstoneKey() string { return s.cfg.QueueKey + ":cancelled" }

func (s *RedisServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("taskserver: redis already started")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("taskserver: redis ping: %w", err)
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
		zap.String("server", serverNameRedis),
		zap.String("queue_key", s.cfg.QueueKey),
		zap.Int("workers", s.cfg.Workers))
	return nil
}

func (s *RedisServer) Enqueue(ctx context.Context, d workflow.Dispatch) (TaskHandle, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return "", ErrNotRunning
	}

	handle := TaskHandle(store.NewExternalID())
	raw, err := json.Marshal(redisEnvelope{Handle: handle, Dispatch: d})
	if err != nil {
		return "", fmt.Errorf("taskserver: encode dispatch %d: %w", d.MetadataID, err)
	}

	metadataID := d.MetadataID
	job := &store.BackgroundJob{
		MetadataID: &metadataID,
		TaskHandle: string(handle),
		Server:     serverNameRedis,
		State:      jobStateEnqueued,
		EnqueuedAt: s.clock.Now(),
	}
	if err := s.st.RecordBackgroundJob(ctx, job); err != nil {
		s.log.Warn("record background job", zap.String("task_handle", string(handle)), zap.Error(err))
	}

	if err := s.client.LPush(ctx, s.cfg.QueueKey, raw).Err(); err != nil {
		return "", fmt.Errorf("taskserver: push dispatch %d: %w", d.MetadataID, err)
	}
	return handle, nil
}

func (s *RedisServer) EnqueueRecurring(id, cronExpr string, fn func(context.Context)) error {
	return s.recurring.add(id, cronExpr, fn)
}

// Cancel tombstones the handle; a worker that later pops it drops the
// task instead of running it.
func (s *RedisServer) Cancel(ctx context.Context, handle TaskHandle) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.tombstoneKey(), string(handle))
	pipe.Expire(ctx, s.tombstoneKey(), tombstoneTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("taskserver: tombstone %s: %w", handle, err)
	}
	return nil
}

func (s *RedisServer) Stop(ctx context.Context) error {
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
		return fmt.Errorf("taskserver: redis drain: %w", ctx.Err())
	}
}

func (s *RedisServer) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := s.client.BRPop(ctx, brpopTimeout, s.cfg.QueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.log.Warn("queue pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}
		s.handle(ctx, []byte(res[1]))
	}
}

func (s *RedisServer) handle(ctx context.Context, raw []byte) {
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Error("dropping malformed dispatch envelope", zap.Error(err))
		return
	}
	defer s.completeJob(env.Handle)

	skip, err := s.client.SIsMember(ctx, s.tombstoneKey(), string(env.Handle)).Result()
	if err != nil {
		s.log.Warn("tombstone check failed, running anyway", zap.Error(err))
	}
	if skip {
		s.client.SRem(ctx, s.tombstoneKey(), string(env.Handle))
		s.log.Info("skipping cancelled task", zap.String("task_handle", string(env.Handle)))
		return
	}

	if err := s.runner(ctx, env.Dispatch); err != nil {
		s.log.Error("dispatch execution failed to record its outcome",
			zap.Int64("metadata_id", env.Dispatch.MetadataID),
			zap.String("workflow", env.Dispatch.WorkflowName),
			zap.Error(err))
	}
}

func (s *RedisServer) completeJob(handle TaskHandle) {
	if err := s.st.CompleteBackgroundJob(context.Background(), string(handle), s.clock.Now()); err != nil {
		s.log.Warn("complete background job", zap.String("task_handle", string(handle)), zap.Error(err))
	}
}
