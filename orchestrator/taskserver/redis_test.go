package taskserver

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/clock"
	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

func newRedisServer(t *testing.T, runner Runner, st store.Store, workers int) *RedisServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisServer(client, runner, st, clock.NewReal(), RedisServerConfig{Workers: workers}, zap.NewNop())
}

func TestRedisExecutesDispatches(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := newRunRecorder()
	srv := newRedisServer(t, rec.runner, st, 2)

	if _, err := srv.Enqueue(ctx, dispatchFor(1)); err != ErrNotRunning {
		t.Fatalf("enqueue before start: want ErrNotRunning, got %v", err)
	}

	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(ctx)

	for i := int64(1); i <= 3; i++ {
		if _, err := srv.Enqueue(ctx, dispatchFor(i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	rec.waitFor(t, 3)

	waitUntil(t, func() bool {
		jobs, err := st.ListBackgroundJobs(ctx, 10)
		if err != nil || len(jobs) != 3 {
			return false
		}
		for _, j := range jobs {
			if j.State != jobStateCompleted || j.Server != serverNameRedis {
				return false
			}
		}
		return true
	})
}

// The queue list is JSON envelopes; every Dispatch field must survive the
// trip or remote workers run with a truncated payload.
func TestRedisEnvelopeRoundTrip(t *testing.T) {
	ctx := context.Background()
	got := make(chan workflow.Dispatch, 1)
	runner := func(ctx context.Context, d workflow.Dispatch) error {
		got <- d
		return nil
	}
	srv := newRedisServer(t, runner, store.NewMemoryStore(), 1)
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(ctx)

	manifestID, queueID := int64(42), int64(99)
	want := workflow.Dispatch{
		MetadataID:   7,
		WorkflowName: "reports.send",
		InputJSON:    `{"region":"eu"}`,
		InputType:    "ReportInput",
		ManifestID:   &manifestID,
		WorkQueueID:  &queueID,
	}
	if _, err := srv.Enqueue(ctx, want); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-got:
		if !reflect.DeepEqual(d, want) {
			t.Fatalf("dispatch = %+v, want %+v", d, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never executed")
	}
}

func TestRedisCancelSkipsQueuedTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	started := make(chan int64, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	var executed []int64
	runner := func(ctx context.Context, d workflow.Dispatch) error {
		mu.Lock()
		executed = append(executed, d.MetadataID)
		mu.Unlock()
		started <- d.MetadataID
		<-release
		return nil
	}

	srv := newRedisServer(t, runner, st, 1)
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(ctx)

	if _, err := srv.Enqueue(ctx, dispatchFor(1)); err != nil {
		t.Fatal(err)
	}
	<-started // the single worker is now blocked inside task 1

	h2, err := srv.Enqueue(ctx, dispatchFor(2))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Cancel(ctx, h2); err != nil {
		t.Fatal(err)
	}
	close(release)

	// Task 2 is dropped at pop time but its mirror still closes.
	waitUntil(t, func() bool {
		job, err := st.GetBackgroundJobByMetadata(ctx, 2)
		return err == nil && job.State == jobStateCompleted
	})
	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 1 || executed[0] != 1 {
		t.Fatalf("executed = %v, want only task 1", executed)
	}
}

func TestRedisStopIsPromptAndIdempotent(t *testing.T) {
	ctx := context.Background()
	srv := newRedisServer(t, newRunRecorder().runner, store.NewMemoryStore(), 2)
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Enqueue(ctx, dispatchFor(9)); err != ErrNotRunning {
		t.Fatalf("enqueue after stop: want ErrNotRunning, got %v", err)
	}
}
