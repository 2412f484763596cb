package workflow

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/store"
)

// RunEvent is emitted exactly once per terminal metadata transition, by
// whichever component won the terminal CAS (bus, canceller, or reaper).
type RunEvent struct {
	Metadata    *store.Metadata
	Manifest    *store.Manifest // nil for ad-hoc and spawned runs
	WorkQueueID *int64          // set when the run came through the work queue
}

// RunObserver receives terminal run events. Observers run synchronously
// on the emitting goroutine and must not block.
type RunObserver interface {
	OnRunEnd(ctx context.Context, ev RunEvent)
}

// ObserverFunc adapts a function to RunObserver.
type ObserverFunc func(ctx context.Context, ev RunEvent)

func (f ObserverFunc) OnRunEnd(ctx context.Context, ev RunEvent) { f(ctx, ev) }

// Notifier fans terminal run events out to subscribers. A panicking
// observer is contained so one bad subscriber cannot break the retry
// pipeline behind it.
type Notifier struct {
	mu        sync.RWMutex
	observers []RunObserver
	log       *zap.Logger
}

func NewNotifier(log *zap.Logger) *Notifier {
	return &Notifier{log: log}
}

func (n *Notifier) Subscribe(o RunObserver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, o)
}

func (n *Notifier) RunEnd(ctx context.Context, ev RunEvent) {
	n.mu.RLock()
	observers := make([]RunObserver, len(n.observers))
	copy(observers, n.observers)
	n.mu.RUnlock()

	for _, o := range observers {
		n.deliver(ctx, o, ev)
	}
}

func (n *Notifier) deliver(ctx context.Context, o RunObserver, ev RunEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("run observer panicked",
				zap.Int64("metadata_id", ev.Metadata.ID),
				zap.Any("panic", r))
		}
	}()
	o.OnRunEnd(ctx, ev)
}

// NotifyTerminal loads the finished attempt and its manifest and emits the
// RunEnd event. Components that win a terminal CAS outside the bus (reaper,
// canceller, born-failed dispatch paths) call this so retry accounting sees
// every terminal row, not just the ones a worker reported.
func NotifyTerminal(ctx context.Context, st store.Store, n *Notifier, metadataID int64, workQueueID *int64, log *zap.Logger) {
	md, err := st.GetMetadata(ctx, metadataID)
	if err != nil {
		log.Error("load metadata for terminal event", zap.Int64("metadata_id", metadataID), zap.Error(err))
		return
	}
	var manifest *store.Manifest
	if md.ManifestID != nil {
		manifest, err = st.GetManifest(ctx, *md.ManifestID)
		if err != nil {
			log.Error("load manifest for terminal event",
				zap.Int64("metadata_id", metadataID),
				zap.Int64("manifest_id", *md.ManifestID),
				zap.Error(err))
			return
		}
	}
	n.RunEnd(ctx, RunEvent{Metadata: md, Manifest: manifest, WorkQueueID: workQueueID})
}
