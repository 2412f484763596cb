// Package coordination elects one orchestrator process to run the
// manager and dispatcher loops. Standbys poll the same lease and take
// over when the leader's lease expires.
package coordination

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/clock"
	"github.com/itskum47/FlowForge/orchestrator/observability"
	"github.com/itskum47/FlowForge/orchestrator/store"
)

// LeaseName is the single lease every orchestrator process competes for.
const LeaseName = "flowforge/core"

const maxRenewFailures = 3

// Identity returns this process's host:pid tag. It doubles as the lease
// holder and as the executor stamped on every metadata row the process
// appends, so an operator can walk from a stuck run back to the process
// that owned it.
func Identity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Elector competes for the core lease. Followers stay hot: they retry the
// acquire every ttl/3 and win the moment the old holder's lease expires.
// Renewal errors are tolerated up to maxRenewFailures before stepping
// down; store errors back the loop off exponentially so a flapping
// database does not turn into a lease-thrash storm.
type Elector struct {
	st    store.Store
	clock clock.Clock
	log   *zap.Logger

	leaseName string
	holder    string
	ttl       time.Duration

	onElected func(context.Context)
	onLost    func()

	mu           sync.RWMutex
	leader       bool
	leaderCancel context.CancelFunc

	cancel context.CancelFunc
	done   chan struct{}
}

func NewElector(st store.Store, clk clock.Clock, ttl time.Duration, log *zap.Logger) *Elector {
	return &Elector{
		st:        st,
		clock:     clk,
		log:       log.Named("elector"),
		leaseName: LeaseName,
		holder:    Identity(),
		ttl:       ttl,
		done:      make(chan struct{}),
	}
}

// SetCallbacks registers transition hooks; call before Start. onElected
// receives a context that is cancelled when leadership is lost, so
// leader-only work can hang off it.
func (e *Elector) SetCallbacks(onElected func(context.Context), onLost func()) {
	e.onElected = onElected
	e.onLost = onLost
}

func (e *Elector) Holder() string { return e.holder }

func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader
}

func (e *Elector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.loop(runCtx)
}

// Stop ends the campaign and, when leading, releases the lease so a
// standby does not have to wait out the TTL.
func (e *Elector) Stop() {
	e.cancel()
	<-e.done
}

func (e *Elector) loop(ctx context.Context) {
	defer close(e.done)

	minInterval := e.ttl / 3
	maxInterval := 10 * e.ttl
	interval := minInterval
	renewFailures := 0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.IsLeader() {
				e.release()
				e.stepDown()
			}
			return
		case <-timer.C:
			var err error
			if e.IsLeader() {
				var renewed bool
				renewed, err = e.st.RenewLease(ctx, e.leaseName, e.holder, e.ttl, e.clock.Now())
				switch {
				case err == nil && renewed:
					renewFailures = 0
				case err == nil:
					// Another holder took the lease out from under us.
					e.log.Warn("lease taken by another holder")
					e.stepDown()
				default:
					renewFailures++
					e.log.Warn("lease renew failed",
						zap.Int("failures", renewFailures),
						zap.Error(err))
					if renewFailures >= maxRenewFailures {
						e.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = e.st.AcquireLease(ctx, e.leaseName, e.holder, e.ttl, e.clock.Now())
				if err == nil && acquired {
					e.becomeLeader(ctx)
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (e *Elector) becomeLeader(ctx context.Context) {
	leaderCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.leader = true
	e.leaderCancel = cancel
	e.mu.Unlock()

	observability.LeaderStatus.Set(1)
	observability.LeaderTransitions.WithLabelValues("elected").Inc()
	e.log.Info("elected leader", zap.String("holder", e.holder))
	if e.onElected != nil {
		e.onElected(leaderCtx)
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	wasLeader := e.leader
	e.leader = false
	cancel := e.leaderCancel
	e.leaderCancel = nil
	e.mu.Unlock()
	if !wasLeader {
		return
	}
	if cancel != nil {
		cancel()
	}

	observability.LeaderStatus.Set(0)
	observability.LeaderTransitions.WithLabelValues("lost").Inc()
	e.log.Warn("stepped down", zap.String("holder", e.holder))
	if e.onLost != nil {
		e.onLost()
	}
}

// release is best-effort; an unreleased lease simply expires after ttl.
func (e *Elector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.st.ReleaseLease(ctx, e.leaseName, e.holder); err != nil {
		e.log.Warn("release lease", zap.Error(err))
	}
}
