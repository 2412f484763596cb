package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/store"
)

// Run is the per-attempt context handed to every step. Steps read the
// decoded Input, may set Output (persisted as the attempt's outputJson on
// success), and use Log for attempt-scoped structured logging.
type Run struct {
	MetadataID int64
	ManifestID *int64 // nil for ad-hoc and spawned runs
	Workflow   string
	Input      any
	Output     any
	Log        *zap.Logger

	bus *Bus
}

// Spawn executes another workflow inline as a child of this run. The
// child gets its own metadata row with parentId pointing back here, so
// the attempt tree stays queryable. The child's failure is returned to
// the calling step, which decides whether it fails the parent.
func (r *Run) Spawn(ctx context.Context, workflowName string, input any) (any, error) {
	return r.bus.RunByName(ctx, workflowName, input, &r.MetadataID)
}

// Store gives steps direct access to the orchestrator's persistence,
// e.g. to inspect sibling runs or record domain rows alongside them.
func (r *Run) Store() store.Store { return r.bus.store }
