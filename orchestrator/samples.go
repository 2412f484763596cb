package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

// Sample workflows for local development, seeded when dev.sample_workflows
// is set. Together they touch every scheduling path: interval and cron
// manifests, a group budget, a dependency edge, retries into the dead
// letter queue, and an inline sub-workflow.

type heartbeatInput struct {
	Service string `json:"service"`
}

type inventorySyncInput struct {
	Source   string `json:"source"`
	BatchMax int    `json:"batch_max"`
}

type flakyInput struct {
	FailPercent int `json:"fail_percent"`
}

type digestInput struct {
	WindowHours int `json:"window_hours"`
}

func registerSampleWorkflows(reg *workflow.Registry, defaultMaxRetries int) {
	reg.MustRegister(&workflow.Definition{
		Name:      "demo.heartbeat",
		InputType: "HeartbeatInput",
		NewInput:  func() any { return &heartbeatInput{} },
		Steps: []workflow.Step{
			{Name: "beat", Run: func(ctx context.Context, run *workflow.Run) error {
				in := run.Input.(*heartbeatInput)
				run.Log.Info("heartbeat", zap.String("service", in.Service))
				run.Output = map[string]any{"service": in.Service, "at": time.Now().UTC().Format(time.RFC3339)}
				return nil
			}},
		},
		Seeds: []workflow.SeedSpec{{
			ExternalID:      "demo-heartbeat",
			ScheduleType:    store.ScheduleInterval,
			IntervalSeconds: 30,
			Properties:      heartbeatInput{Service: "flowforge"},
		}},
	})

	reg.MustRegister(&workflow.Definition{
		Name:      "demo.inventory-sync",
		InputType: "InventorySyncInput",
		NewInput:  func() any { return &inventorySyncInput{} },
		Steps: []workflow.Step{
			{Name: "fetch", Run: func(ctx context.Context, run *workflow.Run) error {
				in := run.Input.(*inventorySyncInput)
				if in.BatchMax <= 0 {
					return fmt.Errorf("batch_max must be positive, got %d", in.BatchMax)
				}
				run.Output = rand.Intn(in.BatchMax + 1)
				return nil
			}},
			{Name: "reconcile", Run: func(ctx context.Context, run *workflow.Run) error {
				fetched := run.Output.(int)
				run.Log.Info("reconciled batch", zap.Int("items", fetched))
				return nil
			}},
			{Name: "publish", Run: func(ctx context.Context, run *workflow.Run) error {
				in := run.Input.(*inventorySyncInput)
				run.Output = map[string]any{"source": in.Source, "items": run.Output}
				return nil
			}},
		},
		Seeds: []workflow.SeedSpec{{
			ExternalID:         "demo-inventory-sync",
			GroupName:          "demo",
			GroupMaxActiveJobs: intPtr(1),
			GroupPriority:      5,
			ScheduleType:       store.ScheduleCron,
			CronExpression:     "*/5 * * * *",
			TimeoutSeconds:     int64Ptr(300),
			Properties:         inventorySyncInput{Source: "warehouse", BatchMax: 250},
		}},
	})

	// Fails half its runs so retries, backoff, and dead letters show up
	// on the dashboard without hand-crafting failures.
	reg.MustRegister(&workflow.Definition{
		Name:      "demo.flaky",
		InputType: "FlakyInput",
		NewInput:  func() any { return &flakyInput{} },
		Steps: []workflow.Step{
			{Name: "roll", Run: func(ctx context.Context, run *workflow.Run) error {
				in := run.Input.(*flakyInput)
				if roll := rand.Intn(100); roll < in.FailPercent {
					return fmt.Errorf("synthetic failure: rolled %d under %d", roll, in.FailPercent)
				}
				run.Output = "survived"
				return nil
			}},
		},
		Seeds: []workflow.SeedSpec{{
			ExternalID:             "demo-flaky",
			ScheduleType:           store.ScheduleInterval,
			IntervalSeconds:        90,
			MaxRetries:             intPtr(defaultMaxRetries),
			DefaultRetryDelaySecs:  int64Ptr(5),
			RetryBackoffMultiplier: float64Ptr(2.0),
			MaxRetryDelaySecs:      int64Ptr(60),
			Properties:             flakyInput{FailPercent: 50},
		}},
	})

	reg.MustRegister(&workflow.Definition{
		Name:      "demo.digest",
		InputType: "DigestInput",
		NewInput:  func() any { return &digestInput{} },
		Steps: []workflow.Step{
			{Name: "collect", Run: func(ctx context.Context, run *workflow.Run) error {
				in := run.Input.(*digestInput)
				since := time.Now().Add(-time.Duration(in.WindowHours) * time.Hour)
				runs, err := run.Store().ListMetadata(ctx, store.MetadataFilter{Since: &since, Limit: 500})
				if err != nil {
					return err
				}
				run.Output = len(runs)
				return nil
			}},
			{Name: "announce", Run: func(ctx context.Context, run *workflow.Run) error {
				seen := run.Output.(int)
				out, err := run.Spawn(ctx, "demo.heartbeat", &heartbeatInput{Service: "digest"})
				if err != nil {
					return err
				}
				run.Output = map[string]any{"runs_in_window": seen, "heartbeat": out}
				return nil
			}},
		},
		Seeds: []workflow.SeedSpec{{
			ExternalID:          "demo-digest",
			GroupName:           "demo",
			ScheduleType:        store.ScheduleInterval,
			IntervalSeconds:     3600,
			Priority:            2,
			DependsOnExternalID: "demo-inventory-sync",
			Properties:          digestInput{WindowHours: 1},
		}},
	})
}

func intPtr(v int) *int             { return &v }
func int64Ptr(v int64) *int64       { return &v }
func float64Ptr(v float64) *float64 { return &v }
