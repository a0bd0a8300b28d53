package tasks_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	"github.com/tendant/blob-reconcile/pkg/reconcile/cleanup"
	"github.com/tendant/blob-reconcile/pkg/reconcile/lease"
	memoryrepo "github.com/tendant/blob-reconcile/pkg/reconcile/repo/memory"
	memorystorage "github.com/tendant/blob-reconcile/pkg/reconcile/storage/memory"
	"github.com/tendant/blob-reconcile/pkg/reconcile/tasks"
)

const repoName = "maven-releases"

type env struct {
	blobs  *memorystorage.Backend
	repo   *memoryrepo.Repository
	leases *lease.Manager
	now    time.Time
	logs   *bytes.Buffer
	runner *tasks.Runner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	created := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	e := &env{
		blobs: memorystorage.New(memorystorage.WithClock(func() time.Time { return created })),
		repo:  memoryrepo.New(),
		now:   created.Add(48 * time.Hour),
		logs:  &bytes.Buffer{},
	}
	clock := func() time.Time { return e.now }
	e.leases = lease.NewMemory(lease.WithClock(clock))
	logger := slog.New(slog.NewJSONHandler(e.logs, &slog.HandlerOptions{Level: slog.LevelInfo}))

	planner, err := reconcile.NewPlanner(e.blobs, e.repo, e.repo, reconcile.WithClock(clock), reconcile.WithLogger(logger))
	require.NoError(t, err)
	executor, err := reconcile.NewExecutor(e.blobs, e.repo, e.repo, e.leases,
		reconcile.WithClock(clock), reconcile.WithLogger(logger),
		reconcile.WithIdentity("tasks-test"), reconcile.WithRetryDelay(time.Millisecond))
	require.NoError(t, err)
	e.runner, err = tasks.NewRunner(tasks.Deps{
		Planner:  planner,
		Executor: executor,
		Engine:   cleanup.NewEngine(cleanup.WithClock(clock)),
		Metadata: e.repo,
		Plans:    e.repo,
		Policies: e.repo,
		Logger:   logger,
	})
	require.NoError(t, err)
	return e
}

func (e *env) failures() []string {
	var out []string
	for _, line := range strings.Split(e.logs.String(), "\n") {
		if strings.Contains(line, `"msg":"task failed"`) {
			out = append(out, line)
		}
	}
	return out
}

func (e *env) orphan(t *testing.T, id string) {
	t.Helper()
	_, err := e.blobs.Put(context.Background(), reconcile.BlobID(id), strings.NewReader(id), nil)
	require.NoError(t, err)
}

func TestRunner_PlanAndExecute(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.orphan(t, "c3")

	res, err := e.runner.Run(ctx, tasks.TypePlan, map[string]any{"repository": repoName})
	require.NoError(t, err)
	plan := res.(*reconcile.Plan)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, reconcile.ActionDeleteOrphanBlob, plan.Actions[0].Kind)

	res, err = e.runner.Run(ctx, tasks.TypeExecute, map[string]any{
		"repository": repoName,
		"planId":     plan.ID.String(),
	})
	require.NoError(t, err)
	report := res.(*reconcile.ExecutionReport)
	assert.Equal(t, reconcile.PlanStatusCompleted, report.Status)
	assert.Equal(t, 1, report.Applied)

	exists, err := e.blobs.Exists(ctx, "c3")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, e.failures())
}

func TestRunner_DryRunPlanExecutesReportOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.orphan(t, "c3")

	plan, err := e.runner.Plan(ctx, tasks.PlanParams{Repository: repoName, DryRun: true})
	require.NoError(t, err)
	require.True(t, plan.DryRun)

	res, err := e.runner.Run(ctx, tasks.TypeExecute, map[string]any{"planId": plan.ID.String()})
	require.NoError(t, err)
	report := res.(*reconcile.ExecutionReport)
	assert.Equal(t, 1, report.Skipped)

	exists, err := e.blobs.Exists(ctx, "c3")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunner_Cleanup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, v := range []string{"1.0", "1.1", "1.2"} {
		require.NoError(t, e.repo.CreateComponent(ctx, &reconcile.Component{
			Repository: repoName, Format: "maven2", Group: "org.example", Name: "lib", Version: v,
		}))
	}
	policy, err := cleanup.ParsePolicy("keep-one", "maven2", map[string]any{"retain": 1})
	require.NoError(t, err)
	require.NoError(t, e.repo.SavePolicy(ctx, repoName, policy))

	res, err := e.runner.Run(ctx, tasks.TypeCleanup, map[string]any{
		"repository": repoName, "policy": "keep-one", "limit": "1",
	})
	require.NoError(t, err)
	report := res.(*reconcile.ExecutionReport)
	assert.Equal(t, 1, report.Applied)

	group, err := e.repo.ListComponentGroup(ctx, repoName, reconcile.ComponentKey{Name: "lib", Group: "org.example"})
	require.NoError(t, err)
	var versions []string
	for _, c := range group {
		versions = append(versions, c.Version)
	}
	assert.ElementsMatch(t, []string{"1.0", "1.2"}, versions)
}

func TestRunner_FailureLogsOnce(t *testing.T) {
	tests := []struct {
		name   string
		task   string
		params map[string]any
		target error
	}{
		{"UnknownTask", "blobstore.compact", map[string]any{"repository": repoName}, tasks.ErrUnknownTask},
		{"MissingRepository", tasks.TypePlan, map[string]any{}, tasks.ErrInvalidParams},
		{"UnknownParam", tasks.TypePlan, map[string]any{"repository": repoName, "since": 3}, tasks.ErrInvalidParams},
		{"BadPlanID", tasks.TypeExecute, map[string]any{"repository": repoName, "planId": "nope"}, tasks.ErrInvalidParams},
		{"UnknownPlan", tasks.TypeExecute, map[string]any{"repository": repoName, "planId": uuid.NewString()}, reconcile.ErrPlanNotFound},
		{"UnknownPolicy", tasks.TypeCleanup, map[string]any{"repository": repoName, "policy": "missing"}, reconcile.ErrPolicyNotFound},
		{"NegativeLimit", tasks.TypeCleanup, map[string]any{"repository": repoName, "policy": "p", "limit": -1}, tasks.ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			_, err := e.runner.Run(context.Background(), tt.task, tt.params)
			require.ErrorIs(t, err, tt.target)

			lines := e.failures()
			require.Len(t, lines, 1)
			assert.Contains(t, lines[0], `"task":"`+tt.task+`"`)
			assert.Contains(t, lines[0], `"error":`)
		})
	}
}

func TestRunner_ExecuteRejectsForeignPlan(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	plan, err := e.runner.Plan(ctx, tasks.PlanParams{Repository: repoName})
	require.NoError(t, err)

	_, err = e.runner.Execute(ctx, tasks.ExecuteParams{Repository: "npm-proxy", PlanID: plan.ID.String()})
	require.ErrorIs(t, err, tasks.ErrInvalidParams)
	assert.Len(t, e.failures(), 1)
}

func TestNewRunner_RequiresDeps(t *testing.T) {
	_, err := tasks.NewRunner(tasks.Deps{})
	assert.Error(t, err)
}

func TestRunner_PlanScanOptions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.orphan(t, "e5")
	require.NoError(t, e.blobs.MarkDeleted("e5"))
	require.NoError(t, e.repo.CreateAsset(ctx, &reconcile.Asset{Repository: repoName, Path: "lib.jar", BlobRef: "e5"}))

	res, err := e.runner.Run(ctx, tasks.TypePlan, map[string]any{
		"repository": repoName, "undelete": "true", "integrityCheck": true, "sinceDays": "7",
	})
	require.NoError(t, err)
	plan := res.(*reconcile.Plan)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, reconcile.ActionUndeleteBlob, plan.Actions[0].Kind)

	_, err = e.runner.Execute(ctx, tasks.ExecuteParams{PlanID: plan.ID.String()})
	require.NoError(t, err)
	attrs, err := e.blobs.GetAttributes(ctx, "e5")
	require.NoError(t, err)
	assert.True(t, attrs.Live())
}

func TestRunner_FailedExecuteNamesPlanRepository(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.orphan(t, "c3")
	plan, err := e.runner.Plan(ctx, tasks.PlanParams{Repository: repoName})
	require.NoError(t, err)
	_, err = e.leases.Acquire(ctx, reconcile.PlanLeaseResource(plan.ID), "other-host", time.Minute)
	require.NoError(t, err)

	_, err = e.runner.Run(ctx, tasks.TypeExecute, map[string]any{"planId": plan.ID.String()})
	require.Error(t, err)
	assert.True(t, reconcile.IsConflict(err))

	lines := e.failures()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"repository":"`+repoName+`"`)
}

func TestRunner_FailureIsTheOnlyWarning(t *testing.T) {
	tests := []struct {
		name string
		run  func(e *env) error
	}{
		{
			name: "CancelledScan",
			run: func(e *env) error {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				_, err := e.runner.Plan(ctx, tasks.PlanParams{Repository: repoName})
				return err
			},
		},
		{
			name: "UnknownPlan",
			run: func(e *env) error {
				_, err := e.runner.Execute(context.Background(), tasks.ExecuteParams{PlanID: uuid.NewString()})
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.orphan(t, "c3")
			require.Error(t, tt.run(e))

			var loud []string
			for _, line := range strings.Split(e.logs.String(), "\n") {
				if strings.Contains(line, `"level":"WARN"`) || strings.Contains(line, `"level":"ERROR"`) {
					loud = append(loud, line)
				}
			}
			require.Len(t, loud, 1)
			assert.Contains(t, loud[0], `"msg":"task failed"`)
		})
	}
}
