package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	"github.com/tendant/blob-reconcile/pkg/reconcile/cleanup"
	"github.com/tendant/blob-reconcile/pkg/reconcile/lease"
	"github.com/tendant/blob-reconcile/pkg/reconcile/metrics"
	memoryrepo "github.com/tendant/blob-reconcile/pkg/reconcile/repo/memory"
	memorystorage "github.com/tendant/blob-reconcile/pkg/reconcile/storage/memory"
	"github.com/tendant/blob-reconcile/pkg/reconcile/tasks"
)

const testRepo = "maven-releases"

type testServer struct {
	server *httptest.Server
	blobs  *memorystorage.Backend
	repo   *memoryrepo.Repository
	logs   *syncBuffer
}

// syncBuffer lets the test read log lines the server goroutines are still writing.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func setupHandlerTest(t *testing.T) *testServer {
	t.Helper()
	return setupHandlerTestWith(t, nil)
}

// setupHandlerTestWith lets wrap replace the blob store the engine sees.
func setupHandlerTestWith(t *testing.T, wrap func(*memorystorage.Backend) reconcile.BlobStore) *testServer {
	t.Helper()
	created := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(48 * time.Hour)
	clock := func() time.Time { return now }

	ts := &testServer{
		blobs: memorystorage.New(memorystorage.WithClock(func() time.Time { return created })),
		repo:  memoryrepo.New(),
		logs:  &syncBuffer{},
	}
	var blobs reconcile.BlobStore = ts.blobs
	if wrap != nil {
		blobs = wrap(ts.blobs)
	}
	logger := slog.New(slog.NewJSONHandler(ts.logs, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	planner, err := reconcile.NewPlanner(blobs, ts.repo, ts.repo,
		reconcile.WithClock(clock), reconcile.WithLogger(logger), reconcile.WithMetrics(m))
	require.NoError(t, err)
	executor, err := reconcile.NewExecutor(blobs, ts.repo, ts.repo, lease.NewMemory(lease.WithClock(clock)),
		reconcile.WithClock(clock), reconcile.WithLogger(logger), reconcile.WithMetrics(m),
		reconcile.WithIdentity("api-test"), reconcile.WithRetryDelay(time.Millisecond))
	require.NoError(t, err)
	engine := cleanup.NewEngine(cleanup.WithClock(clock), cleanup.WithMetrics(m))
	runner, err := tasks.NewRunner(tasks.Deps{
		Planner: planner, Executor: executor, Engine: engine,
		Metadata: ts.repo, Plans: ts.repo, Policies: ts.repo, Logger: logger,
	})
	require.NoError(t, err)

	h, err := NewHandler(Deps{
		Runner: runner, Engine: engine,
		Metadata: ts.repo, Plans: ts.repo, Policies: ts.repo,
		Logger: logger, Metrics: metrics.Handler(reg),
	})
	require.NoError(t, err)
	ts.server = httptest.NewServer(h.Routes())
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) versions(t *testing.T, versions ...string) {
	t.Helper()
	for _, v := range versions {
		require.NoError(t, ts.repo.CreateComponent(context.Background(), &reconcile.Component{
			Repository: testRepo, Format: "maven2", Group: "org.example", Name: "lib", Version: v,
		}))
	}
}

func TestHealth(t *testing.T) {
	ts := setupHandlerTest(t)
	resp := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestPlanLifecycle(t *testing.T) {
	ts := setupHandlerTest(t)
	_, err := ts.blobs.Put(context.Background(), "c3", strings.NewReader("orphan"), nil)
	require.NoError(t, err)

	resp := ts.do(t, http.MethodPost, "/repositories/"+testRepo+"/plans", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	plan := decode[PlanResponse](t, resp)
	assert.Equal(t, reconcile.PlanStatusReady, plan.Status)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, reconcile.ActionDeleteOrphanBlob, plan.Items[0].Kind)
	assert.Equal(t, 1, plan.Counts[reconcile.ActionDeleteOrphanBlob])

	resp = ts.do(t, http.MethodGet, "/repositories/"+testRepo+"/plans", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summaries := decode[[]PlanSummary](t, resp)
	require.Len(t, summaries, 1)
	assert.Equal(t, plan.ID, summaries[0].ID)

	resp = ts.do(t, http.MethodGet, "/plans/"+plan.ID+"/report", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/plans/"+plan.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[reconcile.ExecutionReport](t, resp)
	assert.Equal(t, reconcile.PlanStatusCompleted, report.Status)
	assert.Equal(t, 1, report.Applied)

	resp = ts.do(t, http.MethodGet, "/plans/"+plan.ID+"/report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[reconcile.ExecutionReport](t, resp).Applied)

	resp = ts.do(t, http.MethodPost, "/plans/"+plan.ID+"/execute?rerun=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rerun := decode[reconcile.ExecutionReport](t, resp)
	assert.Equal(t, 0, rerun.Applied)
	assert.Equal(t, 1, rerun.Skipped)

	resp = ts.do(t, http.MethodGet, "/plans/"+plan.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, reconcile.PlanStatusCompleted, decode[PlanResponse](t, resp).Status)

	resp = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "reconcile_")
}

func TestDryRunPlan(t *testing.T) {
	ts := setupHandlerTest(t)
	_, err := ts.blobs.Put(context.Background(), "c3", strings.NewReader("orphan"), nil)
	require.NoError(t, err)

	resp := ts.do(t, http.MethodPost, "/repositories/"+testRepo+"/plans?dryRun=true", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	plan := decode[PlanResponse](t, resp)
	assert.True(t, plan.DryRun)

	resp = ts.do(t, http.MethodPost, "/plans/"+plan.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[reconcile.ExecutionReport](t, resp).Skipped)

	exists, err := ts.blobs.Exists(context.Background(), "c3")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPlanErrors(t *testing.T) {
	ts := setupHandlerTest(t)
	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"BadPlanID", http.MethodGet, "/plans/not-a-uuid", http.StatusBadRequest},
		{"UnknownPlan", http.MethodGet, "/plans/" + uuid.NewString(), http.StatusNotFound},
		{"ExecuteUnknownPlan", http.MethodPost, "/plans/" + uuid.NewString() + "/execute", http.StatusNotFound},
		{"ExecuteBadPlanID", http.MethodPost, "/plans/xyz/execute", http.StatusBadRequest},
		{"BadDryRunFlag", http.MethodPost, "/repositories/r/plans?dryRun=maybe", http.StatusBadRequest},
		{"BadRerunFlag", http.MethodPost, "/plans/" + uuid.NewString() + "/execute?rerun=2x", http.StatusBadRequest},
		{"BadUndeleteFlag", http.MethodPost, "/repositories/r/plans?undelete=sure", http.StatusBadRequest},
		{"BadSinceDays", http.MethodPost, "/repositories/r/plans?sinceDays=week", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.NotEmpty(t, body.Error.Code)
			assert.NotEmpty(t, body.Error.RequestID)
		})
	}
}

func TestCreatePlan_ScanOptions(t *testing.T) {
	ts := setupHandlerTest(t)
	ctx := context.Background()
	_, err := ts.blobs.Put(ctx, "e5", strings.NewReader("jar"), nil)
	require.NoError(t, err)
	require.NoError(t, ts.blobs.MarkDeleted("e5"))
	require.NoError(t, ts.repo.CreateAsset(ctx, &reconcile.Asset{Repository: testRepo, Path: "lib.jar", BlobRef: "e5"}))

	resp := ts.do(t, http.MethodPost, "/repositories/"+testRepo+"/plans", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	plan := decode[PlanResponse](t, resp)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, reconcile.ActionDeleteDanglingAssetRecord, plan.Items[0].Kind)

	resp = ts.do(t, http.MethodPost, "/repositories/"+testRepo+"/plans?undelete=true&integrityCheck=true&sinceDays=30", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	plan = decode[PlanResponse](t, resp)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, reconcile.ActionUndeleteBlob, plan.Items[0].Kind)
}

// brokenListing fails every blob listing with a transient error.
type brokenListing struct {
	*memorystorage.Backend
}

func (b brokenListing) ListBlobIDs(ctx context.Context, after reconcile.BlobID) iter.Seq2[reconcile.BlobID, error] {
	return func(yield func(reconcile.BlobID, error) bool) {
		yield("", reconcile.NewTransientError("memory", "list", "", io.ErrUnexpectedEOF))
	}
}

func TestCreatePlan_FailureLoggedOnce(t *testing.T) {
	ts := setupHandlerTestWith(t, func(b *memorystorage.Backend) reconcile.BlobStore { return brokenListing{b} })

	resp := ts.do(t, http.MethodPost, "/repositories/"+testRepo+"/plans", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", decode[ErrorResponse](t, resp).Error.Code)

	var loud []string
	for _, line := range strings.Split(ts.logs.String(), "\n") {
		if strings.Contains(line, `"level":"WARN"`) || strings.Contains(line, `"level":"ERROR"`) {
			loud = append(loud, line)
		}
	}
	require.Len(t, loud, 1)
	assert.Contains(t, loud[0], `"msg":"task failed"`)
}

func TestCleanupPolicies(t *testing.T) {
	ts := setupHandlerTest(t)
	ts.versions(t, "1.0", "1.1", "1.2", "1.3")
	base := "/repositories/" + testRepo + "/cleanup-policies"

	resp := ts.do(t, http.MethodPut, base+"/keep-two", PolicyRequest{
		Format:  "maven2",
		Options: map[string]any{"retain": 2, "sortBy": "version"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	saved := decode[PolicyResponse](t, resp)
	assert.Equal(t, "keep-two", saved.Name)
	assert.EqualValues(t, 2, saved.Options["retain"])

	resp = ts.do(t, http.MethodGet, base+"/keep-two", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "maven2", decode[PolicyResponse](t, resp).Format)

	resp = ts.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]PolicyResponse](t, resp), 1)

	resp = ts.do(t, http.MethodGet, base+"/keep-two/preview", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	preview := decode[cleanup.PreviewResult](t, resp)
	require.Len(t, preview.Items, 2)
	assert.Equal(t, "1.1", preview.Items[0].Version)
	assert.Equal(t, "1.0", preview.Items[1].Version)
	assert.False(t, preview.Truncated)

	resp = ts.do(t, http.MethodGet, base+"/keep-two/preview?format=csv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")
	rows, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "id", rows[0][0])

	resp = ts.do(t, http.MethodPost, base+"/keep-two/run?dryRun=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decode[reconcile.ExecutionReport](t, resp).Skipped)

	resp = ts.do(t, http.MethodPost, base+"/keep-two/run?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[reconcile.ExecutionReport](t, resp).Applied)

	resp = ts.do(t, http.MethodDelete, base+"/keep-two", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, base+"/keep-two", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutPolicy_Rejects(t *testing.T) {
	ts := setupHandlerTest(t)
	base := "/repositories/" + testRepo + "/cleanup-policies/p"
	tests := []struct {
		name string
		body any
	}{
		{"UnknownOption", PolicyRequest{Options: map[string]any{"retain": 1, "keepForever": true}}},
		{"UnknownField", map[string]any{"format": "maven2", "criteria": map[string]any{}}},
		{"BadSortBy", PolicyRequest{Options: map[string]any{"sortBy": "size"}}},
		{"NameMismatch", PolicyRequest{Options: map[string]any{"policyName": "other"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPut, base, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "invalid_request", decode[ErrorResponse](t, resp).Error.Code)
		})
	}
}

func TestPolicyErrors(t *testing.T) {
	ts := setupHandlerTest(t)
	base := "/repositories/" + testRepo + "/cleanup-policies"
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, base+"/missing/preview", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, base+"/missing/run", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, base+"/missing/run?limit=ten", nil).StatusCode)

	ts.do(t, http.MethodPut, base+"/p", PolicyRequest{Options: map[string]any{"retain": 1}})
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, base+"/p/preview?format=xml", nil).StatusCode)
}
