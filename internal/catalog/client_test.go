package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/stepflow/internal/api"
	"github.com/randalmurphal/stepflow/internal/db"
	sferrors "github.com/randalmurphal/stepflow/internal/errors"
	"github.com/randalmurphal/stepflow/internal/util"
	"github.com/randalmurphal/stepflow/internal/workflow"
)

var fastRetry = util.RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

// newCatalogServer serves the real API over an in-memory store.
func newCatalogServer(t *testing.T) *Client {
	t.Helper()
	srv := api.New(api.Config{Store: db.NewTestDB(t)})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := New(ts.URL, WithRetry(fastRetry))
	require.NoError(t, err)
	return c
}

func TestClient_AgainstAPI(t *testing.T) {
	c := newCatalogServer(t)
	ctx := context.Background()

	created, err := c.Create(ctx, workflow.NewWorkflow{Name: "Blog post", Description: "cats"})
	require.NoError(t, err)
	assert.Equal(t, "Blog post", created.Name)

	step, err := c.AddStep(ctx, created.ID, workflow.NewStep{Prompt: "Write a blog post about cats"})
	require.NoError(t, err)
	assert.Equal(t, 1, step.StepNumber)
	_, err = c.AddStep(ctx, created.ID, workflow.NewStep{StepNumber: 2, Prompt: "Write a title"})
	require.NoError(t, err)

	got, err := c.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, got.Steps, 2)

	steps, err := c.Steps(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Steps, steps)

	all, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, *got, all[0])
}

func TestClient_StructuredErrors(t *testing.T) {
	c := newCatalogServer(t)
	ctx := context.Background()

	_, err := c.Get(ctx, 42)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	sfErr := sferrors.AsError(err)
	require.NotNil(t, sfErr)
	assert.Equal(t, sferrors.CodeWorkflowNotFound, sfErr.Code)
	assert.Equal(t, "workflow 42 not found", sfErr.What)

	wf, err := c.Create(ctx, workflow.NewWorkflow{Name: "wf"})
	require.NoError(t, err)
	_, err = c.AddStep(ctx, wf.ID, workflow.NewStep{StepNumber: 5, Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, sferrors.CodeStepInvalid, sferrors.AsError(err).Code)
	assert.False(t, IsNotFound(err))
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode([]workflow.Workflow{{ID: 1, Name: "wf"}})
	}))
	defer ts.Close()

	c, err := New(ts.URL, WithRetry(fastRetry))
	require.NoError(t, err)

	all, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Workflow not found"}`))
	}))
	defer ts.Close()

	c, err := New(ts.URL, WithRetry(fastRetry))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "Workflow not found")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_DoesNotRetryWrites(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c, err := New(ts.URL, WithRetry(fastRetry))
	require.NoError(t, err)

	_, err = c.Create(context.Background(), workflow.NewWorkflow{Name: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := New(url, WithRetry(util.RetryConfig{MaxAttempts: 1}))
	require.NoError(t, err)

	_, err = c.List(context.Background())
	require.Error(t, err)
	assert.Equal(t, sferrors.CodeCatalogUnavailable, sferrors.AsError(err).Code)
}

func TestClient_CoalescesConcurrentGets(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(workflow.Workflow{ID: 9, Name: "wf", Steps: []workflow.Step{{ID: 1, StepNumber: 1, Prompt: "p"}}})
	}))
	defer ts.Close()

	c, err := New(ts.URL, WithRetry(fastRetry))
	require.NoError(t, err)

	const n = 5
	var wg sync.WaitGroup
	results := make([]*workflow.Workflow, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := c.Get(context.Background(), 9)
			if err == nil {
				results[i] = w
			}
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, w := range results {
		require.NotNil(t, w)
		assert.Equal(t, "wf", w.Name)
	}
	results[0].Steps[0].Prompt = "changed"
	assert.Equal(t, "p", results[1].Steps[0].Prompt, "coalesced results must not share step slices")
}

func TestClient_GetSurvivesCallerCancel(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(workflow.Workflow{ID: 4, Name: "shared"})
	}))
	defer ts.Close()

	c, err := New(ts.URL, WithRetry(fastRetry))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, 4)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	type result struct {
		w   *workflow.Workflow
		err error
	}
	second := make(chan result, 1)
	go func() {
		w, err := c.Get(context.Background(), 4)
		second <- result{w, err}
	}()

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.Equal(t, "shared", r.w.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not get the shared result")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithTimeout_LeavesCallerClientAlone(t *testing.T) {
	hc := &http.Client{Timeout: time.Minute}
	c, err := New("http://localhost:8000", WithHTTPClient(hc), WithTimeout(time.Second))
	require.NoError(t, err)

	assert.Equal(t, time.Minute, hc.Timeout)
	assert.Equal(t, time.Second, c.http.Timeout)
	assert.NotSame(t, hc, c.http)

	d, err := New("http://localhost:8000", WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), http.DefaultClient.Timeout)
	assert.Equal(t, time.Second, d.http.Timeout)
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8000", "ftp://example.com", "http://"} {
		_, err := New(raw)
		assert.Error(t, err, raw)
	}
}

func TestStatusError(t *testing.T) {
	se := &StatusError{Status: 503, Message: "down"}
	assert.Equal(t, 503, se.StatusCode())
	assert.True(t, util.IsRetryable(se))
	assert.Nil(t, se.Unwrap())

	coded := &StatusError{Status: 404, Code: "WORKFLOW_NOT_FOUND", Message: "workflow 1 not found"}
	assert.False(t, util.IsRetryable(coded))
	assert.Equal(t, "catalog returned 404 (WORKFLOW_NOT_FOUND): workflow 1 not found", coded.Error())
}
