package cli

// NOTE: Tests in this file change the working directory and HOME so no user
// config is read. They MUST NOT use t.Parallel().

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/stepflow/internal/api"
	"github.com/randalmurphal/stepflow/internal/db"
	sferrors "github.com/randalmurphal/stepflow/internal/errors"
	"github.com/randalmurphal/stepflow/internal/run"
	"github.com/randalmurphal/stepflow/internal/workflow"
)

// isolate runs the test in an empty directory with an empty HOME.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

// newTestServer serves the catalog API and echo engine over an in-memory DB.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := api.New(api.Config{Store: db.NewTestDB(t)})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	rootCmd, _ := newRootCmd()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func createBlogPost(t *testing.T, baseURL string) {
	t.Helper()
	out, _, err := execute(t, "workflows", "create", "--base-url", baseURL,
		"--name", "Blog post",
		"--step", "Write a blog post about cats",
		"--step", "Write a title for it")
	require.NoError(t, err)
	require.Equal(t, "Created workflow 1: Blog post (2 steps)\n", out)
}

func TestWorkflows_Lifecycle(t *testing.T) {
	isolate(t)
	ts := newTestServer(t)
	createBlogPost(t, ts.URL)

	out, _, err := execute(t, "workflows", "--base-url", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "Blog post")

	out, _, err = execute(t, "workflows", "show", "1", "--base-url", ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "Workflow 1: Blog post\n\n1. Write a blog post about cats\n2. Write a title for it\n", out)

	out, _, err = execute(t, "steps", "add", "1", "--prompt", "Summarize it", "--base-url", ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "Added step 3 to workflow 1\n", out)

	out, _, err = execute(t, "steps", "list", "1", "--base-url", ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "1. Write a blog post about cats\n2. Write a title for it\n3. Summarize it\n", out)

	out, _, err = execute(t, "workflows", "--json", "--base-url", ts.URL)
	require.NoError(t, err)
	var wfs []workflow.Workflow
	require.NoError(t, json.Unmarshal([]byte(out), &wfs))
	require.Len(t, wfs, 1)
	assert.Len(t, wfs[0].Steps, 3)
}

func TestWorkflows_EmptyCatalog(t *testing.T) {
	isolate(t)
	ts := newTestServer(t)

	out, _, err := execute(t, "workflows", "--base-url", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "No workflows")
}

func TestWorkflows_ShowNotFound(t *testing.T) {
	isolate(t)
	ts := newTestServer(t)

	_, _, err := execute(t, "workflows", "show", "99", "--base-url", ts.URL)
	require.Error(t, err)
	sfErr := sferrors.AsError(err)
	require.NotNil(t, sfErr)
	assert.Equal(t, sferrors.CodeWorkflowNotFound, sfErr.Code)

	_, _, err = execute(t, "workflows", "show", "abc", "--base-url", ts.URL)
	assert.ErrorContains(t, err, "invalid workflow id")
}

func TestSteps_AddRejectsGap(t *testing.T) {
	isolate(t)
	ts := newTestServer(t)
	createBlogPost(t, ts.URL)

	_, _, err := execute(t, "steps", "add", "1", "--prompt", "x", "--number", "5", "--base-url", ts.URL)
	require.Error(t, err)
	sfErr := sferrors.AsError(err)
	require.NotNil(t, sfErr)
	assert.Equal(t, sferrors.CodeStepInvalid, sfErr.Code)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestWorkflows_Import(t *testing.T) {
	dir := isolate(t)
	ts := newTestServer(t)

	writeFile(t, filepath.Join(dir, "flows", "blog.yaml"), `name: Blog post
steps:
  - prompt: Write a blog post about cats
  - prompt: Write a title for it
`)
	writeFile(t, filepath.Join(dir, "flows", "nested", "haiku.yaml"), `name: Haiku
description: One step
steps:
  - prompt: Write a haiku
`)
	writeFile(t, filepath.Join(dir, "flows", "notes.txt"), "not a workflow")

	out, _, err := execute(t, "workflows", "import", "flows/**/*.yaml", "--dry-run", "--base-url", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Would import Blog post")
	assert.Contains(t, out, "Would import Haiku")

	out, _, err = execute(t, "workflows", "--json", "--base-url", ts.URL)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out, "dry run must not create workflows")

	out, _, err = execute(t, "workflows", "import", "flows/**/*.yaml", "--base-url", ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "Imported Blog post as workflow 1 (2 steps)\nImported Haiku as workflow 2 (1 step)\n", out)

	out, _, err = execute(t, "workflows", "show", "2", "--base-url", ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "Workflow 2: Haiku\nOne step\n\n1. Write a haiku\n", out)
}

func TestWorkflows_ImportErrors(t *testing.T) {
	dir := isolate(t)
	ts := newTestServer(t)

	_, _, err := execute(t, "workflows", "import", "missing/*.yaml", "--base-url", ts.URL)
	assert.ErrorContains(t, err, "no files match")

	writeFile(t, filepath.Join(dir, "bad.yaml"), "steps:\n  - prompt: orphan\n")
	_, _, err = execute(t, "workflows", "import", "bad.yaml", "--base-url", ts.URL)
	assert.ErrorContains(t, err, "bad.yaml")
}

func TestRun_JSONSnapshot(t *testing.T) {
	isolate(t)
	ts := newTestServer(t)
	createBlogPost(t, ts.URL)

	out, _, err := execute(t, "run", "1", "--json", "--base-url", ts.URL)
	require.NoError(t, err)

	var snap run.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, run.StatusCompleted, snap.Status)
	assert.Equal(t, "Blog post", snap.WorkflowName)
	require.Len(t, snap.Results, 2)
	assert.Equal(t, "Write a blog post about cats", snap.Results[0].Result)
	assert.Equal(t, "Write a title for it\n\nWrite a blog post about cats", snap.Results[1].Result)
}

func TestRun_PlainOutput(t *testing.T) {
	isolate(t)
	ts := newTestServer(t)
	createBlogPost(t, ts.URL)

	out, _, err := execute(t, "run", "1", "--base-url", ts.URL)
	require.NoError(t, err)

	assert.Contains(t, out, "🚀 Running workflow Blog post (#1)")
	assert.Contains(t, out, "✅ Step 1: Write a blog post about cats")
	assert.Contains(t, out, "🎉 Workflow Blog post completed!")
	assert.Contains(t, out, "── Step 2 ── Write a title for it\nWrite a title for it\n\nWrite a blog post about cats\n")
}

func TestRun_EngineErrorFailsCommand(t *testing.T) {
	isolate(t)
	ts := newTestServer(t)
	_, _, err := execute(t, "workflows", "create", "--name", "Empty", "--base-url", ts.URL)
	require.NoError(t, err)

	out, _, err := execute(t, "run", "1", "--base-url", ts.URL)
	require.Error(t, err)
	sfErr := sferrors.AsError(err)
	require.NotNil(t, sfErr)
	assert.Equal(t, sferrors.CodeRunFailed, sfErr.Code)
	assert.Equal(t, "Error: workflow 1 has no steps", sfErr.Why)
	assert.Contains(t, out, "❌ Error: workflow 1 has no steps")
}

func TestRun_UnknownWorkflow(t *testing.T) {
	isolate(t)
	ts := newTestServer(t)

	_, _, err := execute(t, "run", "42", "--base-url", ts.URL)
	require.Error(t, err)
	assert.Equal(t, sferrors.CodeWorkflowNotFound, sferrors.AsError(err).Code)
}

func TestRun_CatalogUnavailable(t *testing.T) {
	isolate(t)
	ts := newTestServer(t)
	url := ts.URL
	ts.Close()

	_, _, err := execute(t, "run", "1", "--base-url", url)
	require.Error(t, err)
	assert.Equal(t, sferrors.CodeCatalogUnavailable, sferrors.AsError(err).Code)
}

func TestConfig_ShowReflectsOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("STEPFLOW_RUN_STRICT_CHAINING", "true")

	out, _, err := execute(t, "config", "show", "--base-url", "http://engine.example:9000")
	require.NoError(t, err)
	assert.Contains(t, out, "base_url: http://engine.example:9000")
	assert.Contains(t, out, "strict_chaining: true")
	assert.Contains(t, out, "timeout: 10s")
}

func TestConfig_InvalidValueIsReported(t *testing.T) {
	isolate(t)

	_, _, err := execute(t, "config", "show", "--base-url", "not a url")
	require.Error(t, err)
	assert.Equal(t, sferrors.CodeConfigInvalid, sferrors.AsError(err).Code)

	// version works regardless
	out, _, err := execute(t, "version", "--base-url", "not a url")
	require.NoError(t, err)
	assert.Contains(t, out, "stepflow version")
}

func TestConfig_FileIsRead(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	writeFile(t, path, "engine:\n  base_url: https://flows.example\n")

	out, _, err := execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "base_url: https://flows.example")

	_, _, err = execute(t, "config", "show", "--config", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_Init(t *testing.T) {
	dir := isolate(t)

	out, _, err := execute(t, "config", "init")
	require.NoError(t, err)
	assert.Equal(t, "Wrote .stepflow/config.yaml\n", out)
	assert.FileExists(t, filepath.Join(dir, ".stepflow", "config.yaml"))

	_, _, err = execute(t, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	_, _, err = execute(t, "config", "init", "--force")
	assert.NoError(t, err)

	// The written defaults load back.
	out, _, err = execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "base_url: http://localhost:8000")
}

func TestServe_StopsOnCancel(t *testing.T) {
	dir := isolate(t)

	rootCmd, _ := newRootCmd()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"serve", "--port", "0", "--dsn", filepath.Join(dir, "data", "flows.db")})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rootCmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "data", "flows.db"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	PrintError(&buf, assert.AnError, false)
	assert.Equal(t, "Error: "+assert.AnError.Error()+"\n", buf.String())

	buf.Reset()
	PrintError(&buf, sferrors.ErrWorkflowNotFound(3), false)
	assert.Contains(t, buf.String(), "Error: workflow 3 not found")
	assert.NotContains(t, buf.String(), "Code:")

	buf.Reset()
	PrintError(&buf, sferrors.ErrWorkflowNotFound(3), true)
	assert.Contains(t, buf.String(), "Code: WORKFLOW_NOT_FOUND")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
