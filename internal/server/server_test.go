package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deixis/modelgate/internal/config"
	"github.com/deixis/modelgate/internal/loader"
	"github.com/deixis/modelgate/internal/report"
	"github.com/deixis/modelgate/internal/runner"
	"github.com/google/uuid"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

// fixedExecutor returns the same outcome for every request.
type fixedExecutor struct {
	success bool
	calls   atomic.Int32
}

func (f *fixedExecutor) Execute(context.Context) loader.ScriptResult {
	f.calls.Add(1)
	return loader.ScriptResult{RunID: uuid.New().String(), Success: f.success}
}

// newEngine wires a real runner to cmd, the way serve does.
func newEngine(t *testing.T, timeout time.Duration, cmd ...string) (*loader.Engine, *report.LRUStore) {
	t.Helper()
	store := report.NewLRUStore(64, report.NewDiskStore(t.TempDir()))
	return &loader.Engine{
		Config: &config.Config{Command: cmd},
		Runner: &runner.Runner{Workspace: t.TempDir(), Timeout: timeout, MaxOutput: 1 << 20},
		Store:  store,
	}, store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestExecute_Success(t *testing.T) {
	h := NewHandler(&fixedExecutor{success: true}, Options{})
	rec := get(t, h, config.DefaultRoute)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != SuccessBody {
		t.Errorf("body = %q, want %q", got, SuccessBody)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if rec.Header().Get("X-Run-Id") == "" {
		t.Error("X-Run-Id header missing")
	}
}

func TestExecute_Failure(t *testing.T) {
	h := NewHandler(&fixedExecutor{success: false}, Options{})
	rec := get(t, h, config.DefaultRoute)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if got := rec.Body.String(); got != FailureBody {
		t.Errorf("body = %q, want exactly %q", got, FailureBody)
	}
}

func TestExecute_MethodNotAllowed(t *testing.T) {
	exec := &fixedExecutor{success: true}
	h := NewHandler(exec, Options{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, config.DefaultRoute, nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if exec.calls.Load() != 0 {
		t.Error("POST must not start the loader")
	}
}

func TestExecute_HeadDoesNotRunLoader(t *testing.T) {
	exec := &fixedExecutor{success: true}
	h := NewHandler(exec, Options{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, config.DefaultRoute, nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != http.MethodGet {
		t.Errorf("Allow = %q, want GET", got)
	}
	if exec.calls.Load() != 0 {
		t.Error("HEAD must not start the loader")
	}
}

func TestExecute_CustomRoute(t *testing.T) {
	h := NewHandler(&fixedExecutor{success: true}, Options{Route: "/load"})
	if rec := get(t, h, "/load"); rec.Code != http.StatusOK {
		t.Errorf("custom route status = %d, want 200", rec.Code)
	}
	if rec := get(t, h, config.DefaultRoute); rec.Code != http.StatusNotFound {
		t.Errorf("default route status = %d, want 404", rec.Code)
	}
}

func TestExecute_ScriptExitsZero(t *testing.T) {
	e, _ := newEngine(t, 10*time.Second, "sh", "-c", "echo ready")
	rec := get(t, NewHandler(e, Options{}), config.DefaultRoute)

	if rec.Code != http.StatusOK || rec.Body.String() != SuccessBody {
		t.Errorf("got %d %q, want 200 %q", rec.Code, rec.Body.String(), SuccessBody)
	}
}

func TestExecute_ScriptExitsNonZero(t *testing.T) {
	e, _ := newEngine(t, 10*time.Second, "sh", "-c", "echo nope >&2; exit 1")
	rec := get(t, NewHandler(e, Options{}), config.DefaultRoute)

	if rec.Code != http.StatusInternalServerError || rec.Body.String() != FailureBody {
		t.Errorf("got %d %q, want 500 %q", rec.Code, rec.Body.String(), FailureBody)
	}
}

func TestExecute_ScriptMissing(t *testing.T) {
	e, _ := newEngine(t, 10*time.Second, "nonexistent-interpreter-xyz", "model_loader.py")
	rec := get(t, NewHandler(e, Options{}), config.DefaultRoute)

	if rec.Code != http.StatusInternalServerError || rec.Body.String() != FailureBody {
		t.Errorf("got %d %q, want 500 %q", rec.Code, rec.Body.String(), FailureBody)
	}
}

func TestExecute_HangingScriptTimesOut(t *testing.T) {
	e, store := newEngine(t, 200*time.Millisecond, "sleep", "30")
	h := NewHandler(e, Options{Runs: store})

	start := time.Now()
	rec := get(t, h, config.DefaultRoute)
	if rec.Code != http.StatusInternalServerError || rec.Body.String() != FailureBody {
		t.Errorf("got %d %q, want 500 %q", rec.Code, rec.Body.String(), FailureBody)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("request took %v, want it bounded by the timeout", elapsed)
	}

	r, err := store.Load(rec.Header().Get("X-Run-Id"))
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	if !r.TimedOut {
		t.Error("record TimedOut = false, want true")
	}
}

func TestRuns(t *testing.T) {
	e, store := newEngine(t, 10*time.Second, "sh", "-c", "echo 'Successfully loaded 1 model(s)'; echo \"Loaded model from folder 'mnist'\"")
	h := NewHandler(e, Options{Runs: store})

	trigger := get(t, h, config.DefaultRoute)
	id := trigger.Header().Get("X-Run-Id")

	rec := get(t, h, "/runs/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /runs/%s status = %d", id, rec.Code)
	}
	var r report.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decoding record: %v", err)
	}
	if r.ID != id || r.Status != report.Success || r.Reported != 1 {
		t.Errorf("record = %+v", r)
	}

	rec = get(t, h, "/runs")
	var list struct {
		Runs []report.Record `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list.Runs) != 1 || list.Runs[0].ID != id {
		t.Errorf("GET /runs = %+v, want the single run", list.Runs)
	}
}

func TestRuns_NotFoundAndBadLimit(t *testing.T) {
	store := report.NewLRUStore(4, report.NewDiskStore(t.TempDir()))
	h := NewHandler(&fixedExecutor{}, Options{Runs: store})

	if rec := get(t, h, "/runs/"+uuid.New().String()); rec.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", rec.Code)
	}
	if rec := get(t, h, "/runs/not-a-run-id"); rec.Code != http.StatusNotFound {
		t.Errorf("malformed run status = %d, want 404", rec.Code)
	}
	if rec := get(t, h, "/runs?limit=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}
}

func TestRuns_DisabledWithoutStore(t *testing.T) {
	h := NewHandler(&fixedExecutor{}, Options{})
	if rec := get(t, h, "/runs"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := NewHandler(&fixedExecutor{success: false}, Options{Logger: zap.New(core)})
	get(t, h, config.DefaultRoute)

	entries := logs.FilterMessage("http request").All()
	if len(entries) != 1 {
		t.Fatalf("access log entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusInternalServerError) {
		t.Errorf("status field = %v, want 500", fields["status"])
	}
	if fields["bytes"] != int64(len(FailureBody)) {
		t.Errorf("bytes field = %v, want %d", fields["bytes"], len(FailureBody))
	}
}

// Concurrent requests each spawn their own process and receive their own
// outcome: odd-numbered requests fail, even-numbered succeed.
func TestExecute_ConcurrentRequestsAreIndependent(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := report.NewLRUStore(64, report.NewDiskStore(t.TempDir()))
	workspace := t.TempDir()

	var seq atomic.Int32
	exec := executorFunc(func(ctx context.Context) loader.ScriptResult {
		n := seq.Add(1)
		eng := &loader.Engine{
			Config: &config.Config{Command: []string{"sh", "-c", fmt.Sprintf("echo run-%d; exit %d", n, n%2)}},
			Runner: &runner.Runner{Workspace: workspace, Timeout: 10 * time.Second, MaxOutput: 1 << 20},
			Store:  store,
		}
		return eng.Execute(ctx)
	})

	ts := httptest.NewServer(NewHandler(exec, Options{}))
	defer ts.Close()

	const n = 12
	type outcome struct {
		status int
		body   string
		runID  string
	}
	var mu sync.Mutex
	outcomes := make([]outcome, 0, n)

	var g errgroup.Group
	for range n {
		g.Go(func() error {
			resp, err := ts.Client().Get(ts.URL + config.DefaultRoute)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			mu.Lock()
			outcomes = append(outcomes, outcome{resp.StatusCode, string(body), resp.Header.Get("X-Run-Id")})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	seen := make(map[string]bool)
	for _, o := range outcomes {
		if seen[o.runID] {
			t.Errorf("run %s answered twice", o.runID)
		}
		seen[o.runID] = true

		rec, err := store.Load(o.runID)
		if err != nil {
			t.Fatalf("store.Load(%s): %v", o.runID, err)
		}
		// The response must match the process that served it.
		switch {
		case rec.OK() && (o.status != http.StatusOK || o.body != SuccessBody):
			t.Errorf("run %s succeeded but response was %d %q", o.runID, o.status, o.body)
		case !rec.OK() && (o.status != http.StatusInternalServerError || o.body != FailureBody):
			t.Errorf("run %s failed but response was %d %q", o.runID, o.status, o.body)
		}
	}
	if len(seen) != n {
		t.Errorf("distinct runs = %d, want %d", len(seen), n)
	}
}

type executorFunc func(ctx context.Context) loader.ScriptResult

func (f executorFunc) Execute(ctx context.Context) loader.ScriptResult { return f(ctx) }

func TestServer_ServeAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{Handler: NewHandler(&fixedExecutor{success: true}, Options{}), ShutdownTimeout: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{}}
	resp, err := client.Get("http://" + ln.Addr().String() + config.DefaultRoute)
	if err != nil {
		cancel()
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	client.CloseIdleConnections()
	if string(body) != SuccessBody {
		t.Errorf("body = %q, want %q", body, SuccessBody)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServer_ShutdownCancelsInFlightRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	e, _ := newEngine(t, time.Minute, "sleep", "30")
	s := &Server{Handler: NewHandler(e, Options{}), ShutdownTimeout: 100 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{}}
	reqDone := make(chan struct{})
	go func() {
		defer close(reqDone)
		resp, err := client.Get("http://" + ln.Addr().String() + config.DefaultRoute)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Serve returned nil, want shutdown deadline error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	select {
	case <-reqDone:
	case <-time.After(10 * time.Second):
		t.Fatal("in-flight request was not released")
	}
	client.CloseIdleConnections()
}
