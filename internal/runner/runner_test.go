package runner

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/runbox/internal/artifact"
	"github.com/michaelbrown/runbox/internal/deps"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
	"github.com/michaelbrown/runbox/internal/workspace"
)

// shellProvisioner runs scripts with the ambient sh.
type shellProvisioner struct {
	err   error
	calls int
}

func (p *shellProvisioner) Prepare(_ context.Context, _ string) (deps.Env, error) {
	p.calls++
	if p.err != nil {
		return deps.Env{}, p.err
	}
	return deps.Env{Interpreter: "sh"}, nil
}

type fakeSandbox struct {
	mu      sync.Mutex
	outcome sandbox.Outcome
	panics  bool
	calls   []sandbox.ExecOpts
}

func (s *fakeSandbox) Exec(_ context.Context, opts sandbox.ExecOpts) sandbox.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, opts)
	if s.panics {
		panic("sandbox exploded")
	}
	return s.outcome
}

type brokenStore struct{ artifact.Store }

func (brokenStore) Put(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket unreachable")
}

type fixture struct {
	runner  *Runner
	base    string
	store   *artifact.MemoryStore
	prov    *shellProvisioner
	history *sqlite.SQLiteStore
	hub     *Hub
}

func newFixture(t *testing.T, sb sandbox.Sandbox, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		base:  t.TempDir(),
		store: artifact.NewMemoryStore("mem://bucket/"),
		prov:  &shellProvisioner{},
		hub:   NewHub(),
	}
	hist, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("opening history: %v", err)
	}
	t.Cleanup(func() { hist.Close() })
	f.history = hist

	ws := workspace.NewManager(f.base)
	ws.ScriptExt = ".sh"

	opts = append([]Option{WithHistory(hist), WithEvents(f.hub)}, opts...)
	f.runner = New(
		Options{Timeout: 2 * time.Second, MaxOutputBytes: 1000},
		ws, f.prov, sb, artifact.NewPublisher(f.store, 0),
		opts...,
	)
	return f
}

func shellSandbox(timeout time.Duration) sandbox.Sandbox {
	return sandbox.NewLocalSandbox(sandbox.DefaultPolicy().WithTimeout(timeout), nil)
}

func (f *fixture) object(t *testing.T, key string) string {
	t.Helper()
	data, _, err := f.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	return string(data)
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(body))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("error = %v (%T), want *Error", err, err)
	}
	return e.Kind
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if len(a) != 32 || strings.ContainsAny(a, "-") {
		t.Errorf("NewRunID() = %q, want 32 hex chars", a)
	}
	if a == b {
		t.Error("run ids should differ")
	}
}

func TestRunSingleScript(t *testing.T) {
	f := newFixture(t, shellSandbox(5*time.Second))

	res, err := f.runner.Run(context.Background(), Request{Filename: "main.sh", Data: []byte("echo hello\n")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != "done" || res.Outcome != sandbox.Success {
		t.Errorf("result = %+v", res)
	}
	if want := "mem://bucket/" + artifact.OutputKey(res.RunID); res.OutputURL != want {
		t.Errorf("OutputURL = %q, want %q", res.OutputURL, want)
	}
	if got := f.object(t, artifact.OutputKey(res.RunID)); got != "hello\n" {
		t.Errorf("output = %q, want %q", got, "hello\n")
	}

	bundle := f.object(t, artifact.BundleKey(res.RunID))
	zr, err := zip.NewReader(strings.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	names := map[string]bool{}
	for _, zf := range zr.File {
		names[zf.Name] = true
	}
	if !names["main.sh"] || !names[OutputFile] {
		t.Errorf("bundle entries = %v", names)
	}

	local, err := os.ReadFile(filepath.Join(f.base, res.RunID, OutputFile))
	if err != nil || string(local) != "hello\n" {
		t.Errorf("local output = %q, %v", local, err)
	}
}

func TestRunArchiveWithOverride(t *testing.T) {
	f := newFixture(t, shellSandbox(5*time.Second))

	data := zipOf(t, map[string]string{
		"main.sh":     "echo wrong\n",
		"tools/go.sh": "echo picked\n",
	})
	res, err := f.runner.Run(context.Background(), Request{Filename: "proj.zip", Data: data, Entry: "tools/go.sh"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Entrypoint != "tools/go.sh" {
		t.Errorf("Entrypoint = %q", res.Entrypoint)
	}
	if got := f.object(t, artifact.OutputKey(res.RunID)); got != "picked\n" {
		t.Errorf("output = %q", got)
	}
	if _, err := os.Stat(filepath.Join(f.base, res.RunID, "proj.zip")); !os.IsNotExist(err) {
		t.Errorf("archive should be removed after extraction, stat err = %v", err)
	}
}

func TestRunFailingProgram(t *testing.T) {
	f := newFixture(t, shellSandbox(5*time.Second))

	res, err := f.runner.Run(context.Background(), Request{
		Filename: "main.sh",
		Data:     []byte("echo partial\necho boom >&2\nexit 2\n"),
	})
	if err != nil {
		t.Fatalf("a failing program is still a completed run: %v", err)
	}
	want := "=== STDOUT ===\npartial\n\n\n=== STDERR ===\nboom\n\n\nExitCode: 2"
	if got := f.object(t, artifact.OutputKey(res.RunID)); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if res.ExitCode != 2 || res.Outcome != sandbox.Failure {
		t.Errorf("result = %+v", res)
	}
}

func TestRunDependencyFailureStopsPipeline(t *testing.T) {
	sb := &fakeSandbox{}
	f := newFixture(t, sb)
	f.prov.err = &deps.InstallError{Step: "install requirements.txt", Output: "No matching distribution", Err: errors.New("exit status 1")}

	_, err := f.runner.Run(context.Background(), Request{Filename: "main.sh", Data: []byte("echo hi\n")})
	if k := kindOf(t, err); k != KindDependencyInstallFailed {
		t.Fatalf("Kind = %s", k)
	}
	if !strings.Contains(err.Error(), "No matching distribution") {
		t.Errorf("installer diagnostic missing: %v", err)
	}
	if len(sb.calls) != 0 {
		t.Error("program must not run after a failed install")
	}
	if f.store.Len() != 0 {
		t.Errorf("nothing should be published, got %d objects", f.store.Len())
	}
}

func TestRunTimeout(t *testing.T) {
	f := newFixture(t, shellSandbox(300*time.Millisecond))
	f.runner.opts.Timeout = 300 * time.Millisecond

	res, err := f.runner.Run(context.Background(), Request{Filename: "main.sh", Data: []byte("echo started\nexec sleep 30\n")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != sandbox.TimedOut {
		t.Fatalf("Outcome = %s", res.Outcome)
	}
	got := f.object(t, artifact.OutputKey(res.RunID))
	if !strings.HasPrefix(got, "TimeoutExpired: exceeded 0.3 seconds.\nPartial output:\nstarted\n") {
		t.Errorf("output = %q", got)
	}
}

func TestRunTruncatesOutput(t *testing.T) {
	sb := &fakeSandbox{outcome: sandbox.Outcome{Kind: sandbox.Success, Stdout: strings.Repeat("x", 5000)}}
	f := newFixture(t, sb)

	res, err := f.runner.Run(context.Background(), Request{Filename: "main.sh", Data: []byte("true\n")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := f.object(t, artifact.OutputKey(res.RunID))
	if want := strings.Repeat("x", 1000) + "\n\n...OUTPUT_TRUNCATED..."; got != want {
		t.Errorf("output length %d, want %d", len(got), len(want))
	}
}

func TestRunLaunchErrorIsOutput(t *testing.T) {
	sb := &fakeSandbox{outcome: sandbox.Outcome{Kind: sandbox.LaunchError, Err: errors.New("exec format error")}}
	f := newFixture(t, sb)

	res, err := f.runner.Run(context.Background(), Request{Filename: "main.sh", Data: []byte("true\n")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.object(t, artifact.OutputKey(res.RunID)); got != "Exception during run:\nexec format error" {
		t.Errorf("output = %q", got)
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want Kind
	}{
		{"missing file", Request{Filename: "main.sh"}, KindInvalidRequest},
		{"no entrypoint", Request{Filename: "notes.txt", Data: []byte("hi")}, KindNoEntrypoint},
		{"override outside workspace", Request{Filename: "notes.txt", Data: []byte("true"), Entry: "../../etc/passwd"}, KindNoEntrypoint},
		{"unsafe archive", Request{Filename: "a.zip", Data: nil}, KindInvalidRequest},
		{"conflicting archive entries", Request{Filename: "b.zip", Data: nil}, KindInvalidRequest},
	}
	tests[3].req.Data = zipOf(t, map[string]string{"../escape.sh": "true"})
	tests[4].req.Data = zipOf(t, map[string]string{"lib": "file", "lib/main.sh": "true"})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := &fakeSandbox{}
			f := newFixture(t, sb)
			_, err := f.runner.Run(context.Background(), tt.req)
			if k := kindOf(t, err); k != tt.want {
				t.Errorf("Kind = %s, want %s (%v)", k, tt.want, err)
			}
			if len(sb.calls) != 0 {
				t.Error("sandbox should not run")
			}
		})
	}
}

func TestRunWorkspaceCollision(t *testing.T) {
	sb := &fakeSandbox{outcome: sandbox.Outcome{Kind: sandbox.Success}}
	f := newFixture(t, sb, WithIDFunc(func() string { return "fixed" }))

	if _, err := f.runner.Run(context.Background(), Request{Filename: "main.sh", Data: []byte("true")}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, err := f.runner.Run(context.Background(), Request{Filename: "main.sh", Data: []byte("true")})
	if k := kindOf(t, err); k != KindWorkspaceCollision {
		t.Errorf("Kind = %s, want workspace_collision", k)
	}
	if len(sb.calls) != 1 {
		t.Errorf("sandbox calls = %d, want 1", len(sb.calls))
	}
}

func TestRunPublishFailure(t *testing.T) {
	sb := &fakeSandbox{outcome: sandbox.Outcome{Kind: sandbox.Success, Stdout: "ok"}}
	f := newFixture(t, sb)
	f.runner.publisher = artifact.NewPublisher(brokenStore{}, 0)

	_, err := f.runner.Run(context.Background(), Request{Filename: "main.sh", Data: []byte("true")})
	if k := kindOf(t, err); k != KindPublishFailed {
		t.Fatalf("Kind = %s", k)
	}
	var pe *artifact.PublishError
	if !errors.As(err, &pe) || pe.Key == "" {
		t.Errorf("publish error should name the failed key: %v", err)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	f := newFixture(t, &fakeSandbox{panics: true}, WithIDFunc(func() string { return "panicky" }))

	_, err := f.runner.Run(context.Background(), Request{Filename: "main.sh", Data: []byte("true")})
	if k := kindOf(t, err); k != KindUnexpectedInternal {
		t.Fatalf("Kind = %s", k)
	}

	rec, herr := f.history.GetRun(context.Background(), "panicky")
	if herr != nil {
		t.Fatalf("GetRun: %v", herr)
	}
	if rec.Status != storage.StatusFailed || rec.ErrorKind != string(KindUnexpectedInternal) {
		t.Errorf("history = %+v", rec)
	}
}

func TestRunRecordsHistory(t *testing.T) {
	f := newFixture(t, shellSandbox(5*time.Second))

	res, err := f.runner.Run(context.Background(), Request{Filename: "main.sh", Data: []byte("exit 4\n")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec, err := f.history.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != storage.StatusCompleted || rec.Outcome != string(sandbox.Failure) || rec.ExitCode != 4 {
		t.Errorf("history = %+v", rec)
	}
	if rec.Entrypoint != "main.sh" || rec.OutputURL != res.OutputURL || rec.BundleURL != res.BundleURL {
		t.Errorf("history = %+v", rec)
	}

	_, err = f.runner.Run(context.Background(), Request{Filename: "readme.md", Data: []byte("# hi")})
	if err == nil {
		t.Fatal("expected no_entrypoint")
	}
	runs, err := f.history.ListRuns(context.Background(), storage.RunListOptions{Status: storage.StatusFailed})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ErrorKind != string(KindNoEntrypoint) {
		t.Errorf("failed runs = %+v", runs)
	}
}

func TestRunEmitsEvents(t *testing.T) {
	sb := &fakeSandbox{outcome: sandbox.Outcome{Kind: sandbox.Success}}
	f := newFixture(t, sb)
	ch, unsubscribe := f.hub.Subscribe(16)
	defer unsubscribe()

	res, err := f.runner.Run(context.Background(), Request{Filename: "main.sh", Data: []byte("true")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{StageCreated, StageWorkspaceReady, StageExecuted, StagePublished}
	for _, stage := range want {
		select {
		case ev := <-ch:
			if ev.Stage != stage || ev.RunID != res.RunID {
				t.Errorf("event = %+v, want stage %s", ev, stage)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", stage)
		}
	}
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t, shellSandbox(5*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.runner.Run(ctx, Request{Filename: "main.sh", Data: []byte("echo still here\n")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.object(t, artifact.OutputKey(res.RunID)); got != "still here\n" {
		t.Errorf("output = %q", got)
	}
}

func TestRunPassesChildEnv(t *testing.T) {
	sb := &fakeSandbox{outcome: sandbox.Outcome{Kind: sandbox.Success}}
	f := newFixture(t, sb)

	res, err := f.runner.Run(context.Background(), Request{Filename: "main.sh", Data: []byte("true")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	opts := sb.calls[0]
	dir := filepath.Join(f.base, res.RunID)
	if opts.Dir != dir || opts.Entrypoint != filepath.Join(dir, "main.sh") || opts.Interpreter != "sh" {
		t.Errorf("exec opts = %+v", opts)
	}
	if !containsEnv(opts.Env, "HOME="+dir) || !containsEnv(opts.Env, "PYTHONUNBUFFERED=1") {
		t.Errorf("env = %v", opts.Env)
	}
}

type venvProvisioner struct{}

func (venvProvisioner) Prepare(_ context.Context, dir string) (deps.Env, error) {
	venv := filepath.Join(dir, deps.VenvDirName)
	return deps.Env{Interpreter: filepath.Join(venv, "bin", "python"), Provisioned: true, VenvDir: venv}, nil
}

func TestRunUsesProvisionedInterpreter(t *testing.T) {
	sb := &fakeSandbox{outcome: sandbox.Outcome{Kind: sandbox.Success}}
	f := newFixture(t, sb)
	f.runner.deps = venvProvisioner{}

	data := zipOf(t, map[string]string{"main.sh": "true", "requirements.txt": "requests\n"})
	res, err := f.runner.Run(context.Background(), Request{Filename: "p.zip", Data: data})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	venv := filepath.Join(f.base, res.RunID, deps.VenvDirName)
	if got := sb.calls[0].Interpreter; got != filepath.Join(venv, "bin", "python") {
		t.Errorf("Interpreter = %q, want the venv python", got)
	}
	if !containsEnv(sb.calls[0].Env, "VIRTUAL_ENV="+venv) {
		t.Errorf("env = %v", sb.calls[0].Env)
	}
}

// pythonFixture runs real Python programs; it skips without python3.
func pythonFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	f := newFixture(t, shellSandbox(timeout))
	f.runner.workspaces.ScriptExt = ".py"
	f.runner.deps = deps.NewBootstrapper("python3", "")
	f.runner.opts.Timeout = timeout
	return f
}

func TestPythonHello(t *testing.T) {
	f := pythonFixture(t, 10*time.Second)
	res, err := f.runner.Run(context.Background(), Request{Filename: "main.py", Data: []byte(`print("hello")`)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.object(t, artifact.OutputKey(res.RunID)); got != "hello\n" {
		t.Errorf("output = %q", got)
	}
}

func TestPythonUncaughtError(t *testing.T) {
	f := pythonFixture(t, 10*time.Second)
	res, err := f.runner.Run(context.Background(), Request{
		Filename: "app.py",
		Data:     []byte("print('before')\nraise ValueError('bad input')\n"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := f.object(t, artifact.OutputKey(res.RunID))
	for _, want := range []string{"=== STDOUT ===\nbefore\n", "=== STDERR ===\nTraceback", "ValueError: bad input", "ExitCode: 1"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPythonInfiniteLoopTimesOut(t *testing.T) {
	f := pythonFixture(t, 2*time.Second)
	start := time.Now()
	res, err := f.runner.Run(context.Background(), Request{
		Filename: "main.py",
		Data:     []byte("print('spinning')\nwhile True:\n    pass\n"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("run took %v", elapsed)
	}
	if res.Outcome != sandbox.TimedOut {
		t.Fatalf("Outcome = %s", res.Outcome)
	}
	got := f.object(t, artifact.OutputKey(res.RunID))
	if !strings.HasPrefix(got, "TimeoutExpired: exceeded 2 seconds.\nPartial output:\nspinning\n") {
		t.Errorf("output = %q", got)
	}
}

func TestChildEnvWithVenv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_TOKEN", "leak")

	env := childEnv("/w", deps.Env{Interpreter: "/w/.venv/bin/python", Provisioned: true, VenvDir: "/w/.venv"})
	for _, want := range []string{"HOME=/w", "VIRTUAL_ENV=/w/.venv", "PATH=/w/.venv/bin:/usr/bin"} {
		if !containsEnv(env, want) {
			t.Errorf("env %v missing %q", env, want)
		}
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "SECRET_TOKEN=") {
			t.Errorf("server environment leaked: %s", kv)
		}
	}
}

func containsEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}
