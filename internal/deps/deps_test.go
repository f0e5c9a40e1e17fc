package deps

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type recorder struct {
	calls  [][]string
	envs   [][]string
	failAt int // 1-based call index that fails; 0 never fails
}

func (r *recorder) run(_ context.Context, _ string, env []string, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	r.envs = append(r.envs, env)
	if r.failAt == len(r.calls) {
		return []byte("ERROR: No matching distribution found for not-a-real-pkg"), errors.New("exit status 1")
	}
	return []byte("ok"), nil
}

func newTestBootstrapper(r *recorder) *Bootstrapper {
	b := NewBootstrapper("python3", "")
	b.run = r.run
	return b
}

func TestPrepareWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(1)"), 0o644)

	r := &recorder{}
	env, err := newTestBootstrapper(r).Prepare(context.Background(), dir)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(r.calls) != 0 {
		t.Fatalf("no installer should run without a manifest, got %v", r.calls)
	}
	if env.Provisioned || env.Interpreter != "python3" {
		t.Errorf("env = %+v, want ambient python3", env)
	}
}

func TestPrepareWithManifest(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("requests\n"), 0o644)

	r := &recorder{}
	env, err := newTestBootstrapper(r).Prepare(context.Background(), dir)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	venv := filepath.Join(dir, ".venv")
	if !env.Provisioned || env.VenvDir != venv {
		t.Errorf("env = %+v", env)
	}
	if want := filepath.Join(venv, "bin", "python"); env.Interpreter != want {
		t.Errorf("Interpreter = %q, want %q", env.Interpreter, want)
	}

	want := []string{
		"python3 -m venv " + venv,
		filepath.Join(venv, "bin", "pip") + " install --upgrade pip setuptools wheel",
		filepath.Join(venv, "bin", "pip") + " install -r " + filepath.Join(dir, "requirements.txt"),
	}
	if len(r.calls) != len(want) {
		t.Fatalf("calls = %v", r.calls)
	}
	for i, w := range want {
		if got := strings.Join(r.calls[i], " "); got != w {
			t.Errorf("call %d = %q, want %q", i, got, w)
		}
	}
}

func TestPrepareInstallFailure(t *testing.T) {
	for failAt, step := range map[int]string{1: "create venv", 2: "upgrade build tooling", 3: "install requirements.txt"} {
		t.Run(step, func(t *testing.T) {
			dir := t.TempDir()
			os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("not-a-real-pkg\n"), 0o644)

			r := &recorder{failAt: failAt}
			_, err := newTestBootstrapper(r).Prepare(context.Background(), dir)

			var ie *InstallError
			if !errors.As(err, &ie) {
				t.Fatalf("error = %v, want *InstallError", err)
			}
			if ie.Step != step {
				t.Errorf("Step = %q, want %q", ie.Step, step)
			}
			if !strings.Contains(ie.Error(), "No matching distribution") {
				t.Errorf("diagnostic missing from %q", ie.Error())
			}
			if len(r.calls) != failAt {
				t.Errorf("ran %d steps after failure at %d", len(r.calls), failAt)
			}
		})
	}
}

func TestRunCommandReportsExitStatus(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	out, err := runCommand(context.Background(), t.TempDir(), Env{}.Environ(t.TempDir()), "sh", "-c", "echo broken >&2; exit 3")
	if err == nil || err.Error() != "exit status 3" {
		t.Fatalf("err = %v, want exit status 3", err)
	}
	if strings.TrimSpace(string(out)) != "broken" {
		t.Errorf("out = %q", out)
	}
}

func hasEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}

func TestInstallerEnvIsMinimal(t *testing.T) {
	t.Setenv("AWS_SECRET_ACCESS_KEY", "server-secret")
	t.Setenv("API_KEY", "server-token")
	t.Setenv("HTTPS_PROXY", "http://proxy:3128")
	t.Setenv("PATH", "/usr/bin")

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("requests\n"), 0o644)

	r := &recorder{}
	if _, err := newTestBootstrapper(r).Prepare(context.Background(), dir); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	venv := filepath.Join(dir, ".venv")
	for i, env := range r.envs {
		for _, kv := range env {
			if strings.HasPrefix(kv, "AWS_SECRET_ACCESS_KEY=") || strings.HasPrefix(kv, "API_KEY=") {
				t.Errorf("step %d: server secret in installer env: %s", i, kv)
			}
		}
		if !hasEnv(env, "HOME="+dir) || !hasEnv(env, "HTTPS_PROXY=http://proxy:3128") {
			t.Errorf("step %d: env = %v", i, env)
		}
	}
	if hasEnv(r.envs[0], "VIRTUAL_ENV="+venv) {
		t.Errorf("venv creation ran inside the venv: %v", r.envs[0])
	}
	for _, env := range r.envs[1:] {
		if !hasEnv(env, "VIRTUAL_ENV="+venv) || !hasEnv(env, "PATH="+filepath.Join(venv, "bin")+":/usr/bin") {
			t.Errorf("pip step env = %v", env)
		}
	}
}

func TestRunCommandDoesNotInheritServerEnv(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Setenv("AWS_SECRET_ACCESS_KEY", "server-secret")
	t.Setenv("API_KEY", "server-token")

	dir := t.TempDir()
	out, err := runCommand(context.Background(), dir, installerEnv(dir, Env{}), "sh", "-c", "echo \"[$AWS_SECRET_ACCESS_KEY$API_KEY]\"")
	if err != nil {
		t.Fatalf("runCommand: %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "[]" {
		t.Errorf("installer saw %q", got)
	}
}

func TestPrepareInstallTimeout(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("slow\n"), 0o644)

	b := NewBootstrapper("python3", "")
	b.Timeout = 50 * time.Millisecond
	b.run = func(ctx context.Context, _ string, _ []string, _ string, _ ...string) ([]byte, error) {
		<-ctx.Done()
		return []byte("partial"), errors.New("signal: killed")
	}

	_, err := b.Prepare(context.Background(), dir)
	var ie *InstallError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want *InstallError", err)
	}
	if ie.Step != "create venv" || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v", err)
	}
}
