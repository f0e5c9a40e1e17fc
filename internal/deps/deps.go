// Package deps provisions a private Python environment for a workspace that
// declares its dependencies in a manifest.
package deps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelbrown/runbox/internal/log"
)

const (
	DefaultManifest = "requirements.txt"
	VenvDirName     = ".venv"

	DefaultInstallTimeout = 10 * time.Minute
)

// installerPassthrough lists the server variables pip needs to reach a
// package index. Everything else stays out of installer processes.
var installerPassthrough = []string{
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
	"http_proxy", "https_proxy", "no_proxy",
	"PIP_INDEX_URL", "PIP_EXTRA_INDEX_URL", "PIP_TRUSTED_HOST",
}

// InstallError reports a failed provisioning step together with the
// installer's diagnostic output.
type InstallError struct {
	Step   string
	Output string
	Err    error
}

func (e *InstallError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Step, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *InstallError) Unwrap() error { return e.Err }

// Env describes the interpreter a run should use.
type Env struct {
	Interpreter string // absolute path or PATH-resolvable name
	Provisioned bool   // true when a private environment was created
	VenvDir     string // set when Provisioned
}

// Environ returns the minimal environment for processes working in dir:
// HOME is the workspace and PATH leads with the venv when one exists. Only
// PATH and LANG are taken from the server's environment.
func (e Env) Environ(dir string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	lang := os.Getenv("LANG")
	if lang == "" {
		lang = "C.UTF-8"
	}

	vars := []string{"HOME=" + dir, "LANG=" + lang}
	if e.Provisioned {
		vars = append(vars, "VIRTUAL_ENV="+e.VenvDir)
		path = filepath.Join(e.VenvDir, "bin") + string(os.PathListSeparator) + path
	}
	return append(vars, "PATH="+path)
}

func installerEnv(dir string, e Env) []string {
	vars := e.Environ(dir)
	for _, k := range installerPassthrough {
		if v, ok := os.LookupEnv(k); ok {
			vars = append(vars, k+"="+v)
		}
	}
	return vars
}

// commandFunc runs one installer command in dir with exactly env and returns
// its combined output.
type commandFunc func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)

// Bootstrapper installs declared dependencies into a per-workspace venv.
type Bootstrapper struct {
	Interpreter string
	Manifest    string
	Timeout     time.Duration // bounds all installer steps together; 0 means DefaultInstallTimeout

	run commandFunc
}

// NewBootstrapper creates a Bootstrapper using interpreter as the ambient
// Python and manifest as the dependency file name.
func NewBootstrapper(interpreter, manifest string) *Bootstrapper {
	if manifest == "" {
		manifest = DefaultManifest
	}
	return &Bootstrapper{
		Interpreter: interpreter,
		Manifest:    manifest,
		run:         runCommand,
	}
}

// Prepare returns the ambient interpreter when dir has no manifest. Otherwise
// it creates dir/.venv, upgrades the build tooling, installs the manifest and
// returns the venv interpreter. The first failing step aborts with an
// *InstallError.
func (b *Bootstrapper) Prepare(ctx context.Context, dir string) (Env, error) {
	manifest := filepath.Join(dir, b.Manifest)
	info, err := os.Stat(manifest)
	if err != nil || !info.Mode().IsRegular() {
		return Env{Interpreter: b.Interpreter}, nil
	}

	venv := filepath.Join(dir, VenvDirName)
	pip := filepath.Join(venv, "bin", "pip")
	python := filepath.Join(venv, "bin", "python")

	env := Env{Interpreter: python, Provisioned: true, VenvDir: venv}

	steps := []struct {
		name string
		env  []string
		argv []string
	}{
		{"create venv", installerEnv(dir, Env{}), []string{b.Interpreter, "-m", "venv", venv}},
		{"upgrade build tooling", installerEnv(dir, env), []string{pip, "install", "--upgrade", "pip", "setuptools", "wheel"}},
		{"install " + b.Manifest, installerEnv(dir, env), []string{pip, "install", "-r", manifest}},
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultInstallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, s := range steps {
		log.Debugf("deps: %s in %s", s.name, dir)
		out, err := b.run(ctx, dir, s.env, s.argv[0], s.argv[1:]...)
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("exceeded %v: %w", timeout, ctx.Err())
			}
			return Env{}, &InstallError{Step: s.name, Output: string(out), Err: err}
		}
	}

	return env, nil
}

func runCommand(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.Bytes(), fmt.Errorf("exit status %d", exitErr.ExitCode())
	}
	return out.Bytes(), err
}
