package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/michaelbrown/runbox/internal/log"
)

// LimitExecCommand is the subcommand name a Launcher binary answers to.
const LimitExecCommand = "limit-exec"

// Launcher describes a binary that applies resource limits to itself and then
// execs the real command (see LimitExecMain).
type Launcher struct {
	Path string
	Args []string // inserted before the limit flags
	Env  []string // appended to the child environment
}

// SelfLauncher re-executes the running binary's limit-exec subcommand.
func SelfLauncher() (*Launcher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	return &Launcher{Path: exe, Args: []string{LimitExecCommand}}, nil
}

func (l *Launcher) argv(p Policy, command []string) []string {
	soft, hard := p.cpuSeconds()
	args := append([]string{}, l.Args...)
	args = append(args,
		"--cpu", strconv.FormatUint(soft, 10),
		"--cpu-hard", strconv.FormatUint(hard, 10),
		"--mem", strconv.FormatUint(p.MaxMemory, 10),
		"--",
	)
	return append(args, command...)
}

// LocalSandbox runs code as a child process on the host.
type LocalSandbox struct {
	Policy   Policy
	Launcher *Launcher // nil runs the interpreter directly, without limits
}

// NewLocalSandbox creates a sandbox with the given policy and launcher.
func NewLocalSandbox(policy Policy, launcher *Launcher) *LocalSandbox {
	return &LocalSandbox{Policy: policy, Launcher: launcher}
}

func (s *LocalSandbox) Exec(ctx context.Context, opts ExecOpts) Outcome {
	start := time.Now()

	interpreter, err := exec.LookPath(opts.Interpreter)
	if err != nil {
		return Outcome{Kind: LaunchError, Err: fmt.Errorf("resolving interpreter: %w", err), Duration: time.Since(start)}
	}
	command := append([]string{interpreter, opts.Entrypoint}, opts.Args...)

	ctx, cancel := context.WithTimeout(ctx, s.Policy.Timeout)
	defer cancel()

	var cmd *exec.Cmd
	var reportR, reportW *os.File
	var warnings []string

	if s.Launcher != nil {
		reportR, reportW, err = os.Pipe()
		if err != nil {
			return Outcome{Kind: LaunchError, Err: fmt.Errorf("creating report pipe: %w", err), Duration: time.Since(start)}
		}
		defer reportR.Close()
		cmd = exec.CommandContext(ctx, s.Launcher.Path, s.Launcher.argv(s.Policy, command)...)
		cmd.ExtraFiles = []*os.File{reportW}
		cmd.Env = append(append([]string{}, opts.Env...), s.Launcher.Env...)
	} else {
		warnings = append(warnings, "resource limits not applied: no limit launcher configured")
		cmd = exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Env = opts.Env
	}
	cmd.Dir = opts.Dir
	cmd.WaitDelay = s.Policy.WaitDelay
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if reportW != nil {
			reportW.Close()
		}
		return Outcome{Kind: LaunchError, Err: fmt.Errorf("starting %s: %w", opts.Interpreter, err), Warnings: warnings, Duration: time.Since(start)}
	}
	if reportW != nil {
		reportW.Close()
	}

	waitErr := cmd.Wait()

	var launchErr error
	if reportR != nil {
		rep := readReport(reportR)
		warnings = append(warnings, rep.warnings...)
		launchErr = rep.launchErr
	}
	for _, w := range warnings {
		log.Warnf("sandbox: %s", w)
	}

	out := Outcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		Warnings: warnings,
	}

	switch {
	case launchErr != nil:
		out.Kind = LaunchError
		out.Err = launchErr
	case waitErr == nil:
		out.Kind = Success
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.Kind = TimedOut
		out.ExitCode = -1
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// Exited cleanly but a leftover grandchild kept the pipes open.
		out.Kind = Success
	case cmd.ProcessState != nil:
		out.Kind = Failure
		out.ExitCode = exitCode(cmd.ProcessState)
	default:
		out.Kind = LaunchError
		out.Err = waitErr
	}
	return out
}

type report struct {
	warnings  []string
	launchErr error
}

// readReport parses the limit shim's report pipe. Each line is
// "warn <message>" or "launch <message>".
func readReport(r io.Reader) report {
	var rep report
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		kind, msg, _ := strings.Cut(sc.Text(), " ")
		switch kind {
		case "warn":
			rep.warnings = append(rep.warnings, msg)
		case "launch":
			rep.launchErr = errors.New(msg)
		}
	}
	return rep
}
