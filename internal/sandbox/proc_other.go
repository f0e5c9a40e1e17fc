//go:build !linux && !darwin

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

func setProcessGroup(cmd *exec.Cmd) {}

func exitCode(state *os.ProcessState) int {
	return state.ExitCode()
}

// LimitExecMain is unsupported on this platform.
func LimitExecMain(args []string) int {
	fmt.Fprintf(os.Stderr, "%s: resource limits are not supported on %s\n", LimitExecCommand, runtime.GOOS)
	return 2
}
