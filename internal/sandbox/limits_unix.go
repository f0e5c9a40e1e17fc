//go:build linux || darwin

package sandbox

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

// reportFD is the descriptor the parent passes via ExtraFiles.
const reportFD = 3

// LimitExecMain applies CPU-time and address-space limits to the current
// process and replaces it with the command after "--". Limit failures are
// reported as warnings and do not stop the command; a failed exec is reported
// as a launch error. It only returns on failure.
//
//	limit-exec --cpu 30 --cpu-hard 32 --mem 268435456 -- python3 main.py
func LimitExecMain(args []string) int {
	fs := pflag.NewFlagSet(LimitExecCommand, pflag.ContinueOnError)
	cpu := fs.Uint64("cpu", 0, "soft CPU-time limit in seconds (0 = unchanged)")
	cpuHard := fs.Uint64("cpu-hard", 0, "hard CPU-time limit in seconds")
	mem := fs.Uint64("mem", 0, "address-space limit in bytes (0 = unchanged)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	// The report pipe must not leak into the user program.
	_, err := unix.FcntlInt(uintptr(reportFD), unix.F_GETFD, 0)
	haveReport := err == nil
	if haveReport {
		unix.CloseOnExec(reportFD)
	}
	send := func(kind, msg string) {
		if haveReport {
			unix.Write(reportFD, []byte(kind+" "+msg+"\n"))
		} else {
			fmt.Fprintf(os.Stderr, "limit-exec: %s: %s\n", kind, msg)
		}
	}

	command := fs.Args()
	if len(command) == 0 {
		send("launch", "no command given")
		return 2
	}
	path, err := exec.LookPath(command[0])
	if err != nil {
		send("launch", err.Error())
		return 127
	}
	env := os.Environ()

	if *cpu > 0 {
		hard := *cpuHard
		if hard < *cpu {
			hard = *cpu
		}
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: *cpu, Max: hard}); err != nil {
			send("warn", fmt.Sprintf("setting CPU limit to %ds: %v", *cpu, err))
		}
	}
	// Address space last: the shim allocates little after this point.
	if *mem > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: *mem, Max: *mem}); err != nil {
			send("warn", fmt.Sprintf("setting memory limit to %d bytes: %v", *mem, err))
		}
	}

	err = unix.Exec(path, command, env)
	send("launch", fmt.Sprintf("exec %s: %v", command[0], err))
	return 127
}
