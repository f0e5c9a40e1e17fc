package sandbox

import "time"

// DefaultMaxMemory is the address-space ceiling for user programs.
const DefaultMaxMemory = 256 << 20

// Policy defines resource limits for sandbox execution.
type Policy struct {
	Timeout   time.Duration // wall-clock limit, also the soft CPU-time limit
	CPUGrace  time.Duration // added to Timeout for the hard CPU-time limit
	MaxMemory uint64        // address-space limit in bytes
	WaitDelay time.Duration // how long to wait for inherited pipes after a kill
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:   30 * time.Second,
		CPUGrace:  2 * time.Second,
		MaxMemory: DefaultMaxMemory,
		WaitDelay: 2 * time.Second,
	}
}

// WithTimeout returns a copy of p with the wall-clock and CPU limits set to d.
func (p Policy) WithTimeout(d time.Duration) Policy {
	p.Timeout = d
	return p
}

func (p Policy) cpuSeconds() (soft, hard uint64) {
	soft = uint64((p.Timeout + time.Second - 1) / time.Second)
	if soft == 0 {
		soft = 1
	}
	hard = soft + uint64(p.CPUGrace/time.Second)
	return soft, hard
}
