package workqueue

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// Strategy selects how the queue applies its multi-word updates.
type Strategy int

const (
	StrategyAuto Strategy = iota
	StrategyTransactional
	StrategyCounter
	StrategyMutex
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyTransactional:
		return "transactional"
	case StrategyCounter:
		return "counter"
	case StrategyMutex:
		return "mutex"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy is the inverse of Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return StrategyAuto, nil
	case "transactional", "tx":
		return StrategyTransactional, nil
	case "counter", "cas":
		return StrategyCounter, nil
	case "mutex", "lock":
		return StrategyMutex, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DetectStrategy picks the strategy for the running machine.
//
// z/Architecture machines with the vector facility (z13 and later) also
// carry the constrained transactional-execution facility. 64-bit targets get
// the counter strategy, since their 64-bit compare-and-swap is native. Other
// targets fall back to the mutex.
func DetectStrategy() Strategy {
	switch {
	case cpu.S390X.HasVX:
		return StrategyTransactional
	case cpu.X86.HasCX16, cpu.ARM64.HasATOMICS, unsafe.Sizeof(uintptr(0)) == 8:
		return StrategyCounter
	default:
		return StrategyMutex
	}
}
