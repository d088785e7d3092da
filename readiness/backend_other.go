//go:build !linux && !darwin && !windows

package readiness

import (
	"fmt"
)

const nativeBackend = BackendPoll

func newMultiplexer(b Backend, _ *setOptions) (multiplexer, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, b)
}
