//go:build darwin

package readiness

import (
	"fmt"
)

const nativeBackend = BackendKqueue

func newMultiplexer(b Backend, cfg *setOptions) (multiplexer, error) {
	switch b {
	case BackendKqueue:
		return newKqueueMux(cfg.maxEvents)
	case BackendPoll:
		return newPollMux()
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, b)
}
