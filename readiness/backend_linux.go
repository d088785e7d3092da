//go:build linux

package readiness

import (
	"fmt"
)

const nativeBackend = BackendEpoll

func newMultiplexer(b Backend, cfg *setOptions) (multiplexer, error) {
	switch b {
	case BackendEpoll:
		return newEpollMux(cfg.maxEvents)
	case BackendPoll:
		return newPollMux()
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, b)
}
