//go:build windows

package readiness

import (
	"fmt"
)

const nativeBackend = BackendEvents

func newMultiplexer(b Backend, _ *setOptions) (multiplexer, error) {
	if b == BackendEvents {
		return newEventsMux()
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, b)
}
