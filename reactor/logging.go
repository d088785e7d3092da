package reactor

import (
	"runtime"

	"github.com/joeycumines/logiface"
)

type logCategory struct {
	kind   string
	module int
}

// allowLog rate limits repeated log lines of one kind, per module slot.
func (r *Reactor) allowLog(kind string, module int) bool {
	if r.limiter == nil || r.logger == nil {
		return true
	}
	_, ok := r.limiter.Allow(logCategory{kind: kind, module: module})
	return ok
}

func (r *Reactor) logCritical(msg string, err error) {
	r.logger.Crit().Err(err).Log(msg)
}

func (r *Reactor) logError(msg string, err error) {
	r.logger.Err().Err(err).Log(msg)
}

func workLogLevel(err error) logiface.Level {
	if SeverityOf(err) < HardFailure {
		return logiface.LevelWarning
	}
	return logiface.LevelError
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
