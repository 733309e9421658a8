package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is the process lifecycle state shared by the HTTP handlers. Once
// draining, readiness fails and new media streams are refused.
type Lifecycle struct {
	draining      atomic.Bool
	drainingSince atomic.Int64
}

// SetDraining flips the draining flag and reports whether it changed.
func (l *Lifecycle) SetDraining(draining bool) bool {
	if l == nil {
		return false
	}
	if l.draining.Swap(draining) == draining {
		return false
	}
	if draining {
		l.drainingSince.Store(time.Now().UnixNano())
	} else {
		l.drainingSince.Store(0)
	}
	return true
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince returns when draining began, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	ns := l.drainingSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
