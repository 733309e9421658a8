// Package ratelimit admits new media streams. It caps concurrent calls for
// the process and bounds how fast one source may open streams.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	// MaxCalls caps concurrent calls. 0 disables the cap.
	MaxCalls int

	// AcceptRPS and AcceptBurst bound stream opens per source. Either <= 0
	// disables the bound.
	AcceptRPS   float64
	AcceptBurst int

	// Operational bounds for the in-memory source map (single-process only).
	MaxSources int
	SourceTTL  time.Duration
}

type Limiter struct {
	cfg   Config
	calls chan struct{}

	mu      sync.Mutex
	sources map[string]*sourceLimiter
}

type sourceLimiter struct {
	mu       sync.Mutex
	tb       tokenBucket
	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = 10_000
	}
	if cfg.SourceTTL <= 0 {
		cfg.SourceTTL = 30 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		sources: make(map[string]*sourceLimiter),
	}
	if cfg.MaxCalls > 0 {
		l.calls = make(chan struct{}, cfg.MaxCalls)
	}
	return l
}

type Permit struct {
	release func()
}

// Release returns the call slot. Safe to call more than once.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Reason string

const (
	ReasonNone     Reason = ""
	ReasonRate     Reason = "rate_limited"
	ReasonCapacity Reason = "at_capacity"
)

type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter int
	Permit     *Permit
}

// AcquireCall decides whether source may open a new call now. An allowed
// decision carries a Permit the caller must release when the call ends.
// A nil Limiter allows everything.
func (l *Limiter) AcquireCall(source string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	if source == "" {
		source = "unknown"
	}

	if l.cfg.AcceptRPS > 0 && l.cfg.AcceptBurst > 0 {
		sl := l.getOrCreate(source, now)
		if ok, retryAfter := sl.allowToken(now, l.cfg.AcceptRPS, l.cfg.AcceptBurst); !ok {
			return Decision{Reason: ReasonRate, RetryAfter: retryAfter}
		}
	}

	if l.calls == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	select {
	case l.calls <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-l.calls }},
		}
	default:
		return Decision{Reason: ReasonCapacity, RetryAfter: 1}
	}
}

// InUse reports how many call slots are held.
func (l *Limiter) InUse() int {
	if l == nil || l.calls == nil {
		return 0
	}
	return len(l.calls)
}

func (l *Limiter) getOrCreate(source string, now time.Time) *sourceLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.sources) >= l.cfg.MaxSources {
		l.gcLocked(now)
		// Still full: drop one arbitrary entry.
		if len(l.sources) >= l.cfg.MaxSources {
			for k := range l.sources {
				delete(l.sources, k)
				break
			}
		}
	}

	sl, ok := l.sources[source]
	if !ok {
		sl = &sourceLimiter{}
		l.sources[source] = sl
	}
	sl.lastSeen = now
	return sl
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.sources {
		if now.Sub(v.lastSeen) > l.cfg.SourceTTL {
			delete(l.sources, k)
		}
	}
}

func (sl *sourceLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	capacity := float64(burst)
	if sl.tb.capacity == 0 {
		sl.tb = tokenBucket{rps: rps, capacity: capacity, tokens: capacity, last: now}
	}
	sl.tb.rps = rps
	sl.tb.capacity = capacity

	elapsed := now.Sub(sl.tb.last).Seconds()
	if elapsed > 0 {
		sl.tb.tokens = math.Min(sl.tb.capacity, sl.tb.tokens+elapsed*sl.tb.rps)
		sl.tb.last = now
	}

	if sl.tb.tokens >= 1.0 {
		sl.tb.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - sl.tb.tokens) / sl.tb.rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
