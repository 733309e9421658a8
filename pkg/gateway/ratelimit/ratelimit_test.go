package ratelimit

import (
	"testing"
	"time"
)

func TestAcquireCall_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxCalls: 1})
	now := time.Now()

	first := l.AcquireCall("10.0.0.1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireCall("10.0.0.2", now)
	if second.Allowed || second.Reason != ReasonCapacity {
		t.Fatalf("second=%+v, want capacity denial", second)
	}
	if l.InUse() != 1 {
		t.Fatalf("InUse=%d, want 1", l.InUse())
	}

	first.Permit.Release()
	first.Permit.Release()
	if l.InUse() != 0 {
		t.Fatalf("InUse=%d after release, want 0", l.InUse())
	}
	if third := l.AcquireCall("10.0.0.2", now); !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquireCall_RatePerSource(t *testing.T) {
	l := New(Config{AcceptRPS: 1, AcceptBurst: 2})
	now := time.Now()

	for i := 0; i < 2; i++ {
		if d := l.AcquireCall("a", now); !d.Allowed {
			t.Fatalf("open %d denied", i)
		}
	}
	d := l.AcquireCall("a", now)
	if d.Allowed || d.Reason != ReasonRate || d.RetryAfter != 1 {
		t.Fatalf("decision=%+v, want rate denial", d)
	}
	if d := l.AcquireCall("b", now); !d.Allowed {
		t.Fatalf("other source denied")
	}
	if d := l.AcquireCall("a", now.Add(time.Second)); !d.Allowed {
		t.Fatalf("refilled source denied")
	}
}

func TestAcquireCall_NilLimiterAllows(t *testing.T) {
	var l *Limiter
	d := l.AcquireCall("x", time.Now())
	if !d.Allowed {
		t.Fatal("nil limiter denied")
	}
	d.Permit.Release()
}
