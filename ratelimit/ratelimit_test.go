package ratelimit

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"golang.org/x/time/rate"
)

func TestAllowWithinBurst(t *testing.T) {
	c := qt.New(t)
	l := New()

	class := Class{Name: "test", Limit: rate.Every(time.Hour), Burst: 3}
	for i := 0; i < 3; i++ {
		ok, _ := l.Allow(class, "10.0.0.1")
		c.Assert(ok, qt.IsTrue, qt.Commentf("request %d within burst", i))
	}
	ok, retryAfter := l.Allow(class, "10.0.0.1")
	c.Assert(ok, qt.IsFalse)
	c.Assert(retryAfter > 0, qt.IsTrue)
}

func TestIdentitiesIsolated(t *testing.T) {
	c := qt.New(t)
	l := New()

	class := Class{Name: "test", Limit: rate.Every(time.Hour), Burst: 1}
	ok, _ := l.Allow(class, "10.0.0.1")
	c.Assert(ok, qt.IsTrue)
	ok, _ = l.Allow(class, "10.0.0.1")
	c.Assert(ok, qt.IsFalse)

	// another identity is unaffected
	ok, _ = l.Allow(class, "10.0.0.2")
	c.Assert(ok, qt.IsTrue)
}

func TestClassesIsolated(t *testing.T) {
	c := qt.New(t)
	l := New()

	tight := Class{Name: "tight", Limit: rate.Every(time.Hour), Burst: 1}
	loose := Class{Name: "loose", Limit: rate.Every(time.Hour), Burst: 10}

	ok, _ := l.Allow(tight, "10.0.0.1")
	c.Assert(ok, qt.IsTrue)
	ok, _ = l.Allow(tight, "10.0.0.1")
	c.Assert(ok, qt.IsFalse)

	// the same identity still has budget in the other class
	ok, _ = l.Allow(loose, "10.0.0.1")
	c.Assert(ok, qt.IsTrue)
}
