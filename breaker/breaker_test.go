package breaker

import (
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestBreakerLifecycle(t *testing.T) {
	c := qt.New(t)

	now := time.Now()
	b := New("test", 3, 30*time.Second, 2)
	b.now = func() time.Time { return now }

	failing := func() error { return errors.New("upstream down") }
	ok := func() error { return nil }

	// closed: failures below the threshold keep the circuit closed
	c.Assert(b.Do(failing), qt.IsNotNil)
	c.Assert(b.Do(failing), qt.IsNotNil)
	c.Assert(b.State(), qt.Equals, Closed)

	// a success in closed state resets the count
	c.Assert(b.Do(ok), qt.IsNil)
	c.Assert(b.Do(failing), qt.IsNotNil)
	c.Assert(b.Do(failing), qt.IsNotNil)
	c.Assert(b.State(), qt.Equals, Closed)

	// third consecutive failure opens
	c.Assert(b.Do(failing), qt.IsNotNil)
	c.Assert(b.State(), qt.Equals, Open)
	c.Assert(b.Do(ok), qt.ErrorIs, ErrOpen)

	// after the cool-down a probe is admitted
	now = now.Add(31 * time.Second)
	c.Assert(b.Do(ok), qt.IsNil)
	c.Assert(b.State(), qt.Equals, HalfOpen)

	// second probe success closes
	c.Assert(b.Do(ok), qt.IsNil)
	c.Assert(b.State(), qt.Equals, Closed)
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	c := qt.New(t)

	now := time.Now()
	b := New("test", 1, 30*time.Second, 2)
	b.now = func() time.Time { return now }

	c.Assert(b.Do(func() error { return errors.New("boom") }), qt.IsNotNil)
	c.Assert(b.State(), qt.Equals, Open)

	now = now.Add(time.Minute)
	c.Assert(b.Do(func() error { return errors.New("still down") }), qt.IsNotNil)
	c.Assert(b.State(), qt.Equals, Open, qt.Commentf("a failed probe reopens immediately"))
	c.Assert(b.Do(func() error { return nil }), qt.ErrorIs, ErrOpen)
}
