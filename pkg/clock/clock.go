package clock

import "time"

// Clock supplies wall-clock time to code that stamps records.
type Clock interface {
	Now() time.Time
}

type Real struct{}

func (Real) Now() time.Time {
	return time.Now().UTC()
}

type Fake struct {
	now time.Time
}

func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

func (c *Fake) Now() time.Time {
	return c.now
}

func (c *Fake) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
