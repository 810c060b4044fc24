package chrono

import (
	"time"
	_ "time/tzdata"
)

var london *time.Location

func init() {
	var err error
	london, err = time.LoadLocation("Europe/London")
	if err != nil {
		panic(err)
	}
}

// London returns a [*time.Location] for Europe/London, the portals we target all
// publish their deadlines in UK time.
func London() *time.Location {
	return london
}

// API is the interface that anything depending on the system clock should use.
type API interface {
	// Now returns the current time in Europe/London.
	Now() time.Time
}

// StandardImpl is the standard implementation of API using the standard library.
type StandardImpl struct{}

func (StandardImpl) Now() time.Time {
	return time.Now().In(london)
}

// FixedClock is an API that only moves when told to.
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time {
	return c.T
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.T = c.T.Add(d)
}
