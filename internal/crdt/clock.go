package crdt

// LamportClock orders the changes of one document across actors without
// relying on synchronised wall clocks. The zero value starts at 0.
//
// It is not safe for concurrent use; Document guards it with its own lock.
type LamportClock struct {
	counter int64
}

// Tick advances the counter for a new local change and returns it.
func (c *LamportClock) Tick() int64 {
	c.counter++
	return c.counter
}

// Observe raises the counter to at least ts without ticking, so the next
// local change sorts after every change already seen.
func (c *LamportClock) Observe(ts int64) {
	if ts > c.counter {
		c.counter = ts
	}
}

// Current returns the highest timestamp issued or observed.
func (c *LamportClock) Current() int64 {
	return c.counter
}
