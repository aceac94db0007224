package network

import "sync"

// hostCap bounds how many concurrent slots one remote host may hold.
// A limit of zero or less disables the cap.
type hostCap struct {
	limit int

	mu    sync.Mutex
	inUse map[string]int
}

func newHostCap(limit int) *hostCap {
	return &hostCap{limit: limit, inUse: make(map[string]int)}
}

func (c *hostCap) acquire(host string) bool {
	if c.limit <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse[host] >= c.limit {
		return false
	}
	c.inUse[host]++
	return true
}

func (c *hostCap) release(host string) {
	if c.limit <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.inUse[host]; n > 1 {
		c.inUse[host] = n - 1
		return
	}
	delete(c.inUse, host)
}

func (c *hostCap) hosts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inUse)
}
