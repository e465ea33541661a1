package device

import (
	"context"
	"image"
	"sync"
)

// ScreenCache serves at most one screenshot per scheduling tick so a
// decision cycle never captures the same screen twice. Any device
// action invalidates it.
type ScreenCache struct {
	bridge Bridge

	mu    sync.Mutex
	frame image.Image
	valid bool
}

// NewScreenCache wraps the bridge's screenshot path
func NewScreenCache(bridge Bridge) *ScreenCache {
	return &ScreenCache{bridge: bridge}
}

// Frame returns the cached frame, capturing a fresh one if needed
func (c *ScreenCache) Frame(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid {
		return c.frame, nil
	}
	frame, err := c.bridge.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	c.frame = frame
	c.valid = true
	return frame, nil
}

// Fresh bypasses and replaces the cache
func (c *ScreenCache) Fresh(ctx context.Context) (image.Image, error) {
	c.Invalidate()
	return c.Frame(ctx)
}

// Invalidate drops the cached frame
func (c *ScreenCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.frame = nil
	c.mu.Unlock()
}
