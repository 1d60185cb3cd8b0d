// Package device holds the state of the camera channel shared between the
// stream, the command handlers and the HTTP surface.
package device

import (
	"sync"
	"time"
)

// State is the externally reported device state. The numeric values are
// part of the legacy event text and must not be reordered.
type State int

const (
	Idle State = iota
	Ready
	Stream
	Starting
	Active
	Stop
	Dormant
	Error
	Terminating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Stream:
		return "stream"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stop:
		return "stop"
	case Dormant:
		return "dormant"
	case Error:
		return "error"
	case Terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// IsTerminalState returns true once the device gave up on its stream.
func (s State) IsTerminalState() bool {
	return s == Terminating
}

// Context is the owned application state of one device. The camera session
// is the only writer; readers get copies.
type Context struct {
	id string

	mu         sync.RWMutex
	state      State
	status     string
	url        string
	latest     []byte
	latestTime time.Time
	thumbnail  func() []byte
	debug      int
}

func NewContext(id string) *Context {
	return &Context{id: id, status: "Idle"}
}

func (c *Context) ID() string {
	return c.id
}

// SetState stores s and reports whether it changed. Idle is never set
// once the device left it, matching the legacy behavior.
func (c *Context) SetState(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == Idle || s == c.state {
		return false
	}
	c.state = s
	return true
}

func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Context) SetStatus(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func (c *Context) Status() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Context) SetURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.url = url
}

func (c *Context) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// SetLatest keeps a copy of the most recent JPEG frame.
func (c *Context) SetLatest(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = append(c.latest[:0], frame...)
	c.latestTime = time.Now()
}

// Latest returns a copy of the most recent JPEG frame and when it arrived.
func (c *Context) Latest() ([]byte, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.latest) == 0 {
		return nil, time.Time{}
	}
	return append([]byte(nil), c.latest...), c.latestTime
}

// ClearLatest drops the stored frame when the stream stops.
func (c *Context) ClearLatest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = c.latest[:0]
	c.latestTime = time.Time{}
}

// SetThumbnailSource installs the function producing the motion thumbnail.
func (c *Context) SetThumbnailSource(f func() []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thumbnail = f
}

func (c *Context) Thumbnail() []byte {
	c.mu.RLock()
	f := c.thumbnail
	c.mu.RUnlock()
	if f == nil {
		return nil
	}
	return f()
}

// Snapshot returns the latest JPEG frame, falling back to the thumbnail
// for streams that do not carry JPEG.
func (c *Context) Snapshot() []byte {
	if frame, _ := c.Latest(); frame != nil {
		return frame
	}
	return c.Thumbnail()
}

// DebugUp and DebugDown move the debug level between 0 and 3.
func (c *Context) DebugUp() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debug < 3 {
		c.debug++
	}
	return c.debug
}

func (c *Context) DebugDown() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debug > 0 {
		c.debug--
	}
	return c.debug
}

func (c *Context) Debug() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.debug
}
