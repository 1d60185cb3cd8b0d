package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateValues(t *testing.T) {
	// the values appear in the legacy event text
	assert.Equal(t, 4, int(Active))
	assert.Equal(t, 7, int(Error))
	assert.Equal(t, 8, int(Terminating))
	assert.Equal(t, "terminating", Terminating.String())
	assert.True(t, Terminating.IsTerminalState())
	assert.False(t, Error.IsTerminalState())
}

func TestSetState(t *testing.T) {
	c := NewContext("3")
	assert.Equal(t, Idle, c.State())
	assert.True(t, c.SetState(Active))
	assert.False(t, c.SetState(Active))
	assert.False(t, c.SetState(Idle))
	assert.Equal(t, Active, c.State())
}

func TestSnapshot(t *testing.T) {
	c := NewContext("1")
	assert.Nil(t, c.Snapshot())

	c.SetThumbnailSource(func() []byte { return []byte("thumb") })
	assert.Equal(t, []byte("thumb"), c.Snapshot())

	frame := []byte("frame")
	c.SetLatest(frame)
	frame[0] = 'X'
	assert.Equal(t, []byte("frame"), c.Snapshot())

	c.ClearLatest()
	assert.Equal(t, []byte("thumb"), c.Snapshot())
}

func TestDebugLevel(t *testing.T) {
	c := NewContext("1")
	for i := 0; i < 5; i++ {
		c.DebugUp()
	}
	assert.Equal(t, 3, c.Debug())
	for i := 0; i < 5; i++ {
		c.DebugDown()
	}
	assert.Equal(t, 0, c.Debug())
}
