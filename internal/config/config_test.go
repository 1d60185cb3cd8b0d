package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := &Config{App: App{Name: "vchannel"}}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "to-vchannel", cfg.PubSub.Channels.Subscribe)
	assert.Equal(t, int64(2<<30), cfg.Recorder.MaxRiffSize)
	assert.Contains(t, cfg.PubSub.Adapters, "mqtt")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"format", func(c *Config) { c.Recorder.Format = "mkv" }},
		{"file mode", func(c *Config) { c.Recorder.FileMode = "rw" }},
		{"interval", func(c *Config) { c.Recorder.NoWriteInterval = 0 }},
		{"rule", func(c *Config) { c.Schedule.Rule = "00-09-255-00:00-23:59" }},
		{"sensitivity", func(c *Config) { c.Motion.Sensitivity = 101 }},
		{"window", func(c *Config) { c.Motion.Window = Window{X: 50, Y: 0, W: 60, H: 10} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := (&Config{App: App{Name: "vchannel"}}).GetDefaults()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseFileMode(t *testing.T) {
	mode, err := ParseFileMode("0640")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), mode)

	_, err = ParseFileMode("")
	assert.Error(t, err)
}
