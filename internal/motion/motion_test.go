package motion

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/opennetcam/vchannel/internal/codec/h264dec"
	"github.com/opennetcam/vchannel/internal/config"
	"github.com/opennetcam/vchannel/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidJPEG(t *testing.T, w, h int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func testConfig() config.Motion {
	var cfg config.Config
	cfg.SetDefaults()
	return cfg.Motion
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newDetector(t *testing.T, cfg config.Motion) (*Detector, *clock, *schedule.Schedule, *[]time.Time) {
	c := &clock{t: time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC)}
	r, err := schedule.ParseRule(schedule.DefaultRule)
	require.NoError(t, err)
	sched := schedule.New(r)
	sched.SetClock(c.Now)

	var hits []time.Time
	d := New(Options{
		Device:   "1",
		Config:   cfg,
		Schedule: sched,
		Clock:    c.Now,
		OnMotion: func(ts time.Time) { hits = append(hits, ts) },
		DebugDir: t.TempDir(),
	})
	return d, c, sched, &hits
}

func TestDetectJPEG(t *testing.T) {
	d, c, sched, hits := newDetector(t, testConfig())
	gray := solidJPEG(t, 64, 48, color.RGBA{0x80, 0x80, 0x80, 0xFF})
	white := solidJPEG(t, 64, 48, color.White)

	assert.Equal(t, Still, d.DetectJPEG(gray), "first frame has nothing to compare")
	assert.Equal(t, Skipped, d.DetectJPEG(gray), "rate limited")

	c.Advance(600 * time.Millisecond)
	assert.Equal(t, Still, d.DetectJPEG(gray))
	assert.True(t, sched.LastMotion().IsZero())

	c.Advance(600 * time.Millisecond)
	assert.Equal(t, Moving, d.DetectJPEG(white))
	assert.Equal(t, c.Now(), sched.LastMotion())
	require.Len(t, *hits, 1)

	thumb := d.Thumbnail()
	require.NotEmpty(t, thumb)
	img, err := jpeg.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
}

// patchJPEG draws a white w/4 x h/4 patch on a gray background.
func patchJPEG(t *testing.T, w, h, quality int, patch bool) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{0x80, 0x80, 0x80, 0xFF})
			if patch && x < w/4 && y < h/4 {
				img.Set(x, y, color.White)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}))
	return buf.Bytes()
}

func TestAreaIsMeasuredInPixels(t *testing.T) {
	for _, quality := range []int{20, 95} {
		t.Run(strconv.Itoa(quality), func(t *testing.T) {
			cfg := testConfig()
			cfg.Threshold = 300
			d, c, _, _ := newDetector(t, cfg)

			// 3072 pixels give a threshold of 276 bytes whatever the
			// compressed size, the patch changes about 576
			assert.Equal(t, Still, d.DetectJPEG(patchJPEG(t, 64, 48, quality, false)))
			c.Advance(time.Second)
			assert.Equal(t, Moving, d.DetectJPEG(patchJPEG(t, 64, 48, quality, true)))
		})
	}
}

func TestSteadyStateSuppressesRepeats(t *testing.T) {
	d, c, _, _ := newDetector(t, testConfig())
	frames := [][]byte{
		solidJPEG(t, 32, 32, color.Black),
		solidJPEG(t, 32, 32, color.White),
	}

	results := make([]Result, 0, 4)
	for i := 0; i < 4; i++ {
		results = append(results, d.DetectJPEG(frames[i%2]))
		c.Advance(time.Second)
	}
	// a constant flicker is absorbed into the background noise
	assert.Equal(t, []Result{Still, Moving, Still, Still}, results)
}

func TestWindowOutsideChange(t *testing.T) {
	cfg := testConfig()
	cfg.Window = config.Window{X: 0, Y: 0, W: 0, H: 0}
	d, c, _, hits := newDetector(t, cfg)

	d.DetectJPEG(solidJPEG(t, 32, 32, color.Black))
	c.Advance(time.Second)
	assert.Equal(t, Still, d.DetectJPEG(solidJPEG(t, 32, 32, color.White)))
	assert.Empty(t, *hits)
}

func TestScaleDown(t *testing.T) {
	cfg := testConfig()
	cfg.ScaleHeight = 24
	d, _, _, _ := newDetector(t, cfg)

	d.DetectJPEG(solidJPEG(t, 64, 48, color.Black))
	img, err := jpeg.Decode(bytes.NewReader(d.Thumbnail()))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 24, img.Bounds().Dy())
}

func TestDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enable = false
	d, _, _, _ := newDetector(t, cfg)
	assert.Equal(t, Skipped, d.DetectJPEG(solidJPEG(t, 8, 8, color.Black)))
	assert.Nil(t, d.Thumbnail())
}

func TestDebugThumbnail(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = true
	d, c, _, _ := newDetector(t, cfg)

	d.DetectJPEG(solidJPEG(t, 16, 16, color.Black))
	c.Advance(time.Second)
	require.Equal(t, Moving, d.DetectJPEG(solidJPEG(t, 16, 16, color.White)))

	entries, err := os.ReadDir(d.debugDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type fakeDecoder struct {
	units  int
	pics   []*h264dec.Picture
	closed bool
}

func (f *fakeDecoder) Decode(unit []byte) (*h264dec.Picture, error) {
	f.units++
	if len(unit) == 0 {
		return nil, errors.New("empty")
	}
	if len(f.pics) == 0 {
		return nil, nil
	}
	p := f.pics[0]
	f.pics = f.pics[1:]
	return p, nil
}

func (f *fakeDecoder) Close() { f.closed = true }

func rgbPicture(w, h int, v byte) *h264dec.Picture {
	return &h264dec.Picture{Width: w, Height: h, RGB: bytes.Repeat([]byte{v}, w*h*3)}
}

func TestDetectH264(t *testing.T) {
	dec := &fakeDecoder{pics: []*h264dec.Picture{
		nil,
		rgbPicture(16, 16, 0),
		rgbPicture(16, 16, 0xFF),
	}}
	cfg := testConfig()
	c := &clock{t: time.Unix(1700000000, 0)}
	var hits int
	d := New(Options{
		Device:     "1",
		Config:     cfg,
		Clock:      c.Now,
		OnMotion:   func(time.Time) { hits++ },
		NewDecoder: func(int) (Decoder, error) { return dec, nil },
	})

	// parameter sets produce no picture
	assert.Equal(t, Skipped, d.DetectH264([]byte{0, 0, 0, 1, 0x67}))
	assert.Equal(t, Still, d.DetectH264([]byte{0, 0, 0, 1, 0x65}))
	c.Advance(time.Second)
	assert.Equal(t, Moving, d.DetectH264([]byte{0, 0, 0, 1, 0x41}))
	assert.Equal(t, 3, dec.units)
	assert.Equal(t, 1, hits)

	d.Close()
	assert.True(t, dec.closed)
}

func TestDecoderUnavailable(t *testing.T) {
	calls := 0
	d := New(Options{
		Config: testConfig(),
		NewDecoder: func(int) (Decoder, error) {
			calls++
			return nil, errors.New("no ffmpeg")
		},
	})
	assert.Equal(t, Skipped, d.DetectH264([]byte{0, 0, 0, 1, 0x65}))
	assert.Equal(t, Skipped, d.DetectH264([]byte{0, 0, 0, 1, 0x65}))
	assert.Equal(t, 1, calls)
}
