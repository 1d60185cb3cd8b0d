// Package motion compares consecutive frames inside a window and flags
// motion when enough pixels change beyond the background noise.
package motion

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opennetcam/vchannel/internal/codec/h264dec"
	"github.com/opennetcam/vchannel/internal/config"
	"github.com/opennetcam/vchannel/internal/schedule"
	log "github.com/sirupsen/logrus"
)

type Result int

const (
	// Skipped means the call came too soon after the previous analysis.
	Skipped Result = iota - 1
	Still
	Moving
)

const (
	bytesPerPixel    = 3
	thumbnailQuality = 75
	counterWrap      = 24
)

// Decoder turns H.264 Annex-B units into RGB pictures.
type Decoder interface {
	Decode(unit []byte) (*h264dec.Picture, error)
	Close()
}

type Options struct {
	Device   string
	Config   config.Motion
	Schedule *schedule.Schedule
	// OnMotion runs with the detection time, outside the detector lock.
	OnMotion   func(time.Time)
	Clock      func() time.Time
	NewDecoder func(height int) (Decoder, error)
	// DebugDir receives a thumbnail per detection when Config.Debug is set.
	DebugDir string
}

type frame struct {
	width  int
	height int
	rgb    []byte
}

type Detector struct {
	device     string
	cfg        config.Motion
	schedule   *schedule.Schedule
	onMotion   func(time.Time)
	now        func() time.Time
	newDecoder func(int) (Decoder, error)
	debugDir   string

	mu         sync.Mutex
	decoder    Decoder
	decoderErr error
	frames     [2]frame
	counter    int
	next       time.Time
	noise      int
	steady     int
	thumbnail  []byte
}

func New(opts Options) *Detector {
	d := &Detector{
		device:     opts.Device,
		cfg:        opts.Config,
		schedule:   opts.Schedule,
		onMotion:   opts.OnMotion,
		now:        opts.Clock,
		newDecoder: opts.NewDecoder,
		debugDir:   opts.DebugDir,
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newDecoder == nil {
		d.newDecoder = func(height int) (Decoder, error) {
			dec, err := h264dec.NewDecoder(height)
			if err != nil {
				return nil, err
			}
			return dec, nil
		}
	}
	if d.debugDir == "" {
		d.debugDir = os.TempDir()
	}
	return d
}

func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decoder != nil {
		d.decoder.Close()
		d.decoder = nil
	}
}

// Thumbnail returns the JPEG of the last analysed frame.
func (d *Detector) Thumbnail() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thumbnail
}

func (d *Detector) due() bool {
	return d.next.IsZero() || !d.now().Before(d.next)
}

// DetectJPEG analyses one JFIF frame.
func (d *Detector) DetectJPEG(data []byte) Result {
	if !d.cfg.Enable {
		return Skipped
	}
	d.mu.Lock()
	if !d.due() {
		d.mu.Unlock()
		return Skipped
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		d.next = d.now().Add(d.cfg.Interval)
		d.mu.Unlock()
		log.WithField("device", d.device).Debugf("motion: jpeg decode failed: %v", err)
		return Skipped
	}

	slot := &d.frames[d.counter%2]
	toRGB(img, d.cfg.ScaleHeight, slot)
	return d.analyze()
}

// DetectH264 decodes every unit to keep the reference pictures intact but
// only analyses completed pictures at the configured rate.
func (d *Detector) DetectH264(unit []byte) Result {
	if !d.cfg.Enable {
		return Skipped
	}
	d.mu.Lock()
	if d.decoder == nil {
		if d.decoderErr != nil {
			d.mu.Unlock()
			return Skipped
		}
		if d.decoder, d.decoderErr = d.newDecoder(d.cfg.ScaleHeight); d.decoderErr != nil {
			d.decoder = nil
			d.mu.Unlock()
			log.WithField("device", d.device).Errorf("motion: h264 decoding disabled: %v", d.decoderErr)
			return Skipped
		}
	}

	pic, err := d.decoder.Decode(unit)
	if err != nil {
		d.mu.Unlock()
		log.WithField("device", d.device).Tracef("motion: h264 decode: %v", err)
		return Skipped
	}
	if pic == nil || !d.due() {
		d.mu.Unlock()
		return Skipped
	}

	slot := &d.frames[d.counter%2]
	slot.width, slot.height = pic.Width, pic.Height
	slot.rgb = append(slot.rgb[:0], pic.RGB...)
	return d.analyze()
}

// analyze compares the frame just stored with the previous one. It is
// entered locked and unlocks d.mu.
func (d *Detector) analyze() Result {
	now := d.now()
	cur := &d.frames[d.counter%2]
	prev := &d.frames[(d.counter+1)%2]
	w := d.cfg.Window

	result := Still
	if w.W > 0 && w.H > 0 && !d.next.IsZero() &&
		prev.width == cur.width && prev.height == cur.height && len(prev.rgb) == len(cur.rgb) {
		if d.compare(cur, prev) {
			result = Moving
		}
	}

	if thumb, err := encodeThumbnail(cur); err == nil {
		d.thumbnail = thumb
	}

	counter := d.counter
	d.counter = (d.counter + 1) % counterWrap
	d.next = now.Add(d.cfg.Interval)
	thumbnail := d.thumbnail
	d.mu.Unlock()

	if result == Moving {
		log.WithField("device", d.device).Debug("motion detected")
		if d.schedule != nil {
			d.schedule.SetMotion()
		}
		if d.onMotion != nil {
			d.onMotion(now)
		}
		if d.cfg.Debug {
			d.saveDebug(counter, thumbnail)
		}
	}
	return result
}

// compare counts the bytes inside the window that moved more than the
// sensitivity allows over the running background noise.
func (d *Detector) compare(cur, prev *frame) bool {
	w := d.cfg.Window
	area := cur.width * cur.height
	pixels := w.W * w.H * area / 10000
	if pixels == 0 {
		return false
	}

	limit := (100-d.cfg.Sensitivity)*255/100 + d.noise
	stride := cur.width * bytesPerPixel
	deviation := 0
	bg := 0

	for y := w.Y * cur.height / 100; y < (w.Y+w.H)*cur.height/100 && y < cur.height; y++ {
		i := y*stride + w.X*cur.width*bytesPerPixel/100
		for x := 0; x < w.W*cur.width/100; x++ {
			for b := 0; b < bytesPerPixel && i < len(cur.rgb); b++ {
				diff := int(cur.rgb[i]) - int(prev.rgb[i])
				if diff < 0 {
					diff = -diff
				}
				bg += diff
				if diff > limit {
					deviation++
				}
				i++
			}
		}
	}

	threshold := pixels * d.cfg.Threshold * d.cfg.Threshold / 1000000
	d.noise = (d.noise + bg/pixels) / 2
	moving := deviation > threshold+d.steady

	log.WithField("device", d.device).Tracef("motion: deviation=%d threshold=%d steady=%d noise=%d",
		deviation, threshold, d.steady, d.noise)

	d.steady = (d.steady + deviation) / 2
	return moving
}

func (d *Detector) saveDebug(counter int, thumbnail []byte) {
	if len(thumbnail) == 0 {
		return
	}
	file := filepath.Join(d.debugDir, fmt.Sprintf("motion-%s-%d.jpg", d.device, counter))
	if err := os.WriteFile(file, thumbnail, 0600); err != nil {
		log.WithField("device", d.device).Warnf("motion: cannot write %s: %v", file, err)
	}
}

// toRGB converts img to packed RGB24, scaling down to height with nearest
// neighbour sampling when the image is taller.
func toRGB(img image.Image, height int, out *frame) {
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()
	dw, dh := sw, sh
	if height > 0 && sh > height {
		dh = height
		dw = sw * height / sh
	}

	out.width, out.height = dw, dh
	if cap(out.rgb) < dw*dh*bytesPerPixel {
		out.rgb = make([]byte, dw*dh*bytesPerPixel)
	}
	out.rgb = out.rgb[:dw*dh*bytesPerPixel]

	ycc, isYCbCr := img.(*image.YCbCr)
	i := 0
	for y := 0; y < dh; y++ {
		sy := b.Min.Y + y*sh/dh
		for x := 0; x < dw; x++ {
			sx := b.Min.X + x*sw/dw
			var r, g, bl uint8
			if isYCbCr {
				c := ycc.YCbCrAt(sx, sy)
				r, g, bl = color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
			} else {
				cr, cg, cb, _ := img.At(sx, sy).RGBA()
				r, g, bl = uint8(cr>>8), uint8(cg>>8), uint8(cb>>8)
			}
			out.rgb[i], out.rgb[i+1], out.rgb[i+2] = r, g, bl
			i += bytesPerPixel
		}
	}
}

func encodeThumbnail(f *frame) ([]byte, error) {
	if f.width == 0 || f.height == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	img := image.NewRGBA(image.Rect(0, 0, f.width, f.height))
	for i, j := 0, 0; i+2 < len(f.rgb) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = f.rgb[i], f.rgb[i+1], f.rgb[i+2], 0xFF
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
