// Package h264dec decodes H.264 Annex-B units into packed RGB24 pictures for
// motion analysis.
package h264dec

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	log "github.com/sirupsen/logrus"
)

// Picture is a packed RGB24 image.
type Picture struct {
	Width  int
	Height int
	RGB    []byte
}

// Decoder is a single threaded, low delay software decoder. Output is
// scaled to a fixed height when Height is set.
type Decoder struct {
	height int

	codec  *astiav.CodecContext
	packet *astiav.Packet
	frame  *astiav.Frame
	scaler rgbScaler
}

func NewDecoder(height int) (*Decoder, error) {
	codec := astiav.FindDecoder(astiav.CodecIDH264)
	if codec == nil {
		return nil, errors.New("h264 decoder not available")
	}
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("cannot allocate h264 codec context")
	}
	cc.SetThreadCount(1)

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("flags", "+low_delay", 0)
	_ = opts.Set("flags2", "+chunks+fast", 0)
	_ = opts.Set("skip_loop_filter", "all", 0)

	if err := cc.Open(codec, opts); err != nil {
		cc.Free()
		return nil, fmt.Errorf("open h264 decoder: %w", err)
	}

	return &Decoder{
		height: height,
		codec:  cc,
		packet: astiav.AllocPacket(),
		frame:  astiav.AllocFrame(),
	}, nil
}

// Decode feeds one Annex-B unit. It returns nil when the unit did not
// complete a picture.
func (d *Decoder) Decode(unit []byte) (*Picture, error) {
	if len(unit) == 0 {
		return nil, nil
	}
	if err := d.packet.FromData(unit); err != nil {
		return nil, fmt.Errorf("packet from data: %w", err)
	}
	defer d.packet.Unref()

	if err := d.codec.SendPacket(d.packet); err != nil && !errors.Is(err, astiav.ErrEagain) {
		return nil, fmt.Errorf("send packet: %w", err)
	}

	var pic *Picture
	for {
		err := d.codec.ReceiveFrame(d.frame)
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("receive frame: %w", err)
		}
		p, err := d.scaler.toRGB(d.frame, d.height)
		d.frame.Unref()
		if err != nil {
			return nil, err
		}
		pic = p
	}
	return pic, nil
}

func (d *Decoder) Close() {
	d.scaler.close()
	if d.frame != nil {
		d.frame.Free()
		d.frame = nil
	}
	if d.packet != nil {
		d.packet.Free()
		d.packet = nil
	}
	if d.codec != nil {
		d.codec.Free()
		d.codec = nil
	}
}

// rgbScaler keeps one conversion context for as long as the source
// geometry does not change.
type rgbScaler struct {
	ssc        *astiav.SoftwareScaleContext
	dst        *astiav.Frame
	srcW, srcH int
	srcPix     astiav.PixelFormat
	dstW, dstH int
}

func (s *rgbScaler) close() {
	if s.dst != nil {
		s.dst.Free()
		s.dst = nil
	}
	if s.ssc != nil {
		s.ssc.Free()
		s.ssc = nil
	}
}

func (s *rgbScaler) ensure(src *astiav.Frame, height int) error {
	sw, sh, sp := src.Width(), src.Height(), src.PixelFormat()
	if s.ssc != nil && sw == s.srcW && sh == s.srcH && sp == s.srcPix {
		return nil
	}
	s.close()

	dw, dh := sw, sh
	if height > 0 && sh > 0 {
		dh = height
		dw = (sw*height/sh + 1) &^ 1
	}

	ssc, err := astiav.CreateSoftwareScaleContext(
		sw, sh, sp,
		dw, dh, astiav.PixelFormatRgb24,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBicubic),
	)
	if err != nil {
		return fmt.Errorf("create scale context %dx%d %s: %w", sw, sh, sp, err)
	}

	dst := astiav.AllocFrame()
	dst.SetWidth(dw)
	dst.SetHeight(dh)
	dst.SetPixelFormat(astiav.PixelFormatRgb24)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return fmt.Errorf("alloc rgb frame: %w", err)
	}

	s.ssc, s.dst = ssc, dst
	s.srcW, s.srcH, s.srcPix = sw, sh, sp
	s.dstW, s.dstH = dw, dh

	log.WithField("source", fmt.Sprintf("%dx%d", sw, sh)).
		Debugf("h264 scaler ready: %s -> rgb24 %dx%d", sp, dw, dh)
	return nil
}

func (s *rgbScaler) toRGB(src *astiav.Frame, height int) (*Picture, error) {
	if err := s.ensure(src, height); err != nil {
		return nil, err
	}
	if err := s.ssc.ScaleFrame(src, s.dst); err != nil {
		return nil, fmt.Errorf("scale frame: %w", err)
	}

	n, err := s.dst.ImageBufferSize(1)
	if err != nil {
		return nil, fmt.Errorf("image buffer size: %w", err)
	}
	out := make([]byte, n)
	if _, err := s.dst.ImageCopyToBuffer(out, 1); err != nil {
		return nil, fmt.Errorf("image copy: %w", err)
	}
	return &Picture{Width: s.dstW, Height: s.dstH, RGB: out}, nil
}
