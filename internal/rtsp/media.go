package rtsp

import (
	"context"
	"errors"

	"github.com/opennetcam/vchannel/internal/appstats"
	"github.com/opennetcam/vchannel/internal/recorder"
	"github.com/opennetcam/vchannel/internal/rtp"
	log "github.com/sirupsen/logrus"
)

// media is the recording side of a session. The engine and receiver live
// across reconnects, the sockets only while playing.
type media struct {
	device string
	codec  recorder.Codec
	engine *recorder.Engine
	recv   *rtp.Receiver

	video  *rtp.Socket
	audio  *rtp.Socket
	cancel context.CancelFunc
}

func (m *media) sendReport(ssrc uint32, cname string) {
	if m.video == nil {
		return
	}
	if err := m.video.SendReport(ssrc, cname); err != nil {
		log.WithField("device", m.device).Debugf("rtcp: %v", err)
	}
}

func (m *media) closeSockets() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.video != nil {
		m.video.Close()
		m.video = nil
	}
	if m.audio != nil {
		m.audio.Close()
		m.audio = nil
	}
}

func (m *media) close() {
	m.closeSockets()
	m.engine.Close()
}

// startMedia prepares recording for the negotiated session and binds the
// RTP ports.
func (c *Client) startMedia() error {
	codec, err := codecOf(&c.sdp.Video)
	if err != nil {
		return err
	}

	if c.media != nil && c.media.codec != codec {
		c.media.close()
		c.media = nil
	}

	if c.media == nil {
		m := &media{device: c.opts.Device, codec: codec}
		m.engine, err = recorder.NewEngine(recorder.Options{
			Device:   c.opts.Device,
			Codec:    codec,
			Config:   c.opts.Recorder,
			Schedule: c.opts.Schedule,
			NewFile:  c.opts.OnNewFile,
			Streams: func() []*appstats.StreamStats {
				if r := c.recv.Load(); r != nil {
					return r.Stats()
				}
				return nil
			},
			Clock: c.opts.Clock,
		})
		if err != nil {
			return err
		}

		opts := rtp.Options{
			Device:             c.opts.Device,
			FrameSizeTolerance: c.opts.Recorder.FrameSizeTolerance,
			Recorder:           m.engine,
			Motion:             c.opts.Motion,
			Latest:             c.opts.OnFrame,
		}
		if codec == recorder.CodecH264 {
			opts.H264PayloadType = uint8(c.sdp.Video.Format)
		}
		m.recv = rtp.NewReceiver(opts)
		c.media = m
	} else {
		c.media.recv.Reset()
	}
	m := c.media
	c.recv.Store(m.recv)

	if codec == recorder.CodecH264 {
		if sps, pps, err := c.sdp.Video.ParameterSets(); err == nil {
			m.engine.SetParameterSets(sps, pps)
			m.recv.SetParameterSets(sps, pps)
		} else {
			c.log.Warnf("rtsp: %v", err)
		}
	}
	m.engine.Start()

	// interleaved media arrives on the control connection
	if c.cfg.UseTCP {
		return nil
	}

	ctx, cancel := context.WithCancel(c.ctx)
	m.cancel = cancel

	port, _, ok := c.sdp.Video.PortPair("client_port")
	if !ok {
		m.closeSockets()
		return errors.New("no client_port for video")
	}
	if m.video, err = rtp.Listen(c.opts.Device, port, m.recv); err != nil {
		m.closeSockets()
		return err
	}
	m.video.Start(ctx)
	if server, _, ok := c.sdp.Video.PortPair("server_port"); ok {
		if err := m.video.SetRemote(c.host(), server+1); err != nil {
			c.log.Warnf("rtsp: rtcp destination: %v", err)
		}
	}

	if c.audioSetup {
		port, _, ok := c.sdp.Audio.PortPair("client_port")
		if !ok {
			c.log.Warn("rtsp: no client_port for audio")
			return nil
		}
		if m.audio, err = rtp.Listen(c.opts.Device, port, m.recv); err != nil {
			c.log.Warnf("rtsp: audio: %v", err)
			return nil
		}
		m.audio.Start(ctx)
	}
	return nil
}

// stopMedia stops recording, closes the sockets and flushes what was
// buffered so far.
func (c *Client) stopMedia() {
	if c.media == nil {
		return
	}
	c.recv.Store(nil)
	c.media.engine.Stop()
	c.media.closeSockets()
	c.media.engine.WriteFinal()
}
