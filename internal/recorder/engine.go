// Package recorder accumulates frames into two alternating channels and
// writes the full one to disk while the other keeps recording.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/opennetcam/vchannel/internal/appstats"
	"github.com/opennetcam/vchannel/internal/config"
	"github.com/opennetcam/vchannel/internal/pubsub/events"
	"github.com/opennetcam/vchannel/internal/schedule"
	log "github.com/sirupsen/logrus"
)

var ErrStopped = errors.New("recording stopped")

type channel struct {
	id      int
	buf     Buffer
	started time.Time
	ended   time.Time
	// parameter sets already recorded in this segment
	params bool
}

func (c *channel) reset() {
	c.started = time.Time{}
	c.ended = time.Time{}
	c.params = false
}

// Options wires an Engine to its collaborators. Only Config and Schedule
// are required.
type Options struct {
	Device   string
	Codec    Codec
	Config   config.Recorder
	Schedule *schedule.Schedule
	// NewFile is called after every segment written to disk.
	NewFile func(*events.NewFile)
	// Streams snapshots the RTP statistics for the stats file.
	Streams func() []*appstats.StreamStats
	Clock   func() time.Time
}

type Engine struct {
	device   string
	cfg      config.Recorder
	format   Format
	schedule *schedule.Schedule
	newFile  func(*events.NewFile)
	streams  func() []*appstats.StreamStats
	now      func() time.Time
	stats    *appstats.StatsFileWriter

	mu       sync.Mutex
	channels [2]*channel
	active   int
	draining [2]bool
	stopped  bool
	closed   bool
	width    int
	height   int
	sps      []byte
	pps      []byte

	tasks   chan *channel
	pending sync.WaitGroup
	done    chan struct{}
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Schedule == nil {
		return nil, errors.New("recorder needs a schedule")
	}
	format, err := NewFormat(opts.Config.Format, opts.Codec, opts.Config.MaxRiffSize)
	if err != nil {
		return nil, err
	}
	if _, err := config.ParseFileMode(opts.Config.FileMode); err != nil {
		return nil, err
	}

	e := &Engine{
		device:   opts.Device,
		cfg:      opts.Config,
		format:   format,
		schedule: opts.Schedule,
		newFile:  opts.NewFile,
		streams:  opts.Streams,
		now:      opts.Clock,
		channels: [2]*channel{{id: 0}, {id: 1}},
		tasks:    make(chan *channel, 2),
		done:     make(chan struct{}),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.cfg.WriteStatsFile && !e.cfg.WriteToDevNull {
		mode, _ := config.ParseFileMode(e.cfg.FileMode)
		e.stats = appstats.NewStatsFileWriter(mode)
	}

	go e.run()
	return e, nil
}

func (e *Engine) Format() Format {
	return e.format
}

// SetDimensions records the picture size used in container headers.
func (e *Engine) SetDimensions(width, height int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.width, e.height = width, height
}

// SetParameterSets installs the H.264 SPS and PPS announced by the camera.
// They are recorded ahead of the first frame of every segment.
func (e *Engine) SetParameterSets(sps, pps []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sps = append([]byte(nil), sps...)
	e.pps = append([]byte(nil), pps...)

	var s h264.SPS
	if err := s.Unmarshal(sps); err == nil {
		e.width, e.height = s.Width(), s.Height()
	}
}

// Start clears the stop flag set by Stop.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = false
}

// Stop makes RecordFrame fail fast. Buffered frames stay until WriteFinal.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
}

func (e *Engine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func annexB(nalu []byte) []byte {
	unit := make([]byte, 0, 4+len(nalu))
	unit = append(unit, 0, 0, 0, 1)
	return append(unit, nalu...)
}

// RecordFrame copies frame into the active channel and rotates channels
// once the segment is long enough.
func (e *Engine) RecordFrame(frame []byte, kind Kind) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped || e.closed {
		return ErrStopped
	}

	now := e.now()
	ch := e.channels[e.active]
	if ch.buf.Empty() {
		ch.started = now
	}

	if kind == Video && !ch.params && len(e.sps) > 0 && len(e.pps) > 0 {
		e.format.RecordFrame(&ch.buf, annexB(e.sps), Video)
		e.format.RecordFrame(&ch.buf, annexB(e.pps), Video)
		ch.params = true
	}

	// reassembler buffers are reused, and avi padding may grow the frame
	data := make([]byte, len(frame), len(frame)+4)
	copy(data, frame)
	recorded := e.format.RecordFrame(&ch.buf, data, kind)
	appstats.OnFrame(kind.String(), len(frame), recorded)
	if !recorded || ch.buf.Empty() {
		return nil
	}

	interval := e.cfg.NoWriteInterval
	if e.schedule.IsScheduled(ch.started, now) {
		interval = e.cfg.WriteOnInterval
	}
	if now.Sub(ch.started) > interval {
		e.switchChannel(now)
	}
	return nil
}

// switchChannel hands the active channel to the writer. Locked.
func (e *Engine) switchChannel(now time.Time) bool {
	next := 1 - e.active
	if e.draining[next] {
		log.WithField("device", e.device).
			Warn("previous segment still being written, extending current segment")
		return false
	}

	full := e.channels[e.active]
	full.ended = now
	e.draining[e.active] = true
	e.active = next
	e.channels[next].reset()

	e.pending.Add(1)
	e.tasks <- full
	return true
}

// WriteFinal flushes whatever the active channel holds, waiting for a
// write in progress first so no frame is lost.
func (e *Engine) WriteFinal() {
	for {
		e.pending.Wait()

		e.mu.Lock()
		done := e.closed || e.channels[e.active].buf.Empty() || e.switchChannel(e.now())
		e.mu.Unlock()
		if done {
			break
		}
	}
	e.pending.Wait()
}

// Sync waits for queued segment writes.
func (e *Engine) Sync() {
	e.pending.Wait()
}

// Close flushes the active channel and stops the writer.
func (e *Engine) Close() {
	e.WriteFinal()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()

	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)
	for ch := range e.tasks {
		e.writeChannel(ch)

		e.mu.Lock()
		e.draining[ch.id] = false
		e.mu.Unlock()
		e.pending.Done()
	}
}

// FileName builds AV.<device>.<start>.<seconds>.<tag><ext> below a
// directory named after the start day.
func FileName(device string, start time.Time, d time.Duration, tag schedule.Tag, ext string) string {
	return filepath.Join(start.Format("2006-01-02"),
		fmt.Sprintf("AV.%s.%d.%d.%s%s", device, start.Unix(), int64(d/time.Second), tag, ext))
}

func (e *Engine) segment(ch *channel) *Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Segment{
		Start:    ch.started,
		Duration: ch.ended.Sub(ch.started),
		Width:    e.width,
		Height:   e.height,
		SPS:      e.sps,
		PPS:      e.pps,
	}
}

func (e *Engine) writeChannel(ch *channel) {
	defer func() {
		e.format.DeleteFrames(&ch.buf)
		ch.reset()
	}()

	if ch.buf.Empty() {
		return
	}

	l := log.WithField("device", e.device)
	seg := e.segment(ch)

	// the decision is made for the segment start, not for now
	if !e.schedule.IsScheduled(seg.Start, ch.ended) {
		l.Debugf("segment %s not within schedule, discarding %d frames",
			seg.Start.Format(time.RFC3339), len(ch.buf.Frames))
		appstats.OnFileDiscarded(e.format.Name())
		return
	}

	tag := e.schedule.EventType(seg.Start, ch.ended)
	rel := FileName(e.device, seg.Start, seg.Duration, tag, e.format.FileExtension())

	file, err := e.write(rel, ch, seg)
	if err != nil {
		l.WithField("file", rel).Errorf("segment not written: %v", err)
		appstats.OnFileFailed(e.format.Name())
		return
	}

	stats := &appstats.SegmentStats{
		Device:      e.device,
		Path:        file,
		Format:      e.format.Name(),
		Tag:         string(tag),
		StartTime:   seg.Start.UnixMilli(),
		EndTime:     ch.ended.UnixMilli(),
		VideoFrames: len(ch.buf.Video),
		AudioChunks: len(ch.buf.Audio),
		Bytes:       ch.buf.Bytes(),
	}
	if e.streams != nil {
		stats.Streams = e.streams()
	}
	appstats.OnFileWritten(stats)

	if e.stats != nil {
		if err := e.stats.WriteStats(stats); err != nil {
			l.Warnf("could not write stats file: %v", err)
		}
	}

	l.WithField("file", file).Infof("segment written, %d frames, %s", len(ch.buf.Frames), seg.Duration)

	if e.newFile != nil {
		e.newFile(events.NewNewFile(e.device, file, seg.Start, seg.Duration, tag))
	}
}

func (e *Engine) write(rel string, ch *channel, seg *Segment) (string, error) {
	file, mode, err := prepareFile(e.cfg, rel)
	if err != nil {
		return "", err
	}

	f, err := openFile(file, mode)
	if err != nil {
		return "", err
	}

	bw := bufio.NewWriterSize(f, 1<<20)
	_, err = e.format.WriteAV(bw, &ch.buf, seg)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		if file != os.DevNull {
			_ = os.Remove(file)
		}
		return "", err
	}
	return file, nil
}
