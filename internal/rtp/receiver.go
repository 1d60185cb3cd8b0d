// Package rtp receives RTP media from a camera, reassembles frames and
// hands them to the recorder and the motion detector.
package rtp

import (
	"sync"
	"sync/atomic"

	"github.com/opennetcam/vchannel/internal/appstats"
	"github.com/opennetcam/vchannel/internal/codec/h264"
	"github.com/opennetcam/vchannel/internal/codec/jpeg"
	"github.com/opennetcam/vchannel/internal/codec/pcmu"
	"github.com/opennetcam/vchannel/internal/motion"
	"github.com/opennetcam/vchannel/internal/recorder"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	log "github.com/sirupsen/logrus"
)

const headerSize = 12

type payloadKind string

const (
	kindJPEG    payloadKind = "jpeg"
	kindH264    payloadKind = "h264"
	kindPCMU    payloadKind = "pcmu"
	kindUnknown payloadKind = "unknown"
)

// FrameSink receives completed frames.
type FrameSink interface {
	RecordFrame(frame []byte, kind recorder.Kind) error
	SetDimensions(width, height int)
}

// MotionSink analyses completed frames.
type MotionSink interface {
	DetectJPEG(frame []byte) motion.Result
	DetectH264(unit []byte) motion.Result
}

type Options struct {
	Device string
	// H264PayloadType is the dynamic format negotiated in the SDP, 0 when
	// the stream is not H.264.
	H264PayloadType uint8
	// FrameSizeTolerance drops JPEG frames whose size changed by more
	// than this many bytes, 0 disables the check.
	FrameSizeTolerance int
	Recorder           FrameSink
	Motion             MotionSink
	// Latest receives every accepted JPEG frame; the slice is reused.
	Latest func(frame []byte)
}

// Receiver is shared by the video, audio and interleaved paths. Packets are
// processed one at a time in arrival order.
type Receiver struct {
	opts Options

	mu          sync.Mutex
	sources     sources
	jpeg        *jpeg.Reassembler
	h264        *h264.Reassembler
	lastJPEG    int
	params      [][]byte
	primed      bool
	audio       []byte
	frames      atomic.Uint64
	unknownSeen map[uint8]bool
}

func NewReceiver(opts Options) *Receiver {
	return &Receiver{
		opts:        opts,
		jpeg:        jpeg.NewReassembler(),
		h264:        h264.NewReassembler(),
		unknownSeen: make(map[uint8]bool),
	}
}

// TakeCounter returns the frames accepted since the last call.
func (r *Receiver) TakeCounter() uint64 {
	return r.frames.Swap(0)
}

// Counter returns the frames accepted since the last TakeCounter.
func (r *Receiver) Counter() uint64 {
	return r.frames.Load()
}

func (r *Receiver) classify(pt uint8) payloadKind {
	switch {
	case pt == pcmu.PayloadType:
		return kindPCMU
	case pt == jpeg.PayloadType:
		return kindJPEG
	case r.opts.H264PayloadType != 0 && pt == r.opts.H264PayloadType:
		return kindH264
	default:
		return kindUnknown
	}
}

// HandlePacket processes one datagram. Packets that are short, malformed,
// of an unknown payload type or out of order only update the statistics.
func (r *Receiver) HandlePacket(buf []byte) {
	l := log.WithField("device", r.opts.Device)

	if len(buf) < headerSize {
		l.Tracef("rtp: short datagram of %d bytes", len(buf))
		return
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		l.Tracef("rtp: %v", err)
		appstats.OnRTPBadSequence()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	kind := r.classify(pkt.PayloadType)
	if kind == kindUnknown && !r.unknownSeen[pkt.PayloadType] {
		r.unknownSeen[pkt.PayloadType] = true
		l.Warnf("rtp: unknown payload type %d", pkt.PayloadType)
	}
	appstats.OnRTPPacket(string(kind))

	ok, lost := r.sources.track(pkt.SSRC, pkt.SequenceNumber, pkt.Timestamp, pkt.PayloadType, kind != kindUnknown)
	if !ok {
		appstats.OnRTPBadSequence()
		return
	}
	if lost > 0 {
		appstats.OnRTPLoss(lost)
		if kind == kindJPEG {
			r.jpeg.Resync()
		}
	}

	switch kind {
	case kindJPEG:
		r.handleJPEG(&pkt)
	case kindH264:
		r.handleH264(&pkt)
	case kindPCMU:
		r.handlePCMU(&pkt)
	}
}

func (r *Receiver) handleJPEG(pkt *rtp.Packet) {
	n, err := r.jpeg.ParseHeader(pkt.Payload)
	if err != nil {
		log.WithField("device", r.opts.Device).Tracef("rtp: %v", err)
		if pkt.Marker {
			appstats.OnFrame(string(kindJPEG), 0, false)
		}
		return
	}

	frame, err := r.jpeg.Push(pkt.Payload[n:], pkt.Marker)
	if err != nil {
		log.WithField("device", r.opts.Device).Debugf("rtp: jpeg frame dropped: %v", err)
		appstats.OnFrame(string(kindJPEG), 0, false)
		return
	}
	if frame == nil {
		return
	}

	// corrupted frames show up as sudden size changes
	size := len(frame)
	prev := r.lastJPEG
	r.lastJPEG = size
	if tol := r.opts.FrameSizeTolerance; tol > 0 && prev > 0 && (size >= prev+tol || size <= prev-tol) {
		log.WithField("device", r.opts.Device).Tracef("rtp: jpeg frame of %d bytes dropped, previous %d", size, prev)
		appstats.OnFrame(string(kindJPEG), size, false)
		return
	}

	if r.opts.Recorder != nil {
		r.opts.Recorder.SetDimensions(r.jpeg.Width(), r.jpeg.Height())
		r.record(frame, recorder.Video)
	}
	r.frames.Add(1)
	if r.opts.Latest != nil {
		r.opts.Latest(frame)
	}
	if r.opts.Motion != nil {
		r.opts.Motion.DetectJPEG(frame)
	}
}

// SetParameterSets installs the SPS and PPS announced out of band. The
// motion decoder gets them ahead of the next unit, since many cameras never
// repeat them in the stream.
func (r *Receiver) SetParameterSets(sps, pps []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = r.params[:0]
	for _, p := range [][]byte{sps, pps} {
		if len(p) > 0 {
			r.params = append(r.params, append([]byte{0, 0, 0, 1}, p...))
		}
	}
	r.primed = false
}

func (r *Receiver) handleH264(pkt *rtp.Packet) {
	unit, ok := r.h264.Push(pkt.Payload)
	if !ok {
		return
	}
	if r.opts.Recorder != nil {
		r.record(unit, recorder.Video)
	}
	if r.opts.Motion != nil {
		if !r.primed {
			for _, p := range r.params {
				r.opts.Motion.DetectH264(p)
			}
			r.primed = true
		}
		r.opts.Motion.DetectH264(unit)
	}
	r.frames.Add(1)
}

func (r *Receiver) handlePCMU(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	r.audio = pcmu.AppendPCM(r.audio[:0], pkt.Payload)
	if r.opts.Recorder != nil {
		r.record(r.audio, recorder.Audio)
	}
	r.frames.Add(1)
}

func (r *Receiver) record(frame []byte, kind recorder.Kind) {
	if err := r.opts.Recorder.RecordFrame(frame, kind); err != nil {
		log.WithField("device", r.opts.Device).Tracef("rtp: frame not recorded: %v", err)
	}
}

// Report builds the compound RTCP packet sent once per watchdog tick: a
// receiver report for every source followed by our CNAME. It starts a new
// loss interval.
func (r *Receiver) Report(ssrc uint32, cname string) ([]byte, error) {
	r.mu.Lock()
	reports := r.sources.reports()
	r.mu.Unlock()

	pkts := []rtcp.Packet{
		&rtcp.ReceiverReport{
			SSRC:    ssrc,
			Reports: reports,
		},
		&rtcp.SourceDescription{
			Chunks: []rtcp.SourceDescriptionChunk{{
				Source: ssrc,
				Items: []rtcp.SourceDescriptionItem{{
					Type: rtcp.SDESCNAME,
					Text: cname,
				}},
			}},
		},
	}
	return rtcp.Marshal(pkts)
}

// Stats returns the session totals of every source.
func (r *Receiver) Stats() []*appstats.StreamStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sources.stats()
}

// Reset forgets sources and partial frames, used when a new session starts.
func (r *Receiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = sources{}
	r.jpeg = jpeg.NewReassembler()
	r.h264 = h264.NewReassembler()
	r.lastJPEG = 0
	r.primed = false
	r.frames.Store(0)
}
