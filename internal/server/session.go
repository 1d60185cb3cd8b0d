package server

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/opennetcam/vchannel/internal"
	"github.com/opennetcam/vchannel/internal/appstats"
	"github.com/opennetcam/vchannel/internal/config"
	"github.com/opennetcam/vchannel/internal/device"
	"github.com/opennetcam/vchannel/internal/motion"
	"github.com/opennetcam/vchannel/internal/pubsub/events"
	"github.com/opennetcam/vchannel/internal/rtsp"
	"github.com/opennetcam/vchannel/internal/schedule"
	log "github.com/sirupsen/logrus"
)

const (
	// how long a shutdown waits for the camera session to be torn down
	shutdownGrace = 3 * time.Second
	// delay between a terminal stop and the exit request
	terminateGrace = 500 * time.Millisecond
)

// Streamer is the part of the RTSP client a session drives.
type Streamer interface {
	Run(ctx context.Context)
	Stream(url string) error
	Stop() error
	State() rtsp.State
	Watching() bool
}

var _ Streamer = (*rtsp.Client)(nil)

type streamCommand struct {
	url string
}

type startStopCommand struct{}

type shutdownCommand struct{}

type stateNotice struct {
	state device.State
}

type eventNotice struct {
	text string
}

type newFileNotice struct {
	file *events.NewFile
}

type motionNotice struct {
	ts time.Time
}

type stoppedNotice struct {
	terminal bool
}

// Session owns one camera: its device context, schedule, motion detector
// and RTSP client. Commands and client callbacks are serialized through
// the commands queue.
type Session struct {
	id       string
	server   *Server
	cfg      *config.Config
	log      *log.Entry
	device   *device.Context
	schedule *schedule.Schedule
	detector *motion.Detector
	rtsp     Streamer

	commands    chan interface{}
	closing     chan struct{}
	closeOnce   sync.Once
	done        chan struct{}
	stoppedOnce sync.Once

	// owned by the Run goroutine
	shuttingDown bool
	timer        *time.Timer
	timerReason  string
}

func NewSession(id string, s *Server, cam config.Camera) *Session {
	return newSession(id, s, cam, func(opts rtsp.Options) Streamer {
		return rtsp.NewClient(opts)
	})
}

func newSession(id string, s *Server, cam config.Camera, newStreamer func(rtsp.Options) Streamer) *Session {
	rule, err := schedule.ParseRule(s.cfg.Schedule.Rule)
	if err != nil {
		log.WithField("device", id).Warnf("schedule: %v, using %s", err, schedule.DefaultRule)
		rule, _ = schedule.ParseRule(schedule.DefaultRule)
	}

	sess := &Session{
		id:       id,
		server:   s,
		cfg:      s.cfg,
		log:      log.WithField("device", id),
		device:   device.NewContext(id),
		schedule: schedule.New(rule),
		commands: make(chan interface{}, 10),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	sess.device.SetURL(cam.URL)

	sess.detector = motion.New(motion.Options{
		Device:   id,
		Config:   s.cfg.Motion,
		Schedule: sess.schedule,
		OnMotion: func(ts time.Time) { sess.post(motionNotice{ts: ts}) },
		DebugDir: s.cfg.Recorder.Directory,
	})
	sess.device.SetThumbnailSource(sess.detector.Thumbnail)

	cname := cam.CNAME
	if cname == "" {
		cname = s.cfg.App.InstanceId
	}
	sess.rtsp = newStreamer(rtsp.Options{
		Device:    id,
		Camera:    cam,
		Recorder:  s.cfg.Recorder,
		Schedule:  sess.schedule,
		Motion:    sess.detector,
		Version:   internal.AppVersion,
		CNAME:     cname,
		OnState:   func(st device.State) { sess.post(stateNotice{state: st}) },
		OnEvent:   func(text string) { sess.post(eventNotice{text: text}) },
		OnNewFile: func(f *events.NewFile) { sess.post(newFileNotice{file: f}) },
		OnFrame:   sess.device.SetLatest,
		OnStopped: func(terminal bool) { sess.post(stoppedNotice{terminal: terminal}) },
	})
	return sess
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Device() *device.Context {
	return s.device
}

// post delivers a client callback, blocking until the session takes it or
// has finished.
func (s *Session) post(v interface{}) {
	select {
	case s.commands <- v:
	case <-s.done:
	}
}

func (s *Session) enqueue(v interface{}) error {
	select {
	case <-s.done:
		return errors.New("session is closed")
	default:
	}
	select {
	case s.commands <- v:
		return nil
	default:
		return errors.New("session command queue is full")
	}
}

// Stream switches the camera to url.
func (s *Session) Stream(raw string) error {
	if _, err := rtsp.ParseURL(raw); err != nil {
		return err
	}
	return s.enqueue(streamCommand{url: raw})
}

// StartStop stops a running stream or restarts the configured one.
func (s *Session) StartStop() error {
	return s.enqueue(startStopCommand{})
}

// Shutdown tears the stream down and then asks the process to exit.
func (s *Session) Shutdown() error {
	return s.enqueue(shutdownCommand{})
}

func (s *Session) UpdateSchedule(rule string) error {
	if err := s.schedule.Update(rule); err != nil {
		return err
	}
	s.log.Infof("schedule set to %s", rule)
	return nil
}

// NoRecord switches recording off until the next schedule update.
func (s *Session) NoRecord() {
	r := s.schedule.Rule()
	r.Mode = schedule.Off
	s.schedule.SetRule(r)
	s.log.Info("recording switched off")
}

func (s *Session) DebugUp() int {
	level := s.device.DebugUp()
	s.server.setDebug(level)
	return level
}

func (s *Session) DebugDown() int {
	level := s.device.DebugDown()
	s.server.setDebug(level)
	return level
}

// IsRecording reports whether the schedule currently keeps recordings.
func (s *Session) IsRecording() bool {
	now := s.schedule.Now()
	return s.schedule.IsScheduled(now, now)
}

func (s *Session) Status() *events.Status {
	state := s.device.State()
	return &events.Status{
		Id:         events.StatusKey,
		DeviceId:   s.id,
		Version:    s.cfg.App.Version,
		InstanceId: s.cfg.App.InstanceId,
		State:      int(state),
		StateName:  state.String(),
		Status:     s.device.Status(),
		URL:        redactURL(s.device.URL()),
		Schedule:   s.schedule.Rule().String(),
		Recording:  s.IsRecording(),
	}
}

// Close stops the session; Run returns once the stream is torn down.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rtspDone := make(chan struct{})
	go func() {
		defer close(rtspDone)
		s.rtsp.Run(ctx)
	}()

	s.timer = time.NewTimer(time.Hour)
	s.timer.Stop()

	s.setState(device.Starting, "Starting")
	if u := s.device.URL(); u != "" {
		s.startStream(u)
	} else {
		s.setState(device.Dormant, "No stream configured")
	}

	for {
		select {
		case <-ctx.Done():
			s.stop(cancel, rtspDone)
			return
		case <-s.closing:
			s.stop(cancel, rtspDone)
			return
		case cmd := <-s.commands:
			s.handle(cmd)
		case <-s.timer.C:
			s.server.requestShutdown(s.timerReason)
		}
	}
}

func (s *Session) handle(cmd interface{}) {
	switch c := cmd.(type) {
	case streamCommand:
		s.shuttingDown = false
		s.timer.Stop()
		s.device.SetURL(c.url)
		s.startStream(c.url)

	case startStopCommand:
		if s.rtsp.State() != rtsp.Stopped {
			s.setState(device.Stop, "Stopping")
			if err := s.rtsp.Stop(); err != nil {
				s.log.Error(err)
			}
			return
		}
		if u := s.device.URL(); u != "" {
			s.startStream(u)
		} else {
			s.log.Warn("startStop: no stream configured")
		}

	case shutdownCommand:
		s.log.Warn("shutdown command")
		s.shuttingDown = true
		s.device.SetStatus("Shutting down")
		if s.rtsp.State() == rtsp.Stopped {
			s.server.requestShutdown("shutdown command")
			return
		}
		if err := s.rtsp.Stop(); err != nil {
			s.log.Error(err)
		}
		s.arm(shutdownGrace, "shutdown command, stream did not stop in time")

	default:
		s.handleNotice(cmd)
	}
}

// handleNotice processes what the RTSP client reports. It also runs while
// the session drains the client on exit.
func (s *Session) handleNotice(cmd interface{}) {
	switch c := cmd.(type) {
	case stateNotice:
		s.setState(c.state, s.device.Status())

	case eventNotice:
		s.setState(s.device.State(), c.text)
		s.server.PublishPubSub(events.NewDeviceEvent(s.id, c.text))

	case newFileNotice:
		s.log.Infof("new file %s", c.file.Path)
		s.server.PublishPubSub(c.file)

	case motionNotice:
		appstats.OnMotion()
		s.server.PublishPubSub(events.NewMotion(s.id, c.ts))

	case stoppedNotice:
		s.device.ClearLatest()
		switch {
		case s.shuttingDown:
			s.setState(device.Ready, "Stopped")
			s.server.requestShutdown("shutdown command")
		case c.terminal:
			s.setState(device.Terminating, "Stopped")
			s.arm(terminateGrace, "stream terminated after errors")
		default:
			s.setState(device.Dormant, "Stopped")
		}

	case streamCommand, startStopCommand, shutdownCommand:
		// commands arriving during exit are dropped

	default:
		s.log.Errorf("unknown command type: %T", c)
	}
}

func (s *Session) arm(d time.Duration, reason string) {
	s.timerReason = reason
	s.timer.Reset(d)
}

func (s *Session) startStream(u string) {
	if err := s.rtsp.Stream(u); err != nil {
		s.log.Errorf("stream: %v", err)
		s.setState(device.Error, err.Error())
		return
	}
	s.setState(device.Stream, "Streaming")
}

// setState stores the device state and status and publishes them when
// either changed.
func (s *Session) setState(state device.State, status string) {
	statusChanged := s.device.Status() != status
	s.device.SetStatus(status)
	if !s.device.SetState(state) && !statusChanged {
		return
	}
	state = s.device.State()
	s.log.WithField("state", state).Debugf("device %s: %s", state, status)
	appstats.SetDeviceState(int(state))
	s.server.PublishPubSub(events.NewDeviceState(s.id, int(state), state.String(), status))
}

// stop cancels the client and keeps serving its callbacks until it has
// flushed the recording.
func (s *Session) stop(cancel context.CancelFunc, rtspDone <-chan struct{}) {
	s.stoppedOnce.Do(func() {
		s.timer.Stop()
		cancel()
	wait:
		for {
			select {
			case <-rtspDone:
				break wait
			case cmd := <-s.commands:
				s.handleNotice(cmd)
			}
		}
		close(s.done)
		s.detector.Close()
		s.setState(device.Ready, "Shutting down")
		s.server.CloseSession(s.id)
	})
}

// redactURL hides the password of a camera URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}
