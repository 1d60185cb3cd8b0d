package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opennetcam/vchannel/internal/appstats"
	"github.com/opennetcam/vchannel/internal/config"
	"github.com/opennetcam/vchannel/internal/pubsub"
	"github.com/opennetcam/vchannel/internal/pubsub/events"
	log "github.com/sirupsen/logrus"
)

type Server struct {
	cfg        *config.Config
	pubsub     pubsub.PubSub
	sessions   sync.Map
	shutdownWg sync.WaitGroup
	hub        *Hub

	// factory for camera sessions, replaced in tests
	newSession func(id string, cam config.Camera) *Session

	logLevel     log.Level
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func NewServer(cfg *config.Config, ps pubsub.PubSub) *Server {
	s := &Server{
		cfg:      cfg,
		pubsub:   ps,
		hub:      NewHub(),
		logLevel: log.GetLevel(),
		shutdown: make(chan struct{}),
	}
	s.newSession = func(id string, cam config.Camera) *Session {
		return NewSession(id, s, cam)
	}
	return s
}

// Start creates the configured camera session and runs it until ctx is
// done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	cam := s.cfg.Camera
	if cam.DeviceID == "" {
		return fmt.Errorf("camera has no device id")
	}
	if _, ok := s.sessions.Load(cam.DeviceID); ok {
		return fmt.Errorf("session %s already exists", cam.DeviceID)
	}

	sess := s.newSession(cam.DeviceID, cam)
	s.sessions.Store(cam.DeviceID, sess)
	s.shutdownWg.Add(1)
	go sess.Run(ctx, &s.shutdownWg)
	return nil
}

func (s *Server) Session(id string) (*Session, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// matching returns the sessions a command addressed to device applies to.
func (s *Server) matching(device string) []*Session {
	var out []*Session
	s.sessions.Range(func(k, v interface{}) bool {
		if events.Matches(device, k.(string)) {
			out = append(out, v.(*Session))
		}
		return true
	})
	return out
}

// primary is the session served by the HTTP surface.
func (s *Server) primary() *Session {
	if sess, ok := s.Session(s.cfg.Camera.DeviceID); ok {
		return sess
	}
	var first *Session
	s.sessions.Range(func(_, v interface{}) bool {
		first = v.(*Session)
		return false
	})
	return first
}

func (s *Server) HandlePubSub(ctx context.Context, msg []byte) {
	log.Trace(string(msg))
	event := events.Decode(msg)

	if !event.IsValid() {
		if event.Err() != nil {
			appstats.OnServerRequest(event)
			log.Warnf("invalid %q command: %v", event.Id, event.Err())
		}
		return
	}
	appstats.OnServerRequest(event)

	sessions := s.matching(event.DeviceId)
	if len(sessions) == 0 {
		log.Debugf("%s: no device %q", event.Id, event.DeviceId)
		return
	}

	for _, sess := range sessions {
		var err error

		switch event.Id {
		case events.MotionKey:
			sess.schedule.SetMotion()
		case events.EventKey:
			sess.schedule.SetEvent()
		case events.UpdateScheduleKey:
			err = sess.UpdateSchedule(event.UpdateSchedule().Schedule)
		case events.NoRecordKey:
			sess.NoRecord()
		case events.StartStopKey:
			err = sess.StartStop()
		case events.StreamKey:
			err = sess.Stream(event.Stream().URL)
		case events.ShutdownKey:
			err = sess.Shutdown()
		case events.GetStatusKey:
			s.PublishPubSub(sess.Status())
		}

		if err != nil {
			log.WithField("device", sess.id).Errorf("%s: %v", event.Id, err)
		}
	}
}

func (s *Server) PublishPubSub(msg interface{}) {
	j, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("failed to encode %T: %v", msg, err)
		return
	}
	appstats.OnServerResponse(msg)
	s.hub.Broadcast(j)
	if err := s.pubsub.Publish(s.cfg.PubSub.Channels.Publish, j); err != nil {
		log.Warnf("failed to publish %T: %v", msg, err)
	}
}

func (s *Server) OnStart() error {
	log.Info("Application started. Version=", s.cfg.App.Version, " InstanceId=", s.cfg.App.InstanceId)
	s.sessions.Range(func(_, v interface{}) bool {
		s.PublishPubSub(v.(*Session).Status())
		return true
	})
	return nil
}

// ShutdownRequested is closed once a session asks the process to exit.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

func (s *Server) requestShutdown(reason string) {
	s.shutdownOnce.Do(func() {
		log.Warnf("shutdown requested: %s", reason)
		close(s.shutdown)
	})
}

// setDebug maps the device debug level onto the log level: 0 restores the
// configured level, 1 is debug and anything above is trace.
func (s *Server) setDebug(level int) {
	switch {
	case level <= 0:
		log.SetLevel(s.logLevel)
	case level == 1:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.TraceLevel)
	}
}

func (s *Server) CloseSession(id string) {
	s.sessions.Delete(id)
}

// Close stops every session and waits for them to finish.
func (s *Server) Close() error {
	s.sessions.Range(func(_, v interface{}) bool {
		v.(*Session).Close()
		return true
	})
	s.shutdownWg.Wait()
	s.hub.Close()
	return nil
}
