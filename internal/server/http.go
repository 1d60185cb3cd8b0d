package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/opennetcam/vchannel/internal/config"
	"github.com/opennetcam/vchannel/internal/rtsp"
	log "github.com/sirupsen/logrus"
)

const friendlyTime = "Mon, 02 Jan 2006 15:04:05"

type HTTPServer struct {
	cfg       *config.Config
	server    *Server
	port      int
	mediaRoot string
	srv       *http.Server
}

func NewHTTPServer(cfg *config.Config, sv *Server) *HTTPServer {
	return &HTTPServer{
		cfg:       cfg,
		server:    sv,
		port:      cfg.HTTP.Port,
		mediaRoot: path.Clean(cfg.Recorder.Directory),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/snap.jpg", s.snapshot)
	mux.HandleFunc("/thumbnail.jpg", s.thumbnail)
	mux.HandleFunc("/command.cgi", s.command)
	mux.HandleFunc("/status", s.status)
	mux.Handle("/events", s.server.hub)
	mux.Handle("/media/", http.StripPrefix("/media", http.FileServer(http.Dir(s.mediaRoot))))
	mux.HandleFunc("/favicon.ico", func(rw http.ResponseWriter, r *http.Request) {})
	return mux
}

// Serve listens in the background. A bind failure is fatal.
func (s *HTTPServer) Serve() {
	addr := ":" + strconv.Itoa(s.port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("starting http server on %s", addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// playing returns the camera session when it is streaming.
func (s *HTTPServer) playing() *Session {
	sess := s.server.primary()
	if sess == nil || sess.rtsp.State() != rtsp.Playing {
		return nil
	}
	return sess
}

func writeJPEG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *HTTPServer) snapshot(w http.ResponseWriter, r *http.Request) {
	sess := s.playing()
	if sess == nil {
		http.NotFound(w, r)
		return
	}
	data := sess.device.Snapshot()
	if len(data) == 0 {
		http.NotFound(w, r)
		return
	}
	writeJPEG(w, data)
}

func (s *HTTPServer) thumbnail(w http.ResponseWriter, r *http.Request) {
	sess := s.playing()
	if sess == nil {
		http.NotFound(w, r)
		return
	}
	data := sess.device.Thumbnail()
	if len(data) == 0 {
		http.NotFound(w, r)
		return
	}
	writeJPEG(w, data)
}

// command runs at most one of shutdown, startstop, debugon or debugoff and
// answers with the status page.
func (s *HTTPServer) command(w http.ResponseWriter, r *http.Request) {
	sess := s.server.primary()
	if sess == nil {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	var err error
	switch {
	case q.Has("shutdown"):
		err = sess.Shutdown()
	case q.Has("startstop"):
		err = sess.StartStop()
	case q.Has("debugon"):
		sess.DebugUp()
	case q.Has("debugoff"):
		sess.DebugDown()
	}
	if err != nil {
		log.WithField("device", sess.id).Errorf("command %s: %v", r.URL.RawQuery, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<HTML><HEAD><TITLE>channel status</TITLE></HEAD><BODY>%s</BODY></HTML>", statusPage(sess))
}

func statusPage(sess *Session) string {
	var lines []string
	add := func(format string, args ...interface{}) {
		lines = append(lines, html.EscapeString(fmt.Sprintf(format, args...)))
	}

	add("Status: %s [ %s ]", sess.id, sess.device.Status())
	add("%s", time.Now().Format(friendlyTime))
	add("%s", redactURL(sess.device.URL()))
	if t := sess.schedule.LastEvent(); !t.IsZero() {
		add("Last event at %s", t.Format(friendlyTime))
	}
	if t := sess.schedule.LastMotion(); !t.IsZero() {
		add("Last motion detected at %s", t.Format(friendlyTime))
	}
	if sess.IsRecording() {
		add("Recording is active")
	} else {
		add("Recording is inactive")
	}
	add("state = %s", sess.rtsp.State())
	if sess.rtsp.Watching() {
		add("Watchdog is running")
	} else {
		add("Watchdog is not running")
	}
	if sess.device.Debug() > 0 {
		add("debug output is ON")
	}
	return strings.Join(lines, "<br/>")
}

func (s *HTTPServer) status(w http.ResponseWriter, r *http.Request) {
	sess := s.server.primary()
	if sess == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sess.Status()); err != nil {
		log.Debugf("status: %v", err)
	}
}
