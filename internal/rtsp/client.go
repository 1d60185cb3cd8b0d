// Package rtsp drives a camera through OPTIONS, DESCRIBE, SETUP and PLAY,
// watches the resulting media and recovers from lost connections.
package rtsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opennetcam/vchannel/internal/appstats"
	"github.com/opennetcam/vchannel/internal/config"
	"github.com/opennetcam/vchannel/internal/device"
	"github.com/opennetcam/vchannel/internal/pubsub/events"
	"github.com/opennetcam/vchannel/internal/recorder"
	"github.com/opennetcam/vchannel/internal/rtp"
	"github.com/opennetcam/vchannel/internal/schedule"
	"github.com/opennetcam/vchannel/internal/sdp"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPort = "554"

	stepDelay       = 10 * time.Millisecond
	errorDelay      = 2 * time.Second
	disconnectDelay = time.Second
	terminateDelay  = 100 * time.Millisecond
	dialTimeout     = 5 * time.Second
	writeTimeout    = 5 * time.Second
)

var (
	ErrSessionMismatch = errors.New("session id mismatch")
	ErrNoSession       = errors.New("no session in response")
	ErrNotSupported    = errors.New("method not announced by camera")
	ErrNoVideo         = errors.New("no video media in session description")
)

// Options wires a Client to the rest of the device. Callbacks run on the
// client goroutine and must not block for long.
type Options struct {
	Device   string
	Camera   config.Camera
	Recorder config.Recorder
	Schedule *schedule.Schedule
	Motion   rtp.MotionSink
	Version  string
	CNAME    string
	Clock    func() time.Time

	OnState   func(device.State)
	OnEvent   func(text string)
	OnNewFile func(*events.NewFile)
	// OnFrame receives every accepted JPEG frame.
	OnFrame func([]byte)
	// OnStopped runs once the client has nothing left to stream. terminal
	// is true when it gave up after errors.
	OnStopped func(terminal bool)
}

type streamCommand struct {
	url *url.URL
}

type stopCommand struct{}

type message struct {
	gen int
	res *Response
	err error
}

type Client struct {
	opts Options
	cfg  config.Camera
	log  *log.Entry

	commands chan interface{}
	incoming chan message
	done     chan struct{}
	ctx      context.Context
	current  atomic.Int32

	state       State
	url         *url.URL
	pending     *url.URL
	stopping    bool
	cseq        int
	expect      int
	session     string
	contentBase string
	contentType string
	public      Public
	sdp         *sdp.SessionDescription
	audioSetup  bool
	restart     int

	conn    net.Conn
	connGen int

	interval time.Duration
	watchdog *time.Timer
	stepper  *time.Timer
	recover  *time.Timer

	media *media
	recv  atomic.Pointer[rtp.Receiver]
	ssrc  uint32
	watch atomic.Bool
}

func NewClient(opts Options) *Client {
	c := &Client{
		opts:     opts,
		cfg:      opts.Camera,
		log:      log.WithField("device", opts.Device),
		commands: make(chan interface{}, 10),
		incoming: make(chan message, 16),
		done:     make(chan struct{}),
		ssrc:     rand.Uint32(),
		state:    Stopped,
	}
	c.current.Store(int32(Stopped))

	c.interval = c.cfg.WatchdogMin
	if c.cfg.WatchdogJitter > 0 {
		c.interval += rand.N(c.cfg.WatchdogJitter)
	}
	if c.interval <= 0 {
		c.interval = time.Second
	}
	if c.cfg.ErrorPing <= 0 {
		c.cfg.ErrorPing = 20 * time.Second
	}
	if c.opts.Clock == nil {
		c.opts.Clock = time.Now
	}

	c.watchdog = time.NewTimer(time.Hour)
	c.watchdog.Stop()
	c.stepper = time.NewTimer(time.Hour)
	c.stepper.Stop()
	c.recover = time.NewTimer(time.Hour)
	c.recover.Stop()
	return c
}

// ParseURL validates a camera URL and fills in the default port.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "rtsp" || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid rtsp url %q", raw)
	}
	if u.Port() == "" || u.Port() == "0" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultPort)
	}
	return u, nil
}

// Stream starts streaming from raw, tearing down a running session first.
func (c *Client) Stream(raw string) error {
	u, err := ParseURL(raw)
	if err != nil {
		return err
	}
	select {
	case c.commands <- streamCommand{url: u}:
		return nil
	default:
		return errors.New("rtsp command queue is full")
	}
}

// Stop tears the session down. OnStopped runs once it is done.
func (c *Client) Stop() error {
	select {
	case c.commands <- stopCommand{}:
		return nil
	default:
		return errors.New("rtsp command queue is full")
	}
}

// State may be called from any goroutine.
func (c *Client) State() State {
	return State(c.current.Load())
}

func (c *Client) IsPlaying() bool {
	return c.State() == Playing
}

// Watching reports whether the watchdog is armed.
func (c *Client) Watching() bool {
	return c.watch.Load()
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Run processes commands, responses and timers until ctx is done.
func (c *Client) Run(ctx context.Context) {
	defer close(c.done)
	c.ctx = ctx

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return

		case cmd := <-c.commands:
			switch cmd := cmd.(type) {
			case streamCommand:
				c.handleStream(cmd.url)
			case stopCommand:
				c.handleStop()
			default:
				c.log.Errorf("rtsp: unknown command type: %T", cmd)
			}

		case msg := <-c.incoming:
			if msg.gen != c.connGen {
				continue
			}
			if msg.err != nil {
				c.handleDisconnect(msg.err)
			} else {
				c.handleResponse(msg.res)
			}

		case <-c.watchdog.C:
			c.watch.Store(false)
			c.handleTimeout()

		case <-c.stepper.C:
			c.step()

		case <-c.recover.C:
			// late wakeups after a successful recovery are ignored
			if c.state == Error {
				c.step()
			}
		}
	}
}

func (c *Client) setState(s State) {
	if s == c.state {
		return
	}
	c.log.WithField("state", s).Debugf("rtsp: %s -> %s", c.state, s)
	c.state = s
	c.current.Store(int32(s))
	appstats.OnRTSPState(s.String())
}

func (c *Client) host() string {
	if c.url == nil {
		return ""
	}
	return c.url.Hostname()
}

func (c *Client) notifyState(s device.State) {
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func (c *Client) notifyEvent(text string) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(text)
	}
}

func (c *Client) armWatchdog() {
	c.watchdog.Reset(c.interval)
	c.watch.Store(true)
}

func (c *Client) stopWatchdog() {
	c.watchdog.Stop()
	c.watch.Store(false)
}

func (c *Client) schedule(d time.Duration) {
	c.stepper.Reset(d)
}

// fail moves to Error after a request could not be sent or was rejected.
func (c *Client) fail(err error) {
	c.log.Warnf("rtsp: %s: %v", c.state, err)
	c.stopWatchdog()
	c.setState(Error)
	c.schedule(errorDelay)
}

func (c *Client) handleStream(u *url.URL) {
	c.log.Infof("rtsp: stream %s", redact(u))
	c.stopping = false

	if c.state.IsActive() {
		c.pending = u
		if c.state != Teardown {
			c.setState(Teardown)
			c.step()
		}
		return
	}

	c.pending = nil
	c.url = u
	c.restart = 0
	c.recover.Stop()
	c.stopWatchdog()
	c.setState(Init)
	c.step()
}

func (c *Client) handleStop() {
	c.log.Infof("rtsp: stop streaming %s", c.host())
	c.stopping = true
	c.pending = nil

	switch c.state {
	case Stopped:
		return
	case Init:
		c.setState(End)
		c.step()
	default:
		c.setState(Teardown)
		c.step()
	}
}

func (c *Client) handleTimeout() {
	c.log.Tracef("rtsp: watchdog timeout in %s", c.state)

	if c.state == Playing {
		var packets uint64
		if c.media != nil {
			packets = c.media.recv.TakeCounter()
		}
		if packets > 0 {
			// reports are not sent over the interleaved connection
			if !c.cfg.UseTCP {
				c.media.sendReport(c.ssrc, c.opts.CNAME)
			}
			c.armWatchdog()
			return
		}
		text := fmt.Sprintf("Connection lost to %s", c.host())
		c.log.Warn(text)
		c.notifyState(device.Error)
		c.notifyEvent(text)
		c.stopMedia()
	}

	// an unanswered TEARDOWN ends the session anyway
	if c.state == End {
		c.step()
		return
	}

	c.setState(Error)
	c.schedule(errorDelay)
}

func (c *Client) handleDisconnect(err error) {
	c.log.Debugf("rtsp: connection closed in %s: %v", c.state, err)
	c.closeConn()

	switch c.state {
	case Error:
		// the recover timer sends the next ping
	case Playing:
		text := fmt.Sprintf("Connection lost to %s", c.host())
		c.log.Warn(text)
		c.notifyState(device.Error)
		c.notifyEvent(text)
		c.stopWatchdog()
		c.stopMedia()
		c.setState(Error)
		c.schedule(disconnectDelay)
	}
}

func (c *Client) handleResponse(res *Response) {
	c.log.Tracef("rtsp: %d %s in %s", res.StatusCode, res.Status, c.state)

	if c.state == Playing || c.state == Stopped {
		return
	}

	if res.StatusCode == 400 || res.StatusCode == 455 {
		c.log.Warnf("rtsp: camera rejected request: %d %s", res.StatusCode, res.Status)
		c.stopWatchdog()
		c.setState(End)
		c.step()
		return
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		// left to the watchdog
		c.log.Warnf("rtsp: %d %s", res.StatusCode, res.Status)
		return
	}
	if cseq := res.CSeq(); cseq != c.expect {
		c.log.Debugf("rtsp: ignoring response with CSeq %d, expecting %d", cseq, c.expect)
		return
	}

	if v := res.Header.Get("Content-Type"); v != "" {
		c.contentType = strings.TrimSpace(v)
	}
	if v := res.Header.Get("Content-Base"); v != "" {
		c.contentBase = strings.TrimSpace(v)
	}

	var err error
	switch c.state {
	case Options:
		err = c.interpretOptions(res)
	case Describe:
		err = c.interpretDescribe(res)
	case SetupVideo:
		err = c.interpretSetup(res, &c.sdp.Video)
	case SetupAudio:
		err = c.interpretSetup(res, &c.sdp.Audio)
		c.audioSetup = err == nil
	case Play:
		err = c.interpretPlay(res)
	case End:
		err = c.interpretTeardown(res)
	case Error:
		err = c.interpretErrorQuery(res)
	default:
		return
	}

	if err != nil {
		c.log.Warnf("rtsp: %s: %v", c.state, err)
		c.stopWatchdog()
		if c.state == Error {
			// keep the pings error_ping apart
			return
		}
		c.setState(Error)
	} else {
		c.armWatchdog()
	}
	c.schedule(stepDelay)
}

func (c *Client) interpretOptions(res *Response) error {
	v := res.Header.Get("Public")
	if v == "" {
		return errors.New("no Public header in OPTIONS reply")
	}
	c.public = ParsePublic(v)
	c.log.Debugf("rtsp: options %+v", c.public)
	return nil
}

func (c *Client) interpretDescribe(res *Response) error {
	if !strings.Contains(c.contentType, "application/sdp") {
		return fmt.Errorf("unexpected content type %q", c.contentType)
	}
	c.sdp = sdp.Parse(res.Body, c.cfg.DeviceOrder)
	return nil
}

func (c *Client) interpretSetup(res *Response, m *sdp.Media) error {
	if t := res.Header.Get("Transport"); t != "" {
		m.SetTransport(t)
	}
	id := res.Session()
	switch {
	case id == "":
		return ErrNoSession
	case c.session == "":
		c.session = id
		c.log.Debugf("rtsp: session %s", id)
	case c.session != id:
		return fmt.Errorf("%w: %s != %s", ErrSessionMismatch, id, c.session)
	}
	return nil
}

func (c *Client) interpretPlay(res *Response) error {
	id := res.Session()
	if id == "" {
		return ErrNoSession
	}
	if id != c.session {
		return fmt.Errorf("%w: %s != %s", ErrSessionMismatch, id, c.session)
	}
	c.restart = 0
	return nil
}

func (c *Client) interpretTeardown(res *Response) error {
	if id := res.Session(); id != "" && id != c.session {
		c.log.Warnf("rtsp: teardown %v: %s != %s", ErrSessionMismatch, id, c.session)
	}
	c.session = ""
	return nil
}

func (c *Client) interpretErrorQuery(res *Response) error {
	if res.Header.Get("Public") == "" {
		c.closeConn()
		return errors.New("unknown response to error query")
	}
	if err := c.interpretOptions(res); err != nil {
		return err
	}
	c.log.Infof("rtsp: %s answered, restarting", c.host())
	// the camera hands out a new session
	c.session = ""
	c.setState(Options)
	return nil
}

// step performs the action of the current state.
func (c *Client) step() {
	switch c.state {
	case Init:
		c.setState(Options)
		if err := c.sendOptions(); err != nil {
			c.fail(err)
			return
		}
		c.armWatchdog()

	case Options:
		c.setState(Describe)
		if err := c.sendDescribe(); err != nil {
			c.fail(err)
			return
		}
		c.armWatchdog()

	case Describe:
		c.setState(SetupVideo)
		if c.sdp == nil || c.sdp.Video.IsEmpty() {
			c.fail(ErrNoVideo)
			return
		}
		if err := c.sendSetup(&c.sdp.Video, 0); err != nil {
			c.fail(err)
			return
		}
		c.armWatchdog()

	case SetupVideo:
		if c.cfg.Audio && !c.sdp.Audio.IsEmpty() {
			c.setState(SetupAudio)
			if err := c.sendSetup(&c.sdp.Audio, 2); err != nil {
				c.fail(err)
				return
			}
			c.armWatchdog()
			return
		}
		c.setState(Play)
		c.sendPlayOrFail()

	case SetupAudio:
		c.setState(Play)
		c.sendPlayOrFail()

	case Play:
		if err := c.startMedia(); err != nil {
			c.fail(err)
			return
		}
		c.setState(Playing)
		text := fmt.Sprintf("Start playing %s", c.host())
		c.log.Info(text)
		c.notifyState(device.Active)
		c.notifyEvent(text)
		c.armWatchdog()

	case Playing:

	case Pause, Record:
		c.setState(Teardown)
		c.step()

	case Teardown:
		if c.session == "" {
			c.setState(End)
			c.step()
			return
		}
		if err := c.sendTeardown(); err != nil {
			c.log.Warnf("rtsp: teardown: %v", err)
			c.setState(End)
			c.step()
			return
		}
		c.setState(End)
		c.armWatchdog()

	case Error:
		if c.restart < c.cfg.MaxRetries {
			if err := c.sendErrorQuery(); err != nil {
				c.log.Warnf("rtsp: error query to %s: %v", c.host(), err)
			}
			c.recover.Reset(c.cfg.ErrorPing)
			c.log.Debugf("rtsp: restart %d, next try in %s", c.restart, c.cfg.ErrorPing)
			return
		}
		text := fmt.Sprintf("Error termination: %s", c.host())
		c.log.Warn(text)
		c.setState(End)
		c.notifyState(device.Terminating)
		c.notifyEvent(text)
		c.schedule(terminateDelay)

	case End:
		c.stopWatchdog()
		c.recover.Stop()
		c.stopMedia()
		c.closeConn()
		c.session = ""

		switch {
		case c.pending != nil:
			c.url, c.pending = c.pending, nil
			c.restart = 0
			c.setState(Init)
			c.step()

		case c.url != nil && !c.stopping && c.restart < c.cfg.MaxRetries:
			c.restart++
			appstats.OnRTSPRestart()
			c.log.Infof("rtsp: reconnecting to %s, attempt %d", c.host(), c.restart)
			c.setState(Init)
			c.step()

		default:
			terminal := !c.stopping
			c.url = nil
			c.setState(Stopped)
			c.log.Info("rtsp: stopped")
			if c.opts.OnStopped != nil {
				c.opts.OnStopped(terminal)
			}
		}

	case Stopped:
	}
}

func (c *Client) sendPlayOrFail() {
	if err := c.sendPlay(); err != nil {
		c.fail(err)
		return
	}
	c.armWatchdog()
}

func (c *Client) shutdown() {
	c.stopWatchdog()
	c.stepper.Stop()
	c.recover.Stop()
	c.stopMedia()
	c.closeConn()
	if c.media != nil {
		c.media.close()
		c.media = nil
	}
	c.setState(Stopped)
}

// requestURL is the stream URL without credentials.
func (c *Client) requestURL() string {
	if c.url == nil {
		return ""
	}
	u := *c.url
	u.User = nil
	return u.String()
}

func (c *Client) base() string {
	if c.contentBase != "" {
		return c.contentBase
	}
	return c.requestURL()
}

func joinControl(base, control string) string {
	switch {
	case strings.HasPrefix(control, "rtsp"):
		return control
	case control == "" || control == "*":
		return base
	case strings.HasSuffix(base, "/") || strings.HasPrefix(control, "/"):
		return base + control
	default:
		return base + "/" + control
	}
}

func (c *Client) setupURL(m *sdp.Media) string {
	base := joinControl(c.base(), c.sdp.Session.Control)
	return joinControl(base, m.Control)
}

func (c *Client) playURL() string {
	return joinControl(c.base(), c.sdp.Session.Control)
}

func (c *Client) authorization() string {
	user, password := c.cfg.User, c.cfg.Password
	if user == "" && c.url != nil && c.url.User != nil {
		user = c.url.User.Username()
		password, _ = c.url.User.Password()
	}
	return BasicAuth(user, password)
}

func (c *Client) userAgent() string {
	if c.cfg.UserAgent != "" {
		return c.cfg.UserAgent
	}
	return "vchannel/" + c.opts.Version
}

func (c *Client) newRequest(method, target string, auth bool) *Request {
	c.cseq++
	req := NewRequest(method, target, c.cseq)
	if auth {
		if a := c.authorization(); a != "" {
			req.Add("Authorization", a)
		}
	}
	return req
}

func (c *Client) sendOptions() error {
	req := c.newRequest("OPTIONS", c.requestURL(), true)
	req.Add("User-Agent", c.userAgent())
	c.closeConn()
	return c.send(req)
}

func (c *Client) sendDescribe() error {
	if !c.public.Describe {
		return fmt.Errorf("DESCRIBE: %w", ErrNotSupported)
	}
	c.sdp = nil
	c.contentBase = ""
	c.audioSetup = false
	req := c.newRequest("DESCRIBE", c.requestURL(), true)
	req.Add("Accept", "application/sdp")
	req.Add("User-Agent", c.userAgent())
	return c.send(req)
}

// sendSetup requests m; interleaved is the first channel used in TCP mode.
func (c *Client) sendSetup(m *sdp.Media, interleaved int) error {
	if !c.public.Setup {
		return fmt.Errorf("SETUP: %w", ErrNotSupported)
	}
	proto := m.Protocol
	if proto == "" {
		proto = "RTP/AVP"
	}
	req := c.newRequest("SETUP", c.setupURL(m), true)
	if c.session != "" {
		req.Add("Session", c.session)
	}
	if c.cfg.UseTCP {
		req.Add("Transport", fmt.Sprintf("%s/TCP;unicast;interleaved=%d-%d", proto, interleaved, interleaved+1))
	} else {
		req.Add("Transport", fmt.Sprintf("%s/UDP;unicast;client_port=%s", proto, m.Transport["client_port"]))
	}
	req.Add("User-Agent", c.userAgent())
	return c.send(req)
}

func (c *Client) sendPlay() error {
	if !c.public.Play {
		return fmt.Errorf("PLAY: %w", ErrNotSupported)
	}
	req := c.newRequest("PLAY", c.playURL(), true)
	req.Add("Session", c.session)
	req.Add("User-Agent", c.userAgent())
	return c.send(req)
}

func (c *Client) sendTeardown() error {
	if !c.public.Teardown {
		return fmt.Errorf("TEARDOWN: %w", ErrNotSupported)
	}
	req := c.newRequest("TEARDOWN", c.requestURL(), true)
	req.Add("Session", c.session)
	req.Add("User-Agent", c.userAgent())
	return c.send(req)
}

// sendErrorQuery pings the camera with an unauthenticated OPTIONS.
func (c *Client) sendErrorQuery() error {
	c.restart++
	appstats.OnRTSPRestart()
	req := c.newRequest("OPTIONS", c.requestURL(), false)
	req.Add("User-Agent", c.userAgent())
	return c.send(req)
}

// send writes req on the control connection, dialing when there is none.
func (c *Client) send(req *Request) error {
	if c.url == nil {
		return errors.New("no url")
	}
	if c.conn == nil {
		if err := c.dial(); err != nil {
			return err
		}
	}
	c.contentType = ""
	c.expect = c.cseq

	c.log.Tracef("rtsp: send %s %s", req.Method, req.URL)
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(req.Marshal()); err != nil {
		c.closeConn()
		return err
	}
	return nil
}

func (c *Client) dial() error {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.url.Host)
	if err != nil {
		return err
	}
	c.connGen++
	c.conn = conn
	go c.read(conn, c.connGen)
	return nil
}

func (c *Client) closeConn() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.connGen++
}

// read forwards responses to the client goroutine. Interleaved media is
// handed to the receiver directly.
func (c *Client) read(conn net.Conn, gen int) {
	br := bufio.NewReaderSize(conn, 64*1024)
	var buf []byte
	for {
		b, err := br.Peek(1)
		if err != nil {
			c.post(message{gen: gen, err: err})
			return
		}

		if b[0] == interleavedMagic {
			var ch int
			var payload []byte
			ch, payload, err = readInterleaved(br, buf)
			if err != nil {
				c.post(message{gen: gen, err: err})
				return
			}
			buf = payload
			// odd channels carry RTCP
			if ch%2 == 0 {
				if r := c.recv.Load(); r != nil {
					r.HandlePacket(payload)
				}
			}
			continue
		}

		res, err := ReadResponse(br)
		if err != nil {
			c.post(message{gen: gen, err: err})
			return
		}
		c.post(message{gen: gen, res: res})
	}
}

func (c *Client) post(m message) {
	select {
	case c.incoming <- m:
	case <-c.done:
	}
}

func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}

// codecOf maps the negotiated video format to a recorder codec.
func codecOf(m *sdp.Media) (recorder.Codec, error) {
	switch {
	case m.Format == 26:
		return recorder.CodecJPEG, nil
	case m.Format >= 96 && m.Format < 128:
		return recorder.CodecH264, nil
	default:
		return 0, fmt.Errorf("unsupported video format %d (%s)", m.Format, m.Codec())
	}
}
