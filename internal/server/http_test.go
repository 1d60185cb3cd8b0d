package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opennetcam/vchannel/internal/device"
	"github.com/opennetcam/vchannel/internal/pubsub/events"
	"github.com/opennetcam/vchannel/internal/rtsp"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTP(t *testing.T) (*Server, *mockPubSub, *fakeStreamer, *httptest.Server) {
	t.Helper()
	srv, ps, fake := newTestServer(t, nil)
	require.NoError(t, srv.Start(t.Context()))
	waitFor(t, ps, events.DeviceStateKey, withState(device.Active))
	waitFor(t, ps, events.DeviceEventKey, nil)

	hs := NewHTTPServer(srv.cfg, srv)
	ts := httptest.NewServer(hs.Handler())
	t.Cleanup(ts.Close)
	return srv, ps, fake, ts
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, body
}

func TestSnapshot(t *testing.T) {
	srv, _, fake, ts := newTestHTTP(t)
	sess, _ := srv.Session("7")

	res, _ := get(t, ts.URL+"/snap.jpg")
	assert.Equal(t, http.StatusNotFound, res.StatusCode, "no frame yet")

	frame := []byte{0xff, 0xd8, 0x01, 0x02, 0xff, 0xd9}
	sess.device.SetLatest(frame)
	res, body := get(t, ts.URL+"/snap.jpg")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/jpeg", res.Header.Get("Content-Type"))
	assert.Equal(t, frame, body)

	fake.mu.Lock()
	fake.state = rtsp.Init
	fake.mu.Unlock()
	res, _ = get(t, ts.URL+"/snap.jpg")
	assert.Equal(t, http.StatusNotFound, res.StatusCode, "not playing")
}

func TestThumbnailWithoutMotion(t *testing.T) {
	_, _, _, ts := newTestHTTP(t)
	res, _ := get(t, ts.URL+"/thumbnail.jpg")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCommandPage(t *testing.T) {
	level := log.GetLevel()
	t.Cleanup(func() { log.SetLevel(level) })

	srv, _, fake, ts := newTestHTTP(t)
	sess, _ := srv.Session("7")

	res, body := get(t, ts.URL+"/command.cgi")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "Status: 7 [ Start playing cam.local ]")
	assert.Contains(t, string(body), "Watchdog is running")
	assert.NotContains(t, string(body), "debug output is ON")

	_, body = get(t, ts.URL+"/command.cgi?debugon")
	assert.Contains(t, string(body), "debug output is ON")
	assert.Equal(t, 1, sess.device.Debug())
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	_, _ = get(t, ts.URL+"/command.cgi?debugoff")
	assert.Equal(t, 0, sess.device.Debug())
	assert.Equal(t, level, log.GetLevel())

	_, _ = get(t, ts.URL+"/command.cgi?startstop")
	require.Eventually(t, func() bool { return fake.Stops() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStatusJSON(t *testing.T) {
	_, _, _, ts := newTestHTTP(t)

	res, body := get(t, ts.URL+"/status")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var status events.Status
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "7", status.DeviceId)
	assert.Equal(t, int(device.Active), status.State)
	assert.Equal(t, "active", status.StateName)
	assert.NotContains(t, status.URL, "secret")
}

func TestMediaFiles(t *testing.T) {
	srv, _, _, ts := newTestHTTP(t)

	dir := filepath.Join(srv.cfg.Recorder.Directory, "2024-01-02")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AV.7.1704153600.180.N.avi"), []byte("RIFF"), 0o600))

	res, body := get(t, ts.URL+"/media/2024-01-02/AV.7.1704153600.180.N.avi")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "RIFF", string(body))
}

func TestEventsWebsocket(t *testing.T) {
	srv, _, _, ts := newTestHTTP(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.PublishPubSub(events.NewMotion("7", time.Unix(1700000000, 0)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var m events.Motion
	require.NoError(t, json.Unmarshal(msg, &m))
	assert.Equal(t, events.MotionKey, m.Id)
	assert.Equal(t, "7", m.DeviceId)
}
