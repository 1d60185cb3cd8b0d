package rtsp

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadResponse(t *testing.T) {
	raw := "RTSP/1.0 200 OK\r\n" +
		"CSeq: 3\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Base: rtsp://cam/live/\r\n" +
		"Session: 4711;timeout=60\r\n" +
		"Content-Length: 10\r\n" +
		"\r\n" +
		"v=0\r\ns=x\r\n"

	res, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "OK", res.Status)
	assert.Equal(t, 3, res.CSeq())
	assert.Equal(t, "4711", res.Session())
	assert.Equal(t, "rtsp://cam/live/", res.Header.Get("Content-Base"))
	assert.Equal(t, "v=0\r\ns=x\r\n", string(res.Body))
}

func TestReadResponseWaitsForBody(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 1\r\nContent-Length: 8\r\n\r\nv=0"))
		_, _ = pw.Write([]byte("\r\ns=\r\n"))
		_ = pw.Close()
	}()

	res, err := ReadResponse(bufio.NewReader(pr))
	require.NoError(t, err)
	assert.Equal(t, "v=0\r\ns=\r\n", string(res.Body))
}

func TestReadResponseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not rtsp", "HTTP/1.1 200 OK\r\n\r\n"},
		{"bad code", "RTSP/1.0 abc OK\r\n\r\n"},
		{"bad length", "RTSP/1.0 200 OK\r\nContent-Length: -1\r\n\r\n"},
		{"short body", "RTSP/1.0 200 OK\r\nContent-Length: 10\r\n\r\nabc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadResponse(bufio.NewReader(strings.NewReader(tt.raw)))
			assert.Error(t, err)
		})
	}
}

func TestReadInterleaved(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("$\x02\x00\x03abcRTSP"))
	ch, payload, err := readInterleaved(br, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ch)
	assert.Equal(t, "abc", string(payload))

	_, _, err = readInterleaved(br, payload)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestRequestMarshal(t *testing.T) {
	req := NewRequest("SETUP", "rtsp://cam/live/track1", 4)
	req.Add("Transport", "RTP/AVP/UDP;unicast;client_port=61014-61015")
	assert.Equal(t, "SETUP rtsp://cam/live/track1 RTSP/1.0\r\n"+
		"CSeq: 4\r\n"+
		"Transport: RTP/AVP/UDP;unicast;client_port=61014-61015\r\n"+
		"\r\n", string(req.Marshal()))
	assert.Equal(t, "4", req.Get("cseq"))
}

func TestParsePublic(t *testing.T) {
	p := ParsePublic("OPTIONS, DESCRIBE, SETUP, TEARDOWN, PLAY, PAUSE")
	assert.Equal(t, Public{Describe: true, Setup: true, Play: true, Pause: true, Teardown: true}, p)
}

func TestBasicAuth(t *testing.T) {
	assert.Equal(t, "Basic YWRtaW46c2VjcmV0", BasicAuth("admin", "secret"))
	assert.Empty(t, BasicAuth("", "secret"))
}

func TestParseURL(t *testing.T) {
	u, err := ParseURL("rtsp://cam.local/live")
	require.NoError(t, err)
	assert.Equal(t, "cam.local:554", u.Host)

	u, err = ParseURL("rtsp://cam.local:8554/live")
	require.NoError(t, err)
	assert.Equal(t, "cam.local:8554", u.Host)
}

func TestJoinControl(t *testing.T) {
	tests := []struct {
		base, control, want string
	}{
		{"rtsp://cam/live/", "track1", "rtsp://cam/live/track1"},
		{"rtsp://cam/live", "track1", "rtsp://cam/live/track1"},
		{"rtsp://cam/live", "rtsp://cam/other/track1", "rtsp://cam/other/track1"},
		{"rtsp://cam/live", "*", "rtsp://cam/live"},
		{"rtsp://cam/live", "", "rtsp://cam/live"},
	}
	for _, tt := range tests {
		t.Run(tt.control, func(t *testing.T) {
			assert.Equal(t, tt.want, joinControl(tt.base, tt.control))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "setupVideo", SetupVideo.String())
	assert.True(t, Playing.IsActive())
	assert.False(t, Error.IsActive())
}
