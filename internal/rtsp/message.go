package rtsp

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

const (
	protocol         = "RTSP/1.0"
	interleavedMagic = 0x24
	maxBodySize      = 1 << 20
)

var ErrMalformedResponse = errors.New("malformed rtsp response")

type headerField struct {
	key   string
	value string
}

// Request is an outgoing RTSP request. Headers are written in the order
// they were added.
type Request struct {
	Method string
	URL    string
	Header []headerField
}

func NewRequest(method, url string, cseq int) *Request {
	r := &Request{Method: method, URL: url}
	r.Add("CSeq", strconv.Itoa(cseq))
	return r
}

func (r *Request) Add(key, value string) {
	r.Header = append(r.Header, headerField{key, value})
}

func (r *Request) Get(key string) string {
	for _, h := range r.Header {
		if strings.EqualFold(h.key, key) {
			return h.value
		}
	}
	return ""
}

func (r *Request) Marshal() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", r.Method, r.URL, protocol)
	for _, h := range r.Header {
		fmt.Fprintf(&b, "%s: %s\r\n", h.key, h.value)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// Response is a parsed RTSP response.
type Response struct {
	StatusCode int
	Status     string
	Header     textproto.MIMEHeader
	Body       []byte
}

// CSeq returns the sequence number of the response, -1 when absent.
func (r *Response) CSeq() int {
	n, err := strconv.Atoi(strings.TrimSpace(r.Header.Get("CSeq")))
	if err != nil {
		return -1
	}
	return n
}

// Session returns the session id without its parameters.
func (r *Response) Session() string {
	id, _, _ := strings.Cut(r.Header.Get("Session"), ";")
	return strings.TrimSpace(id)
}

// ReadResponse reads a status line, the headers and a body of
// Content-Length bytes. It blocks until the whole body is buffered.
func ReadResponse(br *bufio.Reader) (*Response, error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "RTSP/") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	code, status, _ := strings.Cut(strings.TrimSpace(rest), " ")
	res := &Response{Status: status}
	if res.StatusCode, err = strconv.Atoi(code); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}

	if res.Header, err = tp.ReadMIMEHeader(); err != nil {
		return nil, err
	}

	if cl := res.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 || n > maxBodySize {
			return nil, fmt.Errorf("%w: content length %q", ErrMalformedResponse, cl)
		}
		res.Body = make([]byte, n)
		if _, err := io.ReadFull(br, res.Body); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// readInterleaved reads one "$" framed packet into buf, growing it when
// needed, and returns the channel and the payload.
func readInterleaved(br *bufio.Reader, buf []byte) (int, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return 0, nil, err
	}
	if header[0] != interleavedMagic {
		return 0, nil, fmt.Errorf("%w: bad interleaved magic 0x%02x", ErrMalformedResponse, header[0])
	}
	n := int(header[2])<<8 | int(header[3])
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(br, buf); err != nil {
		return 0, nil, err
	}
	return int(header[1]), buf, nil
}

// Public lists the methods announced in an OPTIONS reply.
type Public struct {
	Describe bool
	Setup    bool
	Play     bool
	Pause    bool
	Record   bool
	Teardown bool
}

func ParsePublic(v string) Public {
	return Public{
		Describe: strings.Contains(v, "DESCRIBE"),
		Setup:    strings.Contains(v, "SETUP"),
		Play:     strings.Contains(v, "PLAY"),
		Pause:    strings.Contains(v, "PAUSE"),
		Record:   strings.Contains(v, "RECORD"),
		Teardown: strings.Contains(v, "TEARDOWN"),
	}
}

// BasicAuth returns the Authorization value for user and password, empty
// when there is no user.
func BasicAuth(user, password string) string {
	if user == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}
