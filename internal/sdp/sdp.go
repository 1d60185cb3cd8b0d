// Package sdp reads the session descriptions returned by cameras in DESCRIBE
// responses. Parsing is lenient: unknown or malformed lines are skipped.
package sdp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const (
	videoBasePort = 61014
	audioBasePort = 51990
)

// Media is one media block of a description (session, video or audio).
type Media struct {
	Media     string
	Port      int
	Protocol  string
	Format    int
	Control   string
	RtpMap    map[int]string
	Transport map[string]string
	Fmtp      map[string]string

	deviceOrder int
}

// IsEmpty reports whether the media was absent from the description.
func (m *Media) IsEmpty() bool {
	return m.Control == ""
}

func (m *Media) Clear() {
	*m = Media{deviceOrder: m.deviceOrder}
}

// Codec returns the rtpmap encoding name of the media format, e.g. "H264/90000".
func (m *Media) Codec() string {
	return m.RtpMap[m.Format]
}

func (m *Media) setMedia(line string) {
	fields := strings.Split(line, " ")
	switch {
	case len(fields) >= 4:
		m.Format, _ = strconv.Atoi(fields[3])
		fallthrough
	case len(fields) == 3:
		m.Protocol = fields[2]
		fallthrough
	case len(fields) == 2:
		m.Port, _ = strconv.Atoi(fields[1])
		fallthrough
	default:
		m.Media = fields[0]
	}

	port := 2 * m.deviceOrder
	switch {
	case strings.Contains(m.Media, "video"):
		port += videoBasePort
	case strings.Contains(m.Media, "audio"):
		port += audioBasePort
	default:
		return
	}
	m.SetTransportValue("client_port", fmt.Sprintf("%d-%d", port, port+1))
}

func (m *Media) setAttribute(a string) {
	switch {
	case strings.HasPrefix(a, "rtpmap:"):
		fields := strings.Split(strings.TrimPrefix(a, "rtpmap:"), " ")
		if len(fields) > 1 {
			if pt, err := strconv.Atoi(fields[0]); err == nil {
				if m.RtpMap == nil {
					m.RtpMap = make(map[int]string)
				}
				m.RtpMap[pt] = fields[1]
			}
		}

	case strings.HasPrefix(a, "control:"):
		m.Control = strings.TrimPrefix(a, "control:")

	case strings.HasPrefix(a, "fmtp:"):
		pos := strings.IndexByte(a, ' ')
		if pos <= 0 {
			return
		}
		params := strings.TrimSpace(a[pos+1:])
		if len(params) <= 1 {
			return
		}
		for _, kv := range strings.Split(params, ";") {
			eq := strings.IndexByte(kv, '=')
			if eq <= 0 {
				continue
			}
			if m.Fmtp == nil {
				m.Fmtp = make(map[string]string)
			}
			m.Fmtp[strings.TrimSpace(kv[:eq])] = strings.TrimSpace(kv[eq+1:])
		}
	}
}

func (m *Media) SetTransportValue(key, value string) {
	if m.Transport == nil {
		m.Transport = make(map[string]string)
	}
	m.Transport[key] = value
}

// SetTransport merges a Transport header ("a;b=c;...") into the transport map.
func (m *Media) SetTransport(t string) {
	for _, part := range strings.Split(t, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			m.SetTransportValue(k, v)
		} else {
			m.SetTransportValue(part, "")
		}
	}
}

// PortPair parses a "p1-p2" transport value. The second port is optional.
func (m *Media) PortPair(key string) (int, int, bool) {
	v, ok := m.Transport[key]
	if !ok || v == "" {
		return 0, 0, false
	}
	first, second, _ := strings.Cut(v, "-")
	p1, err := strconv.Atoi(first)
	if err != nil {
		return 0, 0, false
	}
	p2, err := strconv.Atoi(second)
	if err != nil {
		p2 = p1 + 1
	}
	return p1, p2, true
}

// ParameterSets decodes the H.264 SPS and PPS carried in sprop-parameter-sets.
func (m *Media) ParameterSets() (sps []byte, pps []byte, err error) {
	val, ok := m.Fmtp["sprop-parameter-sets"]
	if !ok {
		return nil, nil, fmt.Errorf("sprop-parameter-sets not present")
	}
	first, second, ok := strings.Cut(val, ",")
	if !ok {
		return nil, nil, fmt.Errorf("invalid sprop-parameter-sets (%v)", val)
	}

	if sps, err = base64.StdEncoding.DecodeString(first); err != nil {
		return nil, nil, fmt.Errorf("invalid sprop-parameter-sets (%v)", val)
	}
	sps = bytes.TrimPrefix(sps, []byte{0, 0, 0, 1})

	if pps, err = base64.StdEncoding.DecodeString(second); err != nil {
		return nil, nil, fmt.Errorf("invalid sprop-parameter-sets (%v)", val)
	}
	pps = bytes.TrimPrefix(pps, []byte{0, 0, 0, 1})

	if len(sps) == 0 || h264.NALUType(sps[0]&0x1F) != h264.NALUTypeSPS {
		return nil, nil, fmt.Errorf("sprop-parameter-sets does not start with a SPS")
	}
	return sps, pps, nil
}

// SessionDescription is the parsed result of a DESCRIBE body.
type SessionDescription struct {
	Version    int
	Originator string
	Connection string

	Session Media
	Video   Media
	Audio   Media
}

func (sd *SessionDescription) Clear() {
	sd.Version = -1
	sd.Originator = ""
	sd.Connection = ""
	sd.Session.Clear()
	sd.Video.Clear()
	sd.Audio.Clear()
}

// Parse splits body into lines and interprets them.
func Parse(body []byte, deviceOrder int) *SessionDescription {
	sd := &SessionDescription{}
	sd.Interpret(strings.Split(string(body), "\n"), deviceOrder)
	return sd
}

// Interpret scans lines once. Media blocks take the attribute lines that
// follow them and stop at the first line they do not accept.
func (sd *SessionDescription) Interpret(lines []string, deviceOrder int) {
	sd.Version = -1
	sd.Session.deviceOrder = deviceOrder
	sd.Video.deviceOrder = deviceOrder
	sd.Audio.deviceOrder = deviceOrder

	// consume feeds lines following i to set while accept allows them and
	// returns the index of the last consumed line.
	consume := func(i int, accept func(prefix string) bool, set func(attr string)) int {
		for i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if len(next) < 2 || next[1] != '=' || !accept(next[:2]) {
				break
			}
			if next[:2] == "a=" {
				set(strings.TrimSpace(next[2:]))
			}
			i++
		}
		return i
	}

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		switch {
		case strings.HasPrefix(line, "v="):
			if v, err := strconv.Atoi(line[2:]); err == nil {
				sd.Version = v
			}

		case strings.HasPrefix(line, "o="):
			sd.Originator = strings.TrimSpace(line[2:])

		case strings.HasPrefix(line, "c="):
			sd.Connection = strings.TrimSpace(line[2:])

		case strings.HasPrefix(line, "s="):
			name := strings.TrimSpace(line[2:])
			if !strings.HasPrefix(name, "NVT") {
				continue
			}
			sd.Video.setMedia(name)
			i = consume(i, func(p string) bool {
				return p == "a=" || p == "c=" || p == "i=" || p == "t="
			}, sd.Session.setAttribute)

		case strings.HasPrefix(line, "m="):
			desc := strings.TrimSpace(line[2:])
			switch {
			case strings.HasPrefix(desc, "video"):
				sd.Video.setMedia(desc)
				i = consume(i, func(p string) bool {
					return p == "a=" || p == "b=" || p == "c="
				}, sd.Video.setAttribute)
			case strings.HasPrefix(desc, "audio"):
				sd.Audio.setMedia(desc)
				i = consume(i, func(p string) bool {
					return p == "a=" || p == "c="
				}, sd.Audio.setAttribute)
			}
		}
	}
}
