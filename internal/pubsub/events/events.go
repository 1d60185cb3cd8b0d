package events

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/opennetcam/vchannel/internal/schedule"
)

const (
	// inbound
	MotionKey         = "motion"
	EventKey          = "event"
	UpdateScheduleKey = "updateSchedule"
	NoRecordKey       = "noRecord"
	StartStopKey      = "startStop"
	StreamKey         = "stream"
	ShutdownKey       = "shutdown"
	GetStatusKey      = "getStatus"

	// outbound
	DeviceStateKey = "deviceState"
	DeviceEventKey = "deviceEvent"
	NewFileKey     = "newFile"
	StatusKey      = "status"
)

var commands = map[string]bool{
	MotionKey:         true,
	EventKey:          true,
	UpdateScheduleKey: true,
	NoRecordKey:       true,
	StartStopKey:      true,
	StreamKey:         true,
	ShutdownKey:       true,
	GetStatusKey:      true,
}

/*
Commands (controller -> vchannel)
```JSON5
{
	id: 'motion' | 'event' | 'noRecord' | 'startStop' | 'shutdown' | 'getStatus',
	deviceId: <String>, // optional, all devices when empty
}
```
*/

type Command struct {
	Id       string `json:"id,omitempty"`
	DeviceId string `json:"deviceId,omitempty"`
}

func (c *Command) Validate() error {
	if !commands[c.Id] {
		return fmt.Errorf("unknown command %q", c.Id)
	}
	return nil
}

/*
updateSchedule (controller -> vchannel)
```JSON5
{
	id: 'updateSchedule',
	deviceId: <String>,
	schedule: <String>, // ID-MODE-DAYS-HH:mm-HH:mm
}
```
*/

type UpdateSchedule struct {
	Id       string `json:"id,omitempty"`
	DeviceId string `json:"deviceId,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

func (c *UpdateSchedule) Validate() error {
	if c.Schedule == "" {
		return errors.New("missing schedule")
	}
	_, err := schedule.ParseRule(c.Schedule)
	return err
}

/*
stream (controller -> vchannel)
```JSON5
{
	id: 'stream',
	deviceId: <String>,
	url: <String>, // rtsp://host[:port]/path
}
```
*/

type Stream struct {
	Id       string `json:"id,omitempty"`
	DeviceId string `json:"deviceId,omitempty"`
	URL      string `json:"url,omitempty"`
}

func (c *Stream) Validate() error {
	if c.URL == "" {
		return errors.New("missing url")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "rtsp" || u.Host == "" {
		return fmt.Errorf("not an rtsp url: %s", c.URL)
	}
	return nil
}

/*
deviceState (vchannel -> controller)
```JSON5
{
	id: 'deviceState',
	deviceId: <String>,
	state: <Number>,
	stateName: <String>,
	status: <String>,
	text: '<vchannel device="ID" state="N">status</vchannel>',
}
```
*/

type DeviceState struct {
	Id        string `json:"id,omitempty"`
	DeviceId  string `json:"deviceId,omitempty"`
	State     int    `json:"state"`
	StateName string `json:"stateName,omitempty"`
	Status    string `json:"status,omitempty"`
	Text      string `json:"text,omitempty"`
}

func NewDeviceState(device string, state int, stateName, status string) *DeviceState {
	return &DeviceState{
		Id:        DeviceStateKey,
		DeviceId:  device,
		State:     state,
		StateName: stateName,
		Status:    status,
		Text:      LegacyText(device, state, status),
	}
}

// LegacyText renders the state line understood by older controllers.
func LegacyText(device string, state int, text string) string {
	var b bytes.Buffer
	b.WriteString(`<vchannel device="`)
	_ = xml.EscapeText(&b, []byte(device))
	fmt.Fprintf(&b, `" state="%d">`, state)
	_ = xml.EscapeText(&b, []byte(text))
	b.WriteString("</vchannel>")
	return b.String()
}

/*
deviceEvent (vchannel -> controller)
```JSON5
{
	id: 'deviceEvent',
	deviceId: <String>,
	text: <String>, // e.g. 'Start playing 10.0.0.7'
	timestampUTC: <Date>,
}
```
*/

type DeviceEvent struct {
	Id           string    `json:"id,omitempty"`
	DeviceId     string    `json:"deviceId,omitempty"`
	Text         string    `json:"text,omitempty"`
	TimestampUTC time.Time `json:"timestampUTC"`
}

func NewDeviceEvent(device, text string) *DeviceEvent {
	return &DeviceEvent{
		Id:           DeviceEventKey,
		DeviceId:     device,
		Text:         text,
		TimestampUTC: time.Now().UTC(),
	}
}

/*
newFile (vchannel -> controller)
```JSON5
{
	id: 'newFile',
	deviceId: <String>,
	path: <String>,
	time: <Number>,   // segment start, unix seconds
	length: <Number>, // seconds
	type: 'N' | 'M' | 'E',
}
```
*/

type NewFile struct {
	Id       string `json:"id,omitempty"`
	DeviceId string `json:"deviceId,omitempty"`
	Path     string `json:"path,omitempty"`
	Time     int64  `json:"time"`
	Length   int    `json:"length"`
	Type     string `json:"type,omitempty"`
}

func NewNewFile(device, path string, start time.Time, length time.Duration, tag schedule.Tag) *NewFile {
	return &NewFile{
		Id:       NewFileKey,
		DeviceId: device,
		Path:     path,
		Time:     start.Unix(),
		Length:   int(length / time.Second),
		Type:     string(tag),
	}
}

/*
motion (vchannel -> controller)
```JSON5
{
	id: 'motion',
	deviceId: <String>,
	timestampUTC: <Date>,
}
```
*/

type Motion struct {
	Id           string    `json:"id,omitempty"`
	DeviceId     string    `json:"deviceId,omitempty"`
	TimestampUTC time.Time `json:"timestampUTC"`
}

func NewMotion(device string, ts time.Time) *Motion {
	return &Motion{
		Id:           MotionKey,
		DeviceId:     device,
		TimestampUTC: ts.UTC(),
	}
}

/*
status (vchannel -> controller), reply to getStatus
```JSON5
{
	id: 'status',
	deviceId: <String>,
	version: <String>,
	instanceId: <String>,
	state: <Number>,
	stateName: <String>,
	status: <String>,
	url: <String>,
	schedule: <String>,
	recording: <Boolean>,
}
```
*/

type Status struct {
	Id         string `json:"id,omitempty"`
	DeviceId   string `json:"deviceId,omitempty"`
	Version    string `json:"version,omitempty"`
	InstanceId string `json:"instanceId,omitempty"`
	State      int    `json:"state"`
	StateName  string `json:"stateName,omitempty"`
	Status     string `json:"status,omitempty"`
	URL        string `json:"url,omitempty"`
	Schedule   string `json:"schedule,omitempty"`
	Recording  bool   `json:"recording"`
}

// Matches reports whether a command addressed to device applies to id.
func Matches(device, id string) bool {
	return device == "" || strings.EqualFold(device, id)
}
