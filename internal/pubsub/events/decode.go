package events

import (
	"github.com/titanous/json5"
)

// Event is a decoded inbound message. The typed accessors return nil when
// the message is not of that kind or could not be decoded.
type Event struct {
	Id       string
	DeviceId string
	msg      interface{}
	err      error
}

func (e *Event) IsValid() bool {
	return e != nil && e.err == nil && e.msg != nil
}

func (e *Event) Err() error {
	return e.err
}

func (e *Event) Command() *Command {
	c, _ := e.msg.(*Command)
	return c
}

func (e *Event) UpdateSchedule() *UpdateSchedule {
	c, _ := e.msg.(*UpdateSchedule)
	return c
}

func (e *Event) Stream() *Stream {
	c, _ := e.msg.(*Stream)
	return c
}

type validator interface {
	Validate() error
}

func Decode(message []byte) *Event {
	e := &Event{}

	m := make(map[string]interface{})
	if e.err = json5.Unmarshal(message, &m); e.err != nil {
		return e
	}
	e.Id, _ = m["id"].(string)
	e.DeviceId, _ = m["deviceId"].(string)

	var r validator
	switch e.Id {
	case UpdateScheduleKey:
		r = &UpdateSchedule{}
	case StreamKey:
		r = &Stream{}
	case MotionKey, EventKey, NoRecordKey, StartStopKey, ShutdownKey, GetStatusKey:
		r = &Command{}
	default:
		// our own outbound events come back on shared channels
		return e
	}

	if e.err = json5.Unmarshal(message, r); e.err != nil {
		return e
	}
	if e.err = r.Validate(); e.err != nil {
		return e
	}
	e.msg = r
	return e
}
