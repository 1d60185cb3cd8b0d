package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/opennetcam/vchannel/internal/schedule"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		wantValid bool
		wantId    string
		wantDev   string
	}{
		{
			name:      "motion",
			message:   `{id: 'motion', deviceId: '1'}`,
			wantValid: true,
			wantId:    MotionKey,
			wantDev:   "1",
		},
		{
			name:      "broadcast getStatus",
			message:   `{"id":"getStatus"}`,
			wantValid: true,
			wantId:    GetStatusKey,
		},
		{
			name:      "update schedule",
			message:   `{id: 'updateSchedule', deviceId: '7', schedule: '00-01-255-00:00-23:59'}`,
			wantValid: true,
			wantId:    UpdateScheduleKey,
			wantDev:   "7",
		},
		{
			name:      "bad schedule",
			message:   `{id: 'updateSchedule', schedule: '00-09-255-00:00-23:59'}`,
			wantValid: false,
			wantId:    UpdateScheduleKey,
		},
		{
			name:      "stream",
			message:   `{id: 'stream', url: 'rtsp://10.0.0.7:554/live'}`,
			wantValid: true,
			wantId:    StreamKey,
		},
		{
			name:      "stream without rtsp scheme",
			message:   `{id: 'stream', url: 'http://10.0.0.7/live'}`,
			wantValid: false,
			wantId:    StreamKey,
		},
		{
			name:      "own outbound event",
			message:   `{id: 'newFile', path: '/r/x.avi'}`,
			wantValid: false,
			wantId:    NewFileKey,
		},
		{
			name:      "garbage",
			message:   `{id: `,
			wantValid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Decode([]byte(tt.message))
			if e.IsValid() != tt.wantValid {
				t.Errorf("Decode().IsValid() = %v, want %v (err %v)", e.IsValid(), tt.wantValid, e.Err())
			}
			if e.Id != tt.wantId {
				t.Errorf("Decode().Id = %q, want %q", e.Id, tt.wantId)
			}
			if e.DeviceId != tt.wantDev {
				t.Errorf("Decode().DeviceId = %q, want %q", e.DeviceId, tt.wantDev)
			}
		})
	}
}

func TestDecodeAccessors(t *testing.T) {
	e := Decode([]byte(`{id: 'stream', deviceId: '3', url: 'rtsp://cam/live'}`))
	if e.Stream() == nil || e.Stream().URL != "rtsp://cam/live" {
		t.Fatalf("Stream() = %+v", e.Stream())
	}
	if e.Command() != nil || e.UpdateSchedule() != nil {
		t.Errorf("unexpected accessor match")
	}

	e = Decode([]byte(`{id: 'noRecord'}`))
	if e.Command() == nil || e.Command().Id != NoRecordKey {
		t.Errorf("Command() = %+v", e.Command())
	}
}

func TestLegacyText(t *testing.T) {
	tests := []struct {
		device string
		state  int
		text   string
		want   string
	}{
		{"1", 4, "Playing", `<vchannel device="1" state="4">Playing</vchannel>`},
		{"a&b", 0, "<none>", `<vchannel device="a&amp;b" state="0">&lt;none&gt;</vchannel>`},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := LegacyText(tt.device, tt.state, tt.text); got != tt.want {
				t.Errorf("LegacyText() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewNewFile(t *testing.T) {
	start := time.Unix(1700000000, 0)
	f := NewNewFile("1", "/r/AV.1.1700000000.180.M.avi", start, 180*time.Second+400*time.Millisecond, schedule.TagMotion)

	b, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":"newFile","deviceId":"1","path":"/r/AV.1.1700000000.180.M.avi","time":1700000000,"length":180,"type":"M"}`
	if string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}
}

func TestMatches(t *testing.T) {
	if !Matches("", "1") || !Matches("1", "1") || Matches("2", "1") {
		t.Errorf("Matches() mismatch")
	}
}
