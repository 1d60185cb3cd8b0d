package pubsub

import (
	"testing"

	"github.com/opennetcam/vchannel/internal/config"
	"github.com/opennetcam/vchannel/internal/pubsub/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestNewPubSubErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.PubSub
	}{
		{"unknown adapter", config.PubSub{Adapter: "kafka", Adapters: map[string]interface{}{"kafka": nil}}},
		{"missing block", config.PubSub{Adapter: "redis", Adapters: map[string]interface{}{}}},
		{"bad redis block", config.PubSub{Adapter: "redis", Adapters: map[string]interface{}{
			"redis": map[string]interface{}{"address": []int{1}},
		}}},
		{"bad mqtt encoding", config.PubSub{Adapter: "mqtt", Adapters: map[string]interface{}{
			"mqtt": map[string]interface{}{"broker": "tcp://127.0.0.1:1", "encoding": "xml"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps, err := NewPubSub(tt.cfg, "test")
			assert.Error(t, err)
			assert.Nil(t, ps)
		})
	}
}

func TestPayloadJSONPassthrough(t *testing.T) {
	msg := []byte(`{id:'motion'}`)
	out, err := encodePayload("json", msg)
	require.NoError(t, err)
	assert.Equal(t, msg, out)

	out, err = decodePayload("", msg)
	require.NoError(t, err)
	assert.Equal(t, msg, out)
}

func TestPayloadMsgpack(t *testing.T) {
	wire, err := msgpack.Marshal(map[string]interface{}{
		"id":       "stream",
		"deviceId": "3",
		"url":      "rtsp://10.0.0.7/live",
	})
	require.NoError(t, err)

	msg, err := decodePayload("msgpack", wire)
	require.NoError(t, err)

	e := events.Decode(msg)
	require.True(t, e.IsValid(), e.Err())
	assert.Equal(t, "3", e.DeviceId)
	assert.Equal(t, "rtsp://10.0.0.7/live", e.Stream().URL)

	_, err = decodePayload("msgpack", []byte{0xc1})
	assert.Error(t, err)
}

func TestPayloadMsgpackOutbound(t *testing.T) {
	out, err := encodePayload("msgpack", []byte(`{"id":"deviceState","state":4}`))
	require.NoError(t, err)

	var v map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(out, &v))
	assert.Equal(t, "deviceState", v["id"])
	assert.EqualValues(t, 4, v["state"])

	_, err = encodePayload("msgpack", []byte("not json"))
	assert.Error(t, err)
}
