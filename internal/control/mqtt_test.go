package control

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strandcam/internal/camera"
	"strandcam/internal/detect"
	"strandcam/internal/dispatcher"
	"strandcam/internal/processing"
	"strandcam/internal/store"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]mqtt.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return doneToken{}
}

func (c *fakeClient) on(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, p := range c.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func testOptions() MQTTOptions {
	return MQTTOptions{Broker: "localhost:1883", TopicPrefix: "cam1", QoS: 1}
}

func TestMQTTCommandForwarded(t *testing.T) {
	client := newFakeClient()
	commands := make(chan dispatcher.ControlCommand, 1)
	b := NewMQTTBridge(client, testOptions(), nil, commands, nil)
	require.NoError(t, b.Start())
	require.Contains(t, client.handlers, "cam1/command")

	b.handlePayload([]byte(`{"command":"SetIsRecordingMkv","value":true}`))
	assert.Equal(t, dispatcher.SetIsRecordingMkv{Value: true}, <-commands)

	resp := client.on("cam1/response")
	require.Len(t, resp, 1)
	var r Response
	require.NoError(t, json.Unmarshal(resp[0].payload, &r))
	assert.Equal(t, "SetIsRecordingMkv", r.CommandAck)
	assert.Equal(t, "accepted", r.Status)

	b.Stop()
	assert.NotContains(t, client.handlers, "cam1/command")
}

func TestMQTTInvalidCommand(t *testing.T) {
	client := newFakeClient()
	commands := make(chan dispatcher.ControlCommand, 1)
	b := NewMQTTBridge(client, testOptions(), nil, commands, nil)

	b.handlePayload([]byte(`not json`))
	assert.Empty(t, commands)

	resp := client.on("cam1/response")
	require.Len(t, resp, 1)
	var r Response
	require.NoError(t, json.Unmarshal(resp[0].payload, &r))
	assert.Equal(t, "error", r.Status)
}

func TestMQTTPublishesStateAndPoints(t *testing.T) {
	client := newFakeClient()
	shared := store.New(store.NewSharedState(camera.NewSynthetic(8, 8, 10).Info()))
	b := NewMQTTBridge(client, testOptions(), shared, nil, nil)
	tracker := make(chan processing.Detections, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, tracker) }()

	require.Eventually(t, func() bool { return len(client.on("cam1/state")) == 1 }, time.Second, 5*time.Millisecond)
	shared.Modify(func(s *store.SharedState) { s.DeviceLost = true })
	require.Eventually(t, func() bool { return len(client.on("cam1/state")) == 2 }, time.Second, 5*time.Millisecond)

	states := client.on("cam1/state")
	assert.True(t, states[1].retained)
	var st store.SharedState
	require.NoError(t, json.Unmarshal(states[1].payload, &st))
	assert.True(t, st.DeviceLost)

	tracker <- processing.Detections{Fno: 7, Source: "detector", Points: []detect.Point{{X: 1, Y: 2}}}
	require.Eventually(t, func() bool { return len(client.on("cam1/points")) == 1 }, time.Second, 5*time.Millisecond)
	var pm PointsMessage
	require.NoError(t, json.Unmarshal(client.on("cam1/points")[0].payload, &pm))
	assert.Equal(t, uint64(7), pm.Fno)
	require.Len(t, pm.Points, 1)

	cancel()
	require.NoError(t, <-done)
}
