package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient overrides the calls the notifier makes; anything else panics on
// the nil embedded interface.
type fakeClient struct {
	mqtt.Client
	connected  bool
	publishErr error
	sent       []published
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Connect() mqtt.Token {
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) { c.connected = false }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.sent = append(c.sent, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return &fakeToken{err: c.publishErr}
}

func TestMQTTNotifier_PublishesRetainedEvent(t *testing.T) {
	client := &fakeClient{}
	n := newMQTTNotifier(client, "stations/liveness/", slog.Default())
	require.NoError(t, n.Connect(context.Background()))

	at := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, n.Notify(context.Background(), Event{Device: "back garden", Live: false, At: at, Reason: "timeout"}))

	require.Len(t, client.sent, 1)
	msg := client.sent[0]
	assert.Equal(t, "stations/liveness/back_garden", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retained)

	var got Event
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, "back garden", got.Device)
	assert.False(t, got.Live)
	assert.Equal(t, "timeout", got.Reason)
	assert.True(t, at.Equal(got.At))
}

func TestMQTTNotifier_Errors(t *testing.T) {
	client := &fakeClient{}
	n := newMQTTNotifier(client, "liveness", nil)

	err := n.Notify(context.Background(), Event{Device: "roof"})
	assert.ErrorContains(t, err, "not connected")

	client.connected = true
	client.publishErr = errors.New("broker gone")
	err = n.Notify(context.Background(), Event{Device: "roof"})
	assert.ErrorContains(t, err, "broker gone")

	n.Close()
	assert.False(t, client.connected)
}

func TestLogNotifier_WritesTransitions(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, n.Notify(context.Background(), Event{Device: "roof", Live: false, Reason: "boom"}))
	require.NoError(t, n.Notify(context.Background(), Event{Device: "roof", Live: true}))

	out := buf.String()
	assert.Contains(t, out, "device connection lost")
	assert.Contains(t, out, "reason=boom")
	assert.Contains(t, out, "device connection restored")
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, Event) error { return f.err }

func TestMulti_JoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	errA := errors.New("a")
	m := Multi(failingNotifier{errA}, NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil))))

	err := m.Notify(context.Background(), Event{Device: "roof", Live: true})

	assert.ErrorIs(t, err, errA)
	assert.Contains(t, buf.String(), "restored", "later notifiers still run")
}
