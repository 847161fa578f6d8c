package emitter

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []message
	err      error
	closed   bool
}

func (f *fakePublisher) Publish(topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.messages = append(f.messages, message{topic: topic, qos: qos, payload: payload})

	return nil
}

func (f *fakePublisher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func TestEmitJSON(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	e := New(pub, Options{Topic: "drone/events/", Encoding: EncodingJSON, RunID: "run-1"})
	e.now = func() time.Time { return time.Unix(100, 250_000_000) }

	require.NoError(t, e.Emit(t.Context(), EventTriggered, map[string]any{"trigger_seq": 12}))

	require.Len(t, pub.messages, 1)
	require.Equal(t, "drone/events/triggered", pub.messages[0].topic)
	require.Equal(t, byte(1), pub.messages[0].qos)

	var got map[string]any
	require.NoError(t, json.Unmarshal(pub.messages[0].payload, &got))
	require.Equal(t, "triggered", got["event"])
	require.Equal(t, "run-1", got["run_id"])
	require.InDelta(t, 100.25, got["timestamp"], 1e-9)
	require.Equal(t, map[string]any{"trigger_seq": float64(12)}, got["fields"])

	require.Equal(t, uint64(1), e.Stats().Published["drone/events/triggered"])
}

func TestEmitMsgpack(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	e := New(pub, Options{Topic: "t", Encoding: EncodingMsgpack, RunID: "run-2"})

	require.NoError(t, e.Emit(t.Context(), EventStarted, nil))

	var got Event
	require.NoError(t, msgpack.Unmarshal(pub.messages[0].payload, &got))
	require.Equal(t, EventStarted, got.Name)
	require.Equal(t, "run-2", got.RunID)
	require.Empty(t, got.Fields)
}

func TestEmitFailureIsCounted(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{err: ErrNotConnected}

	var failures int

	e := New(pub, Options{Topic: "t", OnError: func() { failures++ }})

	err := e.Emit(t.Context(), EventStopped, nil)
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 1, failures)
	require.Equal(t, uint64(1), e.Stats().Errors)
}

func TestEmitUnknownEncoding(t *testing.T) {
	t.Parallel()

	e := New(&fakePublisher{}, Options{Topic: "t", Encoding: "xml"})

	err := e.Emit(t.Context(), EventFatal, nil)
	require.ErrorIs(t, err, ErrUnknownEncoding)
	require.Equal(t, uint64(1), e.Stats().Errors)
}

func TestNilEmitter(t *testing.T) {
	t.Parallel()

	var e *Emitter

	require.NoError(t, e.Emit(t.Context(), EventStarted, nil))
	require.Empty(t, e.Stats().Published)
	e.Close()
}

func TestClose(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	New(pub, Options{}).Close()
	require.True(t, pub.closed)
}
