package rpc_test

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotelab/ratefeed/internal/notify"
	"github.com/quotelab/ratefeed/internal/rates"
	"github.com/quotelab/ratefeed/internal/rpc"
)

// fakeTransport is an in-process Transport. Tests feed inbound frames
// through in and read outbound frames from out.
type fakeTransport struct {
	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case t.out <- cp:
		return nil
	case <-t.closed:
		return io.EOF
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) send(tt *testing.T, frame string) {
	tt.Helper()
	select {
	case t.in <- []byte(frame):
	case <-time.After(time.Second):
		tt.Fatal("timed out feeding a frame")
	}
}

func (t *fakeTransport) nextFrame(tt *testing.T) []byte {
	tt.Helper()
	select {
	case data := <-t.out:
		return data
	case <-time.After(2 * time.Second):
		tt.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (t *fakeTransport) expectSilence(tt *testing.T, d time.Duration) {
	tt.Helper()
	select {
	case data := <-t.out:
		tt.Fatalf("unexpected frame: %s", data)
	case <-time.After(d):
	}
}

type envelope struct {
	Action  string          `json:"action"`
	Message json.RawMessage `json:"message"`
}

func decodeEnvelope(t *testing.T, frame []byte) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	return env
}

func startDispatcher(t *testing.T, store rates.Store) *fakeTransport {
	t.Helper()
	ft := newFakeTransport()
	logger := zerolog.Nop()
	conn := rpc.NewConn(ft, logger)
	session := rpc.NewSession(store, notify.Noop{}, logger)
	dispatcher := rpc.NewDispatcher(conn, session, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dispatcher.Run(context.Background())
	}()
	t.Cleanup(func() {
		conn.Disconnect()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return ft
}

func TestDispatcherAssets(t *testing.T) {
	ft := startDispatcher(t, seededStore(t))

	ft.send(t, `{"action":"assets","message":{}}`)
	env := decodeEnvelope(t, ft.nextFrame(t))
	assert.Equal(t, "assets", env.Action)
	assert.JSONEq(t,
		`{"assets":[{"id":1,"name":"EURUSD"},{"id":2,"name":"USDJPY"}]}`,
		string(env.Message))
}

func TestDispatcherUnknownAction(t *testing.T) {
	ft := startDispatcher(t, seededStore(t))

	ft.send(t, `{"action":"frobnicate","message":{}}`)
	assert.JSONEq(t,
		`{"action":"frobnicate","message":{"errors":[{"msg":"Unknown action"}]}}`,
		string(ft.nextFrame(t)))
}

func TestDispatcherMalformedFrames(t *testing.T) {
	ft := startDispatcher(t, seededStore(t))

	// Unparsable frames are answered with raw text.
	ft.send(t, `not json at all`)
	assert.Equal(t, "Could not parse the JSON command", string(ft.nextFrame(t)))

	// Non-object frames name the offending type.
	ft.send(t, `[1,2,3]`)
	assert.Equal(t,
		"Invalid type of the message: array. Command must be a valid JSON mapping",
		string(ft.nextFrame(t)))

	// Envelope violations come back as a bare errors object.
	ft.send(t, `{}`)
	frame := ft.nextFrame(t)
	var errMsg rpc.ErrorMessage
	require.NoError(t, json.Unmarshal(frame, &errMsg))
	require.Len(t, errMsg.Errors, 2)
	assert.Equal(t, "action", errMsg.Errors[0].Loc)
	assert.Equal(t, "message", errMsg.Errors[1].Loc)

	// The connection survives all of it.
	ft.send(t, `{"action":"assets","message":{}}`)
	assert.Equal(t, "assets", decodeEnvelope(t, ft.nextFrame(t)).Action)
}

func TestDispatcherSubscribeValidation(t *testing.T) {
	ft := startDispatcher(t, seededStore(t))

	ft.send(t, `{"action":"subscribe","message":{}}`)
	assert.JSONEq(t,
		`{"errors":[{"loc":"assetId","msg":"Field required","input":{}}]}`,
		string(ft.nextFrame(t)))

	ft.send(t, `{"action":"subscribe","message":{"assetId":"one"}}`)
	assert.JSONEq(t,
		`{"errors":[{"loc":"assetId","msg":"Input should be a valid integer","input":"one"}]}`,
		string(ft.nextFrame(t)))
}

func TestDispatcherSubscribeUnknownAsset(t *testing.T) {
	ft := startDispatcher(t, seededStore(t))

	ft.send(t, `{"action":"subscribe","message":{"assetId":99}}`)
	assert.JSONEq(t,
		`{"action":"subscribe","message":{"errors":[{"msg":"Asset with id=99 does not exist"}]}}`,
		string(ft.nextFrame(t)))
}

func TestDispatcherSubscribeEmptyHistory(t *testing.T) {
	ft := startDispatcher(t, seededStore(t))

	ft.send(t, `{"action":"subscribe","message":{"assetId":1}}`)
	assert.JSONEq(t,
		`{"action":"points","message":{"errors":[{"msg":"No points to return"}]}}`,
		string(ft.nextFrame(t)))
}

func TestDispatcherSubscribeStreamsHistoryThenPoints(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	now := time.Now().Unix()
	_, err := store.UpsertPoint(ctx, 1, now-3, 1.16)
	require.NoError(t, err)
	_, err = store.UpsertPoint(ctx, 1, now-2, 1.17)
	require.NoError(t, err)

	ft := startDispatcher(t, store)

	ft.send(t, `{"action":"subscribe","message":{"assetId":1}}`)
	env := decodeEnvelope(t, ft.nextFrame(t))
	assert.Equal(t, "asset_history", env.Action)

	var hist rpc.HistoryMessage
	require.NoError(t, json.Unmarshal(env.Message, &hist))
	require.Len(t, hist.Points, 2)
	assert.Equal(t, now-2, hist.Points[0].Time)
	assert.Equal(t, now-3, hist.Points[1].Time)

	_, err = store.UpsertPoint(ctx, 1, now-1, 1.18)
	require.NoError(t, err)

	env = decodeEnvelope(t, ft.nextFrame(t))
	assert.Equal(t, "point", env.Action)
	assert.JSONEq(t,
		`{"assetName":"EURUSD","assetId":1,"time":`+strconv.FormatInt(now-1, 10)+`,"value":1.18}`,
		string(env.Message))
}

func TestDispatcherResubscribeWithoutRestart(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	now := time.Now().Unix()
	_, err := store.UpsertPoint(ctx, 1, now-10, 1.17)
	require.NoError(t, err)
	_, err = store.UpsertPoint(ctx, 2, now-9, 147.3)
	require.NoError(t, err)

	ft := startDispatcher(t, store)

	ft.send(t, `{"action":"subscribe","message":{"assetId":1}}`)
	assert.Equal(t, "asset_history", decodeEnvelope(t, ft.nextFrame(t)).Action)

	// A second subscribe swaps the streamed asset in place. The running
	// task keeps going, so no second history preamble appears.
	ft.send(t, `{"action":"subscribe","message":{"assetId":2}}`)
	env := decodeEnvelope(t, ft.nextFrame(t))
	assert.Equal(t, "point", env.Action)

	var pm rpc.PointMessage
	require.NoError(t, json.Unmarshal(env.Message, &pm))
	assert.Equal(t, 2, pm.AssetID)
	assert.Equal(t, "USDJPY", pm.AssetName)
	assert.Equal(t, 147.3, pm.Value)
}

func TestDispatcherAssetsRestartsNextSubscription(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	now := time.Now().Unix()
	_, err := store.UpsertPoint(ctx, 1, now-10, 1.17)
	require.NoError(t, err)

	ft := startDispatcher(t, store)

	ft.send(t, `{"action":"subscribe","message":{"assetId":1}}`)
	assert.Equal(t, "asset_history", decodeEnvelope(t, ft.nextFrame(t)).Action)

	// Listing assets clears the subscription and stops the stream.
	ft.send(t, `{"action":"assets","message":{}}`)
	assert.Equal(t, "assets", decodeEnvelope(t, ft.nextFrame(t)).Action)
	ft.expectSilence(t, 500*time.Millisecond)

	// The next subscribe starts a fresh stream with a history preamble.
	ft.send(t, `{"action":"subscribe","message":{"assetId":1}}`)
	assert.Equal(t, "asset_history", decodeEnvelope(t, ft.nextFrame(t)).Action)
}
