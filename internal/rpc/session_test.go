package rpc_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotelab/ratefeed/internal/notify"
	"github.com/quotelab/ratefeed/internal/rpc"
	"github.com/quotelab/ratefeed/internal/store/memory"
)

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.InitializeAssets(context.Background(), []string{"EURUSD", "USDJPY"}))
	return s
}

func newSession(t *testing.T) (*rpc.Session, *memory.Store) {
	t.Helper()
	store := seededStore(t)
	return rpc.NewSession(store, notify.Noop{}, zerolog.Nop()), store
}

func intptr(v int) *int { return &v }

func recvResponse(t *testing.T, out <-chan *rpc.Response) *rpc.Response {
	t.Helper()
	select {
	case resp := <-out:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response")
		return nil
	}
}

func awaitStream(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the stream to finish")
		return nil
	}
}

func TestSessionAssets(t *testing.T) {
	session, _ := newSession(t)

	resp, err := session.Assets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "assets", resp.Action)

	msg, ok := resp.Message.(rpc.AssetsMessage)
	require.True(t, ok)
	require.Len(t, msg.Assets, 2)
	assert.Equal(t, "EURUSD", msg.Assets[0].Name)
	assert.Equal(t, "USDJPY", msg.Assets[1].Name)
}

func TestSessionAssetsEmptyStore(t *testing.T) {
	session := rpc.NewSession(memory.New(), notify.Noop{}, zerolog.Nop())

	resp, err := session.Assets(context.Background())
	require.NoError(t, err)

	msg, ok := resp.Message.(rpc.AssetsMessage)
	require.True(t, ok)
	assert.NotNil(t, msg.Assets)
	assert.Empty(t, msg.Assets)
}

func TestSwitchAsset(t *testing.T) {
	ctx := context.Background()
	session, _ := newSession(t)

	errResp, err := session.SwitchAsset(ctx, intptr(2))
	require.NoError(t, err)
	assert.Nil(t, errResp)
	require.NotNil(t, session.CurrentAsset())
	assert.Equal(t, "USDJPY", session.CurrentAsset().Name)

	errResp, err = session.SwitchAsset(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, errResp)
	assert.Nil(t, session.CurrentAsset())
}

func TestSwitchAssetUnknownID(t *testing.T) {
	ctx := context.Background()
	session, _ := newSession(t)

	errResp, err := session.SwitchAsset(ctx, intptr(42))
	require.NoError(t, err)
	require.NotNil(t, errResp)
	assert.Equal(t, "subscribe", errResp.Action)

	msg, ok := errResp.Message.(rpc.ErrorMessage)
	require.True(t, ok)
	require.Len(t, msg.Errors, 1)
	assert.Equal(t, "Asset with id=42 does not exist", msg.Errors[0].Msg)

	// A failed switch leaves the session unsubscribed.
	assert.Nil(t, session.CurrentAsset())
}

func TestStreamNotSubscribed(t *testing.T) {
	session, _ := newSession(t)

	err := session.Stream(context.Background(), func(*rpc.Response) error {
		t.Fatal("unexpected emit")
		return nil
	})
	assert.NoError(t, err)
}

func TestStreamEmptyHistory(t *testing.T) {
	ctx := context.Background()
	session, _ := newSession(t)

	_, err := session.SwitchAsset(ctx, intptr(1))
	require.NoError(t, err)

	var got []*rpc.Response
	err = session.Stream(ctx, func(resp *rpc.Response) error {
		got = append(got, resp)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "points", got[0].Action)
	msg, ok := got[0].Message.(rpc.ErrorMessage)
	require.True(t, ok)
	require.Len(t, msg.Errors, 1)
	assert.Equal(t, "No points to return", msg.Errors[0].Msg)
}

func TestStreamHistoryThenLivePoint(t *testing.T) {
	ctx := context.Background()
	session, store := newSession(t)

	now := time.Now().Unix()
	for i, tm := range []int64{now - 3, now - 2} {
		_, err := store.UpsertPoint(ctx, 1, tm, 1.0+float64(i))
		require.NoError(t, err)
	}

	_, err := session.SwitchAsset(ctx, intptr(1))
	require.NoError(t, err)

	out := make(chan *rpc.Response, 16)
	done := make(chan error, 1)
	go func() {
		done <- session.Stream(ctx, func(resp *rpc.Response) error {
			out <- resp
			return nil
		})
	}()

	first := recvResponse(t, out)
	assert.Equal(t, "asset_history", first.Action)
	hist, ok := first.Message.(rpc.HistoryMessage)
	require.True(t, ok)
	require.Len(t, hist.Points, 2)
	assert.Equal(t, now-2, hist.Points[0].Time)
	assert.Equal(t, now-3, hist.Points[1].Time)
	assert.Equal(t, "EURUSD", hist.Points[0].AssetName)
	assert.Equal(t, 1, hist.Points[0].AssetID)

	// A freshly persisted point shows up on the next poll.
	_, err = store.UpsertPoint(ctx, 1, now-1, 3.5)
	require.NoError(t, err)

	live := recvResponse(t, out)
	assert.Equal(t, "point", live.Action)
	pm, ok := live.Message.(rpc.PointMessage)
	require.True(t, ok)
	assert.Equal(t, 3.5, pm.Value)
	assert.Equal(t, now-1, pm.Time)
	assert.Equal(t, "EURUSD", pm.AssetName)

	// Clearing the subscription ends the stream cleanly.
	_, err = session.SwitchAsset(ctx, nil)
	require.NoError(t, err)
	assert.NoError(t, awaitStream(t, done))
}

func TestStreamSwitchesAssetWithoutHistoryReplay(t *testing.T) {
	ctx := context.Background()
	session, store := newSession(t)

	now := time.Now().Unix()
	_, err := store.UpsertPoint(ctx, 1, now-10, 1.17)
	require.NoError(t, err)
	_, err = store.UpsertPoint(ctx, 2, now-9, 147.3)
	require.NoError(t, err)

	_, err = session.SwitchAsset(ctx, intptr(1))
	require.NoError(t, err)

	out := make(chan *rpc.Response, 16)
	done := make(chan error, 1)
	go func() {
		done <- session.Stream(ctx, func(resp *rpc.Response) error {
			out <- resp
			return nil
		})
	}()

	first := recvResponse(t, out)
	require.Equal(t, "asset_history", first.Action)

	// The running stream follows the swapped asset slot; no second
	// history preamble is emitted.
	_, err = session.SwitchAsset(ctx, intptr(2))
	require.NoError(t, err)

	next := recvResponse(t, out)
	assert.Equal(t, "point", next.Action)
	pm, ok := next.Message.(rpc.PointMessage)
	require.True(t, ok)
	assert.Equal(t, 2, pm.AssetID)
	assert.Equal(t, "USDJPY", pm.AssetName)
	assert.Equal(t, 147.3, pm.Value)

	_, err = session.SwitchAsset(ctx, nil)
	require.NoError(t, err)
	assert.NoError(t, awaitStream(t, done))
}

func TestStreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session, store := newSession(t)

	_, err := store.UpsertPoint(ctx, 1, time.Now().Unix()-5, 1.17)
	require.NoError(t, err)
	_, err = session.SwitchAsset(ctx, intptr(1))
	require.NoError(t, err)

	out := make(chan *rpc.Response, 16)
	done := make(chan error, 1)
	go func() {
		done <- session.Stream(ctx, func(resp *rpc.Response) error {
			out <- resp
			return nil
		})
	}()

	recvResponse(t, out) // history preamble
	cancel()
	assert.ErrorIs(t, awaitStream(t, done), context.Canceled)
}
