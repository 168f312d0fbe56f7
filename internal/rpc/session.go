package rpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quotelab/ratefeed/internal/metrics"
	"github.com/quotelab/ratefeed/internal/notify"
	"github.com/quotelab/ratefeed/internal/rates"
)

const (
	// History window served before the live stream starts.
	historyWindow = 30 * time.Minute

	// Poll delay when the stream has caught up with the producer cadence.
	idlePollDelay = 200 * time.Millisecond
)

// Session holds the per-client subscription state. The current asset is an
// atomic slot: the dispatcher goroutine writes it, the streaming goroutine
// reads it at the top of every poll iteration, so a re-subscribe swaps the
// stream target without restarting the task.
type Session struct {
	store    rates.Store
	notifier notify.Notifier
	logger   zerolog.Logger

	current atomic.Pointer[rates.Asset]
}

// NewSession builds the session service for one connection.
func NewSession(store rates.Store, notifier notify.Notifier, logger zerolog.Logger) *Session {
	return &Session{store: store, notifier: notifier, logger: logger}
}

// CurrentAsset returns the subscribed asset, or nil when not subscribed.
func (s *Session) CurrentAsset() *rates.Asset {
	return s.current.Load()
}

// SwitchAsset rebinds the subscription. A nil id clears it. An unknown id
// leaves the session state untouched and returns a subscribe-scoped error
// envelope; a store failure is returned as an error.
func (s *Session) SwitchAsset(ctx context.Context, id *int) (*Response, error) {
	if id == nil {
		s.current.Store(nil)
		return nil, nil
	}
	asset, err := s.store.FindAssetByID(ctx, *id)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		resp := SingleError("subscribe", fmt.Sprintf("Asset with id=%d does not exist", *id))
		return &resp, nil
	}
	s.current.Store(asset)
	return nil, nil
}

// Assets returns the "assets" envelope listing all known assets in id order.
func (s *Session) Assets(ctx context.Context) (*Response, error) {
	assets, err := s.store.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	if assets == nil {
		assets = []rates.Asset{}
	}
	return &Response{Action: "assets", Message: AssetsMessage{Assets: assets}}, nil
}

// Stream emits the subscription sequence for the current asset: one
// asset_history envelope with the last 30 minutes of points (newest first),
// then live point envelopes until the current asset is cleared or ctx is
// canceled. With no history to serve it emits the points error envelope and
// terminates.
//
// The poll delay anchors to the producer's per-second cadence
// (last.Time + 1 - now) and falls back to 200 ms when caught up; a notifier
// wake-up short-circuits the wait.
func (s *Session) Stream(ctx context.Context, emit func(*Response) error) error {
	asset := s.current.Load()
	if asset == nil {
		return nil
	}

	since := time.Now().Add(-historyWindow).Unix()
	history, err := s.store.History(ctx, asset.ID, since)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		resp := SingleError("points", "No points to return")
		return emit(&resp)
	}

	points := make([]PointMessage, len(history))
	for i, p := range history {
		pm, err := projectPoint(p, asset)
		if err != nil {
			return err
		}
		points[i] = pm
	}
	if err := emit(&Response{Action: "asset_history", Message: HistoryMessage{Points: points}}); err != nil {
		return err
	}

	// Anchor on the newest point of the preamble.
	last := history[0]

	wake, stopWatch := s.notifier.Watch(asset.ID)
	defer func() { stopWatch() }()
	watchID := asset.ID

	for {
		asset = s.current.Load()
		if asset == nil {
			return nil
		}
		if asset.ID != watchID {
			stopWatch()
			wake, stopWatch = s.notifier.Watch(asset.ID)
			watchID = asset.ID
		}

		latest, err := s.store.LatestPoint(ctx, asset.ID)
		if err != nil {
			return err
		}
		if latest != nil && latest.ID != last.ID {
			last = *latest
			pm, err := projectPoint(last, asset)
			if err != nil {
				return err
			}
			if err := emit(&Response{Action: "point", Message: pm}); err != nil {
				return err
			}
			metrics.PointsStreamed.Inc()
		}

		delay := time.Duration(last.Time+1-time.Now().Unix()) * time.Second
		if delay <= 0 {
			delay = idlePollDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// projectPoint shapes a stored point for the wire. A point that does not
// belong to the asset it was fetched for is an invariant violation and tears
// the streaming task down.
func projectPoint(p rates.Point, asset *rates.Asset) (PointMessage, error) {
	if p.AssetID != asset.ID {
		return PointMessage{}, fmt.Errorf("point %s belongs to asset %d, expected %d", p.ID, p.AssetID, asset.ID)
	}
	return PointMessage{
		AssetName: asset.Name,
		AssetID:   asset.ID,
		Time:      p.Time,
		Value:     p.Value,
	}, nil
}
