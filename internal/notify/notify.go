// Package notify carries "new point" wake-ups from the ingestion workers to
// the streaming sessions. The persisted unique (asset, time) index remains
// the source of truth; notifications only let a poll loop wake early instead
// of waiting for its timer, so a lost or absent notification is harmless.
package notify

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Notifier publishes and observes per-asset point insertions.
type Notifier interface {
	// PointSaved signals that a new point was inserted for the asset.
	PointSaved(assetID int)

	// Watch returns a channel that receives a signal per insertion for the
	// asset, and a stop function releasing the subscription. The channel is
	// best effort; signals may be dropped when the watcher lags.
	Watch(assetID int) (<-chan struct{}, func())
}

// Noop discards notifications; sessions fall back to pure polling.
type Noop struct{}

func (Noop) PointSaved(int) {}

func (Noop) Watch(int) (<-chan struct{}, func()) {
	return nil, func() {}
}

const subjectPrefix = "ratefeed.points."

// NATS implements Notifier over a NATS connection, one subject per asset.
type NATS struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// ConnectNATS dials the NATS server.
func ConnectNATS(url string, logger zerolog.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("ratefeed"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info().Str("url", url).Msg("Connected to NATS")
	return &NATS{nc: nc, logger: logger}, nil
}

// Close drains the connection.
func (n *NATS) Close() {
	if err := n.nc.Drain(); err != nil {
		n.logger.Warn().Err(err).Msg("NATS drain failed")
	}
}

func subject(assetID int) string {
	return fmt.Sprintf("%s%d", subjectPrefix, assetID)
}

func (n *NATS) PointSaved(assetID int) {
	if err := n.nc.Publish(subject(assetID), nil); err != nil {
		n.logger.Warn().Err(err).Int("asset_id", assetID).Msg("Point notification publish failed")
	}
}

func (n *NATS) Watch(assetID int) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	sub, err := n.nc.Subscribe(subject(assetID), func(*nats.Msg) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	if err != nil {
		n.logger.Warn().Err(err).Int("asset_id", assetID).Msg("Point notification subscribe failed")
		return nil, func() {}
	}
	return ch, func() {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Warn().Err(err).Int("asset_id", assetID).Msg("Point notification unsubscribe failed")
		}
	}
}
