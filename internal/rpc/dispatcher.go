package rpc

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/quotelab/ratefeed/internal/logging"
	"github.com/quotelab/ratefeed/internal/metrics"
)

// Dispatcher routes received commands to the session service and owns the
// subscription task lifecycle for one connection.
type Dispatcher struct {
	conn    *Conn
	session *Session
	logger  zerolog.Logger
}

// NewDispatcher wires the command loop for one connection.
func NewDispatcher(conn *Conn, session *Session, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{conn: conn, session: session, logger: logger}
}

// Run receives and handles commands until the transport closes or ctx is
// canceled. ctx is the connection's context; the streaming task inherits it.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd, err := d.conn.ReceiveCommand()
		if err != nil {
			return err
		}
		d.handle(ctx, cmd)
		d.conn.SetLatestCommand(cmd)
	}
}

func (d *Dispatcher) handle(ctx context.Context, cmd *Command) {
	switch cmd.Action {
	case "assets":
		metrics.CommandsReceived.WithLabelValues("assets").Inc()
		// A running subscription must observe the cleared asset and exit on
		// its next iteration before the client picks a new one.
		if last := d.conn.LatestCommand(); last != nil && last.Action == "subscribe" {
			if _, err := d.session.SwitchAsset(ctx, nil); err != nil {
				d.logger.Error().Err(err).Msg("Failed to clear subscription")
			}
		}
		resp, err := d.session.Assets(ctx)
		if err != nil {
			d.logger.Error().Err(err).Msg("Failed to list assets")
			return
		}
		d.send(resp)

	case "subscribe":
		metrics.CommandsReceived.WithLabelValues("subscribe").Inc()
		d.handleSubscribe(ctx, cmd)

	default:
		metrics.CommandsReceived.WithLabelValues("unknown").Inc()
		resp := SingleError(cmd.Action, "Unknown action")
		d.send(&resp)
	}
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, cmd *Command) {
	sub, errMsg := DecodeSubscribe(cmd.Message)
	if errMsg != nil {
		d.send(errMsg)
		return
	}

	errResp, err := d.session.SwitchAsset(ctx, &sub.AssetID)
	if err != nil {
		d.logger.Error().Err(err).Int("asset_id", sub.AssetID).Msg("Asset lookup failed")
		return
	}
	if errResp != nil {
		d.send(errResp)
		return
	}

	// Re-subscribe without restart: the running streaming task reads the
	// swapped asset slot on its next poll iteration and keeps going. A new
	// task would replay the history preamble, which the protocol forbids
	// here.
	if last := d.conn.LatestCommand(); last != nil && last.Action == "subscribe" {
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.conn.AddTask(cancel, done)

	go func() {
		defer close(done)
		defer logging.RecoverPanic(d.logger, "subscription-stream")

		err := d.session.Stream(streamCtx, func(resp *Response) error {
			return d.conn.Send(resp)
		})
		switch {
		case err == nil, errors.Is(err, context.Canceled), errors.Is(err, ErrTransportClosed):
		default:
			// Invariant violations are fatal for the connection. Closing the
			// transport makes the dispatcher loop observe the disconnect and
			// finish the teardown; awaiting tasks here would wait on ourselves.
			d.logger.Error().Err(err).Msg("Streaming task failed, tearing connection down")
			d.conn.CloseTransport()
		}
	}()
}

func (d *Dispatcher) send(message any) {
	if err := d.conn.Send(message); err != nil && !errors.Is(err, ErrTransportClosed) {
		d.logger.Error().Err(err).Msg("Failed to send response")
	}
}
