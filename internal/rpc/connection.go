package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quotelab/ratefeed/internal/metrics"
)

// ErrTransportClosed reports that the client went away. Terminal for the
// connection; callers tear down without logging an error.
var ErrTransportClosed = errors.New("transport closed")

// ErrUnsupportedMessage reports a Send argument that maps to no frame type.
var ErrUnsupportedMessage = errors.New("unsupported message type")

// Transport is the frame-level channel a Conn talks through. WriteMessage
// must be safe for concurrent use; ReadMessage is called from a single
// goroutine.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type task struct {
	cancel context.CancelFunc
	done   <-chan struct{}
}

func (t task) completed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Conn manages exactly one client connection: receive-with-retry, typed
// send dispatch, the background task registry and the latest-command slot.
type Conn struct {
	tr     Transport
	logger zerolog.Logger

	closeOnce sync.Once

	mu     sync.Mutex
	latest *Command
	tasks  []task
}

// NewConn wraps an accepted transport.
func NewConn(tr Transport, logger zerolog.Logger) *Conn {
	return &Conn{tr: tr, logger: logger}
}

// ReceiveCommand reads frames until one decodes into a valid command.
// Malformed frames are answered in place (raw text for non-JSON, a bare
// errors object for envelope violations) and reading continues.
func (c *Conn) ReceiveCommand() (*Command, error) {
	for {
		data, err := c.tr.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}

		cmd, decErr := DecodeCommand(data)
		if decErr != nil {
			if decErr.Text != "" {
				_ = c.Send(decErr.Text)
			} else {
				_ = c.Send(decErr.Errors)
			}
			continue
		}
		return cmd, nil
	}
}

// Send writes one message, dispatching on its type: a raw string goes out as
// a text frame, structs, maps and slices as JSON. Encoding failures are
// swallowed; the client will reconnect or time out. Anything else is a
// programming error and reports ErrUnsupportedMessage.
func (c *Conn) Send(message any) error {
	switch m := message.(type) {
	case string:
		return c.write([]byte(m))
	case nil:
		return ErrUnsupportedMessage
	default:
		v := reflect.ValueOf(message)
		for v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return ErrUnsupportedMessage
			}
			v = v.Elem()
		}
		switch v.Kind() {
		case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		default:
			return fmt.Errorf("%w: %T", ErrUnsupportedMessage, m)
		}

		data, err := json.Marshal(message)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping unencodable message")
			return nil
		}
		return c.write(data)
	}
}

func (c *Conn) write(data []byte) error {
	if err := c.tr.WriteMessage(data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	metrics.MessagesSent.Inc()
	return nil
}

// AddTask registers background work owned by this connection. Completed
// tasks are pruned on every registration.
func (c *Conn) AddTask(cancel context.CancelFunc, done <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.tasks[:0]
	for _, t := range c.tasks {
		if !t.completed() {
			kept = append(kept, t)
		}
	}
	c.tasks = append(kept, task{cancel: cancel, done: done})
}

// CancelTasks cancels every registered task and waits for each to finish.
func (c *Conn) CancelTasks() {
	c.mu.Lock()
	tasks := c.tasks
	c.tasks = nil
	c.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

// CloseTransport closes the transport idempotently without touching the
// task registry. Safe to call from inside a task; the dispatcher loop
// observes the read error and completes the teardown.
func (c *Conn) CloseTransport() {
	c.closeOnce.Do(func() {
		if err := c.tr.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Transport close failed")
		}
	})
}

// Disconnect closes the transport (idempotently) and then cancels and awaits
// the connection's tasks. Closing first unblocks any task stuck in a write.
func (c *Conn) Disconnect() {
	c.CloseTransport()
	c.CancelTasks()
}

// LatestCommand returns the most recently handled command, or nil.
func (c *Conn) LatestCommand() *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// SetLatestCommand records the most recently handled command.
func (c *Conn) SetLatestCommand(cmd *Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = cmd
}
