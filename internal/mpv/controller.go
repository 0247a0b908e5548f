// Package mpv speaks the mpv JSON IPC protocol over a per-process unix
// socket. One Controller owns one connection; command/response pairs are
// matched by request_id, and unsolicited property-change events are handed
// to an observer callback so they are never mistaken for responses.
package mpv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hackerspacegent/canvasd/internal/domain"
)

const (
	dialAttempts   = 25
	dialRetryWait  = 200 * time.Millisecond
	defaultCallTTL = 5 * time.Second
)

// Event is an asynchronous message emitted by mpv outside the
// request/response cycle.
type Event struct {
	Event string          `json:"event"`
	Name  string          `json:"name,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ObserverFunc receives unsolicited events. It is called from the read
// loop goroutine and must not block.
type ObserverFunc func(Event)

type request struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

type response struct {
	RequestID int64           `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
}

type Controller struct {
	socketPath string
	conn       net.Conn
	logger     *slog.Logger
	observer   ObserverFunc

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan response
	closed  bool

	readerDone chan struct{}
}

// Dial connects to the mpv IPC socket, retrying while mpv is still binding
// it, and starts the response/event demultiplexer.
func Dial(socketPath string, logger *slog.Logger, observer ObserverFunc) (*Controller, error) {
	var conn net.Conn
	var err error
	for i := 0; i < dialAttempts; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(dialRetryWait)
	}
	if err != nil {
		return nil, fmt.Errorf("dial mpv socket %s: %w", socketPath, err)
	}

	c := &Controller{
		socketPath: socketPath,
		conn:       conn,
		logger:     logger,
		observer:   observer,
		pending:    map[int64]chan response{},
		readerDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Controller) readLoop() {
	defer close(c.readerDone)
	decoder := json.NewDecoder(c.conn)

	for {
		var raw map[string]json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			c.failPending(err)
			return
		}

		if _, isEvent := raw["event"]; isEvent {
			c.dispatchEvent(raw)
			continue
		}

		var resp response
		if err := unmarshalFields(raw, &resp); err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

func (c *Controller) dispatchEvent(raw map[string]json.RawMessage) {
	if c.observer == nil {
		return
	}
	var ev Event
	if err := unmarshalFields(raw, &ev); err != nil {
		return
	}
	c.observer(ev)
}

func unmarshalFields(raw map[string]json.RawMessage, dst any) error {
	joined, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(joined, dst)
}

func (c *Controller) failPending(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[int64]chan response{}
	closed := c.closed
	c.mu.Unlock()

	if !closed && c.logger != nil {
		c.logger.Warn("mpv_connection_lost",
			slog.String("socket", c.socketPath),
			slog.String("error", cause.Error()))
	}
	for _, ch := range pending {
		ch <- response{Error: "connection closed"}
	}
}

// Call sends one command and waits for its matching response. A context
// without a deadline gets the default call timeout. Timeouts surface as
// IPC_TIMEOUT; the liveness judgment stays with the health monitor.
func (c *Controller) Call(ctx context.Context, args ...any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTTL)
		defer cancel()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("controller is closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(request{Command: args, RequestID: id})
	if err != nil {
		c.forget(id)
		return nil, err
	}
	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("write mpv command: %w", err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		// Only a missed deadline says anything about the player; a
		// cancelled caller is not a player timeout.
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, domain.NewControlError(domain.CodeIPCTimeout,
			fmt.Sprintf("no response from player on %s", c.socketPath))
	case resp := <-ch:
		if resp.Error != "" && resp.Error != "success" {
			return nil, fmt.Errorf("mpv command failed: %s", resp.Error)
		}
		return resp.Data, nil
	}
}

func (c *Controller) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// LoadFile replaces the current playlist with the given URL. In idle mode
// mpv may keep the new item paused, so callers follow up with an explicit
// set_property pause=false.
func (c *Controller) LoadFile(ctx context.Context, mediaURL string) error {
	_, err := c.Call(ctx, "loadfile", mediaURL, "replace")
	return err
}

func (c *Controller) SetProperty(ctx context.Context, name string, value any) error {
	_, err := c.Call(ctx, "set_property", name, value)
	return err
}

// GetProperty reads a property into dst.
func (c *Controller) GetProperty(ctx context.Context, name string, dst any) error {
	data, err := c.Call(ctx, "get_property", name)
	if err != nil {
		return err
	}
	if dst == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// ObserveProperty subscribes to change notifications for a property; the
// notifications arrive through the observer callback.
func (c *Controller) ObserveProperty(ctx context.Context, observeID int, name string) error {
	_, err := c.Call(ctx, "observe_property", observeID, name)
	return err
}

// StopPlayback clears the playlist and returns the player to idle.
func (c *Controller) StopPlayback(ctx context.Context) error {
	_, err := c.Call(ctx, "stop")
	return err
}

func (c *Controller) Quit(ctx context.Context) error {
	_, err := c.Call(ctx, "quit")
	return err
}

func (c *Controller) SocketPath() string {
	return c.socketPath
}

// Close tears down the connection. In-flight calls fail with a connection
// error rather than hanging.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.readerDone
	return err
}
