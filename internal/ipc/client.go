package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/loqalabs/flowstt/internal/protocol"
)

// Client is one connection to the service. Requests are issued one at a time;
// events arriving on a subscribed connection are delivered on Events, which
// subscribers must drain.
type Client struct {
	nc     net.Conn
	events chan protocol.Event
	resps  chan protocol.Response
	done   chan struct{}

	reqMu   sync.Mutex
	writeMu sync.Mutex

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
}

// Dial connects to the service socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", path, err)
	}
	c := &Client{
		nc:     nc,
		events: make(chan protocol.Event, 256),
		resps:  make(chan protocol.Response, 1),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer c.Close()
	reader := protocol.NewReader(c.nc)
	for {
		resp, err := reader.ReadResponse()
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				continue
			}
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		if resp.Type == protocol.RespEvent {
			if resp.Event == nil {
				continue
			}
			select {
			case c.events <- *resp.Event:
			case <-c.done:
				return
			}
			continue
		}
		select {
		case c.resps <- resp:
		case <-c.done:
			return
		}
	}
}

// Request sends req and waits for its response. If ctx ends first the
// client is closed and later requests fail with ErrClosed.
func (c *Client) Request(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case <-c.done:
		return protocol.Response{}, c.closedErr()
	default:
	}
	c.writeMu.Lock()
	err := protocol.WriteFrame(c.nc, req)
	c.writeMu.Unlock()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Type, err)
	}
	select {
	case resp := <-c.resps:
		return resp, nil
	case <-c.done:
		select {
		case resp := <-c.resps:
			return resp, nil
		default:
		}
		return protocol.Response{}, c.closedErr()
	case <-ctx.Done():
		// The late response would be read by the next request, so the
		// connection is no longer usable.
		_ = c.Close()
		return protocol.Response{}, fmt.Errorf("%s: %w", req.Type, ctx.Err())
	}
}

// Subscribe asks the service to push events to this connection.
func (c *Client) Subscribe(ctx context.Context) error {
	resp, err := c.Request(ctx, protocol.Request{Type: protocol.ReqSubscribeEvents})
	if err != nil {
		return err
	}
	if resp.Type != protocol.RespOk {
		return fmt.Errorf("subscribe: %s", resp.Message)
	}
	return nil
}

// Events is closed when the connection ends.
func (c *Client) Events() <-chan protocol.Event { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}
