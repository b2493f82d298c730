// Package ipc serves the control protocol on a local Unix socket. Each
// connection gets its requests answered in order and, once subscribed, every
// event published on the hub.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/flowstt/internal/broadcast"
	"github.com/loqalabs/flowstt/internal/protocol"
)

var ErrClosed = errors.New("ipc: connection closed")

const (
	writeTimeout = 5 * time.Second
	outBuffer    = 32
)

// Handler answers control requests.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) protocol.Response
}

type Server struct {
	path    string
	handler Handler
	hub     *broadcast.Hub
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*conn]struct{}
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

func NewServer(parent context.Context, path string, handler Handler, hub *broadcast.Hub, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(parent)
	return &Server{
		path:    path,
		handler: handler,
		hub:     hub,
		log:     logger.With(slog.String("component", "ipc")),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*conn]struct{}),
	}
}

// Start binds the socket and begins accepting. A socket file left behind by a
// dead process is replaced; a live one is an error.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		probe, dialErr := net.DialTimeout("unix", s.path, 200*time.Millisecond)
		if dialErr == nil {
			probe.Close()
			return fmt.Errorf("another service is already listening on %s", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.log.Info("ipc server listening", slog.String("path", s.path))
	return nil
}

// Path is the socket path.
func (s *Server) Path() string { return s.path }

// Connections is the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = protocol.WriteFrame(nc, protocol.EventResponse(protocol.ShutdownEvent()))
			nc.Close()
			continue
		}
		s.nextID++
		c := newConn(s, nc, s.nextID)
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	}
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close delivers a Shutdown event to every connection, then closes the
// connections and the listener. The hub is closed as part of this.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	ln := s.ln
	s.mu.Unlock()

	final := protocol.ShutdownEvent()
	s.hub.Close(&final)

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			c.terminate(ctx)
		}(c)
	}
	wg.Wait()

	var err error
	if ln != nil {
		err = ln.Close()
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("ipc server stopped")
	return err
}

type conn struct {
	srv *Server
	nc  net.Conn
	id  uint64
	log *slog.Logger

	out   chan protocol.Response
	flush chan struct{}
	done  chan struct{}

	mu          sync.Mutex
	sub         *broadcast.Subscription
	fwdDone     chan struct{}
	gotShutdown atomic.Bool

	writerDone chan struct{}
	closeOnce  sync.Once
	flushOnce  sync.Once
}

func newConn(s *Server, nc net.Conn, id uint64) *conn {
	return &conn{
		srv:        s,
		nc:         nc,
		id:         id,
		log:        s.log.With(slog.Uint64("conn", id)),
		out:        make(chan protocol.Response, outBuffer),
		flush:      make(chan struct{}),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *conn) readLoop() {
	defer c.srv.wg.Done()
	defer c.teardown()
	c.log.Debug("client connected")

	reader := protocol.NewReader(c.nc)
	for {
		req, err := reader.ReadRequest()
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				if !c.send(protocol.Error(decodeErr.Error())) {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug("connection read failed", slog.String("error", err.Error()))
			}
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				c.send(protocol.Error(err.Error()))
			}
			return
		}
		var ok bool
		switch req.Type {
		case protocol.ReqSubscribeEvents:
			ok = c.subscribe()
		case protocol.ReqUnsubscribeEvents:
			c.unsubscribe()
			ok = c.send(protocol.Ok())
		default:
			ok = c.send(c.srv.handler.Handle(c.srv.ctx, req))
		}
		if !ok {
			return
		}
	}
}

// subscribe registers with the hub and queues the Ok response before the
// forwarder starts, so events never overtake the acknowledgement. It is
// idempotent while a live subscription exists.
func (c *conn) subscribe() bool {
	c.mu.Lock()
	if c.sub != nil && !c.sub.Dropped() {
		c.mu.Unlock()
		return c.send(protocol.Ok())
	}
	sub := c.srv.hub.Subscribe(fmt.Sprintf("ipc-%d", c.id))
	fwdDone := make(chan struct{})
	c.sub = sub
	c.fwdDone = fwdDone
	c.mu.Unlock()

	if !c.send(protocol.Ok()) {
		close(fwdDone)
		return false
	}
	c.srv.wg.Add(1)
	go c.forward(sub, fwdDone)
	return true
}

func (c *conn) unsubscribe() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (c *conn) forward(sub *broadcast.Subscription, done chan struct{}) {
	defer c.srv.wg.Done()
	defer close(done)
	for evt := range sub.Events() {
		if !c.send(protocol.EventResponse(evt)) {
			return
		}
		if evt.Type == protocol.EventShutdown {
			c.gotShutdown.Store(true)
		}
	}
	if sub.Dropped() {
		c.log.Warn("subscriber fell behind; event stream stopped")
		c.send(protocol.Error("event stream dropped: subscriber fell behind"))
	}
}

// send queues a frame for the writer. It reports false once the connection
// is gone.
func (c *conn) send(resp protocol.Response) bool {
	select {
	case c.out <- resp:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) writeLoop() {
	defer c.srv.wg.Done()
	defer close(c.writerDone)
	for {
		select {
		case resp := <-c.out:
			if err := c.write(resp); err != nil {
				c.teardown()
				return
			}
		case <-c.flush:
			for {
				select {
				case resp := <-c.out:
					if err := c.write(resp); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) write(resp protocol.Response) error {
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteFrame(c.nc, resp); err != nil {
		c.log.Debug("connection write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// terminate makes sure a Shutdown event is the last thing queued for the
// client, lets the writer drain, and closes the connection.
func (c *conn) terminate(ctx context.Context) {
	c.mu.Lock()
	fwdDone := c.fwdDone
	c.mu.Unlock()
	if fwdDone != nil {
		select {
		case <-fwdDone:
		case <-ctx.Done():
		}
	}
	if !c.gotShutdown.Load() {
		c.send(protocol.EventResponse(protocol.ShutdownEvent()))
	}
	c.flushOnce.Do(func() { close(c.flush) })
	select {
	case <-c.writerDone:
	case <-ctx.Done():
	}
	c.teardown()
}

func (c *conn) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.unsubscribe()
		_ = c.nc.Close()
		c.srv.remove(c)
		c.log.Debug("client disconnected")
	})
}
