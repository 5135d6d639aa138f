// Package transport accepts notification server connections and pumps
// commands between the wire and the engine. Each connection runs a
// read loop and a write loop; replies and asynchronous events travel
// through the per-session queue so handlers never block on a slow
// client socket.
package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/zap"

	"github.com/frostbite2000/MSN-Messenger-Server/engine"
	"github.com/frostbite2000/MSN-Messenger-Server/protocol"
	"github.com/frostbite2000/MSN-Messenger-Server/session"
)

type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr string

	numListeners int
	listeners    []*TCPListener

	engine      *engine.Engine
	idleTimeout time.Duration
	reuse       bool

	log   *zap.Logger
	trace bool
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		engine:       options.Engine,
		idleTimeout:  options.IdleTimeout,
		reuse:        options.Reuseport,
		trace:        options.Trace,
		log:          options.Log,
	}
}

func (t *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	t.cancel = cancel

	t.log.Info("Starting tcp listeners",
		zap.String("addr", t.addr),
		zap.Int("count", t.numListeners))

	for i := 0; i < t.numListeners; i++ {
		t.startListener(ctx, t.addr)
	}

	return nil
}

func (t *TCP) Engine() *engine.Engine {
	return t.engine
}

func (t *TCP) startListener(ctx context.Context, addr string) {
	t.stopWaiter.Add(1)
	listener := NewTCPListener(
		ctx,
		addr,
		t.engine,
		t.idleTimeout,
		t.reuse,
		t.log.Named("listener").With(zap.Int("listener", len(t.listeners))),
	)

	t.listeners = append(t.listeners, &listener)

	go func() {
		defer t.stopWaiter.Done()

		if err := listener.Listen(); err != nil {
			// TODO(fb) any of the listeners can fail to listen without it
			//          being treated as fatal, leaving fewer than the
			//          requested number running
			t.log.Error("Failed to listen", zap.Error(err))
		}
	}()
}

// Close immediately closes all active listeners and connections.
func (t *TCP) Close() error {
	t.log.Info("Stopping TCP server")
	t.cancel()

	for _, listener := range t.listeners {
		listener.Close()
	}

	t.stopWaiter.Wait()
	t.log.Info("Listeners stopped")

	return nil
}

type TCPListener struct {
	ctx context.Context

	addr string
	log  *zap.Logger

	mu          sync.Mutex
	activeConns map[*TCPConn]struct{}

	engine      *engine.Engine
	idleTimeout time.Duration
	reuse       bool
}

func NewTCPListener(
	ctx context.Context,
	addr string,
	eng *engine.Engine,
	idleTimeout time.Duration,
	reuse bool,
	log *zap.Logger,
) TCPListener {
	return TCPListener{
		ctx:         ctx,
		activeConns: make(map[*TCPConn]struct{}),
		addr:        addr,
		engine:      eng,
		idleTimeout: idleTimeout,
		reuse:       reuse,
		log:         log,
	}
}

func (t *TCPListener) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for conn := range t.activeConns {
		conn.Close()
		delete(t.activeConns, conn)
	}

	return nil
}

func (t *TCPListener) Listen() error {
	listener, err := t.listen()
	if err != nil {
		return err
	}

	defer listener.Close()

	var loopWaiter sync.WaitGroup

	go func() {
		<-t.ctx.Done()

		t.log.Info("Closing listener")
		if err := listener.Close(); err != nil {
			t.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	}()

	for {
		select {
		case <-t.ctx.Done():
			t.log.Info("Stopped accepting new connections")
			loopWaiter.Wait()

			t.log.Info("Listener stopped")
			return nil

		default:
			conn, err := listener.Accept()
			if err != nil {
				netOpError := new(net.OpError)

				if errors.As(err, &netOpError) && netOpError.Unwrap().Error() == "use of closed network connection" {
					// The listener was closed while we were waiting for
					// new connections, that's fine.
					loopWaiter.Wait()
					return nil
				}

				return err
			}

			loopWaiter.Add(1)
			tcpConn := NewTCPConn(t.ctx, conn, t.engine, t.idleTimeout, t.log.Named("conn"))

			t.addConn(tcpConn)

			go func() {
				defer loopWaiter.Done()
				defer t.removeConn(tcpConn)
				tcpConn.Start()
			}()
		}
	}
}

func (t *TCPListener) listen() (net.Listener, error) {
	if t.reuse {
		return reuseport.Listen("tcp", t.addr)
	}
	return net.Listen("tcp", t.addr)
}

func (t *TCPListener) addConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
}

func (t *TCPListener) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}

type TCPConn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup

	conn    net.Conn
	engine  *engine.Engine
	session *session.Session

	idleTimeout time.Duration

	log *zap.Logger
}

func NewTCPConn(
	parentCtx context.Context,
	conn net.Conn,
	eng *engine.Engine,
	idleTimeout time.Duration,
	log *zap.Logger,
) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)

	return &TCPConn{
		ctx:         ctx,
		cancel:      cancel,
		conn:        conn,
		engine:      eng,
		session:     session.New(conn.RemoteAddr().String()),
		idleTimeout: idleTimeout,
		log:         log,
	}
}

func (t *TCPConn) Close() error {
	if !t.isRunning() {
		// already stopped
		return nil
	}

	t.cancel()
	t.session.Close()
	t.conn.Close()

	t.loopWaiter.Wait()

	return nil
}

// Start runs the read and write loops and blocks until both exit.
// The session is finalized exactly once on the way out.
func (t *TCPConn) Start() {
	t.loopWaiter.Add(2)

	go func() {
		defer t.loopWaiter.Done()
		t.ReadLoop()
	}()

	go func() {
		defer t.loopWaiter.Done()
		t.WriteLoop()
	}()

	t.loopWaiter.Wait()

	t.engine.Disconnect(t.session)
	t.conn.Close()
}

func (t *TCPConn) ReadLoop() {
	log := t.log.Named("readLoop")

	defer func() {
		// Closing the session closes its queue, which in turn stops the
		// write loop once the remaining replies have drained.
		t.session.Close()

		if closer, ok := t.conn.(interface{ CloseRead() error }); ok {
			err := closer.CloseRead()
			if err != nil && !strings.Contains(err.Error(), "transport endpoint is not connected") {
				log.Warn("Failed to close reads on connection cleanly", zap.Error(err))
			}
		}
	}()

	reader := bufio.NewReader(t.conn)

	for {
		select {
		case <-t.ctx.Done():
			return

		default:
			if t.idleTimeout > 0 {
				if err := t.conn.SetReadDeadline(time.Now().Add(t.idleTimeout)); err != nil {
					return
				}
			}

			cmd, err := protocol.ReadCommand(reader)

			switch {
			case err == nil:

			case errors.Is(err, protocol.ErrEmptyCommand):
				continue

			case errors.Is(err, protocol.ErrMalformedCommand),
				errors.Is(err, protocol.ErrLineTooLong):
				log.Warn("Failed to read client command",
					zap.String("remote", t.session.RemoteAddr()),
					zap.Error(err))
				_ = protocol.WriteError(t.session, protocol.CodeSyntaxError, "")
				continue

			default:
				// Includes EOF, idle timeouts and truncated payloads,
				// after which the stream can no longer be trusted.
				if t.session.State() != session.Disconnected {
					log.Debug("Read loop exiting",
						zap.String("remote", t.session.RemoteAddr()),
						zap.Error(err))
				}
				return
			}

			if err := t.engine.Dispatch(t.session, cmd); err != nil {
				if !errors.Is(err, engine.ErrDisconnect) {
					log.Error("Command dispatch failed",
						zap.String("verb", string(cmd.Verb)),
						zap.Error(err))
				}
				return
			}

			if t.session.Closed() {
				// Displaced by a newer login for the same handle.
				return
			}
		}
	}
}

func (t *TCPConn) WriteLoop() {
	log := t.log.Named("writeLoop")

	defer func() {
		if closer, ok := t.conn.(interface{ CloseWrite() error }); ok {
			err := closer.CloseWrite()
			if err != nil && !strings.Contains(err.Error(), "transport endpoint is not connected") {
				log.Warn("Failed to close writes on connection cleanly", zap.Error(err))
			}
		}

		// Unblock a read loop still parked on the socket.
		t.conn.Close()
	}()

	for {
		select {
		case <-t.ctx.Done():
			return

		case data := <-t.session.Queue():
			if data == nil {
				// The session was closed, drain is complete.
				return
			}

			if _, err := t.conn.Write(data); err != nil {
				log.Error("Failed to write from session queue",
					zap.String("remote", t.session.RemoteAddr()),
					zap.Error(err))
				return
			}
		}
	}
}

// isRunning returns true if Close has not been called
func (t *TCPConn) isRunning() bool {
	select {
	case <-t.ctx.Done():
		return false

	default:
		return true
	}
}
