// Package session implements one agent's live remote-desktop connection
// to an environment endpoint: the connection state machine, the network
// read loop feeding the framebuffer, the ordered input forwarder, and
// the bounded reconnect policy.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/lisehq/lise/api/pkg/framebuffer"
	"github.com/lisehq/lise/api/pkg/rfb"
	"github.com/lisehq/lise/api/pkg/types"
)

// State is the session connection state.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateNegotiating
	StateStreaming
	StateReconnecting
	StateClosed
)

// ErrClosed is returned from SendInput/RequestUpdate after an explicit
// Close.
var ErrClosed = errors.New("session closed")

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tune one session.
type Options struct {
	// Password is used when the server requires VNC authentication.
	Password string

	// Shared leaves other clients connected to the same desktop.
	Shared bool

	DialTimeout time.Duration

	// Bounded reconnect policy: exponential backoff from ReconnectDelay
	// capped at ReconnectMaxDelay, at most ReconnectAttempts tries.
	ReconnectAttempts uint
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

// DefaultOptions returns the reconnect policy used when fields are left
// zero: 5 attempts, 500ms initial delay, capped at 8s.
func DefaultOptions() Options {
	return Options{
		Shared:            true,
		DialTimeout:       5 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    500 * time.Millisecond,
		ReconnectMaxDelay: 8 * time.Second,
	}
}

// outbound is one message queued for the write loop. Input events and
// update requests share the writer but travel on separate queues;
// ordering is only guaranteed among input events.
type outbound struct {
	payload []byte
}

// Session is one live remote-desktop connection. The read loop, the
// frame-apply step and the input forwarder run as independent
// goroutines coordinated here; the framebuffer is never observable in a
// half-updated state.
type Session struct {
	endpoint types.Endpoint
	opts     Options

	state atomic.Int32

	connMu sync.Mutex
	conn   net.Conn

	codec *rfb.Codec
	fb    *framebuffer.Framebuffer
	name  string

	inputCh chan outbound

	// ctrlMu serializes update-request enqueues against the reconnect
	// drain, so the post-reconnect full request is always first in line.
	ctrlMu sync.Mutex
	ctrlCh chan outbound

	ctx    context.Context
	cancel context.CancelFunc

	done    chan struct{}
	err     error
	errOnce sync.Once

	wg conc.WaitGroup
}

// Dial connects to an environment endpoint, performs the RFB handshake
// and negotiation, and starts streaming. Handshake failures are not
// retried.
func Dial(ctx context.Context, endpoint types.Endpoint, opts Options) (*Session, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultOptions().DialTimeout
	}
	if opts.ReconnectAttempts == 0 {
		opts.ReconnectAttempts = DefaultOptions().ReconnectAttempts
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = DefaultOptions().ReconnectDelay
	}
	if opts.ReconnectMaxDelay == 0 {
		opts.ReconnectMaxDelay = DefaultOptions().ReconnectMaxDelay
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		endpoint: endpoint,
		opts:     opts,
		inputCh:  make(chan outbound, 256),
		ctrlCh:   make(chan outbound, 16),
		ctx:      sctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	conn, init, err := s.handshake(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	s.conn = conn
	s.codec = rfb.NewCodec(rfb.DefaultPixelFormat)
	s.fb = framebuffer.New(int(init.Width), int(init.Height), rfb.DefaultPixelFormat)
	s.name = init.Name

	s.state.Store(int32(StateStreaming))

	// The first request after (re)entering streaming is always a full
	// update.
	s.queueUpdateRequest(false)

	s.wg.Go(s.run)

	log.Info().
		Str("endpoint", endpoint.Addr()).
		Str("desktop", init.Name).
		Int("width", int(init.Width)).
		Int("height", int(init.Height)).
		Msg("remote desktop session established")

	return s, nil
}

// handshake dials and negotiates one connection. It is used for both
// the initial connect and every reconnect attempt.
func (s *Session) handshake(ctx context.Context) (net.Conn, *rfb.ServerInit, error) {
	s.state.Store(int32(StateHandshaking))

	d := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.endpoint.Addr())
	if err != nil {
		return nil, nil, &types.TransportError{Err: err}
	}

	init, err := s.negotiate(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, init, nil
}

// negotiate runs the RFB 3.8 handshake on a fresh connection: version
// exchange, security, ClientInit/ServerInit, then pixel format and
// encoding negotiation.
func (s *Session) negotiate(conn net.Conn) (*rfb.ServerInit, error) {
	major, minor, err := rfb.ReadServerVersion(conn)
	if err != nil {
		return nil, err
	}
	if major != 3 || minor < 8 {
		return nil, &types.HandshakeError{Stage: "version", Err: fmt.Errorf("unsupported protocol version %d.%d", major, minor)}
	}
	if _, err := conn.Write([]byte(rfb.ProtocolVersion)); err != nil {
		return nil, &types.HandshakeError{Stage: "version", Err: err}
	}

	secTypes, err := rfb.ReadSecurityTypes(conn)
	if err != nil {
		return nil, err
	}
	if err := s.authenticate(conn, secTypes); err != nil {
		return nil, err
	}

	s.state.Store(int32(StateNegotiating))

	if _, err := conn.Write(rfb.EncodeClientInit(s.opts.Shared)); err != nil {
		return nil, &types.HandshakeError{Stage: "client-init", Err: err}
	}
	init, err := rfb.ReadServerInit(conn)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(rfb.EncodeSetPixelFormat(rfb.DefaultPixelFormat)); err != nil {
		return nil, &types.HandshakeError{Stage: "set-pixel-format", Err: err}
	}
	encodings := []int32{rfb.EncCopyRect, rfb.EncRRE, rfb.EncRaw}
	if _, err := conn.Write(rfb.EncodeSetEncodings(encodings)); err != nil {
		return nil, &types.HandshakeError{Stage: "set-encodings", Err: err}
	}
	return init, nil
}

func (s *Session) authenticate(conn net.Conn, secTypes []uint8) error {
	var chosen uint8
	for _, t := range secTypes {
		if t == rfb.SecurityNone {
			chosen = rfb.SecurityNone
			break
		}
		if t == rfb.SecurityVNCAuth && s.opts.Password != "" {
			chosen = rfb.SecurityVNCAuth
		}
	}
	if chosen == rfb.SecurityInvalid {
		return &types.HandshakeError{Stage: "security", Err: fmt.Errorf("no mutual security type in %v", secTypes)}
	}
	if _, err := conn.Write([]byte{chosen}); err != nil {
		return &types.HandshakeError{Stage: "security", Err: err}
	}

	if chosen == rfb.SecurityVNCAuth {
		var challenge [16]byte
		if _, err := io.ReadFull(conn, challenge[:]); err != nil {
			return &types.HandshakeError{Stage: "vnc-auth", Err: err}
		}
		response, err := rfb.VNCAuthResponse(s.opts.Password, challenge)
		if err != nil {
			return &types.HandshakeError{Stage: "vnc-auth", Err: err}
		}
		if _, err := conn.Write(response[:]); err != nil {
			return &types.HandshakeError{Stage: "vnc-auth", Err: err}
		}
	}

	return rfb.ReadSecurityResult(conn)
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Endpoint returns the endpoint this session is bound to.
func (s *Session) Endpoint() types.Endpoint {
	return s.endpoint
}

// DesktopName returns the name announced by the server.
func (s *Session) DesktopName() string {
	return s.name
}

// CurrentFrame returns the latest fully-applied framebuffer snapshot.
// The caller owns the returned image.
func (s *Session) CurrentFrame() *image.RGBA {
	return s.fb.Snapshot()
}

// RequestUpdate asks the server for the next framebuffer update.
// Incremental requests only fetch changed regions; full requests fetch
// the whole buffer. Requests made while the connection is down are
// dropped; streaming always resumes with a full update.
func (s *Session) RequestUpdate(incremental bool) error {
	if s.State() == StateClosed {
		return s.closedErr()
	}
	s.queueUpdateRequest(incremental)
	return nil
}

func (s *Session) closedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (s *Session) queueUpdateRequest(incremental bool) {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if State(s.state.Load()) != StateStreaming {
		// Anything queued while disconnected would go out stale; the
		// reconnect path queues its own full request.
		return
	}
	s.enqueueUpdateRequest(incremental)
}

// enqueueUpdateRequest never blocks: update requests are idempotent
// polls, so dropping one on a full queue is harmless. Callers hold
// ctrlMu.
func (s *Session) enqueueUpdateRequest(incremental bool) {
	msg := rfb.EncodeFramebufferUpdateRequest(incremental, 0, 0, uint16(s.fb.Width()), uint16(s.fb.Height()))
	select {
	case s.ctrlCh <- outbound{payload: msg}:
	default:
	}
}

// SendInput queues a captured input event for transmission. Events are
// delivered to the remote end in the order SendInput is called, never
// reordered relative to each other.
func (s *Session) SendInput(ev types.InputEvent) error {
	if s.State() == StateClosed {
		return s.closedErr()
	}
	payload, err := rfb.EncodeInputEvent(ev)
	if err != nil {
		return err
	}
	select {
	case s.inputCh <- outbound{payload: payload}:
		return nil
	case <-s.ctx.Done():
		return s.closedErr()
	}
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session closed. Nil after an explicit Close; a
// *types.SessionLost after reconnect exhaustion or a protocol fault.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close tears the session down: cancels any in-flight reconnect,
// closes the transport and releases both loops. Idempotent.
func (s *Session) Close() error {
	s.cancel()
	s.closeConn()
	s.wg.Wait()
	s.finish(nil)
	return nil
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
}

func (s *Session) swapConn(conn net.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Session) currentConn() net.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Session) finish(err error) {
	s.errOnce.Do(func() {
		// Publish the cause before waking anyone up.
		s.err = err
		close(s.done)
		s.state.Store(int32(StateClosed))
		// Release anyone blocked in SendInput against a dead writer.
		s.cancel()
	})
}

// run owns the connection: it serves until a transport fault, then
// walks the bounded reconnect policy, and only returns when the session
// is closed or lost.
func (s *Session) run() {
	for {
		cause := s.serve()

		if s.ctx.Err() != nil {
			// Explicit teardown.
			s.finish(nil)
			return
		}

		var protoErr *types.ProtocolError
		if errors.As(cause, &protoErr) {
			// Malformed wire data: tear down, do not resync silently.
			s.closeConn()
			s.finish(&types.SessionLost{Endpoint: s.endpoint, Cause: cause})
			return
		}

		s.state.Store(int32(StateReconnecting))
		log.Warn().
			Err(cause).
			Str("endpoint", s.endpoint.Addr()).
			Msg("transport fault, reconnecting")

		if err := s.reconnect(); err != nil {
			if s.ctx.Err() != nil {
				// Closed while reconnecting.
				s.finish(nil)
				return
			}
			s.finish(&types.SessionLost{Endpoint: s.endpoint, Cause: err})
			return
		}
	}
}

// serve runs the read and write loops for the current connection until
// either fails, and returns the first failure.
func (s *Session) serve() error {
	conn := s.currentConn()

	serveCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() {
		errCh <- s.readLoop(conn)
		cancel()
	})
	wg.Go(func() {
		errCh <- s.writeLoop(serveCtx, conn)
		// Unblock the reader.
		conn.Close()
	})
	wg.Wait()

	err := <-errCh
	if second := <-errCh; err == nil {
		err = second
	}
	return err
}

// readLoop decodes server messages and applies rectangles to the
// framebuffer. Rectangles are applied in arrival order; the protocol
// already sequences them within one update.
func (s *Session) readLoop(conn net.Conn) error {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return &types.TransportError{Err: err}
		}
		switch buf[0] {
		case rfb.MsgFramebufferUpdate:
			count, err := s.codec.ReadUpdateHeader(conn)
			if err != nil {
				return s.classify(err)
			}
			for i := uint16(0); i < count; i++ {
				rect, err := s.codec.DecodeRectangle(conn)
				if err != nil {
					return s.classify(err)
				}
				if err := s.fb.Apply(rect); err != nil {
					return err
				}
			}
		case rfb.MsgSetColourMapEntries:
			if err := s.codec.DiscardColourMapEntries(conn); err != nil {
				return s.classify(err)
			}
		case rfb.MsgBell:
			// Nothing to ring.
		case rfb.MsgServerCutText:
			if err := s.codec.DiscardServerCutText(conn); err != nil {
				return s.classify(err)
			}
		default:
			return &types.ProtocolError{Reason: fmt.Sprintf("unknown server message type %d", buf[0])}
		}
	}
}

// classify keeps protocol faults distinct from transport faults: a
// decode error wrapping an I/O failure is a transport problem, a clean
// decode rejection is not.
func (s *Session) classify(err error) error {
	var protoErr *types.ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}
	return &types.TransportError{Err: err}
}

// writeLoop forwards queued messages. Input events drain from their own
// queue so their relative order is exactly capture order, regardless of
// interleaved update requests.
func (s *Session) writeLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.inputCh:
			if _, err := conn.Write(msg.payload); err != nil {
				return &types.TransportError{Err: err}
			}
		case msg := <-s.ctrlCh:
			if _, err := conn.Write(msg.payload); err != nil {
				return &types.TransportError{Err: err}
			}
		}
	}
}

// reconnect walks the bounded backoff policy. On success the session is
// streaming again and a full update request has been queued ahead of
// any incremental one, since rectangles missed during the outage are
// unrecoverable.
func (s *Session) reconnect() error {
	err := retry.Do(func() error {
		conn, init, err := s.handshake(s.ctx)
		if err != nil {
			return err
		}
		if int(init.Width) != s.fb.Width() || int(init.Height) != s.fb.Height() {
			// Framebuffer dimensions are fixed for the session's
			// lifetime; a resize needs a fresh session.
			conn.Close()
			return retry.Unrecoverable(fmt.Errorf("remote desktop resized to %dx%d", init.Width, init.Height))
		}
		s.swapConn(conn)
		return nil
	},
		retry.Attempts(s.opts.ReconnectAttempts),
		retry.Delay(s.opts.ReconnectDelay),
		retry.MaxDelay(s.opts.ReconnectMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(s.ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Handshake failures are not retried; an incompatible
			// negotiation will not get better.
			var hsErr *types.HandshakeError
			return !errors.As(err, &hsErr)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().
				Err(err).
				Uint("attempt", n).
				Str("endpoint", s.endpoint.Addr()).
				Msg("reconnect attempt failed")
		}),
	)
	if err != nil {
		return err
	}

	// Update requests queued against the dead connection are stale;
	// drop them so the full request is the first thing on the wire.
	// Holding ctrlMu keeps a concurrent RequestUpdate from slipping an
	// incremental in between the drain and the full request.
	s.ctrlMu.Lock()
	for {
		select {
		case <-s.ctrlCh:
			continue
		default:
		}
		break
	}
	s.enqueueUpdateRequest(false)
	s.state.Store(int32(StateStreaming))
	s.ctrlMu.Unlock()

	log.Info().Str("endpoint", s.endpoint.Addr()).Msg("session reconnected")
	return nil
}
