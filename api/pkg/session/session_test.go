package session_test

import (
	"context"
	"image/color"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisehq/lise/api/pkg/rfb"
	"github.com/lisehq/lise/api/pkg/rfb/rfbtest"
	"github.com/lisehq/lise/api/pkg/session"
	"github.com/lisehq/lise/api/pkg/types"
)

func testOptions() session.Options {
	return session.Options{
		Shared:            true,
		DialTimeout:       2 * time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    20 * time.Millisecond,
		ReconnectMaxDelay: 50 * time.Millisecond,
	}
}

func startServer(t *testing.T, width, height uint16) *rfbtest.Server {
	t.Helper()
	srv, err := rfbtest.Start(width, height)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func dialTestSession(t *testing.T, srv *rfbtest.Server, opts session.Options) *session.Session {
	t.Helper()
	sess, err := session.Dial(context.Background(), srv.Endpoint(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func messagesOfType(msgs []rfbtest.ClientMessage, msgType uint8) []rfbtest.ClientMessage {
	var out []rfbtest.ClientMessage
	for _, m := range msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func TestDialNegotiatesAndStreams(t *testing.T) {
	srv := startServer(t, 16, 16)
	sess := dialTestSession(t, srv, testOptions())

	assert.Equal(t, session.StateStreaming, sess.State())
	assert.Equal(t, "rfbtest", sess.DesktopName())
	assert.Equal(t, srv.Endpoint(), sess.Endpoint())

	frame := sess.CurrentFrame()
	assert.Equal(t, 16, frame.Rect.Dx())
	assert.Equal(t, 16, frame.Rect.Dy())

	require.Eventually(t, func() bool {
		return len(messagesOfType(srv.Messages(), rfb.MsgFramebufferUpdateRequest)) > 0
	}, 2*time.Second, 10*time.Millisecond, "session must request an update on its own")

	msgs := srv.Messages()
	require.NotEmpty(t, messagesOfType(msgs, rfb.MsgSetPixelFormat))
	encodings := messagesOfType(msgs, rfb.MsgSetEncodings)
	require.Len(t, encodings, 1)
	assert.Equal(t, []int32{rfb.EncCopyRect, rfb.EncRRE, rfb.EncRaw}, encodings[0].Encodings)

	updates := messagesOfType(msgs, rfb.MsgFramebufferUpdateRequest)
	assert.False(t, updates[0].Incremental, "first request is always a full update")
}

func TestDialUnreachableEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ep := types.Endpoint{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	require.NoError(t, ln.Close())

	_, err = session.Dial(context.Background(), ep, testOptions())
	var transportErr *types.TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestDialHandshakeFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.1 200 \r\n"))
		_ = conn.Close()
	}()

	ep := types.Endpoint{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	_, err = session.Dial(context.Background(), ep, testOptions())
	var hsErr *types.HandshakeError
	require.ErrorAs(t, err, &hsErr)
	wg.Wait()
}

func TestFramebufferUpdatesApplied(t *testing.T) {
	srv := startServer(t, 8, 8)
	srv.Rects = []*rfb.Rectangle{{
		X: 1, Y: 1, Width: 2, Height: 2,
		Encoding: rfb.EncRaw,
		// 0x00c80000 little-endian: pure red in the default format.
		Pixels: []byte{0, 0, 0xc8, 0, 0, 0, 0xc8, 0, 0, 0, 0xc8, 0, 0, 0, 0xc8, 0},
	}}

	sess := dialTestSession(t, srv, testOptions())

	require.Eventually(t, func() bool {
		return sess.CurrentFrame().RGBAAt(1, 1) == color.RGBA{0xc8, 0, 0, 0xff}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, color.RGBA{}, sess.CurrentFrame().RGBAAt(4, 4))
}

func TestInputEventsKeepCaptureOrder(t *testing.T) {
	srv := startServer(t, 16, 16)
	sess := dialTestSession(t, srv, testOptions())

	// Update requests race the input queue for the writer; they must not
	// perturb input ordering.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = sess.RequestUpdate(true)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	inputs := []types.InputEvent{
		types.PointerMove{X: 10, Y: 10},
		types.KeyPress{Keysym: 0x61, Down: true},
		types.KeyPress{Keysym: 0x61, Down: false},
		types.PointerMove{X: 20, Y: 20, ButtonMask: 1},
		types.KeyPress{Keysym: 0xff0d, Down: true},
	}
	for _, ev := range inputs {
		require.NoError(t, sess.SendInput(ev))
	}

	require.Eventually(t, func() bool {
		msgs := srv.Messages()
		n := len(messagesOfType(msgs, rfb.MsgKeyEvent)) + len(messagesOfType(msgs, rfb.MsgPointerEvent))
		return n == len(inputs)
	}, 2*time.Second, 10*time.Millisecond)
	close(stop)
	wg.Wait()

	var got []rfbtest.ClientMessage
	for _, m := range srv.Messages() {
		if m.Type == rfb.MsgKeyEvent || m.Type == rfb.MsgPointerEvent {
			got = append(got, m)
		}
	}
	require.Len(t, got, 5)
	assert.Equal(t, uint16(10), got[0].X)
	assert.True(t, got[1].Down)
	assert.Equal(t, uint32(0x61), got[1].Keysym)
	assert.False(t, got[2].Down)
	assert.Equal(t, uint8(1), got[3].ButtonMask)
	assert.Equal(t, uint32(0xff0d), got[4].Keysym)
}

func TestReconnectRequestsFullUpdateFirst(t *testing.T) {
	srv := startServer(t, 16, 16)
	sess := dialTestSession(t, srv, testOptions())

	require.Eventually(t, func() bool {
		return len(messagesOfType(srv.Messages(), rfb.MsgFramebufferUpdateRequest)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	srv.DropConnections()

	require.Eventually(t, func() bool {
		return srv.Handshakes() >= 2 && sess.State() == session.StateStreaming
	}, 5*time.Second, 10*time.Millisecond, "session must reconnect on its own")

	_ = sess.RequestUpdate(true)

	require.Eventually(t, func() bool {
		for _, m := range srv.Messages() {
			if m.Conn >= 2 && m.Type == rfb.MsgFramebufferUpdateRequest {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	var afterReconnect []rfbtest.ClientMessage
	for _, m := range srv.Messages() {
		if m.Conn >= 2 && m.Type == rfb.MsgFramebufferUpdateRequest {
			afterReconnect = append(afterReconnect, m)
		}
	}
	require.NotEmpty(t, afterReconnect)
	assert.False(t, afterReconnect[0].Incremental,
		"rectangles missed during the outage are unrecoverable, the first request must be full")
}

func TestUpdateRequestsDuringOutageStayBehindFullRequest(t *testing.T) {
	srv := startServer(t, 16, 16)
	sess := dialTestSession(t, srv, testOptions())

	// Hammer incremental requests straight through the outage and the
	// reconnect; none of them may reach the new connection before the
	// full request.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = sess.RequestUpdate(true)
			}
		}
	}()

	srv.DropConnections()

	require.Eventually(t, func() bool {
		return srv.Handshakes() >= 2 && sess.State() == session.StateStreaming
	}, 5*time.Second, 10*time.Millisecond, "session must reconnect on its own")

	require.Eventually(t, func() bool {
		for _, m := range srv.Messages() {
			if m.Conn >= 2 && m.Type == rfb.MsgFramebufferUpdateRequest {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	close(stop)
	wg.Wait()

	firstPerConn := map[int]rfbtest.ClientMessage{}
	for _, m := range srv.Messages() {
		if m.Type != rfb.MsgFramebufferUpdateRequest {
			continue
		}
		if _, seen := firstPerConn[m.Conn]; !seen {
			firstPerConn[m.Conn] = m
		}
	}
	require.NotEmpty(t, firstPerConn)
	for conn, m := range firstPerConn {
		assert.False(t, m.Incremental, "connection %d saw an incremental request before the full one", conn)
	}
}

func TestBlockedSendInputReleasedOnSessionLoss(t *testing.T) {
	srv := startServer(t, 16, 16)
	opts := testOptions()
	opts.ReconnectAttempts = 2
	sess := dialTestSession(t, srv, opts)

	srv.Close()

	// Far more events than the queue holds: with the writer dead the
	// sender must end up blocked, then be released when the reconnect
	// policy gives up.
	senderDone := make(chan error, 1)
	go func() {
		for i := 0; i < 2048; i++ {
			if err := sess.SendInput(types.KeyPress{Keysym: 0x61, Down: true}); err != nil {
				senderDone <- err
				return
			}
		}
		senderDone <- nil
	}()

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never reported loss")
	}

	select {
	case err := <-senderDone:
		var lost *types.SessionLost
		require.ErrorAs(t, err, &lost)
	case <-time.After(2 * time.Second):
		t.Fatal("sender still blocked after the session was lost")
	}
}

func TestReconnectExhaustionLosesSession(t *testing.T) {
	srv := startServer(t, 16, 16)
	opts := testOptions()
	opts.ReconnectAttempts = 2
	sess := dialTestSession(t, srv, opts)

	srv.Close()

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never reported loss")
	}

	var lost *types.SessionLost
	require.ErrorAs(t, sess.Err(), &lost)
	assert.Equal(t, srv.Endpoint(), lost.Endpoint)
	assert.Equal(t, session.StateClosed, sess.State())
}

func TestCloseIsCleanAndIdempotent(t *testing.T) {
	srv := startServer(t, 16, 16)
	sess := dialTestSession(t, srv, testOptions())

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done channel never closed")
	}

	assert.NoError(t, sess.Err(), "explicit close is not an error")
	assert.Equal(t, session.StateClosed, sess.State())
	assert.ErrorIs(t, sess.SendInput(types.KeyPress{Keysym: 0x61, Down: true}), session.ErrClosed)
	assert.ErrorIs(t, sess.RequestUpdate(false), session.ErrClosed)
}

func TestCloseDuringReconnect(t *testing.T) {
	srv := startServer(t, 16, 16)
	opts := testOptions()
	opts.ReconnectAttempts = 100
	opts.ReconnectDelay = 200 * time.Millisecond
	opts.ReconnectMaxDelay = time.Second
	sess := dialTestSession(t, srv, opts)

	srv.Close()

	require.Eventually(t, func() bool {
		return sess.State() == session.StateReconnecting || sess.State() == session.StateHandshaking
	}, 2*time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = sess.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on an in-flight reconnect")
	}
	assert.NoError(t, sess.Err())
}
