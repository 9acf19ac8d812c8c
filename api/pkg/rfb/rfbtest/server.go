// Package rfbtest runs a minimal in-process RFB server for exercising
// sessions without a real desktop: it answers the 3.8 handshake,
// records every client message in arrival order, and serves canned
// framebuffer updates.
package rfbtest

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/lisehq/lise/api/pkg/rfb"
	"github.com/lisehq/lise/api/pkg/types"
)

// ClientMessage is one recorded client-to-server message.
type ClientMessage struct {
	// Conn numbers connections 1,2,... so tests can tell messages
	// before and after a reconnect apart.
	Conn int

	Type        uint8
	Incremental bool    // FramebufferUpdateRequest
	Keysym      uint32  // KeyEvent
	Down        bool    // KeyEvent
	X, Y        uint16  // PointerEvent
	ButtonMask  uint8   // PointerEvent
	Encodings   []int32 // SetEncodings
}

// Server is one fake RFB endpoint.
type Server struct {
	Width, Height uint16

	// Rects, when set, is sent as the payload of every framebuffer
	// update response. Defaults to a single 2x2 raw rectangle.
	Rects []*rfb.Rectangle

	ln         net.Listener
	handshakes atomic.Int32

	mu    sync.Mutex
	msgs  []ClientMessage
	conns []net.Conn
	wg    sync.WaitGroup
}

// Start listens on an ephemeral localhost port and serves until Close.
func Start(width, height uint16) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		Width:  width,
		Height: height,
		ln:     ln,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Endpoint returns the address the server listens on.
func (s *Server) Endpoint() types.Endpoint {
	addr := s.ln.Addr().(*net.TCPAddr)
	return types.Endpoint{Host: "127.0.0.1", Port: addr.Port}
}

// Handshakes counts completed handshakes, i.e. connections including
// reconnects.
func (s *Server) Handshakes() int {
	return int(s.handshakes.Load())
}

// Messages returns a copy of every recorded client message in arrival
// order.
func (s *Server) Messages() []ClientMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// DropConnections closes every live client connection, simulating a
// transport fault. The listener stays up so sessions can reconnect.
func (s *Server) DropConnections() {
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
}

// Close shuts the listener and all connections down.
func (s *Server) Close() {
	s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		connID := int(s.handshakes.Add(1))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			if err := s.handshake(conn); err != nil {
				return
			}
			s.serveConn(conn, connID)
		}()
	}
}

func (s *Server) handshake(conn net.Conn) error {
	if _, err := conn.Write([]byte(rfb.ProtocolVersion)); err != nil {
		return err
	}
	var clientVersion [12]byte
	if _, err := io.ReadFull(conn, clientVersion[:]); err != nil {
		return err
	}
	// Offer SecurityNone only.
	if _, err := conn.Write([]byte{1, rfb.SecurityNone}); err != nil {
		return err
	}
	var choice [1]byte
	if _, err := io.ReadFull(conn, choice[:]); err != nil {
		return err
	}
	if _, err := conn.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	var clientInit [1]byte
	if _, err := io.ReadFull(conn, clientInit[:]); err != nil {
		return err
	}

	init := make([]byte, 0, 24+len("rfbtest"))
	init = binary.BigEndian.AppendUint16(init, s.Width)
	init = binary.BigEndian.AppendUint16(init, s.Height)
	init = append(init, rfb.DefaultPixelFormat.Marshal()...)
	init = binary.BigEndian.AppendUint32(init, uint32(len("rfbtest")))
	init = append(init, "rfbtest"...)
	_, err := conn.Write(init)
	return err
}

func (s *Server) serveConn(conn net.Conn, connID int) {
	for {
		var msgType [1]byte
		if _, err := io.ReadFull(conn, msgType[:]); err != nil {
			return
		}
		msg := ClientMessage{Conn: connID, Type: msgType[0]}

		switch msgType[0] {
		case rfb.MsgSetPixelFormat:
			var body [19]byte
			if _, err := io.ReadFull(conn, body[:]); err != nil {
				return
			}
		case rfb.MsgSetEncodings:
			var hdr [3]byte
			if _, err := io.ReadFull(conn, hdr[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint16(hdr[1:3])
			body := make([]byte, 4*int(n))
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
			for i := 0; i < int(n); i++ {
				msg.Encodings = append(msg.Encodings, int32(binary.BigEndian.Uint32(body[4*i:])))
			}
		case rfb.MsgFramebufferUpdateRequest:
			var body [9]byte
			if _, err := io.ReadFull(conn, body[:]); err != nil {
				return
			}
			msg.Incremental = body[0] != 0
		case rfb.MsgKeyEvent:
			var body [7]byte
			if _, err := io.ReadFull(conn, body[:]); err != nil {
				return
			}
			msg.Down = body[0] != 0
			msg.Keysym = binary.BigEndian.Uint32(body[3:7])
		case rfb.MsgPointerEvent:
			var body [5]byte
			if _, err := io.ReadFull(conn, body[:]); err != nil {
				return
			}
			msg.ButtonMask = body[0]
			msg.X = binary.BigEndian.Uint16(body[1:3])
			msg.Y = binary.BigEndian.Uint16(body[3:5])
		default:
			return
		}

		s.mu.Lock()
		s.msgs = append(s.msgs, msg)
		s.mu.Unlock()

		if msgType[0] == rfb.MsgFramebufferUpdateRequest {
			if err := s.sendUpdate(conn); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendUpdate(conn net.Conn) error {
	rects := s.Rects
	if rects == nil {
		rects = []*rfb.Rectangle{defaultRect()}
	}

	buf := []byte{rfb.MsgFramebufferUpdate, 0}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(rects)))
	for _, r := range rects {
		buf = appendRectangle(buf, r)
	}
	_, err := conn.Write(buf)
	return err
}

func defaultRect() *rfb.Rectangle {
	bpp := rfb.DefaultPixelFormat.BytesPerPixel()
	return &rfb.Rectangle{
		Width:    2,
		Height:   2,
		Encoding: rfb.EncRaw,
		Pixels:   make([]byte, 2*2*bpp),
	}
}

func appendRectangle(buf []byte, r *rfb.Rectangle) []byte {
	buf = binary.BigEndian.AppendUint16(buf, r.X)
	buf = binary.BigEndian.AppendUint16(buf, r.Y)
	buf = binary.BigEndian.AppendUint16(buf, r.Width)
	buf = binary.BigEndian.AppendUint16(buf, r.Height)
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.Encoding))

	switch r.Encoding {
	case rfb.EncRaw:
		buf = append(buf, r.Pixels...)
	case rfb.EncCopyRect:
		buf = binary.BigEndian.AppendUint16(buf, r.SrcX)
		buf = binary.BigEndian.AppendUint16(buf, r.SrcY)
	case rfb.EncRRE:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Subrects)))
		buf = append(buf, r.Background...)
		for _, sub := range r.Subrects {
			buf = append(buf, sub.Pixel...)
			buf = binary.BigEndian.AppendUint16(buf, sub.X)
			buf = binary.BigEndian.AppendUint16(buf, sub.Y)
			buf = binary.BigEndian.AppendUint16(buf, sub.Width)
			buf = binary.BigEndian.AppendUint16(buf, sub.Height)
		}
	}
	return buf
}
