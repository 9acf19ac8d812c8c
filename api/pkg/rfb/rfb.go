// Package rfb implements the client side of the RFB (VNC) wire protocol:
// handshake negotiation, framebuffer update decoding and input event
// encoding. The codec performs no I/O of its own beyond reading from the
// byte streams it is handed, so it is testable without a network.
package rfb

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lisehq/lise/api/pkg/types"
)

// ProtocolVersion is the only version we negotiate. Servers speaking
// 3.3/3.7 are rejected during the handshake.
const ProtocolVersion = "RFB 003.008\n"

// Security types.
const (
	SecurityInvalid = 0
	SecurityNone    = 1
	SecurityVNCAuth = 2
)

// Client-to-server message types.
const (
	MsgSetPixelFormat           = 0
	MsgSetEncodings             = 2
	MsgFramebufferUpdateRequest = 3
	MsgKeyEvent                 = 4
	MsgPointerEvent             = 5
)

// Server-to-client message types.
const (
	MsgFramebufferUpdate   = 0
	MsgSetColourMapEntries = 1
	MsgBell                = 2
	MsgServerCutText       = 3
)

// Rectangle encodings we understand.
const (
	EncRaw      int32 = 0
	EncCopyRect int32 = 1
	EncRRE      int32 = 2
)

// PixelFormat is the 16-byte RFB pixel format description.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    bool
	TrueColour   bool
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
}

// DefaultPixelFormat is 32bpp little-endian true colour, the format the
// client always negotiates via SetPixelFormat after ServerInit.
var DefaultPixelFormat = PixelFormat{
	BitsPerPixel: 32,
	Depth:        24,
	BigEndian:    false,
	TrueColour:   true,
	RedMax:       255,
	GreenMax:     255,
	BlueMax:      255,
	RedShift:     16,
	GreenShift:   8,
	BlueShift:    0,
}

// BytesPerPixel returns the pixel size on the wire.
func (pf PixelFormat) BytesPerPixel() int {
	return int(pf.BitsPerPixel) / 8
}

// Marshal encodes the pixel format into its 16-byte wire form.
func (pf PixelFormat) Marshal() []byte {
	buf := make([]byte, 16)
	buf[0] = pf.BitsPerPixel
	buf[1] = pf.Depth
	if pf.BigEndian {
		buf[2] = 1
	}
	if pf.TrueColour {
		buf[3] = 1
	}
	binary.BigEndian.PutUint16(buf[4:6], pf.RedMax)
	binary.BigEndian.PutUint16(buf[6:8], pf.GreenMax)
	binary.BigEndian.PutUint16(buf[8:10], pf.BlueMax)
	buf[10] = pf.RedShift
	buf[11] = pf.GreenShift
	buf[12] = pf.BlueShift
	// bytes 13-15 are padding
	return buf
}

// UnmarshalPixelFormat decodes a 16-byte wire pixel format.
func UnmarshalPixelFormat(buf []byte) (PixelFormat, error) {
	if len(buf) < 16 {
		return PixelFormat{}, &types.ProtocolError{Reason: fmt.Sprintf("pixel format truncated: %d bytes", len(buf))}
	}
	pf := PixelFormat{
		BitsPerPixel: buf[0],
		Depth:        buf[1],
		BigEndian:    buf[2] != 0,
		TrueColour:   buf[3] != 0,
		RedMax:       binary.BigEndian.Uint16(buf[4:6]),
		GreenMax:     binary.BigEndian.Uint16(buf[6:8]),
		BlueMax:      binary.BigEndian.Uint16(buf[8:10]),
		RedShift:     buf[10],
		GreenShift:   buf[11],
		BlueShift:    buf[12],
	}
	switch pf.BitsPerPixel {
	case 8, 16, 32:
	default:
		return PixelFormat{}, &types.ProtocolError{Reason: fmt.Sprintf("unsupported bits-per-pixel %d", pf.BitsPerPixel)}
	}
	return pf, nil
}

// RGBA extracts 8-bit colour channels from one wire pixel in this format.
func (pf PixelFormat) RGBA(pixel []byte) (r, g, b uint8) {
	var v uint32
	switch pf.BytesPerPixel() {
	case 1:
		v = uint32(pixel[0])
	case 2:
		if pf.BigEndian {
			v = uint32(binary.BigEndian.Uint16(pixel))
		} else {
			v = uint32(binary.LittleEndian.Uint16(pixel))
		}
	case 4:
		if pf.BigEndian {
			v = binary.BigEndian.Uint32(pixel)
		} else {
			v = binary.LittleEndian.Uint32(pixel)
		}
	}
	r = scaleChannel(v>>pf.RedShift, pf.RedMax)
	g = scaleChannel(v>>pf.GreenShift, pf.GreenMax)
	b = scaleChannel(v>>pf.BlueShift, pf.BlueMax)
	return r, g, b
}

func scaleChannel(v uint32, max uint16) uint8 {
	if max == 0 {
		return 0
	}
	return uint8((v & uint32(max)) * 255 / uint32(max))
}

// Rectangle is one decoded framebuffer region (the FrameRegion of the
// data model). Exactly one of the payload fields is populated depending
// on Encoding. Transient: consumed into the framebuffer, never kept.
type Rectangle struct {
	X, Y          uint16
	Width, Height uint16
	Encoding      int32

	// EncRaw: Width*Height pixels in the negotiated format.
	Pixels []byte

	// EncCopyRect: source position within the framebuffer.
	SrcX, SrcY uint16

	// EncRRE: background fill plus solid subrectangles.
	Background []byte
	Subrects   []RRESubrect
}

// RRESubrect is one solid-colour subrectangle of an RRE region,
// positioned relative to the enclosing rectangle.
type RRESubrect struct {
	Pixel         []byte
	X, Y          uint16
	Width, Height uint16
}

// Codec holds the parameters negotiated at handshake time. It is
// stateless beyond them.
type Codec struct {
	Format PixelFormat
}

// NewCodec returns a codec for the given negotiated pixel format.
func NewCodec(format PixelFormat) *Codec {
	return &Codec{Format: format}
}

// ReadUpdateHeader consumes the remainder of a FramebufferUpdate header
// (after the message-type byte) and returns the rectangle count.
func (c *Codec) ReadUpdateHeader(r io.Reader) (uint16, error) {
	var hdr [3]byte // padding + uint16 count
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("reading update header: %w", err)
	}
	return binary.BigEndian.Uint16(hdr[1:3]), nil
}

// DecodeRectangle reads one rectangle header and payload. Unknown
// encodings are a ProtocolError: the payload length is unknowable, so
// skipping would silently drop pixel data and desynchronise the stream.
func (c *Codec) DecodeRectangle(r io.Reader) (*Rectangle, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading rectangle header: %w", err)
	}
	rect := &Rectangle{
		X:        binary.BigEndian.Uint16(hdr[0:2]),
		Y:        binary.BigEndian.Uint16(hdr[2:4]),
		Width:    binary.BigEndian.Uint16(hdr[4:6]),
		Height:   binary.BigEndian.Uint16(hdr[6:8]),
		Encoding: int32(binary.BigEndian.Uint32(hdr[8:12])),
	}

	switch rect.Encoding {
	case EncRaw:
		n := int(rect.Width) * int(rect.Height) * c.Format.BytesPerPixel()
		rect.Pixels = make([]byte, n)
		if _, err := io.ReadFull(r, rect.Pixels); err != nil {
			return nil, fmt.Errorf("reading raw pixels: %w", err)
		}
	case EncCopyRect:
		var src [4]byte
		if _, err := io.ReadFull(r, src[:]); err != nil {
			return nil, fmt.Errorf("reading copyrect source: %w", err)
		}
		rect.SrcX = binary.BigEndian.Uint16(src[0:2])
		rect.SrcY = binary.BigEndian.Uint16(src[2:4])
	case EncRRE:
		if err := c.decodeRRE(r, rect); err != nil {
			return nil, err
		}
	default:
		return nil, &types.ProtocolError{Reason: fmt.Sprintf("unknown rectangle encoding %d", rect.Encoding)}
	}
	return rect, nil
}

func (c *Codec) decodeRRE(r io.Reader, rect *Rectangle) error {
	bpp := c.Format.BytesPerPixel()
	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return fmt.Errorf("reading rre subrect count: %w", err)
	}
	n := binary.BigEndian.Uint32(count[:])
	// A valid RRE region never has more subrects than pixels; anything
	// beyond that is a hostile count used to force a huge allocation.
	if uint64(n) > uint64(rect.Width)*uint64(rect.Height) {
		return &types.ProtocolError{Reason: fmt.Sprintf("rre subrect count %d exceeds %dx%d rectangle", n, rect.Width, rect.Height)}
	}

	rect.Background = make([]byte, bpp)
	if _, err := io.ReadFull(r, rect.Background); err != nil {
		return fmt.Errorf("reading rre background: %w", err)
	}

	rect.Subrects = make([]RRESubrect, 0, n)
	sub := make([]byte, bpp+8)
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, sub); err != nil {
			return fmt.Errorf("reading rre subrect %d: %w", i, err)
		}
		pixel := make([]byte, bpp)
		copy(pixel, sub[:bpp])
		rect.Subrects = append(rect.Subrects, RRESubrect{
			Pixel:  pixel,
			X:      binary.BigEndian.Uint16(sub[bpp : bpp+2]),
			Y:      binary.BigEndian.Uint16(sub[bpp+2 : bpp+4]),
			Width:  binary.BigEndian.Uint16(sub[bpp+4 : bpp+6]),
			Height: binary.BigEndian.Uint16(sub[bpp+6 : bpp+8]),
		})
	}
	return nil
}

// DiscardServerCutText consumes a ServerCutText body (after the
// message-type byte). The clipboard is not surfaced anywhere yet.
func (c *Codec) DiscardServerCutText(r io.Reader) error {
	var hdr [7]byte // 3 padding + uint32 length
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("reading cut text header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[3:7])
	if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
		return fmt.Errorf("discarding cut text: %w", err)
	}
	return nil
}

// DiscardColourMapEntries consumes a SetColourMapEntries body. We always
// negotiate true colour, so a colour map is never used.
func (c *Codec) DiscardColourMapEntries(r io.Reader) error {
	var hdr [5]byte // padding + first-colour + uint16 count
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("reading colour map header: %w", err)
	}
	n := binary.BigEndian.Uint16(hdr[3:5])
	if _, err := io.CopyN(io.Discard, r, int64(n)*6); err != nil {
		return fmt.Errorf("discarding colour map: %w", err)
	}
	return nil
}
