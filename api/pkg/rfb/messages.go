package rfb

import (
	"encoding/binary"

	"github.com/lisehq/lise/api/pkg/types"
)

// EncodeSetPixelFormat builds a SetPixelFormat message.
func EncodeSetPixelFormat(pf PixelFormat) []byte {
	buf := make([]byte, 4, 20)
	buf[0] = MsgSetPixelFormat
	return append(buf, pf.Marshal()...)
}

// EncodeSetEncodings builds a SetEncodings message. Order expresses
// client preference.
func EncodeSetEncodings(encodings []int32) []byte {
	buf := make([]byte, 4+4*len(encodings))
	buf[0] = MsgSetEncodings
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(encodings)))
	for i, enc := range encodings {
		binary.BigEndian.PutUint32(buf[4+4*i:], uint32(enc))
	}
	return buf
}

// EncodeFramebufferUpdateRequest builds an update request for the given
// region. Incremental requests ask only for changed pixels; a full
// request is required after reconnect since missed rectangles are
// unrecoverable.
func EncodeFramebufferUpdateRequest(incremental bool, x, y, width, height uint16) []byte {
	buf := make([]byte, 10)
	buf[0] = MsgFramebufferUpdateRequest
	if incremental {
		buf[1] = 1
	}
	binary.BigEndian.PutUint16(buf[2:4], x)
	binary.BigEndian.PutUint16(buf[4:6], y)
	binary.BigEndian.PutUint16(buf[6:8], width)
	binary.BigEndian.PutUint16(buf[8:10], height)
	return buf
}

// EncodeKeyEvent builds a KeyEvent message for an X keysym.
func EncodeKeyEvent(keysym uint32, down bool) []byte {
	buf := make([]byte, 8)
	buf[0] = MsgKeyEvent
	if down {
		buf[1] = 1
	}
	binary.BigEndian.PutUint32(buf[4:8], keysym)
	return buf
}

// EncodePointerEvent builds a PointerEvent message. The mask carries the
// current button state (bit 0 left, bit 1 middle, bit 2 right).
func EncodePointerEvent(x, y uint16, buttonMask uint8) []byte {
	buf := make([]byte, 6)
	buf[0] = MsgPointerEvent
	buf[1] = buttonMask
	binary.BigEndian.PutUint16(buf[2:4], x)
	binary.BigEndian.PutUint16(buf[4:6], y)
	return buf
}

// EncodeClientInit builds the ClientInit message. A shared session
// leaves other clients connected.
func EncodeClientInit(shared bool) []byte {
	if shared {
		return []byte{1}
	}
	return []byte{0}
}

// EncodeInputEvent serializes a captured input event into its wire
// message.
func EncodeInputEvent(ev types.InputEvent) ([]byte, error) {
	switch e := ev.(type) {
	case types.PointerMove:
		return EncodePointerEvent(e.X, e.Y, e.ButtonMask), nil
	case types.KeyPress:
		return EncodeKeyEvent(e.Keysym, e.Down), nil
	default:
		return nil, &types.ProtocolError{Reason: "unknown input event type"}
	}
}
