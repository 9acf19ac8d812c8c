// Package framebuffer maintains the in-memory pixel image of one remote
// desktop. Decoded rectangles are applied atomically with respect to
// readers: a renderer polling Snapshot never observes a half-applied
// region.
package framebuffer

import (
	"fmt"
	"image"
	"sync"

	"github.com/lisehq/lise/api/pkg/rfb"
	"github.com/lisehq/lise/api/pkg/types"
)

// Framebuffer is the pixel state of one session. Dimensions are fixed
// for its lifetime; a remote resize requires a new session and a new
// framebuffer.
type Framebuffer struct {
	mu     sync.RWMutex
	img    *image.RGBA
	format rfb.PixelFormat
}

// New allocates a framebuffer of fixed dimensions in the negotiated
// wire pixel format.
func New(width, height int, format rfb.PixelFormat) *Framebuffer {
	return &Framebuffer{
		img:    image.NewRGBA(image.Rect(0, 0, width, height)),
		format: format,
	}
}

func (f *Framebuffer) Width() int  { return f.img.Rect.Dx() }
func (f *Framebuffer) Height() int { return f.img.Rect.Dy() }

// Apply blits one decoded rectangle into the framebuffer. The whole
// rectangle lands under one lock acquisition.
func (f *Framebuffer) Apply(rect *rfb.Rectangle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if int(rect.X)+int(rect.Width) > f.Width() || int(rect.Y)+int(rect.Height) > f.Height() {
		return &types.ProtocolError{Reason: fmt.Sprintf(
			"rectangle %d,%d %dx%d exceeds framebuffer %dx%d",
			rect.X, rect.Y, rect.Width, rect.Height, f.Width(), f.Height())}
	}

	switch rect.Encoding {
	case rfb.EncRaw:
		return f.applyRaw(rect)
	case rfb.EncCopyRect:
		return f.applyCopyRect(rect)
	case rfb.EncRRE:
		return f.applyRRE(rect)
	default:
		return &types.ProtocolError{Reason: fmt.Sprintf("cannot apply encoding %d", rect.Encoding)}
	}
}

func (f *Framebuffer) applyRaw(rect *rfb.Rectangle) error {
	bpp := f.format.BytesPerPixel()
	want := int(rect.Width) * int(rect.Height) * bpp
	if len(rect.Pixels) < want {
		return &types.ProtocolError{Reason: fmt.Sprintf("raw payload %d bytes, want %d", len(rect.Pixels), want)}
	}
	for row := 0; row < int(rect.Height); row++ {
		for col := 0; col < int(rect.Width); col++ {
			src := (row*int(rect.Width) + col) * bpp
			r, g, b := f.format.RGBA(rect.Pixels[src : src+bpp])
			f.setPixel(int(rect.X)+col, int(rect.Y)+row, r, g, b)
		}
	}
	return nil
}

func (f *Framebuffer) applyCopyRect(rect *rfb.Rectangle) error {
	if int(rect.SrcX)+int(rect.Width) > f.Width() || int(rect.SrcY)+int(rect.Height) > f.Height() {
		return &types.ProtocolError{Reason: "copyrect source out of bounds"}
	}
	// Copy through a scratch buffer first: source and destination may
	// overlap.
	w, h := int(rect.Width), int(rect.Height)
	scratch := make([]byte, w*h*4)
	for row := 0; row < h; row++ {
		src := f.img.PixOffset(int(rect.SrcX), int(rect.SrcY)+row)
		copy(scratch[row*w*4:(row+1)*w*4], f.img.Pix[src:src+w*4])
	}
	for row := 0; row < h; row++ {
		dst := f.img.PixOffset(int(rect.X), int(rect.Y)+row)
		copy(f.img.Pix[dst:dst+w*4], scratch[row*w*4:(row+1)*w*4])
	}
	return nil
}

func (f *Framebuffer) applyRRE(rect *rfb.Rectangle) error {
	bpp := f.format.BytesPerPixel()
	if len(rect.Background) < bpp {
		return &types.ProtocolError{Reason: "rre background truncated"}
	}
	r, g, b := f.format.RGBA(rect.Background)
	f.fill(int(rect.X), int(rect.Y), int(rect.Width), int(rect.Height), r, g, b)

	for _, sub := range rect.Subrects {
		if int(sub.X)+int(sub.Width) > int(rect.Width) || int(sub.Y)+int(sub.Height) > int(rect.Height) {
			return &types.ProtocolError{Reason: "rre subrectangle exceeds enclosing rectangle"}
		}
		if len(sub.Pixel) < bpp {
			return &types.ProtocolError{Reason: "rre subrectangle pixel truncated"}
		}
		r, g, b := f.format.RGBA(sub.Pixel)
		f.fill(int(rect.X)+int(sub.X), int(rect.Y)+int(sub.Y), int(sub.Width), int(sub.Height), r, g, b)
	}
	return nil
}

func (f *Framebuffer) fill(x, y, w, h int, r, g, b uint8) {
	for row := y; row < y+h; row++ {
		for col := x; col < x+w; col++ {
			f.setPixel(col, row, r, g, b)
		}
	}
}

func (f *Framebuffer) setPixel(x, y int, r, g, b uint8) {
	off := f.img.PixOffset(x, y)
	f.img.Pix[off] = r
	f.img.Pix[off+1] = g
	f.img.Pix[off+2] = b
	f.img.Pix[off+3] = 0xff
}

// Snapshot returns a deep copy of the current image. Callers own the
// copy; later rectangle applications never mutate it.
func (f *Framebuffer) Snapshot() *image.RGBA {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := image.NewRGBA(f.img.Rect)
	copy(out.Pix, f.img.Pix)
	return out
}
