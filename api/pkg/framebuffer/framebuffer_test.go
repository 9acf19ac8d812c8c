package framebuffer

import (
	"bytes"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lisehq/lise/api/pkg/rfb"
	"github.com/lisehq/lise/api/pkg/types"
)

// px returns one wire pixel in the default 32bpp little-endian format.
func px(r, g, b byte) []byte {
	return []byte{b, g, r, 0}
}

func solidPixels(r, g, b byte, n int) []byte {
	return bytes.Repeat(px(r, g, b), n)
}

func TestApplyRaw(t *testing.T) {
	fb := New(4, 4, rfb.DefaultPixelFormat)

	err := fb.Apply(&rfb.Rectangle{
		X: 1, Y: 2, Width: 2, Height: 1,
		Encoding: rfb.EncRaw,
		Pixels:   append(px(10, 20, 30), px(40, 50, 60)...),
	})
	require.NoError(t, err)

	img := fb.Snapshot()
	assert.Equal(t, color.RGBA{10, 20, 30, 0xff}, img.RGBAAt(1, 2))
	assert.Equal(t, color.RGBA{40, 50, 60, 0xff}, img.RGBAAt(2, 2))
	assert.Equal(t, color.RGBA{}, img.RGBAAt(0, 0), "untouched pixels stay zero")
}

func TestApplyOutOfBounds(t *testing.T) {
	fb := New(4, 4, rfb.DefaultPixelFormat)

	err := fb.Apply(&rfb.Rectangle{
		X: 3, Y: 0, Width: 2, Height: 1,
		Encoding: rfb.EncRaw,
		Pixels:   solidPixels(1, 1, 1, 2),
	})
	var protoErr *types.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestApplyRawShortPayload(t *testing.T) {
	fb := New(4, 4, rfb.DefaultPixelFormat)

	err := fb.Apply(&rfb.Rectangle{
		X: 0, Y: 0, Width: 2, Height: 2,
		Encoding: rfb.EncRaw,
		Pixels:   px(1, 1, 1),
	})
	var protoErr *types.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

// An RRE rectangle must land pixel-identical to the raw rectangle
// describing the same region.
func TestRREMatchesRawReference(t *testing.T) {
	reference := New(8, 8, rfb.DefaultPixelFormat)
	raw := make([]byte, 0, 8*8*4)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if x >= 2 && x < 5 && y >= 3 && y < 6 {
				raw = append(raw, px(200, 0, 0)...)
			} else {
				raw = append(raw, px(0, 0, 100)...)
			}
		}
	}
	require.NoError(t, reference.Apply(&rfb.Rectangle{
		Width: 8, Height: 8, Encoding: rfb.EncRaw, Pixels: raw,
	}))

	fb := New(8, 8, rfb.DefaultPixelFormat)
	require.NoError(t, fb.Apply(&rfb.Rectangle{
		Width: 8, Height: 8, Encoding: rfb.EncRRE,
		Background: px(0, 0, 100),
		Subrects: []rfb.RRESubrect{
			{Pixel: px(200, 0, 0), X: 2, Y: 3, Width: 3, Height: 3},
		},
	}))

	assert.Equal(t, reference.Snapshot().Pix, fb.Snapshot().Pix)
}

func TestRRESubrectBounds(t *testing.T) {
	fb := New(8, 8, rfb.DefaultPixelFormat)

	err := fb.Apply(&rfb.Rectangle{
		Width: 4, Height: 4, Encoding: rfb.EncRRE,
		Background: px(0, 0, 0),
		Subrects: []rfb.RRESubrect{
			{Pixel: px(1, 1, 1), X: 3, Y: 0, Width: 2, Height: 1},
		},
	})
	var protoErr *types.ProtocolError
	require.ErrorAs(t, err, &protoErr,
		"subrects are relative to the enclosing rectangle, not the framebuffer")
}

func TestCopyRect(t *testing.T) {
	fb := New(8, 8, rfb.DefaultPixelFormat)
	require.NoError(t, fb.Apply(&rfb.Rectangle{
		X: 0, Y: 0, Width: 2, Height: 2,
		Encoding: rfb.EncRaw,
		Pixels:   solidPixels(50, 60, 70, 4),
	}))

	require.NoError(t, fb.Apply(&rfb.Rectangle{
		X: 4, Y: 4, Width: 2, Height: 2,
		Encoding: rfb.EncCopyRect,
		SrcX:     0, SrcY: 0,
	}))

	img := fb.Snapshot()
	assert.Equal(t, color.RGBA{50, 60, 70, 0xff}, img.RGBAAt(4, 4))
	assert.Equal(t, color.RGBA{50, 60, 70, 0xff}, img.RGBAAt(5, 5))
	assert.Equal(t, color.RGBA{50, 60, 70, 0xff}, img.RGBAAt(0, 0), "source untouched")
}

func TestCopyRectOverlapping(t *testing.T) {
	fb := New(8, 1, rfb.DefaultPixelFormat)
	pixels := make([]byte, 0, 4*4)
	for i := byte(0); i < 4; i++ {
		pixels = append(pixels, px(i, i, i)...)
	}
	require.NoError(t, fb.Apply(&rfb.Rectangle{
		X: 0, Y: 0, Width: 4, Height: 1,
		Encoding: rfb.EncRaw, Pixels: pixels,
	}))

	// Shift right by one; destination overlaps the source.
	require.NoError(t, fb.Apply(&rfb.Rectangle{
		X: 1, Y: 0, Width: 4, Height: 1,
		Encoding: rfb.EncCopyRect,
		SrcX:     0, SrcY: 0,
	}))

	img := fb.Snapshot()
	for i := 0; i < 4; i++ {
		c := byte(i)
		assert.Equal(t, color.RGBA{c, c, c, 0xff}, img.RGBAAt(i+1, 0))
	}
}

func TestCopyRectSourceOutOfBounds(t *testing.T) {
	fb := New(4, 4, rfb.DefaultPixelFormat)

	err := fb.Apply(&rfb.Rectangle{
		X: 0, Y: 0, Width: 2, Height: 2,
		Encoding: rfb.EncCopyRect,
		SrcX:     3, SrcY: 3,
	})
	var protoErr *types.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestSnapshotIsolation(t *testing.T) {
	fb := New(2, 2, rfb.DefaultPixelFormat)
	require.NoError(t, fb.Apply(&rfb.Rectangle{
		Width: 2, Height: 2, Encoding: rfb.EncRaw,
		Pixels: solidPixels(1, 2, 3, 4),
	}))

	before := fb.Snapshot()
	require.NoError(t, fb.Apply(&rfb.Rectangle{
		Width: 2, Height: 2, Encoding: rfb.EncRaw,
		Pixels: solidPixels(9, 9, 9, 4),
	}))

	assert.Equal(t, color.RGBA{1, 2, 3, 0xff}, before.RGBAAt(0, 0),
		"snapshots are copies, later updates must not show through")
	assert.Equal(t, color.RGBA{9, 9, 9, 0xff}, fb.Snapshot().RGBAAt(0, 0))
}
