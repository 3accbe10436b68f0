package scope

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	bannerHeight  = 17
	bannerPadding = 4
)

var (
	bannerBackground = color.RGBA{32, 32, 32, 255}
	bannerText       = color.RGBA{247, 250, 82, 255}
)

// Annotate appends a text banner below a PNG capture. Text wider than the
// image is clipped.
func Annotate(pngData []byte, note string) ([]byte, error) {
	if note == "" {
		return pngData, nil
	}
	src, err := png.Decode(bytes.NewReader(pngData))
	if err != nil {
		return nil, fmt.Errorf("decode PNG: %w", err)
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()+bannerHeight))
	draw.Draw(dst, image.Rect(0, 0, b.Dx(), b.Dy()), src, b.Min, draw.Src)
	draw.Draw(dst, image.Rect(0, b.Dy(), b.Dx(), b.Dy()+bannerHeight), image.NewUniform(bannerBackground), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(bannerText),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(bannerPadding, b.Dy()+bannerHeight-bannerPadding),
	}
	d.DrawString(note)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}
