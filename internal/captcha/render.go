package captcha

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

// Alphabet omits characters that are easy to confuse (O/0, I/1).
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Geometry limits accepted by the renderer.
const (
	MinWidth  = 60
	MaxWidth  = 1200
	MinHeight = 30
	MaxHeight = 400
	MinChars  = 3
	MaxChars  = 12
)

// ErrBadGeometry is returned for out-of-range render parameters.
var ErrBadGeometry = errors.New("captcha: width, height or chars out of range")

// Renderer draws text captchas with gg on the Go Regular font.
type Renderer struct {
	font *truetype.Font
	// Noise is the number of random dots sprinkled over the background.
	Noise int
	// Lines is the number of strike-through lines.
	Lines int
}

// NewRenderer parses the embedded font.
func NewRenderer() (*Renderer, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("captcha: parse font: %w", err)
	}
	return &Renderer{font: f, Noise: 800, Lines: 4}, nil
}

// Render returns a PNG image and its solution.
func (r *Renderer) Render(width, height, chars int) ([]byte, string, error) {
	if width < MinWidth || width > MaxWidth || height < MinHeight || height > MaxHeight ||
		chars < MinChars || chars > MaxChars {
		return nil, "", ErrBadGeometry
	}
	text, err := RandomText(chars)
	if err != nil {
		return nil, "", err
	}

	dc := gg.NewContext(width, height)
	dc.SetRGB(0.97, 0.97, 0.97)
	dc.Clear()

	if err := r.noise(dc, width, height); err != nil {
		return nil, "", err
	}

	// Glyph size follows the narrower of the two constraints.
	size := math.Min(float64(height)*0.6, float64(width)/float64(chars)*1.2)
	dc.SetFontFace(truetype.NewFace(r.font, &truetype.Options{Size: size}))

	step := float64(width) / float64(chars+1)
	n := float64(len(text))
	for i, ch := range text {
		fi := float64(i)
		dc.SetRGB(0.1+0.6*fi/n, 0.1+0.5*(n-fi)/n, 0.2+0.5*math.Abs(math.Sin(fi)))
		angle := -0.25 + 0.5*fi/n
		x := step * (fi + 1)
		y := float64(height)/2 + float64(height)/10*math.Sin(fi*1.7)
		dc.RotateAbout(angle, x, y)
		dc.DrawStringAnchored(string(ch), x, y, 0.5, 0.5)
		dc.RotateAbout(-angle, x, y)
	}

	for i := 0; i < r.Lines; i++ {
		y1, err := randInt(height)
		if err != nil {
			return nil, "", err
		}
		y2, err := randInt(height)
		if err != nil {
			return nil, "", err
		}
		dc.SetRGBA(0.4, 0.4, 0.4, 0.6)
		dc.SetLineWidth(1.5)
		dc.DrawLine(0, float64(y1), float64(width), float64(y2))
		dc.Stroke()
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, "", fmt.Errorf("captcha: encode png: %w", err)
	}
	return buf.Bytes(), text, nil
}

func (r *Renderer) noise(dc *gg.Context, width, height int) error {
	for i := 0; i < r.Noise; i++ {
		x, err := randInt(width)
		if err != nil {
			return err
		}
		y, err := randInt(height)
		if err != nil {
			return err
		}
		shade, err := randInt(100)
		if err != nil {
			return err
		}
		c := float64(shade) / 100
		dc.SetRGBA(c, c*0.8, 1-c, 0.3)
		dc.DrawPoint(float64(x), float64(y), 1)
		dc.Fill()
	}
	return nil
}

// RandomText returns n characters drawn uniformly from Alphabet.
func RandomText(n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		idx, err := randInt(len(Alphabet))
		if err != nil {
			return "", err
		}
		out[i] = Alphabet[idx]
	}
	return string(out), nil
}

func randInt(max int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("captcha: random: %w", err)
	}
	return int(v.Int64()), nil
}
