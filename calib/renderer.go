package calib

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/kwv/simfit/align"
)

var (
	targetColor   = color.RGBA{0, 0, 139, 255}     // dark blue
	residualColor = color.RGBA{128, 128, 128, 255} // gray
)

// FitRenderer draws a 2D fit: target points, mapped source points in the
// set's color, and residual segments joining each pair.
type FitRenderer struct {
	SetID      string
	Set        *CorrespondenceSet
	Fit        CachedFit
	Color      string            // hex color for mapped points
	Size       float64           // longest side of the drawing area, in canvas millimeters
	Padding    float64           // fraction of Size added around the points
	Resolution canvas.Resolution // PNG resolution
}

// NewFitRenderer creates a renderer with default settings
func NewFitRenderer(setID string, cs *CorrespondenceSet, fit CachedFit, hexColor string) *FitRenderer {
	return &FitRenderer{
		SetID:      setID,
		Set:        cs,
		Fit:        fit,
		Color:      hexColor,
		Size:       200.0,
		Padding:    0.05,
		Resolution: canvas.DPI(150),
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// viewport maps target-frame points into a padded drawing area
type viewport struct {
	bound  orb.Bound
	scale  float64
	pad    float64
	width  float64
	height float64
}

func (r *FitRenderer) viewport(size float64) (viewport, error) {
	b, err := FitBounds(r.Set, r.Fit.Transform)
	if err != nil {
		return viewport{}, fmt.Errorf("render %s: %w", r.SetID, err)
	}
	extent := math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1])
	if extent == 0 {
		extent = 1
	}
	pad := r.Padding * size
	scale := size / extent
	return viewport{
		bound:  b,
		scale:  scale,
		pad:    pad,
		width:  (b.Max[0]-b.Min[0])*scale + 2*pad,
		height: (b.Max[1]-b.Min[1])*scale + 2*pad,
	}, nil
}

// project maps a point into the viewport with y pointing up
func (v viewport) project(p align.Point) (float64, float64) {
	x := (p[0]-v.bound.Min[0])*v.scale + v.pad
	y := (p[1]-v.bound.Min[1])*v.scale + v.pad
	return x, y
}

// RenderToSVG writes the fit as SVG
func (r *FitRenderer) RenderToSVG(w io.Writer) error {
	vp, err := r.viewport(r.Size)
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, vp.width, vp.height, nil)
	if err := r.renderToCanvas(svgRenderer, vp); err != nil {
		return err
	}
	return svgRenderer.Close()
}

// RenderToPNG writes the fit as PNG
func (r *FitRenderer) RenderToPNG(w io.Writer) error {
	vp, err := r.viewport(r.Size)
	if err != nil {
		return err
	}
	rast := rasterizer.New(vp.width, vp.height, r.Resolution, canvas.DefaultColorSpace)
	if err := r.renderToCanvas(rast, vp); err != nil {
		return err
	}
	return png.Encode(w, rast)
}

func (r *FitRenderer) renderToCanvas(renderer canvasRenderer, vp viewport) error {
	mapped, err := r.Fit.Transform.ApplyAll(r.Set.Source)
	if err != nil {
		return err
	}

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(vp.width, vp.height), bgStyle, canvas.Identity)

	radius := r.Size / 150
	lineWidth := radius / 3

	residualStyle := canvas.DefaultStyle
	residualStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	residualStyle.Stroke = canvas.Paint{Color: residualColor}
	residualStyle.StrokeWidth = lineWidth
	residualStyle.Dashes = []float64{lineWidth * 3, lineWidth * 3}

	for i := range mapped {
		x1, y1 := vp.project(mapped[i])
		x2, y2 := vp.project(r.Set.Target[i])
		if x1 == x2 && y1 == y2 {
			continue
		}
		p := &canvas.Path{}
		p.MoveTo(x1, y1)
		p.LineTo(x2, y2)
		renderer.RenderPath(p, residualStyle, canvas.Identity)
	}

	targetStyle := canvas.DefaultStyle
	targetStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	targetStyle.Stroke = canvas.Paint{Color: targetColor}
	targetStyle.StrokeWidth = lineWidth

	mappedStyle := canvas.DefaultStyle
	mappedStyle.Fill = canvas.Paint{Color: parseHexColor(r.Color)}
	mappedStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

	for i := range mapped {
		tx, ty := vp.project(r.Set.Target[i])
		renderer.RenderPath(canvas.Circle(radius*1.5).Translate(tx, ty), targetStyle, canvas.Identity)

		mx, my := vp.project(mapped[i])
		renderer.RenderPath(canvas.Circle(radius).Translate(mx, my), mappedStyle, canvas.Identity)
	}

	return nil
}

// RenderRaster draws the fit into a width x height image with a text label
// and writes it as PNG. Unlike RenderToPNG it needs no vector rasterizer and
// gives pixel-exact output sizes.
func (r *FitRenderer) RenderRaster(w io.Writer, width, height int) error {
	img, err := r.RasterImage(width, height)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// RasterImage draws the fit into a new RGBA image
func (r *FitRenderer) RasterImage(width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("render %s: invalid image size %dx%d", r.SetID, width, height)
	}
	size := float64(min(width, height))
	vp, err := r.viewport(size * (1 - 2*r.Padding))
	if err != nil {
		return nil, err
	}
	vp.pad = r.Padding * size

	mapped, err := r.Fit.Transform.ApplyAll(r.Set.Source)
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{255, 255, 255, 255}}, image.Point{}, draw.Src)

	toPixel := func(p align.Point) (int, int) {
		x, y := vp.project(p)
		return int(math.Round(x)), height - 1 - int(math.Round(y))
	}

	pointColor := parseHexColor(r.Color)
	for i := range mapped {
		x1, y1 := toPixel(mapped[i])
		x2, y2 := toPixel(r.Set.Target[i])
		drawLine(img, x1, y1, x2, y2, residualColor)
		drawRing(img, x2, y2, 4, targetColor)
		drawDisc(img, x1, y1, 3, pointColor)
	}

	label := fmt.Sprintf("%s  scale=%.4g  rms=%.4g", r.SetID, r.Fit.Transform.Scale(), r.Fit.Stats.RMS)
	if angle, err := r.Fit.Transform.Angle(); err == nil {
		label += fmt.Sprintf("  angle=%.1f", angle)
	}
	drawText(img, 4, 14, label, color.RGBA{0, 0, 0, 255})

	return img, nil
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.SetRGBA(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func drawDisc(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			if x*x+y*y <= radius*radius {
				img.SetRGBA(cx+x, cy+y, c)
			}
		}
	}
}

func drawRing(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	inner := (radius - 1) * (radius - 1)
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			if d := x*x + y*y; d <= radius*radius && d >= inner {
				img.SetRGBA(cx+x, cy+y, c)
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// drawText draws a label with the 7x13 bitmap face; (x, y) is the baseline origin
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses "#RRGGBB" (the # is optional); anything else yields red
func parseHexColor(hex string) color.RGBA {
	fallback := color.RGBA{255, 0, 0, 255}
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return fallback
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return fallback
	}
	return color.RGBA{r, g, b, 255}
}
