package validator

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/thomaker/blendforge/internal/config"
)

// Quality gate reason codes.
const (
	ReasonTooDark     = "too_dark"
	ReasonOverexposed = "overexposed"
	ReasonNoDetail    = "no_detail"
	ReasonLowContrast = "low_contrast"
)

// Canny-style hysteresis thresholds on Sobel gradient magnitude.
const (
	edgeThresholdLow  = 50
	edgeThresholdHigh = 150
)

// maxStatDim bounds the pixel count the statistics run over; larger renders
// are downscaled first.
const maxStatDim = 1024

// QualityGate rejects degenerate renders with cheap, deterministic,
// label-independent image statistics before any semantic scoring happens.
type QualityGate struct {
	cfg config.ValidatorConfig
}

// NewQualityGate creates a quality gate with the given thresholds.
func NewQualityGate(cfg config.ValidatorConfig) *QualityGate {
	return &QualityGate{cfg: cfg}
}

// Check returns (true, "quality_ok") for images worth semantic scoring, or
// (false, reason) for blank, washed-out, or featureless renders.
func (g *QualityGate) Check(img image.Image) (bool, string) {
	gray := grayscale(img)

	mean, stddev := luminanceStats(gray)
	if mean < g.cfg.MinLuminance {
		return false, ReasonTooDark
	}
	if mean > g.cfg.MaxLuminance {
		return false, ReasonOverexposed
	}

	if edgeDensity(gray) < g.cfg.MinEdgeDensity {
		return false, ReasonNoDetail
	}

	if stddev < g.cfg.MinContrast {
		return false, ReasonLowContrast
	}

	return true, "quality_ok"
}

// grayscale converts to 8-bit luminance, downscaling so neither dimension
// exceeds maxStatDim.
func grayscale(src image.Image) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	if w > maxStatDim || h > maxStatDim {
		scale := float64(maxStatDim) / float64(max(w, h))
		w = max(1, int(float64(w)*scale))
		h = max(1, int(float64(h)*scale))
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

func luminanceStats(g *image.Gray) (mean, stddev float64) {
	n := len(g.Pix)
	if n == 0 {
		return 0, 0
	}

	var sum float64
	for _, p := range g.Pix {
		sum += float64(p)
	}
	mean = sum / float64(n)

	var sqDiff float64
	for _, p := range g.Pix {
		d := float64(p) - mean
		sqDiff += d * d
	}
	stddev = math.Sqrt(sqDiff / float64(n))

	return mean, stddev
}

// edgeDensity returns the fraction of pixels flagged as edges: Sobel
// gradient magnitude with 50/150 hysteresis, weak edges kept only when
// connected to a strong one.
func edgeDensity(g *image.Gray) float64 {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	at := func(x, y int) float64 {
		return float64(g.Pix[y*g.Stride+x])
	}

	mag := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -at(x-1, y-1) - 2*at(x-1, y) - at(x-1, y+1) +
				at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1)
			gy := -at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1) +
				at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)
			mag[y*w+x] = math.Hypot(gx, gy)
		}
	}

	const (
		pixelNone = iota
		pixelWeak
		pixelEdge
	)

	state := make([]uint8, w*h)
	var stack []int
	for i, m := range mag {
		switch {
		case m >= edgeThresholdHigh:
			state[i] = pixelEdge
			stack = append(stack, i)
		case m >= edgeThresholdLow:
			state[i] = pixelWeak
		}
	}

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if state[j] == pixelWeak {
					state[j] = pixelEdge
					stack = append(stack, j)
				}
			}
		}
	}

	edges := 0
	for _, s := range state {
		if s == pixelEdge {
			edges++
		}
	}
	return float64(edges) / float64(w*h)
}
