package vehiclecolor

import (
	"image"
	"math"

	"github.com/rs/zerolog"

	"parking-service/internal/domain/parking"
)

type paletteEntry struct {
	Name    string
	R, G, B float64
}

var defaultPalette = []paletteEntry{
	{"white", 245, 245, 245},
	{"black", 20, 20, 20},
	{"gray", 128, 128, 128},
	{"silver", 192, 192, 192},
	{"red", 200, 30, 30},
	{"burgundy", 110, 20, 40},
	{"blue", 30, 60, 180},
	{"green", 40, 140, 60},
	{"yellow", 230, 200, 40},
	{"gold", 200, 170, 80},
	{"brown", 110, 70, 40},
	{"beige", 220, 200, 160},
}

// PaletteClassifier clusters the crop with k-means and maps the largest
// cluster to the nearest named palette color.
type PaletteClassifier struct {
	k          int
	iterations int
	sampleSize int
	log        zerolog.Logger
}

func NewPaletteClassifier(log zerolog.Logger) *PaletteClassifier {
	return &PaletteClassifier{k: 3, iterations: 10, sampleSize: 64, log: log}
}

func (c *PaletteClassifier) Classify(img image.Image) string {
	if img == nil || img.Bounds().Empty() {
		c.log.Warn().Err(ErrEmptyImage).Msg("palette classification failed")
		return parking.UnknownColor
	}

	pixels := c.sample(img)
	center := dominantCluster(pixels, c.k, c.iterations)
	label := nearestPalette(center)

	c.log.Debug().
		Str("color", label).
		Float64("r", center[0]).
		Float64("g", center[1]).
		Float64("b", center[2]).
		Msg("palette color classified")
	return label
}

func (c *PaletteClassifier) sample(img image.Image) [][3]float64 {
	small := normalize(img, c.sampleSize)
	b := small.Bounds()
	out := make([][3]float64, 0, b.Dx()*b.Dy())
	for i := 0; i+3 < len(small.Pix); i += 4 {
		out = append(out, [3]float64{float64(small.Pix[i]), float64(small.Pix[i+1]), float64(small.Pix[i+2])})
	}
	return out
}

// dominantCluster runs Lloyd's k-means with evenly spaced seeds and returns
// the center of the most populated cluster.
func dominantCluster(pixels [][3]float64, k, iterations int) [3]float64 {
	if len(pixels) < k {
		k = len(pixels)
	}
	centers := make([][3]float64, k)
	for i := range centers {
		centers[i] = pixels[i*len(pixels)/k]
	}

	assign := make([]int, len(pixels))
	counts := make([]int, k)
	for it := 0; it < iterations; it++ {
		for i := range counts {
			counts[i] = 0
		}
		for i, p := range pixels {
			assign[i] = nearestCenter(p, centers)
			counts[assign[i]]++
		}
		sums := make([][3]float64, k)
		for i, p := range pixels {
			for ch := 0; ch < 3; ch++ {
				sums[assign[i]][ch] += p[ch]
			}
		}
		for j := range centers {
			if counts[j] == 0 {
				continue
			}
			for ch := 0; ch < 3; ch++ {
				centers[j][ch] = sums[j][ch] / float64(counts[j])
			}
		}
	}

	best := 0
	for j := range counts {
		if counts[j] > counts[best] {
			best = j
		}
	}
	return centers[best]
}

func nearestCenter(p [3]float64, centers [][3]float64) int {
	best, bestDist := 0, math.Inf(1)
	for j, c := range centers {
		d := sq(p[0]-c[0]) + sq(p[1]-c[1]) + sq(p[2]-c[2])
		if d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

func nearestPalette(c [3]float64) string {
	best, bestDist := parking.UnknownColor, math.Inf(1)
	for _, e := range defaultPalette {
		d := sq(c[0]-e.R) + sq(c[1]-e.G) + sq(c[2]-e.B)
		if d < bestDist {
			best, bestDist = e.Name, d
		}
	}
	return best
}

func sq(v float64) float64 { return v * v }
