package vehiclecolor

import (
	"errors"
	"fmt"
	"image"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"parking-service/internal/domain/parking"
)

var ErrEmptyImage = errors.New("empty image")

// Classifier estimates the dominant color of a vehicle crop.
// Implementations return parking.UnknownColor instead of failing.
type Classifier interface {
	Classify(img image.Image) string
}

type Params struct {
	ResizeTo               int                `mapstructure:"resize_to"`
	NightMaxMeanBrightness float64            `mapstructure:"night_max_mean_brightness"`
	NightMinDarkFraction   float64            `mapstructure:"night_min_dark_fraction"`
	DarkPixelLevel         float64            `mapstructure:"dark_pixel_level"`
	NightMinStdDev         float64            `mapstructure:"night_min_std_dev"`
	BrightSpotLevel        float64            `mapstructure:"bright_spot_level"`
	NightMinBrightFraction float64            `mapstructure:"night_min_bright_fraction"`
	LowBrightSpotFraction  float64            `mapstructure:"low_bright_spot_fraction"`
	SevereNightPenalty     float64            `mapstructure:"severe_night_penalty"`
	SevereNightScoreFloor  float64            `mapstructure:"severe_night_score_floor"`
	SegmentationWeight     float64            `mapstructure:"segmentation_weight"`
	HistogramWeight        float64            `mapstructure:"histogram_weight"`
	TwoToneGap             float64            `mapstructure:"two_tone_gap"`
	MetallicScoreThreshold float64            `mapstructure:"metallic_score_threshold"`
	MetallicBlackReduction float64            `mapstructure:"metallic_black_reduction"`
	NightPenalties         map[string]float64 `mapstructure:"night_penalties"`
	ColorWeights           map[string]float64 `mapstructure:"color_weights"`
}

func DefaultParams() Params {
	return Params{
		ResizeTo:               300,
		NightMaxMeanBrightness: 85,
		NightMinDarkFraction:   0.6,
		DarkPixelLevel:         70,
		NightMinStdDev:         40,
		BrightSpotLevel:        200,
		NightMinBrightFraction: 0.01,
		LowBrightSpotFraction:  0.05,
		SevereNightPenalty:     0.1,
		SevereNightScoreFloor:  0.3,
		SegmentationWeight:     0.6,
		HistogramWeight:        0.4,
		TwoToneGap:             0.3,
		MetallicScoreThreshold: 0.6,
		MetallicBlackReduction: 0.5,
		NightPenalties: map[string]float64{
			"yellow": 0.8,
			"gold":   0.85,
			"brown":  0.7,
			"beige":  0.6,
			"white":  0.2,
			"silver": 0.3,
		},
		ColorWeights: map[string]float64{
			"black":         1.4,
			"gray":          0.8,
			"metallic_gray": 0.85,
			"yellow":        0.5,
		},
	}
}

// Merge returns p with every non-zero field of o applied on top. Map
// entries are overridden key by key.
func (p Params) Merge(o Params) Params {
	out := p
	if o.ResizeTo != 0 {
		out.ResizeTo = o.ResizeTo
	}
	for _, f := range []struct{ dst, src *float64 }{
		{&out.NightMaxMeanBrightness, &o.NightMaxMeanBrightness},
		{&out.NightMinDarkFraction, &o.NightMinDarkFraction},
		{&out.DarkPixelLevel, &o.DarkPixelLevel},
		{&out.NightMinStdDev, &o.NightMinStdDev},
		{&out.BrightSpotLevel, &o.BrightSpotLevel},
		{&out.NightMinBrightFraction, &o.NightMinBrightFraction},
		{&out.LowBrightSpotFraction, &o.LowBrightSpotFraction},
		{&out.SevereNightPenalty, &o.SevereNightPenalty},
		{&out.SevereNightScoreFloor, &o.SevereNightScoreFloor},
		{&out.SegmentationWeight, &o.SegmentationWeight},
		{&out.HistogramWeight, &o.HistogramWeight},
		{&out.TwoToneGap, &o.TwoToneGap},
		{&out.MetallicScoreThreshold, &o.MetallicScoreThreshold},
		{&out.MetallicBlackReduction, &o.MetallicBlackReduction},
	} {
		if *f.src != 0 {
			*f.dst = *f.src
		}
	}
	out.NightPenalties = mergeWeights(p.NightPenalties, o.NightPenalties)
	out.ColorWeights = mergeWeights(p.ColorWeights, o.ColorWeights)
	return out
}

func mergeWeights(base, over map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// LightingStats describes the brightness distribution of a crop.
type LightingStats struct {
	MeanBrightness     float64 `json:"mean_brightness"`
	StdDev             float64 `json:"std_dev"`
	DarkFraction       float64 `json:"dark_fraction"`
	BrightSpotFraction float64 `json:"bright_spot_fraction"`
	Night              bool    `json:"night"`
}

type Score struct {
	Color string  `json:"color"`
	Score float64 `json:"score"`
}

type Analysis struct {
	Label    string        `json:"label"`
	Lighting LightingStats `json:"lighting"`
	Scores   []Score       `json:"scores"`
	TwoTone  bool          `json:"two_tone"`
}

// HSVClassifier scores every known color by HSV range coverage and hue
// histogram mass, then corrects for night lighting and known biases.
type HSVClassifier struct {
	params Params
	log    zerolog.Logger
}

func NewHSVClassifier(params Params, log zerolog.Logger) *HSVClassifier {
	if params.ResizeTo <= 0 {
		params.ResizeTo = DefaultParams().ResizeTo
	}
	return &HSVClassifier{params: params, log: log}
}

func (c *HSVClassifier) Classify(img image.Image) (label string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("color classification panicked")
			label = parking.UnknownColor
		}
	}()

	a, err := c.Analyze(img)
	if err != nil {
		c.log.Warn().Err(err).Msg("color classification failed")
		return parking.UnknownColor
	}
	return a.Label
}

func (c *HSVClassifier) Analyze(img image.Image) (*Analysis, error) {
	stats, err := c.MeasureLighting(img)
	if err != nil {
		return nil, err
	}
	return c.AnalyzeWithLighting(img, stats)
}

// MeasureLighting classifies the crop as day or night.
func (c *HSVClassifier) MeasureLighting(img image.Image) (LightingStats, error) {
	if img == nil || img.Bounds().Empty() {
		return LightingStats{}, ErrEmptyImage
	}
	gray := grayLevels(img)

	var stats LightingStats
	stats.MeanBrightness, stats.StdDev = stat.PopMeanStdDev(gray, nil)

	var dark, bright int
	for _, g := range gray {
		if g < c.params.DarkPixelLevel {
			dark++
		}
		if g > c.params.BrightSpotLevel {
			bright++
		}
	}
	n := float64(len(gray))
	stats.DarkFraction = float64(dark) / n
	stats.BrightSpotFraction = float64(bright) / n

	p := c.params
	stats.Night = (stats.MeanBrightness < p.NightMaxMeanBrightness || stats.DarkFraction > p.NightMinDarkFraction) &&
		stats.StdDev > p.NightMinStdDev &&
		stats.BrightSpotFraction > p.NightMinBrightFraction
	return stats, nil
}

// AnalyzeWithLighting scores img under the given lighting instead of
// measuring it, which lets callers force day or night analysis.
func (c *HSVClassifier) AnalyzeWithLighting(img image.Image, lighting LightingStats) (*Analysis, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	ranges := dayRanges
	if lighting.Night {
		ranges = nightRanges
	}

	hsv := toHSV(normalize(img, c.params.ResizeTo))
	seg := segmentationScores(hsv, ranges)
	hist := histogramScores(hsv, dayRanges)

	segMax, histMax := maxOf(seg), maxOf(hist)
	if segMax == 0 && histMax == 0 {
		return nil, fmt.Errorf("no color range matched")
	}

	scores := make(map[string]float64, len(ranges))
	for _, r := range ranges {
		var s, h float64
		if segMax > 0 {
			s = seg[r.Name] / segMax
		}
		if histMax > 0 {
			h = hist[r.Name] / histMax
		}
		scores[r.Name] = c.params.SegmentationWeight*s + c.params.HistogramWeight*h
	}

	if lighting.Night {
		c.adjustForNight(scores, lighting)
	}
	for name, w := range c.params.ColorWeights {
		if _, ok := scores[name]; ok {
			scores[name] *= w
		}
	}

	a := &Analysis{Lighting: lighting}
	ranked := rank(scores, ranges)

	if second, ok := c.twoToneRunnerUp(ranked); ok {
		a.Label = family(ranked[0].Color) + "/" + family(second.Color)
		a.TwoTone = true
		a.Scores = ranked
		c.log.Debug().Str("color", a.Label).Bool("night", lighting.Night).Msg("two-tone vehicle detected")
		return a, nil
	}

	c.reduceBlackForMetallic(scores, ranked)
	a.Scores = rank(scores, ranges)
	a.Label = a.Scores[0].Color

	c.log.Debug().
		Str("color", a.Label).
		Float64("score", a.Scores[0].Score).
		Bool("night", lighting.Night).
		Float64("bright_spot_fraction", lighting.BrightSpotFraction).
		Msg("vehicle color classified")
	return a, nil
}

func (c *HSVClassifier) adjustForNight(scores map[string]float64, lighting LightingStats) {
	for name, penalty := range c.params.NightPenalties {
		if _, ok := scores[name]; ok {
			scores[name] *= 1 - penalty
		}
	}
	// Reflections under street lamps push crops toward warm hues.
	if lighting.BrightSpotFraction < c.params.LowBrightSpotFraction {
		for _, name := range []string{"yellow", "gold"} {
			if scores[name] > c.params.SevereNightScoreFloor {
				scores[name] *= c.params.SevereNightPenalty
			}
		}
	}
}

// twoToneRunnerUp returns the best color of a different family when it is
// within the two-tone gap of the leader and one of the pair is black or white.
// Two-tone labels use family names, so pearl_white over black reads white/black.
func (c *HSVClassifier) twoToneRunnerUp(ranked []Score) (Score, bool) {
	if len(ranked) < 2 {
		return Score{}, false
	}
	leader := ranked[0]
	for _, s := range ranked[1:] {
		if family(s.Color) == family(leader.Color) {
			continue
		}
		if leader.Score-s.Score >= c.params.TwoToneGap {
			return Score{}, false
		}
		bw := func(name string) bool { f := family(name); return f == "black" || f == "white" }
		if bw(leader.Color) || bw(s.Color) {
			return s, true
		}
		return Score{}, false
	}
	return Score{}, false
}

// reduceBlackForMetallic dampens black when a dark metallic shade is strong,
// since the two are easily confused.
func (c *HSVClassifier) reduceBlackForMetallic(scores map[string]float64, ranked []Score) {
	top := ranked
	if len(top) > 3 {
		top = top[:3]
	}
	var metallicScore float64
	for _, s := range top {
		if metallicColors[s.Color] && s.Score > c.params.MetallicScoreThreshold && s.Score > metallicScore {
			metallicScore = s.Score
		}
	}
	if metallicScore == 0 {
		return
	}
	if black, ok := scores["black"]; ok && black > metallicScore {
		scores["black"] = black * (1 - metallicScore*c.params.MetallicBlackReduction)
	}
}

func segmentationScores(p *hsvPlanes, ranges []colorRange) map[string]float64 {
	out := make(map[string]float64, len(ranges))
	n := float64(p.len())
	for _, r := range ranges {
		var hits int
		for i := 0; i < p.len(); i++ {
			if r.contains(p.H[i], p.S[i], p.V[i]) {
				hits++
			}
		}
		out[r.Name] = float64(hits) / n
	}
	return out
}

// histogramScores sums the hue histogram of each color's mask.
func histogramScores(p *hsvPlanes, ranges []colorRange) map[string]float64 {
	out := make(map[string]float64, len(ranges))
	for _, r := range ranges {
		var hist [181]float64
		for i := 0; i < p.len(); i++ {
			if r.contains(p.H[i], p.S[i], p.V[i]) {
				hist[p.H[i]]++
			}
		}
		var mass float64
		for _, v := range hist {
			mass += v
		}
		out[r.Name] = mass
	}
	return out
}

func maxOf(m map[string]float64) float64 {
	var best float64
	for _, v := range m {
		if v > best {
			best = v
		}
	}
	return best
}

// rank sorts scores descending; ties keep table order.
func rank(scores map[string]float64, ranges []colorRange) []Score {
	out := make([]Score, 0, len(ranges))
	for _, r := range ranges {
		out = append(out, Score{Color: r.Name, Score: scores[r.Name]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
